package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Audit severities, ordered by escalation.
const (
	SeverityInfo     = "info"
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// AuditEvent is an append-only security log entry. Rows are never updated or
// deleted after insert; no mutation API exists on purpose.
type AuditEvent struct {
	ID            string         `gorm:"primaryKey;type:uuid" json:"id"`
	OrgID         *string        `gorm:"type:uuid;index" json:"org_id,omitempty"`
	ActorUserID   *string        `gorm:"type:uuid;index" json:"actor_user_id,omitempty"`
	Action        string         `gorm:"not null;index" json:"action"`
	TargetType    string         `gorm:"index" json:"target_type"`
	TargetID      string         `gorm:"index" json:"target_id"`
	IPAddress     string         `json:"ip_address"`
	UserAgent     string         `json:"user_agent"`
	CorrelationID string         `gorm:"index" json:"correlation_id"`
	Severity      string         `gorm:"not null;default:info" json:"severity"`
	Details       datatypes.JSON `json:"details,omitempty"`
	CreatedAt     time.Time      `gorm:"index" json:"created_at"`
}

func (a *AuditEvent) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	return nil
}
