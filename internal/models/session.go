package models

import (
	"time"

	"gorm.io/datatypes"
)

// Session is the server-side record of one issued bearer token, keyed by the
// token's JTI claim. Token issuance itself happens outside this service.
type Session struct {
	JTI           string         `gorm:"primaryKey;size:64" json:"jti"`
	UserID        string         `gorm:"type:uuid;not null;index" json:"user_id"`
	OrgID         *string        `gorm:"type:uuid;index" json:"org_id,omitempty"`
	DeviceInfo    datatypes.JSON `json:"device_info,omitempty"`
	IPAddress     string         `json:"ip_address"`
	UserAgent     string         `json:"user_agent"`
	CreatedAt     time.Time      `gorm:"index" json:"created_at"`
	LastUsedAt    time.Time      `json:"last_used_at"`
	ExpiresAt     time.Time      `gorm:"index" json:"expires_at"`
	RevokedAt     *time.Time     `json:"revoked_at,omitempty"`
	RevokedReason *string        `json:"revoked_reason,omitempty"`
}

// IsActive reports whether the session is neither revoked nor expired at the
// supplied instant.
func (s *Session) IsActive(now time.Time) bool {
	return s.RevokedAt == nil && s.ExpiresAt.After(now)
}
