package models

import (
	"time"

	"gorm.io/datatypes"
)

// BlacklistEntry is the durable mirror of a revoked JTI. The cache is the
// authoritative fast path; these rows exist for defense-in-depth so the
// cleanup sweep can reconcile entries whose cache TTL has lapsed.
type BlacklistEntry struct {
	JTI           string         `gorm:"primaryKey;size:64" json:"jti"`
	Reason        string         `gorm:"not null" json:"reason"`
	Metadata      datatypes.JSON `json:"metadata,omitempty"`
	BlacklistedAt time.Time      `json:"blacklisted_at"`
	ExpiresAt     time.Time      `gorm:"index" json:"expires_at"`
}
