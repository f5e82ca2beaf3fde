package security

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/charlesng35/sessionguard/internal/models"
	apperrors "github.com/charlesng35/sessionguard/pkg/errors"
)

// RecognitionResult reports whether a device fingerprint was seen before for
// the user, and how many of their sessions carry it.
type RecognitionResult struct {
	Recognized bool      `json:"recognized"`
	Matches    int       `json:"matches"`
	FirstSeen  time.Time `json:"first_seen,omitempty"`
}

// DeviceRecognizer answers "has this user logged in from this device before"
// using the stable fingerprint stored with each session.
type DeviceRecognizer struct {
	db  *gorm.DB
	cfg Config
	now func() time.Time
}

// NewDeviceRecognizer constructs a recognizer over the session store.
func NewDeviceRecognizer(db *gorm.DB, cfg Config) (*DeviceRecognizer, error) {
	if db == nil {
		return nil, errors.New("device recognizer: db is required")
	}

	cfg = cfg.withDefaults()
	return &DeviceRecognizer{db: db, cfg: cfg, now: cfg.Clock}, nil
}

// IsDeviceRecognized scans the user's session history for the supplied stable
// fingerprint. Sessions without parseable device info are skipped.
func (r *DeviceRecognizer) IsDeviceRecognized(ctx context.Context, userID, stableFingerprint string) (RecognitionResult, error) {
	ctx = ensureContext(ctx)

	userID = strings.TrimSpace(userID)
	stableFingerprint = strings.TrimSpace(stableFingerprint)
	if userID == "" {
		return RecognitionResult{}, apperrors.NewValidation("user id is required")
	}
	if stableFingerprint == "" {
		return RecognitionResult{}, apperrors.NewValidation("stable fingerprint is required")
	}

	var sessions []models.Session
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC").
		Find(&sessions).Error; err != nil {
		return RecognitionResult{}, fmt.Errorf("device recognizer: load sessions: %w", err)
	}

	result := RecognitionResult{}
	for _, sess := range sessions {
		fp := decodeDeviceInfo(&sess)
		if fp == nil || fp.StableFingerprint != stableFingerprint {
			continue
		}
		if result.Matches == 0 {
			result.FirstSeen = sess.CreatedAt
		}
		result.Matches++
	}
	result.Recognized = result.Matches > 0

	return result, nil
}
