package security

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/charlesng35/sessionguard/internal/models"
	apperrors "github.com/charlesng35/sessionguard/pkg/errors"
	"github.com/charlesng35/sessionguard/pkg/metrics"
)

// RevocationResult reports a completed session revocation.
type RevocationResult struct {
	JTI           string `json:"jti"`
	CorrelationID string `json:"correlation_id"`
}

// RevocationService terminates sessions: it marks the row revoked, blacklists
// the JTI, and records both facts as separate audit events sharing one
// correlation ID. They are independently queryable and must stay two events.
type RevocationService struct {
	db        *gorm.DB
	blacklist *BlacklistService
	audit     *AuditService
	now       func() time.Time
}

// NewRevocationService constructs the revocation flow.
func NewRevocationService(db *gorm.DB, blacklist *BlacklistService, audit *AuditService, clock func() time.Time) (*RevocationService, error) {
	if db == nil {
		return nil, errors.New("revocation service: db is required")
	}
	if blacklist == nil {
		return nil, errors.New("revocation service: blacklist service is required")
	}
	if audit == nil {
		return nil, errors.New("revocation service: audit service is required")
	}
	if clock == nil {
		clock = time.Now
	}
	return &RevocationService{
		db:        db,
		blacklist: blacklist,
		audit:     audit,
		now:       clock,
	}, nil
}

// RevokeSessionWithAudit revokes the session identified by jti. revoked_at and
// revoked_reason are always written together; a revocation without a reason is
// rejected before any I/O.
func (s *RevocationService) RevokeSessionWithAudit(ctx context.Context, jti, reason string, metadata map[string]any) (RevocationResult, error) {
	ctx = ensureContext(ctx)

	jti = strings.TrimSpace(jti)
	if jti == "" {
		return RevocationResult{}, apperrors.NewValidation("jti is required")
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return RevocationResult{}, apperrors.ErrIntegrity.WithInternal(errors.New("revocation requires a reason"))
	}

	now := s.now()

	var session models.Session
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Take(&session, "jti = ?", jti).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperrors.ErrNotFound.WithInternal(fmt.Errorf("session %s", jti))
			}
			return fmt.Errorf("revocation service: load session: %w", err)
		}

		if session.RevokedAt == nil {
			updates := map[string]any{
				"revoked_at":     now,
				"revoked_reason": reason,
			}
			if err := tx.Model(&models.Session{}).
				Where("jti = ? AND revoked_at IS NULL", jti).
				Updates(updates).Error; err != nil {
				return fmt.Errorf("revocation service: revoke session: %w", err)
			}
			metrics.ActiveSessions.Dec()
		}
		return nil
	})
	if err != nil {
		return RevocationResult{}, err
	}

	correlationID := uuid.NewString()

	if _, err := s.audit.Log(ctx, AuditEntry{
		ActorUserID:   &session.UserID,
		OrgID:         session.OrgID,
		Action:        ActionSessionRevoked,
		TargetType:    "session",
		TargetID:      jti,
		IPAddress:     session.IPAddress,
		UserAgent:     session.UserAgent,
		CorrelationID: correlationID,
		Severity:      models.SeverityMedium,
		Details: map[string]any{
			"reason": reason,
		},
	}); err != nil {
		return RevocationResult{}, err
	}

	if _, err := s.blacklist.blacklist(ctx, jti, reason, metadata, correlationID); err != nil {
		return RevocationResult{}, err
	}

	return RevocationResult{JTI: jti, CorrelationID: correlationID}, nil
}
