package security

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/charlesng35/sessionguard/internal/cache"
	"github.com/charlesng35/sessionguard/internal/models"
	"github.com/charlesng35/sessionguard/pkg/logger"
	"github.com/charlesng35/sessionguard/pkg/metrics"
)

const blacklistKeyPrefix = "auth:blacklist:jti:"

// BlacklistResult reports a completed blacklist write.
type BlacklistResult struct {
	JTI    string `json:"jti"`
	Reason string `json:"reason"`
}

// BlacklistStatus is the outcome of a hot-path lookup. Degraded is set when
// the cache was unreachable and the configured outage policy decided the
// answer instead of the data.
type BlacklistStatus struct {
	Blacklisted   bool       `json:"blacklisted"`
	Reason        string     `json:"reason,omitempty"`
	BlacklistedAt *time.Time `json:"blacklisted_at,omitempty"`
	Degraded      bool       `json:"degraded,omitempty"`
}

// RemovalResult reports a blacklist removal attempt.
type RemovalResult struct {
	Removed bool `json:"removed"`
}

type cachedBlacklistEntry struct {
	Reason        string         `json:"reason"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	BlacklistedAt time.Time      `json:"blacklisted_at"`
}

// BlacklistService tracks revoked token identifiers. The cache carries the
// authoritative fast path; a durable mirror row backs each entry so the
// cleanup sweep can reconcile after cache loss.
type BlacklistService struct {
	store cache.Store
	db    *gorm.DB
	audit *AuditService
	cfg   Config
	log   *zap.Logger
	now   func() time.Time
}

// NewBlacklistService constructs the blacklist store.
func NewBlacklistService(store cache.Store, db *gorm.DB, audit *AuditService, cfg Config) (*BlacklistService, error) {
	if store == nil {
		return nil, errors.New("blacklist service: cache store is required")
	}
	if db == nil {
		return nil, errors.New("blacklist service: db is required")
	}
	if audit == nil {
		return nil, errors.New("blacklist service: audit service is required")
	}

	cfg = cfg.withDefaults()
	return &BlacklistService{
		store: store,
		db:    db,
		audit: audit,
		cfg:   cfg,
		log:   logger.WithModule("blacklist"),
		now:   cfg.Clock,
	}, nil
}

// BlacklistJTI registers a revoked token identifier. The operation is
// idempotent: repeating it overwrites reason and metadata and refreshes the
// TTL. Every call emits one session.jti_blacklisted audit event.
func (s *BlacklistService) BlacklistJTI(ctx context.Context, jti, reason string, metadata map[string]any) (BlacklistResult, error) {
	return s.blacklist(ctx, jti, reason, metadata, "")
}

// blacklist is the correlation-aware implementation shared with the
// revocation flow.
func (s *BlacklistService) blacklist(ctx context.Context, jti, reason string, metadata map[string]any, correlationID string) (BlacklistResult, error) {
	ctx = ensureContext(ctx)

	jti = strings.TrimSpace(jti)
	if jti == "" {
		return BlacklistResult{}, errors.New("blacklist service: jti is required")
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return BlacklistResult{}, errors.New("blacklist service: reason is required")
	}

	now := s.now()
	entry := cachedBlacklistEntry{
		Reason:        reason,
		Metadata:      metadata,
		BlacklistedAt: now,
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return BlacklistResult{}, fmt.Errorf("blacklist service: encode entry: %w", err)
	}

	if err := s.store.Set(ctx, blacklistKeyPrefix+jti, payload, s.cfg.JTIBlacklistTTL); err != nil {
		return BlacklistResult{}, fmt.Errorf("blacklist service: cache write: %w", err)
	}

	mirror := models.BlacklistEntry{
		JTI:           jti,
		Reason:        reason,
		BlacklistedAt: now,
		ExpiresAt:     now.Add(s.cfg.JTIBlacklistTTL),
	}
	if metadata != nil {
		if encoded, err := json.Marshal(metadata); err == nil {
			mirror.Metadata = encoded
		}
	}
	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "jti"}},
			DoUpdates: clause.AssignmentColumns([]string{"reason", "metadata", "blacklisted_at", "expires_at"}),
		}).Create(&mirror).Error; err != nil {
		// The cache entry is live; the mirror only backs the cleanup sweep.
		s.log.Warn("blacklist mirror write failed", zap.String("jti", jti), zap.Error(err))
	}

	if _, err := s.audit.Log(ctx, AuditEntry{
		Action:        ActionJTIBlacklisted,
		TargetType:    "jti",
		TargetID:      jti,
		CorrelationID: correlationID,
		Severity:      models.SeverityMedium,
		Details:       map[string]any{"reason": reason},
	}); err != nil {
		return BlacklistResult{}, err
	}

	return BlacklistResult{JTI: jti, Reason: reason}, nil
}

// IsJTIBlacklisted answers the hot-path revocation check. The lookup runs
// under a tight timeout; on cache failure the configured outage policy
// decides, and the degradation is always audited and logged.
func (s *BlacklistService) IsJTIBlacklisted(ctx context.Context, jti string) (BlacklistStatus, error) {
	ctx = ensureContext(ctx)

	jti = strings.TrimSpace(jti)
	if jti == "" {
		return BlacklistStatus{}, errors.New("blacklist service: jti is required")
	}

	lookupCtx, cancel := context.WithTimeout(ctx, s.cfg.BlacklistCheckTimeout)
	defer cancel()

	data, found, err := s.store.Get(lookupCtx, blacklistKeyPrefix+jti)
	if err != nil {
		return s.degradedStatus(ctx, jti, err), nil
	}

	if !found {
		metrics.BlacklistChecks.WithLabelValues("miss").Inc()
		return BlacklistStatus{Blacklisted: false}, nil
	}

	metrics.BlacklistChecks.WithLabelValues("hit").Inc()

	var entry cachedBlacklistEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		// Corrupt entry still means the JTI was revoked.
		s.log.Error("blacklist entry decode failed", zap.String("jti", jti), zap.Error(err))
		return BlacklistStatus{Blacklisted: true}, nil
	}

	at := entry.BlacklistedAt
	return BlacklistStatus{
		Blacklisted:   true,
		Reason:        entry.Reason,
		BlacklistedAt: &at,
	}, nil
}

// degradedStatus applies the cache-outage policy. Failing open silently would
// be a security hole, failing closed rejects all traffic; either way the
// decision is recorded as a critical audit event.
func (s *BlacklistService) degradedStatus(ctx context.Context, jti string, cause error) BlacklistStatus {
	metrics.BlacklistChecks.WithLabelValues("degraded").Inc()

	policy := "fail_open"
	if s.cfg.BlacklistFailClosed {
		policy = "fail_closed"
	}

	s.log.Error("blacklist check degraded",
		zap.String("jti", jti),
		zap.String("policy", policy),
		zap.Error(cause))

	if _, err := s.audit.Log(ctx, AuditEntry{
		Action:     ActionBlacklistCheckDegraded,
		TargetType: "jti",
		TargetID:   jti,
		Severity:   models.SeverityCritical,
		Details: map[string]any{
			"policy": policy,
			"error":  cause.Error(),
		},
	}); err != nil {
		s.log.Error("degraded-check audit write failed", zap.Error(err))
	}

	return BlacklistStatus{
		Blacklisted: s.cfg.BlacklistFailClosed,
		Degraded:    true,
	}
}

// RemoveFromBlacklist deletes a blacklist entry. Removing an absent entry is
// not an error and emits no audit event.
func (s *BlacklistService) RemoveFromBlacklist(ctx context.Context, jti, reason string) (RemovalResult, error) {
	ctx = ensureContext(ctx)

	jti = strings.TrimSpace(jti)
	if jti == "" {
		return RemovalResult{}, errors.New("blacklist service: jti is required")
	}

	_, found, err := s.store.Get(ctx, blacklistKeyPrefix+jti)
	if err != nil {
		return RemovalResult{}, fmt.Errorf("blacklist service: cache read: %w", err)
	}

	var mirrorExisted bool
	mirrorResult := s.db.WithContext(ctx).Where("jti = ?", jti).Delete(&models.BlacklistEntry{})
	if mirrorResult.Error != nil {
		s.log.Warn("blacklist mirror delete failed", zap.String("jti", jti), zap.Error(mirrorResult.Error))
	} else {
		mirrorExisted = mirrorResult.RowsAffected > 0
	}

	if !found && !mirrorExisted {
		return RemovalResult{Removed: false}, nil
	}

	if err := s.store.Delete(ctx, blacklistKeyPrefix+jti); err != nil {
		return RemovalResult{}, fmt.Errorf("blacklist service: cache delete: %w", err)
	}

	if _, err := s.audit.Log(ctx, AuditEntry{
		Action:     ActionJTIUnblacklisted,
		TargetType: "jti",
		TargetID:   jti,
		Severity:   models.SeverityInfo,
		Details:    map[string]any{"reason": strings.TrimSpace(reason)},
	}); err != nil {
		return RemovalResult{}, err
	}

	return RemovalResult{Removed: true}, nil
}
