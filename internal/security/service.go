package security

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/charlesng35/sessionguard/internal/cache"
	"github.com/charlesng35/sessionguard/internal/fingerprint"
	"github.com/charlesng35/sessionguard/internal/geo"
	"github.com/charlesng35/sessionguard/internal/models"
	"github.com/charlesng35/sessionguard/internal/monitoring"
	"github.com/charlesng35/sessionguard/internal/monitoring/checks"
	apperrors "github.com/charlesng35/sessionguard/pkg/errors"
	"github.com/charlesng35/sessionguard/pkg/logger"
	"github.com/charlesng35/sessionguard/pkg/metrics"
)

// HealthStatus reports dependency connectivity alongside the feature flags a
// caller needs to interpret degraded blacklist answers.
type HealthStatus struct {
	Report              monitoring.HealthReport `json:"report"`
	BlacklistFailClosed bool                    `json:"blacklist_fail_closed"`
	ActiveSessions      int64                   `json:"active_sessions"`
}

// Service is the session-security facade. It composes fingerprinting, the JTI
// blacklist, session arbitration, anomaly detection, auditing and cleanup
// behind one surface, which is what the rest of the platform talks to.
type Service struct {
	db      *gorm.DB
	store   cache.Store
	engine  *fingerprint.Engine
	audit   *AuditService
	blist   *BlacklistService
	revoker *RevocationService
	arbiter *Arbiter
	anomaly *AnomalyService
	devices *DeviceRecognizer
	cleaner *Cleaner
	health  *monitoring.HealthManager
	cfg     Config
	log     *zap.Logger
	now     func() time.Time
}

// ServiceOption customises the facade.
type ServiceOption func(*serviceOptions)

type serviceOptions struct {
	pinger checks.Pinger
}

// WithCachePinger wires a live cache connection into the health report. Leave
// unset when running on the database fallback.
func WithCachePinger(p checks.Pinger) ServiceOption {
	return func(o *serviceOptions) {
		o.pinger = p
	}
}

// NewService wires the full session-security core.
func NewService(db *gorm.DB, store cache.Store, resolver geo.Resolver, cfg Config, opts ...ServiceOption) (*Service, error) {
	if db == nil {
		return nil, errors.New("security service: db is required")
	}
	if store == nil {
		return nil, errors.New("security service: cache store is required")
	}
	if resolver == nil {
		return nil, errors.New("security service: geo resolver is required")
	}

	cfg = cfg.withDefaults()

	var options serviceOptions
	for _, opt := range opts {
		opt(&options)
	}

	audit, err := NewAuditService(db, store, cfg.Clock)
	if err != nil {
		return nil, err
	}
	blist, err := NewBlacklistService(store, db, audit, cfg)
	if err != nil {
		return nil, err
	}
	revoker, err := NewRevocationService(db, blist, audit, cfg.Clock)
	if err != nil {
		return nil, err
	}
	arbiter, err := NewArbiter(db, revoker, cfg)
	if err != nil {
		return nil, err
	}
	anomaly, err := NewAnomalyService(db, resolver, audit, cfg)
	if err != nil {
		return nil, err
	}
	devices, err := NewDeviceRecognizer(db, cfg)
	if err != nil {
		return nil, err
	}
	cleaner, err := NewCleaner(db, store,
		WithNow(cfg.Clock),
		WithSchedule(cfg.CleanupSchedule),
		WithRetentionDays(cfg.SessionRetentionDays),
		WithBlacklistTTL(cfg.JTIBlacklistTTL))
	if err != nil {
		return nil, err
	}

	health := monitoring.NewHealthManager()
	health.Register(checks.Database(db, 0))
	health.Register(checks.Cache(options.pinger, 0))

	return &Service{
		db:      db,
		store:   store,
		engine:  fingerprint.NewEngine(fingerprint.WithClock(cfg.Clock)),
		audit:   audit,
		blist:   blist,
		revoker: revoker,
		arbiter: arbiter,
		anomaly: anomaly,
		devices: devices,
		cleaner: cleaner,
		health:  health,
		cfg:     cfg,
		log:     logger.WithModule("security"),
		now:     cfg.Clock,
	}, nil
}

// Cleaner exposes the cleanup scheduler so the bootstrap can start and stop it.
func (s *Service) Cleaner() *Cleaner {
	return s.cleaner
}

// GenerateFingerprint derives a device fingerprint from raw request signals.
func (s *Service) GenerateFingerprint(meta fingerprint.RequestMeta, extra map[string]any) fingerprint.DeviceFingerprint {
	return s.engine.Generate(meta, extra)
}

// IsDeviceRecognized reports whether the user has an existing session from the
// same stable fingerprint.
func (s *Service) IsDeviceRecognized(ctx context.Context, userID, stableFingerprint string) (RecognitionResult, error) {
	return s.devices.IsDeviceRecognized(ctx, userID, stableFingerprint)
}

// BlacklistJTI revokes a token identifier ahead of its expiry.
func (s *Service) BlacklistJTI(ctx context.Context, jti, reason string, metadata map[string]any) (BlacklistResult, error) {
	return s.blist.BlacklistJTI(ctx, jti, reason, metadata)
}

// IsJTIBlacklisted answers the hot-path revocation check.
func (s *Service) IsJTIBlacklisted(ctx context.Context, jti string) (BlacklistStatus, error) {
	return s.blist.IsJTIBlacklisted(ctx, jti)
}

// RemoveFromBlacklist reinstates a token identifier.
func (s *Service) RemoveFromBlacklist(ctx context.Context, jti, reason string) (RemovalResult, error) {
	return s.blist.RemoveFromBlacklist(ctx, jti, reason)
}

// EnforceSessionLimits applies the concurrent-session cap for a user.
func (s *Service) EnforceSessionLimits(ctx context.Context, userID string, newCtx SessionContext) (EnforcementResult, error) {
	return s.arbiter.EnforceSessionLimits(ctx, userID, newCtx)
}

// DetectImpossibleTravel checks the incoming login's location against the
// user's most recent session.
func (s *Service) DetectImpossibleTravel(ctx context.Context, userID string, current SessionContext, now time.Time) (TravelCheck, error) {
	return s.anomaly.DetectImpossibleTravel(ctx, userID, current, now)
}

// DetectSuspiciousPatterns scans recent session history for rapid multi-IP
// logins and device churn.
func (s *Service) DetectSuspiciousPatterns(ctx context.Context, userID string) (PatternReport, error) {
	return s.anomaly.DetectSuspiciousPatterns(ctx, userID)
}

// LogSecurityEvent records an audit event through the dual-write pipeline.
func (s *Service) LogSecurityEvent(ctx context.Context, entry AuditEntry) (string, error) {
	return s.audit.Log(ctx, entry)
}

// RevokeSessionWithAudit revokes the session and blacklists its JTI under a
// shared correlation id.
func (s *Service) RevokeSessionWithAudit(ctx context.Context, jti, reason string, metadata map[string]any) (RevocationResult, error) {
	return s.revoker.RevokeSessionWithAudit(ctx, jti, reason, metadata)
}

// PerformCleanup runs a cleanup pass immediately, outside the cron schedule.
func (s *Service) PerformCleanup(ctx context.Context) (CleanupStats, error) {
	return s.cleaner.RunOnce(ctx)
}

// RegisterSession records a freshly issued token's session and applies the
// concurrent-session cap. The JTI must not already be registered.
func (s *Service) RegisterSession(ctx context.Context, sessCtx SessionContext, expiresAt time.Time) (EnforcementResult, error) {
	ctx = ensureContext(ctx)

	jti := strings.TrimSpace(sessCtx.JTI)
	userID := strings.TrimSpace(sessCtx.UserID)
	if jti == "" {
		return EnforcementResult{}, apperrors.NewValidation("jti is required")
	}
	if userID == "" {
		return EnforcementResult{}, apperrors.NewValidation("user id is required")
	}
	now := s.now()
	if !expiresAt.After(now) {
		return EnforcementResult{}, apperrors.NewValidation("expiry must be in the future")
	}

	deviceInfo, err := encodeDeviceInfo(sessCtx.Fingerprint)
	if err != nil {
		return EnforcementResult{}, fmt.Errorf("security service: encode device info: %w", err)
	}

	session := models.Session{
		JTI:        jti,
		UserID:     userID,
		OrgID:      sessCtx.OrgID,
		DeviceInfo: deviceInfo,
		IPAddress:  strings.TrimSpace(sessCtx.IP),
		UserAgent:  strings.TrimSpace(sessCtx.UserAgent),
		CreatedAt:  now,
		LastUsedAt: now,
		ExpiresAt:  expiresAt,
	}

	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&session)
	if result.Error != nil {
		return EnforcementResult{}, fmt.Errorf("security service: create session: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return EnforcementResult{}, apperrors.New("SESSION_EXISTS", "session already registered", 409)
	}

	metrics.ActiveSessions.Inc()

	return s.arbiter.EnforceSessionLimits(ctx, userID, sessCtx)
}

// TouchSession bumps last_used_at for an active session. Unknown or inactive
// JTIs are ignored so the middleware stays cheap.
func (s *Service) TouchSession(ctx context.Context, jti string) error {
	ctx = ensureContext(ctx)

	jti = strings.TrimSpace(jti)
	if jti == "" {
		return nil
	}

	now := s.now()
	err := s.db.WithContext(ctx).Model(&models.Session{}).
		Where("jti = ? AND revoked_at IS NULL AND expires_at > ?", jti, now).
		Update("last_used_at", now).Error
	if err != nil {
		return fmt.Errorf("security service: touch session: %w", err)
	}
	return nil
}

// HealthStatus probes dependencies and reports the flags and counters the
// operators dashboard needs.
func (s *Service) HealthStatus(ctx context.Context) (HealthStatus, error) {
	ctx = ensureContext(ctx)

	status := HealthStatus{
		Report:              s.health.Evaluate(ctx),
		BlacklistFailClosed: s.cfg.BlacklistFailClosed,
	}

	now := s.now()
	if err := s.db.WithContext(ctx).Model(&models.Session{}).
		Where("revoked_at IS NULL AND expires_at > ?", now).
		Count(&status.ActiveSessions).Error; err != nil {
		return status, fmt.Errorf("security service: count active sessions: %w", err)
	}

	return status, nil
}
