package security

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charlesng35/sessionguard/internal/cache"
	"github.com/charlesng35/sessionguard/internal/models"
	"github.com/charlesng35/sessionguard/pkg/logger"
	"github.com/charlesng35/sessionguard/pkg/metrics"
)

// Audit actions emitted by this core.
const (
	ActionSessionRevoked         = "session.revoked"
	ActionJTIBlacklisted         = "session.jti_blacklisted"
	ActionJTIUnblacklisted       = "session.jti_unblacklisted"
	ActionBlacklistCheckDegraded = "security.blacklist_check_degraded"
	ActionImpossibleTravel       = "security.impossible_travel"
	ActionSuspiciousPattern      = "security.suspicious_pattern"
)

const auditMirrorKeyPrefix = "audit:events:"
const auditMirrorTTL = 24 * time.Hour

// AuditEntry captures a single security event to persist. Only Action is
// mandatory; a correlation ID is generated when absent.
type AuditEntry struct {
	OrgID         *string
	ActorUserID   *string
	Action        string
	TargetType    string
	TargetID      string
	IPAddress     string
	UserAgent     string
	CorrelationID string
	Severity      string
	Details       map[string]any
}

// AuditService is the dual-write audit pipeline: the relational store is the
// compliance-relevant source of truth, the cache mirror is a best-effort
// accelerator for dashboard consumption.
type AuditService struct {
	db     *gorm.DB
	mirror cache.Store
	log    *zap.Logger
	now    func() time.Time
}

// NewAuditService constructs the audit pipeline. The mirror store is optional.
func NewAuditService(db *gorm.DB, mirror cache.Store, clock func() time.Time) (*AuditService, error) {
	if db == nil {
		return nil, errors.New("audit service: db is required")
	}
	if clock == nil {
		clock = time.Now
	}
	return &AuditService{
		db:     db,
		mirror: mirror,
		log:    logger.WithModule("audit"),
		now:    clock,
	}, nil
}

// Log appends one audit event. The durable write must succeed or the call
// fails; a mirror failure is logged and swallowed. Returns the correlation ID.
func (s *AuditService) Log(ctx context.Context, entry AuditEntry) (string, error) {
	ctx = ensureContext(ctx)

	if strings.TrimSpace(entry.Action) == "" {
		return "", errors.New("audit service: action is required")
	}

	correlationID := strings.TrimSpace(entry.CorrelationID)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	severity := normaliseSeverity(entry.Severity)

	event := models.AuditEvent{
		OrgID:         trimmedPtr(entry.OrgID),
		ActorUserID:   trimmedPtr(entry.ActorUserID),
		Action:        strings.TrimSpace(entry.Action),
		TargetType:    strings.TrimSpace(entry.TargetType),
		TargetID:      strings.TrimSpace(entry.TargetID),
		IPAddress:     strings.TrimSpace(entry.IPAddress),
		UserAgent:     strings.TrimSpace(entry.UserAgent),
		CorrelationID: correlationID,
		Severity:      severity,
		CreatedAt:     s.now(),
	}

	if entry.Details != nil {
		encoded, err := json.Marshal(entry.Details)
		if err != nil {
			return "", fmt.Errorf("audit service: marshal details: %w", err)
		}
		event.Details = encoded
	}

	if err := s.db.WithContext(ctx).Create(&event).Error; err != nil {
		return "", fmt.Errorf("audit service: durable write: %w", err)
	}

	metrics.AuditEvents.WithLabelValues(severity).Inc()

	s.mirrorEvent(ctx, &event)

	return correlationID, nil
}

// mirrorEvent pushes a copy of the event into the cache for dashboards.
// Failures never propagate.
func (s *AuditService) mirrorEvent(ctx context.Context, event *models.AuditEvent) {
	if s.mirror == nil {
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		s.log.Warn("audit mirror encode failed", zap.Error(err))
		return
	}

	key := auditMirrorKeyPrefix + event.ID
	if err := s.mirror.Set(ctx, key, payload, auditMirrorTTL); err != nil {
		s.log.Warn("audit mirror write failed",
			zap.String("event_id", event.ID),
			zap.Error(err))
	}
}

// Recent returns events created at or after the cutoff, newest first.
func (s *AuditService) Recent(ctx context.Context, since time.Time, limit int) ([]models.AuditEvent, error) {
	ctx = ensureContext(ctx)

	if limit <= 0 || limit > 200 {
		limit = 50
	}

	var events []models.AuditEvent
	if err := s.db.WithContext(ctx).
		Where("created_at >= ?", since).
		Order("created_at DESC").
		Limit(limit).
		Find(&events).Error; err != nil {
		return nil, fmt.Errorf("audit service: recent events: %w", err)
	}
	return events, nil
}

// CountByAction aggregates event counts per action since the cutoff.
func (s *AuditService) CountByAction(ctx context.Context, since time.Time) (map[string]int64, error) {
	ctx = ensureContext(ctx)

	type row struct {
		Action string
		Total  int64
	}

	var rows []row
	if err := s.db.WithContext(ctx).
		Model(&models.AuditEvent{}).
		Select("action, COUNT(*) AS total").
		Where("created_at >= ?", since).
		Group("action").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("audit service: count by action: %w", err)
	}

	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Action] = r.Total
	}
	return out, nil
}

func normaliseSeverity(severity string) string {
	switch strings.ToLower(strings.TrimSpace(severity)) {
	case models.SeverityLow:
		return models.SeverityLow
	case models.SeverityMedium:
		return models.SeverityMedium
	case models.SeverityHigh:
		return models.SeverityHigh
	case models.SeverityCritical:
		return models.SeverityCritical
	default:
		return models.SeverityInfo
	}
}

func trimmedPtr(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func ensureContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
