package security

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charlesng35/sessionguard/internal/geo"
	"github.com/charlesng35/sessionguard/internal/models"
	apperrors "github.com/charlesng35/sessionguard/pkg/errors"
	"github.com/charlesng35/sessionguard/pkg/logger"
	"github.com/charlesng35/sessionguard/pkg/metrics"
)

// Suspicious pattern kinds.
const (
	PatternRapidMultiIP = "rapid_multi_ip"
	PatternDeviceChurn  = "device_churn"
)

// minElapsedHours floors the travel-time divisor so two logins in the same
// instant do not divide by zero.
const minElapsedHours = 1.0 / 3600 // one second

// riskWeights maps pattern severity to its risk score contribution.
var riskWeights = map[string]int{
	models.SeverityLow:      10,
	models.SeverityMedium:   25,
	models.SeverityHigh:     50,
	models.SeverityCritical: 100,
}

// TravelCheck is the outcome of an impossible-travel evaluation. All fields
// are populated regardless of the verdict so callers can log context.
type TravelCheck struct {
	ImpossibleTravel bool    `json:"impossible_travel"`
	DistanceKm       float64 `json:"distance_km"`
	RequiredSpeedKmh float64 `json:"required_speed_kmh"`
	ThresholdKmh     float64 `json:"threshold_kmh"`
	Note             string  `json:"note,omitempty"`
}

// Pattern is one detected suspicious pattern.
type Pattern struct {
	Type     string `json:"type"`
	Severity string `json:"severity"`
	Count    int    `json:"count"`
}

// PatternReport aggregates suspicious-pattern findings. The detector only
// reports; escalation policy belongs to the caller.
type PatternReport struct {
	Suspicious bool      `json:"suspicious"`
	Patterns   []Pattern `json:"patterns"`
	RiskScore  int       `json:"risk_score"`
}

// AnomalyService runs geospatial and behavioural checks over session history.
type AnomalyService struct {
	db       *gorm.DB
	resolver geo.Resolver
	audit    *AuditService
	cfg      Config
	log      *zap.Logger
	now      func() time.Time
}

// NewAnomalyService constructs the anomaly detector.
func NewAnomalyService(db *gorm.DB, resolver geo.Resolver, audit *AuditService, cfg Config) (*AnomalyService, error) {
	if db == nil {
		return nil, errors.New("anomaly service: db is required")
	}
	if resolver == nil {
		return nil, errors.New("anomaly service: geo resolver is required")
	}
	if audit == nil {
		return nil, errors.New("anomaly service: audit service is required")
	}

	cfg = cfg.withDefaults()
	return &AnomalyService{
		db:       db,
		resolver: resolver,
		audit:    audit,
		cfg:      cfg,
		log:      logger.WithModule("anomaly"),
		now:      cfg.Clock,
	}, nil
}

// DetectImpossibleTravel compares the incoming login's location against the
// user's most recent active session. Geolocation failures degrade to "cannot
// determine" rather than erroring; only invalid input or a broken database
// surface as errors.
func (s *AnomalyService) DetectImpossibleTravel(ctx context.Context, userID string, current SessionContext, now time.Time) (TravelCheck, error) {
	ctx = ensureContext(ctx)

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return TravelCheck{}, apperrors.NewValidation("user id is required")
	}

	check := TravelCheck{ThresholdKmh: s.cfg.ImpossibleTravelThresholdKmh}

	var prior models.Session
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND revoked_at IS NULL AND expires_at > ? AND created_at < ?", userID, now, now).
		Where("jti <> ?", current.JTI).
		Order("created_at DESC").
		Take(&prior).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		check.Note = "no prior session"
		return check, nil
	}
	if err != nil {
		return check, fmt.Errorf("anomaly service: load prior session: %w", err)
	}

	priorLoc := s.resolve(ctx, prior.IPAddress)
	currentLoc := s.resolve(ctx, current.IP)
	if priorLoc == nil || currentLoc == nil {
		check.Note = "location unresolved"
		return check, nil
	}

	check.DistanceKm = geo.Distance(*priorLoc, *currentLoc)

	elapsedHours := now.Sub(prior.CreatedAt).Hours()
	if elapsedHours < minElapsedHours {
		elapsedHours = minElapsedHours
	}

	check.RequiredSpeedKmh = check.DistanceKm / elapsedHours
	check.ImpossibleTravel = check.RequiredSpeedKmh > check.ThresholdKmh

	if check.ImpossibleTravel {
		metrics.AnomalyDetections.WithLabelValues("impossible_travel").Inc()

		if _, err := s.audit.Log(ctx, AuditEntry{
			ActorUserID: &prior.UserID,
			OrgID:       prior.OrgID,
			Action:      ActionImpossibleTravel,
			TargetType:  "user",
			TargetID:    userID,
			IPAddress:   current.IP,
			UserAgent:   current.UserAgent,
			Severity:    models.SeverityHigh,
			Details: map[string]any{
				"distance_km":        check.DistanceKm,
				"required_speed_kmh": check.RequiredSpeedKmh,
				"threshold_kmh":      check.ThresholdKmh,
				"prior_ip":           prior.IPAddress,
				"current_ip":         current.IP,
			},
		}); err != nil {
			return check, err
		}
	}

	return check, nil
}

// resolve wraps the injected capability with a bounded timeout. nil means the
// location could not be determined.
func (s *AnomalyService) resolve(ctx context.Context, ip string) *geo.Location {
	if strings.TrimSpace(ip) == "" {
		return nil
	}

	resolveCtx, cancel := context.WithTimeout(ctx, s.cfg.GeoTimeout)
	defer cancel()

	loc, err := s.resolver.Resolve(resolveCtx, ip)
	if err != nil {
		if !errors.Is(err, geo.ErrNotResolved) {
			s.log.Warn("geolocation failed", zap.String("ip", ip), zap.Error(err))
		}
		return nil
	}
	return loc
}

// DetectSuspiciousPatterns scans the user's recent session history for rapid
// multi-IP creation and device churn.
func (s *AnomalyService) DetectSuspiciousPatterns(ctx context.Context, userID string) (PatternReport, error) {
	ctx = ensureContext(ctx)

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return PatternReport{}, apperrors.NewValidation("user id is required")
	}

	now := s.now()
	cutoff := now.Add(-s.cfg.PatternWindow)

	var recent []models.Session
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND created_at >= ?", userID, cutoff).
		Find(&recent).Error; err != nil {
		return PatternReport{}, fmt.Errorf("anomaly service: load recent sessions: %w", err)
	}

	ips := make(map[string]struct{})
	devices := make(map[string]struct{})
	for _, sess := range recent {
		if ip := strings.TrimSpace(sess.IPAddress); ip != "" {
			ips[ip] = struct{}{}
		}
		if fp := decodeDeviceInfo(&sess); fp != nil && fp.StableFingerprint != "" {
			devices[fp.StableFingerprint] = struct{}{}
		}
	}

	report := PatternReport{Patterns: []Pattern{}}

	if len(ips) > s.cfg.PatternIPThreshold {
		p := Pattern{
			Type:     PatternRapidMultiIP,
			Severity: scaleSeverity(len(ips), s.cfg.PatternIPThreshold),
			Count:    len(ips),
		}
		report.Patterns = append(report.Patterns, p)
		metrics.AnomalyDetections.WithLabelValues(PatternRapidMultiIP).Inc()
	}

	if len(devices) > s.cfg.PatternDeviceThreshold {
		p := Pattern{
			Type:     PatternDeviceChurn,
			Severity: scaleSeverity(len(devices), s.cfg.PatternDeviceThreshold),
			Count:    len(devices),
		}
		report.Patterns = append(report.Patterns, p)
		metrics.AnomalyDetections.WithLabelValues(PatternDeviceChurn).Inc()
	}

	for _, p := range report.Patterns {
		report.RiskScore += riskWeights[p.Severity]
	}
	report.Suspicious = report.RiskScore > 0

	if report.Suspicious {
		if _, err := s.audit.Log(ctx, AuditEntry{
			ActorUserID: &userID,
			Action:      ActionSuspiciousPattern,
			TargetType:  "user",
			TargetID:    userID,
			Severity:    models.SeverityMedium,
			Details: map[string]any{
				"risk_score": report.RiskScore,
				"patterns":   report.Patterns,
			},
		}); err != nil {
			return report, err
		}
	}

	return report, nil
}

// scaleSeverity escalates with how far past the threshold the count landed.
func scaleSeverity(count, threshold int) string {
	switch {
	case count > threshold*3:
		return models.SeverityCritical
	case count > threshold*2:
		return models.SeverityHigh
	default:
		return models.SeverityMedium
	}
}
