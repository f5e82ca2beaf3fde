package security

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/charlesng35/sessionguard/internal/models"
	apperrors "github.com/charlesng35/sessionguard/pkg/errors"
)

const (
	dashboardTopIPs       = 10
	dashboardRecentEvents = 50
)

// SessionTotals breaks the session table down by lifecycle state within the
// reporting window.
type SessionTotals struct {
	Active  int64 `json:"active"`
	Revoked int64 `json:"revoked"`
	Expired int64 `json:"expired"`
}

// IPCount is one entry of the top-IP leaderboard.
type IPCount struct {
	IP    string `json:"ip"`
	Count int64  `json:"count"`
}

// DashboardData is the operators overview of session-security activity.
type DashboardData struct {
	Range        time.Duration       `json:"range"`
	Sessions     SessionTotals       `json:"sessions"`
	RecentEvents []models.AuditEvent `json:"recent_events"`
	TopIPs       []IPCount           `json:"top_ips"`
	Devices      map[string]int64    `json:"devices"`
	EventCounts  map[string]int64    `json:"event_counts"`
}

// DashboardData aggregates session totals, recent audit activity, top source
// IPs and the device-type breakdown for the requested window.
func (s *Service) DashboardData(ctx context.Context, timeRange time.Duration) (DashboardData, error) {
	ctx = ensureContext(ctx)

	if timeRange <= 0 {
		return DashboardData{}, apperrors.NewValidation("time range must be positive")
	}

	now := s.now()
	since := now.Add(-timeRange)
	data := DashboardData{Range: timeRange}

	if err := s.db.WithContext(ctx).Model(&models.Session{}).
		Where("created_at >= ? AND revoked_at IS NULL AND expires_at > ?", since, now).
		Count(&data.Sessions.Active).Error; err != nil {
		return data, fmt.Errorf("dashboard: count active: %w", err)
	}
	if err := s.db.WithContext(ctx).Model(&models.Session{}).
		Where("created_at >= ? AND revoked_at IS NOT NULL", since).
		Count(&data.Sessions.Revoked).Error; err != nil {
		return data, fmt.Errorf("dashboard: count revoked: %w", err)
	}
	if err := s.db.WithContext(ctx).Model(&models.Session{}).
		Where("created_at >= ? AND revoked_at IS NULL AND expires_at <= ?", since, now).
		Count(&data.Sessions.Expired).Error; err != nil {
		return data, fmt.Errorf("dashboard: count expired: %w", err)
	}

	events, err := s.audit.Recent(ctx, since, dashboardRecentEvents)
	if err != nil {
		return data, err
	}
	data.RecentEvents = events

	counts, err := s.audit.CountByAction(ctx, since)
	if err != nil {
		return data, err
	}
	data.EventCounts = counts

	var recent []models.Session
	if err := s.db.WithContext(ctx).
		Where("created_at >= ?", since).
		Find(&recent).Error; err != nil {
		return data, fmt.Errorf("dashboard: load recent sessions: %w", err)
	}

	data.TopIPs = topIPs(recent, dashboardTopIPs)
	data.Devices = deviceBreakdown(recent)

	return data, nil
}

func topIPs(sessions []models.Session, limit int) []IPCount {
	counts := make(map[string]int64)
	for _, sess := range sessions {
		if sess.IPAddress == "" {
			continue
		}
		counts[sess.IPAddress]++
	}

	ranked := make([]IPCount, 0, len(counts))
	for ip, count := range counts {
		ranked = append(ranked, IPCount{IP: ip, Count: count})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Count != ranked[j].Count {
			return ranked[i].Count > ranked[j].Count
		}
		return ranked[i].IP < ranked[j].IP
	})

	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked
}

func deviceBreakdown(sessions []models.Session) map[string]int64 {
	breakdown := make(map[string]int64)
	for i := range sessions {
		fp := decodeDeviceInfo(&sessions[i])
		if fp == nil || fp.Device.Type == "" {
			breakdown["unknown"]++
			continue
		}
		breakdown[fp.Device.Type]++
	}
	return breakdown
}
