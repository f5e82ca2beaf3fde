package security

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/sessionguard/internal/fingerprint"
	"github.com/charlesng35/sessionguard/internal/geo"
	"github.com/charlesng35/sessionguard/internal/models"
	"github.com/charlesng35/sessionguard/internal/monitoring"
	apperrors "github.com/charlesng35/sessionguard/pkg/errors"
)

func newTestService(t *testing.T, cfg Config) (*Service, *testStack) {
	t.Helper()

	stack := newTestStack(t, cfg)
	svc, err := NewService(stack.db, stack.store, geo.NewStaticResolver(nil), cfg)
	require.NoError(t, err)
	return svc, stack
}

func TestRegisterSessionPersistsAndEnforces(t *testing.T) {
	clock := newTestClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	cfg := testConfig(clock)
	svc, stack := newTestService(t, cfg)

	userID := "5f0c3a92-8d1e-4f38-9a6b-1f2e3d4c5b6a"
	fp := makeFingerprint(t, chromeWindowsUA, "203.0.113.50")

	result, err := svc.RegisterSession(context.Background(), SessionContext{
		JTI:         "jti-1",
		UserID:      userID,
		IP:          "203.0.113.50",
		UserAgent:   chromeWindowsUA,
		Fingerprint: fp,
	}, clock.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Empty(t, result.Evicted)
	require.Equal(t, 1, result.Kept)

	var stored models.Session
	require.NoError(t, stack.db.Take(&stored, "jti = ?", "jti-1").Error)
	require.Equal(t, userID, stored.UserID)
	require.Equal(t, "203.0.113.50", stored.IPAddress)
	require.NotEmpty(t, stored.DeviceInfo)
}

func TestRegisterSessionRejectsDuplicateJTI(t *testing.T) {
	clock := newTestClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	cfg := testConfig(clock)
	svc, _ := newTestService(t, cfg)

	ctx := SessionContext{JTI: "jti-dup", UserID: "5f0c3a92-8d1e-4f38-9a6b-1f2e3d4c5b6a"}
	_, err := svc.RegisterSession(context.Background(), ctx, clock.Now().Add(time.Hour))
	require.NoError(t, err)

	_, err = svc.RegisterSession(context.Background(), ctx, clock.Now().Add(time.Hour))
	require.Error(t, err)

	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, "SESSION_EXISTS", appErr.Code)
}

func TestRegisterSessionValidatesInput(t *testing.T) {
	clock := newTestClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	cfg := testConfig(clock)
	svc, _ := newTestService(t, cfg)

	userID := "5f0c3a92-8d1e-4f38-9a6b-1f2e3d4c5b6a"

	_, err := svc.RegisterSession(context.Background(), SessionContext{UserID: userID}, clock.Now().Add(time.Hour))
	require.Error(t, err)

	_, err = svc.RegisterSession(context.Background(), SessionContext{JTI: "jti-1"}, clock.Now().Add(time.Hour))
	require.Error(t, err)

	_, err = svc.RegisterSession(context.Background(), SessionContext{JTI: "jti-1", UserID: userID}, clock.Now().Add(-time.Minute))
	require.Error(t, err)
}

func TestRegisterSessionEvictsWhenOverCap(t *testing.T) {
	clock := newTestClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	cfg := testConfig(clock)
	cfg.MaxConcurrentSessions = 2
	svc, stack := newTestService(t, cfg)

	userID := "5f0c3a92-8d1e-4f38-9a6b-1f2e3d4c5b6a"
	for _, jti := range []string{"jti-1", "jti-2"} {
		_, err := svc.RegisterSession(context.Background(), SessionContext{JTI: jti, UserID: userID}, clock.Now().Add(time.Hour))
		require.NoError(t, err)
		clock.Advance(time.Minute)
	}

	result, err := svc.RegisterSession(context.Background(), SessionContext{JTI: "jti-3", UserID: userID}, clock.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, result.Evicted, 1)
	require.Equal(t, 2, result.Kept)

	var evicted models.Session
	require.NoError(t, stack.db.Take(&evicted, "jti = ?", result.Evicted[0]).Error)
	require.NotNil(t, evicted.RevokedAt)
	require.Equal(t, EvictionReason, *evicted.RevokedReason)
}

func TestTouchSessionBumpsLastUsed(t *testing.T) {
	clock := newTestClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	cfg := testConfig(clock)
	svc, stack := newTestService(t, cfg)

	userID := "5f0c3a92-8d1e-4f38-9a6b-1f2e3d4c5b6a"
	_, err := svc.RegisterSession(context.Background(), SessionContext{JTI: "jti-1", UserID: userID}, clock.Now().Add(time.Hour))
	require.NoError(t, err)

	clock.Advance(10 * time.Minute)
	require.NoError(t, svc.TouchSession(context.Background(), "jti-1"))

	var stored models.Session
	require.NoError(t, stack.db.Take(&stored, "jti = ?", "jti-1").Error)
	require.WithinDuration(t, clock.Now(), stored.LastUsedAt, time.Second)
}

func TestTouchSessionIgnoresRevokedAndUnknown(t *testing.T) {
	clock := newTestClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	cfg := testConfig(clock)
	svc, stack := newTestService(t, cfg)

	userID := "5f0c3a92-8d1e-4f38-9a6b-1f2e3d4c5b6a"
	_, err := svc.RegisterSession(context.Background(), SessionContext{JTI: "jti-1", UserID: userID}, clock.Now().Add(time.Hour))
	require.NoError(t, err)
	_, err = svc.RevokeSessionWithAudit(context.Background(), "jti-1", "logout", nil)
	require.NoError(t, err)

	before := clock.Now()
	clock.Advance(10 * time.Minute)
	require.NoError(t, svc.TouchSession(context.Background(), "jti-1"))
	require.NoError(t, svc.TouchSession(context.Background(), "jti-never-issued"))
	require.NoError(t, svc.TouchSession(context.Background(), ""))

	var stored models.Session
	require.NoError(t, stack.db.Take(&stored, "jti = ?", "jti-1").Error)
	require.WithinDuration(t, before, stored.LastUsedAt, time.Second)
}

func TestHealthStatusReportsActiveSessions(t *testing.T) {
	clock := newTestClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	cfg := testConfig(clock)
	svc, _ := newTestService(t, cfg)

	userID := "5f0c3a92-8d1e-4f38-9a6b-1f2e3d4c5b6a"
	for _, jti := range []string{"jti-1", "jti-2"} {
		_, err := svc.RegisterSession(context.Background(), SessionContext{JTI: jti, UserID: userID}, clock.Now().Add(time.Hour))
		require.NoError(t, err)
	}
	_, err := svc.RevokeSessionWithAudit(context.Background(), "jti-2", "logout", nil)
	require.NoError(t, err)

	status, err := svc.HealthStatus(context.Background())
	require.NoError(t, err)

	require.True(t, status.Report.Success)
	require.Equal(t, monitoring.StatusUp, status.Report.Status)
	require.False(t, status.BlacklistFailClosed)
	require.EqualValues(t, 1, status.ActiveSessions)
}

func TestIsDeviceRecognizedThroughFacade(t *testing.T) {
	clock := newTestClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	cfg := testConfig(clock)
	svc, _ := newTestService(t, cfg)

	userID := "5f0c3a92-8d1e-4f38-9a6b-1f2e3d4c5b6a"
	fp := makeFingerprint(t, chromeWindowsUA, "203.0.113.50")

	result, err := svc.IsDeviceRecognized(context.Background(), userID, fp.StableFingerprint)
	require.NoError(t, err)
	require.False(t, result.Recognized)

	_, err = svc.RegisterSession(context.Background(), SessionContext{
		JTI:         "jti-1",
		UserID:      userID,
		Fingerprint: fp,
	}, clock.Now().Add(time.Hour))
	require.NoError(t, err)

	result, err = svc.IsDeviceRecognized(context.Background(), userID, fp.StableFingerprint)
	require.NoError(t, err)
	require.True(t, result.Recognized)
	require.Equal(t, 1, result.Matches)
	require.WithinDuration(t, clock.Now(), result.FirstSeen, time.Second)
}

func TestGenerateFingerprintUsesServiceClock(t *testing.T) {
	clock := newTestClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	cfg := testConfig(clock)
	svc, _ := newTestService(t, cfg)

	fp := svc.GenerateFingerprint(fingerprint.RequestMeta{IP: "203.0.113.50", UserAgent: chromeWindowsUA}, nil)
	require.Equal(t, clock.Now(), fp.GeneratedAt)
	require.NotEmpty(t, fp.StableFingerprint)
}

func TestDashboardDataAggregates(t *testing.T) {
	clock := newTestClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	cfg := testConfig(clock)
	svc, stack := newTestService(t, cfg)

	userID := "5f0c3a92-8d1e-4f38-9a6b-1f2e3d4c5b6a"
	fp := makeFingerprint(t, chromeWindowsUA, "203.0.113.50")

	for _, jti := range []string{"jti-1", "jti-2"} {
		_, err := svc.RegisterSession(context.Background(), SessionContext{
			JTI:         jti,
			UserID:      userID,
			IP:          "203.0.113.50",
			Fingerprint: fp,
		}, clock.Now().Add(time.Hour))
		require.NoError(t, err)
	}
	_, err := svc.RegisterSession(context.Background(), SessionContext{
		JTI:    "jti-3",
		UserID: userID,
		IP:     "198.51.100.9",
	}, clock.Now().Add(time.Hour))
	require.NoError(t, err)
	_, err = svc.RevokeSessionWithAudit(context.Background(), "jti-3", "logout", nil)
	require.NoError(t, err)

	// An expired session inside the window.
	createSession(t, stack.db, "jti-4", userID, clock.Now(), clock.Now(), clock.Now().Add(time.Minute), "198.51.100.9", nil)
	clock.Advance(5 * time.Minute)

	data, err := svc.DashboardData(context.Background(), 24*time.Hour)
	require.NoError(t, err)

	require.EqualValues(t, 2, data.Sessions.Active)
	require.EqualValues(t, 1, data.Sessions.Revoked)
	require.EqualValues(t, 1, data.Sessions.Expired)

	require.Equal(t, []IPCount{
		{IP: "198.51.100.9", Count: 2},
		{IP: "203.0.113.50", Count: 2},
	}, data.TopIPs)

	require.EqualValues(t, 2, data.Devices[fingerprint.DeviceDesktop])
	require.EqualValues(t, 2, data.Devices["unknown"])

	require.NotEmpty(t, data.RecentEvents)
	require.EqualValues(t, 1, data.EventCounts[ActionSessionRevoked])
	require.EqualValues(t, 1, data.EventCounts[ActionJTIBlacklisted])
}

func TestDashboardDataRejectsNonPositiveRange(t *testing.T) {
	clock := newTestClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	cfg := testConfig(clock)
	svc, _ := newTestService(t, cfg)

	_, err := svc.DashboardData(context.Background(), 0)
	require.Error(t, err)

	var appErr *apperrors.AppError
	require.True(t, errors.As(err, &appErr))
}

func TestNewServiceValidatesDependencies(t *testing.T) {
	clock := newTestClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	stack := newTestStack(t, testConfig(clock))

	_, err := NewService(nil, stack.store, geo.NewStaticResolver(nil), testConfig(clock))
	require.Error(t, err)

	_, err = NewService(stack.db, nil, geo.NewStaticResolver(nil), testConfig(clock))
	require.Error(t, err)

	_, err = NewService(stack.db, stack.store, nil, testConfig(clock))
	require.Error(t, err)
}
