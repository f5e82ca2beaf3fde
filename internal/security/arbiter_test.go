package security

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/sessionguard/internal/fingerprint"
	"github.com/charlesng35/sessionguard/internal/models"
)

const chromeWindowsUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/125.0.0.0 Safari/537.36"
const safariMacUA = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15"

func makeFingerprint(t *testing.T, ua, ip string) *fingerprint.DeviceFingerprint {
	t.Helper()
	fp := fingerprint.NewEngine().Generate(fingerprint.RequestMeta{IP: ip, UserAgent: ua}, nil)
	return &fp
}

func TestEnforceSessionLimitsUnderCapIsNoOp(t *testing.T) {
	clock := newTestClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	cfg := testConfig(clock)
	cfg.MaxConcurrentSessions = 5
	stack := newTestStack(t, cfg)

	userID := "7b7f3d58-2f1a-4e6c-8a9b-0c1d2e3f4a5b"
	createSession(t, stack.db, "jti-1", userID, clock.Now().Add(-time.Hour), clock.Now(), clock.Now().Add(time.Hour), "198.51.100.1", nil)
	createSession(t, stack.db, "jti-2", userID, clock.Now().Add(-time.Hour), clock.Now(), clock.Now().Add(time.Hour), "198.51.100.2", nil)

	result, err := stack.arbiter.EnforceSessionLimits(context.Background(), userID, SessionContext{JTI: "jti-new"})
	require.NoError(t, err)
	require.Empty(t, result.Evicted)
	require.Equal(t, 2, result.Kept)
}

func TestEnforceSessionLimitsEvictsLowestScore(t *testing.T) {
	clock := newTestClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	cfg := testConfig(clock)
	cfg.MaxConcurrentSessions = 2
	stack := newTestStack(t, cfg)

	userID := "7b7f3d58-2f1a-4e6c-8a9b-0c1d2e3f4a5b"
	now := clock.Now()

	incomingFP := makeFingerprint(t, chromeWindowsUA, "203.0.113.50")
	otherFP := makeFingerprint(t, safariMacUA, "198.51.100.9")

	// Old but continuously used, unfamiliar device: scores on age+inactivity only.
	createSession(t, stack.db, "jti-aged", userID, now.Add(-10*time.Hour), now, now.Add(time.Hour), "198.51.100.1", otherFP)
	// Fresh login from the same device and IP as the incoming context.
	createSession(t, stack.db, "jti-same-device", userID, now, now, now.Add(time.Hour), "203.0.113.50", incomingFP)
	// Fresh, unfamiliar device: lowest score of the three.
	createSession(t, stack.db, "jti-stranger", userID, now.Add(-time.Hour), now.Add(-time.Hour), now.Add(time.Hour), "198.51.100.9", otherFP)

	result, err := stack.arbiter.EnforceSessionLimits(context.Background(), userID, SessionContext{
		JTI:         "jti-incoming",
		UserID:      userID,
		IP:          "203.0.113.50",
		Fingerprint: incomingFP,
	})
	require.NoError(t, err)
	require.Equal(t, []string{"jti-stranger"}, result.Evicted)
	require.Equal(t, 2, result.Kept)

	var evicted models.Session
	require.NoError(t, stack.db.Take(&evicted, "jti = ?", "jti-stranger").Error)
	require.NotNil(t, evicted.RevokedAt)
	require.Equal(t, EvictionReason, *evicted.RevokedReason)

	status, err := stack.blist.IsJTIBlacklisted(context.Background(), "jti-stranger")
	require.NoError(t, err)
	require.True(t, status.Blacklisted)

	revoked := eventsByAction(t, stack.db, ActionSessionRevoked)
	require.Len(t, revoked, 1)
	require.Equal(t, "jti-stranger", revoked[0].TargetID)
}

func TestDeviceContinuityOutweighsRecency(t *testing.T) {
	clock := newTestClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	cfg := testConfig(clock)
	cfg.MaxConcurrentSessions = 1
	stack := newTestStack(t, cfg)

	userID := "7b7f3d58-2f1a-4e6c-8a9b-0c1d2e3f4a5b"
	now := clock.Now()

	incomingFP := makeFingerprint(t, chromeWindowsUA, "203.0.113.50")
	otherFP := makeFingerprint(t, safariMacUA, "198.51.100.9")

	// Week-old session from the same device as the incoming login.
	createSession(t, stack.db, "jti-familiar", userID, now.Add(-7*24*time.Hour), now.Add(-24*time.Hour), now.Add(time.Hour), "203.0.113.50", incomingFP)
	// Brand-new session from an unknown device.
	createSession(t, stack.db, "jti-fresh", userID, now, now, now.Add(time.Hour), "198.51.100.9", otherFP)

	result, err := stack.arbiter.EnforceSessionLimits(context.Background(), userID, SessionContext{
		JTI:         "jti-incoming",
		UserID:      userID,
		IP:          "203.0.113.50",
		Fingerprint: incomingFP,
	})
	require.NoError(t, err)
	require.Equal(t, []string{"jti-fresh"}, result.Evicted)
}

func TestEnforceSessionLimitsIsDeterministic(t *testing.T) {
	clock := newTestClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	cfg := testConfig(clock)
	cfg.MaxConcurrentSessions = 1
	stack := newTestStack(t, cfg)

	userID := "7b7f3d58-2f1a-4e6c-8a9b-0c1d2e3f4a5b"
	now := clock.Now()

	// Score 30 each: 3h age for one, 1h age plus 1h idle for the other.
	// Ties resolve in creation order, so the older session goes first.
	createSession(t, stack.db, "jti-older", userID, now.Add(-3*time.Hour), now, now.Add(time.Hour), "198.51.100.1", nil)
	createSession(t, stack.db, "jti-newer", userID, now.Add(-time.Hour), now.Add(-time.Hour), now.Add(time.Hour), "198.51.100.2", nil)

	result, err := stack.arbiter.EnforceSessionLimits(context.Background(), userID, SessionContext{JTI: "jti-incoming"})
	require.NoError(t, err)
	require.Equal(t, []string{"jti-older"}, result.Evicted)
	require.Equal(t, 1, result.Kept)
}

func TestEnforceSessionLimitsSerialisesPerUser(t *testing.T) {
	clock := newTestClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	cfg := testConfig(clock)
	cfg.MaxConcurrentSessions = 2
	stack := newTestStack(t, cfg)

	userID := "7b7f3d58-2f1a-4e6c-8a9b-0c1d2e3f4a5b"
	now := clock.Now()

	for i, jti := range []string{"jti-a", "jti-b", "jti-c", "jti-d"} {
		age := time.Duration(i+1) * time.Hour
		createSession(t, stack.db, jti, userID, now.Add(-age), now.Add(-age), now.Add(time.Hour), "198.51.100.7", nil)
	}

	incoming := SessionContext{JTI: "jti-incoming", UserID: userID, IP: "203.0.113.9"}

	const callers = 8
	results := make([]EnforcementResult, callers)
	errs := make([]error, callers)

	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], errs[i] = stack.arbiter.EnforceSessionLimits(context.Background(), userID, incoming)
		}(i)
	}
	close(start)
	wg.Wait()

	// Two slots over the cap means exactly two evictions across all callers,
	// no matter how the calls interleave.
	evictions := make(map[string]int)
	total := 0
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		total += len(results[i].Evicted)
		for _, jti := range results[i].Evicted {
			evictions[jti]++
		}
	}
	require.Equal(t, 2, total)
	for jti, n := range evictions {
		require.Equal(t, 1, n, "session %s evicted more than once", jti)
	}

	var active int64
	require.NoError(t, stack.db.Model(&models.Session{}).
		Where("user_id = ? AND revoked_at IS NULL", userID).
		Count(&active).Error)
	require.EqualValues(t, 2, active)

	revoked := eventsByAction(t, stack.db, ActionSessionRevoked)
	require.Len(t, revoked, 2)
	perTarget := make(map[string]int)
	for _, event := range revoked {
		perTarget[event.TargetID]++
	}
	for target, n := range perTarget {
		require.Equal(t, 1, n, "session %s revoked more than once", target)
	}
}

func TestEnforceSessionLimitsIgnoresOtherUsers(t *testing.T) {
	clock := newTestClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	cfg := testConfig(clock)
	cfg.MaxConcurrentSessions = 1
	stack := newTestStack(t, cfg)

	now := clock.Now()
	userA := "7b7f3d58-2f1a-4e6c-8a9b-0c1d2e3f4a5b"
	userB := "9d8c7b6a-5e4f-3d2c-1b0a-f9e8d7c6b5a4"

	createSession(t, stack.db, "jti-a", userA, now.Add(-time.Hour), now, now.Add(time.Hour), "198.51.100.1", nil)
	createSession(t, stack.db, "jti-b1", userB, now.Add(-time.Hour), now, now.Add(time.Hour), "198.51.100.2", nil)
	createSession(t, stack.db, "jti-b2", userB, now, now, now.Add(time.Hour), "198.51.100.3", nil)

	result, err := stack.arbiter.EnforceSessionLimits(context.Background(), userB, SessionContext{JTI: "jti-b2"})
	require.NoError(t, err)
	require.Equal(t, []string{"jti-b1"}, result.Evicted)

	var untouched models.Session
	require.NoError(t, stack.db.Take(&untouched, "jti = ?", "jti-a").Error)
	require.Nil(t, untouched.RevokedAt)
}
