package security

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/sessionguard/internal/models"
)

func TestRunOnceSweepsAgedSessions(t *testing.T) {
	clock := newTestClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	stack := newTestStack(t, testConfig(clock))

	cleaner, err := NewCleaner(stack.db, stack.store, WithNow(clock.Now))
	require.NoError(t, err)

	userID := "5f0c3a92-8d1e-4f38-9a6b-1f2e3d4c5b6a"
	now := clock.Now()

	// Expired well past the retention window.
	createSession(t, stack.db, "jti-ancient", userID, now.Add(-240*time.Hour), now.Add(-240*time.Hour), now.Add(-200*time.Hour), "198.51.100.1", nil)
	// Revoked past the retention window but not yet expired.
	aged := createSession(t, stack.db, "jti-revoked-long-ago", userID, now.Add(-240*time.Hour), now.Add(-240*time.Hour), now.Add(time.Hour), "198.51.100.2", nil)
	revokedAt := now.Add(-200 * time.Hour)
	reason := "test"
	require.NoError(t, stack.db.Model(&aged).Updates(map[string]any{"revoked_at": revokedAt, "revoked_reason": reason}).Error)
	// Expired recently; retained for the audit trail until the window lapses.
	createSession(t, stack.db, "jti-just-expired", userID, now.Add(-2*time.Hour), now.Add(-2*time.Hour), now.Add(-time.Hour), "198.51.100.3", nil)
	// Still active.
	createSession(t, stack.db, "jti-live", userID, now.Add(-time.Hour), now, now.Add(time.Hour), "198.51.100.4", nil)

	stats, err := cleaner.RunOnce(context.Background())
	require.NoError(t, err)

	require.False(t, stats.Skipped)
	require.EqualValues(t, 2, stats.ExpiredSessions)

	var remaining []models.Session
	require.NoError(t, stack.db.Order("jti ASC").Find(&remaining).Error)
	require.Len(t, remaining, 2)
	require.Equal(t, "jti-just-expired", remaining[0].JTI)
	require.Equal(t, "jti-live", remaining[1].JTI)
}

func TestRunOncePrunesLapsedBlacklist(t *testing.T) {
	clock := newTestClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	stack := newTestStack(t, testConfig(clock))

	cleaner, err := NewCleaner(stack.db, stack.store, WithNow(clock.Now))
	require.NoError(t, err)

	now := clock.Now()
	ctx := context.Background()

	lapsed := models.BlacklistEntry{JTI: "jti-lapsed", Reason: "logout", BlacklistedAt: now.Add(-48 * time.Hour), ExpiresAt: now.Add(-time.Hour)}
	live := models.BlacklistEntry{JTI: "jti-live", Reason: "logout", BlacklistedAt: now.Add(-time.Hour), ExpiresAt: now.Add(time.Hour)}
	require.NoError(t, stack.db.Create(&lapsed).Error)
	require.NoError(t, stack.db.Create(&live).Error)
	require.NoError(t, stack.store.Set(ctx, blacklistKeyPrefix+"jti-lapsed", []byte(`{}`), time.Hour))
	require.NoError(t, stack.store.Set(ctx, blacklistKeyPrefix+"jti-live", []byte(`{}`), time.Hour))

	stats, err := cleaner.RunOnce(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.ExpiredBlacklist)

	var rows []models.BlacklistEntry
	require.NoError(t, stack.db.Find(&rows).Error)
	require.Len(t, rows, 1)
	require.Equal(t, "jti-live", rows[0].JTI)

	_, found, err := stack.store.Get(ctx, blacklistKeyPrefix+"jti-lapsed")
	require.NoError(t, err)
	require.False(t, found)

	_, found, err = stack.store.Get(ctx, blacklistKeyPrefix+"jti-live")
	require.NoError(t, err)
	require.True(t, found)
}

func TestRunOnceSparesRefreshedBlacklistEntry(t *testing.T) {
	clock := newTestClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	stack := newTestStack(t, testConfig(clock))

	cleaner, err := NewCleaner(stack.db, stack.store, WithNow(clock.Now))
	require.NoError(t, err)

	ctx := context.Background()
	now := clock.Now()

	// A live blacklisting whose mirror row went stale, as happens when the
	// mirror upsert fails during a re-blacklisting and only the cache write
	// lands.
	_, err = stack.blist.BlacklistJTI(ctx, "jti-refreshed", "compromised", nil)
	require.NoError(t, err)
	require.NoError(t, stack.db.Model(&models.BlacklistEntry{}).
		Where("jti = ?", "jti-refreshed").
		Updates(map[string]any{
			"blacklisted_at": now.Add(-48 * time.Hour),
			"expires_at":     now.Add(-time.Hour),
		}).Error)

	stats, err := cleaner.RunOnce(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.ExpiredBlacklist)

	status, err := stack.blist.IsJTIBlacklisted(ctx, "jti-refreshed")
	require.NoError(t, err)
	require.True(t, status.Blacklisted)
	require.Equal(t, "compromised", status.Reason)
}

func TestRunOnceSkipsWhenLeaseHeld(t *testing.T) {
	clock := newTestClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	stack := newTestStack(t, testConfig(clock))

	cleaner, err := NewCleaner(stack.db, stack.store, WithNow(clock.Now))
	require.NoError(t, err)

	ctx := context.Background()
	claimed, err := stack.store.SetNX(ctx, cleanupLeaseKey, []byte("peer"), time.Minute)
	require.NoError(t, err)
	require.True(t, claimed)

	stats, err := cleaner.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, stats.Skipped)

	require.NoError(t, stack.store.Delete(ctx, cleanupLeaseKey))
	stats, err = cleaner.RunOnce(ctx)
	require.NoError(t, err)
	require.False(t, stats.Skipped)
}

func TestRunOnceSkipsOverlappingPass(t *testing.T) {
	clock := newTestClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	stack := newTestStack(t, testConfig(clock))

	cleaner, err := NewCleaner(stack.db, stack.store, WithNow(clock.Now))
	require.NoError(t, err)

	cleaner.running.Store(true)
	stats, err := cleaner.RunOnce(context.Background())
	require.NoError(t, err)
	require.True(t, stats.Skipped)

	cleaner.running.Store(false)
	stats, err = cleaner.RunOnce(context.Background())
	require.NoError(t, err)
	require.False(t, stats.Skipped)
}

func TestRunOnceHonoursRetentionOption(t *testing.T) {
	clock := newTestClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	stack := newTestStack(t, testConfig(clock))

	cleaner, err := NewCleaner(stack.db, stack.store, WithNow(clock.Now), WithRetentionDays(1))
	require.NoError(t, err)

	userID := "5f0c3a92-8d1e-4f38-9a6b-1f2e3d4c5b6a"
	now := clock.Now()
	// Two days stale: inside the default window, outside the shortened one.
	createSession(t, stack.db, "jti-stale", userID, now.Add(-72*time.Hour), now.Add(-72*time.Hour), now.Add(-48*time.Hour), "198.51.100.1", nil)

	stats, err := cleaner.RunOnce(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.ExpiredSessions)
}

func TestNewCleanerRequiresDatabase(t *testing.T) {
	_, err := NewCleaner(nil, nil)
	require.Error(t, err)
}
