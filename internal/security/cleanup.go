package security

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charlesng35/sessionguard/internal/cache"
	"github.com/charlesng35/sessionguard/internal/models"
	"github.com/charlesng35/sessionguard/pkg/logger"
	"github.com/charlesng35/sessionguard/pkg/metrics"
)

const (
	cleanupLeaseKey = "cleanup:lease"
	cleanupLeaseTTL = 15 * time.Minute
)

// CleanupStats reports what a single cleanup pass removed.
type CleanupStats struct {
	ExpiredSessions  int64         `json:"expired_sessions"`
	ExpiredBlacklist int64         `json:"expired_blacklist"`
	Duration         time.Duration `json:"duration"`
	Skipped          bool          `json:"skipped"`
}

// Cleaner purges terminated sessions and lapsed blacklist entries on a cron
// schedule. Runs never overlap: in-process overlap is guarded by an atomic
// flag, cross-instance overlap by a cache lease when a store is present. A
// pass that starts while another is in flight is skipped rather than queued.
type Cleaner struct {
	db      *gorm.DB
	store   cache.Store
	cron    *cron.Cron
	now     func() time.Time
	log     *zap.Logger
	running atomic.Bool

	schedule      string
	retentionDays int
	blacklistTTL  time.Duration
}

// CleanerOption customises the Cleaner.
type CleanerOption func(*Cleaner)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) CleanerOption {
	return func(cleaner *Cleaner) {
		if c != nil {
			cleaner.cron = c
		}
	}
}

// WithNow overrides the clock used for scheduling and cleanup comparisons.
func WithNow(now func() time.Time) CleanerOption {
	return func(cleaner *Cleaner) {
		if now != nil {
			cleaner.now = now
		}
	}
}

// WithSchedule overrides the cron specification for the cleanup pass.
func WithSchedule(spec string) CleanerOption {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.schedule = spec
		}
	}
}

// WithRetentionDays adjusts how long revoked and expired sessions are retained.
func WithRetentionDays(days int) CleanerOption {
	return func(cleaner *Cleaner) {
		if days > 0 {
			cleaner.retentionDays = days
		}
	}
}

// WithBlacklistTTL tells the sweep how long cache-side blacklist entries live,
// so it can recognise a key that was rewritten after its mirror row lapsed.
func WithBlacklistTTL(ttl time.Duration) CleanerOption {
	return func(cleaner *Cleaner) {
		if ttl > 0 {
			cleaner.blacklistTTL = ttl
		}
	}
}

// NewCleaner constructs a Cleaner with sensible defaults. The cache store is
// optional; without it the pass still prunes rows but leaves cache keys to
// their own TTLs.
func NewCleaner(db *gorm.DB, store cache.Store, opts ...CleanerOption) (*Cleaner, error) {
	if db == nil {
		return nil, errors.New("cleaner: db is required")
	}

	cleaner := &Cleaner{
		db:            db,
		store:         store,
		now:           time.Now,
		schedule:      DefaultCleanupSchedule,
		retentionDays: DefaultSessionRetentionDays,
		blacklistTTL:  DefaultBlacklistTTL,
		log:           logger.WithModule("cleanup"),
	}

	for _, opt := range opts {
		opt(cleaner)
	}

	if cleaner.cron == nil {
		cleaner.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}

	return cleaner, nil
}

// Start registers the cleanup job with the cron scheduler and launches it.
func (c *Cleaner) Start() error {
	if _, err := c.cron.AddFunc(c.schedule, func() {
		if _, err := c.RunOnce(context.Background()); err != nil {
			c.log.Warn("cleanup pass failed", zap.Error(err))
		}
	}); err != nil {
		return err
	}

	c.cron.Start()
	return nil
}

// Stop halts the underlying scheduler, waiting for any running job to complete.
func (c *Cleaner) Stop() context.Context {
	if c.cron == nil {
		return context.Background()
	}
	return c.cron.Stop()
}

// RunOnce executes a full cleanup pass. Partial failure still reports the
// counts of whatever succeeded; errors are accumulated, not short-circuited.
func (c *Cleaner) RunOnce(ctx context.Context) (CleanupStats, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !c.running.CompareAndSwap(false, true) {
		c.log.Debug("cleanup already in progress, skipping")
		return CleanupStats{Skipped: true}, nil
	}
	defer c.running.Store(false)

	if c.store != nil {
		claimed, err := c.store.SetNX(ctx, cleanupLeaseKey, []byte("held"), cleanupLeaseTTL)
		if err != nil {
			// The pass is idempotent; a failed claim does not block it.
			c.log.Warn("cleanup lease claim failed", zap.Error(err))
		} else if !claimed {
			c.log.Debug("cleanup lease held elsewhere, skipping")
			return CleanupStats{Skipped: true}, nil
		} else {
			defer func() {
				if err := c.store.Delete(ctx, cleanupLeaseKey); err != nil {
					c.log.Warn("cleanup lease release failed", zap.Error(err))
				}
			}()
		}
	}

	started := c.now()
	cutoff := started.AddDate(0, 0, -c.retentionDays)

	stats := CleanupStats{}
	var errs error

	result := c.db.WithContext(ctx).
		Where("expires_at < ? OR (revoked_at IS NOT NULL AND revoked_at < ?)", cutoff, cutoff).
		Delete(&models.Session{})
	if result.Error != nil {
		errs = multierr.Append(errs, fmt.Errorf("cleaner: sessions: %w", result.Error))
	} else {
		stats.ExpiredSessions = result.RowsAffected
	}

	removed, err := c.pruneBlacklist(ctx, started)
	if err != nil {
		errs = multierr.Append(errs, err)
	} else {
		stats.ExpiredBlacklist = removed
	}

	stats.Duration = c.now().Sub(started)
	metrics.CleanupDuration.Observe(stats.Duration.Seconds())

	c.log.Info("cleanup pass finished",
		zap.Int64("expired_sessions", stats.ExpiredSessions),
		zap.Int64("expired_blacklist", stats.ExpiredBlacklist),
		zap.Duration("duration", stats.Duration))

	return stats, errs
}

// pruneBlacklist removes lapsed mirror rows and drops their cache keys so the
// fast path cannot keep answering from a stale entry. A JTI can be blacklisted
// again while its mirror row still carries the old expiry, so both deletes
// re-check freshness: the row delete is guarded by expires_at and the cache
// key is only dropped when the cached entry itself has lapsed.
func (c *Cleaner) pruneBlacklist(ctx context.Context, now time.Time) (int64, error) {
	var lapsed []models.BlacklistEntry
	if err := c.db.WithContext(ctx).
		Where("expires_at < ?", now).
		Find(&lapsed).Error; err != nil {
		return 0, fmt.Errorf("cleaner: load lapsed blacklist entries: %w", err)
	}
	if len(lapsed) == 0 {
		return 0, nil
	}

	jtis := make([]string, 0, len(lapsed))
	for _, entry := range lapsed {
		jtis = append(jtis, entry.JTI)
	}

	result := c.db.WithContext(ctx).
		Where("jti IN ? AND expires_at < ?", jtis, now).
		Delete(&models.BlacklistEntry{})
	if result.Error != nil {
		return 0, fmt.Errorf("cleaner: blacklist entries: %w", result.Error)
	}

	if c.store != nil {
		for _, jti := range jtis {
			c.evictStaleKey(ctx, now, jti)
		}
	}

	return result.RowsAffected, nil
}

// evictStaleKey drops the fast-path key for a lapsed mirror row, unless the
// key was rewritten since the row lapsed. A cached entry still inside its own
// TTL belongs to a fresher blacklisting and must survive the sweep.
func (c *Cleaner) evictStaleKey(ctx context.Context, now time.Time, jti string) {
	key := blacklistKeyPrefix + jti

	data, found, err := c.store.Get(ctx, key)
	if err != nil {
		c.log.Warn("blacklist cache read failed", zap.String("jti", jti), zap.Error(err))
		return
	}
	if !found {
		return
	}

	var cached cachedBlacklistEntry
	if err := json.Unmarshal(data, &cached); err == nil && now.Before(cached.BlacklistedAt.Add(c.blacklistTTL)) {
		return
	}

	if err := c.store.Delete(ctx, key); err != nil {
		c.log.Warn("blacklist cache eviction failed", zap.String("jti", jti), zap.Error(err))
	}
}
