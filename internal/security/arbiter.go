package security

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charlesng35/sessionguard/internal/models"
	apperrors "github.com/charlesng35/sessionguard/pkg/errors"
	"github.com/charlesng35/sessionguard/pkg/logger"
	"github.com/charlesng35/sessionguard/pkg/metrics"
)

// EvictionReason is stamped on sessions revoked by the arbiter.
const EvictionReason = "session_limit_exceeded"

// EnforcementResult reports the outcome of a session-limit pass.
type EnforcementResult struct {
	Evicted []string `json:"evicted"`
	Kept    int      `json:"kept"`
}

// userLocks hands out one mutex per user ID so concurrent logins for the same
// principal serialise without a global lock.
type userLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newUserLocks() *userLocks {
	return &userLocks{locks: make(map[string]*sync.Mutex)}
}

func (l *userLocks) acquire(userID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	lock, ok := l.locks[userID]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[userID] = lock
	}
	return lock
}

// Arbiter enforces the concurrent-session cap. When a user exceeds it, the
// sessions least similar to the incoming login context are evicted.
type Arbiter struct {
	db      *gorm.DB
	revoker *RevocationService
	cfg     Config
	log     *zap.Logger
	now     func() time.Time
	locks   *userLocks
}

// NewArbiter constructs the session arbiter.
func NewArbiter(db *gorm.DB, revoker *RevocationService, cfg Config) (*Arbiter, error) {
	if db == nil {
		return nil, errors.New("arbiter: db is required")
	}
	if revoker == nil {
		return nil, errors.New("arbiter: revocation service is required")
	}

	cfg = cfg.withDefaults()
	return &Arbiter{
		db:      db,
		revoker: revoker,
		cfg:     cfg,
		log:     logger.WithModule("arbiter"),
		now:     cfg.Clock,
		locks:   newUserLocks(),
	}, nil
}

// EnforceSessionLimits applies the concurrency cap for one user. The whole
// pass holds that user's lock: two simultaneous logins cannot both conclude a
// slot is free, and no session is revoked twice.
func (a *Arbiter) EnforceSessionLimits(ctx context.Context, userID string, newCtx SessionContext) (EnforcementResult, error) {
	ctx = ensureContext(ctx)

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return EnforcementResult{}, apperrors.NewValidation("user id is required")
	}

	lock := a.locks.acquire(userID)
	lock.Lock()
	defer lock.Unlock()

	now := a.now()

	var active []models.Session
	if err := a.db.WithContext(ctx).
		Where("user_id = ? AND revoked_at IS NULL AND expires_at > ?", userID, now).
		Order("created_at ASC").
		Find(&active).Error; err != nil {
		return EnforcementResult{}, fmt.Errorf("arbiter: load active sessions: %w", err)
	}

	if len(active) <= a.cfg.MaxConcurrentSessions {
		return EnforcementResult{Evicted: []string{}, Kept: len(active)}, nil
	}

	type scored struct {
		session models.Session
		score   float64
	}

	candidates := make([]scored, 0, len(active))
	for _, s := range active {
		// The incoming session never evicts itself.
		if newCtx.JTI != "" && s.JTI == newCtx.JTI {
			continue
		}
		candidates = append(candidates, scored{
			session: s,
			score:   a.scoreSession(&s, newCtx, now),
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score < candidates[j].score
	})

	toEvict := len(active) - a.cfg.MaxConcurrentSessions
	if toEvict > len(candidates) {
		toEvict = len(candidates)
	}

	evicted := make([]string, 0, toEvict)
	for _, c := range candidates[:toEvict] {
		if err := a.evict(ctx, c.session.JTI); err != nil {
			return EnforcementResult{Evicted: evicted, Kept: len(active) - len(evicted)}, err
		}
		evicted = append(evicted, c.session.JTI)

		a.log.Info("session evicted",
			zap.String("user_id", userID),
			zap.String("jti", c.session.JTI),
			zap.Float64("score", c.score))
	}

	return EnforcementResult{Evicted: evicted, Kept: len(active) - len(evicted)}, nil
}

// evict revokes one session, retrying transient failures a bounded number of
// times so a partial pass never leaves the decision nondeterministic.
func (a *Arbiter) evict(ctx context.Context, jti string) error {
	var lastErr error
	for attempt := 0; attempt < a.cfg.EvictionRetries; attempt++ {
		_, err := a.revoker.RevokeSessionWithAudit(ctx, jti, EvictionReason, nil)
		if err == nil {
			metrics.SessionEvictions.Inc()
			return nil
		}
		var appErr *apperrors.AppError
		if errors.As(err, &appErr) && appErr.Code == apperrors.ErrNotFound.Code {
			// Session vanished under us; nothing left to evict.
			return nil
		}
		lastErr = err
	}
	return fmt.Errorf("arbiter: evict %s: %w", jti, lastErr)
}

// scoreSession computes the retention score of an existing session against
// the incoming context. Higher means more similar, so more likely to be kept.
// Age and inactivity contribute positively on purpose; see ScoreWeights.
func (a *Arbiter) scoreSession(s *models.Session, newCtx SessionContext, now time.Time) float64 {
	w := a.cfg.Weights

	ageHours := now.Sub(s.CreatedAt).Hours()
	if ageHours < 0 {
		ageHours = 0
	}
	inactiveHours := now.Sub(s.LastUsedAt).Hours()
	if inactiveHours < 0 {
		inactiveHours = 0
	}

	score := ageHours*w.AgePerHour + inactiveHours*w.InactivePerHour

	stored := decodeDeviceInfo(s)
	incoming := newCtx.Fingerprint

	if stored != nil && incoming != nil {
		if stored.StableFingerprint != "" && stored.StableFingerprint == incoming.StableFingerprint {
			score += w.SameDevice
		}
		if stored.Browser.Name != "" && stored.Browser.Name == incoming.Browser.Name {
			score += w.SameBrowser
		}
		if stored.OS.Name != "" && stored.OS.Name == incoming.OS.Name {
			score += w.SameOS
		}
	}

	if s.IPAddress != "" && s.IPAddress == newCtx.IP {
		score += w.SameIP
	}

	return score
}
