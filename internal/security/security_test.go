package security

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	testutil "github.com/charlesng35/sessionguard/internal/database/testutil"
	"github.com/charlesng35/sessionguard/internal/fingerprint"
	"github.com/charlesng35/sessionguard/internal/models"
)

// testClock is a controllable clock shared by the services under test.
type testClock struct {
	mu      sync.Mutex
	current time.Time
}

func newTestClock(start time.Time) *testClock {
	return &testClock{current: start}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

// memoryStore is an in-process cache.Store for tests.
type memoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

func newMemoryStore() *memoryStore {
	return &memoryStore{entries: make(map[string]memoryEntry)}
}

func (s *memoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memoryEntry{value: append([]byte(nil), value...), expiresAt: time.Now().Add(ttl)}
	return nil
}

func (s *memoryStore) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.entries[key]; ok && entry.expiresAt.After(time.Now()) {
		return false, nil
	}
	s.entries[key] = memoryEntry{value: append([]byte(nil), value...), expiresAt: time.Now().Add(ttl)}
	return true, nil
}

func (s *memoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok || !entry.expiresAt.After(time.Now()) {
		return nil, false, nil
	}
	return append([]byte(nil), entry.value...), true, nil
}

func (s *memoryStore) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.entries, key)
	}
	return nil
}

func (s *memoryStore) IncrementWithTTL(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	return 0, 0, errors.New("not implemented")
}

// failingStore simulates a cache outage.
type failingStore struct{}

var errStoreDown = errors.New("store unavailable")

func (failingStore) Set(context.Context, string, []byte, time.Duration) error { return errStoreDown }
func (failingStore) SetNX(context.Context, string, []byte, time.Duration) (bool, error) {
	return false, errStoreDown
}
func (failingStore) Get(context.Context, string) ([]byte, bool, error) { return nil, false, errStoreDown }
func (failingStore) Delete(context.Context, ...string) error           { return errStoreDown }
func (failingStore) IncrementWithTTL(context.Context, string, time.Duration) (int64, time.Duration, error) {
	return 0, 0, errStoreDown
}

// testStack bundles the wired services most tests need.
type testStack struct {
	db      *gorm.DB
	store   *memoryStore
	clock   *testClock
	audit   *AuditService
	blist   *BlacklistService
	revoker *RevocationService
	arbiter *Arbiter
}

func testConfig(clock *testClock) Config {
	return Config{
		// Generous lookup budget; CI schedulers make 5ms flaky.
		BlacklistCheckTimeout: time.Second,
		Clock:                 clock.Now,
	}
}

func newTestStack(t *testing.T, cfg Config) *testStack {
	t.Helper()

	db := testutil.MustOpenTestDB(t)
	store := newMemoryStore()

	clockFn := cfg.Clock
	if clockFn == nil {
		clockFn = time.Now
	}

	audit, err := NewAuditService(db, store, clockFn)
	require.NoError(t, err)

	blist, err := NewBlacklistService(store, db, audit, cfg)
	require.NoError(t, err)

	revoker, err := NewRevocationService(db, blist, audit, clockFn)
	require.NoError(t, err)

	arbiter, err := NewArbiter(db, revoker, cfg)
	require.NoError(t, err)

	return &testStack{
		db:      db,
		store:   store,
		audit:   audit,
		blist:   blist,
		revoker: revoker,
		arbiter: arbiter,
	}
}

func createSession(t *testing.T, db *gorm.DB, jti, userID string, createdAt, lastUsedAt, expiresAt time.Time, ip string, fp *fingerprint.DeviceFingerprint) models.Session {
	t.Helper()

	session := models.Session{
		JTI:        jti,
		UserID:     userID,
		IPAddress:  ip,
		UserAgent:  "test-agent",
		CreatedAt:  createdAt,
		LastUsedAt: lastUsedAt,
		ExpiresAt:  expiresAt,
	}
	if fp != nil {
		encoded, err := encodeDeviceInfo(fp)
		require.NoError(t, err)
		session.DeviceInfo = encoded
	}
	require.NoError(t, db.Create(&session).Error)
	return session
}

func eventsByAction(t *testing.T, db *gorm.DB, action string) []models.AuditEvent {
	t.Helper()

	var events []models.AuditEvent
	require.NoError(t, db.Where("action = ?", action).Order("created_at ASC").Find(&events).Error)
	return events
}
