package cache

import (
	"context"
	"time"
)

// Store represents the shared cache interface used across the service.
// SetNX is atomic set-if-absent with expiry; the cleanup lease relies on it
// to keep sweeps from overlapping across instances. IncrementWithTTL bumps a
// counter and applies the window TTL on the first increment.
type Store interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, keys ...string) error
	IncrementWithTTL(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
}
