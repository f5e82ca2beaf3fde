package checks

import (
	"context"
	"time"

	"github.com/charlesng35/sessionguard/internal/monitoring"
)

const defaultCacheTimeout = 2 * time.Second

// Pinger represents the minimal interface required to probe a cache connection.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Cache returns a readiness probe for the configured cache backend. A nil
// pinger means the service runs on the database fallback, which the database
// probe already covers.
func Cache(client Pinger, timeout time.Duration) monitoring.Check {
	return monitoring.NewCheck("cache", func(ctx context.Context) monitoring.ProbeResult {
		start := time.Now()
		if client == nil {
			return monitoring.ProbeResult{
				Status:   monitoring.StatusUp,
				Details:  "database fallback in use",
				Duration: time.Since(start),
			}
		}

		probeCtx, cancel := context.WithTimeout(ctx, chooseTimeout(timeout, defaultCacheTimeout))
		defer cancel()

		if err := client.Ping(probeCtx); err != nil {
			return monitoring.ResultFromError("cache", err, time.Since(start))
		}

		return monitoring.ProbeResult{
			Status:   monitoring.StatusUp,
			Duration: time.Since(start),
		}
	})
}
