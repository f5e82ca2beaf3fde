package security

import "time"

// Default tuning values. Every one of them is overridable through Config.
const (
	DefaultMaxConcurrentSessions  = 5
	DefaultBlacklistTTL           = 30 * 24 * time.Hour
	DefaultSessionRetentionDays   = 7
	DefaultImpossibleTravelKmh    = 500.0
	DefaultPatternWindow          = 30 * time.Minute
	DefaultPatternIPThreshold     = 3
	DefaultPatternDeviceThreshold = 3
	DefaultBlacklistCheckTimeout  = 5 * time.Millisecond
	DefaultGeoTimeout             = 2 * time.Second
	DefaultEvictionRetries        = 3
	DefaultCleanupSchedule        = "@daily"
)

// ScoreWeights tunes the retention score used when a user exceeds the
// concurrent-session cap. Age and inactivity are additive contributions, not
// penalties: an old session that matches the incoming device can outscore a
// fresh session from an unfamiliar one. Device continuity deliberately wins
// over recency.
type ScoreWeights struct {
	AgePerHour      float64
	InactivePerHour float64
	SameDevice      float64
	SameBrowser     float64
	SameOS          float64
	SameIP          float64
}

// DefaultScoreWeights returns the stock weights.
func DefaultScoreWeights() ScoreWeights {
	return ScoreWeights{
		AgePerHour:      10,
		InactivePerHour: 20,
		SameDevice:      5000,
		SameBrowser:     1000,
		SameOS:          500,
		SameIP:          2000,
	}
}

// Config holds every tunable of the session-security core.
type Config struct {
	MaxConcurrentSessions int
	Weights               ScoreWeights

	JTIBlacklistTTL time.Duration
	// BlacklistFailClosed rejects all tokens while the cache is unreachable.
	// The default fails open, with a critical audit event per degraded check:
	// rejecting every request during a cache outage is an availability
	// incident, while silent fail-open would be a security one.
	BlacklistFailClosed   bool
	BlacklistCheckTimeout time.Duration

	ImpossibleTravelThresholdKmh float64
	GeoTimeout                   time.Duration
	PatternWindow                time.Duration
	PatternIPThreshold           int
	PatternDeviceThreshold       int

	SessionRetentionDays int
	CleanupSchedule      string

	EvictionRetries int

	Clock func() time.Time
}

// withDefaults fills any zero-valued field.
func (c Config) withDefaults() Config {
	if c.MaxConcurrentSessions <= 0 {
		c.MaxConcurrentSessions = DefaultMaxConcurrentSessions
	}
	if c.Weights == (ScoreWeights{}) {
		c.Weights = DefaultScoreWeights()
	}
	if c.JTIBlacklistTTL <= 0 {
		c.JTIBlacklistTTL = DefaultBlacklistTTL
	}
	if c.BlacklistCheckTimeout <= 0 {
		c.BlacklistCheckTimeout = DefaultBlacklistCheckTimeout
	}
	if c.ImpossibleTravelThresholdKmh <= 0 {
		c.ImpossibleTravelThresholdKmh = DefaultImpossibleTravelKmh
	}
	if c.GeoTimeout <= 0 {
		c.GeoTimeout = DefaultGeoTimeout
	}
	if c.PatternWindow <= 0 {
		c.PatternWindow = DefaultPatternWindow
	}
	if c.PatternIPThreshold <= 0 {
		c.PatternIPThreshold = DefaultPatternIPThreshold
	}
	if c.PatternDeviceThreshold <= 0 {
		c.PatternDeviceThreshold = DefaultPatternDeviceThreshold
	}
	if c.SessionRetentionDays <= 0 {
		c.SessionRetentionDays = DefaultSessionRetentionDays
	}
	if c.CleanupSchedule == "" {
		c.CleanupSchedule = DefaultCleanupSchedule
	}
	if c.EvictionRetries <= 0 {
		c.EvictionRetries = DefaultEvictionRetries
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}
