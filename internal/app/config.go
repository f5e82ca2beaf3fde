package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/charlesng35/sessionguard/internal/security"
)

// Config represents the runtime configuration for the sessionguard service.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Security   SecurityConfig   `mapstructure:"security"`
	Geo        GeoConfig        `mapstructure:"geo"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port        int    `mapstructure:"port"`
	LogLevel    string `mapstructure:"log_level"`
	LogEncoding string `mapstructure:"log_encoding"`
}

// DatabaseConfig describes connection options for the supported databases.
type DatabaseConfig struct {
	Driver   string       `mapstructure:"driver"`
	Path     string       `mapstructure:"path"`
	DSN      string       `mapstructure:"dsn"`
	Postgres DBAuthConfig `mapstructure:"postgres"`
	MySQL    DBAuthConfig `mapstructure:"mysql"`
}

// DBAuthConfig represents host based database parameters.
type DBAuthConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// CacheConfig describes cache backends.
type CacheConfig struct {
	Redis RedisCacheConfig `mapstructure:"redis"`
}

// RedisCacheConfig holds Redis connection options.
type RedisCacheConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Address  string        `mapstructure:"address"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TLS      bool          `mapstructure:"tls"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// AuthConfig captures the token-verification settings. Tokens are minted by
// the platform's issuer; this service only verifies them.
type AuthConfig struct {
	JWT JWTSettings `mapstructure:"jwt"`
}

// JWTSettings configures JWT verification.
type JWTSettings struct {
	Secret string `mapstructure:"secret"`
	Issuer string `mapstructure:"issuer"`
}

// SecurityConfig holds the session-security tunables.
type SecurityConfig struct {
	MaxConcurrentSessions        int           `mapstructure:"max_concurrent_sessions"`
	JTIBlacklistTTL              time.Duration `mapstructure:"jti_blacklist_ttl"`
	BlacklistFailClosed          bool          `mapstructure:"blacklist_fail_closed"`
	BlacklistCheckTimeout        time.Duration `mapstructure:"blacklist_check_timeout"`
	ImpossibleTravelThresholdKmh float64       `mapstructure:"impossible_travel_threshold_kmh"`
	PatternWindow                time.Duration `mapstructure:"pattern_window"`
	PatternIPThreshold           int           `mapstructure:"pattern_ip_threshold"`
	PatternDeviceThreshold       int           `mapstructure:"pattern_device_threshold"`
	SessionRetentionDays         int           `mapstructure:"session_retention_days"`
	CleanupSchedule              string        `mapstructure:"cleanup_schedule"`
	EvictionRetries              int           `mapstructure:"eviction_retries"`
	Weights                      WeightConfig  `mapstructure:"weights"`
}

// WeightConfig tunes the session retention score.
type WeightConfig struct {
	AgePerHour      float64 `mapstructure:"age_per_hour"`
	InactivePerHour float64 `mapstructure:"inactive_per_hour"`
	SameDevice      float64 `mapstructure:"same_device"`
	SameBrowser     float64 `mapstructure:"same_browser"`
	SameOS          float64 `mapstructure:"same_os"`
	SameIP          float64 `mapstructure:"same_ip"`
}

// GeoConfig configures the IP geolocation backend.
type GeoConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// MonitoringConfig enables health checks and metrics.
type MonitoringConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	Health     HealthConfig     `mapstructure:"health_check"`
}

// PrometheusConfig toggles metrics endpoints.
type PrometheusConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

// HealthConfig toggles health endpoints.
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// SecuritySettings converts the declarative config into the core's Config.
func (c *Config) SecuritySettings() security.Config {
	return security.Config{
		MaxConcurrentSessions: c.Security.MaxConcurrentSessions,
		Weights: security.ScoreWeights{
			AgePerHour:      c.Security.Weights.AgePerHour,
			InactivePerHour: c.Security.Weights.InactivePerHour,
			SameDevice:      c.Security.Weights.SameDevice,
			SameBrowser:     c.Security.Weights.SameBrowser,
			SameOS:          c.Security.Weights.SameOS,
			SameIP:          c.Security.Weights.SameIP,
		},
		JTIBlacklistTTL:              c.Security.JTIBlacklistTTL,
		BlacklistFailClosed:          c.Security.BlacklistFailClosed,
		BlacklistCheckTimeout:        c.Security.BlacklistCheckTimeout,
		ImpossibleTravelThresholdKmh: c.Security.ImpossibleTravelThresholdKmh,
		GeoTimeout:                   c.Geo.Timeout,
		PatternWindow:                c.Security.PatternWindow,
		PatternIPThreshold:           c.Security.PatternIPThreshold,
		PatternDeviceThreshold:       c.Security.PatternDeviceThreshold,
		SessionRetentionDays:         c.Security.SessionRetentionDays,
		CleanupSchedule:              c.Security.CleanupSchedule,
		EvictionRetries:              c.Security.EvictionRetries,
	}
}

// LoadConfig initialises application configuration using Viper with sensible defaults.
func LoadConfig(paths ...string) (*Config, error) {
	v := viper.NewWithOptions(viper.ExperimentalBindStruct())
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AddConfigPath("./config")
	for _, path := range paths {
		v.AddConfigPath(path)
	}

	setDefaults(v)

	v.SetEnvPrefix("SESSIONGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var cfgErr viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgErr) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config, decodeHook()); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.log_encoding", "json")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/sessionguard.sqlite")

	v.SetDefault("cache.redis.enabled", false)
	v.SetDefault("cache.redis.address", "127.0.0.1:6379")
	v.SetDefault("cache.redis.username", "")
	v.SetDefault("cache.redis.password", "")
	v.SetDefault("cache.redis.db", 0)
	v.SetDefault("cache.redis.tls", false)
	v.SetDefault("cache.redis.timeout", "5s")

	v.SetDefault("auth.jwt.issuer", "")

	v.SetDefault("security.max_concurrent_sessions", 5)
	v.SetDefault("security.jti_blacklist_ttl", "720h") // 30 days
	v.SetDefault("security.blacklist_fail_closed", false)
	v.SetDefault("security.blacklist_check_timeout", "5ms")
	v.SetDefault("security.impossible_travel_threshold_kmh", 500)
	v.SetDefault("security.pattern_window", "30m")
	v.SetDefault("security.pattern_ip_threshold", 3)
	v.SetDefault("security.pattern_device_threshold", 3)
	v.SetDefault("security.session_retention_days", 7)
	v.SetDefault("security.cleanup_schedule", "@daily")
	v.SetDefault("security.eviction_retries", 3)
	v.SetDefault("security.weights.age_per_hour", 10)
	v.SetDefault("security.weights.inactive_per_hour", 20)
	v.SetDefault("security.weights.same_device", 5000)
	v.SetDefault("security.weights.same_browser", 1000)
	v.SetDefault("security.weights.same_os", 500)
	v.SetDefault("security.weights.same_ip", 2000)

	v.SetDefault("geo.base_url", "")
	v.SetDefault("geo.timeout", "2s")

	v.SetDefault("monitoring.prometheus.enabled", true)
	v.SetDefault("monitoring.prometheus.endpoint", "/metrics")
	v.SetDefault("monitoring.health_check.enabled", true)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
