package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	require.Equal(t, 8000, cfg.Server.Port)
	require.Equal(t, "info", cfg.Server.LogLevel)
	require.Equal(t, "json", cfg.Server.LogEncoding)

	require.Equal(t, "sqlite", cfg.Database.Driver)
	require.Equal(t, "./data/sessionguard.sqlite", cfg.Database.Path)

	require.False(t, cfg.Cache.Redis.Enabled)
	require.Equal(t, "127.0.0.1:6379", cfg.Cache.Redis.Address)
	require.Equal(t, 5*time.Second, cfg.Cache.Redis.Timeout)

	require.Equal(t, 5, cfg.Security.MaxConcurrentSessions)
	require.Equal(t, 720*time.Hour, cfg.Security.JTIBlacklistTTL)
	require.False(t, cfg.Security.BlacklistFailClosed)
	require.Equal(t, 5*time.Millisecond, cfg.Security.BlacklistCheckTimeout)
	require.Equal(t, 500.0, cfg.Security.ImpossibleTravelThresholdKmh)
	require.Equal(t, 30*time.Minute, cfg.Security.PatternWindow)
	require.Equal(t, 3, cfg.Security.PatternIPThreshold)
	require.Equal(t, 7, cfg.Security.SessionRetentionDays)
	require.Equal(t, "@daily", cfg.Security.CleanupSchedule)
	require.Equal(t, 5000.0, cfg.Security.Weights.SameDevice)

	require.Empty(t, cfg.Geo.BaseURL)
	require.Equal(t, 2*time.Second, cfg.Geo.Timeout)

	require.True(t, cfg.Monitoring.Prometheus.Enabled)
	require.Equal(t, "/metrics", cfg.Monitoring.Prometheus.Endpoint)
	require.True(t, cfg.Monitoring.Health.Enabled)
}

func TestLoadConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	contents := `
server:
  port: 9443
  log_level: debug
security:
  max_concurrent_sessions: 2
  blacklist_fail_closed: true
  jti_blacklist_ttl: 48h
geo:
  base_url: http://geo.internal
auth:
  jwt:
    secret: test-secret
    issuer: sessionguard-test
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(contents), 0o600))

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	require.Equal(t, 9443, cfg.Server.Port)
	require.Equal(t, "debug", cfg.Server.LogLevel)
	require.Equal(t, 2, cfg.Security.MaxConcurrentSessions)
	require.True(t, cfg.Security.BlacklistFailClosed)
	require.Equal(t, 48*time.Hour, cfg.Security.JTIBlacklistTTL)
	require.Equal(t, "http://geo.internal", cfg.Geo.BaseURL)
	require.Equal(t, "test-secret", cfg.Auth.JWT.Secret)
	require.Equal(t, "sessionguard-test", cfg.Auth.JWT.Issuer)

	// Untouched keys keep their defaults.
	require.Equal(t, "sqlite", cfg.Database.Driver)
	require.Equal(t, "@daily", cfg.Security.CleanupSchedule)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("SESSIONGUARD_SERVER_PORT", "9001")
	t.Setenv("SESSIONGUARD_SECURITY_MAX_CONCURRENT_SESSIONS", "9")
	t.Setenv("SESSIONGUARD_AUTH_JWT_SECRET", "env-secret")
	t.Setenv("SESSIONGUARD_CACHE_REDIS_ENABLED", "true")

	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	require.Equal(t, 9001, cfg.Server.Port)
	require.Equal(t, 9, cfg.Security.MaxConcurrentSessions)
	require.Equal(t, "env-secret", cfg.Auth.JWT.Secret)
	require.True(t, cfg.Cache.Redis.Enabled)
}

func TestLoadConfigRejectsMalformedFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("server: [broken"), 0o600))

	_, err := LoadConfig(dir)
	require.Error(t, err)
}

func TestSecuritySettingsMapping(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	settings := cfg.SecuritySettings()
	require.Equal(t, cfg.Security.MaxConcurrentSessions, settings.MaxConcurrentSessions)
	require.Equal(t, cfg.Security.JTIBlacklistTTL, settings.JTIBlacklistTTL)
	require.Equal(t, cfg.Security.BlacklistFailClosed, settings.BlacklistFailClosed)
	require.Equal(t, cfg.Geo.Timeout, settings.GeoTimeout)
	require.Equal(t, cfg.Security.Weights.SameDevice, settings.Weights.SameDevice)
	require.Equal(t, cfg.Security.Weights.AgePerHour, settings.Weights.AgePerHour)
}
