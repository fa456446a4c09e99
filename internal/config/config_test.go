package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runnerr0/killfeed/internal/feed"
	"github.com/runnerr0/killfeed/internal/watermark"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0644))
	return cfgPath
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "op-general", cfg.KillmailChannel)
	assert.Equal(t, 300, cfg.UpdateIntervalSeconds)
	assert.Nil(t, cfg.LastKill)
	assert.Equal(t, feed.DefaultURL, cfg.Feed.URL)
	assert.Empty(t, cfg.Feed.KillboardURL)
	assert.Equal(t, 30, cfg.Feed.TimeoutSeconds)
	assert.Equal(t, 96, cfg.Feed.LookbackHours)
	assert.Empty(t, cfg.Channels)
	assert.Equal(t, 6000, cfg.Layout.MaxContainerSize)
	assert.Equal(t, 25, cfg.Layout.MaxFields)
	assert.Equal(t, 1024, cfg.Layout.MaxFieldLength)
	assert.Equal(t, "detailed", cfg.Layout.Template)
	assert.Equal(t, 3, cfg.Delivery.MaxRetries)
	assert.Equal(t, 10, cfg.Delivery.TimeoutSeconds)
	assert.Equal(t, 2.5, cfg.Delivery.RatePerSecond)
	assert.Equal(t, 5, cfg.Delivery.Burst)
	assert.Equal(t, "sqlite", cfg.Storage.Backend)
	assert.Equal(t, "~/.config/killfeed", cfg.Storage.Path)
	assert.Equal(t, "killfeed.db", cfg.Storage.SQLiteFile)
	assert.Equal(t, watermark.DefaultRedisKey, cfg.Storage.RedisKey)
	assert.Equal(t, "127.0.0.1:8722", cfg.Server.Addr)
	assert.Equal(t, []string{"*"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, 30, cfg.Retention.Days)

	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5*time.Minute, cfg.Interval())
}

func TestLoadValidYAMLOverridesDefaults(t *testing.T) {
	cfgPath := writeConfig(t, `
killmail_channel: "#killmails"
update_interval_seconds: 60
channels:
  - guild: Alpha
    name: killmails
    webhook_url: https://hooks.example/alpha
  - guild: Bravo
    name: general
    webhook_url: https://hooks.example/bravo
layout:
  template: compact
logging:
  level: debug
`)

	cfg, err := Load(cfgPath)
	require.NoError(t, err)

	// Overridden values
	assert.Equal(t, "killmails", cfg.KillmailChannel, "leading # is stripped")
	assert.Equal(t, time.Minute, cfg.Interval())
	require.Len(t, cfg.Channels, 2)
	assert.Equal(t, "Alpha", cfg.Channels[0].Guild)
	assert.Equal(t, "compact", cfg.Layout.Template)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// Non-overridden values remain defaults
	assert.Equal(t, 25, cfg.Layout.MaxFields)
	assert.Equal(t, "sqlite", cfg.Storage.Backend)

	dests := cfg.Destinations()
	require.Len(t, dests, 2)
	assert.Equal(t, "https://hooks.example/bravo", dests[1].WebhookURL)
}

func TestLoadLegacyJSONConfig(t *testing.T) {
	cfgPath := writeConfig(t, `{"killmail_channel": "op-general", "update_interval_seconds": 120, "last_kill": "2024-03-01 12:30:00"}`)

	cfg, err := Load(cfgPath)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 120, cfg.UpdateIntervalSeconds)
	require.NotNil(t, cfg.LastKill)
	wm, ok, err := cfg.LastKill.Watermark()
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC).Equal(wm.Date))
	assert.Zero(t, wm.ID)
}

func TestLoadLastKillMapping(t *testing.T) {
	cfgPath := writeConfig(t, `
last_kill:
  date: "2024-03-01 12:30:00"
  id: 502
  uid: f3a9
`)

	cfg, err := Load(cfgPath)
	require.NoError(t, err)

	seed := cfg.Seed(time.Now())
	assert.Equal(t, int64(502), seed.ID)
	assert.Equal(t, "f3a9", seed.UID)
	assert.True(t, time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC).Equal(seed.Date))
}

func TestSeedDefaultsToLookback(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Feed.LookbackHours = 24
	now := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)

	seed := cfg.Seed(now)
	assert.True(t, now.Add(-24*time.Hour).Equal(seed.Date))
	assert.Zero(t, seed.ID)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty channel", func(c *Config) { c.KillmailChannel = "" }},
		{"zero interval", func(c *Config) { c.UpdateIntervalSeconds = 0 }},
		{"negative lookback", func(c *Config) { c.Feed.LookbackHours = -1 }},
		{"bad last_kill", func(c *Config) { c.LastKill = &LastKill{Date: "yesterday"} }},
		{"one field", func(c *Config) { c.Layout.MaxFields = 1 }},
		{"tiny container", func(c *Config) { c.Layout.MaxContainerSize = 100 }},
		{"unknown template", func(c *Config) { c.Layout.Template = "fancy" }},
		{"negative retries", func(c *Config) { c.Delivery.MaxRetries = -1 }},
		{"negative rate", func(c *Config) { c.Delivery.RatePerSecond = -1 }},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "postgres" }},
		{"redis without addr", func(c *Config) { c.Storage.Backend = "redis" }},
		{"unknown level", func(c *Config) { c.Logging.Level = "loud" }},
		{"unknown format", func(c *Config) { c.Logging.Format = "xml" }},
		{"negative retention", func(c *Config) { c.Retention.Days = -1 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidateAcceptsRedis(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.Backend = "redis"
	cfg.Storage.RedisAddr = "localhost:6379"
	assert.NoError(t, cfg.Validate())
}

func TestLoadInvalidYAMLReturnsError(t *testing.T) {
	_, err := Load(writeConfig(t, ":::not valid yaml{{{"))
	assert.Error(t, err)
}

func TestLoadNonExistentFileReturnsError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing", "config.yaml"))
	assert.Error(t, err)
}

func TestLoadOrCreateCreatesDefaultsWhenMissing(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "sub", "deep", "config.yaml")

	cfg, err := LoadOrCreateAt(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, "op-general", cfg.KillmailChannel)

	info, statErr := os.Stat(cfgPath)
	require.NoError(t, statErr)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	// File should be valid YAML loadable again
	cfg2, err := Load(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, cfg.UpdateIntervalSeconds, cfg2.UpdateIntervalSeconds)
	assert.Nil(t, cfg2.LastKill)
}

func TestLoadOrCreateLoadsExistingFile(t *testing.T) {
	cfgPath := writeConfig(t, "retention:\n  days: 7\n")

	cfg, err := LoadOrCreateAt(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Retention.Days)
	assert.Equal(t, "op-general", cfg.KillmailChannel)
}

func TestDatabasePath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.Path = "/var/lib/killfeed"
	p, err := cfg.DatabasePath()
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/killfeed/killfeed.db", p)

	cfg.Storage.Path = "~/kf"
	p, err = cfg.DatabasePath()
	require.NoError(t, err)
	home, _ := os.UserHomeDir()
	assert.Equal(t, filepath.Join(home, "kf", "killfeed.db"), p)
}

func TestParseLevel(t *testing.T) {
	for _, s := range []string{"debug", "INFO", "", "warn", "warning", "error"} {
		_, err := ParseLevel(s)
		assert.NoError(t, err, s)
	}
	_, err := ParseLevel("trace")
	assert.Error(t, err)
}
