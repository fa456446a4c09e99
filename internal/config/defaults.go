package config

import (
	"github.com/runnerr0/killfeed/internal/feed"
	"github.com/runnerr0/killfeed/internal/layout"
	"github.com/runnerr0/killfeed/internal/watermark"
)

// DefaultConfig returns a Config populated with all default values.
func DefaultConfig() *Config {
	limits := layout.DefaultLimits()
	return &Config{
		KillmailChannel:       "op-general",
		UpdateIntervalSeconds: 300,
		Feed: FeedConfig{
			URL:            feed.DefaultURL,
			KillboardURL:   "",
			TimeoutSeconds: 30,
			LookbackHours:  int(watermark.DefaultLookback.Hours()),
			UserAgent:      "killfeed",
		},
		Channels: []ChannelConfig{},
		Layout: LayoutConfig{
			MaxContainerSize:   limits.MaxContainerSize,
			MaxFields:          limits.MaxFields,
			MaxFieldLength:     limits.MaxFieldLength,
			MaxTitleLength:     limits.MaxTitleLength,
			MaxFieldNameLength: limits.MaxFieldNameLength,
			Template:           layout.DefaultTemplate,
		},
		Delivery: DeliveryConfig{
			MaxRetries:     3,
			TimeoutSeconds: 10,
			RatePerSecond:  2.5,
			Burst:          5,
			Username:       "Killfeed",
		},
		Storage: StorageConfig{
			Backend:    "sqlite",
			Path:       "~/.config/killfeed",
			SQLiteFile: "killfeed.db",
			RedisAddr:  "",
			RedisKey:   watermark.DefaultRedisKey,
		},
		Server: ServerConfig{
			Addr:           "127.0.0.1:8722",
			AllowedOrigins: []string{"*"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Retention: RetentionConfig{
			Days: 30,
		},
	}
}
