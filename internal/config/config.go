package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/runnerr0/killfeed/internal/dispatch"
	"github.com/runnerr0/killfeed/internal/killmail"
	"github.com/runnerr0/killfeed/internal/layout"
	"github.com/runnerr0/killfeed/internal/watermark"
)

// Default config file path.
const DefaultConfigPath = "~/.config/killfeed/config.yaml"

// Config holds all killfeed configuration. It is loaded once and passed
// explicitly to every poll cycle.
type Config struct {
	KillmailChannel       string          `yaml:"killmail_channel"`
	UpdateIntervalSeconds int             `yaml:"update_interval_seconds"`
	LastKill              *LastKill       `yaml:"last_kill,omitempty"`
	Feed                  FeedConfig      `yaml:"feed"`
	Channels              []ChannelConfig `yaml:"channels"`
	Layout                LayoutConfig    `yaml:"layout"`
	Delivery              DeliveryConfig  `yaml:"delivery"`
	Storage               StorageConfig   `yaml:"storage"`
	Server                ServerConfig    `yaml:"server"`
	Logging               LoggingConfig   `yaml:"logging"`
	Retention             RetentionConfig `yaml:"retention"`
}

type FeedConfig struct {
	URL             string `yaml:"url"`
	KillboardURL    string `yaml:"killboard_url"`
	TimeoutSeconds  int    `yaml:"timeout_seconds"`
	LookbackHours   int    `yaml:"lookback_hours"`
	DefinitionsFile string `yaml:"definitions_file"`
	UserAgent       string `yaml:"user_agent"`
}

// ChannelConfig is a channel in one joined space.
type ChannelConfig struct {
	Guild      string `yaml:"guild"`
	Name       string `yaml:"name"`
	WebhookURL string `yaml:"webhook_url"`
}

type LayoutConfig struct {
	MaxContainerSize   int    `yaml:"max_container_size"`
	MaxFields          int    `yaml:"max_fields"`
	MaxFieldLength     int    `yaml:"max_field_length"`
	MaxTitleLength     int    `yaml:"max_title_length"`
	MaxFieldNameLength int    `yaml:"max_field_name_length"`
	Template           string `yaml:"template"`
}

type DeliveryConfig struct {
	MaxRetries     int     `yaml:"max_retries"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
	RatePerSecond  float64 `yaml:"rate_per_second"`
	Burst          int     `yaml:"burst"`
	Username       string  `yaml:"username"`
}

type StorageConfig struct {
	Backend       string `yaml:"backend"`
	Path          string `yaml:"path"`
	SQLiteFile    string `yaml:"sqlite_file"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisKey      string `yaml:"redis_key"`
}

type ServerConfig struct {
	// Addr is the ops listen address; empty disables the server.
	Addr string `yaml:"addr"`
	// AllowedOrigins feeds both CORS and the websocket origin check.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type RetentionConfig struct {
	Days int `yaml:"days"`
}

// LastKill is the watermark as written in the config file. Older files
// carry just the date string; newer ones a mapping with date, id and uid.
type LastKill struct {
	Date string `yaml:"date"`
	ID   int64  `yaml:"id,omitempty"`
	UID  string `yaml:"uid,omitempty"`
}

// UnmarshalYAML accepts both the plain date string and the mapping form.
func (l *LastKill) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		l.Date = strings.TrimSpace(value.Value)
		return nil
	}
	type plain LastKill
	var p plain
	if err := value.Decode(&p); err != nil {
		return err
	}
	*l = LastKill(p)
	return nil
}

// Watermark converts the configured position. ok is false when no date is
// set.
func (l *LastKill) Watermark() (wm watermark.Watermark, ok bool, err error) {
	if l == nil || strings.TrimSpace(l.Date) == "" {
		return watermark.Watermark{}, false, nil
	}
	date, err := killmail.ParseDate(l.Date)
	if err != nil {
		return watermark.Watermark{}, false, fmt.Errorf("last_kill: %w", err)
	}
	return watermark.Watermark{Date: date, ID: l.ID, UID: l.UID}, true, nil
}

// Load reads a YAML (or JSON) config file at path and merges it with
// defaults. Returns an error if the file cannot be read or contains invalid
// YAML.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.KillmailChannel = strings.TrimPrefix(strings.TrimSpace(cfg.KillmailChannel), "#")

	return cfg, nil
}

// expandPath replaces a leading ~ with the user's home directory.
func expandPath(path string) (string, error) {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolving home directory: %w", err)
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

// ResolvePath returns path, or the expanded default path when path is
// empty.
func ResolvePath(path string) (string, error) {
	if path == "" {
		path = DefaultConfigPath
	}
	return expandPath(path)
}

// LoadOrCreate loads the config from the default path. If the file does
// not exist, it creates the directory structure and writes defaults.
func LoadOrCreate() (*Config, error) {
	path, err := expandPath(DefaultConfigPath)
	if err != nil {
		return nil, err
	}
	return LoadOrCreateAt(path)
}

// LoadOrCreateAt loads the config from the given path. If the file does
// not exist, it creates the directory structure and writes defaults.
func LoadOrCreateAt(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultConfig()

		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating config directory: %w", err)
		}

		data, err := yaml.Marshal(cfg)
		if err != nil {
			return nil, fmt.Errorf("marshaling default config: %w", err)
		}

		// Webhook URLs are credentials.
		if err := os.WriteFile(path, data, 0600); err != nil {
			return nil, fmt.Errorf("writing default config: %w", err)
		}

		return cfg, nil
	}

	return Load(path)
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.KillmailChannel) == "" {
		return errors.New("killmail_channel must not be empty")
	}
	if c.UpdateIntervalSeconds <= 0 {
		return fmt.Errorf("update_interval_seconds must be positive, got %d", c.UpdateIntervalSeconds)
	}
	if c.Feed.TimeoutSeconds < 0 || c.Delivery.TimeoutSeconds < 0 {
		return errors.New("timeouts must not be negative")
	}
	if c.Feed.LookbackHours < 0 {
		return fmt.Errorf("feed.lookback_hours must not be negative, got %d", c.Feed.LookbackHours)
	}
	if _, _, err := c.LastKill.Watermark(); err != nil {
		return err
	}
	if err := c.Limits().Validate(); err != nil {
		return fmt.Errorf("layout: %w", err)
	}
	if _, err := layout.LookupTemplate(c.Layout.Template); err != nil {
		return fmt.Errorf("layout: %w", err)
	}
	if c.Delivery.MaxRetries < 0 {
		return fmt.Errorf("delivery.max_retries must not be negative, got %d", c.Delivery.MaxRetries)
	}
	if c.Delivery.RatePerSecond < 0 || c.Delivery.Burst < 0 {
		return errors.New("delivery rate and burst must not be negative")
	}
	switch c.Storage.Backend {
	case "sqlite":
	case "redis":
		if strings.TrimSpace(c.Storage.RedisAddr) == "" {
			return errors.New("storage.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q (use sqlite or redis)", c.Storage.Backend)
	}
	if _, err := ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown logging format %q (use text or json)", c.Logging.Format)
	}
	if c.Retention.Days < 0 {
		return fmt.Errorf("retention.days must not be negative, got %d", c.Retention.Days)
	}
	return nil
}

// Interval returns the poll period.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.UpdateIntervalSeconds) * time.Second
}

// Lookback returns how far back a fresh installation starts.
func (c *Config) Lookback() time.Duration {
	return time.Duration(c.Feed.LookbackHours) * time.Hour
}

// Seed returns the starting watermark for a store that has none: the
// configured last_kill, or now minus the lookback window.
func (c *Config) Seed(now time.Time) watermark.Watermark {
	if wm, ok, err := c.LastKill.Watermark(); err == nil && ok {
		return wm
	}
	return watermark.Default(now, c.Lookback())
}

// Limits returns the layout limits.
func (c *Config) Limits() layout.Limits {
	return layout.Limits{
		MaxContainerSize:   c.Layout.MaxContainerSize,
		MaxFields:          c.Layout.MaxFields,
		MaxFieldLength:     c.Layout.MaxFieldLength,
		MaxTitleLength:     c.Layout.MaxTitleLength,
		MaxFieldNameLength: c.Layout.MaxFieldNameLength,
	}
}

// Destinations returns the configured channels.
func (c *Config) Destinations() []dispatch.Destination {
	out := make([]dispatch.Destination, 0, len(c.Channels))
	for _, ch := range c.Channels {
		out = append(out, dispatch.Destination{Guild: ch.Guild, Name: ch.Name, WebhookURL: ch.WebhookURL})
	}
	return out
}

// DatabasePath returns the expanded SQLite file path.
func (c *Config) DatabasePath() (string, error) {
	dir, err := expandPath(c.Storage.Path)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, c.Storage.SQLiteFile), nil
}

// ParseLevel maps a level name to a slog level. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}
