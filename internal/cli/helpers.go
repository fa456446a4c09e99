package cli

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/runnerr0/killfeed/internal/config"
	"github.com/runnerr0/killfeed/internal/killmail"
	"github.com/runnerr0/killfeed/internal/storage"
	"github.com/runnerr0/killfeed/internal/watermark"
)

// watermarkStore is the watermark backend as the admin commands see it.
// Both the SQLite store and the Redis store satisfy it.
type watermarkStore interface {
	watermark.Store
	ResetWatermark(ctx context.Context, wm watermark.Watermark) error
	ClearWatermark(ctx context.Context) error
}

// env is everything a command needs once the config is loaded.
type env struct {
	cfg     *config.Config
	cfgPath string
	dbPath  string
	db      *sql.DB
	store   *storage.SQLiteStore
	marks   watermarkStore
	logger  *slog.Logger
	closers []func() error
}

// Close releases the stores in reverse order of opening.
func (e *env) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		_ = e.closers[i]()
	}
}

// loadConfig resolves, loads (creating defaults if missing) and validates
// the config file.
func loadConfig(globals *GlobalFlags) (*config.Config, string, error) {
	var path string
	if globals != nil {
		path = globals.Config
	}
	path, err := config.ResolvePath(path)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.LoadOrCreateAt(path)
	if err != nil {
		return nil, "", err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, path, nil
}

// newLogger builds the process logger from the logging section. --verbose
// forces debug.
func newLogger(cfg *config.Config, verbose bool, w io.Writer) (*slog.Logger, error) {
	level, err := config.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.EqualFold(cfg.Logging.Format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler), nil
}

// openEnv loads the config, sets up logging and opens the history database
// and the configured watermark backend.
func openEnv(globals *GlobalFlags) (*env, error) {
	cfg, cfgPath, err := loadConfig(globals)
	if err != nil {
		return nil, err
	}

	logger, err := newLogger(cfg, globals != nil && globals.Verbose, os.Stderr)
	if err != nil {
		return nil, err
	}

	dbPath, err := cfg.DatabasePath()
	if err != nil {
		return nil, err
	}
	store, db, err := storage.Open(dbPath)
	if err != nil {
		return nil, err
	}

	e := &env{
		cfg:     cfg,
		cfgPath: cfgPath,
		dbPath:  dbPath,
		db:      db,
		store:   store,
		marks:   store,
		logger:  logger,
		closers: []func() error{db.Close, store.Close},
	}

	if cfg.Storage.Backend == "redis" {
		rs := watermark.NewRedisStore(cfg.Storage.RedisAddr, cfg.Storage.RedisPassword, cfg.Storage.RedisDB, cfg.Storage.RedisKey)
		e.marks = rs
		e.closers = append(e.closers, rs.Close)
	}

	logger.Debug("environment ready", "config", cfgPath, "database", dbPath, "watermark_backend", cfg.Storage.Backend)
	return e, nil
}

// parseDuration parses a human-friendly duration string like "30d", "7d", "24h", "2w".
// Anything time.ParseDuration accepts (e.g. "90s", "1h30m") works too.
func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, fmt.Errorf("invalid duration: empty string")
	}

	if len(s) < 2 {
		return 0, fmt.Errorf("invalid duration: %q", s)
	}

	suffix := s[len(s)-1]
	numStr := s[:len(s)-1]

	n, err := strconv.Atoi(numStr)
	if err != nil {
		if d, stdErr := time.ParseDuration(s); stdErr == nil && d > 0 {
			return d, nil
		}
		return 0, fmt.Errorf("invalid duration: %q", s)
	}
	if n < 0 {
		return 0, fmt.Errorf("invalid duration: %q", s)
	}

	switch suffix {
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'w':
		return time.Duration(n) * 7 * 24 * time.Hour, nil
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 's':
		return time.Duration(n) * time.Second, nil
	default:
		return 0, fmt.Errorf("invalid duration: %q (use s, m, h, d or w suffix)", s)
	}
}

// formatDurationHuman formats a duration into a human-readable string like "30 days".
func formatDurationHuman(d time.Duration) string {
	days := int(d.Hours() / 24)
	if days > 0 {
		if days == 1 {
			return "1 day"
		}
		return fmt.Sprintf("%d days", days)
	}
	hours := int(d.Hours())
	if hours > 0 {
		if hours == 1 {
			return "1 hour"
		}
		return fmt.Sprintf("%d hours", hours)
	}
	return d.String()
}

// formatNumber formats an int64 with comma separators.
func formatNumber(n int64) string {
	if n < 0 {
		return "-" + formatNumber(-n)
	}
	s := strconv.FormatInt(n, 10)
	if len(s) <= 3 {
		return s
	}

	var result strings.Builder
	remainder := len(s) % 3
	if remainder > 0 {
		result.WriteString(s[:remainder])
	}
	for i := remainder; i < len(s); i += 3 {
		if i > 0 {
			result.WriteString(",")
		}
		result.WriteString(s[i : i+3])
	}
	return result.String()
}

// formatBytes formats a byte count into a human-readable string.
func formatBytes(b int64) string {
	switch {
	case b >= 1<<30:
		return fmt.Sprintf("%.1f GB", float64(b)/float64(1<<30))
	case b >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(b)/float64(1<<20))
	case b >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(b)/float64(1<<10))
	default:
		return fmt.Sprintf("%d B", b)
	}
}

// formatWatermark renders a watermark the way the config file stores it.
func formatWatermark(wm watermark.Watermark) string {
	if wm.Date.IsZero() {
		return "(none)"
	}
	s := wm.Date.UTC().Format(killmail.DateLayout)
	if wm.ID != 0 {
		s += fmt.Sprintf(" (kill #%d)", wm.ID)
	}
	return s
}
