package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/runnerr0/killfeed/internal/config"
	"github.com/runnerr0/killfeed/internal/dispatch"
	"github.com/runnerr0/killfeed/internal/killmail"
	"github.com/runnerr0/killfeed/internal/layout"
)

// previewJSON is one packed killmail in preview output.
type previewJSON struct {
	KillID     int64              `json:"kill_id"`
	Date       string             `json:"date"`
	Containers []layout.Container `json:"containers,omitempty"`
	Payloads   []json.RawMessage  `json:"payloads,omitempty"`
}

// Execute implements the go-flags Commander interface for PreviewCommand.
// Preview never opens the database: it neither reads nor moves the
// watermark.
func (c *PreviewCommand) Execute(args []string) error {
	if c.Limit <= 0 {
		return fmt.Errorf("--limit must be positive")
	}

	cfg, _, err := loadConfig(c.globals)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg, c.globals != nil && c.globals.Verbose, os.Stderr)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	return c.executeWithConfig(ctx, cfg, logger)
}

// executeWithConfig packs and prints killmails using cfg.
func (c *PreviewCommand) executeWithConfig(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	kills, err := c.loadKills(ctx, cfg, logger)
	if err != nil {
		return err
	}

	packer, err := newPacker(cfg)
	if err != nil {
		return err
	}

	var selected []killmail.Killmail
	for _, k := range kills {
		if c.KillID != 0 && k.ID != c.KillID {
			continue
		}
		selected = append(selected, k)
		if len(selected) == c.Limit {
			break
		}
	}
	if c.KillID != 0 && len(selected) == 0 {
		return fmt.Errorf("kill %d not found in feed", c.KillID)
	}

	// The payload renderer needs no URL: it never posts.
	sink := dispatch.NewWebhookSink("", "preview", newWebhookOptions(cfg, nil))

	out := make([]previewJSON, 0, len(selected))
	for _, k := range selected {
		p := previewJSON{KillID: k.ID, Date: k.Date.UTC().Format(killmail.DateLayout)}
		containers := packer.Pack(k)
		if c.Payload {
			for _, ct := range containers {
				raw, err := sink.Payload(ct)
				if err != nil {
					return fmt.Errorf("render payload for kill %d: %w", k.ID, err)
				}
				p.Payloads = append(p.Payloads, raw)
			}
		} else {
			p.Containers = containers
		}
		out = append(out, p)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func (c *PreviewCommand) loadKills(ctx context.Context, cfg *config.Config, logger *slog.Logger) ([]killmail.Killmail, error) {
	if c.File == "" {
		return newFeedClient(cfg, logger).Fetch(ctx)
	}
	data, err := os.ReadFile(c.File)
	if err != nil {
		return nil, fmt.Errorf("read feed file: %w", err)
	}
	return killmail.ParseFeed(data, logger)
}
