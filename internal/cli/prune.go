package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Execute implements the go-flags Commander interface for PruneCommand.
func (c *PruneCommand) Execute(args []string) error {
	e, err := openEnv(c.globals)
	if err != nil {
		return err
	}
	defer e.Close()

	return c.executeWithStore(context.Background(), e)
}

// executeWithStore prunes (or counts, with --dry-run) expired history.
func (c *PruneCommand) executeWithStore(ctx context.Context, e *env) error {
	retention := time.Duration(e.cfg.Retention.Days) * 24 * time.Hour
	if c.OlderThan != "" {
		d, err := parseDuration(c.OlderThan)
		if err != nil {
			return fmt.Errorf("invalid --older-than: %w", err)
		}
		retention = d
	}
	if retention <= 0 {
		return fmt.Errorf("retention is disabled (retention.days is 0); pass --older-than to prune")
	}

	cutoff := time.Now().UTC().Add(-retention)

	var n int64
	var err error
	if c.DryRun {
		n, err = e.store.CountExpired(ctx, cutoff)
	} else {
		n, err = e.store.PruneExpired(ctx, cutoff)
	}
	if err != nil {
		return err
	}

	if !c.DryRun {
		e.logger.Info("pruned history", "announcements", n, "older_than", retention)
	}

	if c.globals != nil && c.globals.JSON {
		out := map[string]any{
			"pruned":     n,
			"dry_run":    c.DryRun,
			"older_than": formatDurationHuman(retention),
			"cutoff":     cutoff.Format(time.RFC3339),
		}
		return json.NewEncoder(os.Stdout).Encode(out)
	}

	if c.DryRun {
		fmt.Printf("Would prune %s announcements older than %s.\n", formatNumber(n), formatDurationHuman(retention))
		return nil
	}
	fmt.Printf("Pruned %s announcements older than %s.\n", formatNumber(n), formatDurationHuman(retention))
	return nil
}
