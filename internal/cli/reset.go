package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/runnerr0/killfeed/internal/watermark"
)

// Execute implements the go-flags Commander interface for ResetCommand.
func (c *ResetCommand) Execute(args []string) error {
	if err := c.validate(); err != nil {
		return err
	}

	e, err := openEnv(c.globals)
	if err != nil {
		return err
	}
	defer e.Close()

	return c.executeWithStore(context.Background(), e, os.Stdin)
}

func (c *ResetCommand) validate() error {
	switch {
	case c.All && c.Since != "":
		return fmt.Errorf("--all and --since cannot be combined")
	case !c.All && c.Since == "":
		return fmt.Errorf("reset requires --since <duration> or --all")
	}
	return nil
}

// executeWithStore rewinds or clears the watermark. in supplies the
// confirmation answer for --all without --force.
func (c *ResetCommand) executeWithStore(ctx context.Context, e *env, in io.Reader) error {
	if err := c.validate(); err != nil {
		return err
	}
	if c.All {
		return c.resetAll(ctx, e, in)
	}

	d, err := parseDuration(c.Since)
	if err != nil {
		return fmt.Errorf("invalid --since: %w", err)
	}
	wm := watermark.Watermark{Date: time.Now().UTC().Add(-d)}
	if err := e.marks.ResetWatermark(ctx, wm); err != nil {
		return fmt.Errorf("reset watermark: %w", err)
	}
	e.logger.Info("watermark rewound", "date", wm.Date.Format(time.RFC3339))

	if c.globals != nil && c.globals.JSON {
		return json.NewEncoder(os.Stdout).Encode(map[string]any{
			"reset":     true,
			"watermark": wm.Date.Format(time.RFC3339),
		})
	}
	fmt.Printf("Watermark rewound to %s. Killmails since then will be announced again.\n", formatWatermark(wm))
	return nil
}

func (c *ResetCommand) resetAll(ctx context.Context, e *env, in io.Reader) error {
	if !c.Force {
		fmt.Println("⚠ WARNING: This will permanently delete ALL killfeed state.")
		fmt.Println("  - The watermark")
		fmt.Println("  - All announcement history")
		fmt.Println("  - All delivery records")
		fmt.Println()
		fmt.Println("The next cycle starts from the configured lookback window.")
		fmt.Println()
		fmt.Print(`Type "RESET" to confirm: `)

		scanner := bufio.NewScanner(in)
		if !scanner.Scan() {
			return fmt.Errorf("aborted: no input received")
		}
		if strings.TrimSpace(scanner.Text()) != "RESET" {
			return fmt.Errorf("aborted: confirmation text did not match")
		}
	}

	if err := e.store.PurgeAll(ctx); err != nil {
		return fmt.Errorf("purge failed: %w", err)
	}
	if err := e.marks.ClearWatermark(ctx); err != nil {
		return fmt.Errorf("clear watermark: %w", err)
	}
	e.logger.Info("all state deleted")

	if c.globals != nil && c.globals.JSON {
		return json.NewEncoder(os.Stdout).Encode(map[string]any{
			"purged":  true,
			"message": "all data deleted",
		})
	}
	fmt.Println("Deleted the watermark and all history.")
	return nil
}
