package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/runnerr0/killfeed/internal/killmail"
	"github.com/runnerr0/killfeed/internal/storage"
)

// historyJSON is one row of history output.
type historyJSON struct {
	ID          string `json:"id"`
	KillID      int64  `json:"kill_id"`
	KillDate    string `json:"kill_date"`
	Victim      string `json:"victim"`
	Corporation string `json:"corporation"`
	Robot       string `json:"robot"`
	Zone        string `json:"zone"`
	Attackers   int    `json:"attackers"`
	Omitted     int    `json:"omitted"`
	AnnouncedAt string `json:"announced_at"`
}

// Execute implements the go-flags Commander interface for HistoryCommand.
func (c *HistoryCommand) Execute(args []string) error {
	if c.Limit <= 0 {
		return fmt.Errorf("--limit must be positive")
	}
	if c.Offset < 0 {
		return fmt.Errorf("--offset must not be negative")
	}

	e, err := openEnv(c.globals)
	if err != nil {
		return err
	}
	defer e.Close()

	return c.executeWithStore(context.Background(), e, args)
}

// executeWithStore searches the history with the words in args.
func (c *HistoryCommand) executeWithStore(ctx context.Context, e *env, args []string) error {
	q := storage.SearchQuery{
		Query:  strings.Join(args, " "),
		Limit:  c.Limit,
		Offset: c.Offset,
	}

	now := time.Now().UTC()
	if c.Since != "" {
		d, err := parseDuration(c.Since)
		if err != nil {
			return fmt.Errorf("invalid --since: %w", err)
		}
		q.Since = now.Add(-d)
	}
	if c.Until != "" {
		d, err := parseDuration(c.Until)
		if err != nil {
			return fmt.Errorf("invalid --until: %w", err)
		}
		q.Until = now.Add(-d)
	}

	rows, err := e.store.SearchAnnouncements(ctx, q)
	if err != nil {
		return fmt.Errorf("search history: %w", err)
	}

	if c.globals != nil && c.globals.JSON {
		out := make([]historyJSON, len(rows))
		for i, a := range rows {
			out[i] = historyJSON{
				ID:          a.ID,
				KillID:      a.KillID,
				KillDate:    a.KillDate.UTC().Format(time.RFC3339),
				Victim:      a.Victim,
				Corporation: a.Corporation,
				Robot:       a.Robot,
				Zone:        a.Zone,
				Attackers:   a.Attackers,
				Omitted:     a.Omitted,
				AnnouncedAt: a.AnnouncedAt.UTC().Format(time.RFC3339),
			}
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	if len(rows) == 0 {
		fmt.Println("No announcements found.")
		return nil
	}

	for _, a := range rows {
		line := fmt.Sprintf("#%-8d %s  %s [%s] lost a %s in %s, %d attackers",
			a.KillID,
			a.KillDate.UTC().Format(killmail.DateLayout),
			orDash(a.Victim), orDash(a.Corporation), orDash(a.Robot), orDash(a.Zone),
			a.Attackers,
		)
		if a.Omitted > 0 {
			line += fmt.Sprintf(" (%d not shown)", a.Omitted)
		}
		fmt.Println(line)
	}
	if len(rows) == c.Limit {
		fmt.Printf("\nShowing %d results; use --offset %d for more.\n", len(rows), c.Offset+len(rows))
	}
	return nil
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
