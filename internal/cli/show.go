package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/runnerr0/killfeed/internal/layout"
	"github.com/runnerr0/killfeed/internal/storage"
)

// showJSON is the JSON output of the show command.
type showJSON struct {
	historyJSON
	UID        string             `json:"uid,omitempty"`
	Fields     int                `json:"fields"`
	CycleID    string             `json:"cycle_id"`
	Containers []layout.Container `json:"containers"`
	Deliveries []deliveryJSON     `json:"deliveries"`
}

type deliveryJSON struct {
	Channel     string `json:"channel"`
	Sent        int    `json:"sent"`
	Error       string `json:"error,omitempty"`
	DurationMS  int64  `json:"duration_ms"`
	DeliveredAt string `json:"delivered_at"`
}

// Execute implements the go-flags Commander interface for ShowCommand.
func (c *ShowCommand) Execute(args []string) error {
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("--id is required")
	}
	switch c.Format {
	case "text", "json", "payload":
	default:
		return fmt.Errorf("invalid --format %q (use text, json or payload)", c.Format)
	}

	e, err := openEnv(c.globals)
	if err != nil {
		return err
	}
	defer e.Close()

	return c.executeWithStore(context.Background(), e)
}

// lookup finds the announcement by kill id or announcement id.
func (c *ShowCommand) lookup(ctx context.Context, store *storage.SQLiteStore) (*storage.Announcement, error) {
	id := strings.TrimPrefix(strings.TrimSpace(c.ID), "#")
	if killID, err := strconv.ParseInt(id, 10, 64); err == nil {
		return store.GetAnnouncementByKill(ctx, killID)
	}
	return store.GetAnnouncement(ctx, id)
}

// executeWithStore prints the announcement with its deliveries.
func (c *ShowCommand) executeWithStore(ctx context.Context, e *env) error {
	a, err := c.lookup(ctx, e.store)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("announcement %s not found", c.ID)
	}
	if err != nil {
		return err
	}

	deliveries, err := e.store.ListDeliveries(ctx, a.ID)
	if err != nil {
		return err
	}

	var containers []layout.Container
	if a.Payload != "" {
		if err := json.Unmarshal([]byte(a.Payload), &containers); err != nil {
			return fmt.Errorf("decode stored containers: %w", err)
		}
	}

	format := c.Format
	if c.globals != nil && c.globals.JSON {
		format = "json"
	}

	switch format {
	case "payload":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(containers)
	case "json":
		out := showJSON{
			historyJSON: historyJSON{
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
			},
			UID:        a.UID,
			Fields:     a.Fields,
			CycleID:    a.CycleID,
			Containers: containers,
			Deliveries: make([]deliveryJSON, len(deliveries)),
		}
		for i, d := range deliveries {
			out.Deliveries[i] = deliveryJSON{
				Channel:     d.Channel,
				Sent:        d.Sent,
				Error:       d.Error,
				DurationMS:  d.Duration.Milliseconds(),
				DeliveredAt: d.DeliveredAt.UTC().Format(time.RFC3339),
			}
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	fmt.Printf("Kill #%d (%s)\n", a.KillID, a.ID)
	fmt.Println(strings.Repeat("=", 40))
	fmt.Printf("Date:        %s\n", a.KillDate.UTC().Format(time.RFC3339))
	fmt.Printf("Victim:      %s\n", orDash(a.Victim))
	fmt.Printf("Corporation: %s\n", orDash(a.Corporation))
	fmt.Printf("Robot:       %s\n", orDash(a.Robot))
	fmt.Printf("Zone:        %s\n", orDash(a.Zone))
	fmt.Printf("Attackers:   %d", a.Attackers)
	if a.Omitted > 0 {
		fmt.Printf(" (%d not shown)", a.Omitted)
	}
	fmt.Println()
	fmt.Printf("Announced:   %s\n", a.AnnouncedAt.Local().Format("2006-01-02 15:04:05"))

	fmt.Println()
	if len(deliveries) == 0 {
		fmt.Println("No deliveries recorded.")
	}
	for _, d := range deliveries {
		if d.Failed() {
			fmt.Printf("  %-24s FAILED after %d sent: %s\n", d.Channel, d.Sent, d.Error)
			continue
		}
		fmt.Printf("  %-24s ok (%d sent, %s)\n", d.Channel, d.Sent, d.Duration.Round(time.Millisecond))
	}

	for i, ct := range containers {
		fmt.Println()
		fmt.Printf("--- container %d/%d: %s\n", i+1, len(containers), ct.Title)
		for _, f := range ct.Fields {
			fmt.Printf("[%s]\n%s\n", f.Name, f.Value)
		}
	}
	return nil
}
