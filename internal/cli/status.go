package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/runnerr0/killfeed/internal/dispatch"
	"github.com/runnerr0/killfeed/internal/storage"
)

// statusJSON is the JSON output structure for the status command.
type statusJSON struct {
	Version           string          `json:"version"`
	ConfigPath        string          `json:"config_path"`
	DatabasePath      string          `json:"database_path"`
	DatabaseSizeBytes int64           `json:"database_size_bytes"`
	SchemaVersion     int             `json:"schema_version"`
	WatermarkBackend  string          `json:"watermark_backend"`
	Watermark         *watermarkJSON  `json:"watermark,omitempty"`
	KillmailChannel   string          `json:"killmail_channel"`
	Channels          []string        `json:"channels"`
	IntervalSeconds   int             `json:"interval_seconds"`
	Announcements     int64           `json:"announcements"`
	Deliveries        int64           `json:"deliveries"`
	FailedDeliveries  int64           `json:"failed_deliveries"`
	Overflowed        int64           `json:"overflowed"`
	OldestAnnounced   string          `json:"oldest_announced,omitempty"`
	NewestAnnounced   string          `json:"newest_announced,omitempty"`
	RetentionDays     int             `json:"retention_days"`
	TopZones          []zoneCountJSON `json:"top_zones"`
	ServerRunning     bool            `json:"server_running"`
}

type watermarkJSON struct {
	Date string `json:"date"`
	ID   int64  `json:"id,omitempty"`
	UID  string `json:"uid,omitempty"`
}

type zoneCountJSON struct {
	Zone  string `json:"zone"`
	Count int64  `json:"count"`
}

// Execute implements the go-flags Commander interface for StatusCommand.
func (c *StatusCommand) Execute(args []string) error {
	e, err := openEnv(c.globals)
	if err != nil {
		return err
	}
	defer e.Close()

	return c.executeWithStore(context.Background(), e)
}

// executeWithStore runs status against a provided env (for testing).
func (c *StatusCommand) executeWithStore(ctx context.Context, e *env) error {
	stats, err := e.store.GetStats(ctx)
	if err != nil {
		return fmt.Errorf("get stats: %w", err)
	}

	wm, found, err := e.marks.LoadWatermark(ctx)
	if err != nil {
		return fmt.Errorf("load watermark: %w", err)
	}

	out := statusJSON{
		Version:          c.version,
		ConfigPath:       e.cfgPath,
		DatabasePath:     e.dbPath,
		WatermarkBackend: e.cfg.Storage.Backend,
		KillmailChannel:  e.cfg.KillmailChannel,
		Channels:         []string{},
		IntervalSeconds:  e.cfg.UpdateIntervalSeconds,
		Announcements:    stats.TotalAnnouncements,
		Deliveries:       stats.TotalDeliveries,
		FailedDeliveries: stats.FailedDeliveries,
		Overflowed:       stats.Overflowed,
		RetentionDays:    e.cfg.Retention.Days,
		TopZones:         make([]zoneCountJSON, len(stats.TopZones)),
		ServerRunning:    checkServer(e.cfg.Server.Addr),
	}
	if info, statErr := os.Stat(e.dbPath); statErr == nil {
		out.DatabaseSizeBytes = info.Size()
	}
	if e.db != nil {
		if v, vErr := storage.NewMigrationRunner(e.db).Version(); vErr == nil {
			out.SchemaVersion = v
		}
	}
	if found {
		out.Watermark = &watermarkJSON{Date: wm.Date.UTC().Format(time.RFC3339), ID: wm.ID, UID: wm.UID}
	}
	for _, ch := range dispatch.Resolve(e.cfg.Destinations(), e.cfg.KillmailChannel, func(dispatch.Destination) dispatch.Sink { return nil }) {
		out.Channels = append(out.Channels, ch.String())
	}
	if stats.TotalAnnouncements > 0 {
		out.OldestAnnounced = stats.OldestAnnouncement.UTC().Format(time.RFC3339)
		out.NewestAnnounced = stats.NewestAnnouncement.UTC().Format(time.RFC3339)
	}
	for i, z := range stats.TopZones {
		out.TopZones[i] = zoneCountJSON{Zone: z.Zone, Count: z.Count}
	}

	if c.globals != nil && c.globals.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
	return c.printStatusHuman(out, stats)
}

func (c *StatusCommand) printStatusHuman(out statusJSON, stats *storage.Stats) error {
	fmt.Println("Killfeed Status")
	fmt.Println("===============")
	fmt.Printf("Version:       %s\n", out.Version)
	fmt.Printf("Config:        %s\n", out.ConfigPath)
	fmt.Printf("Database:      %s (%s)\n", out.DatabasePath, formatBytes(out.DatabaseSizeBytes))

	if out.Watermark != nil {
		fmt.Printf("Watermark:     %s [%s]\n", out.Watermark.Date, out.WatermarkBackend)
		if out.Watermark.ID != 0 {
			fmt.Printf("Last kill:     #%d\n", out.Watermark.ID)
		}
	} else {
		fmt.Printf("Watermark:     not set [%s]\n", out.WatermarkBackend)
	}

	fmt.Printf("Channel:       #%s\n", out.KillmailChannel)
	if len(out.Channels) == 0 {
		fmt.Println("Destinations:  none (cycles will be skipped)")
	} else {
		for i, ch := range out.Channels {
			label := "Destinations:"
			if i > 0 {
				label = ""
			}
			fmt.Printf("%-14s %s\n", label, ch)
		}
	}
	fmt.Printf("Interval:      %s\n", formatDurationHuman(time.Duration(out.IntervalSeconds)*time.Second))

	fmt.Println()
	fmt.Printf("Announced:     %s\n", formatNumber(out.Announcements))
	if out.Announcements > 0 {
		pct := float64(out.Overflowed) / float64(out.Announcements) * 100
		fmt.Printf("Overflowed:    %s (%.1f%%)\n", formatNumber(out.Overflowed), pct)
		fmt.Printf("Oldest:        %s\n", stats.OldestAnnouncement.Local().Format("2006-01-02"))
		fmt.Printf("Newest:        %s\n", stats.NewestAnnouncement.Local().Format("2006-01-02"))
	}
	fmt.Printf("Deliveries:    %s (%s failed)\n", formatNumber(out.Deliveries), formatNumber(out.FailedDeliveries))
	fmt.Printf("Retention:     %d days\n", out.RetentionDays)

	if len(out.TopZones) > 0 {
		fmt.Println()
		fmt.Println("Top Zones:")
		for _, z := range out.TopZones {
			fmt.Printf("  %-20s %s\n", z.Zone, formatNumber(z.Count))
		}
	}

	fmt.Println()
	if out.ServerRunning {
		fmt.Println("Server:        running")
	} else {
		fmt.Println("Server:        not running")
	}

	return nil
}

// checkServer reports whether the ops server answers /healthz within one
// second.
func checkServer(addr string) bool {
	if addr == "" {
		return false
	}
	client := &http.Client{Timeout: 1 * time.Second}
	resp, err := client.Get("http://" + addr + "/healthz")
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
