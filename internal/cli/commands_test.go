package cli

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runnerr0/killfeed/internal/storage"
	"github.com/runnerr0/killfeed/internal/watermark"
)

func runOnce(t *testing.T, e *env) string {
	t.Helper()
	cmd := &OnceCommand{globals: &GlobalFlags{}, version: "test"}
	return captureOutput(t, func() {
		require.NoError(t, cmd.executeWithStore(context.Background(), e))
	})
}

// --- once ---

func TestOnce_AnnouncesAndAdvancesWatermark(t *testing.T) {
	cfg, hook := newTestConfig(t, sampleFeed)
	e := newTestEnv(t, cfg)

	output := runOnce(t, e)
	assert.Contains(t, output, "Fetched 2 killmails, 2 new, 2 announced.")
	assert.Contains(t, output, "Watermark: 2024-03-01 12:30:00 (kill #502)")
	assert.Equal(t, 2, hook.count(), "one container per killmail to the one matching channel")

	wm, found, err := e.store.LoadWatermark(context.Background())
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(502), wm.ID)

	a, err := e.store.GetAnnouncementByKill(context.Background(), 501)
	require.NoError(t, err)
	assert.Equal(t, "Tam", a.Victim)

	// Nothing new the second time round.
	output = runOnce(t, e)
	assert.Contains(t, output, "0 new, 0 announced")
	assert.Equal(t, 2, hook.count())
}

func TestOnce_SkipsWithoutMatchingChannel(t *testing.T) {
	cfg, hook := newTestConfig(t, sampleFeed)
	cfg.KillmailChannel = "nowhere"
	e := newTestEnv(t, cfg)

	output := runOnce(t, e)
	assert.Contains(t, output, "Skipped: no channel named #nowhere")
	assert.Zero(t, hook.count())

	_, found, err := e.store.LoadWatermark(context.Background())
	require.NoError(t, err)
	assert.False(t, found)
}

func TestOnce_FetchFailureKeepsWatermark(t *testing.T) {
	cfg, hook := newTestConfig(t, `<html>down for maintenance</html>`)
	e := newTestEnv(t, cfg)

	cmd := &OnceCommand{globals: &GlobalFlags{}, version: "test"}
	var err error
	captureOutput(t, func() {
		err = cmd.executeWithStore(context.Background(), e)
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fetch killmails")
	assert.Zero(t, hook.count())

	_, found, loadErr := e.store.LoadWatermark(context.Background())
	require.NoError(t, loadErr)
	assert.False(t, found)
}

func TestOnce_JSON(t *testing.T) {
	cfg, _ := newTestConfig(t, sampleFeed)
	e := newTestEnv(t, cfg)

	cmd := &OnceCommand{globals: &GlobalFlags{JSON: true}, version: "test"}
	output := captureOutput(t, func() {
		require.NoError(t, cmd.executeWithStore(context.Background(), e))
	})

	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(output), &out))
	assert.Equal(t, float64(2), out["announced"])
	assert.NotEmpty(t, out["cycle_id"])
	assert.Contains(t, out["watermark"], "kill #502")
}

// --- run ---

func TestRun_PollsAndServesUntilCancelled(t *testing.T) {
	cfg, hook := newTestConfig(t, sampleFeed)
	e := newTestEnv(t, cfg)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	cmd := &RunCommand{globals: &GlobalFlags{}, version: "test", Interval: "1h", Addr: addr}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- cmd.executeWithStore(ctx, e) }()

	require.Eventually(t, func() bool { return hook.count() == 2 }, 5*time.Second, 20*time.Millisecond)

	// The snapshot is published once the cycle has saved the watermark.
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/status")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var status struct {
			Poll *struct {
				WatermarkID int64 `json:"watermark_id"`
				Announced   int   `json:"announced"`
			} `json:"poll"`
		}
		if json.NewDecoder(resp.Body).Decode(&status) != nil || status.Poll == nil {
			return false
		}
		return status.Poll.WatermarkID == 502 && status.Poll.Announced == 2
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not stop")
	}
}

func TestRun_RejectsBadInterval(t *testing.T) {
	cfg, _ := newTestConfig(t, sampleFeed)
	e := newTestEnv(t, cfg)

	cmd := &RunCommand{globals: &GlobalFlags{}, Interval: "soon", NoServer: true}
	err := cmd.executeWithStore(context.Background(), e)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid --interval")
}

// --- preview ---

func writeFeedFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "feed.json")
	require.NoError(t, os.WriteFile(path, []byte(sampleFeed), 0644))
	return path
}

func TestPreview_FromFile(t *testing.T) {
	cfg, hook := newTestConfig(t, sampleFeed)
	cmd := &PreviewCommand{globals: &GlobalFlags{}, File: writeFeedFile(t), Limit: 5}

	output := captureOutput(t, func() {
		require.NoError(t, cmd.executeWithConfig(context.Background(), cfg, slog.New(slog.DiscardHandler)))
	})

	var out []previewJSON
	require.NoError(t, json.Unmarshal([]byte(output), &out))
	require.Len(t, out, 2)
	assert.Equal(t, int64(502), out[0].KillID)
	require.Len(t, out[0].Containers, 1)
	assert.Equal(t, 2, out[0].Containers[0].Attackers)
	assert.Contains(t, out[1].Containers[0].Fields[len(out[1].Containers[0].Fields)-1].Value, "Attacker data unavailable")
	assert.Zero(t, hook.count(), "preview never sends")
}

func TestPreview_SingleKillAsPayload(t *testing.T) {
	cfg, _ := newTestConfig(t, sampleFeed)
	cmd := &PreviewCommand{globals: &GlobalFlags{}, File: writeFeedFile(t), Limit: 5, KillID: 501, Payload: true}

	output := captureOutput(t, func() {
		require.NoError(t, cmd.executeWithConfig(context.Background(), cfg, slog.New(slog.DiscardHandler)))
	})

	var out []previewJSON
	require.NoError(t, json.Unmarshal([]byte(output), &out))
	require.Len(t, out, 1)
	require.Len(t, out[0].Payloads, 1)
	assert.Contains(t, string(out[0].Payloads[0]), `"embeds"`)
	assert.Contains(t, string(out[0].Payloads[0]), `"username":"Killfeed"`)
}

func TestPreview_FetchesFeed(t *testing.T) {
	cfg, _ := newTestConfig(t, sampleFeed)
	cmd := &PreviewCommand{globals: &GlobalFlags{}, Limit: 1}

	output := captureOutput(t, func() {
		require.NoError(t, cmd.executeWithConfig(context.Background(), cfg, slog.New(slog.DiscardHandler)))
	})
	var out []previewJSON
	require.NoError(t, json.Unmarshal([]byte(output), &out))
	assert.Len(t, out, 1)
}

func TestPreview_UnknownKill(t *testing.T) {
	cfg, _ := newTestConfig(t, sampleFeed)
	cmd := &PreviewCommand{globals: &GlobalFlags{}, File: writeFeedFile(t), Limit: 5, KillID: 1}

	err := cmd.executeWithConfig(context.Background(), cfg, slog.New(slog.DiscardHandler))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kill 1 not found")
}

// --- status ---

func TestStatus_Human(t *testing.T) {
	cfg, _ := newTestConfig(t, sampleFeed)
	e := newTestEnv(t, cfg)
	runOnce(t, e)

	cmd := &StatusCommand{globals: &GlobalFlags{}, version: "0.3.0"}
	output := captureOutput(t, func() {
		require.NoError(t, cmd.executeWithStore(context.Background(), e))
	})

	assert.Contains(t, output, "Killfeed Status")
	assert.Contains(t, output, "Version:       0.3.0")
	assert.Contains(t, output, "Last kill:     #502")
	assert.Contains(t, output, "Alpha/#op-general")
	assert.Contains(t, output, "Announced:     2")
	assert.Contains(t, output, "Hokk")
	assert.Contains(t, output, "Server:        not running")
}

func TestStatus_JSON(t *testing.T) {
	cfg, _ := newTestConfig(t, sampleFeed)
	e := newTestEnv(t, cfg)
	runOnce(t, e)

	cmd := &StatusCommand{globals: &GlobalFlags{JSON: true}, version: "test"}
	output := captureOutput(t, func() {
		require.NoError(t, cmd.executeWithStore(context.Background(), e))
	})

	var out statusJSON
	require.NoError(t, json.Unmarshal([]byte(output), &out))
	require.NotNil(t, out.Watermark)
	assert.Equal(t, int64(502), out.Watermark.ID)
	assert.Equal(t, "f3a9", out.Watermark.UID)
	assert.Equal(t, int64(2), out.Announcements)
	assert.Equal(t, int64(2), out.Deliveries)
	assert.Equal(t, []string{"Alpha/#op-general"}, out.Channels)
	assert.Equal(t, 1, out.SchemaVersion)
	assert.Equal(t, "sqlite", out.WatermarkBackend)
}

func TestStatus_EmptyDatabase(t *testing.T) {
	cfg, _ := newTestConfig(t, sampleFeed)
	e := newTestEnv(t, cfg)

	cmd := &StatusCommand{globals: &GlobalFlags{}, version: "test"}
	output := captureOutput(t, func() {
		require.NoError(t, cmd.executeWithStore(context.Background(), e))
	})
	assert.Contains(t, output, "Watermark:     not set [sqlite]")
	assert.Contains(t, output, "Announced:     0")
}

// --- history / show ---

func TestHistory_SearchesByName(t *testing.T) {
	cfg, _ := newTestConfig(t, sampleFeed)
	e := newTestEnv(t, cfg)
	runOnce(t, e)

	// The sample kills are old; widen the window.
	cmd := &HistoryCommand{globals: &GlobalFlags{}, Since: "", Limit: 20}
	output := captureOutput(t, func() {
		require.NoError(t, cmd.executeWithStore(context.Background(), e, []string{"outer", "rim"}))
	})
	assert.Contains(t, output, "#502")
	assert.Contains(t, output, "Nyx [Outer Rim Salvage]")
	assert.NotContains(t, output, "#501")
}

func TestHistory_DefaultWindowExcludesOldKills(t *testing.T) {
	cfg, _ := newTestConfig(t, sampleFeed)
	e := newTestEnv(t, cfg)
	runOnce(t, e)

	cmd := &HistoryCommand{globals: &GlobalFlags{}, Since: "7d", Limit: 20}
	output := captureOutput(t, func() {
		require.NoError(t, cmd.executeWithStore(context.Background(), e, nil))
	})
	assert.Contains(t, output, "No announcements found.")
}

func TestHistory_JSON(t *testing.T) {
	cfg, _ := newTestConfig(t, sampleFeed)
	e := newTestEnv(t, cfg)
	runOnce(t, e)

	cmd := &HistoryCommand{globals: &GlobalFlags{JSON: true}, Limit: 1}
	output := captureOutput(t, func() {
		require.NoError(t, cmd.executeWithStore(context.Background(), e, nil))
	})
	var out []historyJSON
	require.NoError(t, json.Unmarshal([]byte(output), &out))
	require.Len(t, out, 1)
	assert.Equal(t, int64(502), out[0].KillID, "newest kill first")
}

func TestShow_ByKillID(t *testing.T) {
	cfg, _ := newTestConfig(t, sampleFeed)
	e := newTestEnv(t, cfg)
	runOnce(t, e)

	cmd := &ShowCommand{globals: &GlobalFlags{}, ID: "#502", Format: "text"}
	output := captureOutput(t, func() {
		require.NoError(t, cmd.executeWithStore(context.Background(), e))
	})
	assert.Contains(t, output, "Kill #502")
	assert.Contains(t, output, "Victim:      Nyx")
	assert.Contains(t, output, "Alpha/#op-general")
	assert.Contains(t, output, "ok (1 sent")
	assert.Contains(t, output, "[Attackers]")
}

func TestShow_ByAnnouncementIDAsJSON(t *testing.T) {
	cfg, _ := newTestConfig(t, sampleFeed)
	e := newTestEnv(t, cfg)
	runOnce(t, e)

	a, err := e.store.GetAnnouncementByKill(context.Background(), 501)
	require.NoError(t, err)

	cmd := &ShowCommand{globals: &GlobalFlags{}, ID: a.ID, Format: "json"}
	output := captureOutput(t, func() {
		require.NoError(t, cmd.executeWithStore(context.Background(), e))
	})

	var out showJSON
	require.NoError(t, json.Unmarshal([]byte(output), &out))
	assert.Equal(t, int64(501), out.KillID)
	require.Len(t, out.Deliveries, 1)
	assert.Equal(t, 1, out.Deliveries[0].Sent)
	require.Len(t, out.Containers, 1)
}

func TestShow_NotFound(t *testing.T) {
	cfg, _ := newTestConfig(t, sampleFeed)
	e := newTestEnv(t, cfg)

	cmd := &ShowCommand{globals: &GlobalFlags{}, ID: "999", Format: "text"}
	err := cmd.executeWithStore(context.Background(), e)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

// --- prune ---

func seedAnnouncement(t *testing.T, e *env, killID int64, announcedAt time.Time) {
	t.Helper()
	require.NoError(t, e.store.RecordAnnouncement(context.Background(), &storage.Announcement{
		KillID:      killID,
		KillDate:    announcedAt,
		Victim:      "Someone",
		Zone:        "Hokk",
		AnnouncedAt: announcedAt,
	}, []storage.Delivery{{Channel: "Alpha/#op-general", Sent: 1}}))
}

func TestPrune_DryRunKeepsRows(t *testing.T) {
	cfg, _ := newTestConfig(t, sampleFeed)
	e := newTestEnv(t, cfg)
	now := time.Now()
	seedAnnouncement(t, e, 1, now.Add(-60*24*time.Hour))
	seedAnnouncement(t, e, 2, now.Add(-time.Hour))

	cmd := &PruneCommand{globals: &GlobalFlags{}, DryRun: true}
	output := captureOutput(t, func() {
		require.NoError(t, cmd.executeWithStore(context.Background(), e))
	})
	assert.Contains(t, output, "Would prune 1 announcements older than 30 days.")

	stats, err := e.store.GetStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalAnnouncements)
}

func TestPrune_DeletesExpired(t *testing.T) {
	cfg, _ := newTestConfig(t, sampleFeed)
	e := newTestEnv(t, cfg)
	now := time.Now()
	seedAnnouncement(t, e, 1, now.Add(-10*24*time.Hour))
	seedAnnouncement(t, e, 2, now.Add(-time.Hour))

	cmd := &PruneCommand{globals: &GlobalFlags{}, OlderThan: "7d"}
	output := captureOutput(t, func() {
		require.NoError(t, cmd.executeWithStore(context.Background(), e))
	})
	assert.Contains(t, output, "Pruned 1 announcements older than 7 days.")

	stats, err := e.store.GetStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalAnnouncements)
	assert.Equal(t, int64(1), stats.TotalDeliveries, "deliveries cascade")
}

func TestPrune_DisabledRetention(t *testing.T) {
	cfg, _ := newTestConfig(t, sampleFeed)
	cfg.Retention.Days = 0
	e := newTestEnv(t, cfg)

	err := (&PruneCommand{globals: &GlobalFlags{}}).executeWithStore(context.Background(), e)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retention is disabled")
}

// --- reset ---

func TestReset_SinceRewindsWatermark(t *testing.T) {
	cfg, _ := newTestConfig(t, sampleFeed)
	e := newTestEnv(t, cfg)
	ctx := context.Background()
	require.NoError(t, e.store.SaveWatermark(ctx, watermark.Watermark{Date: time.Now().UTC(), ID: 900}))

	cmd := &ResetCommand{globals: &GlobalFlags{}, Since: "24h"}
	output := captureOutput(t, func() {
		require.NoError(t, cmd.executeWithStore(ctx, e, strings.NewReader("")))
	})
	assert.Contains(t, output, "Watermark rewound to")

	wm, found, err := e.store.LoadWatermark(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Zero(t, wm.ID)
	assert.WithinDuration(t, time.Now().Add(-24*time.Hour), wm.Date, time.Minute)
}

func TestReset_AllWithConfirmation(t *testing.T) {
	cfg, _ := newTestConfig(t, sampleFeed)
	e := newTestEnv(t, cfg)
	runOnce(t, e)

	cmd := &ResetCommand{globals: &GlobalFlags{}, All: true}
	output := captureOutput(t, func() {
		require.NoError(t, cmd.executeWithStore(context.Background(), e, strings.NewReader("RESET\n")))
	})
	assert.Contains(t, output, `Type "RESET" to confirm`)
	assert.Contains(t, output, "Deleted the watermark and all history.")

	stats, err := e.store.GetStats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.TotalAnnouncements)
	_, found, err := e.store.LoadWatermark(context.Background())
	require.NoError(t, err)
	assert.False(t, found)
}

func TestReset_AllAbortsOnWrongConfirmation(t *testing.T) {
	cfg, _ := newTestConfig(t, sampleFeed)
	e := newTestEnv(t, cfg)
	runOnce(t, e)

	cmd := &ResetCommand{globals: &GlobalFlags{}, All: true}
	var err error
	captureOutput(t, func() {
		err = cmd.executeWithStore(context.Background(), e, strings.NewReader("yes\n"))
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "aborted")

	stats, statsErr := e.store.GetStats(context.Background())
	require.NoError(t, statsErr)
	assert.Equal(t, int64(2), stats.TotalAnnouncements)
}

func TestReset_AllForceJSON(t *testing.T) {
	cfg, _ := newTestConfig(t, sampleFeed)
	e := newTestEnv(t, cfg)
	runOnce(t, e)

	cmd := &ResetCommand{globals: &GlobalFlags{JSON: true}, All: true, Force: true}
	output := captureOutput(t, func() {
		require.NoError(t, cmd.executeWithStore(context.Background(), e, nil))
	})
	assert.NotContains(t, output, "WARNING")
	assert.Contains(t, output, `"purged":true`)
}
