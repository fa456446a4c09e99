// Package poller runs poll cycles: fetch the feed, announce what is new and
// advance the watermark.
package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/runnerr0/killfeed/internal/dispatch"
	"github.com/runnerr0/killfeed/internal/feed"
	"github.com/runnerr0/killfeed/internal/killmail"
	"github.com/runnerr0/killfeed/internal/layout"
	"github.com/runnerr0/killfeed/internal/storage"
	"github.com/runnerr0/killfeed/internal/watermark"
)

// Fetcher returns the current killmail list.
type Fetcher interface {
	Fetch(ctx context.Context) ([]killmail.Killmail, error)
}

// Dispatcher sends containers to channels.
type Dispatcher interface {
	Dispatch(ctx context.Context, channels []dispatch.Channel, containers []layout.Container) dispatch.Report
}

// Recorder keeps the announcement history.
type Recorder interface {
	RecordAnnouncement(ctx context.Context, a *storage.Announcement, deliveries []storage.Delivery) error
}

// Result summarises one cycle.
type Result struct {
	CycleID          string    `json:"cycle_id"`
	StartedAt        time.Time `json:"started_at"`
	CompletedAt      time.Time `json:"completed_at"`
	Skipped          bool      `json:"skipped"`
	Fetched          int       `json:"fetched"`
	New              int       `json:"new"`
	Announced        int       `json:"announced"`
	Overflowed       int       `json:"overflowed"`
	FailedDeliveries int       `json:"failed_deliveries"`
}

// Cycle is one configured poll cycle. It holds no state between runs; the
// watermark is passed in and returned.
type Cycle struct {
	Feed       Fetcher
	Packer     *layout.Packer
	Dispatcher Dispatcher
	Channels   []dispatch.Channel

	// Recorder and Live are optional.
	Recorder Recorder
	Live     dispatch.Sink

	Logger *slog.Logger
	now    func() time.Time
}

func (c *Cycle) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.Logger
}

func (c *Cycle) clock() time.Time {
	if c.now == nil {
		return time.Now()
	}
	return c.now()
}

// Run performs one cycle starting from wm and returns the watermark to
// persist. The returned watermark only covers killmails that were fully
// dispatched: a fetch or parse failure returns wm unchanged, and a
// cancelled context stops before the next killmail. Delivery failures do
// not hold the watermark back.
func (c *Cycle) Run(ctx context.Context, wm watermark.Watermark) (watermark.Watermark, Result, error) {
	log := c.logger()
	res := Result{CycleID: uuid.NewString(), StartedAt: c.clock().UTC()}
	log = log.With("cycle_id", res.CycleID)

	if c.Feed == nil || c.Packer == nil || c.Dispatcher == nil {
		return wm, res, errors.New("poll cycle dependencies are not configured")
	}

	if len(c.Channels) == 0 {
		log.Warn("no destination channels resolved, skipping cycle")
		res.Skipped = true
		res.CompletedAt = c.clock().UTC()
		return wm, res, nil
	}

	kills, err := c.Feed.Fetch(ctx)
	if err != nil {
		res.CompletedAt = c.clock().UTC()
		var fetchErr *feed.FetchError
		var parseErr *killmail.ParseError
		switch {
		case errors.As(err, &fetchErr):
			log.Warn("fetch failed", "url", fetchErr.URL, "status", fetchErr.StatusCode, "error", err)
		case errors.As(err, &parseErr):
			log.Error("unreadable feed payload", "error", err)
		default:
			log.Warn("fetch failed", "error", err)
		}
		return wm, res, fmt.Errorf("fetch killmails: %w", err)
	}
	res.Fetched = len(kills)

	fresh := watermark.Newer(kills, wm)
	res.New = len(fresh)
	if len(fresh) == 0 {
		log.Debug("no new killmails", "fetched", len(kills))
		res.CompletedAt = c.clock().UTC()
		return wm, res, nil
	}
	log.Info("new killmails", "count", len(fresh), "fetched", len(kills))

	done := make([]killmail.Killmail, 0, len(fresh))
	var runErr error
	for _, k := range fresh {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}

		containers := c.Packer.Pack(k)
		report := c.Dispatcher.Dispatch(ctx, c.Channels, containers)
		if err := ctx.Err(); err != nil {
			// Interrupted mid-dispatch: announce it again next time.
			runErr = err
			break
		}

		c.broadcast(ctx, log, containers)
		c.record(ctx, log, res.CycleID, k, containers, report)

		done = append(done, k)
		res.Announced++
		res.FailedDeliveries += report.Failed()
		for _, ct := range containers {
			if ct.Overflowed() {
				res.Overflowed++
				break
			}
		}
	}

	next := watermark.Latest(wm, done)
	res.CompletedAt = c.clock().UTC()
	if wm.Before(next) {
		log.Info("watermark advanced", "date", next.Date.Format(killmail.DateLayout), "id", next.ID)
	}
	if runErr != nil {
		return next, res, fmt.Errorf("poll cycle interrupted: %w", runErr)
	}
	return next, res, nil
}

func (c *Cycle) broadcast(ctx context.Context, log *slog.Logger, containers []layout.Container) {
	if c.Live == nil {
		return
	}
	for _, ct := range containers {
		if err := c.Live.Send(ctx, ct); err != nil {
			log.Debug("live broadcast failed", "kill_id", ct.KillID, "error", err)
		}
	}
}

// record stores the announcement. History is best effort: failures are
// logged and never stop the cycle.
func (c *Cycle) record(ctx context.Context, log *slog.Logger, cycleID string, k killmail.Killmail, containers []layout.Container, report dispatch.Report) {
	if c.Recorder == nil {
		return
	}

	a := &storage.Announcement{
		KillID:      k.ID,
		UID:         k.UID,
		KillDate:    k.Date,
		Victim:      k.Victim.Agent,
		Corporation: k.Victim.Corporation,
		Robot:       k.Victim.Robot.Label(c.Packer.Definitions()),
		Zone:        k.Victim.Zone,
		Attackers:   len(k.Attackers),
		CycleID:     cycleID,
		AnnouncedAt: c.clock().UTC(),
	}
	for _, ct := range containers {
		a.Fields += len(ct.Fields)
		a.Omitted += ct.Omitted
	}
	if payload, err := json.Marshal(containers); err == nil {
		a.Payload = string(payload)
	}

	deliveries := make([]storage.Delivery, 0, len(report.Results))
	for _, r := range report.Results {
		d := storage.Delivery{Channel: r.Channel, Sent: r.Sent, Duration: r.Duration}
		if r.Err != nil {
			d.Error = r.Err.Error()
		}
		deliveries = append(deliveries, d)
	}

	if err := c.Recorder.RecordAnnouncement(ctx, a, deliveries); err != nil {
		log.Warn("record announcement failed", "kill_id", k.ID, "error", err)
	}
}
