package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/runnerr0/killfeed/internal/watermark"
)

// Snapshot is the state of the most recent cycle, served by the ops
// endpoint.
type Snapshot struct {
	LastRunAt        *time.Time `json:"last_run_at,omitempty"`
	LastCompletedAt  *time.Time `json:"last_completed_at,omitempty"`
	LastError        *string    `json:"last_error,omitempty"`
	Cycles           int        `json:"cycles"`
	Skipped          bool       `json:"skipped"`
	Fetched          int        `json:"fetched"`
	New              int        `json:"new"`
	Announced        int        `json:"announced"`
	Overflowed       int        `json:"overflowed"`
	FailedDeliveries int        `json:"failed_deliveries"`
	WatermarkDate    *time.Time `json:"watermark_date,omitempty"`
	WatermarkID      int64      `json:"watermark_id,omitempty"`
	WatermarkUID     string     `json:"watermark_uid,omitempty"`
}

// Poller runs a Cycle on a fixed interval. Cycles never overlap: the next
// tick is only read after the current cycle returns.
type Poller struct {
	Cycle    *Cycle
	Store    watermark.Store
	Interval time.Duration

	// Seed is used when the store holds no watermark yet.
	Seed watermark.Watermark

	Logger    *slog.Logger
	now       func() time.Time
	newTicker func(interval time.Duration) intervalTicker

	mu       sync.RWMutex
	snapshot Snapshot
}

type intervalTicker interface {
	C() <-chan time.Time
	Stop()
}

type stdIntervalTicker struct {
	ticker *time.Ticker
}

func (t stdIntervalTicker) C() <-chan time.Time { return t.ticker.C }
func (t stdIntervalTicker) Stop()               { t.ticker.Stop() }

// DefaultInterval is the poll period when none is configured.
const DefaultInterval = 300 * time.Second

// New creates a Poller. A non-positive interval selects DefaultInterval.
func New(cycle *Cycle, store watermark.Store, interval time.Duration, seed watermark.Watermark, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Poller{
		Cycle:    cycle,
		Store:    store,
		Interval: interval,
		Seed:     seed,
		Logger:   logger,
		now:      time.Now,
		newTicker: func(interval time.Duration) intervalTicker {
			return stdIntervalTicker{ticker: time.NewTicker(interval)}
		},
	}
}

// Start runs one cycle immediately and then one per tick until ctx is done.
// Cycle errors are logged and retried on the next tick.
func (p *Poller) Start(ctx context.Context) {
	if p == nil || p.Cycle == nil || p.Store == nil {
		return
	}

	ticker := p.newTicker(p.Interval)
	defer ticker.Stop()

	p.runLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			p.runLogged(ctx)
		}
	}
}

func (p *Poller) runLogged(ctx context.Context) {
	if _, err := p.RunOnce(ctx); err != nil && ctx.Err() == nil {
		p.Logger.Warn("poll cycle failed", "error", err)
	}
}

// RunOnce loads the watermark, runs one cycle and saves the watermark if it
// advanced. The watermark is saved even when the cycle was interrupted, as
// it only covers killmails that were fully dispatched.
func (p *Poller) RunOnce(ctx context.Context) (*Result, error) {
	if p == nil {
		return nil, errors.New("poller is required")
	}
	if p.Cycle == nil || p.Store == nil {
		return nil, errors.New("poller dependencies are not configured")
	}
	if p.now == nil {
		p.now = time.Now
	}

	startedAt := p.now().UTC()

	wm, found, err := p.Store.LoadWatermark(ctx)
	if err != nil {
		p.fail(startedAt, err)
		return nil, fmt.Errorf("load watermark: %w", err)
	}
	if !found {
		wm = p.Seed
	}

	next, res, runErr := p.Cycle.Run(ctx, wm)
	if wm.Before(next) {
		// Saving must survive a cancelled cycle context.
		if err := p.Store.SaveWatermark(context.WithoutCancel(ctx), next); err != nil {
			p.fail(startedAt, err)
			return &res, fmt.Errorf("save watermark: %w", err)
		}
	}

	completedAt := p.now().UTC()
	snap := Snapshot{
		LastRunAt:        &startedAt,
		LastCompletedAt:  &completedAt,
		Skipped:          res.Skipped,
		Fetched:          res.Fetched,
		New:              res.New,
		Announced:        res.Announced,
		Overflowed:       res.Overflowed,
		FailedDeliveries: res.FailedDeliveries,
		WatermarkID:      next.ID,
		WatermarkUID:     next.UID,
	}
	if !next.Date.IsZero() {
		d := next.Date.UTC()
		snap.WatermarkDate = &d
	}
	if runErr != nil {
		errText := runErr.Error()
		snap.LastError = &errText
	}
	p.setSnapshot(snap)

	return &res, runErr
}

func (p *Poller) fail(startedAt time.Time, err error) {
	completedAt := p.now().UTC()
	errText := err.Error()
	p.mu.Lock()
	defer p.mu.Unlock()
	cycles := p.snapshot.Cycles + 1
	p.snapshot = Snapshot{
		LastRunAt:       &startedAt,
		LastCompletedAt: &completedAt,
		LastError:       &errText,
		Cycles:          cycles,
		WatermarkDate:   p.snapshot.WatermarkDate,
		WatermarkID:     p.snapshot.WatermarkID,
		WatermarkUID:    p.snapshot.WatermarkUID,
	}
}

func (p *Poller) setSnapshot(s Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s.Cycles = p.snapshot.Cycles + 1
	p.snapshot = s
}

// Snapshot returns the state of the most recent cycle.
func (p *Poller) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snapshot
}
