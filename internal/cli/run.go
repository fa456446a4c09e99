package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/runnerr0/killfeed/internal/poller"
	"github.com/runnerr0/killfeed/internal/server"
	"github.com/runnerr0/killfeed/internal/watermark"
)

// Execute implements the go-flags Commander interface for RunCommand.
func (c *RunCommand) Execute(args []string) error {
	e, err := openEnv(c.globals)
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return c.executeWithStore(ctx, e)
}

// newPoller wires the poll loop against the env's stores.
func newPoller(e *env, interval time.Duration, live *server.Hub) (*poller.Poller, error) {
	var cycle *poller.Cycle
	var err error
	if live != nil {
		cycle, err = buildCycle(e.cfg, e.store, live, e.logger)
	} else {
		cycle, err = buildCycle(e.cfg, e.store, nil, e.logger)
	}
	if err != nil {
		return nil, err
	}
	if len(cycle.Channels) == 0 {
		e.logger.Warn("no channel matches killmail_channel; cycles will be skipped", "killmail_channel", e.cfg.KillmailChannel)
	}
	return poller.New(cycle, e.marks, interval, e.cfg.Seed(time.Now()), e.logger), nil
}

// executeWithStore runs the poll loop (and ops server) until ctx is done.
func (c *RunCommand) executeWithStore(ctx context.Context, e *env) error {
	interval := e.cfg.Interval()
	if c.Interval != "" {
		d, err := parseDuration(c.Interval)
		if err != nil {
			return fmt.Errorf("invalid --interval: %w", err)
		}
		interval = d
	}

	addr := e.cfg.Server.Addr
	if c.Addr != "" {
		addr = c.Addr
	}
	if c.NoServer {
		addr = ""
	}

	var hub *server.Hub
	if addr != "" {
		hub = server.NewHub()
	}

	p, err := newPoller(e, interval, hub)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	var serveErr error
	if hub != nil {
		srv := server.New(server.Options{
			Addr:           addr,
			Version:        c.version,
			AllowedOrigins: e.cfg.Server.AllowedOrigins,
			Hub:            hub,
			Status:         p,
			History:        e.store,
			Logger:         e.logger,
		})

		wg.Add(2)
		go func() {
			defer wg.Done()
			hub.Run(ctx)
		}()
		go func() {
			defer wg.Done()
			if err := srv.ListenAndServe(ctx); err != nil {
				serveErr = err
				// The ops surface is part of the service.
				cancel()
			}
		}()
	}

	e.logger.Info("killfeed started",
		"version", c.version,
		"interval", interval,
		"killmail_channel", e.cfg.KillmailChannel,
		"ops_addr", addr,
	)

	p.Start(ctx)
	cancel()
	wg.Wait()

	e.logger.Info("killfeed stopped")
	if serveErr != nil {
		return serveErr
	}
	return nil
}

// onceJSON is the JSON output of the once command.
type onceJSON struct {
	poller.Result
	Watermark string  `json:"watermark"`
	Error     *string `json:"error,omitempty"`
}

// Execute implements the go-flags Commander interface for OnceCommand.
func (c *OnceCommand) Execute(args []string) error {
	e, err := openEnv(c.globals)
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return c.executeWithStore(ctx, e)
}

// executeWithStore runs a single cycle and prints its summary.
func (c *OnceCommand) executeWithStore(ctx context.Context, e *env) error {
	p, err := newPoller(e, 0, nil)
	if err != nil {
		return err
	}

	res, runErr := p.RunOnce(ctx)
	if res == nil {
		return runErr
	}
	snap := p.Snapshot()

	wm := "(none)"
	if snap.WatermarkDate != nil {
		wm = formatWatermark(watermarkFromSnapshot(snap))
	}

	if c.globals != nil && c.globals.JSON {
		out := onceJSON{Result: *res, Watermark: wm}
		if runErr != nil {
			msg := runErr.Error()
			out.Error = &msg
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			return err
		}
		return runErr
	}

	switch {
	case res.Skipped:
		fmt.Printf("Skipped: no channel named #%s is configured.\n", e.cfg.KillmailChannel)
	case runErr != nil && res.Fetched == 0 && !errors.Is(runErr, context.Canceled):
		// Fetch failed; nothing to summarise.
	default:
		fmt.Printf("Fetched %d killmails, %d new, %d announced", res.Fetched, res.New, res.Announced)
		if res.Overflowed > 0 {
			fmt.Printf(", %d overflowed", res.Overflowed)
		}
		if res.FailedDeliveries > 0 {
			fmt.Printf(", %d failed deliveries", res.FailedDeliveries)
		}
		fmt.Println(".")
	}
	fmt.Printf("Watermark: %s\n", wm)

	return runErr
}

func watermarkFromSnapshot(s poller.Snapshot) watermark.Watermark {
	wm := watermark.Watermark{ID: s.WatermarkID, UID: s.WatermarkUID}
	if s.WatermarkDate != nil {
		wm.Date = *s.WatermarkDate
	}
	return wm
}
