package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/runnerr0/killfeed/internal/layout"
)

// Result is the outcome of delivering one killmail's containers to one
// channel.
type Result struct {
	Channel  string
	Sent     int
	Err      error
	Duration time.Duration
}

// Report collects per-channel results in channel order.
type Report struct {
	Results []Result
}

// Failed returns the number of channels that did not take every container.
func (r Report) Failed() int {
	n := 0
	for _, res := range r.Results {
		if res.Err != nil {
			n++
		}
	}
	return n
}

// Dispatcher fans containers out to channels. Channels are independent: a
// failing channel never blocks or fails the others.
type Dispatcher struct {
	logger *slog.Logger
	now    func() time.Time
}

// NewDispatcher creates a Dispatcher. A nil logger discards output.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Dispatcher{logger: logger, now: time.Now}
}

// Dispatch sends containers, in order, to every channel concurrently and
// waits for all channels to finish.
func (d *Dispatcher) Dispatch(ctx context.Context, channels []Channel, containers []layout.Container) Report {
	report := Report{Results: make([]Result, len(channels))}

	var wg sync.WaitGroup
	for i, ch := range channels {
		wg.Add(1)
		go func(i int, ch Channel) {
			defer wg.Done()
			report.Results[i] = d.deliver(ctx, ch, containers)
		}(i, ch)
	}
	wg.Wait()

	return report
}

func (d *Dispatcher) deliver(ctx context.Context, ch Channel, containers []layout.Container) Result {
	start := d.now()
	res := Result{Channel: ch.String()}

	for _, c := range containers {
		if err := ch.Sink.Send(ctx, c); err != nil {
			res.Err = err
			d.logger.Warn("delivery failed",
				"channel", res.Channel,
				"kill_id", c.KillID,
				"error", err,
			)
			break
		}
		res.Sent++
	}

	res.Duration = d.now().Sub(start)
	return res
}
