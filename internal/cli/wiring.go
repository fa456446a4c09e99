package cli

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/runnerr0/killfeed/internal/config"
	"github.com/runnerr0/killfeed/internal/dispatch"
	"github.com/runnerr0/killfeed/internal/feed"
	"github.com/runnerr0/killfeed/internal/killmail"
	"github.com/runnerr0/killfeed/internal/layout"
	"github.com/runnerr0/killfeed/internal/poller"
)

// newFeedClient builds the killboard client from the feed section.
func newFeedClient(cfg *config.Config, logger *slog.Logger) *feed.Client {
	return feed.NewClient(feed.ClientOptions{
		URL:       cfg.Feed.URL,
		Timeout:   time.Duration(cfg.Feed.TimeoutSeconds) * time.Second,
		UserAgent: cfg.Feed.UserAgent,
		Logger:    logger,
	})
}

// newPacker builds the layout engine with the configured template, limits
// and robot definitions.
func newPacker(cfg *config.Config) (*layout.Packer, error) {
	tmpl, err := layout.LookupTemplate(cfg.Layout.Template)
	if err != nil {
		return nil, err
	}
	defs, err := killmail.LoadDefinitions(cfg.Feed.DefinitionsFile)
	if err != nil {
		return nil, err
	}
	return layout.NewPacker(layout.PackerOptions{
		Limits:       cfg.Limits(),
		Template:     tmpl,
		Definitions:  defs,
		KillboardURL: cfg.Feed.KillboardURL,
	})
}

// newWebhookOptions returns the delivery settings shared by every sink.
// The limiter is per sink so one slow channel never paces the others.
func newWebhookOptions(cfg *config.Config, client *http.Client) dispatch.WebhookOptions {
	opts := dispatch.WebhookOptions{
		Client:     client,
		Username:   cfg.Delivery.Username,
		MaxRetries: cfg.Delivery.MaxRetries,
	}
	if cfg.Delivery.RatePerSecond > 0 {
		burst := cfg.Delivery.Burst
		if burst < 1 {
			burst = 1
		}
		opts.Limiter = rate.NewLimiter(rate.Limit(cfg.Delivery.RatePerSecond), burst)
	}
	return opts
}

// newSinkFactory returns the constructor Resolve uses for each destination.
func newSinkFactory(cfg *config.Config) func(dispatch.Destination) dispatch.Sink {
	client := &http.Client{Timeout: time.Duration(cfg.Delivery.TimeoutSeconds) * time.Second}
	return func(d dispatch.Destination) dispatch.Sink {
		label := dispatch.Channel{Guild: d.Guild, Name: d.Name}.String()
		return dispatch.NewWebhookSink(d.WebhookURL, label, newWebhookOptions(cfg, client))
	}
}

// buildCycle wires one poll cycle from the config. recorder and live may be
// nil.
func buildCycle(cfg *config.Config, recorder poller.Recorder, live dispatch.Sink, logger *slog.Logger) (*poller.Cycle, error) {
	packer, err := newPacker(cfg)
	if err != nil {
		return nil, fmt.Errorf("build layout engine: %w", err)
	}

	channels := dispatch.Resolve(cfg.Destinations(), cfg.KillmailChannel, newSinkFactory(cfg))
	for _, ch := range channels {
		logger.Debug("resolved channel", "channel", ch.String())
	}

	cycle := &poller.Cycle{
		Feed:       newFeedClient(cfg, logger),
		Packer:     packer,
		Dispatcher: dispatch.NewDispatcher(logger),
		Channels:   channels,
		Logger:     logger,
	}
	if recorder != nil {
		cycle.Recorder = recorder
	}
	if live != nil {
		cycle.Live = live
	}
	return cycle, nil
}
