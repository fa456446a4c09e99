// Package dispatch delivers packed containers to destination channels.
package dispatch

import (
	"context"
	"strings"

	"github.com/runnerr0/killfeed/internal/layout"
)

// Sink accepts containers for one destination.
type Sink interface {
	Send(ctx context.Context, c layout.Container) error
}

// Channel is a resolved destination handle.
type Channel struct {
	Guild string
	Name  string
	Sink  Sink
}

// String returns "guild/#name", or "#name" without a guild.
func (c Channel) String() string {
	if c.Guild == "" {
		return "#" + c.Name
	}
	return c.Guild + "/#" + c.Name
}

// Destination is a configured channel in one joined space.
type Destination struct {
	Guild      string
	Name       string
	WebhookURL string
}

// Resolve returns a channel for every destination named name, in
// configuration order. Destinations without a webhook are skipped.
func Resolve(dests []Destination, name string, newSink func(Destination) Sink) []Channel {
	name = strings.TrimPrefix(strings.TrimSpace(name), "#")
	var out []Channel
	for _, d := range dests {
		if strings.TrimPrefix(strings.TrimSpace(d.Name), "#") != name {
			continue
		}
		if strings.TrimSpace(d.WebhookURL) == "" {
			continue
		}
		out = append(out, Channel{Guild: d.Guild, Name: name, Sink: newSink(d)})
	}
	return out
}
