package layout

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/unicode/norm"

	"github.com/runnerr0/killfeed/internal/killmail"
)

// Placeholders for missing data.
const (
	unknownAgent       = "Unknown agent"
	unknownCorporation = "Unknown corporation"
	unknownZone        = "Unknown zone"
	notAvailable       = "n/a"
	truncatedMarker    = "…truncated"
)

// Template renders killmail parts into text. Rendering is pure: identical
// input gives identical output.
type Template struct {
	Name string

	// Separator joins attacker blocks that share a field.
	Separator string

	summary  func(r *renderer, v killmail.Victim) string
	attacker func(r *renderer, a killmail.Attacker, killingBlow bool) string
}

var templates = map[string]Template{
	"detailed": {
		Name:      "detailed",
		Separator: "\n\n",
		summary:   detailedSummary,
		attacker:  detailedAttacker,
	},
	"compact": {
		Name:      "compact",
		Separator: "\n",
		summary:   compactSummary,
		attacker:  compactAttacker,
	},
}

// DefaultTemplate is the template used when none is configured.
const DefaultTemplate = "detailed"

// LookupTemplate returns the named template.
func LookupTemplate(name string) (Template, error) {
	if name == "" {
		name = DefaultTemplate
	}
	t, ok := templates[name]
	if !ok {
		return Template{}, fmt.Errorf("unknown template %q (available: %s)", name, strings.Join(TemplateNames(), ", "))
	}
	return t, nil
}

// TemplateNames lists the available templates in sorted order.
func TemplateNames() []string {
	names := make([]string, 0, len(templates))
	for name := range templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// renderer carries per-call formatting state. A message.Printer is not
// shared between goroutines, so each Pack call builds its own.
type renderer struct {
	p    *message.Printer
	defs killmail.Definitions
}

func newRenderer(defs killmail.Definitions) *renderer {
	return &renderer{p: message.NewPrinter(language.English), defs: defs}
}

// whole renders a magnitude with its fractional part discarded.
func (r *renderer) whole(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 || v >= math.MaxInt64 {
		return notAvailable
	}
	return r.p.Sprintf("%d", int64(math.Trunc(v)))
}

func (r *renderer) count(n int) string {
	return r.p.Sprintf("%d", n)
}

func (r *renderer) robot(rb killmail.Robot) string {
	return rb.Label(r.defs)
}

func orPlaceholder(s, placeholder string) string {
	if strings.TrimSpace(s) == "" {
		return placeholder
	}
	return s
}

func detailedSummary(r *renderer, v killmail.Victim) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Agent: %s\n", orPlaceholder(v.Agent, unknownAgent))
	fmt.Fprintf(&b, "Corporation: %s\n", orPlaceholder(v.Corporation, unknownCorporation))
	fmt.Fprintf(&b, "Robot: %s\n", r.robot(v.Robot))
	fmt.Fprintf(&b, "Damage received: %s\n", r.whole(v.DamageReceived))
	fmt.Fprintf(&b, "Zone: %s", orPlaceholder(v.Zone, unknownZone))
	return b.String()
}

func detailedAttacker(r *renderer, a killmail.Attacker, killingBlow bool) string {
	var b strings.Builder
	if killingBlow {
		b.WriteString("**Killing blow**\n")
	}
	fmt.Fprintf(&b, "%s [%s]\n", orPlaceholder(a.Agent, unknownAgent), orPlaceholder(a.Corporation, unknownCorporation))
	fmt.Fprintf(&b, "Robot: %s\n", r.robot(a.Robot))
	fmt.Fprintf(&b, "Damage: %s", r.whole(a.DamageDealt))
	if a.ECMAttempts > 0 {
		fmt.Fprintf(&b, "\nECM attempts: %s", r.count(a.ECMAttempts))
	}
	if a.SensorSuppressions > 0 {
		fmt.Fprintf(&b, "\nSensor suppressions: %s", r.count(a.SensorSuppressions))
	}
	if a.EnergyDrained > 0 {
		fmt.Fprintf(&b, "\nEnergy drained: %s", r.whole(a.EnergyDrained))
	}
	return b.String()
}

func compactSummary(r *renderer, v killmail.Victim) string {
	return fmt.Sprintf("%s [%s] in %s, %s damage received, %s",
		orPlaceholder(v.Agent, unknownAgent),
		orPlaceholder(v.Corporation, unknownCorporation),
		r.robot(v.Robot),
		r.whole(v.DamageReceived),
		orPlaceholder(v.Zone, unknownZone),
	)
}

func compactAttacker(r *renderer, a killmail.Attacker, killingBlow bool) string {
	var b strings.Builder
	if killingBlow {
		b.WriteString("**KB** ")
	}
	fmt.Fprintf(&b, "%s [%s], %s, %s dmg",
		orPlaceholder(a.Agent, unknownAgent),
		orPlaceholder(a.Corporation, unknownCorporation),
		r.robot(a.Robot),
		r.whole(a.DamageDealt),
	)
	if a.ECMAttempts > 0 {
		fmt.Fprintf(&b, ", %s ECM", r.count(a.ECMAttempts))
	}
	if a.SensorSuppressions > 0 {
		fmt.Fprintf(&b, ", %s supp", r.count(a.SensorSuppressions))
	}
	if a.EnergyDrained > 0 {
		fmt.Fprintf(&b, ", %s drained", r.whole(a.EnergyDrained))
	}
	return b.String()
}

// clean normalises s to NFC so lengths are measured consistently.
func clean(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

// truncate shortens s to at most max code points, ending with a marker when
// anything was cut.
func truncate(s string, max int) string {
	if textLen(s) <= max {
		return s
	}
	runes := []rune(s)
	marker := []rune(truncatedMarker)
	if max <= len(marker) {
		return string(runes[:max])
	}
	return string(runes[:max-len(marker)]) + truncatedMarker
}
