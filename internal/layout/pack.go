// Package layout packs a killmail into message containers that satisfy the
// platform size limits.
package layout

import (
	"fmt"
	"strings"

	"github.com/runnerr0/killfeed/internal/killmail"
)

// Field names.
const (
	VictimFieldName        = "Victim"
	AttackersFieldName     = "Attackers"
	AttackersContFieldName = "Attackers (cont.)"
	OverflowFieldName      = "Overflow"
)

const attackerDataUnavailable = "Attacker data unavailable"

// PackerOptions configures a Packer.
type PackerOptions struct {
	Limits       Limits
	Template     Template
	Definitions  killmail.Definitions
	KillboardURL string
}

// Packer renders killmails into containers. It holds no mutable state and
// is safe for concurrent use.
type Packer struct {
	limits       Limits
	tmpl         Template
	defs         killmail.Definitions
	killboardURL string
}

// NewPacker validates opts and returns a Packer. A zero Template selects the
// default one and nil Definitions the built-in table.
func NewPacker(opts PackerOptions) (*Packer, error) {
	if err := opts.Limits.Validate(); err != nil {
		return nil, fmt.Errorf("layout limits: %w", err)
	}

	tmpl := opts.Template
	if tmpl.summary == nil || tmpl.attacker == nil {
		var err error
		tmpl, err = LookupTemplate(tmpl.Name)
		if err != nil {
			return nil, err
		}
	}

	defs := opts.Definitions
	if defs == nil {
		defs = killmail.DefaultDefinitions()
	}

	return &Packer{
		limits:       opts.Limits,
		tmpl:         tmpl,
		defs:         defs,
		killboardURL: strings.TrimSpace(opts.KillboardURL),
	}, nil
}

// Limits returns the limits the packer enforces.
func (p *Packer) Limits() Limits {
	return p.limits
}

// Definitions returns the robot name table used for rendering.
func (p *Packer) Definitions() killmail.Definitions {
	return p.defs
}

// Link returns the killboard link for k, or "" when no killboard URL is
// configured or k has no uid.
func (p *Packer) Link(k killmail.Killmail) string {
	if p.killboardURL == "" || k.UID == "" {
		return ""
	}
	return p.killboardURL + k.UID
}

// Pack converts k into containers. The result is never empty and every
// container satisfies the packer's limits. Attackers that do not fit are
// summarised by an overflow marker field; the killing-blow attacker is
// always rendered first.
func (p *Packer) Pack(k killmail.Killmail) []Container {
	r := newRenderer(p.defs)

	c := Container{
		Title:     p.short(fmt.Sprintf("%s lost a %s", orPlaceholder(k.Victim.Agent, unknownAgent), r.robot(k.Victim.Robot))),
		URL:       p.Link(k),
		Author:    p.short(orPlaceholder(k.Victim.Zone, unknownZone)),
		Footer:    p.short(fmt.Sprintf("Kill #%d | %s UTC", k.ID, k.Date.UTC().Format(killmail.DateLayout))),
		Timestamp: k.Date.UTC(),
		KillID:    k.ID,
		Attackers: len(k.Attackers),
	}

	blocks := p.blocks(r, k)

	s := &packState{
		limits: p.limits,
		size:   textLen(c.Title) + textLen(c.Author) + textLen(c.Footer),
	}
	s.add(p.field(VictimFieldName, p.tmpl.summary(r, k.Victim)))

	if k.AttackersMissing {
		// Validate guarantees room for one more field.
		s.add(p.field(AttackersFieldName, attackerDataUnavailable))
		c.Fields = s.fields
		return []Container{c}
	}

	// Hold back a full field's worth so the marker always fits.
	s.reserve = textLen(p.field(OverflowFieldName, "").Name) + p.limits.MaxFieldLength
	omitted := p.fill(s, blocks)
	if omitted > 0 {
		s.add(p.overflowField(k, omitted))
	}

	c.Fields = s.fields
	c.Omitted = omitted
	return []Container{c}
}

// blocks renders one text block per attacker, killing blow first and the
// rest in source order. Each block already respects the field length.
func (p *Packer) blocks(r *renderer, k killmail.Killmail) []string {
	kb := k.KillingBlowIndex()
	out := make([]string, 0, len(k.Attackers))
	if kb >= 0 {
		out = append(out, p.value(p.tmpl.attacker(r, k.Attackers[kb], true)))
	}
	for i, a := range k.Attackers {
		if i == kb {
			continue
		}
		out = append(out, p.value(p.tmpl.attacker(r, a, false)))
	}
	return out
}

// fill greedily packs blocks into attacker fields and returns the number of
// attackers left out. While blocks remain after the one being placed, room
// for the overflow marker stays reserved.
func (p *Packer) fill(s *packState, blocks []string) int {
	var buf string
	var inBuf int

	for i, block := range blocks {
		last := i == len(blocks)-1

		candidate := block
		if buf != "" {
			candidate = buf + p.tmpl.Separator + block
		}

		if textLen(candidate) <= p.limits.MaxFieldLength {
			if s.fits(p.attackerField(s, candidate), !last) {
				buf = candidate
				inBuf++
				continue
			}
			// The container is full: keep what is buffered if it still fits.
			omitted := len(blocks) - i
			if buf != "" {
				if f := p.attackerField(s, buf); s.fits(f, true) {
					s.addAttacker(f)
				} else {
					omitted += inBuf
				}
			}
			return omitted
		}

		if buf != "" {
			f := p.attackerField(s, buf)
			if !s.fits(f, true) {
				return len(blocks) - i + inBuf
			}
			s.addAttacker(f)
		}

		buf, inBuf = block, 1
		if !s.fits(p.attackerField(s, buf), !last) {
			return len(blocks) - i
		}
	}

	if buf != "" {
		s.addAttacker(p.attackerField(s, buf))
	}
	return 0
}

func (p *Packer) attackerField(s *packState, value string) Field {
	name := AttackersFieldName
	if s.attackerFields > 0 {
		name = AttackersContFieldName
	}
	return p.field(name, value)
}

func (p *Packer) overflowField(k killmail.Killmail, omitted int) Field {
	noun := "attackers"
	if omitted == 1 {
		noun = "attacker"
	}
	text := fmt.Sprintf("+%d more %s not shown, see full record", omitted, noun)
	if link := p.Link(k); link != "" {
		text += ": " + link
	}
	return p.field(OverflowFieldName, text)
}

func (p *Packer) field(name, value string) Field {
	return Field{
		Name:  truncate(clean(name), p.limits.MaxFieldNameLength),
		Value: p.value(value),
	}
}

func (p *Packer) value(s string) string {
	return truncate(clean(s), p.limits.MaxFieldLength)
}

func (p *Packer) short(s string) string {
	return truncate(clean(s), p.limits.MaxTitleLength)
}

// packState tracks the fields placed so far and their counted size.
type packState struct {
	limits         Limits
	fields         []Field
	size           int
	reserve        int
	attackerFields int
}

// fits reports whether f can be appended, optionally keeping room for the
// overflow marker afterwards.
func (s *packState) fits(f Field, reserve bool) bool {
	n := len(s.fields) + 1
	size := s.size + f.size()
	if reserve {
		n++
		size += s.reserve
	}
	return n <= s.limits.MaxFields && size <= s.limits.MaxContainerSize
}

func (s *packState) add(f Field) {
	s.fields = append(s.fields, f)
	s.size += f.size()
}

func (s *packState) addAttacker(f Field) {
	s.add(f)
	s.attackerFields++
}
