package killmail

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"
)

// ParseError reports feed data that could not be decoded. For the envelope
// (Index -1) the whole payload is unusable and a cycle must stop before
// touching the watermark; a single record is skipped instead.
type ParseError struct {
	Index int // record index within the payload, -1 for the envelope
	Err   error
}

func (e *ParseError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("parse killmail feed: %v", e.Err)
	}
	return fmt.Sprintf("parse killmail feed record %d: %v", e.Index, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

type feedEnvelope struct {
	Embedded *struct {
		Kill []json.RawMessage `json:"kill"`
	} `json:"_embedded"`
}

type named struct {
	Name flexString `json:"name"`
	bad  bool
}

type rawRobot struct {
	Definition flexNumber `json:"definition"`
	Name       flexString `json:"name"`
	bad        bool
}

type rawKill struct {
	ID             flexNumber `json:"id"`
	UID            flexString `json:"uid"`
	Date           flexString `json:"date"`
	DamageReceived flexNumber `json:"damageReceived"`
	Embedded       struct {
		Agent       *named            `json:"agent"`
		Corporation *named            `json:"corporation"`
		Robot       *rawRobot         `json:"robot"`
		Zone        *named            `json:"zone"`
		Attackers   json.RawMessage   `json:"attackers"`
	} `json:"_embedded"`
}

type rawAttacker struct {
	DamageDealt        flexNumber `json:"damageDealt"`
	KillingBlow        flexBool   `json:"killingBlow"`
	ECMAttempts        flexNumber `json:"totalEcmAttempts"`
	SensorSuppressions flexNumber `json:"sensorSuppressions"`
	EnergyDrained      flexNumber `json:"totalEnergyDrained"`
	Embedded           struct {
		Agent       *named    `json:"agent"`
		Corporation *named    `json:"corporation"`
		Robot       *rawRobot `json:"robot"`
	} `json:"_embedded"`
}

// ParseFeed decodes a killboard collection payload. A payload without an
// _embedded object is an empty collection. Records keep the payload order.
//
// Only an unreadable envelope is an error. A record without a usable id or
// date is logged and skipped; malformed optional values fall back to zero or
// empty and are logged. A nil logger discards these warnings.
func ParseFeed(data []byte, logger *slog.Logger) ([]Killmail, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	var env feedEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &ParseError{Index: -1, Err: err}
	}
	if env.Embedded == nil {
		return []Killmail{}, nil
	}

	kills := make([]Killmail, 0, len(env.Embedded.Kill))
	for i, raw := range env.Embedded.Kill {
		p := &projector{}
		k, err := p.kill(raw)
		if err != nil {
			logger.Warn("skipping unreadable killmail record", "error", &ParseError{Index: i, Err: err})
			continue
		}
		for _, field := range p.degraded {
			logger.Warn("malformed killmail value replaced", "kill_id", k.ID, "field", field)
		}
		kills = append(kills, k)
	}
	return kills, nil
}

// ParseDate parses a killboard timestamp as UTC.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("missing date")
	}
	t, err := time.ParseInLocation(DateLayout, s, time.UTC)
	if err != nil {
		// Some mirrors of the API emit RFC 3339.
		if t2, err2 := time.Parse(time.RFC3339, s); err2 == nil {
			return t2.UTC(), nil
		}
		return time.Time{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return t, nil
}

// projector turns one raw record into a Killmail and remembers which
// optional values had to be replaced.
type projector struct {
	degraded []string
}

func (p *projector) kill(data json.RawMessage) (Killmail, error) {
	var r rawKill
	if err := json.Unmarshal(data, &r); err != nil {
		return Killmail{}, err
	}

	id, ok := r.ID.int()
	if !ok || id <= 0 {
		return Killmail{}, fmt.Errorf("invalid id %s", r.ID.text())
	}
	date, err := ParseDate(r.Date.value)
	if err != nil {
		return Killmail{}, fmt.Errorf("kill %d: %w", id, err)
	}

	k := Killmail{
		ID:   id,
		UID:  p.str("uid", r.UID),
		Date: date,
		Victim: Victim{
			Agent:          p.name("agent", r.Embedded.Agent),
			Corporation:    p.name("corporation", r.Embedded.Corporation),
			Robot:          p.robot("robot", r.Embedded.Robot),
			DamageReceived: p.float("damageReceived", r.DamageReceived),
			Zone:           p.name("zone", r.Embedded.Zone),
		},
	}

	attackers, ok := p.attackerList(r.Embedded.Attackers)
	k.AttackersMissing = !ok
	k.Attackers = make([]Attacker, 0, len(attackers))
	for i, raw := range attackers {
		k.Attackers = append(k.Attackers, p.attacker(fmt.Sprintf("attackers[%d]", i), raw))
	}
	return k, nil
}

// attackerList splits the attacker array. It reports false when the list is
// absent, null or not an array.
func (p *projector) attackerList(data json.RawMessage) ([]json.RawMessage, bool) {
	if len(data) == 0 || string(data) == "null" {
		return nil, false
	}
	var list []json.RawMessage
	if err := json.Unmarshal(data, &list); err != nil {
		p.degraded = append(p.degraded, "attackers")
		return nil, false
	}
	return list, true
}

// attacker projects one attacker entry. An entry that is not an object
// becomes an anonymous attacker so the count stays right.
func (p *projector) attacker(path string, data json.RawMessage) Attacker {
	var a rawAttacker
	if err := json.Unmarshal(data, &a); err != nil {
		p.degraded = append(p.degraded, path)
		return Attacker{}
	}

	kb, ok := a.KillingBlow.bool()
	if !ok {
		p.degraded = append(p.degraded, path+".killingBlow")
	}
	return Attacker{
		Agent:              p.name(path+".agent", a.Embedded.Agent),
		Corporation:        p.name(path+".corporation", a.Embedded.Corporation),
		Robot:              p.robot(path+".robot", a.Embedded.Robot),
		DamageDealt:        p.float(path+".damageDealt", a.DamageDealt),
		ECMAttempts:        p.count(path+".totalEcmAttempts", a.ECMAttempts),
		SensorSuppressions: p.count(path+".sensorSuppressions", a.SensorSuppressions),
		EnergyDrained:      p.float(path+".totalEnergyDrained", a.EnergyDrained),
		KillingBlow:        kb,
	}
}

func (p *projector) float(path string, n flexNumber) float64 {
	v, ok := n.float()
	if !ok {
		p.degraded = append(p.degraded, path)
	}
	return v
}

// count reads a non-negative whole number.
func (p *projector) count(path string, n flexNumber) int {
	v, ok := n.int()
	if !ok || v < 0 || v > math.MaxInt32 {
		p.degraded = append(p.degraded, path)
		return 0
	}
	return int(v)
}

func (p *projector) str(path string, s flexString) string {
	if s.bad {
		p.degraded = append(p.degraded, path)
	}
	return strings.TrimSpace(s.value)
}

func (p *projector) name(path string, n *named) string {
	if n == nil {
		return ""
	}
	if n.bad {
		p.degraded = append(p.degraded, path)
		return ""
	}
	return p.str(path+".name", n.Name)
}

func (p *projector) robot(path string, r *rawRobot) Robot {
	if r == nil {
		return Robot{}
	}
	if r.bad {
		p.degraded = append(p.degraded, path)
		return Robot{}
	}
	return Robot{
		Definition: p.count(path+".definition", r.Definition),
		Name:       p.str(path+".name", r.Name),
	}
}
