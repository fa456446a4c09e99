// Package killmail models the combat records published by the killboard API.
package killmail

import "time"

// DateLayout is the timestamp format used by the killboard API. Dates carry
// no zone and are treated as UTC.
const DateLayout = "2006-01-02 15:04:05"

// Killmail is one combat-outcome record from the feed. Values are read-only
// projections of a single fetch.
type Killmail struct {
	ID     int64
	UID    string
	Date   time.Time
	Victim Victim

	// Attackers keeps the order of the source record.
	Attackers []Attacker

	// AttackersMissing is set when the record carried no attacker list at
	// all, as opposed to an empty one.
	AttackersMissing bool
}

// Victim describes the losing side of a killmail.
type Victim struct {
	Agent          string
	Corporation    string
	Robot          Robot
	DamageReceived float64
	Zone           string
}

// Attacker is one entry on the attacking side of a killmail.
type Attacker struct {
	Agent              string
	Corporation        string
	Robot              Robot
	DamageDealt        float64
	ECMAttempts        int
	SensorSuppressions int
	EnergyDrained      float64
	KillingBlow        bool
}

// Robot identifies a unit type. Name is empty when the feed only supplied
// the numeric definition code.
type Robot struct {
	Definition int
	Name       string
}

// Label returns the display name for the robot, consulting defs when the
// record did not carry a name.
func (r Robot) Label(defs Definitions) string {
	if r.Name != "" {
		return r.Name
	}
	return defs.Name(r.Definition)
}

// KillingBlowIndex returns the index of the attacker credited with the
// killing blow, or -1 when none is flagged. If several attackers are
// flagged the first one wins.
func (k Killmail) KillingBlowIndex() int {
	for i, a := range k.Attackers {
		if a.KillingBlow {
			return i
		}
	}
	return -1
}
