package layout

import (
	"errors"
	"fmt"
)

// Platform defaults for a chat embed.
const (
	DefaultMaxContainerSize   = 6000
	DefaultMaxFields          = 25
	DefaultMaxFieldLength     = 1024
	DefaultMaxTitleLength     = 256
	DefaultMaxFieldNameLength = 256
)

const minFieldLength = 32

// Limits are the size constraints a Container must satisfy. All lengths are
// counted in code points of the NFC-normalised text.
type Limits struct {
	MaxContainerSize   int
	MaxFields          int
	MaxFieldLength     int
	MaxTitleLength     int
	MaxFieldNameLength int
}

// DefaultLimits returns the platform defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxContainerSize:   DefaultMaxContainerSize,
		MaxFields:          DefaultMaxFields,
		MaxFieldLength:     DefaultMaxFieldLength,
		MaxTitleLength:     DefaultMaxTitleLength,
		MaxFieldNameLength: DefaultMaxFieldNameLength,
	}
}

// Validate checks that the limits leave room for the header, the victim
// summary, one attacker field and the overflow marker, so packing can always
// produce a valid container.
func (l Limits) Validate() error {
	if l.MaxFields < 3 {
		return errors.New("max fields must be at least 3")
	}
	if l.MaxFieldLength < minFieldLength {
		return fmt.Errorf("max field length must be at least %d", minFieldLength)
	}
	if l.MaxTitleLength < 1 {
		return errors.New("max title length must be positive")
	}
	if n := longestFieldName(); l.MaxFieldNameLength < n {
		return fmt.Errorf("max field name length must be at least %d", n)
	}
	floor := 3*l.MaxTitleLength + 3*(l.MaxFieldNameLength+l.MaxFieldLength)
	if l.MaxContainerSize < floor {
		return fmt.Errorf("max container size %d is below the minimum %d for these limits", l.MaxContainerSize, floor)
	}
	return nil
}

// longestFieldName is the length of the longest built-in field name. Shorter
// name limits would cut the overflow marker's name.
func longestFieldName() int {
	n := 0
	for _, name := range []string{VictimFieldName, AttackersFieldName, AttackersContFieldName, OverflowFieldName} {
		n = max(n, textLen(name))
	}
	return n
}
