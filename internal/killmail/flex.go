package killmail

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// flexNumber accepts a JSON number, a numeric string or null. Anything else
// decodes without error and is reported as bad when read.
type flexNumber struct {
	raw string
	bad bool
}

func (n *flexNumber) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		*n = flexNumber{}
	case len(b) > 0 && b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			*n = flexNumber{bad: true}
			return nil
		}
		*n = flexNumber{raw: strings.TrimSpace(s)}
	case len(b) > 0 && (b[0] == '-' || (b[0] >= '0' && b[0] <= '9')):
		*n = flexNumber{raw: string(b)}
	default:
		*n = flexNumber{bad: true}
	}
	return nil
}

// float returns the value, or 0 and false when it is not a finite number.
// An absent value is 0 and ok.
func (n flexNumber) float() (float64, bool) {
	if n.bad {
		return 0, false
	}
	if n.raw == "" {
		return 0, true
	}
	v, err := strconv.ParseFloat(n.raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// int returns the value as a whole number. Fractions are rejected, not
// rounded.
func (n flexNumber) int() (int64, bool) {
	if n.bad {
		return 0, false
	}
	if n.raw == "" {
		return 0, true
	}
	if v, err := strconv.ParseInt(n.raw, 10, 64); err == nil {
		return v, true
	}
	f, ok := n.float()
	if !ok || f != math.Trunc(f) || math.Abs(f) > 1<<53 {
		return 0, false
	}
	return int64(f), true
}

func (n flexNumber) text() string {
	if n.bad {
		return "(not a number)"
	}
	if n.raw == "" {
		return "(missing)"
	}
	return strconv.Quote(n.raw)
}

// flexString accepts a JSON string, a number (kept as its literal) or null.
type flexString struct {
	value string
	bad   bool
}

func (s *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		*s = flexString{}
	case len(b) > 0 && b[0] == '"':
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			*s = flexString{bad: true}
			return nil
		}
		*s = flexString{value: v}
	case len(b) > 0 && (b[0] == '-' || (b[0] >= '0' && b[0] <= '9')):
		*s = flexString{value: string(b)}
	default:
		*s = flexString{bad: true}
	}
	return nil
}

// flexBool accepts true, false, 0, 1, their string forms or null.
type flexBool struct {
	value bool
	bad   bool
}

func (v *flexBool) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(bytes.TrimSpace(b)), `"`)
	switch strings.ToLower(s) {
	case "true", "1":
		*v = flexBool{value: true}
	case "false", "0", "null", "":
		*v = flexBool{}
	default:
		*v = flexBool{bad: true}
	}
	return nil
}

func (v flexBool) bool() (bool, bool) {
	return v.value, !v.bad
}

// UnmarshalJSON keeps a non-object reference from failing the whole record.
func (n *named) UnmarshalJSON(b []byte) error {
	type plain named
	var v plain
	if err := json.Unmarshal(b, &v); err != nil {
		*n = named{bad: true}
		return nil
	}
	*n = named(v)
	return nil
}

func (r *rawRobot) UnmarshalJSON(b []byte) error {
	type plain rawRobot
	var v plain
	if err := json.Unmarshal(b, &v); err != nil {
		*r = rawRobot{bad: true}
		return nil
	}
	*r = rawRobot(v)
	return nil
}
