// Package watermark tracks the most recently announced killmail and selects
// the records a poll cycle has not announced yet.
package watermark

import (
	"context"
	"sort"
	"time"

	"github.com/runnerr0/killfeed/internal/killmail"
)

// DefaultLookback is how far back a fresh installation starts announcing.
const DefaultLookback = 96 * time.Hour

// Watermark is the high-water mark of announced killmails. ID is zero when
// only the date is known (legacy configs stored just the date).
type Watermark struct {
	Date time.Time
	ID   int64
	UID  string
}

// Store persists the watermark between cycles. Load reports found=false when
// nothing has been saved yet.
type Store interface {
	LoadWatermark(ctx context.Context) (wm Watermark, found bool, err error)
	SaveWatermark(ctx context.Context, wm Watermark) error
}

// Default returns the watermark used when no prior value exists.
func Default(now time.Time, lookback time.Duration) Watermark {
	if lookback <= 0 {
		lookback = DefaultLookback
	}
	return Watermark{Date: now.UTC().Add(-lookback)}
}

// Of returns the watermark position of k.
func Of(k killmail.Killmail) Watermark {
	return Watermark{Date: k.Date, ID: k.ID, UID: k.UID}
}

// Before reports whether w sorts strictly before o. Ties on the date are
// broken by the larger identifier, assuming the killboard hands out
// increasing ids.
func (w Watermark) Before(o Watermark) bool {
	if !w.Date.Equal(o.Date) {
		return w.Date.Before(o.Date)
	}
	return w.ID < o.ID
}

// Max returns the later of w and o.
func Max(w, o Watermark) Watermark {
	if w.Before(o) {
		return o
	}
	return w
}

// IsNew reports whether k has not been announced under w. A record on the
// watermark's own date is new only if w carries an id and k's id is larger.
func (w Watermark) IsNew(k killmail.Killmail) bool {
	if k.Date.After(w.Date) {
		return true
	}
	if k.Date.Equal(w.Date) && w.ID != 0 {
		return k.ID > w.ID
	}
	return false
}

// Newer returns the records strictly newer than w in chronological order.
// The feed's own order is not trusted.
func Newer(kills []killmail.Killmail, w Watermark) []killmail.Killmail {
	out := make([]killmail.Killmail, 0, len(kills))
	for _, k := range kills {
		if w.IsNew(k) {
			out = append(out, k)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return Of(out[i]).Before(Of(out[j]))
	})
	return out
}

// Latest returns the maximum position within kills, or w when kills is
// empty or holds nothing later.
func Latest(w Watermark, kills []killmail.Killmail) Watermark {
	for _, k := range kills {
		w = Max(w, Of(k))
	}
	return w
}
