// Package allday decides whether a calendar entry spans whole days and
// strips such entries from an expanded window.
//
// The DATE value type on DTSTART/DTEND is trusted first. Feeds that encode
// all-day events as midnight-to-midnight DATE-TIME values are caught by a
// fallback heuristic that tolerates daylight-saving drift.
package allday

import (
	"math"
	"time"

	"icspoll/internal/model"
)

const day = 24 * time.Hour

// DefaultDriftTolerance is how far a midnight-to-midnight span may deviate
// from a whole number of 24h days and still count as all-day.
const DefaultDriftTolerance = 2 * time.Hour

// Classifier holds the heuristic's tunables. The zero value uses
// DefaultDriftTolerance.
type Classifier struct {
	Tolerance time.Duration
}

func New(tolerance time.Duration) *Classifier {
	return &Classifier{Tolerance: tolerance}
}

var defaultClassifier = &Classifier{Tolerance: DefaultDriftTolerance}

// IsAllDay classifies s with the default tolerance.
func IsAllDay(s model.Span) bool {
	return defaultClassifier.IsAllDay(s)
}

// IsAllDay reports whether s is an all-day entry. Missing instants make
// it return false.
func (c *Classifier) IsAllDay(s model.Span) bool {
	if s == nil {
		return false
	}
	b := s.Bounds()
	if b.StartDateOnly || b.EndDateOnly {
		return true
	}
	if b.Start.IsZero() || b.End.IsZero() {
		return false
	}
	if !atMidnight(b.Start) || !atMidnight(b.End) {
		return false
	}

	dur := b.End.Sub(b.Start)
	days := math.Round(float64(dur) / float64(day))
	if days < 1 {
		return false
	}
	drift := dur - time.Duration(days)*day
	if drift < 0 {
		drift = -drift
	}
	return drift <= c.tolerance()
}

func (c *Classifier) tolerance() time.Duration {
	if c == nil || c.Tolerance <= 0 {
		return DefaultDriftTolerance
	}
	return c.Tolerance
}

// atMidnight checks the wall clock in the instant's own location.
func atMidnight(t time.Time) bool {
	h, m, s := t.Clock()
	return h == 0 && m == 0 && s == 0
}

// FilterWindow returns w without all-day entries and the number removed.
// Range bounds are carried over unchanged.
func (c *Classifier) FilterWindow(w model.Window) (model.Window, int) {
	events, droppedEvents := retain(w.Events, c.IsAllDay)
	occs, droppedOccs := retain(w.Occurrences, c.IsAllDay)

	out := w
	out.Events = events
	out.Occurrences = occs
	return out, droppedEvents + droppedOccs
}

// retain keeps the elements for which drop is false, in their original
// order. The input slice is never modified.
func retain[T model.Span](in []T, drop func(model.Span) bool) ([]T, int) {
	if in == nil {
		return nil, 0
	}
	out := make([]T, 0, len(in))
	for _, v := range in {
		if drop(v) {
			continue
		}
		out = append(out, v)
	}
	return out, len(in) - len(out)
}
