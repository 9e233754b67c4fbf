package model

import "time"

// Bounds is the canonical time shape handed to the all-day classifier.
// Both plain events and expanded occurrences reduce to it, so the
// classifier never has to know which of the two it was given.
//
// A zero Start or End means the instant was absent in the feed.
type Bounds struct {
	Start time.Time
	End   time.Time

	// StartDateOnly / EndDateOnly are set when DTSTART / DTEND carried a
	// DATE value (no time-of-day) in the source document.
	StartDateOnly bool
	EndDateOnly   bool
}

// Span is implemented by every value the classifier can inspect.
type Span interface {
	Bounds() Bounds
}

// Event is a single non-recurring calendar event inside the window.
type Event struct {
	SourceID string // calendar source ID
	UID      string // iCalendar UID

	Summary     string
	Description string
	Location    string

	Start time.Time
	End   time.Time

	StartDateOnly bool
	EndDateOnly   bool
}

func (e Event) Bounds() Bounds {
	return Bounds{
		Start:         e.Start,
		End:           e.End,
		StartDateOnly: e.StartDateOnly,
		EndDateOnly:   e.EndDateOnly,
	}
}

// Occurrence represents a single concrete instance of a recurring event
// (after recurrence expansion and timezone normalization).
type Occurrence struct {
	SourceID string // calendar source ID
	UID      string // iCalendar UID

	// InstanceKey uniquely identifies a single occurrence of a recurring
	// event, derived from the local start time.
	InstanceKey string

	// RecurrenceID is the rule-generated start this instance stands for.
	// It differs from Start when an override moved the instance.
	RecurrenceID time.Time

	Summary     string
	Description string
	Location    string

	// Start / End are in the configured display timezone.
	Start time.Time
	End   time.Time

	StartDateOnly bool
	EndDateOnly   bool
}

func (o Occurrence) Bounds() Bounds {
	return Bounds{
		Start:         o.Start,
		End:           o.End,
		StartDateOnly: o.StartDateOnly,
		EndDateOnly:   o.EndDateOnly,
	}
}

// Window is the result of expanding one feed document over [RangeStart, RangeEnd).
type Window struct {
	RangeStart time.Time
	RangeEnd   time.Time

	// Events holds non-recurring events, Occurrences the instances produced
	// from recurrence rules. Both keep the order the expander produced.
	Events      []Event
	Occurrences []Occurrence
}

// Len returns the total number of entries in both subsets.
func (w Window) Len() int {
	return len(w.Events) + len(w.Occurrences)
}
