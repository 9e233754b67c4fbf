package ics

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/teambition/rrule-go"

	appLog "icspoll/internal/log"
	"icspoll/internal/model"
)

const (
	defaultMaxOccurrencesPerEvent = 5000
)

// ExpandConfig controls how recurrence expansion is performed.
type ExpandConfig struct {
	// DisplayLocation is the timezone to which all results will be converted.
	// If nil, time.Local is used.
	DisplayLocation *time.Location

	// RangeStart / RangeEnd define the half-open window [RangeStart, RangeEnd).
	RangeStart time.Time
	RangeEnd   time.Time

	// MaxOccurrencesPerEvent is a safety cap to avoid infinite or extremely
	// large expansions. If zero, defaultMaxOccurrencesPerEvent is used.
	MaxOccurrencesPerEvent int
}

// ExpandResult wraps the expanded window and information about truncation.
type ExpandResult struct {
	Window model.Window
	// TruncatedEvents records UIDs that hit the MaxOccurrencesPerEvent cap.
	TruncatedEvents []string
}

// ExpandOccurrences takes the ParsedEvents of one document and places
// everything that intersects the configured range into a window:
//
//   - Non-recurring events (and orphaned overrides) go to Window.Events
//   - RRULE series are expanded into Window.Occurrences, with EXDATE
//     removal and RECURRENCE-ID overrides applied
//
// Output order follows the document: series appear in the order their
// first VEVENT did, instances of a series chronologically.
func ExpandOccurrences(events []ParsedEvent, cfg ExpandConfig) (ExpandResult, error) {
	var result ExpandResult

	if !cfg.RangeEnd.After(cfg.RangeStart) {
		return result, errors.New("expand: RangeEnd is not after RangeStart")
	}
	if cfg.DisplayLocation == nil {
		cfg.DisplayLocation = time.Local
	}
	if cfg.MaxOccurrencesPerEvent <= 0 {
		cfg.MaxOccurrencesPerEvent = defaultMaxOccurrencesPerEvent
	}
	result.Window.RangeStart = cfg.RangeStart.In(cfg.DisplayLocation)
	result.Window.RangeEnd = cfg.RangeEnd.In(cfg.DisplayLocation)

	// Group base events and overrides by UID, remembering document order.
	order := make([]string, 0)
	seen := make(map[string]bool)
	baseByUID := make(map[string][]ParsedEvent)
	overridesByUID := make(map[string][]ParsedEvent)

	for _, ev := range events {
		if !seen[ev.UID] {
			seen[ev.UID] = true
			order = append(order, ev.UID)
		}
		if ev.IsOverride && ev.Recurrence != nil {
			overridesByUID[ev.UID] = append(overridesByUID[ev.UID], ev)
		} else {
			baseByUID[ev.UID] = append(baseByUID[ev.UID], ev)
		}
	}

	for _, uid := range order {
		overrides := overridesByUID[uid]
		bases, ok := baseByUID[uid]
		if !ok {
			// Overrides whose series is missing from the feed still describe
			// real instances; surface them as plain events.
			for _, ov := range overrides {
				if overlaps(ov.Start, ov.End, cfg.RangeStart, cfg.RangeEnd) {
					result.Window.Events = append(result.Window.Events, makeEvent(ov, cfg.DisplayLocation))
				}
			}
			continue
		}

		truncated := false
		for _, ev := range bases {
			if ev.RawRRule == "" {
				if e, ok := expandSingleEvent(ev, overrides, cfg); ok {
					result.Window.Events = append(result.Window.Events, e)
				}
				continue
			}
			occ, hitCap, err := expandRecurringEvent(ev, overrides, cfg)
			if err != nil {
				appLog.Warn("expand: skipping series", "uid", uid, "reason", err.Error())
				continue
			}
			if hitCap {
				truncated = true
			}
			result.Window.Occurrences = append(result.Window.Occurrences, occ...)
		}

		if truncated {
			result.TruncatedEvents = append(result.TruncatedEvents, uid)
			appLog.Warn("expand: truncated occurrences for UID due to cap",
				"uid", uid,
				"cap", cfg.MaxOccurrencesPerEvent,
			)
		}
	}

	return result, nil
}

func expandSingleEvent(ev ParsedEvent, overrides []ParsedEvent, cfg ExpandConfig) (model.Event, bool) {
	// Apply any override whose RECURRENCE-ID matches this start.
	if o, ok := findOverrideForStart(overrides, ev.Start); ok {
		ev = o
	}
	if !overlaps(ev.Start, ev.End, cfg.RangeStart, cfg.RangeEnd) {
		return model.Event{}, false
	}
	return makeEvent(ev, cfg.DisplayLocation), true
}

func expandRecurringEvent(ev ParsedEvent, overrides []ParsedEvent, cfg ExpandConfig) ([]model.Occurrence, bool, error) {
	out := make([]model.Occurrence, 0)

	r, err := rrule.StrToRRule(ev.RawRRule)
	if err != nil {
		return nil, false, fmt.Errorf("parse RRULE %q: %w", ev.RawRRule, err)
	}
	r.DTStart(ev.Start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.ExDates {
		set.ExDate(ex.In(ev.Start.Location()))
	}

	dur := ev.End.Sub(ev.Start)
	if dur < 0 {
		dur = 0
	}
	dateDays := 0
	if ev.StartDateOnly {
		dateDays = calendarDays(ev.Start, ev.End)
	}

	// Look back by one duration so instances already running at RangeStart
	// are found too.
	loc := ev.Start.Location()
	occTimes := set.Between(cfg.RangeStart.Add(-dur).In(loc), cfg.RangeEnd.In(loc), true)

	hitCap := false
	visited := make(map[int64]bool, len(occTimes))
	for _, occStart := range occTimes {
		visited[occStart.UnixNano()] = true
		var occEnd time.Time
		if ev.StartDateOnly {
			// Whole days keep their midnight boundaries across DST changes.
			occEnd = occStart.AddDate(0, 0, dateDays)
		} else {
			occEnd = occStart.Add(dur)
		}

		rid := occStart
		inst := ev
		inst.Start, inst.End = occStart, occEnd
		if o, ok := findOverrideForStart(overrides, occStart); ok {
			inst = o
		}

		if !overlaps(inst.Start, inst.End, cfg.RangeStart, cfg.RangeEnd) {
			continue
		}
		if len(out) == cfg.MaxOccurrencesPerEvent {
			hitCap = true
			break
		}
		out = append(out, makeOccurrence(inst, rid, cfg.DisplayLocation))
	}

	// Overrides can move an instance from outside the scanned range into
	// the window. The RECURRENCE-ID must still name a live rule instance.
	for _, ov := range overrides {
		if hitCap {
			break
		}
		rid := ov.Recurrence.In(loc)
		if visited[rid.UnixNano()] || !overlaps(ov.Start, ov.End, cfg.RangeStart, cfg.RangeEnd) {
			continue
		}
		if !isRuleInstance(&set, rid) {
			continue
		}
		if len(out) == cfg.MaxOccurrencesPerEvent {
			hitCap = true
			break
		}
		visited[rid.UnixNano()] = true
		out = append(out, makeOccurrence(ov, rid, cfg.DisplayLocation))
	}

	slices.SortStableFunc(out, func(a, b model.Occurrence) int {
		return a.Start.Compare(b.Start)
	})
	return out, hitCap, nil
}

// isRuleInstance reports whether t is produced by set, after EXDATEs.
func isRuleInstance(set *rrule.Set, t time.Time) bool {
	for _, occ := range set.Between(t.Add(-time.Second), t.Add(time.Second), true) {
		if occ.Equal(t) {
			return true
		}
	}
	return false
}

// findOverrideForStart finds an override whose RECURRENCE-ID matches the
// given instance start exactly.
func findOverrideForStart(overrides []ParsedEvent, start time.Time) (ParsedEvent, bool) {
	for _, ov := range overrides {
		if ov.Recurrence == nil {
			continue
		}
		if ov.Recurrence.Equal(start) {
			return ov, true
		}
	}
	return ParsedEvent{}, false
}

func makeEvent(ev ParsedEvent, displayLoc *time.Location) model.Event {
	return model.Event{
		SourceID:      ev.Source.ID,
		UID:           ev.UID,
		Summary:       ev.Summary,
		Description:   ev.Description,
		Location:      ev.Location,
		Start:         ev.Start.In(displayLoc),
		End:           ev.End.In(displayLoc),
		StartDateOnly: ev.StartDateOnly,
		EndDateOnly:   ev.EndDateOnly,
	}
}

// makeOccurrence converts a (possibly overridden) instance into a
// model.Occurrence normalized into displayLoc.
func makeOccurrence(ev ParsedEvent, rid time.Time, displayLoc *time.Location) model.Occurrence {
	return model.Occurrence{
		SourceID:      ev.Source.ID,
		UID:           ev.UID,
		InstanceKey:   rid.In(displayLoc).Format(time.RFC3339Nano),
		RecurrenceID:  rid.In(displayLoc),
		Summary:       ev.Summary,
		Description:   ev.Description,
		Location:      ev.Location,
		Start:         ev.Start.In(displayLoc),
		End:           ev.End.In(displayLoc),
		StartDateOnly: ev.StartDateOnly,
		EndDateOnly:   ev.EndDateOnly,
	}
}

// overlaps reports whether [aStart, aEnd) intersects [bStart, bEnd).
// Zero-length entries count when their instant lies inside the window.
func overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	if !aStart.Before(bEnd) {
		return false
	}
	if !aEnd.After(aStart) {
		return !aStart.Before(bStart)
	}
	return aEnd.After(bStart)
}

// calendarDays counts date boundaries between a and b in a's location.
func calendarDays(a, b time.Time) int {
	ay, am, ad := a.Date()
	by, bm, bd := b.In(a.Location()).Date()
	da := time.Date(ay, am, ad, 0, 0, 0, 0, time.UTC)
	db := time.Date(by, bm, bd, 0, 0, 0, 0, time.UTC)
	n := int(db.Sub(da) / (24 * time.Hour))
	if n < 1 {
		n = 1
	}
	return n
}

// Expander is the recurrence-expansion collaborator used by the poller:
// it parses one document and expands it over a window.
type Expander struct {
	// Location is the display timezone for results (nil = time.Local).
	Location *time.Location
	// MaxOccurrencesPerEvent caps each series (0 = default).
	MaxOccurrencesPerEvent int
}

// Expand parses body and returns the window [from, to). A document that
// cannot be parsed yields an error.
func (x *Expander) Expand(src Source, body []byte, from, to time.Time) (*model.Window, error) {
	events, err := ParseICS(src, body)
	if err != nil {
		return nil, err
	}
	res, err := ExpandOccurrences(events, ExpandConfig{
		DisplayLocation:        x.Location,
		RangeStart:             from,
		RangeEnd:               to,
		MaxOccurrencesPerEvent: x.MaxOccurrencesPerEvent,
	})
	if err != nil {
		return nil, err
	}
	return &res.Window, nil
}
