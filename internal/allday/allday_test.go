package allday

import (
	"testing"
	"time"
	_ "time/tzdata"

	"icspoll/internal/model"
)

func mustLoad(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Fatalf("load %s: %v", name, err)
	}
	return loc
}

func TestIsAllDayHeuristic(t *testing.T) {
	t.Parallel()
	ny := mustLoad(t, "America/New_York")

	tests := []struct {
		name  string
		start time.Time
		end   time.Time
		want  bool
	}{
		{
			name:  "one day midnight to midnight",
			start: time.Date(2026, 5, 4, 0, 0, 0, 0, time.UTC),
			end:   time.Date(2026, 5, 5, 0, 0, 0, 0, time.UTC),
			want:  true,
		},
		{
			name:  "five whole days",
			start: time.Date(2026, 5, 4, 0, 0, 0, 0, time.UTC),
			end:   time.Date(2026, 5, 9, 0, 0, 0, 0, time.UTC),
			want:  true,
		},
		{
			name:  "spring forward loses an hour",
			start: time.Date(2026, 3, 7, 0, 0, 0, 0, ny),
			end:   time.Date(2026, 3, 9, 0, 0, 0, 0, ny),
			want:  true,
		},
		{
			name:  "fall back gains an hour",
			start: time.Date(2026, 10, 31, 0, 0, 0, 0, ny),
			end:   time.Date(2026, 11, 3, 0, 0, 0, 0, ny),
			want:  true,
		},
		{
			name:  "half day",
			start: time.Date(2026, 5, 4, 0, 0, 0, 0, time.UTC),
			end:   time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC),
			want:  false,
		},
		{
			name:  "zero length at midnight",
			start: time.Date(2026, 5, 4, 0, 0, 0, 0, time.UTC),
			end:   time.Date(2026, 5, 4, 0, 0, 0, 0, time.UTC),
			want:  false,
		},
		{
			name:  "timed two hour meeting",
			start: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC),
			end:   time.Date(2026, 5, 4, 11, 0, 0, 0, time.UTC),
			want:  false,
		},
		{
			name:  "whole day but starting at one am",
			start: time.Date(2026, 5, 4, 1, 0, 0, 0, time.UTC),
			end:   time.Date(2026, 5, 5, 1, 0, 0, 0, time.UTC),
			want:  false,
		},
		{
			name:  "missing end",
			start: time.Date(2026, 5, 4, 0, 0, 0, 0, time.UTC),
			want:  false,
		},
		{
			name: "missing both",
			want: false,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ev := model.Event{Start: tt.start, End: tt.end}
			if got := IsAllDay(ev); got != tt.want {
				t.Fatalf("IsAllDay(%v -> %v) = %v, want %v", tt.start, tt.end, got, tt.want)
			}
		})
	}
}

func TestIsAllDayDateOnlyFlagWins(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)
	occ := model.Occurrence{Start: start, End: start.Add(45 * time.Minute), StartDateOnly: true}
	if !IsAllDay(occ) {
		t.Fatal("date-only start should classify as all-day")
	}
	ev := model.Event{EndDateOnly: true}
	if !IsAllDay(ev) {
		t.Fatal("date-only end should classify as all-day even without instants")
	}
}

func TestIsAllDayNilSpan(t *testing.T) {
	t.Parallel()
	if IsAllDay(nil) {
		t.Fatal("nil span classified as all-day")
	}
}

func TestClassifierTolerance(t *testing.T) {
	t.Parallel()
	ny := mustLoad(t, "America/New_York")
	span := model.Event{
		Start: time.Date(2026, 3, 7, 0, 0, 0, 0, ny),
		End:   time.Date(2026, 3, 9, 0, 0, 0, 0, ny),
	}
	if New(30 * time.Minute).IsAllDay(span) {
		t.Fatal("1h DST drift accepted with 30m tolerance")
	}
	if !New(0).IsAllDay(span) {
		t.Fatal("zero tolerance should fall back to the default")
	}
}

func TestFilterWindow(t *testing.T) {
	t.Parallel()
	day0 := time.Date(2026, 5, 4, 0, 0, 0, 0, time.UTC)
	w := model.Window{
		RangeStart: day0,
		RangeEnd:   day0.AddDate(0, 0, 7),
		Events: []model.Event{
			{UID: "a", Start: day0.Add(9 * time.Hour), End: day0.Add(10 * time.Hour)},
			{UID: "holiday", Start: day0, End: day0.AddDate(0, 0, 3)},
			{UID: "b", Start: day0.Add(13 * time.Hour), End: day0.Add(14 * time.Hour)},
		},
		Occurrences: []model.Occurrence{
			{UID: "r", InstanceKey: "1", Start: day0.AddDate(0, 0, 1), End: day0.AddDate(0, 0, 2), StartDateOnly: true},
			{UID: "r2", InstanceKey: "2", Start: day0.Add(30 * time.Hour), End: day0.Add(31 * time.Hour)},
		},
	}

	c := New(DefaultDriftTolerance)
	got, removed := c.FilterWindow(w)
	if removed != 2 {
		t.Fatalf("removed = %d, want 2", removed)
	}
	if len(got.Events) != 2 || got.Events[0].UID != "a" || got.Events[1].UID != "b" {
		t.Fatalf("unexpected events after filter: %+v", got.Events)
	}
	if len(got.Occurrences) != 1 || got.Occurrences[0].UID != "r2" {
		t.Fatalf("unexpected occurrences after filter: %+v", got.Occurrences)
	}
	if !got.RangeStart.Equal(w.RangeStart) || !got.RangeEnd.Equal(w.RangeEnd) {
		t.Fatal("range bounds changed by filter")
	}
	if len(w.Events) != 3 {
		t.Fatal("input window was modified")
	}

	again, removed := c.FilterWindow(got)
	if removed != 0 {
		t.Fatalf("second pass removed %d, want 0", removed)
	}
	if again.Len() != got.Len() {
		t.Fatalf("second pass changed length: %d vs %d", again.Len(), got.Len())
	}
}
