package config

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"icspoll/internal/ics"
)

// cronRef anchors the gap computation for cron expressions.
var cronRef = time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)

// ParseInterval turns a poll interval string into a strictly positive
// duration.
//
// Supported forms:
//   - Go duration: "15m", "1h30m"
//   - Integer milliseconds: "900000"
//   - Cron (robfig/cron): "@every 15m", "@hourly", "*/15 * * * *"
//
// A cron expression is reduced to the gap between its next two firings
// after a fixed UTC reference, so it should describe a regular cadence.
func ParseInterval(raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, fmt.Errorf("%w: empty", ics.ErrInvalidInterval)
	}

	var (
		d   time.Duration
		err error
	)
	switch {
	case strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t"):
		d, err = cronInterval(s)
	case isDigits(s):
		var ms int64
		ms, err = strconv.ParseInt(s, 10, 64)
		if err == nil && ms > math.MaxInt64/int64(time.Millisecond) {
			err = fmt.Errorf("%d ms overflows a duration", ms)
		}
		d = time.Duration(ms) * time.Millisecond
	default:
		d, err = time.ParseDuration(s)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ics.ErrInvalidInterval, raw, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%w: %q is not positive", ics.ErrInvalidInterval, raw)
	}
	return d, nil
}

func cronInterval(expr string) (time.Duration, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return 0, err
	}
	if every, ok := sched.(cron.ConstantDelaySchedule); ok {
		return every.Delay, nil
	}
	first := sched.Next(cronRef)
	if first.IsZero() {
		return 0, fmt.Errorf("cron expression %q never fires", expr)
	}
	second := sched.Next(first)
	if second.IsZero() {
		return 0, fmt.Errorf("cron expression %q fires only once", expr)
	}
	return second.Sub(first), nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

// ParseDurationField parses an optional, non-negative duration. An empty
// value yields 0.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}
