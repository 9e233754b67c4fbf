package ics

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

var (
	ErrInvalidURL      = errors.New("invalid calendar URL")
	ErrInvalidInterval = errors.New("poll interval must be positive")
)

// Source represents a single ICS subscription source. Build it with
// NewSource; the fields are not meant to change afterwards.
type Source struct {
	// ID is an internal identifier (e.g., config source ID) used in logs
	// and events.
	ID string
	// URL is the normalized ICS endpoint (never webcal://).
	URL string
	// Interval is the time between the end of one poll and the next.
	Interval time.Duration
}

// NewSource validates and normalizes a subscription.
func NewSource(id, rawURL string, interval time.Duration) (Source, error) {
	if interval <= 0 {
		return Source{}, fmt.Errorf("source %q: %w (got %s)", id, ErrInvalidInterval, interval)
	}
	u, err := NormalizeURL(rawURL)
	if err != nil {
		return Source{}, fmt.Errorf("source %q: %w", id, err)
	}
	if id == "" {
		id = u
	}
	return Source{ID: id, URL: u, Interval: interval}, nil
}

// NormalizeURL rewrites the calendar-specific webcal:// and webcals://
// schemes to https:// and rejects anything that is not plain HTTP(S).
func NormalizeURL(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidURL)
	}

	lower := strings.ToLower(s)
	for _, scheme := range []string{"webcals://", "webcal://"} {
		if strings.HasPrefix(lower, scheme) {
			s = "https://" + s[len(scheme):]
			break
		}
	}

	u, err := url.Parse(s)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	return u.String(), nil
}

// RedactURL hides sensitive parts of an ICS URL for logging purposes.
//
//	https://example.com/path/to/private.ics?token=abcd
//	-> https://example.com/...(redacted)
func RedactURL(u string) string {
	const redactedSuffix = "/...(redacted)"

	i := strings.Index(u, "://")
	if i == -1 {
		return "ics://...(redacted)"
	}
	rest := u[i+3:]
	if j := strings.IndexByte(rest, '/'); j >= 0 {
		rest = rest[:j]
	}
	// Drop userinfo so credentials embedded in the authority never hit logs.
	if at := strings.LastIndexByte(rest, '@'); at >= 0 {
		rest = rest[at+1:]
	}
	return u[:i+3] + rest + redactedSuffix
}
