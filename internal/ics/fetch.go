package ics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/patrickmn/go-cache"

	appLog "icspoll/internal/log"
)

const (
	defaultFetchTimeout = 15 * time.Second
	defaultMaxBodyBytes = 16 << 20
	defaultUserAgent    = "icspoll/0.1"

	// validatorTTL bounds how long a cached body may be revalidated with a
	// conditional request before we fall back to an unconditional GET.
	validatorTTL = 24 * time.Hour
)

// StatusError is returned when the server answers with a non-2xx status.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return "unexpected HTTP status: " + e.Status
}

// FetcherOptions configures a Fetcher. Zero values select defaults.
type FetcherOptions struct {
	Timeout      time.Duration
	UserAgent    string
	MaxBodyBytes int64
	// Client overrides the HTTP client entirely (Timeout is then ignored).
	Client *http.Client
}

// validator holds HTTP cache metadata and the body it validates, for a
// single ICS URL. It lives only in memory.
type validator struct {
	ETag         string
	LastModified string
	Body         []byte
}

// Fetcher retrieves ICS documents. Each Fetch is exactly one HTTP
// exchange; retries are the caller's business.
type Fetcher struct {
	client    *http.Client
	userAgent string
	maxBody   int64
	cache     *cache.Cache
}

func NewFetcher(opts FetcherOptions) *Fetcher {
	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultFetchTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	return &Fetcher{
		client:    client,
		userAgent: ua,
		maxBody:   maxBody,
		cache:     cache.New(validatorTTL, time.Hour),
	}
}

// Fetch normalizes locator (webcal:// -> https://) and returns the
// complete response body.
func (f *Fetcher) Fetch(ctx context.Context, locator string) ([]byte, error) {
	u, err := NormalizeURL(locator)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/calendar, */*;q=0.5")

	cached, haveCached := f.lookup(u)
	if haveCached {
		if cached.ETag != "" {
			req.Header.Set("If-None-Match", cached.ETag)
		}
		if cached.LastModified != "" {
			req.Header.Set("If-Modified-Since", cached.LastModified)
		}
	}

	appLog.Debug("ics fetch start", "url", RedactURL(u))

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", RedactURL(u), err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody+1))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", RedactURL(u), err)
		}
		if int64(len(body)) > f.maxBody {
			return nil, fmt.Errorf("read %s: body exceeds %s", RedactURL(u), humanize.IBytes(uint64(f.maxBody)))
		}

		etag := resp.Header.Get("ETag")
		lastMod := resp.Header.Get("Last-Modified")
		if etag != "" || lastMod != "" {
			f.cache.Set(u, validator{ETag: etag, LastModified: lastMod, Body: body}, cache.DefaultExpiration)
		} else {
			f.cache.Delete(u)
		}

		appLog.Debug("ics fetch success", "url", RedactURL(u), "status", resp.StatusCode, "size", humanize.Bytes(uint64(len(body))))
		return body, nil

	case resp.StatusCode == http.StatusNotModified:
		if !haveCached || len(cached.Body) == 0 {
			return nil, errors.New("received 304 Not Modified but no cached body available")
		}
		appLog.Debug("ics fetch not modified; using cached body", "url", RedactURL(u))
		return cached.Body, nil

	default:
		return nil, &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}
}

func (f *Fetcher) lookup(u string) (validator, bool) {
	v, ok := f.cache.Get(u)
	if !ok {
		return validator{}, false
	}
	val, ok := v.(validator)
	return val, ok
}
