package ics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestNormalizeURL(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "webcal://example.com/cal.ics", want: "https://example.com/cal.ics"},
		{in: "WEBCAL://example.com/cal.ics", want: "https://example.com/cal.ics"},
		{in: "webcals://example.com/a/b.ics?x=1", want: "https://example.com/a/b.ics?x=1"},
		{in: "  https://example.com/cal.ics ", want: "https://example.com/cal.ics"},
		{in: "http://127.0.0.1:8080/feed", want: "http://127.0.0.1:8080/feed"},
		{in: "ftp://example.com/cal.ics", wantErr: true},
		{in: "https:///nohost", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		got, err := NormalizeURL(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidURL) {
				t.Fatalf("NormalizeURL(%q) err = %v, want ErrInvalidURL", tt.in, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("NormalizeURL(%q) error: %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("NormalizeURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNewSource(t *testing.T) {
	t.Parallel()
	src, err := NewSource("work", "webcal://example.com/cal.ics", time.Minute)
	if err != nil {
		t.Fatalf("NewSource error: %v", err)
	}
	if src.URL != "https://example.com/cal.ics" || src.ID != "work" || src.Interval != time.Minute {
		t.Fatalf("unexpected source: %+v", src)
	}

	if _, err := NewSource("x", "https://example.com", 0); !errors.Is(err, ErrInvalidInterval) {
		t.Fatalf("zero interval err = %v, want ErrInvalidInterval", err)
	}
	if _, err := NewSource("x", "https://example.com", -time.Second); !errors.Is(err, ErrInvalidInterval) {
		t.Fatalf("negative interval err = %v, want ErrInvalidInterval", err)
	}

	anon, err := NewSource("", "https://example.com/a.ics", time.Second)
	if err != nil {
		t.Fatalf("NewSource error: %v", err)
	}
	if anon.ID != "https://example.com/a.ics" {
		t.Fatalf("empty id should default to URL, got %q", anon.ID)
	}
}

func TestRedactURL(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"https://example.com/path/private.ics?token=abc": "https://example.com/...(redacted)",
		"https://user:pw@example.com/cal.ics":            "https://example.com/...(redacted)",
		"https://example.com":                            "https://example.com/...(redacted)",
		"not a url":                                      "ics://...(redacted)",
	}
	for in, want := range cases {
		if got := RedactURL(in); got != want {
			t.Fatalf("RedactURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestFetchSuccess(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ua := r.Header.Get("User-Agent"); ua != "test-agent" {
			t.Errorf("User-Agent = %q", ua)
		}
		w.Header().Set("Content-Type", "text/calendar")
		_, _ = w.Write([]byte("BEGIN:VCALENDAR\r\nEND:VCALENDAR\r\n"))
	}))
	defer srv.Close()

	f := NewFetcher(FetcherOptions{UserAgent: "test-agent"})
	body, err := f.Fetch(context.Background(), srv.URL+"/cal.ics")
	if err != nil {
		t.Fatalf("Fetch error: %v", err)
	}
	if !strings.HasPrefix(string(body), "BEGIN:VCALENDAR") {
		t.Fatalf("unexpected body %q", body)
	}
}

func TestFetchNonSuccessStatus(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	f := NewFetcher(FetcherOptions{})
	_, err := f.Fetch(context.Background(), srv.URL)
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *StatusError", err)
	}
	if se.Code != http.StatusServiceUnavailable {
		t.Fatalf("Code = %d", se.Code)
	}
	if n := hits.Load(); n != 1 {
		t.Fatalf("server hit %d times, fetcher must not retry", n)
	}
}

func TestFetchTransportError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	addr := srv.URL
	srv.Close()

	f := NewFetcher(FetcherOptions{Timeout: 2 * time.Second})
	if _, err := f.Fetch(context.Background(), addr); err == nil {
		t.Fatal("expected transport error from closed server")
	}
}

func TestFetchConditionalGet(t *testing.T) {
	t.Parallel()
	const etag = `"v1"`
	var conditional atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == etag {
			conditional.Add(1)
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", etag)
		_, _ = w.Write([]byte("BODY-V1"))
	}))
	defer srv.Close()

	f := NewFetcher(FetcherOptions{})
	first, err := f.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("first Fetch error: %v", err)
	}
	second, err := f.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("second Fetch error: %v", err)
	}
	if string(first) != "BODY-V1" || string(second) != "BODY-V1" {
		t.Fatalf("bodies = %q, %q", first, second)
	}
	if conditional.Load() != 1 {
		t.Fatalf("conditional requests = %d, want 1", conditional.Load())
	}
}

func TestFetchNotModifiedWithoutCache(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotModified)
	}))
	defer srv.Close()

	f := NewFetcher(FetcherOptions{})
	if _, err := f.Fetch(context.Background(), srv.URL); err == nil {
		t.Fatal("expected error for 304 without cached body")
	}
}

func TestFetchBodyLimit(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 64)))
	}))
	defer srv.Close()

	f := NewFetcher(FetcherOptions{MaxBodyBytes: 16})
	if _, err := f.Fetch(context.Background(), srv.URL); err == nil {
		t.Fatal("expected error for oversized body")
	}
}
