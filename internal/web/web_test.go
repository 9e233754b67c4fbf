package web

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"icspoll/internal/config"
	"icspoll/internal/poller"
)

type staticStatuses []poller.Status

func (s staticStatuses) Statuses() []poller.Status { return s }

func newTestServer(t *testing.T, auth *config.BasicAuthConfig, statuses StatusSource) *httptest.Server {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.BasicAuth = auth
	ts := httptest.NewServer(NewServer(cfg, statuses).Handler())
	t.Cleanup(ts.Close)
	return ts
}

func TestHealth(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, &config.BasicAuthConfig{Username: "ops", Password: "secret"}, staticStatuses(nil))

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 without credentials", resp.StatusCode)
	}
}

func TestSourcesListsStatuses(t *testing.T) {
	t.Parallel()
	statuses := staticStatuses{
		{Source: "work", State: "started", Polls: 3, LastFiltered: 1},
		{Source: "home", State: "stopped", LastError: "status 503"},
	}
	ts := newTestServer(t, nil, statuses)

	resp, err := http.Get(ts.URL + "/api/sources")
	if err != nil {
		t.Fatalf("GET /api/sources: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Fatalf("Content-Type = %q", ct)
	}

	var got []poller.Status
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 2 || got[0].Source != "work" || got[0].Polls != 3 || got[1].LastError != "status 503" {
		t.Fatalf("unexpected body: %+v", got)
	}
}

func TestSourcesEmptyIsArray(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil, staticStatuses(nil))

	resp, err := http.Get(ts.URL + "/api/sources")
	if err != nil {
		t.Fatalf("GET /api/sources: %v", err)
	}
	defer resp.Body.Close()
	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(raw) != "[]" {
		t.Fatalf("body = %s, want []", raw)
	}
}

func TestSourceByID(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil, staticStatuses{{Source: "work", State: "started"}})

	resp, err := http.Get(ts.URL + "/api/sources/work")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	var st poller.Status
	err = json.NewDecoder(resp.Body).Decode(&st)
	resp.Body.Close()
	if err != nil || st.Source != "work" || st.State != "started" {
		t.Fatalf("got %+v, %v", st, err)
	}

	resp, err = http.Get(ts.URL + "/api/sources/missing")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestBasicAuth(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, &config.BasicAuthConfig{Username: "ops", Password: "secret"}, staticStatuses(nil))

	tests := []struct {
		name       string
		user, pass string
		want       int
	}{
		{"missing", "", "", http.StatusUnauthorized},
		{"wrong password", "ops", "guess", http.StatusUnauthorized},
		{"valid", "ops", "secret", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/sources", nil)
			if err != nil {
				t.Fatal(err)
			}
			if tt.user != "" {
				req.SetBasicAuth(tt.user, tt.pass)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("request: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestEmptyCredentialsDisableAuth(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, &config.BasicAuthConfig{Username: "ops"}, staticStatuses(nil))

	resp, err := http.Get(ts.URL + "/api/sources")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}
