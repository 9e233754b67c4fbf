package log

import (
	"bytes"
	"errors"
	"os"
	"strings"
	"testing"
)

func TestLevelsAndFields(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	SetLevel(LevelInfo)
	t.Cleanup(func() {
		SetOutput(os.Stderr)
		SetLevel(LevelInfo)
	})

	Debug("hidden debug line")
	Info("poll start", "source", "work", 42, "ignored", "dangling")
	Error("fetch failed", errors.New("boom"), "status", 503)

	out := buf.String()
	if strings.Contains(out, "hidden debug line") {
		t.Fatalf("debug line emitted at info level: %q", out)
	}
	if !strings.Contains(out, "poll start") || !strings.Contains(out, "source=work") {
		t.Fatalf("info line missing fields: %q", out)
	}
	if strings.Contains(out, "dangling") || strings.Contains(out, "ignored") {
		t.Fatalf("non-string key or odd value leaked: %q", out)
	}
	if !strings.Contains(out, "boom") || !strings.Contains(out, "status=503") {
		t.Fatalf("error line missing err/status: %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   LevelDebug,
		" WARN ":  LevelWarn,
		"warning": LevelWarn,
		"error":   LevelError,
		"":        LevelInfo,
		"verbose": LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}
