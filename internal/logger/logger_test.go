package logger

import (
	"bytes"
	"strings"
	"testing"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(WARN, &buf, false)

	l.Debug("feed", "hidden %d", 1)
	l.Info("feed", "hidden %d", 2)
	l.Warn("feed", "shown %d", 3)
	l.Error("feed", "shown %d", 4)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("messages below WARN were written: %q", out)
	}
	if !strings.Contains(out, "[WARN] [feed] shown 3") {
		t.Fatalf("missing warn line: %q", out)
	}
	if !strings.Contains(out, "[ERROR] [feed] shown 4") {
		t.Fatalf("missing error line: %q", out)
	}
}

func TestSilentWritesNothing(t *testing.T) {
	var buf bytes.Buffer
	l := New(SILENT, &buf, false)
	l.Error("x", "boom")
	if buf.Len() != 0 {
		t.Fatalf("silent logger wrote %q", buf.String())
	}
}

func TestModuleLoggerUsesDefault(t *testing.T) {
	var buf bytes.Buffer
	prev := current()
	SetDefault(New(DEBUG, &buf, false))
	defer SetDefault(prev)

	Module("feed").With("camera").Info("state=%s", "open")

	if !strings.Contains(buf.String(), "[INFO] [feed/camera] state=open") {
		t.Fatalf("unexpected output %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"debug":   DEBUG,
		"INFO":    INFO,
		"Warning": WARN,
		"error":   ERROR,
		"none":    SILENT,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil {
			t.Fatalf("ParseLevel(%q) error: %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseLevel(%q) = %s, want %s", in, got, want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}
