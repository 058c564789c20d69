package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{" WARN ", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"chatty", slog.LevelInfo},
	}
	for _, tc := range tests {
		if got := ParseLevel(tc.in); got != tc.want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestNewWritesJSONAtLevel(t *testing.T) {
	var out bytes.Buffer
	logger, closer := New(Options{Level: "warn"}, &out)
	defer closer.Close()

	logger.Info("hidden")
	logger.Warn("shown", "game_id", "g1")

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("lines got %q", out.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec["msg"] != "shown" || rec["game_id"] != "g1" {
		t.Fatalf("record got %v", rec)
	}
}

func TestNewTeesIntoFile(t *testing.T) {
	var out bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "bourse.log")
	logger, closer := New(Options{File: path}, &out)
	logger.Info("phase advanced", "phase", "START_TURN")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(b), "START_TURN") || !strings.Contains(out.String(), "START_TURN") {
		t.Fatalf("file %q stdout %q", b, out.String())
	}
}
