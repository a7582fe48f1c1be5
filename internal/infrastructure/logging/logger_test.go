package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/nerrad567/gray-logic-automation/internal/infrastructure/config"
)

func jsonLogger(level string) (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return NewWithWriter(config.LoggingConfig{Level: level, Format: "json"}, "1.2.3", &buf), &buf
}

func decode(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not one JSON entry: %v\n%s", err, buf.String())
	}
	return entry
}

func TestNew(t *testing.T) {
	for _, cfg := range []config.LoggingConfig{
		{Level: "info", Format: "json", Output: "stdout"},
		{Level: "debug", Format: "text", Output: "stderr"},
		{},
	} {
		if New(cfg, "1.0.0") == nil {
			t.Errorf("New(%+v) returned nil", cfg)
		}
	}
	if Default() == nil {
		t.Error("Default() returned nil")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"Warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := parseLevel(tt.in); got != tt.want {
				t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestDefaultFields(t *testing.T) {
	log, buf := jsonLogger("info")
	log.Component("engine").Info("execution finished", "rule_id", "r1")

	entry := decode(t, buf)
	want := map[string]string{
		"service":   ServiceName,
		"version":   "1.2.3",
		"component": "engine",
		"rule_id":   "r1",
		"msg":       "execution finished",
	}
	for k, v := range want {
		if entry[k] != v {
			t.Errorf("%s = %v, want %q", k, entry[k], v)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	log, buf := jsonLogger("warn")
	log.Info("dropped")
	log.Debug("dropped")
	if buf.Len() != 0 {
		t.Fatalf("below-level entries written: %s", buf.String())
	}
	log.Warn("kept")
	if !strings.Contains(buf.String(), "kept") {
		t.Error("warn entry missing")
	}
}

func TestRedaction(t *testing.T) {
	log, buf := jsonLogger("info")
	log.Info("webhook failed", "url", "https://example.test/hook", "Authorization", "Bearer abc", "token", "xyz")

	entry := decode(t, buf)
	if entry["Authorization"] != redacted || entry["token"] != redacted {
		t.Errorf("secrets not redacted: %v", entry)
	}
	if entry["url"] != "https://example.test/hook" {
		t.Errorf("url = %v, want untouched", entry["url"])
	}
}

func TestTextFormat(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(config.LoggingConfig{Format: "TEXT"}, "1.0.0", &buf)
	log.Info("hello")
	if !strings.Contains(buf.String(), "msg=hello") {
		t.Errorf("text output = %q", buf.String())
	}
}
