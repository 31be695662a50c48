package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected valid JSON log output, got error: %v\nraw output: %s", err, buf.String())
	}
	return entry
}

func TestSetup_ReturnsJSONLoggerWithService(t *testing.T) {
	var buf bytes.Buffer
	l := Setup(&buf, slog.LevelInfo)

	l.Info("sync completed",
		slog.String("user_id", "u-123"),
		slog.String("provider", "strava"),
		slog.String("external_id", "987"),
		slog.String("sync_status", "synced"),
	)

	entry := decodeLine(t, &buf)
	if entry["msg"] != "sync completed" {
		t.Errorf("msg = %q, want %q", entry["msg"], "sync completed")
	}
	if entry["service"] != "trainsync" {
		t.Errorf("service = %q, want %q", entry["service"], "trainsync")
	}
	for key, want := range map[string]string{"user_id": "u-123", "provider": "strava", "external_id": "987", "sync_status": "synced"} {
		if entry[key] != want {
			t.Errorf("%s = %v, want %q", key, entry[key], want)
		}
	}
	if _, ok := entry["time"]; !ok {
		t.Error("expected 'time' field in JSON log output")
	}
}

func TestSetup_RespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	l := Setup(&buf, slog.LevelWarn)

	l.Info("dropped")
	if buf.Len() != 0 {
		t.Errorf("Warn未満は出力されないべき: %s", buf.String())
	}

	l.Warn("kept")
	if entry := decodeLine(t, &buf); entry["level"] != "WARN" {
		t.Errorf("level = %q, want %q", entry["level"], "WARN")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"info", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestComponent_AddsAttribute(t *testing.T) {
	var buf bytes.Buffer
	Component(Setup(&buf, slog.LevelInfo), "sync_scheduler").Info("tick")

	if entry := decodeLine(t, &buf); entry["component"] != "sync_scheduler" {
		t.Errorf("component = %v, want %q", entry["component"], "sync_scheduler")
	}
}

func TestSetupDefault_SetsGlobalLogger(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	SetupDefault(&buf, slog.LevelInfo)

	slog.Default().Info("global test", slog.String("test_key", "test_val"))

	entry := decodeLine(t, &buf)
	if entry["msg"] != "global test" || entry["test_key"] != "test_val" {
		t.Errorf("グローバルロガーに出力されるべき: %v", entry)
	}
}
