package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestNewLoggerWithWriter_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter("info", "text", &buf)

	logger.Info("channel established", KeyChannelID, "ch-123")

	output := buf.String()
	if !strings.Contains(output, "channel established") {
		t.Errorf("expected message in output, got: %s", output)
	}
	if !strings.Contains(output, "channel_id=ch-123") {
		t.Errorf("expected channel_id attribute in output, got: %s", output)
	}
}

func TestNewLoggerWithWriter_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter("info", "json", &buf)

	logger.Info("session active", KeySessionID, "sess-42")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not valid JSON: %v\noutput: %s", err, buf.String())
	}
	if entry["msg"] != "session active" {
		t.Errorf("msg = %v, want 'session active'", entry["msg"])
	}
	if entry[KeySessionID] != "sess-42" {
		t.Errorf("session_id = %v, want 'sess-42'", entry[KeySessionID])
	}
}

func TestNewLoggerWithWriter_LevelFiltering(t *testing.T) {
	tests := []struct {
		name      string
		level     string
		logAt     slog.Level
		wantEmpty bool
	}{
		{"debug passes at debug", "debug", slog.LevelDebug, false},
		{"debug filtered at info", "info", slog.LevelDebug, true},
		{"info passes at info", "info", slog.LevelInfo, false},
		{"warn passes at error is filtered", "error", slog.LevelWarn, true},
		{"error passes at error", "error", slog.LevelError, false},
		{"unknown level defaults to info", "bogus", slog.LevelDebug, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLoggerWithWriter(tt.level, "text", &buf)

			logger.Log(nil, tt.logAt, "probe")

			if got := buf.Len() == 0; got != tt.wantEmpty {
				t.Errorf("empty output = %v, want %v (output: %s)", got, tt.wantEmpty, buf.String())
			}
		})
	}
}

func TestNopLogger_DiscardsOutput(t *testing.T) {
	logger := NopLogger()
	// Must not panic and must not write anywhere observable.
	logger.Error("this goes nowhere", KeyError, "ignored")
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
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"unknown", slog.LevelInfo},
	}

	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
