package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

// =============================================================================
// Tests: parseLevel
// =============================================================================

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"trace", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := parseLevel(tt.input); got != tt.want {
				t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

// =============================================================================
// Tests: NewLogger
// =============================================================================

func TestNewLogger_VerboseEnablesDebug(t *testing.T) {
	tests := []struct {
		name      string
		level     string
		verbose   bool
		wantDebug bool
	}{
		{"info", "info", false, false},
		{"error", "error", false, false},
		{"verbose overrides error", "error", true, true},
		{"debug", "debug", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := NewLogger("json", tt.level, tt.verbose)
			if got := logger.Enabled(context.Background(), slog.LevelDebug); got != tt.wantDebug {
				t.Errorf("debug enabled = %v, want %v", got, tt.wantDebug)
			}
		})
	}
}

// =============================================================================
// Tests: NewLoggerWithWriter
// =============================================================================

func TestNewLoggerWithWriter_JSONSessionEvent(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(&buf, "json", "info")

	logger.Info("variant_switched",
		"session_id", "3f2a",
		"from_bandwidth", 800000,
		"to_bandwidth", 2400000,
	)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not one JSON object: %v\n%s", err, buf.String())
	}
	if entry["msg"] != "variant_switched" {
		t.Errorf("msg = %v, want variant_switched", entry["msg"])
	}
	if entry["session_id"] != "3f2a" {
		t.Errorf("session_id = %v, want 3f2a", entry["session_id"])
	}
	if entry["to_bandwidth"] != float64(2400000) {
		t.Errorf("to_bandwidth = %v, want 2400000", entry["to_bandwidth"])
	}
}

func TestNewLoggerWithWriter_Text(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(&buf, "TEXT", "info")

	logger.Warn("segment_over_time", "lateness", "250ms")

	out := buf.String()
	for _, want := range []string{"level=WARN", "msg=segment_over_time", "lateness=250ms"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q: %s", want, out)
		}
	}
}

func TestNewLoggerWithWriter_UnknownFormatIsText(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(&buf, "yaml", "info")

	logger.Info("session_started")

	if out := buf.String(); strings.HasPrefix(out, "{") || !strings.Contains(out, "msg=session_started") {
		t.Errorf("unknown format should fall back to text, got: %s", out)
	}
}

func TestNewLoggerWithWriter_LevelFiltering(t *testing.T) {
	tests := []struct {
		level    string
		wantSeen []string
		wantGone []string
	}{
		{"debug", []string{"fetch_retry", "session_started", "segment_http_error", "orchestrator_failed"}, nil},
		{"info", []string{"session_started", "segment_http_error", "orchestrator_failed"}, []string{"fetch_retry"}},
		{"warn", []string{"segment_http_error", "orchestrator_failed"}, []string{"fetch_retry", "session_started"}},
		{"error", []string{"orchestrator_failed"}, []string{"fetch_retry", "session_started", "segment_http_error"}},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLoggerWithWriter(&buf, "text", tt.level)

			logger.Debug("fetch_retry")
			logger.Info("session_started")
			logger.Warn("segment_http_error")
			logger.Error("orchestrator_failed")

			out := buf.String()
			for _, s := range tt.wantSeen {
				if !strings.Contains(out, s) {
					t.Errorf("level %s: missing %q", tt.level, s)
				}
			}
			for _, s := range tt.wantGone {
				if strings.Contains(out, s) {
					t.Errorf("level %s: unexpected %q", tt.level, s)
				}
			}
		})
	}
}

func TestNewLoggerWithWriter_NilWriter(t *testing.T) {
	// Must not panic
	NewLoggerWithWriter(nil, "json", "info").Info("session_started")
}

// =============================================================================
// Tests: Discard / SetDefault
// =============================================================================

func TestDiscard(t *testing.T) {
	logger := Discard()
	if logger.Enabled(context.Background(), slog.LevelError) {
		t.Error("Discard() logger should have every level disabled")
	}
	logger.Error("orchestrator_failed", "error", "boom")
}

func TestSetDefault(t *testing.T) {
	original := slog.Default()
	t.Cleanup(func() { slog.SetDefault(original) })

	var buf bytes.Buffer
	SetDefault(NewLoggerWithWriter(&buf, "text", "info"))
	slog.Info("starting", "sessions", 10)

	if !strings.Contains(buf.String(), "sessions=10") {
		t.Errorf("default logger not replaced, got: %s", buf.String())
	}
}
