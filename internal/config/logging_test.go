package config

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	cases := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"info", slog.LevelInfo, false},
		{"INFO", slog.LevelInfo, false},
		{"trace", LevelTrace, false},
		{"debug", slog.LevelDebug, false},
		{"warn", slog.LevelWarn, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"  debug  ", slog.LevelDebug, false},
		{"verbose", slog.LevelInfo, true},
	}
	for _, tc := range cases {
		got, err := ParseLogLevel(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseLogLevel(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseLogLevel(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestNewLogger_ConsoleOnly(t *testing.T) {
	var buf bytes.Buffer
	logger, cleanup := NewLogger(&buf, slog.LevelInfo, "text", "")
	defer cleanup()

	logger.Info("hello", "symbol", "SPY")
	out := buf.String()
	if !strings.Contains(out, "hello") || !strings.Contains(out, "SPY") {
		t.Errorf("console output missing record: %q", out)
	}
}

func TestNewLogger_FileFanout(t *testing.T) {
	var buf bytes.Buffer
	logFile := filepath.Join(t.TempDir(), "tycho.log")
	logger, cleanup := NewLogger(&buf, slog.LevelInfo, "text", logFile)

	logger.Info("fanned out", "run_id", "r1")
	if err := cleanup(); err != nil {
		t.Fatalf("cleanup: %v", err)
	}

	if !strings.Contains(buf.String(), "fanned out") {
		t.Error("console sink missed the record")
	}
	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	// File sink is JSON regardless of console format.
	if !strings.Contains(string(data), `"msg":"fanned out"`) {
		t.Errorf("file sink not JSON or missing record: %q", data)
	}
}

func TestNewLogger_TraceRendering(t *testing.T) {
	var buf bytes.Buffer
	logger, cleanup := NewLogger(&buf, LevelTrace, "text", "")
	defer cleanup()

	logger.Log(context.Background(), LevelTrace, "wire payload")
	if !strings.Contains(buf.String(), "TRACE") {
		t.Errorf("trace level should render as TRACE, got %q", buf.String())
	}
}
