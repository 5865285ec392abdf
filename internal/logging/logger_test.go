package logging

import (
	"bytes"
	"strings"
	"sync/atomic"
	"testing"
)

func TestDefaultLogger_LevelFiltering(t *testing.T) {
	tests := []struct {
		level     Level
		wantError bool
		wantWarn  bool
		wantInfo  bool
		wantDebug bool
	}{
		{LevelError, true, false, false, false},
		{LevelWarn, true, true, false, false},
		{LevelInfo, true, true, true, false},
		{LevelDebug, true, true, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.level.String(), func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLogger(&buf, tt.level)

			logger.Errorf("error message")
			logger.Warnf("warn message")
			logger.Infof("info message")
			logger.Debugf("debug message")

			output := buf.String()
			if got := strings.Contains(output, "error message"); got != tt.wantError {
				t.Errorf("Error logged: got %v, want %v", got, tt.wantError)
			}
			if got := strings.Contains(output, "warn message"); got != tt.wantWarn {
				t.Errorf("Warn logged: got %v, want %v", got, tt.wantWarn)
			}
			if got := strings.Contains(output, "info message"); got != tt.wantInfo {
				t.Errorf("Info logged: got %v, want %v", got, tt.wantInfo)
			}
			if got := strings.Contains(output, "debug message"); got != tt.wantDebug {
				t.Errorf("Debug logged: got %v, want %v", got, tt.wantDebug)
			}
		})
	}
}

func TestDefaultLogger_NamespaceAndLevelName(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, LevelInfo)

	logger.Infof(NSFlush+"sealed epoch %d", 7)

	output := buf.String()
	if !strings.Contains(output, "INFO") {
		t.Errorf("level name missing: %q", output)
	}
	if !strings.Contains(output, "[flush] sealed epoch 7") {
		t.Errorf("message missing: %q", output)
	}
}

func TestDefaultLogger_FatalCallsHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, LevelError)

	var got atomic.Value
	logger.SetFatalHandler(func(msg string) { got.Store(msg) })
	logger.Fatalf(NSManifest+"overlap in group %d", 3)

	if msg, _ := got.Load().(string); msg != "[manifest] overlap in group 3" {
		t.Errorf("handler got %q", msg)
	}
	if !strings.Contains(buf.String(), "FATAL [manifest] overlap in group 3") {
		t.Errorf("fatal line missing: %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]Level{"debug": LevelDebug, "WARN": LevelWarn, "": LevelInfo, "error": LevelError} {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Errorf("ParseLevel(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestOrDefault(t *testing.T) {
	var typedNil *DefaultLogger
	if OrDefault(typedNil) == nil {
		t.Fatal("OrDefault returned nil for typed-nil")
	}
	if !IsNil(typedNil) {
		t.Error("typed-nil not detected")
	}
	if OrDefault(Discard) != Discard {
		t.Error("OrDefault replaced a usable logger")
	}
}
