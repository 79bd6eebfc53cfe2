package logger

import (
	"bytes"
	"strings"
	"testing"
)

func TestLogLevel_String(t *testing.T) {
	tests := []struct {
		name     string
		level    LogLevel
		expected string
	}{
		{"DEBUG level", DEBUG, "DEBUG"},
		{"INFO level", INFO, "INFO"},
		{"WARN level", WARN, "WARN"},
		{"ERROR level", ERROR, "ERROR"},
		{"Unknown level", LogLevel(999), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := tt.level.String()
			if result != tt.expected {
				t.Errorf("LogLevel.String() = %v, want %v", result, tt.expected)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		expected  LogLevel
		wantError bool
	}{
		{"Parse DEBUG", "DEBUG", DEBUG, false},
		{"Parse debug lowercase", "debug", DEBUG, false},
		{"Parse INFO", "INFO", INFO, false},
		{"Parse WARN", "WARN", WARN, false},
		{"Parse WARNING", "WARNING", WARN, false},
		{"Parse ERROR", "ERROR", ERROR, false},
		{"Parse empty defaults to INFO", "", INFO, false},
		{"Parse invalid", "INVALID", INFO, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := ParseLevel(tt.input)
			if (err != nil) != tt.wantError {
				t.Errorf("ParseLevel() error = %v, wantError %v", err, tt.wantError)
			}
			if !tt.wantError && result != tt.expected {
				t.Errorf("ParseLevel() = %v, want %v", result, tt.expected)
			}
		})
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithConfig(Config{Level: WARN, Output: &buf})

	l.Debug("debug message")
	l.Info("info message")
	l.Warn("warn message")
	l.Error("error message")

	output := buf.String()
	if strings.Contains(output, "debug message") {
		t.Error("expected DEBUG to be filtered out at WARN level")
	}
	if strings.Contains(output, "info message") {
		t.Error("expected INFO to be filtered out at WARN level")
	}
	if !strings.Contains(output, "warn message") {
		t.Error("expected WARN to be logged")
	}
	if !strings.Contains(output, "error message") {
		t.Error("expected ERROR to be logged")
	}
}

func TestLogger_WithFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithConfig(Config{Level: DEBUG, Output: &buf})

	child := l.WithField("component", "log-store").WithFields("jobId", "abc-123")
	child.Info("record appended", "recordId", 42)

	output := buf.String()
	for _, want := range []string{"component=log-store", "jobId=abc-123", "recordId=42", "record appended"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected output to contain %q, got %q", want, output)
		}
	}

	// Parent must not inherit child fields
	buf.Reset()
	l.Info("plain")
	if strings.Contains(buf.String(), "component=") {
		t.Error("parent logger leaked child fields")
	}
}

func TestLogger_QuotesValuesWithSpaces(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithConfig(Config{Level: DEBUG, Output: &buf})

	l.Info("msg", "detail", "has some spaces")
	if !strings.Contains(buf.String(), `detail="has some spaces"`) {
		t.Errorf("expected quoted value, got %q", buf.String())
	}
}
