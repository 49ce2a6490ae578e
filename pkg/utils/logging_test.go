package utils

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected zapcore.Level
		wantErr  bool
	}{
		{name: "debug level", input: "DEBUG", expected: zapcore.DebugLevel},
		{name: "info level", input: "INFO", expected: zapcore.InfoLevel},
		{name: "empty defaults to info", input: "", expected: zapcore.InfoLevel},
		{name: "warn level", input: "WARN", expected: zapcore.WarnLevel},
		{name: "warning level", input: "WARNING", expected: zapcore.WarnLevel},
		{name: "error level", input: "ERROR", expected: zapcore.ErrorLevel},
		{name: "case insensitive", input: "debug", expected: zapcore.DebugLevel},
		{name: "invalid level", input: "INVALID", expected: zapcore.InfoLevel, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := ParseLogLevel(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseLogLevel() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if result != tt.expected {
				t.Errorf("ParseLogLevel() = %v, want %v", result, tt.expected)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	t.Run("json to writer", func(t *testing.T) {
		var buf bytes.Buffer
		logger, closer, err := NewLogger(LogConfig{Level: "INFO", Output: &buf})
		if err != nil {
			t.Fatalf("NewLogger() error = %v", err)
		}
		defer closer.Close()

		logger.Info("cache opened", zap.String("tier", "l2"))
		_ = logger.Sync()

		var entry map[string]any
		if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
			t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
		}
		if entry["msg"] != "cache opened" || entry["tier"] != "l2" || entry["level"] != "INFO" {
			t.Errorf("unexpected entry %v", entry)
		}
	})

	t.Run("level filtering", func(t *testing.T) {
		var buf bytes.Buffer
		logger, _, err := NewLogger(LogConfig{Level: "WARN", Format: "console", Output: &buf})
		if err != nil {
			t.Fatalf("NewLogger() error = %v", err)
		}

		logger.Debug("debug message")
		logger.Info("info message")
		logger.Warn("warn message")
		logger.Error("error message")

		output := buf.String()
		if strings.Contains(output, "debug message") || strings.Contains(output, "info message") {
			t.Errorf("messages below WARN were logged: %q", output)
		}
		if !strings.Contains(output, "warn message") || !strings.Contains(output, "error message") {
			t.Errorf("messages at or above WARN missing: %q", output)
		}
	})

	t.Run("rotated file", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "logs", "tiercache.log")
		logger, closer, err := NewLogger(LogConfig{Level: "DEBUG", File: file, MaxSizeMB: 1, MaxBackups: 2})
		if err != nil {
			t.Fatalf("NewLogger() error = %v", err)
		}
		logger.Debug("written to file")
		_ = logger.Sync()
		if err := closer.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}

		data, err := os.ReadFile(file)
		if err != nil {
			t.Fatalf("log file not created: %v", err)
		}
		if !strings.Contains(string(data), "written to file") {
			t.Errorf("log file missing entry: %q", data)
		}
	})

	t.Run("invalid options", func(t *testing.T) {
		if _, _, err := NewLogger(LogConfig{Level: "LOUD"}); err == nil {
			t.Error("expected error for invalid level")
		}
		if _, _, err := NewLogger(LogConfig{Format: "xml"}); err == nil {
			t.Error("expected error for invalid format")
		}
	})
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		name     string
		bytes    int64
		expected string
	}{
		{name: "zero bytes", bytes: 0, expected: "0 B"},
		{name: "bytes", bytes: 512, expected: "512 B"},
		{name: "kilobytes", bytes: 1024, expected: "1.0 KB"},
		{name: "megabytes", bytes: 1024 * 1024, expected: "1.0 MB"},
		{name: "gigabytes", bytes: 1024 * 1024 * 1024, expected: "1.0 GB"},
		{name: "fractional", bytes: 1536, expected: "1.5 KB"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := FormatBytes(tt.bytes)
			if result != tt.expected {
				t.Errorf("FormatBytes() = %v, want %v", result, tt.expected)
			}
		})
	}
}

func TestParseBytes(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected int64
		wantErr  bool
	}{
		{name: "bytes", input: "512", expected: 512},
		{name: "bytes with B suffix", input: "512B", expected: 512},
		{name: "kilobytes", input: "1K", expected: 1024},
		{name: "kilobytes with B suffix", input: "2KB", expected: 2048},
		{name: "megabytes with B suffix", input: "10MB", expected: 10 * 1024 * 1024},
		{name: "gigabytes", input: "2G", expected: 2 * 1024 * 1024 * 1024},
		{name: "petabytes", input: "1P", expected: 1024 * 1024 * 1024 * 1024 * 1024},
		{name: "fractional", input: "1.5G", expected: int64(1.5 * 1024 * 1024 * 1024)},
		{name: "case insensitive", input: "1gb", expected: 1024 * 1024 * 1024},
		{name: "with spaces", input: " 2 GB ", expected: 2 * 1024 * 1024 * 1024},
		{name: "empty string", input: "", wantErr: true},
		{name: "invalid format", input: "invalid", wantErr: true},
		{name: "invalid number", input: "XGB", wantErr: true},
		{name: "negative", input: "-1KB", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := ParseBytes(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseBytes() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if result != tt.expected {
				t.Errorf("ParseBytes() = %v, want %v", result, tt.expected)
			}
		})
	}
}
