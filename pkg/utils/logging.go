package utils

import (
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig configures logger construction
type LogConfig struct {
	// Level is one of DEBUG, INFO, WARN, ERROR (case-insensitive)
	Level string

	// Format is "json" or "console"
	Format string

	// File enables a rotated log file; empty logs to Output.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool

	// Output is used when File is empty; defaults to stderr.
	Output io.Writer
}

// ParseLogLevel parses a string log level
func ParseLogLevel(level string) (zapcore.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return zapcore.DebugLevel, nil
	case "INFO", "":
		return zapcore.InfoLevel, nil
	case "WARN", "WARNING":
		return zapcore.WarnLevel, nil
	case "ERROR":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("invalid log level: %s", level)
	}
}

// NewLogger builds a zap logger. With a file configured, output is rotated by
// lumberjack; the returned closer must be called on shutdown.
func NewLogger(config LogConfig) (*zap.Logger, io.Closer, error) {
	lvl, err := ParseLogLevel(config.Level)
	if err != nil {
		return nil, nil, err
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.RFC3339TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	switch strings.ToLower(config.Format) {
	case "", "json":
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	case "console":
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	default:
		return nil, nil, fmt.Errorf("invalid log format: %s", config.Format)
	}

	var (
		writer zapcore.WriteSyncer
		closer io.Closer = nopCloser{}
	)
	switch {
	case config.File != "":
		rotator := &lumberjack.Logger{
			Filename:   ExpandPath(config.File),
			MaxSize:    config.MaxSizeMB,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAgeDays,
			Compress:   config.Compress,
		}
		writer = zapcore.AddSync(rotator)
		closer = rotator
	case config.Output != nil:
		writer = zapcore.AddSync(config.Output)
	default:
		writer = zapcore.Lock(os.Stderr)
	}

	core := zapcore.NewCore(encoder, writer, lvl)
	return zap.New(core, zap.AddCaller()), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// FormatBytes formats bytes as human-readable string
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// ParseBytes parses a human-readable byte string such as "64KB" or "1.5M"
func ParseBytes(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty string")
	}

	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.TrimSuffix(s, "B")

	var multiplier int64 = 1
	numStr := s
	if len(s) > 0 {
		switch s[len(s)-1] {
		case 'K':
			multiplier = 1024
		case 'M':
			multiplier = 1024 * 1024
		case 'G':
			multiplier = 1024 * 1024 * 1024
		case 'T':
			multiplier = 1024 * 1024 * 1024 * 1024
		case 'P':
			multiplier = 1024 * 1024 * 1024 * 1024 * 1024
		}
		if multiplier > 1 {
			numStr = strings.TrimSpace(s[:len(s)-1])
		}
	}

	var num float64
	if _, err := fmt.Sscanf(numStr, "%f", &num); err != nil {
		return 0, fmt.Errorf("invalid number format: %s", s)
	}
	if num < 0 {
		return 0, fmt.Errorf("negative size: %s", s)
	}

	return int64(num * float64(multiplier)), nil
}
