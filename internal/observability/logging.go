// Package observability sets up the process-wide zerolog logger and the
// OpenTelemetry tracer provider.
package observability

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig controls the root logger.
type LogConfig struct {
	// Level is one of trace, debug, info, warn, error, off.
	Level string `json:"level" yaml:"level" toml:"level"`
	// Format is "console" (human) or "json".
	Format string `json:"format" yaml:"format" toml:"format"`
	// File, when set, receives JSON logs rotated by size.
	File       string `json:"file" yaml:"file" toml:"file"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days" toml:"max_age_days"`
	Compress   bool   `json:"compress" yaml:"compress" toml:"compress"`
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// NewLogger builds the root logger writing to console (and the rotating file
// when configured). The closer releases the file sink.
func NewLogger(cfg LogConfig, console io.Writer) (zerolog.Logger, io.Closer) {
	if console == nil {
		console = os.Stderr
	}
	var out io.Writer = console
	if strings.ToLower(cfg.Format) != "json" {
		out = zerolog.ConsoleWriter{Out: console, TimeFormat: time.TimeOnly}
	}
	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    orDefault(cfg.MaxSizeMB, 50),
			MaxBackups: orDefault(cfg.MaxBackups, 3),
			MaxAge:     orDefault(cfg.MaxAgeDays, 14),
			Compress:   cfg.Compress,
		}
		out = zerolog.MultiLevelWriter(out, lj)
		closer = lj
	}
	l := zerolog.New(out).With().Timestamp().Logger().Level(ParseLevel(cfg.Level))
	return l, closer
}

// ParseLevel maps a level name to zerolog, defaulting to info.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "off", "disabled":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

func orDefault(v, d int) int {
	if v <= 0 {
		return d
	}
	return v
}
