// Package logger holds the daemon's structured logging setup and the
// capture pipeline for supervised program output.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Level names accepted in configuration files.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Format selects the daemon log encoding.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Rotation defaults applied when a program log carries a size cap.
const (
	DefaultMaxBackups = 3
	DefaultMaxAgeDays = 7
)

// SlogConfig configures the daemon's own operational log, which is distinct
// from captured program output.
type SlogConfig struct {
	Level  Level  `json:"level" mapstructure:"level"`
	Format Format `json:"format" mapstructure:"format"`
	Color  bool   `json:"color" mapstructure:"color"`
	Source bool   `json:"source" mapstructure:"source"`
	Path   string `json:"path" mapstructure:"path"` // append-only file; empty logs to stderr
}

// NewSlogger builds a slog.Logger per the config. File output is plain
// append so external housekeeping stays possible; color applies only to
// the stderr text handler.
func (c SlogConfig) NewSlogger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.slogLevel(), AddSource: c.Source}
	w := io.Writer(os.Stderr)
	toFile := false
	if c.Path != "" {
		if f, err := openAppend(c.Path); err == nil {
			w = f
			toFile = true
		}
	}
	var h slog.Handler
	switch {
	case c.Format == FormatJSON:
		h = slog.NewJSONHandler(w, opts)
	case c.Color && !toFile:
		h = NewColorTextHandler(w, opts)
	default:
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h)
}

func (c SlogConfig) slogLevel() slog.Level {
	switch c.Level {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Capture describes how one supervised program's output stream is stored.
// MaxBytes = 0 keeps Path as a plain append-only file that this system
// never rotates or truncates; operators own housekeeping in that mode.
// A positive MaxBytes enables rotation at that size.
type Capture struct {
	Path       string `json:"stdout_logfile" mapstructure:"stdout_logfile"`
	MaxBytes   int64  `json:"stdout_maxbytes" mapstructure:"stdout_maxbytes"`
	MaxBackups int    `json:"stdout_backups" mapstructure:"stdout_backups"`
	MaxAgeDays int    `json:"stdout_maxage_days" mapstructure:"stdout_maxage_days"`
	Compress   bool   `json:"stdout_compress" mapstructure:"stdout_compress"`
	Tee        bool   `json:"tee_stdout" mapstructure:"tee_stdout"`
}

// Writer opens the capture destination. The caller owns the returned writer
// and reuses it across restarts of the same program so restart cycles append
// to one continuous log.
func (c Capture) Writer() (io.WriteCloser, error) {
	if c.Path == "" {
		return nil, nil
	}
	if c.MaxBytes <= 0 {
		return openAppend(c.Path)
	}
	if err := os.MkdirAll(filepath.Dir(c.Path), 0o750); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	return &lj.Logger{
		Filename:   c.Path,
		MaxSize:    megabytes(c.MaxBytes),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}, nil
}

func openAppend(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644) // #nosec G302 G304 log files are operator-readable
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return f, nil
}

// megabytes converts a byte cap to lumberjack's MaxSize unit. Caps below
// one megabyte round up so a small positive cap still rotates.
func megabytes(n int64) int {
	mb := int(n / (1 << 20))
	if mb < 1 {
		mb = 1
	}
	return mb
}

func valOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
