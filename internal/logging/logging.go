// Package logging installs the process-wide slog logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures Setup.
type Options struct {
	Level string
	// File, when set, receives a copy of every record and is rotated.
	File string
	// Console defaults to os.Stderr.
	Console io.Writer
}

// Logging owns the default logger's level and its log file.
type Logging struct {
	level  *slog.LevelVar
	file   *lumberjack.Logger
	logger *slog.Logger
}

// Setup builds a text logger, installs it as slog's default, and returns a
// handle for adjusting the level at runtime.
func Setup(opts Options) (*Logging, error) {
	lvl, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	l := &Logging{level: new(slog.LevelVar)}
	l.level.Set(lvl)

	out := opts.Console
	if out == nil {
		out = os.Stderr
	}
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return nil, fmt.Errorf("creating log directory: %w", err)
		}
		l.file = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     14, // days
			Compress:   true,
		}
		out = io.MultiWriter(out, l.file)
	}

	l.logger = slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: l.level}))
	slog.SetDefault(l.logger)
	return l, nil
}

// Logger returns the installed logger.
func (l *Logging) Logger() *slog.Logger { return l.logger }

// Level returns the current level.
func (l *Logging) Level() slog.Level { return l.level.Level() }

// SetLevel changes the level of the installed logger.
func (l *Logging) SetLevel(s string) error {
	lvl, err := ParseLevel(s)
	if err != nil {
		return err
	}
	if lvl != l.level.Level() {
		l.level.Set(lvl)
		l.logger.Info("log level changed", "level", lvl)
	}
	return nil
}

// Close closes the log file, if any.
func (l *Logging) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// ParseLevel maps a config value to a slog level. An empty value is info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}
