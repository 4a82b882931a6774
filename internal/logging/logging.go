// Package logging builds the process slog.Logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Options selects the handler, level and destination.
type Options struct {
	// Level is one of debug, info, warn, error. Empty means info.
	Level string
	// Format is text or json. Empty means text.
	Format string
	// File, if set, receives the log through a RotatingFile instead of
	// Stderr.
	File       string
	MaxSizeMB  int
	MaxBackups int
	// Stderr is the default destination; nil means os.Stderr.
	Stderr io.Writer
}

// ParseLevel maps a level name to its slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("logging: unknown level %q", s)
	}
}

// New returns a logger for opts and a closer for its destination. The closer
// is a no-op unless a log file was opened.
func New(opts Options) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, nil, err
	}

	var (
		out    io.Writer = opts.Stderr
		closer io.Closer = nopCloser{}
	)
	if out == nil {
		out = os.Stderr
	}
	if opts.File != "" {
		f, err := OpenRotatingFile(opts.File, opts.MaxSizeMB, opts.MaxBackups)
		if err != nil {
			return nil, nil, err
		}
		out, closer = f, f
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	switch strings.ToLower(opts.Format) {
	case "", "text":
		h = slog.NewTextHandler(out, handlerOpts)
	case "json":
		h = slog.NewJSONHandler(out, handlerOpts)
	default:
		_ = closer.Close()
		return nil, nil, fmt.Errorf("logging: unknown format %q", opts.Format)
	}
	return slog.New(h), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
