// Package telemetry wires up structured logging for the sync engine.
package telemetry

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu      sync.RWMutex
	current = newDefault()
)

func newDefault() zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		With().Timestamp().Logger()
}

// Options configures the process-wide logger.
type Options struct {
	Level  string // debug|info|warn|error
	Format string // json|text
	Output io.Writer
}

// Configure replaces the process-wide logger. Safe to call once at startup.
func Configure(opts Options) {
	mu.Lock()
	defer mu.Unlock()

	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	var w io.Writer = out
	if strings.ToLower(opts.Format) != "json" {
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
	}

	lvl := parseLevel(opts.Level)
	current = zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "":
		return zerolog.InfoLevel
	default:
		return zerolog.InfoLevel
	}
}

// Log returns the process-wide logger. Component-scoped loggers should
// call Log().With().Str("component", "...").Logger() once and hold onto it.
func Log() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// Component returns a child logger tagged with the given component name.
func Component(name string) zerolog.Logger {
	return Log().With().Str("component", name).Logger()
}
