// Package logging provides the process-wide logging facade for levelctl.
//
// All packages log through subsystem-tagged helpers (Debug, Info, Warn,
// Error) so that output is uniformly structured regardless of which
// component emitted it. The backend is zerolog; Init selects the output
// writer, the minimum level, and whether entries are rendered for a
// console or emitted as JSON.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

var (
	mu     sync.RWMutex
	logger = zerolog.New(io.Discard)
)

// Init configures the global logger. mode is "console" or "json"; level is
// one of debug, info, warn, error. It should be called once at startup;
// before Init the facade discards everything, which keeps library
// consumers quiet by default.
func Init(mode, level string, out io.Writer) {
	if out == nil {
		out = os.Stderr
	}

	var w io.Writer = out
	if mode != "json" {
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
	}

	l := zerolog.New(w).Level(ParseLevel(level)).With().Timestamp().Logger()

	mu.Lock()
	logger = l
	mu.Unlock()
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func get() *zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	l := logger
	return &l
}

// Debug logs a debug-level message for the given subsystem.
func Debug(subsystem, format string, args ...any) {
	get().Debug().Str("subsystem", subsystem).Msg(fmt.Sprintf(format, args...))
}

// Info logs an info-level message for the given subsystem.
func Info(subsystem, format string, args ...any) {
	get().Info().Str("subsystem", subsystem).Msg(fmt.Sprintf(format, args...))
}

// Warn logs a warn-level message for the given subsystem.
func Warn(subsystem, format string, args ...any) {
	get().Warn().Str("subsystem", subsystem).Msg(fmt.Sprintf(format, args...))
}

// Error logs an error-level message for the given subsystem. err may be nil.
func Error(subsystem string, err error, format string, args ...any) {
	get().Error().Str("subsystem", subsystem).Err(err).Msg(fmt.Sprintf(format, args...))
}
