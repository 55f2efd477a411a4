package logging

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// Config holds logger configuration
type Config struct {
	Level  string // trace, debug, info, warn, error
	Format string // json or pretty
}

// New creates a structured logger for log aggregation
//
// Features:
//   - Structured JSON output (default) or a human console format
//   - Timestamp in RFC3339 format, caller information
//   - A constant service field so multi-service log streams stay filterable
//
// Invalid levels fall back to info rather than failing startup.
func New(cfg Config) zerolog.Logger {
	var output io.Writer = os.Stdout

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "pretty" {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	logger := zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Str("service", "pulse").
		Logger()

	if err != nil && cfg.Level != "" {
		logger.Warn().Str("log_level", cfg.Level).Msg("Unknown log level, using info")
	}

	return logger
}

// Component derives a child logger tagged with a component name.
func Component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}

// RecoverPanic is a helper for goroutine panic recovery that logs but doesn't exit.
//
// Use in defer blocks of long-lived goroutines (pumps, pollers, consumers) so a
// panic drops one connection instead of the whole process.
//
// Example:
//
//	go func() {
//	    defer logging.RecoverPanic(logger, "writePump", map[string]any{"socket_id": id})
//	    // ... goroutine work ...
//	}()
func RecoverPanic(logger zerolog.Logger, goroutineName string, fields map[string]any) {
	if r := recover(); r != nil {
		event := logger.Error().
			Str("goroutine", goroutineName).
			Interface("panic_value", r).
			Str("stack_trace", string(debug.Stack()))

		for k, v := range fields {
			event = event.Interface(k, v)
		}

		event.Msg("Goroutine panic recovered")
	}
}
