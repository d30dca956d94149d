// Package logging builds the zerolog logger socketbox uses everywhere,
// grounded on the teacher's internal/shared/monitoring/logger.go:
// structured, Loki-friendly JSON by default, a console writer for local
// development, and a small set of error/panic logging helpers used
// uniformly instead of ad hoc fmt.Errorf/log.Println calls.
package logging

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config selects the level and output format for New.
type Config struct {
	Level  string // debug|info|warn|error
	Format string // json|console
}

// New builds a logger with a timestamp, caller info, and a "service"
// field identifying this broker (spec.md's ambient stack; mirrors the
// teacher's NewLogger).
func New(cfg Config) zerolog.Logger {
	var output io.Writer = os.Stdout
	if cfg.Format == "console" {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	return zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Str("service", "socketbox").
		Logger()
}

// Init installs the given logger as the package-level zerolog default,
// for code paths that log through github.com/rs/zerolog/log rather than
// an injected zerolog.Logger (spec.md's ambient stack; mirrors
// InitGlobalLogger).
func Init(cfg Config) {
	log.Logger = New(cfg)
}

// LogError logs an error with additional context fields.
func LogError(logger zerolog.Logger, err error, msg string, fields map[string]any) {
	event := logger.Error().Err(err)
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg(msg)
}

// LogErrorWithStack logs an error together with the current stack
// trace, for unexpected failures where the call path matters.
func LogErrorWithStack(logger zerolog.Logger, err error, msg string, fields map[string]any) {
	event := logger.Error().Err(err).Str("stack_trace", string(debug.Stack()))
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg(msg)
}

// RecoverPanic is meant to run in a goroutine's deferred block. It logs
// a recovered panic with its stack trace and lets the goroutine exit
// normally instead of crashing the process.
func RecoverPanic(logger zerolog.Logger, goroutineName string, fields map[string]any) {
	r := recover()
	if r == nil {
		return
	}
	event := logger.Error().
		Str("goroutine", goroutineName).
		Interface("panic_value", r).
		Str("stack_trace", string(debug.Stack()))
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg("goroutine panic recovered, continuing")
}
