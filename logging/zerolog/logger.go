// Package zerolog adapts github.com/rs/zerolog to the runner.Logger
// interface so the scheduler's structured logging can be wired to a real
// sink without the core runner package importing zerolog directly.
package zerolog

import (
	"os"

	"github.com/rs/zerolog"

	"github.com/corvid-run/taskloom/runner"
)

// Logger wraps a zerolog.Logger to satisfy runner.Logger.
type Logger struct {
	z zerolog.Logger
}

// New wraps an existing zerolog.Logger.
func New(z zerolog.Logger) *Logger {
	return &Logger{z: z}
}

// NewConsole builds a Logger writing human-readable output to stderr, for
// local development.
func NewConsole(level zerolog.Level) *Logger {
	w := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	z := zerolog.New(w).Level(level).With().Timestamp().Logger()
	return &Logger{z: z}
}

// NewJSON builds a Logger writing newline-delimited JSON to stderr, for
// production deployments that ship logs to a collector.
func NewJSON(level zerolog.Level) *Logger {
	z := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
	return &Logger{z: z}
}

func (l *Logger) event(e *zerolog.Event, msg string, fields []runner.Field) {
	for _, f := range fields {
		e = e.Interface(f.Key, f.Value)
	}
	e.Msg(msg)
}

func (l *Logger) Debug(msg string, fields ...runner.Field) { l.event(l.z.Debug(), msg, fields) }
func (l *Logger) Info(msg string, fields ...runner.Field)  { l.event(l.z.Info(), msg, fields) }
func (l *Logger) Warn(msg string, fields ...runner.Field)  { l.event(l.z.Warn(), msg, fields) }
func (l *Logger) Error(msg string, fields ...runner.Field) { l.event(l.z.Error(), msg, fields) }
