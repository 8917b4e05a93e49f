// Package rtlog wires the core's structured logging on top of zerolog, in
// the teacher's own setup idiom (cmd/pulse-agent/main.go):
//
//	logger := zerolog.New(os.Stdout).Level(cfg.LogLevel).With().Timestamp().Logger()
package rtlog

import (
	"io"

	"github.com/rs/zerolog"
)

// New builds a logger at the given level writing to w, timestamped, matching
// the teacher's cmd/pulse-agent/main.go setup line.
func New(level zerolog.Level, w io.Writer) zerolog.Logger {
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// Nop returns a logger that discards everything, used as the default when a
// caller passes no logger into an FSM or engine constructor.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}

// OrNop returns *l if l is non-nil, else a no-op logger. Every engine in the
// core accepts an optional *zerolog.Logger and threads it through OrNop so
// logging is always nil-safe.
func OrNop(l *zerolog.Logger) zerolog.Logger {
	if l == nil {
		return Nop()
	}
	return *l
}
