// Package logging builds the zerolog loggers used by the command line and the build hook.
package logging

import (
	"io"
	"time"

	"github.com/rs/zerolog"
)

// Level maps a -v count onto a zerolog level: 0 warn, 1 info, 2 debug, 3+ trace.
func Level(verbosity int) zerolog.Level {
	switch {
	case verbosity <= 0:
		return zerolog.WarnLevel
	case verbosity == 1:
		return zerolog.InfoLevel
	case verbosity == 2:
		return zerolog.DebugLevel
	default:
		return zerolog.TraceLevel
	}
}

// New returns a console logger writing to w. Caller information is added from debug
// verbosity upwards.
func New(w io.Writer, verbosity int, noColor bool) zerolog.Logger {
	if w == nil {
		return zerolog.Nop()
	}
	console := zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: time.Kitchen,
		NoColor:    noColor,
	}
	ctx := zerolog.New(console).Level(Level(verbosity)).With().Timestamp()
	if verbosity >= 2 {
		ctx = ctx.Caller()
	}
	return ctx.Logger()
}

// Component returns a child logger tagged with the component name.
func Component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}
