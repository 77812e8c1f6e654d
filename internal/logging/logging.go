// Package logging configures the zerolog logger shared by all commands.
//
// svcboot logs to stderr only. Stdout belongs to command output and, for
// `up` and `run`, to the entrypoint itself.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Options selects the log format and level.
type Options struct {
	// JSON switches from the console writer to line-delimited JSON.
	JSON bool

	// Verbose lowers the level from info to debug.
	Verbose bool

	// Out defaults to os.Stderr.
	Out io.Writer
}

// New builds a logger from opts.
func New(opts Options) zerolog.Logger {
	out := opts.Out
	if out == nil {
		out = os.Stderr
	}

	var w io.Writer = out
	if !opts.JSON {
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	level := zerolog.InfoLevel
	if opts.Verbose {
		level = zerolog.DebugLevel
	}

	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}
