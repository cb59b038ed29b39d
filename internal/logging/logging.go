// Package logging constructs the process-wide structured logger used by
// every component. There is no package-level singleton: New is called once
// at start-up and the returned logger is threaded explicitly through
// constructors, per the Design Notes' "no globals" requirement.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New builds a zerolog.Logger writing human-readable console output when
// pretty is true (development), or newline-delimited JSON otherwise
// (production / log aggregation).
func New(component string, pretty bool) zerolog.Logger {
	var w io.Writer = os.Stdout
	if pretty {
		w = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05.000"}
	}
	return zerolog.New(w).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
