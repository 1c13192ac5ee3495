// Package logging sets up the server's structured loggers. The original
// implementation kept two independent loggers — one for server events, one
// for client-facing events — so a noisy client session never drowns out
// operational server logs. We keep that split using zerolog sub-loggers
// instead of two separate log files.
package logging

import (
	"io"
	"time"

	"github.com/rs/zerolog"
)

// New builds the root server logger, writing to w (typically os.Stdout or a
// file) in zerolog's console format when pretty is true, JSON otherwise.
func New(w io.Writer, pretty bool) zerolog.Logger {
	if pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).With().Timestamp().Str("component", "server").Logger()
}

// Client returns a sub-logger scoped to a single connection, mirroring the
// original's "[CLIENT] - ..." logger namespace.
func Client(base zerolog.Logger, connID, remote string) zerolog.Logger {
	return base.With().
		Str("component", "client").
		Str("conn_id", connID).
		Str("remote_addr", remote).
		Logger()
}

// Discard is a no-op logger used in tests that don't care about log output.
func Discard() zerolog.Logger {
	return zerolog.New(io.Discard)
}

// init keeps zerolog's global defaults sane even if a package forgets to
// call New (e.g. a unit test constructing a component directly).
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}
