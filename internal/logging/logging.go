// Package logging provides the account-scoped zerolog setup shared by every
// subsystem in parley.
package logging

import (
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

var (
	mu   sync.Mutex
	base = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).
		With().Timestamp().Logger().Level(zerolog.InfoLevel)
)

// SetOutput redirects all future loggers to w. Intended for tests and for
// embedders that want to capture logs instead of writing to stderr.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	base = zerolog.New(w).With().Timestamp().Logger().Level(base.GetLevel())
}

// SetLevel adjusts the minimum level for all future loggers.
func SetLevel(level zerolog.Level) {
	mu.Lock()
	defer mu.Unlock()
	base = base.Level(level)
}

// WithComponent returns a logger tagged with component=name, the same
// pattern used throughout the engine to scope log lines to a subsystem
// (e.g. "imap-idle", "store", "crypto").
func WithComponent(name string) zerolog.Logger {
	mu.Lock()
	defer mu.Unlock()
	return base.With().Str("component", name).Logger()
}

// WithAccount returns a component logger further scoped to one account,
// matching the "component" + "account" field pair used by the IMAP watchers.
func WithAccount(component, accountID string) zerolog.Logger {
	return WithComponent(component).With().Str("account", accountID).Logger()
}
