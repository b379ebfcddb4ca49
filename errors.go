package parley

import (
	"errors"
	"fmt"

	"github.com/hkdb/parley/internal/store"
)

// ErrorKind partitions every failure an account can produce into the five
// kinds spec.md §7 names, each with its own propagation policy.
type ErrorKind int

const (
	// ErrorKindConfiguration covers bad credentials, unreachable servers,
	// refused TLS: surfaced via ConfigureProgress(0, ...), previous
	// working configuration retained.
	ErrorKindConfiguration ErrorKind = iota
	// ErrorKindTransient covers timeouts, resets, auth-temp-fail, SMTP
	// 4xx: retried internally with backoff, never surfaced on first
	// occurrence.
	ErrorKindTransient
	// ErrorKindPermanent covers SMTP 5xx, missing key in a protected
	// chat, malformed recipients: flips the affected message to
	// out-failed and emits MsgFailed without blocking other traffic.
	ErrorKindPermanent
	// ErrorKindFatal covers DB corruption, migration failure, on-disk
	// tampering: the account refuses to continue until the user acts.
	ErrorKindFatal
	// ErrorKindProgramming covers invalid ids, unknown config keys, stale
	// handles: returned synchronously to the caller, never retried.
	ErrorKindProgramming
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorKindConfiguration:
		return "configuration"
	case ErrorKindTransient:
		return "transient"
	case ErrorKindPermanent:
		return "permanent"
	case ErrorKindFatal:
		return "fatal"
	case ErrorKindProgramming:
		return "programming"
	default:
		return "unknown"
	}
}

// Error is the API-boundary wrapper most exported Account methods return
// instead of a bare error, so a caller can branch on Kind without
// depending on any internal package's error types. Open, Configure and
// Start return plain wrapped errors instead, and so does SetConfigFromQR
// when the error comes from Configure.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("parley: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// wrapErr classifies err into an *Error of the given kind, tagged with
// the operation that produced it. A nil err returns nil.
func wrapErr(op string, kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// classifyErr picks a kind for errors originating from the store, since
// most programming-error cases (unknown config key, missing row) surface
// there directly.
func classifyErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrUnknownConfigKey) {
		return wrapErr(op, ErrorKindProgramming, err)
	}
	if errors.Is(err, store.ErrCorrupt) || errors.Is(err, store.ErrMigrationFailed) {
		return wrapErr(op, ErrorKindFatal, err)
	}
	if errors.Is(err, store.ErrWrongPassphrase) {
		return wrapErr(op, ErrorKindFatal, err)
	}
	return wrapErr(op, ErrorKindTransient, err)
}
