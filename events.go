package parley

import (
	"context"

	"github.com/hkdb/parley/internal/events"
)

// EventType identifies the kind of change an Event reports (spec.md §4.H).
type EventType = events.Type

// Event constants, re-exported from internal/events so callers never import
// an internal package directly (spec.md §9: "never expose async... except
// as a poll_event() loop").
const (
	EventMsgsChanged       = events.MsgsChanged
	EventIncomingMsg       = events.IncomingMsg
	EventMsgDelivered      = events.MsgDelivered
	EventMsgRead           = events.MsgRead
	EventMsgFailed         = events.MsgFailed
	EventConfigureProgress = events.ConfigureProgress
)

// Event is one entry from an account's event stream.
type Event = events.Event

// PollEvent blocks until the next event is available or ctx is done. It is
// the only async-shaped call in the public API; everything else is a plain
// synchronous method backed by the store.
func (a *Account) PollEvent(ctx context.Context) (*Event, bool) {
	return a.bus.Poll(ctx)
}
