// Package events implements the account-wide event bus (spec.md §4.H):
// a single-producer-multi-consumer stream drained by exactly one external
// emitter through PollEvent. Every pipeline stage, job, and control-plane
// operation that changes externally-visible state emits through here.
package events

import (
	"context"
)

// Type identifies the kind of externally-visible change an Event reports.
type Type int

const (
	// MsgsChanged fires whenever a chat's message list changed (new
	// message persisted, state transition, deletion).
	MsgsChanged Type = iota
	// IncomingMsg fires for a freshly received message in a chat that is
	// not muted (spec.md §4.F step 11).
	IncomingMsg
	// MsgDelivered fires when an outbound message's SMTP submission
	// succeeded for every recipient (spec.md §4.G step 7).
	MsgDelivered
	// MsgRead fires when an MDN for an outbound message arrives
	// (spec.md §4.G step 8).
	MsgRead
	// MsgFailed fires on permanent outbound failure or exhausted retries
	// (spec.md §4.G step 9).
	MsgFailed
	// ConfigureProgress reports configure() progress; Permille is
	// 0=failed, 1-999=in progress, 1000=done (spec.md §4.H).
	ConfigureProgress
)

func (t Type) String() string {
	switch t {
	case MsgsChanged:
		return "MsgsChanged"
	case IncomingMsg:
		return "IncomingMsg"
	case MsgDelivered:
		return "MsgDelivered"
	case MsgRead:
		return "MsgRead"
	case MsgFailed:
		return "MsgFailed"
	case ConfigureProgress:
		return "ConfigureProgress"
	default:
		return "Unknown"
	}
}

// Event carries the fields spec.md §4.H names: "(id, chat_id?, msg_id?,
// text?)". Permille is only meaningful for ConfigureProgress.
type Event struct {
	Type     Type
	ChatID   int64
	MsgID    int64
	Text     string
	Permille int
}

// defaultBufferSize bounds how many undelivered events the bus holds
// before it starts dropping — spec.md §4.H: "no backpressure toward
// producers; emitters must drain in a timely manner. Losing the last
// consumer drops further events silently."
const defaultBufferSize = 256

// Bus is the account's event stream. The zero value is not usable; call
// New.
type Bus struct {
	ch chan Event
}

// New creates a Bus with room for defaultBufferSize undelivered events.
func New() *Bus {
	return &Bus{ch: make(chan Event, defaultBufferSize)}
}

// Emit publishes e. If the buffer is full, e is dropped rather than
// blocking the producer — every pipeline stage and job worker must stay
// unblocked regardless of whether anything is polling.
func (b *Bus) Emit(e Event) {
	select {
	case b.ch <- e:
	default:
	}
}

// Poll blocks until an event is available or ctx is done. ok is false
// only when ctx expired; the bus itself never closes.
func (b *Bus) Poll(ctx context.Context) (*Event, bool) {
	select {
	case e := <-b.ch:
		return &e, true
	case <-ctx.Done():
		return nil, false
	}
}
