// Package outbound implements the nine-step outbound message pipeline
// (spec.md §4.G): steps 1-6 run synchronously inside Run when the caller
// asks to send a message; steps 7-9 are reactions to asynchronous SMTP/MDN
// outcomes and are exposed as HandleDelivered/HandleMDN/HandleFailed for
// internal/jobs to call once those outcomes are known.
package outbound

import (
	"context"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/hkdb/parley/internal/events"
	"github.com/hkdb/parley/internal/logging"
	"github.com/hkdb/parley/internal/mimecodec"
	"github.com/hkdb/parley/internal/store"
)

// Deps are the account-wide collaborators the pipeline needs.
type Deps struct {
	Store       *store.Store
	Bus         *events.Bus
	SelfAddress string
	SelfEntity  *openpgp.Entity // nil until a keypair has been generated
}

// Attachment is one file to send with a message, already read into memory
// by the caller (the UI layer owns picking it off disk).
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// GroupAction, when non-nil, marks this send as a system action message
// rather than plain chat content (spec.md §4.G step 5).
type GroupAction struct {
	MemberAdded   string // address
	MemberRemoved string // address
	NameChanged   bool   // Chat.Name already holds the new name
	AvatarChanged bool   // Chat.ImageBlob already holds the new token, "" clears it
}

// State threads through the synchronous send stages.
type State struct {
	Deps *Deps

	ChatID      int64
	Chat        *store.Chat
	Text        string
	Attachments []Attachment
	InReplyTo   string
	References  []string
	Action      *GroupAction
	Draft       bool

	MessageID int64
	RFC724MID string

	AttachmentBlobs []mimecodec.Attachment
	Recipients      []string
	Encrypt         bool

	Built []byte

	// Failed stops the pipeline early (e.g. NoKey) without treating it as
	// a Go error: the row has already been transitioned to out-failed and
	// MsgFailed already emitted.
	Failed bool
	// Stopped stops the pipeline early with no failure (e.g. the message
	// was saved as a draft and nothing further should happen yet).
	Stopped bool
}

// Stage is one synchronous send step (spec.md §4.G steps 1-6).
type Stage func(ctx context.Context, st *State) error

// Stages is the synchronous portion of the outbound pipeline.
var Stages = []Stage{
	AllocateMessage,
	MaterializeAttachments,
	BuildRecipients,
	ResolveEncryption,
	ComposeMIME,
	EnqueueSend,
}

var logger = logging.WithComponent("outbound")

// Run executes every synchronous stage in order, stopping early once a
// stage marks the message Failed.
func Run(ctx context.Context, st *State) error {
	for _, stage := range Stages {
		if st.Failed || st.Stopped {
			return nil
		}
		if err := stage(ctx, st); err != nil {
			logger.Warn().Err(err).Msg("outbound pipeline stage failed")
			return err
		}
	}
	return nil
}

func enqueueJob(s *store.Store, thread, action string, foreignID int64, param string) error {
	_, err := s.EnqueueJob(thread, action, foreignID, param, time.Now())
	return err
}
