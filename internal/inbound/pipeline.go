// Package inbound implements the twelve-step inbound message pipeline
// (spec.md §4.F): one raw MIME blob plus its source folder/UID goes in,
// and comes out either persisted into a chat or trashed as a duplicate.
package inbound

import (
	"context"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/hkdb/parley/internal/crypto"
	"github.com/hkdb/parley/internal/events"
	"github.com/hkdb/parley/internal/logging"
	"github.com/hkdb/parley/internal/mimecodec"
	"github.com/hkdb/parley/internal/store"
)

// ShowEmails controls classification of non-chat mail (SPEC_FULL.md §5,
// Open Question 3).
type ShowEmails string

const (
	ShowEmailsOff              ShowEmails = "off"
	ShowEmailsAcceptedContacts ShowEmails = "accepted-contacts"
	ShowEmailsAll              ShowEmails = "all"
)

// Deps are the account-wide collaborators every stage reads or writes
// through; one Deps is shared across every message run through the
// pipeline for an account.
type Deps struct {
	Store       *store.Store
	Bus         *events.Bus
	SelfAddress string
	Keyring     openpgp.EntityList // every historical private key, for decrypt
	ShowEmails  ShowEmails
}

// Classification is the result of pipeline step 6.
type Classification struct {
	IsChat     bool
	IsGroup    bool
	GroupID    string
	IsAction   bool
	IsMDN      bool
	SecureJoin *crypto.ProtocolMessage
	ViewType   string
}

// State threads through every stage, accumulating the result of each step.
type State struct {
	Deps *Deps

	Raw       []byte
	Folder    string
	UID       uint32
	FetchedAt time.Time

	OuterTree   *mimecodec.Tree
	FromAddress string
	FromName    string
	MessageDate time.Time
	RFC724MID   string

	Duplicate  bool
	ExistingID int64

	WasEncrypted         bool
	SignatureFingerprint string
	InnerTree            *mimecodec.Tree // non-nil only when WasEncrypted
	EffectiveTree        *mimecodec.Tree // InnerTree if present, else OuterTree
	innerRaw             []byte          // decrypted protected headers + body, pre-reparse

	Classification Classification

	SenderContact *store.Contact
	Chat          *store.Chat
	LocationID    int64

	PersistedID int64
	// Trashed stops the pipeline early (duplicate, unparseable, or
	// otherwise not worth persisting) without treating it as an error.
	Trashed bool
}

var logger = logging.WithComponent("inbound")

// Stage is one named, independently-testable pipeline step
// (spec.md §4.F: "each is a named stage so it can be tested in
// isolation").
type Stage func(ctx context.Context, st *State) error

// Stages is the full ordered pipeline, spec.md §4.F steps 1-12.
var Stages = []Stage{
	ParseMIME,
	DedupByMessageID,
	ExtractAutocrypt,
	DecryptAndVerify,
	ReconstructProtectedHeaders,
	Classify,
	ResolveSenderContact,
	ResolveChat,
	ApplyGroupActions,
	AttachBodyAndLocation,
	Persist,
	EnqueueFollowups,
}

// Run executes every stage in order, stopping early once a stage marks
// the message Trashed. Concurrency note: the pipeline is single-writer
// per account (spec.md §4.F); callers serialize Run invocations through a
// bounded channel rather than calling it concurrently for the same
// account.
func Run(ctx context.Context, st *State) error {
	for _, stage := range Stages {
		if st.Trashed {
			return nil
		}
		if err := stage(ctx, st); err != nil {
			logger.Warn().Err(err).Msg("inbound pipeline stage failed")
			return err
		}
	}
	return nil
}
