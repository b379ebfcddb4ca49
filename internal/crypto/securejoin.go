package crypto

import (
	"fmt"

	"github.com/hkdb/parley/internal/store"
)

// InviterState is the inviter side of the secure-join (QR out-of-band
// verification) protocol.
type InviterState string

const (
	InviterInit                InviterState = "init"
	InviterWaitRequest         InviterState = "wait-request"
	InviterWaitRequestWithAuth InviterState = "wait-request-with-auth"
	InviterFinished            InviterState = "finished"
	InviterError               InviterState = "error"
)

// JoinerState is the joiner side of the secure-join protocol.
type JoinerState string

const (
	JoinerInit               JoinerState = "init"
	JoinerWaitInviterKey     JoinerState = "wait-inviter-key"
	JoinerWaitContactConfirm JoinerState = "wait-contact-confirm"
	JoinerFinished           JoinerState = "finished"
	JoinerError              JoinerState = "error"
)

// Secure-Join header step values (spec.md §6), carried on chat messages
// that drive the handshake.
const (
	StepVcRequest         = "vc-request"
	StepVcAuthRequired    = "vc-auth-required"
	StepVcRequestWithAuth = "vc-request-with-auth"
	StepVcContactConfirm  = "vc-contact-confirm"
	StepVgRequest         = "vg-request"
	StepVgAuthRequired    = "vg-auth-required"
	StepVgRequestWithAuth = "vg-request-with-auth"
	StepVgMemberAdded     = "vg-member-added"
)

// ProtocolMessage is the neutral representation of one Secure-Join headers
// set, independent of how it was carried over MIME (internal/mimecodec
// reads/writes the actual header names).
type ProtocolMessage struct {
	Step         string
	InviteNumber string
	Auth         string
	GroupID      string // vg- variants only
	FromAddress  string
	Fingerprint  string
}

// InviterJoin drives the inviter's side of one incoming protocol message,
// returning the next state and, when non-nil, a message to send back.
// Tokens are single-use: InviteNumber and Auth are checked against
// internal/store's tokens table and rejected on replay.
func InviterJoin(s *store.Store, state InviterState, chatID int64, msg *ProtocolMessage) (InviterState, *ProtocolMessage, error) {
	switch state {
	case InviterInit, InviterWaitRequest:
		if msg.Step != StepVcRequest && msg.Step != StepVgRequest {
			return state, nil, nil
		}
		ok, err := s.TokenExists(store.TokenNamespaceInviteNumber, chatID, msg.InviteNumber)
		if err != nil {
			return InviterError, nil, fmt.Errorf("crypto: secure-join inviter: %w", err)
		}
		if !ok {
			return InviterError, nil, fmt.Errorf("crypto: secure-join inviter: unknown invite number")
		}
		if _, err := s.Exec(`DELETE FROM tokens WHERE namespace = ? AND foreign_id = ? AND token = ?`,
			store.TokenNamespaceInviteNumber, chatID, msg.InviteNumber); err != nil {
			return InviterError, nil, fmt.Errorf("crypto: secure-join inviter: %w", err)
		}
		auth := store.NewToken()
		if err := s.SaveToken(store.TokenNamespaceAuth, chatID, auth); err != nil {
			return InviterError, nil, fmt.Errorf("crypto: secure-join inviter: %w", err)
		}
		reply := authRequiredStep(msg.Step)
		return InviterWaitRequestWithAuth, &ProtocolMessage{Step: reply, Auth: auth, GroupID: msg.GroupID}, nil

	case InviterWaitRequestWithAuth:
		if msg.Step != StepVcRequestWithAuth && msg.Step != StepVgRequestWithAuth {
			return state, nil, nil
		}
		ok, err := s.TokenExists(store.TokenNamespaceAuth, chatID, msg.Auth)
		if err != nil {
			return InviterError, nil, fmt.Errorf("crypto: secure-join inviter: %w", err)
		}
		if !ok {
			return InviterError, nil, fmt.Errorf("crypto: secure-join inviter: invalid or replayed auth token")
		}
		if _, err := s.Exec(`DELETE FROM tokens WHERE namespace = ? AND foreign_id = ? AND token = ?`,
			store.TokenNamespaceAuth, chatID, msg.Auth); err != nil {
			return InviterError, nil, fmt.Errorf("crypto: secure-join inviter: %w", err)
		}
		reply := &ProtocolMessage{Step: StepVcContactConfirm}
		if msg.Step == StepVgRequestWithAuth {
			reply = &ProtocolMessage{Step: StepVgMemberAdded, GroupID: msg.GroupID}
		}
		return InviterFinished, reply, nil

	default:
		return state, nil, nil
	}
}

// JoinerStep drives the joiner's side of one incoming protocol message.
// fingerprintMatches reports whether the inviter's key fingerprint
// announced out-of-band (e.g. via the QR payload) matches msg.Fingerprint;
// membership in a protected chat is never committed without this check.
func JoinerStep(state JoinerState, msg *ProtocolMessage, fingerprintMatches func(string) bool) (JoinerState, *ProtocolMessage, error) {
	switch state {
	case JoinerInit:
		return JoinerWaitInviterKey, nil, nil

	case JoinerWaitInviterKey:
		if msg.Step != StepVcAuthRequired && msg.Step != StepVgAuthRequired {
			return state, nil, nil
		}
		if !fingerprintMatches(msg.Fingerprint) {
			return JoinerError, nil, fmt.Errorf("crypto: secure-join joiner: fingerprint mismatch")
		}
		reply := StepVcRequestWithAuth
		if msg.Step == StepVgAuthRequired {
			reply = StepVgRequestWithAuth
		}
		return JoinerWaitContactConfirm, &ProtocolMessage{Step: reply, Auth: msg.Auth, GroupID: msg.GroupID}, nil

	case JoinerWaitContactConfirm:
		if msg.Step != StepVcContactConfirm && msg.Step != StepVgMemberAdded {
			return state, nil, nil
		}
		return JoinerFinished, nil, nil

	default:
		return state, nil, nil
	}
}

func authRequiredStep(requestStep string) string {
	if requestStep == StepVgRequest {
		return StepVgAuthRequired
	}
	return StepVcAuthRequired
}
