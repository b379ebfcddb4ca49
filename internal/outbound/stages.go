package outbound

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/google/uuid"
	"github.com/hkdb/parley/internal/crypto"
	"github.com/hkdb/parley/internal/events"
	"github.com/hkdb/parley/internal/ids"
	"github.com/hkdb/parley/internal/mimecodec"
	"github.com/hkdb/parley/internal/store"
)

// AllocateMessage is step 1: allocate a message id and persist the row in
// out-draft or out-preparing.
func AllocateMessage(ctx context.Context, st *State) error {
	chat, err := st.Deps.Store.GetChat(st.ChatID)
	if err != nil {
		return fmt.Errorf("outbound: allocate: %w", err)
	}
	st.Chat = chat

	st.RFC724MID = fmt.Sprintf("<%s@parley>", uuid.New().String())
	id, err := st.Deps.Store.InsertOutbound(st.ChatID, ids.ContactSelf, st.RFC724MID, st.Text, st.Draft)
	if err != nil {
		return fmt.Errorf("outbound: allocate: %w", err)
	}
	st.MessageID = id

	if st.Draft {
		st.Stopped = true
	}
	return nil
}

// MaterializeAttachments is step 2: copy each attachment into the blob
// directory so it survives independent of the in-memory send request.
func MaterializeAttachments(ctx context.Context, st *State) error {
	for _, a := range st.Attachments {
		if _, err := st.Deps.Store.PutBlob(a.Filename, strings.NewReader(string(a.Content))); err != nil {
			return fmt.Errorf("outbound: materialize attachment %q: %w", a.Filename, err)
		}
		st.AttachmentBlobs = append(st.AttachmentBlobs, mimecodec.Attachment{
			Filename: a.Filename, ContentType: a.ContentType, Content: a.Content,
		})
	}
	return nil
}

// BuildRecipients is step 3: chat membership minus blocked contacts minus
// self, plus self when bcc_self=1.
func BuildRecipients(ctx context.Context, st *State) error {
	recipients, err := ResolveRecipients(st.Deps.Store, st.ChatID, st.Deps.SelfAddress)
	if err != nil {
		return fmt.Errorf("outbound: recipients: %w", err)
	}
	st.Recipients = recipients
	return nil
}

// ResolveRecipients computes a chat's current SMTP recipient list: chat
// membership minus blocked contacts minus self, plus self when
// bcc_self=1. internal/jobs calls this again at send time rather than
// trusting a list captured when the message was composed, since chat
// membership may have changed in between.
func ResolveRecipients(s *store.Store, chatID int64, selfAddress string) ([]string, error) {
	members, err := s.ChatMembers(chatID)
	if err != nil {
		return nil, err
	}

	bccSelf, err := s.GetConfig(store.ConfigBccSelf)
	if err != nil {
		return nil, err
	}

	var recipients []string
	for _, contactID := range members {
		if contactID == ids.ContactSelf {
			continue
		}
		contact, err := s.GetContact(contactID)
		if err != nil {
			return nil, err
		}
		if contact.Blocked {
			continue
		}
		recipients = append(recipients, contact.Address)
	}
	if bccSelf == "1" {
		recipients = append(recipients, selfAddress)
	}
	return recipients, nil
}

// ResolveEncryption is step 4: decide whether this send can be end-to-end
// encrypted; a protected chat that can't be encrypted fails the row
// outright rather than silently degrading to plaintext.
func ResolveEncryption(ctx context.Context, st *State) error {
	e2ee, err := st.Deps.Store.GetConfig(store.ConfigE2eeEnabled)
	if err != nil {
		return fmt.Errorf("outbound: resolve encryption: %w", err)
	}
	if e2ee == "0" && !st.Chat.Protected {
		st.Encrypt = false
		return nil
	}

	can, err := crypto.ShouldEncrypt(st.Deps.Store, st.Recipients)
	if err != nil {
		return fmt.Errorf("outbound: resolve encryption: %w", err)
	}
	st.Encrypt = can

	if !can && st.Chat.Protected {
		if err := st.Deps.Store.SetError(st.MessageID, "NoKey"); err != nil {
			return fmt.Errorf("outbound: resolve encryption: %w", err)
		}
		st.Deps.Bus.Emit(events.Event{Type: events.MsgFailed, ChatID: st.ChatID, MsgID: st.MessageID, Text: "NoKey"})
		st.Failed = true
	}
	return nil
}

// ComposeMIME is step 5: build the RFC 5322 message with chat headers and,
// if resolved, wrap it in PGP/MIME encryption.
func ComposeMIME(ctx context.Context, st *State) error {
	in := &mimecodec.Input{
		From:        st.Deps.SelfAddress,
		To:          st.Recipients,
		Text:        st.Text,
		MessageID:   st.RFC724MID,
		InReplyTo:   st.InReplyTo,
		References:  st.References,
		Attachments: st.AttachmentBlobs,
	}

	if st.Chat.Type == store.ChatTypeGroup {
		in.GroupID = st.Chat.GroupID
		if st.Chat.Unpromoted() {
			in.GroupName = st.Chat.Name
		}
	}
	if st.Action != nil {
		in.GroupMemberAdded = st.Action.MemberAdded
		in.GroupMemberRemoved = st.Action.MemberRemoved
		if st.Action.NameChanged {
			in.GroupNameChanged = st.Chat.Name
		}
	}

	mdnsEnabled, err := st.Deps.Store.GetConfig(store.ConfigMdnsEnabled)
	if err != nil {
		return fmt.Errorf("outbound: compose: %w", err)
	}
	if mdnsEnabled == "1" {
		in.DispositionNotify = st.Deps.SelfAddress
	}

	if st.Deps.SelfEntity != nil {
		e2ee, err := st.Deps.Store.GetConfig(store.ConfigE2eeEnabled)
		if err != nil {
			return fmt.Errorf("outbound: compose: %w", err)
		}
		if hdr, err := crypto.BuildAutocryptHeader(st.Deps.SelfAddress, st.Deps.SelfEntity, e2ee == "1"); err == nil {
			in.Autocrypt = hdr
		}
		if st.Chat.Type == store.ChatTypeGroup {
			in.AutocryptGossip = map[string]string{}
			for _, addr := range st.Recipients {
				ps, err := st.Deps.Store.GetPeerState(addr)
				if err != nil || ps == nil || len(ps.PublicKey) == 0 {
					continue
				}
				entities, err := crypto.ParseBinaryKey(ps.PublicKey)
				if err != nil || len(entities) == 0 {
					continue
				}
				if gossip, err := crypto.BuildGossipHeader(addr, entities[0]); err == nil {
					in.AutocryptGossip[addr] = gossip
				}
			}
		}
	}

	built, err := mimecodec.Build(in)
	if err != nil {
		return fmt.Errorf("outbound: compose: %w", err)
	}

	if st.Encrypt {
		entities := make(openpgp.EntityList, 0, len(st.Recipients))
		for _, addr := range st.Recipients {
			ps, err := st.Deps.Store.GetPeerState(addr)
			if err != nil {
				return fmt.Errorf("outbound: compose: %w", err)
			}
			if ps == nil || len(ps.PublicKey) == 0 {
				continue
			}
			parsed, err := crypto.ParseBinaryKey(ps.PublicKey)
			if err != nil || len(parsed) == 0 {
				continue
			}
			entities = append(entities, parsed[0])
		}
		built, err = crypto.Encrypt(built, entities, st.Deps.SelfEntity)
		if err != nil {
			return fmt.Errorf("outbound: encrypt: %w", err)
		}
	}

	st.Built = built
	return nil
}

// EnqueueSend is step 6: hand the built message to the SMTP worker and
// transition the row to out-pending.
func EnqueueSend(ctx context.Context, st *State) error {
	blob, err := st.Deps.Store.PutBlob(st.RFC724MID+".eml", strings.NewReader(string(st.Built)))
	if err != nil {
		return fmt.Errorf("outbound: enqueue send: %w", err)
	}
	if err := st.Deps.Store.SetMimeBlob(st.MessageID, blob); err != nil {
		return fmt.Errorf("outbound: enqueue send: %w", err)
	}
	if err := st.Deps.Store.SetState(st.MessageID, store.StateOutPending); err != nil {
		return fmt.Errorf("outbound: enqueue send: %w", err)
	}
	if err := enqueueJob(st.Deps.Store, store.ThreadSMTP, store.ActionSendMail, st.MessageID, blob); err != nil {
		return fmt.Errorf("outbound: enqueue send: %w", err)
	}

	if st.Chat.Type == store.ChatTypeGroup && st.Chat.Unpromoted() {
		if err := st.Deps.Store.MarkPromoted(st.Chat.ID); err != nil {
			return fmt.Errorf("outbound: promote group: %w", err)
		}
	}

	st.Deps.Bus.Emit(events.Event{Type: events.MsgsChanged, ChatID: st.ChatID, MsgID: st.MessageID})
	return nil
}

// HandleDelivered is step 7: every recipient accepted the message over
// SMTP. Transitions the row and schedules a copy to the Sent folder.
func HandleDelivered(s *store.Store, bus *events.Bus, messageID, chatID int64) error {
	if err := s.SetState(messageID, store.StateOutDelivered); err != nil {
		return fmt.Errorf("outbound: delivered: %w", err)
	}
	if err := enqueueJob(s, store.ThreadIMAP, store.ActionCopyToSent, messageID, ""); err != nil {
		return fmt.Errorf("outbound: delivered: %w", err)
	}
	bus.Emit(events.Event{Type: events.MsgDelivered, ChatID: chatID, MsgID: messageID})
	return nil
}

// HandleMDN is step 8: a read receipt arrived for this message.
func HandleMDN(s *store.Store, bus *events.Bus, messageID, chatID, contactID int64, at time.Time) error {
	if err := s.RecordMDN(messageID, contactID, at); err != nil {
		return fmt.Errorf("outbound: mdn: %w", err)
	}
	if err := s.SetState(messageID, store.StateOutMDNRcvd); err != nil {
		return fmt.Errorf("outbound: mdn: %w", err)
	}
	bus.Emit(events.Event{Type: events.MsgRead, ChatID: chatID, MsgID: messageID})
	return nil
}

// HandleFailed is step 9: permanent SMTP failure or the retry budget for a
// transient one ran out.
func HandleFailed(s *store.Store, bus *events.Bus, messageID, chatID int64, reason string) error {
	if err := s.SetError(messageID, reason); err != nil {
		return fmt.Errorf("outbound: failed: %w", err)
	}
	bus.Emit(events.Event{Type: events.MsgFailed, ChatID: chatID, MsgID: messageID, Text: reason})
	return nil
}
