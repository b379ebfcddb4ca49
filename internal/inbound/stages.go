package inbound

import (
	"bytes"
	"context"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/hkdb/parley/internal/crypto"
	"github.com/hkdb/parley/internal/events"
	"github.com/hkdb/parley/internal/ids"
	"github.com/hkdb/parley/internal/mimecodec"
	"github.com/hkdb/parley/internal/outbound"
	"github.com/hkdb/parley/internal/store"
)

// ParseMIME is step 1: decode the raw bytes into a neutral tree and pull
// out the envelope fields every later stage needs.
func ParseMIME(ctx context.Context, st *State) error {
	tree, warnings := mimecodec.Parse(st.Raw)
	for _, w := range warnings {
		logger.Debug().Str("stage", w.Stage).Str("msg", w.Message).Msg("mime parse warning")
	}
	st.OuterTree = tree

	if addr, err := mail.ParseAddress(tree.Header("From")); err == nil {
		st.FromAddress = strings.ToLower(addr.Address)
		st.FromName = addr.Name
	}

	if d, err := mail.ParseDate(tree.Header("Date")); err == nil {
		st.MessageDate = d
	} else {
		st.MessageDate = st.FetchedAt
	}

	st.RFC724MID = strings.Trim(tree.Header("Message-Id"), "<> \t")
	return nil
}

// DedupByMessageID is step 2: a message already present under this
// Message-Id is trashed immediately rather than re-processed, independent
// of which folder/UID it arrived under this time (spec.md §8 idempotence).
func DedupByMessageID(ctx context.Context, st *State) error {
	if st.RFC724MID == "" {
		return nil
	}
	existing, err := st.Deps.Store.LookupByRFC724MID(st.RFC724MID)
	if err != nil {
		return fmt.Errorf("inbound: dedup: %w", err)
	}
	if existing != nil {
		st.Duplicate = true
		st.ExistingID = existing.ID
		st.Trashed = true
	}
	return nil
}

// ExtractAutocrypt is step 3: fold a cleartext Autocrypt header into the
// sender's peer state. Encrypted mail carries its own Autocrypt header (if
// any) inside the protected part, handled by ReconstructProtectedHeaders
// once it is decrypted.
func ExtractAutocrypt(ctx context.Context, st *State) error {
	raw := st.OuterTree.Header(mimecodec.HeaderAutocrypt)
	if raw == "" || st.FromAddress == "" {
		return nil
	}
	hdr, err := crypto.ParseAutocryptHeader(raw)
	if err != nil {
		logger.Debug().Err(err).Msg("discarding malformed autocrypt header")
		return nil
	}
	if hdr.Address != st.FromAddress {
		return nil
	}
	return crypto.UpdatePeerState(st.Deps.Store, hdr, st.MessageDate)
}

// DecryptAndVerify is step 4: attempt PGP/MIME decryption, then signature
// verification, on whichever of those applies to this message.
func DecryptAndVerify(ctx context.Context, st *State) error {
	decrypted, wasEncrypted, err := crypto.Decrypt(st.Raw, st.Deps.Keyring)
	if err != nil {
		return fmt.Errorf("inbound: decrypt: %w", err)
	}
	st.WasEncrypted = wasEncrypted

	toParse := st.Raw
	if wasEncrypted {
		toParse = decrypted
	}

	if result, unwrapped := crypto.VerifyAndUnwrap(toParse, st.Deps.Keyring); result != nil {
		st.SignatureFingerprint = result.SignerKeyID
		if unwrapped != nil {
			toParse = unwrapped
		}
	}

	if wasEncrypted {
		// toParse here is the protected header block plus body, not a full
		// RFC 5322 message (no outer From/Date) — ReconstructProtectedHeaders
		// re-assembles it against the outer envelope before reparsing.
		st.innerRaw = toParse
	}
	return nil
}

// ReconstructProtectedHeaders is step 5: when the message was encrypted,
// merge the decrypted protected headers back with the outer envelope's
// From/Date/Message-ID and reparse the result as InnerTree; EffectiveTree
// is set to whichever tree later stages should read from.
func ReconstructProtectedHeaders(ctx context.Context, st *State) error {
	if !st.WasEncrypted {
		st.EffectiveTree = st.OuterTree
		return nil
	}

	var buf strings.Builder
	fmt.Fprintf(&buf, "From: %s\r\n", st.OuterTree.Header("From"))
	fmt.Fprintf(&buf, "Date: %s\r\n", st.OuterTree.Header("Date"))
	if mid := st.OuterTree.Header("Message-Id"); mid != "" {
		fmt.Fprintf(&buf, "Message-Id: %s\r\n", mid)
	}
	buf.Write(st.innerRaw)

	inner, warnings := mimecodec.Parse([]byte(buf.String()))
	for _, w := range warnings {
		logger.Debug().Str("stage", w.Stage).Str("msg", w.Message).Msg("inner mime parse warning")
	}
	st.InnerTree = inner
	st.EffectiveTree = inner

	if raw := inner.Header(mimecodec.HeaderAutocrypt); raw != "" && st.FromAddress != "" {
		if hdr, err := crypto.ParseAutocryptHeader(raw); err == nil && hdr.Address == st.FromAddress {
			if err := crypto.UpdatePeerState(st.Deps.Store, hdr, st.MessageDate); err != nil {
				logger.Warn().Err(err).Msg("updating peer state from protected autocrypt header")
			}
		}
	}
	if raw := inner.Header(mimecodec.HeaderAutocryptGossip); raw != "" {
		if hdr, err := crypto.ParseAutocryptHeader(raw); err == nil {
			if err := crypto.UpdateGossipState(st.Deps.Store, hdr.Address, hdr.Entity, st.MessageDate); err != nil {
				logger.Warn().Err(err).Msg("updating gossip state")
			}
		}
	}
	return nil
}

// Classify is step 6: decide what kind of chat traffic this is.
func Classify(ctx context.Context, st *State) error {
	t := st.EffectiveTree
	c := &st.Classification

	c.IsChat = t.Header(mimecodec.HeaderChatVersion) != ""
	c.GroupID = t.Header(mimecodec.HeaderChatGroupID)
	c.IsGroup = c.GroupID != ""
	c.IsAction = t.Header(mimecodec.HeaderChatGroupMemberAdded) != "" ||
		t.Header(mimecodec.HeaderChatGroupMemberRemoved) != "" ||
		t.Header(mimecodec.HeaderChatGroupNameChanged) != "" ||
		t.Header(mimecodec.HeaderChatGroupAvatar) != ""
	c.IsMDN = strings.EqualFold(t.Root.ContentType, "multipart/report") &&
		strings.EqualFold(t.Root.Params["report-type"], "disposition-notification")

	if step := t.Header(mimecodec.HeaderSecureJoin); step != "" {
		c.SecureJoin = &crypto.ProtocolMessage{
			Step:         step,
			InviteNumber: t.Header(mimecodec.HeaderSecureJoinInvitenumber),
			Auth:         t.Header(mimecodec.HeaderSecureJoinAuth),
			GroupID:      t.Header(mimecodec.HeaderSecureJoinGroup),
			FromAddress:  st.FromAddress,
			Fingerprint:  t.Header(mimecodec.HeaderSecureJoinFingerprint),
		}
	}

	c.ViewType = classifyViewType(t)
	return nil
}

func classifyViewType(t *mimecodec.Tree) string {
	if t.Header(mimecodec.HeaderChatVoiceMessage) != "" {
		return store.ViewVoice
	}
	for _, a := range t.Attachments {
		switch {
		case strings.HasPrefix(a.ContentType, "image/gif"):
			return store.ViewGif
		case strings.HasPrefix(a.ContentType, "image/"):
			return store.ViewImage
		case strings.HasPrefix(a.ContentType, "audio/"):
			return store.ViewAudio
		case strings.HasPrefix(a.ContentType, "video/"):
			return store.ViewVideo
		default:
			return store.ViewFile
		}
	}
	return store.ViewText
}

// ResolveSenderContact is step 7: upsert the sender as a contact, or
// resolve to the reserved self contact for our own sent-to-self copies.
func ResolveSenderContact(ctx context.Context, st *State) error {
	if st.FromAddress == "" {
		return fmt.Errorf("inbound: resolve sender: message has no From address")
	}
	if st.FromAddress == strings.ToLower(st.Deps.SelfAddress) {
		self, err := st.Deps.Store.GetContact(ids.ContactSelf)
		if err != nil {
			return fmt.Errorf("inbound: resolve sender: %w", err)
		}
		st.SenderContact = self
		return nil
	}
	contact, err := st.Deps.Store.UpsertContact(st.FromAddress, st.FromName, store.OriginIncomingUnset)
	if err != nil {
		return fmt.Errorf("inbound: resolve sender: %w", err)
	}
	st.SenderContact = contact
	return nil
}

// ResolveChat is step 8: find or create the chat this message belongs in,
// applying the show_emails policy to non-chat mail (SPEC_FULL.md §5).
func ResolveChat(ctx context.Context, st *State) error {
	if st.Classification.IsGroup {
		chat, err := st.Deps.Store.LookupGroupChatByGroupID(st.Classification.GroupID)
		if err != nil {
			return fmt.Errorf("inbound: resolve group chat: %w", err)
		}
		if chat == nil {
			name := st.EffectiveTree.Header(mimecodec.HeaderChatGroupName)
			chat, err = st.Deps.Store.CreateGroupChat(name, st.Classification.GroupID, false)
			if err != nil {
				return fmt.Errorf("inbound: create group chat: %w", err)
			}
		}
		st.Chat = chat
		return nil
	}

	if st.SenderContact.Blocked {
		chat, err := st.Deps.Store.GetChat(ids.ChatDeaddrop)
		if err != nil {
			return fmt.Errorf("inbound: resolve deaddrop: %w", err)
		}
		st.Chat = chat
		return nil
	}

	if st.Classification.IsChat {
		chat, err := st.Deps.Store.GetOrCreateSingleChat(ctx, st.SenderContact.ID)
		if err != nil {
			return fmt.Errorf("inbound: resolve single chat: %w", err)
		}
		st.Chat = chat
		return nil
	}

	switch st.Deps.ShowEmails {
	case ShowEmailsOff:
		chat, err := st.Deps.Store.GetChat(ids.ChatDeaddrop)
		if err != nil {
			return fmt.Errorf("inbound: resolve deaddrop: %w", err)
		}
		st.Chat = chat
		return nil
	case ShowEmailsAll:
		chat, err := st.Deps.Store.GetOrCreateSingleChat(ctx, st.SenderContact.ID)
		if err != nil {
			return fmt.Errorf("inbound: resolve single chat: %w", err)
		}
		st.Chat = chat
		return nil
	default: // ShowEmailsAcceptedContacts
		if st.SenderContact.Blocked || st.SenderContact.Origin == store.OriginIncomingUnset {
			chat, err := st.Deps.Store.GetChat(ids.ChatDeaddrop)
			if err != nil {
				return fmt.Errorf("inbound: resolve deaddrop: %w", err)
			}
			st.Chat = chat
			return nil
		}
		chat, err := st.Deps.Store.GetOrCreateSingleChat(ctx, st.SenderContact.ID)
		if err != nil {
			return fmt.Errorf("inbound: resolve single chat: %w", err)
		}
		st.Chat = chat
		return nil
	}
}

// ApplyGroupActions is step 9: apply membership/name/avatar changes a
// group-chat message carries. Every store method is itself gated on
// effectiveAt being newer than the chat's last applied action, so replayed
// or out-of-order delivery converges rather than flapping (spec.md §8
// "group membership convergence").
func ApplyGroupActions(ctx context.Context, st *State) error {
	if !st.Classification.IsGroup || st.Chat == nil {
		return nil
	}
	t := st.EffectiveTree

	if added := t.Header(mimecodec.HeaderChatGroupMemberAdded); added != "" {
		contact, err := st.Deps.Store.UpsertContact(added, "", store.OriginIncomingUnset)
		if err != nil {
			return fmt.Errorf("inbound: group member added: %w", err)
		}
		if _, err := st.Deps.Store.AddChatMember(st.Chat.ID, contact.ID, st.MessageDate); err != nil {
			return fmt.Errorf("inbound: group member added: %w", err)
		}
	}

	if removed := t.Header(mimecodec.HeaderChatGroupMemberRemoved); removed != "" {
		id, err := st.Deps.Store.LookupContactByAddress(removed)
		if err != nil {
			return fmt.Errorf("inbound: group member removed: %w", err)
		}
		if id != 0 {
			if _, err := st.Deps.Store.RemoveChatMember(st.Chat.ID, id, st.MessageDate); err != nil {
				return fmt.Errorf("inbound: group member removed: %w", err)
			}
		}
	}

	if t.Header(mimecodec.HeaderChatGroupNameChanged) != "" {
		newName := t.Header(mimecodec.HeaderChatGroupName)
		if _, err := st.Deps.Store.SetChatName(st.Chat.ID, newName, st.MessageDate); err != nil {
			return fmt.Errorf("inbound: group name changed: %w", err)
		}
	}

	if av := t.Header(mimecodec.HeaderChatGroupAvatar); av != "" {
		if av == "0" {
			if _, err := st.Deps.Store.SetChatImage(st.Chat.ID, "", st.MessageDate); err != nil {
				return fmt.Errorf("inbound: clear group avatar: %w", err)
			}
		} else {
			for _, a := range t.Attachments {
				if a.Filename != av {
					continue
				}
				token, err := st.Deps.Store.PutBlob(a.Filename, bytes.NewReader(a.Body))
				if err != nil {
					return fmt.Errorf("inbound: store group avatar: %w", err)
				}
				if _, err := st.Deps.Store.SetChatImage(st.Chat.ID, token, st.MessageDate); err != nil {
					return fmt.Errorf("inbound: set group avatar: %w", err)
				}
				break
			}
		}
	}
	return nil
}

// AttachBodyAndLocation is step 10: materialize attachments as blobs and,
// for a location KML attachment, as location rows.
func AttachBodyAndLocation(ctx context.Context, st *State) error {
	for _, a := range st.EffectiveTree.Attachments {
		if strings.HasSuffix(strings.ToLower(a.Filename), ".kml") {
			points, err := parseKML(a.Body)
			if err != nil {
				logger.Warn().Err(err).Msg("discarding unparseable kml attachment")
				continue
			}
			for _, p := range points {
				loc := &store.Location{
					Latitude: p.Latitude, Longitude: p.Longitude, Accuracy: p.Accuracy,
					Timestamp: p.Timestamp, ChatID: st.Chat.ID, FromID: st.SenderContact.ID,
					Independent: true,
				}
				id, err := st.Deps.Store.SaveLocation(loc)
				if err != nil {
					return fmt.Errorf("inbound: save location: %w", err)
				}
				st.LocationID = id
			}
			continue
		}
		if _, err := st.Deps.Store.PutBlob(a.Filename, bytes.NewReader(a.Body)); err != nil {
			return fmt.Errorf("inbound: store attachment %q: %w", a.Filename, err)
		}
	}
	return nil
}

// Persist is step 11: write the message row and emit the events that
// make it externally visible. An inbound MDN never becomes a chat
// message: it is routed to the outbound pipeline's HandleMDN instead and
// the run is marked Trashed so EnqueueFollowups never sees it.
func Persist(ctx context.Context, st *State) error {
	if st.Classification.IsMDN {
		return persistMDN(ctx, st)
	}

	blob, err := st.Deps.Store.PutBlob(st.RFC724MID+".eml", bytes.NewReader(st.Raw))
	if err != nil {
		return fmt.Errorf("inbound: store raw message: %w", err)
	}

	m := &store.Message{
		RFC724MID:     st.RFC724MID,
		ServerFolder:  st.Folder,
		ServerUID:     st.UID,
		ChatID:        st.Chat.ID,
		FromID:        st.SenderContact.ID,
		TimestampSent: st.MessageDate,
		TimestampRcvd: st.FetchedAt,
		TimestampSort: st.MessageDate,
		ViewType:      st.Classification.ViewType,
		Text:          st.EffectiveTree.PlainText,
		MimeBlob:      blob,
		InReplyTo:     st.EffectiveTree.Header("In-Reply-To"),
		References:    st.EffectiveTree.Header("References"),
		LocationID:    st.LocationID,
	}

	id, duplicate, err := st.Deps.Store.InsertInbound(ctx, m)
	if err != nil {
		return fmt.Errorf("inbound: persist: %w", err)
	}
	st.PersistedID = id
	if duplicate {
		st.Duplicate = true
		st.ExistingID = id
		return nil
	}

	st.Deps.Bus.Emit(events.Event{Type: events.MsgsChanged, ChatID: st.Chat.ID, MsgID: id})
	if st.Chat.MuteUntil.IsZero() || st.Chat.MuteUntil.Before(st.FetchedAt) {
		st.Deps.Bus.Emit(events.Event{Type: events.IncomingMsg, ChatID: st.Chat.ID, MsgID: id})
	}
	return nil
}

// persistMDN resolves the Original-Message-ID an inbound read receipt
// names, transitions that message to out-mdn-rcvd, and stops the pipeline
// (spec.md §4.G step 8). A receipt for a message we don't have, or with no
// resolvable id, is silently dropped.
func persistMDN(ctx context.Context, st *State) error {
	st.Trashed = true

	originalMID := mdnOriginalMessageID(st.EffectiveTree)
	if originalMID == "" {
		return nil
	}
	original, err := st.Deps.Store.LookupByRFC724MID(originalMID)
	if err != nil {
		return fmt.Errorf("inbound: mdn: %w", err)
	}
	if original == nil {
		return nil
	}
	if err := outbound.HandleMDN(st.Deps.Store, st.Deps.Bus, original.ID, original.ChatID, st.SenderContact.ID, st.FetchedAt); err != nil {
		return fmt.Errorf("inbound: mdn: %w", err)
	}
	return nil
}

// mdnOriginalMessageID finds the Original-Message-ID field inside a
// message/disposition-notification part, stripped of angle brackets.
func mdnOriginalMessageID(t *mimecodec.Tree) string {
	return findDispositionNotification(t.Root)
}

func findDispositionNotification(p *mimecodec.Part) string {
	if strings.EqualFold(p.ContentType, "message/disposition-notification") {
		for _, line := range strings.Split(string(p.Body), "\n") {
			name, value, ok := strings.Cut(strings.TrimRight(line, "\r"), ":")
			if ok && strings.EqualFold(strings.TrimSpace(name), "Original-Message-ID") {
				return strings.Trim(strings.TrimSpace(value), "<>")
			}
		}
		return ""
	}
	for _, child := range p.Parts {
		if id := findDispositionNotification(child); id != "" {
			return id
		}
	}
	return ""
}

// EnqueueFollowups is step 12: schedule the housekeeping this message
// requires — moving it to the chat folder, sending a read receipt, and
// replying to any in-flight secure-join handshake.
func EnqueueFollowups(ctx context.Context, st *State) error {
	if st.Duplicate {
		return nil
	}
	now := time.Now()
	s := st.Deps.Store

	if _, err := s.EnqueueJob(store.ThreadIMAP, store.ActionMoveToChatFolder, st.PersistedID, st.Folder, now); err != nil {
		return fmt.Errorf("inbound: enqueue move: %w", err)
	}

	if notifyTo := st.EffectiveTree.Header(mimecodec.HeaderChatDispositionNotifyTo); notifyTo != "" {
		mdnsEnabled, err := s.GetConfig(store.ConfigMdnsEnabled)
		if err != nil {
			return fmt.Errorf("inbound: enqueue mdn: %w", err)
		}
		if mdnsEnabled != "0" {
			if _, err := s.EnqueueJob(store.ThreadSMTP, store.ActionSendMDN, st.PersistedID, notifyTo, now); err != nil {
				return fmt.Errorf("inbound: enqueue mdn: %w", err)
			}
		}
	}

	if st.Classification.SecureJoin != nil {
		if err := handleSecureJoinReply(s, st); err != nil {
			logger.Warn().Err(err).Msg("secure-join handshake step failed")
		}
	}
	return nil
}

func handleSecureJoinReply(s *store.Store, st *State) error {
	msg := st.Classification.SecureJoin
	chatID := st.Chat.ID

	existing, err := s.GetSecureJoinState(chatID)
	if err != nil {
		return fmt.Errorf("inbound: secure-join: %w", err)
	}
	if existing == nil {
		return nil
	}

	switch existing.Role {
	case store.SecureJoinRoleInviter:
		return handleInviterReply(s, st, existing, msg, chatID)
	case store.SecureJoinRoleJoiner:
		return handleJoinerReply(s, st, existing, msg, chatID)
	default:
		return nil
	}
}

func handleInviterReply(s *store.Store, st *State, existing *store.SecureJoinState, msg *crypto.ProtocolMessage, chatID int64) error {
	nextState, reply, err := crypto.InviterJoin(s, crypto.InviterState(existing.State), chatID, msg)
	if err != nil {
		return fmt.Errorf("inbound: secure-join: %w", err)
	}
	if err := s.SaveSecureJoinState(&store.SecureJoinState{
		ChatID: chatID, Role: store.SecureJoinRoleInviter,
		State: string(nextState), Fingerprint: existing.Fingerprint,
	}); err != nil {
		return fmt.Errorf("inbound: secure-join: %w", err)
	}
	if nextState == crypto.InviterFinished {
		if err := markPeerVerified(s, st.FromAddress); err != nil {
			return fmt.Errorf("inbound: secure-join: %w", err)
		}
	}
	return sendSecureJoinReply(s, st, reply)
}

// handleJoinerReply drives the joiner half of the handshake (spec.md §6
// join_securejoin): the fingerprint captured from the scanned QR at
// join_securejoin time is the out-of-band value JoinerStep checks the
// inviter's claimed fingerprint against before trusting any auth exchange.
func handleJoinerReply(s *store.Store, st *State, existing *store.SecureJoinState, msg *crypto.ProtocolMessage, chatID int64) error {
	expected := existing.Fingerprint
	nextState, reply, err := crypto.JoinerStep(crypto.JoinerState(existing.State), msg, func(fpr string) bool {
		return expected != "" && strings.EqualFold(strings.ReplaceAll(fpr, " ", ""), strings.ReplaceAll(expected, " ", ""))
	})
	if err != nil {
		return fmt.Errorf("inbound: secure-join: %w", err)
	}
	if err := s.SaveSecureJoinState(&store.SecureJoinState{
		ChatID: chatID, Role: store.SecureJoinRoleJoiner,
		State: string(nextState), Fingerprint: existing.Fingerprint,
	}); err != nil {
		return fmt.Errorf("inbound: secure-join: %w", err)
	}
	if nextState == crypto.JoinerFinished {
		if err := markPeerVerified(s, st.FromAddress); err != nil {
			return fmt.Errorf("inbound: secure-join: %w", err)
		}
	}
	return sendSecureJoinReply(s, st, reply)
}

// markPeerVerified promotes a peer's current Autocrypt key to verified on
// secure-join completion (spec.md §8 scenario 5: "both report the peer as
// verified with equal fingerprints").
func markPeerVerified(s *store.Store, address string) error {
	ps, err := s.GetPeerState(address)
	if err != nil {
		return err
	}
	if ps == nil || len(ps.PublicKey) == 0 {
		return nil
	}
	ps.VerifiedKey = ps.PublicKey
	ps.VerifiedKeyFingerprint = ps.PublicKeyFingerprint
	return s.SavePeerState(ps)
}

func sendSecureJoinReply(s *store.Store, st *State, reply *crypto.ProtocolMessage) error {
	if reply == nil {
		return nil
	}

	out, err := mimecodec.Build(&mimecodec.Input{
		From: st.Deps.SelfAddress,
		To:   []string{st.FromAddress},
		Text: "",
	})
	if err != nil {
		return fmt.Errorf("inbound: secure-join: build reply: %w", err)
	}
	out = InjectSecureJoinHeaders(out, reply)

	if _, err := s.EnqueueJob(store.ThreadSMTP, store.ActionSendRaw, 0, EncodeRaw(out), time.Now()); err != nil {
		return fmt.Errorf("inbound: secure-join: enqueue reply: %w", err)
	}
	return nil
}
