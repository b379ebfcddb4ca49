package crypto

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/hkdb/parley/internal/store"
)

// Autocrypt header attribute values (Autocrypt Level 1 §2.1).
const (
	PreferEncryptMutual       = "mutual"
	PreferEncryptNopreference = "nopreference"
)

// ResetPeriod is how long a peer can go without sending an Autocrypt
// header before prefer-encrypt=mutual degrades back to nopreference.
const ResetPeriod = 35 * 24 * time.Hour

// AutocryptHeader is a parsed Autocrypt or Autocrypt-Gossip header.
type AutocryptHeader struct {
	Address       string
	PreferEncrypt string
	Entity        *openpgp.Entity
}

// ParseAutocryptHeader parses one "addr=...; prefer-encrypt=...;
// keydata=..." header value. keydata is unarmored base64, the form the
// header carries (not ASCII-armored text).
func ParseAutocryptHeader(value string) (*AutocryptHeader, error) {
	attrs := map[string]string{}
	for _, part := range strings.Split(value, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		attrs[strings.ToLower(strings.TrimSpace(kv[0]))] = strings.TrimSpace(kv[1])
	}

	addr := attrs["addr"]
	if addr == "" {
		return nil, fmt.Errorf("crypto: autocrypt header missing addr")
	}
	keydata := attrs["keydata"]
	if keydata == "" {
		return nil, fmt.Errorf("crypto: autocrypt header missing keydata")
	}

	raw, err := base64.StdEncoding.DecodeString(stripWhitespace(keydata))
	if err != nil {
		return nil, fmt.Errorf("crypto: autocrypt keydata: %w", err)
	}
	entities, err := ParseBinaryKey(raw)
	if err != nil {
		return nil, fmt.Errorf("crypto: autocrypt keydata: %w", err)
	}

	prefer := attrs["prefer-encrypt"]
	if prefer != PreferEncryptMutual {
		prefer = PreferEncryptNopreference
	}

	return &AutocryptHeader{
		Address:       strings.ToLower(addr),
		PreferEncrypt: prefer,
		Entity:        entities[0],
	}, nil
}

// BuildAutocryptHeader renders the sender's own Autocrypt header value for
// outgoing messages.
func BuildAutocryptHeader(address string, entity *openpgp.Entity, preferMutual bool) (string, error) {
	raw, err := BinaryPublicKey(entity)
	if err != nil {
		return "", err
	}
	prefer := PreferEncryptNopreference
	if preferMutual {
		prefer = PreferEncryptMutual
	}
	return fmt.Sprintf("addr=%s; prefer-encrypt=%s; keydata=%s",
		strings.ToLower(address), prefer, base64.StdEncoding.EncodeToString(raw)), nil
}

// BuildGossipHeader renders an Autocrypt-Gossip header value for a group
// member's key, carried inside the encrypted part of a group message
// (Autocrypt Level 1 §2.3). Gossip headers never carry prefer-encrypt.
func BuildGossipHeader(address string, entity *openpgp.Entity) (string, error) {
	raw, err := BinaryPublicKey(entity)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("addr=%s; keydata=%s", strings.ToLower(address), base64.StdEncoding.EncodeToString(raw)), nil
}

// UpdatePeerState folds an incoming Autocrypt header into the stored peer
// state for that address, enforcing Autocrypt's monotonicity rule: only a
// message with a later Date than last_seen_autocrypt may update the key or
// prefer-encrypt preference. gossip headers call UpdateGossipState instead
// since they carry weaker trust and never set prefer-encrypt.
func UpdatePeerState(s *store.Store, hdr *AutocryptHeader, messageDate time.Time) error {
	existing, err := s.GetPeerState(hdr.Address)
	if err != nil {
		return fmt.Errorf("crypto: update peer state: %w", err)
	}

	if existing != nil && !messageDate.After(existing.LastSeenAutocrypt) {
		return nil
	}

	rawKey, err := BinaryPublicKey(hdr.Entity)
	if err != nil {
		return err
	}

	preferEncrypt := hdr.PreferEncrypt
	if existing != nil && messageDate.Sub(existing.LastSeenAutocrypt) > ResetPeriod {
		preferEncrypt = PreferEncryptNopreference
	}

	next := &store.PeerState{
		Address:              hdr.Address,
		PublicKey:            rawKey,
		PublicKeyFingerprint: KeyFingerprint(hdr.Entity),
		PreferEncrypt:        preferEncrypt,
		LastSeenAutocrypt:    messageDate,
		LastSeen:             messageDate,
	}
	if existing != nil {
		next.GossipKey = existing.GossipKey
		next.GossipKeyFingerprint = existing.GossipKeyFingerprint
		next.GossipTimestamp = existing.GossipTimestamp
		next.VerifiedKey = existing.VerifiedKey
		next.VerifiedKeyFingerprint = existing.VerifiedKeyFingerprint
	}
	return s.SavePeerState(next)
}

// UpdateGossipState folds an Autocrypt-Gossip header into the stored peer
// state. Gossip never overrides a key the peer has directly attested via
// their own Autocrypt header — it only fills in a key for a peer we've
// never heard from directly, and it never touches prefer-encrypt.
func UpdateGossipState(s *store.Store, address string, entity *openpgp.Entity, messageDate time.Time) error {
	existing, err := s.GetPeerState(address)
	if err != nil {
		return fmt.Errorf("crypto: update gossip state: %w", err)
	}

	rawKey, err := BinaryPublicKey(entity)
	if err != nil {
		return err
	}

	if existing == nil {
		existing = &store.PeerState{Address: strings.ToLower(address), PreferEncrypt: PreferEncryptNopreference}
	}
	existing.GossipKey = rawKey
	existing.GossipKeyFingerprint = KeyFingerprint(entity)
	existing.GossipTimestamp = messageDate
	if len(existing.PublicKey) == 0 {
		existing.PublicKey = rawKey
		existing.PublicKeyFingerprint = KeyFingerprint(entity)
	}
	return s.SavePeerState(existing)
}

// ShouldEncrypt decides whether an outgoing message to every address in
// recipients can be end-to-end encrypted: every recipient must have a
// known peer state whose prefer-encrypt is mutual. Delta Chat's Autocrypt
// Level 1 profile requires mutual agreement on both sides before silently
// encrypting; anything else degrades to plaintext so the user isn't
// surprised by an undeliverable or silently-dropped message.
func ShouldEncrypt(s *store.Store, recipients []string) (bool, error) {
	if len(recipients) == 0 {
		return false, nil
	}
	for _, addr := range recipients {
		ps, err := s.GetPeerState(addr)
		if err != nil {
			return false, fmt.Errorf("crypto: should encrypt: %w", err)
		}
		if ps == nil || ps.PreferEncrypt != PreferEncryptMutual {
			return false, nil
		}
	}
	return true, nil
}

func stripWhitespace(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
