package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Prefer-encrypt values (Autocrypt Level 1).
const (
	PreferEncryptNopreference = "nopreference"
	PreferEncryptMutual       = "mutual"
)

// PeerState mirrors spec.md §3's PeerState (Autocrypt) entity.
type PeerState struct {
	ID                     int64
	Address                string
	LastSeen               time.Time
	LastSeenAutocrypt      time.Time
	PublicKey              []byte
	PublicKeyFingerprint   string
	PreferEncrypt          string
	GossipKey              []byte
	GossipKeyFingerprint   string
	GossipTimestamp        time.Time
	VerifiedKey            []byte
	VerifiedKeyFingerprint string
}

// GetPeerState returns the stored peer state for address, or nil.
func (s *Store) GetPeerState(address string) (*PeerState, error) {
	p := &PeerState{Address: address}
	var lastSeen, lastSeenAC, gossipTS int64
	err := s.QueryRow(`
		SELECT id, last_seen, last_seen_autocrypt, public_key, public_key_fingerprint,
		       prefer_encrypt, gossip_key, gossip_key_fingerprint, gossip_timestamp,
		       verified_key, verified_key_fingerprint
		FROM peerstates WHERE address = ?`, address,
	).Scan(&p.ID, &lastSeen, &lastSeenAC, &p.PublicKey, &p.PublicKeyFingerprint,
		&p.PreferEncrypt, &p.GossipKey, &p.GossipKeyFingerprint, &gossipTS,
		&p.VerifiedKey, &p.VerifiedKeyFingerprint)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get peer state: %w", err)
	}
	if lastSeen > 0 {
		p.LastSeen = time.Unix(lastSeen, 0)
	}
	if lastSeenAC > 0 {
		p.LastSeenAutocrypt = time.Unix(lastSeenAC, 0)
	}
	if gossipTS > 0 {
		p.GossipTimestamp = time.Unix(gossipTS, 0)
	}
	return p, nil
}

// SavePeerState upserts the full peer state row. Callers (internal/crypto)
// are responsible for enforcing the monotone last_seen_autocrypt invariant
// before calling this — the store layer persists what it is given.
func (s *Store) SavePeerState(p *PeerState) error {
	_, err := s.Exec(`
		INSERT INTO peerstates (
			address, last_seen, last_seen_autocrypt, public_key, public_key_fingerprint,
			prefer_encrypt, gossip_key, gossip_key_fingerprint, gossip_timestamp,
			verified_key, verified_key_fingerprint
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET
			last_seen = excluded.last_seen,
			last_seen_autocrypt = excluded.last_seen_autocrypt,
			public_key = excluded.public_key,
			public_key_fingerprint = excluded.public_key_fingerprint,
			prefer_encrypt = excluded.prefer_encrypt,
			gossip_key = excluded.gossip_key,
			gossip_key_fingerprint = excluded.gossip_key_fingerprint,
			gossip_timestamp = excluded.gossip_timestamp,
			verified_key = excluded.verified_key,
			verified_key_fingerprint = excluded.verified_key_fingerprint`,
		p.Address, unixOrZero(p.LastSeen), unixOrZero(p.LastSeenAutocrypt),
		p.PublicKey, p.PublicKeyFingerprint, p.PreferEncrypt,
		p.GossipKey, p.GossipKeyFingerprint, unixOrZero(p.GossipTimestamp),
		p.VerifiedKey, p.VerifiedKeyFingerprint,
	)
	if err != nil {
		return fmt.Errorf("store: save peer state: %w", err)
	}
	return nil
}
