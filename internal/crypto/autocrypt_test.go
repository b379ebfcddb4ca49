package crypto

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/hkdb/parley/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), "passphrase")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAutocryptHeaderRoundTrip(t *testing.T) {
	key, err := GenerateKeypair("carol@example.com", "Carol", AlgoEdDSA)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	value, err := BuildAutocryptHeader("carol@example.com", key.Entity, true)
	if err != nil {
		t.Fatalf("BuildAutocryptHeader: %v", err)
	}

	hdr, err := ParseAutocryptHeader(value)
	if err != nil {
		t.Fatalf("ParseAutocryptHeader: %v", err)
	}
	if hdr.Address != "carol@example.com" {
		t.Fatalf("address = %q", hdr.Address)
	}
	if hdr.PreferEncrypt != PreferEncryptMutual {
		t.Fatalf("prefer-encrypt = %q", hdr.PreferEncrypt)
	}
	if KeyFingerprint(hdr.Entity) != key.Fingerprint {
		t.Fatal("fingerprint mismatch after header round trip")
	}
}

func TestUpdatePeerStateMonotonicity(t *testing.T) {
	s := openTestStore(t)
	key, err := GenerateKeypair("dave@example.com", "Dave", AlgoEdDSA)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	early := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	late := early.Add(time.Hour)

	if err := UpdatePeerState(s, &AutocryptHeader{Address: "dave@example.com", PreferEncrypt: PreferEncryptMutual, Entity: key.Entity}, late); err != nil {
		t.Fatalf("UpdatePeerState (late): %v", err)
	}

	// An older-dated header must not roll last_seen_autocrypt backwards.
	if err := UpdatePeerState(s, &AutocryptHeader{Address: "dave@example.com", PreferEncrypt: PreferEncryptNopreference, Entity: key.Entity}, early); err != nil {
		t.Fatalf("UpdatePeerState (early): %v", err)
	}

	ps, err := s.GetPeerState("dave@example.com")
	if err != nil {
		t.Fatalf("GetPeerState: %v", err)
	}
	if ps.PreferEncrypt != PreferEncryptMutual {
		t.Fatalf("an older header overwrote prefer-encrypt: got %q", ps.PreferEncrypt)
	}
	if !ps.LastSeenAutocrypt.Equal(late) {
		t.Fatalf("last_seen_autocrypt = %v, want %v", ps.LastSeenAutocrypt, late)
	}
}

func TestShouldEncryptRequiresMutualPeerState(t *testing.T) {
	s := openTestStore(t)
	key, err := GenerateKeypair("erin@example.com", "Erin", AlgoEdDSA)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	ok, err := ShouldEncrypt(s, []string{"erin@example.com"})
	if err != nil {
		t.Fatalf("ShouldEncrypt: %v", err)
	}
	if ok {
		t.Fatal("ShouldEncrypt true with no known peer state")
	}

	if err := UpdatePeerState(s, &AutocryptHeader{Address: "erin@example.com", PreferEncrypt: PreferEncryptMutual, Entity: key.Entity}, time.Now()); err != nil {
		t.Fatalf("UpdatePeerState: %v", err)
	}

	ok, err = ShouldEncrypt(s, []string{"erin@example.com"})
	if err != nil {
		t.Fatalf("ShouldEncrypt: %v", err)
	}
	if !ok {
		t.Fatal("ShouldEncrypt false after mutual peer state recorded")
	}
}
