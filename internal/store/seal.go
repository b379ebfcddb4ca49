package store

import (
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// sealer encrypts and decrypts the credential and private-key columns of the
// store. Full-file encryption (SQLCipher) requires CGO, which the rest of
// this stack deliberately avoids (modernc.org/sqlite is pure Go); instead
// every column that holds a secret is sealed independently with a key
// stretched from the account passphrase via argon2id, matching the
// "encrypted relational store" requirement at the column granularity that a
// CGO-free driver can actually provide (see DESIGN.md).
type sealer struct {
	aead *chacha20poly1305.AEAD // not used directly; kept for doc purposes
	key  [32]byte
}

const (
	argonTime    = 1
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 4
	saltSize     = 16
	canaryValue  = "parley-canary-v1"
)

var errNoAEAD = errors.New("store: aead not initialized")

func deriveKey(passphrase string, salt []byte) [32]byte {
	k := argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, chacha20poly1305.KeySize)
	var out [32]byte
	copy(out[:], k)
	return out
}

// openSealer derives the sealing key for passphrase, creating a salt and
// canary on first use or verifying against the stored canary thereafter.
func openSealer(db *sql.DB, passphrase string) (*sealer, error) {
	var salt, canary []byte
	err := db.QueryRow(`SELECT value FROM secrets WHERE key = 'kdf_salt'`).Scan(&salt)
	if errors.Is(err, sql.ErrNoRows) {
		salt = make([]byte, saltSize)
		if _, rerr := rand.Read(salt); rerr != nil {
			return nil, fmt.Errorf("store: generate salt: %w", rerr)
		}
		key := deriveKey(passphrase, salt)
		sealed, serr := sealWithKey(key, []byte(canaryValue))
		if serr != nil {
			return nil, serr
		}
		if _, werr := db.Exec(`INSERT INTO secrets (key, value) VALUES ('kdf_salt', ?), ('canary', ?)`, salt, sealed); werr != nil {
			return nil, fmt.Errorf("store: persist kdf salt: %w", werr)
		}
		return &sealer{key: key}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: read kdf salt: %w", err)
	}

	if err := db.QueryRow(`SELECT value FROM secrets WHERE key = 'canary'`).Scan(&canary); err != nil {
		return nil, fmt.Errorf("%w: missing canary row", ErrCorrupt)
	}

	key := deriveKey(passphrase, salt)
	plain, err := openWithKey(key, canary)
	if err != nil || string(plain) != canaryValue {
		return nil, ErrWrongPassphrase
	}
	return &sealer{key: key}, nil
}

func sealWithKey(key [32]byte, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("store: new aead: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("store: nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func openWithKey(key [32]byte, sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("store: new aead: %w", err)
	}
	if len(sealed) < chacha20poly1305.NonceSize {
		return nil, errors.New("store: sealed value too short")
	}
	nonce, ct := sealed[:chacha20poly1305.NonceSize], sealed[chacha20poly1305.NonceSize:]
	return aead.Open(nil, nonce, ct, nil)
}

// Seal encrypts plaintext (a password or private-key blob) for storage.
func (s *Store) Seal(plaintext []byte) ([]byte, error) {
	if s.seal == nil {
		return nil, errNoAEAD
	}
	return sealWithKey(s.seal.key, plaintext)
}

// Unseal decrypts a value previously produced by Seal.
func (s *Store) Unseal(sealed []byte) ([]byte, error) {
	if s.seal == nil {
		return nil, errNoAEAD
	}
	return openWithKey(s.seal.key, sealed)
}
