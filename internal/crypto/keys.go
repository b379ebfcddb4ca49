// Package crypto implements the engine's OpenPGP and Autocrypt layer:
// keypair generation, PGP/MIME signing/encryption/decryption/verification,
// Autocrypt peer-state tracking, and secure-join out-of-band verification.
package crypto

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
)

// SignatureStatus is the outcome of verifying a PGP/MIME signed message.
type SignatureStatus string

const (
	StatusNone       SignatureStatus = ""
	StatusSigned     SignatureStatus = "signed"
	StatusInvalid    SignatureStatus = "invalid"
	StatusUnknownKey SignatureStatus = "unknown_key"
	StatusExpiredKey SignatureStatus = "expired_key"
)

// SignatureResult reports a verification outcome.
type SignatureResult struct {
	Status       SignatureStatus
	SignerEmail  string
	SignerKeyID  string
	ErrorMessage string
}

// Algorithm selects the keypair algorithm GenerateKeypair produces.
type Algorithm int

const (
	AlgoEdDSA Algorithm = iota
	AlgoRSA2048
)

// GeneratedKey holds a freshly minted identity keypair, armored and ready
// to store (as internal/store's Keypair.PrivateKey/PublicKey bytes).
type GeneratedKey struct {
	Entity            *openpgp.Entity
	Fingerprint       string
	PublicKeyArmored  string
	PrivateKeyArmored string
}

// GenerateKeypair creates a fresh OpenPGP identity for address, defaulting
// to Ed25519 (EdDSA signing + X25519/ECDH encryption subkey) as Autocrypt
// Level 1 recommends; AlgoRSA2048 is offered for peers that can't handle
// modern curves.
func GenerateKeypair(address, name string, algo Algorithm) (*GeneratedKey, error) {
	cfg := &packet.Config{
		Time: time.Now,
	}
	switch algo {
	case AlgoRSA2048:
		cfg.RSABits = 2048
	default:
		cfg.Algorithm = packet.PubKeyAlgoEdDSA
	}

	entity, err := openpgp.NewEntity(name, "", address, cfg)
	if err != nil {
		return nil, fmt.Errorf("crypto: generate keypair: %w", err)
	}

	pubArmored, err := ArmorPublicKey(entity)
	if err != nil {
		return nil, err
	}
	privArmored, err := ArmorPrivateKey(entity)
	if err != nil {
		return nil, err
	}

	return &GeneratedKey{
		Entity:            entity,
		Fingerprint:       KeyFingerprint(entity),
		PublicKeyArmored:  pubArmored,
		PrivateKeyArmored: privArmored,
	}, nil
}

// ParseArmoredKey parses an ASCII-armored public or private key ring.
func ParseArmoredKey(armored string) (openpgp.EntityList, error) {
	entities, err := openpgp.ReadArmoredKeyRing(strings.NewReader(armored))
	if err != nil {
		return nil, fmt.Errorf("crypto: parse armored key: %w", err)
	}
	if len(entities) == 0 {
		return nil, fmt.Errorf("crypto: no keys in armored data")
	}
	return entities, nil
}

// ParseBinaryKey parses a non-armored key ring (Autocrypt headers carry
// base64 of the binary form, not armored text).
func ParseBinaryKey(data []byte) (openpgp.EntityList, error) {
	entities, err := openpgp.ReadKeyRing(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("crypto: parse binary key: %w", err)
	}
	if len(entities) == 0 {
		return nil, fmt.Errorf("crypto: no keys in binary data")
	}
	return entities, nil
}

// KeyFingerprint returns the hex fingerprint of an entity's primary key.
func KeyFingerprint(entity *openpgp.Entity) string {
	return fmt.Sprintf("%X", entity.PrimaryKey.Fingerprint)
}

// ExtractEmailFromKey returns the email of an entity's first identity.
func ExtractEmailFromKey(entity *openpgp.Entity) string {
	for _, ident := range entity.Identities {
		if ident.UserId != nil && ident.UserId.Email != "" {
			return ident.UserId.Email
		}
	}
	return ""
}

// ArmorPublicKey exports an entity's public key as ASCII armor.
func ArmorPublicKey(entity *openpgp.Entity) (string, error) {
	var buf bytes.Buffer
	w, err := armor.Encode(&buf, "PGP PUBLIC KEY BLOCK", nil)
	if err != nil {
		return "", fmt.Errorf("crypto: armor public key: %w", err)
	}
	if err := entity.Serialize(w); err != nil {
		return "", fmt.Errorf("crypto: serialize public key: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("crypto: close armor writer: %w", err)
	}
	return buf.String(), nil
}

// ArmorPrivateKey exports an entity's private key as ASCII armor.
func ArmorPrivateKey(entity *openpgp.Entity) (string, error) {
	var buf bytes.Buffer
	w, err := armor.Encode(&buf, "PGP PRIVATE KEY BLOCK", nil)
	if err != nil {
		return "", fmt.Errorf("crypto: armor private key: %w", err)
	}
	if err := entity.SerializePrivate(w, nil); err != nil {
		return "", fmt.Errorf("crypto: serialize private key: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("crypto: close armor writer: %w", err)
	}
	return buf.String(), nil
}

// BinaryPublicKey serializes an entity's public key unarmored, the form
// Autocrypt headers embed (base64 of this, not armored text).
func BinaryPublicKey(entity *openpgp.Entity) ([]byte, error) {
	var buf bytes.Buffer
	if err := entity.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("crypto: serialize public key: %w", err)
	}
	return buf.Bytes(), nil
}
