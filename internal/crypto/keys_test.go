package crypto

import "testing"

func TestGenerateKeypairEdDSA(t *testing.T) {
	key, err := GenerateKeypair("alice@example.com", "Alice", AlgoEdDSA)
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	if key.Fingerprint == "" {
		t.Fatal("empty fingerprint")
	}
	if ExtractEmailFromKey(key.Entity) != "alice@example.com" {
		t.Fatalf("email = %q", ExtractEmailFromKey(key.Entity))
	}

	entities, err := ParseArmoredKey(key.PublicKeyArmored)
	if err != nil {
		t.Fatalf("parse exported public key: %v", err)
	}
	if len(entities) != 1 {
		t.Fatalf("entities = %d, want 1", len(entities))
	}
	if KeyFingerprint(entities[0]) != key.Fingerprint {
		t.Fatal("fingerprint mismatch after armor round trip")
	}
}

func TestGenerateKeypairRSA(t *testing.T) {
	key, err := GenerateKeypair("bob@example.com", "Bob", AlgoRSA2048)
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	if key.PrivateKeyArmored == "" {
		t.Fatal("empty private key armor")
	}
}
