package crypto

import (
	"strings"
	"testing"

	"github.com/ProtonMail/go-crypto/openpgp"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	alice, err := GenerateKeypair("alice@example.com", "Alice", AlgoEdDSA)
	if err != nil {
		t.Fatalf("generate alice: %v", err)
	}
	bob, err := GenerateKeypair("bob@example.com", "Bob", AlgoEdDSA)
	if err != nil {
		t.Fatalf("generate bob: %v", err)
	}

	raw := []byte("From: alice@example.com\r\n" +
		"To: bob@example.com\r\n" +
		"Subject: hi\r\n" +
		"Chat-Version: 1.0\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"secret chat body\r\n")

	encrypted, err := Encrypt(raw, openpgp.EntityList{bob.Entity}, alice.Entity)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if !strings.Contains(string(encrypted), "multipart/encrypted") {
		t.Fatalf("encrypted message missing multipart/encrypted content-type")
	}
	if strings.Contains(string(encrypted), "secret chat body") {
		t.Fatal("plaintext leaked into encrypted envelope")
	}

	decrypted, wasEncrypted, err := Decrypt(encrypted, openpgp.EntityList{bob.Entity})
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !wasEncrypted {
		t.Fatal("Decrypt reported not encrypted")
	}
	if !strings.Contains(string(decrypted), "secret chat body") {
		t.Fatalf("decrypted content missing body: %q", decrypted)
	}
	if !strings.Contains(string(decrypted), "Chat-Version: 1.0") {
		t.Fatal("protected Chat-Version header did not survive encryption")
	}
}

func TestDecryptPassesThroughPlaintext(t *testing.T) {
	raw := []byte("From: a@example.com\r\nContent-Type: text/plain\r\n\r\nhello\r\n")
	_, wasEncrypted, err := Decrypt(raw, nil)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if wasEncrypted {
		t.Fatal("plaintext message reported as encrypted")
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	alice, err := GenerateKeypair("alice@example.com", "Alice", AlgoEdDSA)
	if err != nil {
		t.Fatalf("generate alice: %v", err)
	}

	raw := []byte("From: alice@example.com\r\nContent-Type: text/plain; charset=utf-8\r\n\r\nsigned body\r\n")
	signed, err := Sign(raw, alice.Entity)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	result, inner := VerifyAndUnwrap(signed, openpgp.EntityList{alice.Entity})
	if result == nil {
		t.Fatal("VerifyAndUnwrap returned nil result for signed message")
	}
	if result.Status != StatusSigned {
		t.Fatalf("status = %q, want signed (%s)", result.Status, result.ErrorMessage)
	}
	if result.SignerEmail != "alice@example.com" {
		t.Fatalf("signer email = %q", result.SignerEmail)
	}
	if !strings.Contains(string(inner), "signed body") {
		t.Fatalf("inner content missing body: %q", inner)
	}
}
