package store

import (
	"crypto/rand"
	"database/sql"
	"encoding/base32"
	"fmt"
	"strings"
	"time"
)

// Token namespaces (spec.md §3 Token entity; secure-join uses these).
const (
	TokenNamespaceInviteNumber = "inviteNumber"
	TokenNamespaceAuth         = "auth"
)

// NewToken generates a random base32 token suitable for invite/auth tokens.
func NewToken() string {
	buf := make([]byte, 20)
	rand.Read(buf)
	return strings.ToLower(base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf))
}

// SaveToken records a (namespace, foreign-id, token) triple.
func (s *Store) SaveToken(namespace string, foreignID int64, token string) error {
	_, err := s.Exec(`
		INSERT INTO tokens (namespace, foreign_id, token, timestamp) VALUES (?, ?, ?, ?)
		ON CONFLICT(namespace, foreign_id, token) DO NOTHING`,
		namespace, foreignID, token, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("store: save token: %w", err)
	}
	return nil
}

// TokenExists reports whether (namespace, foreignID, token) is currently
// stored. crypto.InviterJoin deletes a secure-join token once it accepts
// it, so a replayed token is not found.
func (s *Store) TokenExists(namespace string, foreignID int64, token string) (bool, error) {
	var one int
	err := s.QueryRow(`
		SELECT 1 FROM tokens WHERE namespace = ? AND foreign_id = ? AND token = ?`,
		namespace, foreignID, token,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: token exists: %w", err)
	}
	return true, nil
}
