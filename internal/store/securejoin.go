package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Secure-join FSM roles (spec.md §4.C).
const (
	SecureJoinRoleInviter = "inviter"
	SecureJoinRoleJoiner  = "joiner"
)

// SecureJoinState is the persisted row for one in-flight join handshake,
// keyed by the chat the handshake concerns.
type SecureJoinState struct {
	ChatID      int64
	Role        string
	State       string
	Fingerprint string
	UpdatedAt   time.Time
}

// GetSecureJoinState returns the handshake state for chatID, or nil if no
// handshake is in flight.
func (s *Store) GetSecureJoinState(chatID int64) (*SecureJoinState, error) {
	st := &SecureJoinState{ChatID: chatID}
	var updatedAt int64
	err := s.QueryRow(`
		SELECT role, state, fingerprint, updated_at FROM securejoin_states WHERE chat_id = ?`,
		chatID,
	).Scan(&st.Role, &st.State, &st.Fingerprint, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get securejoin state: %w", err)
	}
	st.UpdatedAt = time.Unix(updatedAt, 0)
	return st, nil
}

// SaveSecureJoinState upserts the handshake state for one chat.
func (s *Store) SaveSecureJoinState(st *SecureJoinState) error {
	_, err := s.Exec(`
		INSERT INTO securejoin_states (chat_id, role, state, fingerprint, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			role = excluded.role, state = excluded.state,
			fingerprint = excluded.fingerprint, updated_at = excluded.updated_at`,
		st.ChatID, st.Role, st.State, st.Fingerprint, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("store: save securejoin state: %w", err)
	}
	return nil
}

// DeleteSecureJoinState removes a finished or abandoned handshake.
func (s *Store) DeleteSecureJoinState(chatID int64) error {
	_, err := s.Exec(`DELETE FROM securejoin_states WHERE chat_id = ?`, chatID)
	return err
}
