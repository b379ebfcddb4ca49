package store

import (
	"database/sql"
	"fmt"
	"sort"
	"time"
)

// AddChatMember adds contactID to chatID if not already present, applying
// the action only when effectiveAt is newer than the chat's last applied
// action (spec.md §4.F step 9, §8 "group membership convergence").
func (s *Store) AddChatMember(chatID, contactID int64, effectiveAt time.Time) (applied bool, err error) {
	var lastAction int64
	if err := s.QueryRow(`SELECT last_action_at FROM chats WHERE id = ?`, chatID).Scan(&lastAction); err != nil {
		return false, fmt.Errorf("store: add member: %w", err)
	}
	if effectiveAt.Unix() <= lastAction {
		return false, nil
	}

	if _, err := s.Exec(`
		INSERT INTO chat_contacts (chat_id, contact_id, added_at) VALUES (?, ?, ?)
		ON CONFLICT(chat_id, contact_id) DO NOTHING`,
		chatID, contactID, effectiveAt.Unix(),
	); err != nil {
		return false, fmt.Errorf("store: add member: %w", err)
	}
	if _, err := s.Exec(`UPDATE chats SET last_action_at = ? WHERE id = ?`, effectiveAt.Unix(), chatID); err != nil {
		return false, err
	}
	return true, nil
}

// RemoveChatMember removes contactID from chatID under the same
// newer-than-last-action gate as AddChatMember.
func (s *Store) RemoveChatMember(chatID, contactID int64, effectiveAt time.Time) (applied bool, err error) {
	var lastAction int64
	if err := s.QueryRow(`SELECT last_action_at FROM chats WHERE id = ?`, chatID).Scan(&lastAction); err != nil {
		return false, fmt.Errorf("store: remove member: %w", err)
	}
	if effectiveAt.Unix() <= lastAction {
		return false, nil
	}

	if _, err := s.Exec(`DELETE FROM chat_contacts WHERE chat_id = ? AND contact_id = ?`, chatID, contactID); err != nil {
		return false, fmt.Errorf("store: remove member: %w", err)
	}
	if _, err := s.Exec(`UPDATE chats SET last_action_at = ? WHERE id = ?`, effectiveAt.Unix(), chatID); err != nil {
		return false, err
	}
	return true, nil
}

// ChatMembers returns the sorted member contact ids of a chat.
func (s *Store) ChatMembers(chatID int64) ([]int64, error) {
	rows, err := s.Query(`SELECT contact_id FROM chat_contacts WHERE chat_id = ?`, chatID)
	if err != nil {
		return nil, fmt.Errorf("store: chat members: %w", err)
	}
	defer rows.Close()

	var members []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		members = append(members, id)
	}
	sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })
	return members, rows.Err()
}

// IsChatMember reports whether contactID belongs to chatID.
func (s *Store) IsChatMember(chatID, contactID int64) (bool, error) {
	var one int
	err := s.QueryRow(`SELECT 1 FROM chat_contacts WHERE chat_id = ? AND contact_id = ?`, chatID, contactID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}
