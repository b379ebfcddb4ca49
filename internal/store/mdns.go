package store

import (
	"fmt"
	"time"
)

// RecordMDN stores a read receipt (msg, contact, timestamp) triple
// (spec.md §3 MDN entity). Re-recording the same triple is a no-op.
func (s *Store) RecordMDN(msgID, contactID int64, at time.Time) error {
	_, err := s.Exec(`
		INSERT INTO mdns (msg_id, contact_id, timestamp) VALUES (?, ?, ?)
		ON CONFLICT(msg_id, contact_id) DO NOTHING`,
		msgID, contactID, at.Unix(),
	)
	if err != nil {
		return fmt.Errorf("store: record mdn: %w", err)
	}
	return nil
}

// MDNCount returns how many distinct contacts have sent a read receipt for
// a message (used to decide when a group message is fully read).
func (s *Store) MDNCount(msgID int64) (int, error) {
	var n int
	err := s.QueryRow(`SELECT COUNT(*) FROM mdns WHERE msg_id = ?`, msgID).Scan(&n)
	return n, err
}
