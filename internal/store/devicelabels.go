package store

import (
	"database/sql"
	"fmt"
)

// DeviceMsgShown reports whether a device message with this label has
// already been shown, giving device-message creation idempotence
// (spec.md §3 DeviceMsgLabel entity).
func (s *Store) DeviceMsgShown(label string) (bool, error) {
	var one int
	err := s.QueryRow(`SELECT 1 FROM device_msg_labels WHERE label = ?`, label).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: device msg shown: %w", err)
	}
	return true, nil
}

// MarkDeviceMsgShown records that a device message with this label has
// been created, so a later call with the same label is a no-op.
func (s *Store) MarkDeviceMsgShown(label string, msgID int64) error {
	_, err := s.Exec(`
		INSERT INTO device_msg_labels (label, msg_id) VALUES (?, ?)
		ON CONFLICT(label) DO NOTHING`, label, msgID)
	if err != nil {
		return fmt.Errorf("store: mark device msg shown: %w", err)
	}
	return nil
}
