package store

import "fmt"

// FolderState tracks per-folder IMAP watcher progress (spec.md §4.D).
type FolderState struct {
	Name          string
	UIDValidity   uint32
	UIDNext       uint32
	HighestModSeq uint64
}

// GetFolderState returns the stored high-water mark for folder, creating a
// zeroed row on first use.
func (s *Store) GetFolderState(folder string) (*FolderState, error) {
	fs := &FolderState{Name: folder}
	err := s.QueryRow(`
		SELECT uid_validity, uid_next, highest_mod_seq FROM folders WHERE name = ?`, folder,
	).Scan(&fs.UIDValidity, &fs.UIDNext, &fs.HighestModSeq)
	if err == nil {
		return fs, nil
	}

	if _, insErr := s.Exec(`INSERT INTO folders (name) VALUES (?) ON CONFLICT(name) DO NOTHING`, folder); insErr != nil {
		return nil, fmt.Errorf("store: create folder state: %w", insErr)
	}
	return fs, nil
}

// SetFolderState upserts the stored high-water mark for folder as a single
// statement. It is not part of a transaction with the message inserts the
// mark was derived from, and there is no Tx-scoped variant.
func (s *Store) SetFolderState(folder string, fs *FolderState) error {
	_, err := s.Exec(`
		INSERT INTO folders (name, uid_validity, uid_next, highest_mod_seq)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			uid_validity = excluded.uid_validity,
			uid_next = excluded.uid_next,
			highest_mod_seq = excluded.highest_mod_seq`,
		folder, fs.UIDValidity, fs.UIDNext, fs.HighestModSeq,
	)
	return err
}
