package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Keypair mirrors spec.md §3's KeyPair entity. PrivateKey is sealed at rest
// (see seal.go); Keypairs returned by Get*/List* methods carry the
// plaintext armored private key, already unsealed.
type Keypair struct {
	ID         int64
	Address    string
	IsDefault  bool
	PublicKey  []byte
	PrivateKey []byte
	CreatedAt  time.Time
}

// SaveKeypair inserts a new keypair, sealing the private key. If
// isDefault, any previous default for the same address is cleared first —
// "at most one default per address" (spec.md §3).
func (s *Store) SaveKeypair(kp *Keypair) (id int64, err error) {
	sealed, err := s.Seal(kp.PrivateKey)
	if err != nil {
		return 0, fmt.Errorf("store: seal private key: %w", err)
	}

	if kp.IsDefault {
		if _, err := s.Exec(`UPDATE keypairs SET is_default = 0 WHERE address = ?`, kp.Address); err != nil {
			return 0, fmt.Errorf("store: clear previous default keypair: %w", err)
		}
	}

	res, err := s.Exec(`
		INSERT INTO keypairs (address, is_default, public_key, private_key_sealed, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		kp.Address, kp.IsDefault, kp.PublicKey, sealed, time.Now().Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("store: save keypair: %w", err)
	}
	return res.LastInsertId()
}

// DefaultKeypair returns the default keypair for address, or nil if none.
func (s *Store) DefaultKeypair(address string) (*Keypair, error) {
	var id int64
	err := s.QueryRow(`SELECT id FROM keypairs WHERE address = ? AND is_default = 1`, address).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: default keypair: %w", err)
	}
	return s.GetKeypair(id)
}

// GetKeypair fetches a keypair by id, unsealing its private key.
func (s *Store) GetKeypair(id int64) (*Keypair, error) {
	kp := &Keypair{ID: id}
	var isDefault int
	var sealed []byte
	var createdAt int64
	err := s.QueryRow(`
		SELECT address, is_default, public_key, private_key_sealed, created_at
		FROM keypairs WHERE id = ?`, id,
	).Scan(&kp.Address, &isDefault, &kp.PublicKey, &sealed, &createdAt)
	if err != nil {
		return nil, fmt.Errorf("store: get keypair %d: %w", id, err)
	}
	kp.IsDefault = isDefault != 0
	kp.CreatedAt = time.Unix(createdAt, 0)
	kp.PrivateKey, err = s.Unseal(sealed)
	if err != nil {
		return nil, fmt.Errorf("store: unseal keypair %d: %w", id, err)
	}
	return kp, nil
}

// ListKeypairs returns every keypair for an address (used to build a
// decryption keyring from all historical keys).
func (s *Store) ListKeypairs(address string) ([]*Keypair, error) {
	rows, err := s.Query(`SELECT id FROM keypairs WHERE address = ?`, address)
	if err != nil {
		return nil, fmt.Errorf("store: list keypairs: %w", err)
	}
	defer rows.Close()

	var idsOut []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		idsOut = append(idsOut, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []*Keypair
	for _, id := range idsOut {
		kp, err := s.GetKeypair(id)
		if err != nil {
			return nil, err
		}
		out = append(out, kp)
	}
	return out, nil
}
