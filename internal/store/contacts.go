package store

import (
	"crypto/sha256"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/hkdb/parley/internal/ids"
)

// Contact origin values (how the address was first discovered).
const (
	OriginUnknown       = "unknown"
	OriginAddressBook   = "address-book"
	OriginIncomingTo    = "incoming-to"
	OriginIncomingCc    = "incoming-cc"
	OriginIncomingUnset = "incoming-unset"
	OriginOutgoingTo    = "outgoing-to"
	OriginOutgoingCc    = "outgoing-cc"
	OriginSecurejoin    = "securejoin"
	OriginSelf          = "self"
)

// Contact mirrors spec.md §3's Contact entity.
type Contact struct {
	ID       int64
	Address  string
	Name     string
	AuthName string
	Origin   string
	Blocked  bool
	LastSeen time.Time
	Color    string
}

// deriveColor hashes the address into a stable hex color, matching
// spec.md's "color derived from address" without pulling in an image
// library: six hex digits taken from a sha256 digest, clamped to avoid
// near-black/near-white values that read poorly against either theme.
func deriveColor(address string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(address)))
	r := 64 + int(sum[0])%160
	g := 64 + int(sum[1])%160
	b := 64 + int(sum[2])%160
	return fmt.Sprintf("#%02x%02x%02x", r, g, b)
}

// UpsertContact creates or updates the contact for address, the path every
// inbound/outbound message resolution goes through (spec.md §3: "Contacts
// are upserted on any encounter with an address"). An address maps to at
// most one non-special contact: the UNIQUE index on contacts(address)
// (ids >= 10) enforces this. An existing contact is looked up first and
// only its authname (when name is non-empty) and last_seen are updated;
// its name and origin are left as they are.
func (s *Store) UpsertContact(address, name, origin string) (*Contact, error) {
	address = strings.ToLower(strings.TrimSpace(address))
	now := time.Now()

	var id int64
	err := s.QueryRow(`SELECT id FROM contacts WHERE address = ? AND id >= ?`, address, ids.FirstRealContact).Scan(&id)
	switch {
	case err == sql.ErrNoRows:
		res, err := s.Exec(`
			INSERT INTO contacts (address, name, origin, last_seen, color)
			VALUES (?, ?, ?, ?, ?)`,
			address, name, origin, now.Unix(), deriveColor(address),
		)
		if err != nil {
			return nil, fmt.Errorf("store: insert contact: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("store: lookup contact: %w", err)
	default:
		if _, err := s.Exec(`
			UPDATE contacts SET
				authname = CASE WHEN ? != '' THEN ? ELSE authname END,
				last_seen = ?
			WHERE id = ?`,
			name, name, now.Unix(), id,
		); err != nil {
			return nil, fmt.Errorf("store: update contact: %w", err)
		}
	}

	return s.GetContact(id)
}

// GetContact fetches a contact by id, including the reserved pseudo-contacts.
func (s *Store) GetContact(id int64) (*Contact, error) {
	c := &Contact{ID: id}
	var blocked int
	var lastSeen int64
	err := s.QueryRow(`
		SELECT address, name, authname, origin, blocked, last_seen, color
		FROM contacts WHERE id = ?`, id,
	).Scan(&c.Address, &c.Name, &c.AuthName, &c.Origin, &blocked, &lastSeen, &c.Color)
	if err != nil {
		return nil, fmt.Errorf("store: get contact %d: %w", id, err)
	}
	c.Blocked = blocked != 0
	c.LastSeen = time.Unix(lastSeen, 0)
	return c, nil
}

// LookupContactByAddress returns the contact id for address, or 0 if none
// exists yet.
func (s *Store) LookupContactByAddress(address string) (int64, error) {
	address = strings.ToLower(strings.TrimSpace(address))
	var id int64
	err := s.QueryRow(`SELECT id FROM contacts WHERE address = ?`, address).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("store: lookup contact by address: %w", err)
	}
	return id, nil
}

// ListContacts returns every non-reserved, non-blocked contact ordered by
// name, for the contact-list surface (spec.md §6).
func (s *Store) ListContacts() ([]*Contact, error) {
	rows, err := s.Query(`
		SELECT id FROM contacts
		WHERE id >= ? AND blocked = 0
		ORDER BY name, address`,
		ids.FirstRealContact,
	)
	if err != nil {
		return nil, fmt.Errorf("store: list contacts: %w", err)
	}
	defer rows.Close()

	var contactIDs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: list contacts: %w", err)
		}
		contactIDs = append(contactIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list contacts: %w", err)
	}

	contacts := make([]*Contact, 0, len(contactIDs))
	for _, id := range contactIDs {
		c, err := s.GetContact(id)
		if err != nil {
			return nil, err
		}
		contacts = append(contacts, c)
	}
	return contacts, nil
}

// SetContactBlocked toggles the blocked flag; it never deletes the contact.
func (s *Store) SetContactBlocked(id int64, blocked bool) error {
	_, err := s.Exec(`UPDATE contacts SET blocked = ? WHERE id = ?`, blocked, id)
	return err
}

// EnsureSpecialContacts inserts the reserved pseudo-contacts (idempotent,
// safe to call on every Open).
func (s *Store) EnsureSpecialContacts(selfAddress string) error {
	specials := []struct {
		id      int64
		address string
		name    string
		origin  string
	}{
		{ids.ContactSelf, selfAddress, "Me", OriginSelf},
		{ids.ContactInfo, "", "Info", OriginSelf},
		{ids.ContactDevice, "", "Device", OriginSelf},
	}
	for _, c := range specials {
		if _, err := s.Exec(`
			INSERT INTO contacts (id, address, name, origin, color)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET address = excluded.address
			WHERE excluded.address != ''`,
			c.id, c.address, c.name, c.origin, deriveColor(c.name),
		); err != nil {
			return fmt.Errorf("store: ensure special contact %d: %w", c.id, err)
		}
	}
	return nil
}
