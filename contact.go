package parley

import "github.com/hkdb/parley/internal/store"

// Contact mirrors the store's contact entity at the API boundary (spec.md
// §3, §6 contact CRUD).
type Contact = store.Contact

// ListContacts returns every non-reserved, unblocked contact (spec.md §6).
func (a *Account) ListContacts() ([]*Contact, error) {
	contacts, err := a.store.ListContacts()
	if err != nil {
		return nil, classifyErr("list contacts", err)
	}
	return contacts, nil
}

// GetContact fetches one contact by id (spec.md §6).
func (a *Account) GetContact(contactID int64) (*Contact, error) {
	contact, err := a.store.GetContact(contactID)
	if err != nil {
		return nil, classifyErr("get contact", err)
	}
	return contact, nil
}

// CreateContact upserts a contact for address, the same resolution path
// inbound/outbound message handling uses (spec.md §3, §6 create_contact).
func (a *Account) CreateContact(address, name string) (*Contact, error) {
	contact, err := a.store.UpsertContact(address, name, store.OriginAddressBook)
	if err != nil {
		return nil, classifyErr("create contact", err)
	}
	return contact, nil
}

// BlockContact toggles whether address is treated as blocked; future
// messages from it are routed to the deaddrop instead of a regular chat
// (spec.md §4.F contact request handling).
func (a *Account) BlockContact(contactID int64, blocked bool) error {
	if err := a.store.SetContactBlocked(contactID, blocked); err != nil {
		return classifyErr("block contact", err)
	}
	return nil
}
