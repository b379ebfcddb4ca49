// Package ids holds the reserved id ranges that must stay stable across the
// schema forever (spec.md §3, §9: "magic special ids ... preserved verbatim
// for wire/storage compatibility").
package ids

// Contact ids 1-9 are reserved for pseudo-contacts.
const (
	ContactSelf   int64 = 1
	ContactInfo   int64 = 2
	ContactDevice int64 = 3
	// 4-9 reserved for future pseudo-contacts.
	FirstRealContact int64 = 10
)

// Chat ids 1-9 are reserved for pseudo-chats.
const (
	ChatDeaddrop     int64 = 1
	ChatTrash        int64 = 2
	ChatStarred      int64 = 3
	ChatArchivedLink int64 = 4
	// 5-9 reserved for future pseudo-chats.
	FirstRealChat int64 = 10
)

// IsReservedContact reports whether id falls in the reserved pseudo-contact
// range. Every boundary that accepts a contact id asserts this invariant.
func IsReservedContact(id int64) bool { return id >= 1 && id < FirstRealContact }

// IsReservedChat reports whether id falls in the reserved pseudo-chat range.
func IsReservedChat(id int64) bool { return id >= 1 && id < FirstRealChat }
