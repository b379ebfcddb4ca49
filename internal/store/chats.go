package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base32"
	"fmt"
	"strings"
	"time"

	"github.com/hkdb/parley/internal/ids"
)

// Chat type and visibility values (spec.md §3).
const (
	ChatTypeSingle      = "single"
	ChatTypeGroup       = "group"
	ChatTypeBroadcast   = "broadcast"
	ChatTypeMailingList = "mailing-list"

	VisibilityNormal   = "normal"
	VisibilityArchived = "archived"
	VisibilityPinned   = "pinned"
)

// Chat mirrors spec.md §3's Chat entity.
type Chat struct {
	ID             int64
	Type           string
	Name           string
	Visibility     string
	GroupID        string
	ImageBlob      string
	Blocked        bool
	EphemeralTimer int
	MuteUntil      time.Time
	CreatedAt      time.Time
	Protected      bool
	PromotedAt     time.Time // zero means unpromoted
	LastActionAt   time.Time
}

// Unpromoted reports whether the group chat has not yet sent its first
// outbound message (spec.md §4.G "group promotion").
func (c *Chat) Unpromoted() bool { return c.PromotedAt.IsZero() }

// NewGroupID generates a stable token of the form spec.md §3 requires:
// at least 11 characters of [0-9A-Za-z_-].
func NewGroupID() string {
	buf := make([]byte, 9)
	rand.Read(buf)
	enc := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf)
	return strings.ToLower(enc)
}

// CreateGroupChat creates a new (initially unpromoted) group chat.
func (s *Store) CreateGroupChat(name, groupID string, protected bool) (*Chat, error) {
	now := time.Now()
	res, err := s.Exec(`
		INSERT INTO chats (type, name, grp_id, created_at, protected)
		VALUES (?, ?, ?, ?, ?)`,
		ChatTypeGroup, name, groupID, now.Unix(), protected,
	)
	if err != nil {
		return nil, fmt.Errorf("store: create group chat: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.GetChat(id)
}

// GetOrCreateSingleChat returns the 1:1 chat with contactID, creating it
// implicitly on first message (spec.md §3 chat lifecycle).
func (s *Store) GetOrCreateSingleChat(ctx context.Context, contactID int64) (*Chat, error) {
	var id int64
	err := s.QueryRow(`
		SELECT c.id FROM chats c
		JOIN chat_contacts cc ON cc.chat_id = c.id
		WHERE c.type = ? AND cc.contact_id = ?
		  AND (SELECT COUNT(*) FROM chat_contacts WHERE chat_id = c.id) <= 2
		LIMIT 1`,
		ChatTypeSingle, contactID,
	).Scan(&id)
	if err == nil {
		return s.GetChat(id)
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("store: lookup single chat: %w", err)
	}

	var chat *Chat
	txErr := s.WithTx(ctx, func(tx *sql.Tx) error {
		now := time.Now()
		res, err := tx.Exec(`INSERT INTO chats (type, created_at) VALUES (?, ?)`, ChatTypeSingle, now.Unix())
		if err != nil {
			return err
		}
		chatID, err := res.LastInsertId()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`INSERT INTO chat_contacts (chat_id, contact_id, added_at) VALUES (?, ?, ?)`,
			chatID, contactID, now.Unix()); err != nil {
			return err
		}
		if _, err := tx.Exec(`INSERT INTO chat_contacts (chat_id, contact_id, added_at) VALUES (?, ?, ?)`,
			chatID, ids.ContactSelf, now.Unix()); err != nil {
			return err
		}
		chat = &Chat{ID: chatID, Type: ChatTypeSingle, CreatedAt: now}
		return nil
	})
	if txErr != nil {
		return nil, fmt.Errorf("store: create single chat: %w", txErr)
	}
	return chat, nil
}

// LookupGroupChatByGroupID finds an active (non-blocked) group chat by its
// stable group-id token, the first step of inbound chat resolution
// (spec.md §4.F step 8).
func (s *Store) LookupGroupChatByGroupID(groupID string) (*Chat, error) {
	var id int64
	err := s.QueryRow(`SELECT id FROM chats WHERE grp_id = ? AND blocked = 0`, groupID).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: lookup group chat: %w", err)
	}
	return s.GetChat(id)
}

// GetChat fetches a chat by id.
func (s *Store) GetChat(id int64) (*Chat, error) {
	c := &Chat{ID: id}
	var blocked, protected int
	var muteUntil, createdAt, promotedAt, lastActionAt int64
	err := s.QueryRow(`
		SELECT type, name, visibility, grp_id, image_blob, blocked,
		       ephemeral_timer, mute_until, created_at, protected, promoted_at, last_action_at
		FROM chats WHERE id = ?`, id,
	).Scan(&c.Type, &c.Name, &c.Visibility, &c.GroupID, &c.ImageBlob, &blocked,
		&c.EphemeralTimer, &muteUntil, &createdAt, &protected, &promotedAt, &lastActionAt)
	if err != nil {
		return nil, fmt.Errorf("store: get chat %d: %w", id, err)
	}
	c.Blocked = blocked != 0
	c.Protected = protected != 0
	if muteUntil > 0 {
		c.MuteUntil = time.Unix(muteUntil, 0)
	}
	c.CreatedAt = time.Unix(createdAt, 0)
	if promotedAt > 0 {
		c.PromotedAt = time.Unix(promotedAt, 0)
	}
	if lastActionAt > 0 {
		c.LastActionAt = time.Unix(lastActionAt, 0)
	}
	return c, nil
}

// ListChats returns every non-reserved chat, for the chat-list surface
// (spec.md §6), newest first by last_action_at (set by renames, image,
// ephemeral-timer and membership changes), or by created_at for a chat
// with no such action. New messages do not change a chat's position.
func (s *Store) ListChats() ([]*Chat, error) {
	rows, err := s.Query(`
		SELECT id FROM chats
		WHERE id >= ?
		ORDER BY COALESCE(NULLIF(last_action_at, 0), created_at) DESC`,
		ids.FirstRealChat,
	)
	if err != nil {
		return nil, fmt.Errorf("store: list chats: %w", err)
	}
	defer rows.Close()

	var chatIDs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: list chats: %w", err)
		}
		chatIDs = append(chatIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list chats: %w", err)
	}

	chats := make([]*Chat, 0, len(chatIDs))
	for _, id := range chatIDs {
		c, err := s.GetChat(id)
		if err != nil {
			return nil, err
		}
		chats = append(chats, c)
	}
	return chats, nil
}

// MarkPromoted records that chat has sent its first outbound message;
// after this, membership edits produce action messages (spec.md §4.G).
func (s *Store) MarkPromoted(chatID int64) error {
	_, err := s.Exec(`UPDATE chats SET promoted_at = ? WHERE id = ? AND promoted_at = 0`, time.Now().Unix(), chatID)
	return err
}

// SetChatName renames a chat if the action's effective date is newer than
// the chat's last applied action (spec.md §4.F step 9).
func (s *Store) SetChatName(chatID int64, name string, effectiveAt time.Time) (applied bool, err error) {
	res, err := s.Exec(`
		UPDATE chats SET name = ?, last_action_at = ?
		WHERE id = ? AND last_action_at < ?`,
		name, effectiveAt.Unix(), chatID, effectiveAt.Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("store: set chat name: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SetChatImage sets (or clears, with blobToken="") the chat's profile image
// if effectiveAt is newer than the last applied action.
func (s *Store) SetChatImage(chatID int64, blobToken string, effectiveAt time.Time) (applied bool, err error) {
	res, err := s.Exec(`
		UPDATE chats SET image_blob = ?, last_action_at = ?
		WHERE id = ? AND last_action_at < ?`,
		blobToken, effectiveAt.Unix(), chatID, effectiveAt.Unix(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SetEphemeralTimer sets a chat's ephemeral-message timer in seconds if
// effectiveAt is newer than the last applied action.
func (s *Store) SetEphemeralTimer(chatID int64, seconds int, effectiveAt time.Time) (applied bool, err error) {
	res, err := s.Exec(`
		UPDATE chats SET ephemeral_timer = ?, last_action_at = ?
		WHERE id = ? AND last_action_at < ?`,
		seconds, effectiveAt.Unix(), chatID, effectiveAt.Unix(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// DeleteChat removes all local messages for a chat and the chat itself.
// The corresponding server-side messages are never touched.
func (s *Store) DeleteChat(ctx context.Context, chatID int64) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM messages WHERE chat_id = ?`, chatID); err != nil {
			return err
		}
		if _, err := tx.Exec(`DELETE FROM chat_contacts WHERE chat_id = ?`, chatID); err != nil {
			return err
		}
		_, err := tx.Exec(`DELETE FROM chats WHERE id = ?`, chatID)
		return err
	})
}

// EnsureSpecialChats inserts the reserved pseudo-chats (idempotent, safe to
// call on every Open), so lookups like GetChat(ids.ChatDeaddrop) succeed
// before any real message ever lands there.
func (s *Store) EnsureSpecialChats() error {
	specials := []struct {
		id   int64
		name string
	}{
		{ids.ChatDeaddrop, "Deaddrop"},
		{ids.ChatTrash, "Trash"},
		{ids.ChatStarred, "Starred"},
		{ids.ChatArchivedLink, "Archived"},
	}
	now := time.Now().Unix()
	for _, c := range specials {
		if _, err := s.Exec(`
			INSERT INTO chats (id, type, name, created_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING`,
			c.id, ChatTypeSingle, c.name, now,
		); err != nil {
			return fmt.Errorf("store: ensure special chat %d: %w", c.id, err)
		}
	}
	return nil
}
