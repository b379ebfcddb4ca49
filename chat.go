package parley

import (
	"context"
	"time"

	"github.com/hkdb/parley/internal/outbound"
	"github.com/hkdb/parley/internal/store"
)

// Chat mirrors the store's chat entity at the API boundary (spec.md §3,
// §6 chat CRUD).
type Chat = store.Chat

// ListChats returns every non-reserved chat, newest first by its last
// group action (rename, image, timer or membership change) or its creation
// time; new messages do not change the order (spec.md §6).
func (a *Account) ListChats() ([]*Chat, error) {
	chats, err := a.store.ListChats()
	if err != nil {
		return nil, classifyErr("list chats", err)
	}
	return chats, nil
}

// GetChat fetches one chat by id (spec.md §6).
func (a *Account) GetChat(chatID int64) (*Chat, error) {
	chat, err := a.store.GetChat(chatID)
	if err != nil {
		return nil, classifyErr("get chat", err)
	}
	return chat, nil
}

// CreateGroupChat creates a new, initially unpromoted group chat (spec.md
// §3, §6). The first SendMessage to it sends the promotion and adds every
// current member server-side.
func (a *Account) CreateGroupChat(name string, protected bool) (*Chat, error) {
	chat, err := a.store.CreateGroupChat(name, store.NewGroupID(), protected)
	if err != nil {
		return nil, classifyErr("create group chat", err)
	}
	return chat, nil
}

// GetOrCreateChat resolves the 1:1 chat with contactID, creating it on
// first contact (spec.md §3 chat lifecycle).
func (a *Account) GetOrCreateChat(ctx context.Context, contactID int64) (*Chat, error) {
	chat, err := a.store.GetOrCreateSingleChat(ctx, contactID)
	if err != nil {
		return nil, classifyErr("get or create chat", err)
	}
	return chat, nil
}

// DeleteChat removes all local messages for chatID and the chat itself.
// The corresponding server-side messages are never touched (spec.md §6).
func (a *Account) DeleteChat(ctx context.Context, chatID int64) error {
	if err := a.store.DeleteChat(ctx, chatID); err != nil {
		return classifyErr("delete chat", err)
	}
	return nil
}

// SetChatName renames a chat locally and, for a promoted group, sends the
// rename as an outbound system action (spec.md §4.G step 5, §6
// set_chat_name).
func (a *Account) SetChatName(ctx context.Context, chatID int64, name string) error {
	chat, err := a.store.GetChat(chatID)
	if err != nil {
		return classifyErr("set chat name", err)
	}
	if _, err := a.store.SetChatName(chatID, name, time.Now()); err != nil {
		return classifyErr("set chat name", err)
	}
	if chat.Type != store.ChatTypeGroup || chat.Unpromoted() {
		return nil
	}
	if _, err := a.sendGroupAction(ctx, chatID, &outbound.GroupAction{NameChanged: true}); err != nil {
		return err
	}
	return nil
}

// AddChatMember adds address to chatID's local membership and, for a
// promoted group chat, sends a member-added system action (spec.md §4.G
// "group membership edits produce action messages"). For an unpromoted
// chat only the local membership changes and the returned message id is 0.
func (a *Account) AddChatMember(ctx context.Context, chatID int64, address string) (int64, error) {
	chat, err := a.store.GetChat(chatID)
	if err != nil {
		return 0, classifyErr("add chat member", err)
	}
	contact, err := a.store.UpsertContact(address, "", store.OriginOutgoingTo)
	if err != nil {
		return 0, classifyErr("add chat member", err)
	}
	if _, err := a.store.Exec(`
		INSERT OR IGNORE INTO chat_contacts (chat_id, contact_id, added_at)
		VALUES (?, ?, ?)`, chatID, contact.ID, time.Now().Unix(),
	); err != nil {
		return 0, classifyErr("add chat member", err)
	}
	if chat.Unpromoted() {
		return 0, nil
	}
	return a.sendGroupAction(ctx, chatID, &outbound.GroupAction{MemberAdded: address})
}

// RemoveChatMember sends a member-removed system action to a promoted
// group chat (spec.md §4.G).
func (a *Account) RemoveChatMember(ctx context.Context, chatID int64, address string) (int64, error) {
	chat, err := a.store.GetChat(chatID)
	if err != nil {
		return 0, classifyErr("remove chat member", err)
	}
	contactID, err := a.store.LookupContactByAddress(address)
	if err != nil {
		return 0, classifyErr("remove chat member", err)
	}
	if contactID == 0 {
		return 0, nil
	}
	if _, err := a.store.Exec(`DELETE FROM chat_contacts WHERE chat_id = ? AND contact_id = ?`, chatID, contactID); err != nil {
		return 0, classifyErr("remove chat member", err)
	}
	if chat.Unpromoted() {
		return 0, nil
	}
	return a.sendGroupAction(ctx, chatID, &outbound.GroupAction{MemberRemoved: address})
}
