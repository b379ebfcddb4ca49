package parley

import "github.com/hkdb/parley/internal/store"

// Message mirrors the store's message entity at the API boundary (spec.md
// §3, §6 message listing).
type Message = store.Message

// ChatMessages returns up to limit messages for a chat, newest first
// (spec.md §6).
func (a *Account) ChatMessages(chatID int64, limit int) ([]*Message, error) {
	messages, err := a.store.ChatMessages(chatID, limit)
	if err != nil {
		return nil, classifyErr("chat messages", err)
	}
	return messages, nil
}

// GetMessage fetches one message by id (spec.md §6).
func (a *Account) GetMessage(messageID int64) (*Message, error) {
	msg, err := a.store.GetMessage(messageID)
	if err != nil {
		return nil, classifyErr("get message", err)
	}
	return msg, nil
}

// DeleteMessage removes a message locally; the server copy (if any) is
// untouched (spec.md §6 delete_msgs).
func (a *Account) DeleteMessage(messageID int64) error {
	if err := a.store.DeleteMessage(messageID); err != nil {
		return classifyErr("delete message", err)
	}
	return nil
}
