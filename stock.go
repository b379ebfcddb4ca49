package parley

import (
	"strconv"
	"strings"
	"sync"
)

// StockID names one localizable system message the engine generates on
// the account's behalf (group renames, member adds, secure-join status),
// so the embedder supplies the actual wording instead of core baking in
// English (spec.md §9: "stock translations ... must be account-scoped
// configuration, not process-wide singletons").
type StockID int

const (
	StockGroupNameChanged StockID = iota
	StockGroupMemberAdded
	StockGroupMemberRemoved
	StockGroupImageChanged
	StockGroupImageDeleted
	StockGroupLeft
	StockSecureJoinWaiting
	StockSecureJoinSucceeded
	StockSecureJoinFailed
	StockMsgEncrypted
	StockMsgDecryptionFailed
)

// defaultStock are the built-in English strings an account falls back to
// when the embedder hasn't overridden one. "%1" is replaced with the
// first Format argument, "%2" with the second, matching spec.md's
// system-message placeholders.
var defaultStock = map[StockID]string{
	StockGroupNameChanged:    "Group name changed from \"%1\" to \"%2\"",
	StockGroupMemberAdded:    "Member %1 added",
	StockGroupMemberRemoved:  "Member %1 removed",
	StockGroupImageChanged:   "Group image changed",
	StockGroupImageDeleted:   "Group image deleted",
	StockGroupLeft:           "You left the group",
	StockSecureJoinWaiting:   "Waiting for secure-join confirmation...",
	StockSecureJoinSucceeded: "Contact verified",
	StockSecureJoinFailed:    "Secure-join failed",
	StockMsgEncrypted:        "Encrypted message",
	StockMsgDecryptionFailed: "Could not decrypt message",
}

// stockTable is one account's translation overrides. The zero value is
// ready to use (every lookup falls back to defaultStock).
type stockTable struct {
	mu        sync.RWMutex
	overrides map[StockID]string
}

// SetStock overrides the string shown for id on this account only. Other
// accounts in the same process, if any, are unaffected.
func (a *Account) SetStock(id StockID, text string) {
	a.stock.mu.Lock()
	defer a.stock.mu.Unlock()
	if a.stock.overrides == nil {
		a.stock.overrides = make(map[StockID]string)
	}
	a.stock.overrides[id] = text
}

// stockString returns the active translation for id, formatting %1/%2
// placeholders from args in order.
func (a *Account) stockString(id StockID, args ...string) string {
	a.stock.mu.RLock()
	text, ok := a.stock.overrides[id]
	a.stock.mu.RUnlock()
	if !ok {
		text = defaultStock[id]
	}
	for i, arg := range args {
		placeholder := "%" + strconv.Itoa(i+1)
		text = strings.ReplaceAll(text, placeholder, arg)
	}
	return text
}
