// Package mimecodec parses and builds the MIME wire format the engine
// exchanges over IMAP/SMTP (spec.md §4.B).
package mimecodec

// Chat-specific header names (spec.md §6). These are placed inside the
// encrypted part when encryption applies ("protected headers", RFC 1847).
const (
	HeaderChatVersion              = "Chat-Version"
	HeaderChatGroupID              = "Chat-Group-ID"
	HeaderChatGroupName            = "Chat-Group-Name"
	HeaderChatGroupMemberAdded     = "Chat-Group-Member-Added"
	HeaderChatGroupMemberRemoved   = "Chat-Group-Member-Removed"
	HeaderChatGroupNameChanged     = "Chat-Group-Name-Changed"
	HeaderChatGroupAvatar          = "Chat-Group-Avatar"
	HeaderChatUserAvatar           = "Chat-User-Avatar"
	HeaderChatVoiceMessage         = "Chat-Voice-Message"
	HeaderChatDuration             = "Chat-Duration"
	HeaderChatContent              = "Chat-Content"
	HeaderChatDispositionNotifyTo  = "Chat-Disposition-Notification-To"
	HeaderAutocrypt                = "Autocrypt"
	HeaderAutocryptGossip          = "Autocrypt-Gossip"
	HeaderSecureJoin               = "Secure-Join"
	HeaderSecureJoinGroup          = "Secure-Join-Group"
	HeaderSecureJoinFingerprint    = "Secure-Join-Fingerprint"
	HeaderSecureJoinInvitenumber   = "Secure-Join-Invitenumber"
	HeaderSecureJoinAuth           = "Secure-Join-Auth"
)

// ChatVersion is the value of the Chat-Version header every chat message
// carries, identifying a chat-capable sender (spec.md §6).
const ChatVersion = "1.0"
