package inbound

import (
	"bytes"
	"encoding/base64"

	"github.com/hkdb/parley/internal/crypto"
	"github.com/hkdb/parley/internal/mimecodec"
)

// InjectSecureJoinHeaders stamps a secure-join protocol message's fields
// onto an already-built MIME message's header block, ahead of the blank
// line mimecodec.Build leaves before the body. Exported so account.go can
// address the joiner's initial vc-request/vg-request the same way.
func InjectSecureJoinHeaders(built []byte, msg *crypto.ProtocolMessage) []byte {
	var hdr bytes.Buffer
	hdr.WriteString(mimecodec.HeaderSecureJoin + ": " + msg.Step + "\r\n")
	if msg.GroupID != "" {
		hdr.WriteString(mimecodec.HeaderSecureJoinGroup + ": " + msg.GroupID + "\r\n")
	}
	if msg.InviteNumber != "" {
		hdr.WriteString(mimecodec.HeaderSecureJoinInvitenumber + ": " + msg.InviteNumber + "\r\n")
	}
	if msg.Auth != "" {
		hdr.WriteString(mimecodec.HeaderSecureJoinAuth + ": " + msg.Auth + "\r\n")
	}
	if msg.Fingerprint != "" {
		hdr.WriteString(mimecodec.HeaderSecureJoinFingerprint + ": " + msg.Fingerprint + "\r\n")
	}

	sep := []byte("\r\n\r\n")
	idx := bytes.Index(built, sep)
	if idx == -1 {
		sep = []byte("\n\n")
		idx = bytes.Index(built, sep)
	}
	if idx == -1 {
		return append(built, hdr.Bytes()...)
	}

	var out bytes.Buffer
	out.Write(built[:idx])
	out.WriteString("\r\n")
	out.Write(hdr.Bytes())
	out.Write(built[idx:])
	return out.Bytes()
}

// EncodeRaw base64-encodes a built MIME message for storage as a job's
// Param column (store.ActionSendRaw).
func EncodeRaw(raw []byte) string {
	return base64.StdEncoding.EncodeToString(raw)
}
