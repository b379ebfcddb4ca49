package mimecodec

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/textproto"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Attachment is one file to embed in a built message.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// Input is everything Build needs to produce a chat-capable MIME message.
// Chat-* and Autocrypt-Gossip headers are written at the top level here;
// when the message is destined for encryption, internal/crypto treats the
// whole entity Build returns as the part to protect (RFC 1847) and wraps it
// inside multipart/encrypted, so these headers travel inside the envelope.
type Input struct {
	From               string
	To                 []string
	Subject            string
	Text               string
	MessageID          string // generated if empty
	InReplyTo          string
	References         []string
	Autocrypt          string // sender's own Autocrypt header value, if any
	AutocryptGossip    map[string]string
	DispositionNotify  string
	GroupID            string
	GroupName          string
	GroupMemberAdded   string
	GroupMemberRemoved string
	GroupNameChanged   string
	Attachments        []Attachment
}

// Build renders input into an RFC 5322 message: stable header order
// (gossip headers sorted by address), quoted-printable text, base64
// attachments, following the teacher's smtp.ComposeMessage.ToRFC822 layout
// generalized with chat headers. The output is not byte-for-byte
// reproducible: Date is the current time, and Message-ID is a fresh uuid
// when in.MessageID is empty. Build takes no nonce.
func Build(in *Input) ([]byte, error) {
	var buf bytes.Buffer

	messageID := in.MessageID
	if messageID == "" {
		messageID = fmt.Sprintf("<%s@parley>", uuid.New().String())
	}

	writeHeader(&buf, "From", in.From)
	writeHeader(&buf, "To", strings.Join(in.To, ", "))
	writeHeader(&buf, "Subject", encodeHeaderWord(in.Subject))
	writeHeader(&buf, "Date", time.Now().Format(time.RFC1123Z))
	writeHeader(&buf, "Message-ID", messageID)
	writeHeader(&buf, "MIME-Version", "1.0")
	writeHeader(&buf, "Chat-Version", ChatVersion)

	if in.InReplyTo != "" {
		writeHeader(&buf, "In-Reply-To", in.InReplyTo)
	}
	if len(in.References) > 0 {
		writeHeader(&buf, "References", strings.Join(in.References, " "))
	}
	if in.DispositionNotify != "" {
		writeHeader(&buf, HeaderChatDispositionNotifyTo, in.DispositionNotify)
	}
	if in.GroupID != "" {
		writeHeader(&buf, HeaderChatGroupID, in.GroupID)
	}
	if in.GroupName != "" {
		writeHeader(&buf, HeaderChatGroupName, encodeHeaderWord(in.GroupName))
	}
	if in.GroupMemberAdded != "" {
		writeHeader(&buf, HeaderChatGroupMemberAdded, in.GroupMemberAdded)
	}
	if in.GroupMemberRemoved != "" {
		writeHeader(&buf, HeaderChatGroupMemberRemoved, in.GroupMemberRemoved)
	}
	if in.GroupNameChanged != "" {
		writeHeader(&buf, HeaderChatGroupNameChanged, encodeHeaderWord(in.GroupNameChanged))
	}
	if in.Autocrypt != "" {
		writeHeader(&buf, HeaderAutocrypt, in.Autocrypt)
	}
	gossipAddrs := make([]string, 0, len(in.AutocryptGossip))
	for addr := range in.AutocryptGossip {
		gossipAddrs = append(gossipAddrs, addr)
	}
	sort.Strings(gossipAddrs)
	for _, addr := range gossipAddrs {
		writeHeader(&buf, HeaderAutocryptGossip, fmt.Sprintf("addr=%s; keydata=%s", addr, in.AutocryptGossip[addr]))
	}

	if len(in.Attachments) > 0 {
		if err := writeMultipartMixed(&buf, in); err != nil {
			return nil, fmt.Errorf("mimecodec: build: %w", err)
		}
		return buf.Bytes(), nil
	}

	writeHeader(&buf, "Content-Type", "text/plain; charset=utf-8")
	writeHeader(&buf, "Content-Transfer-Encoding", "quoted-printable")
	buf.WriteString("\r\n")
	writeQuotedPrintable(&buf, in.Text)
	return buf.Bytes(), nil
}

// MDNInput is everything BuildMDN needs to produce a disposition
// notification for a received message (spec.md §4.G step 8, RFC 8098).
type MDNInput struct {
	From              string
	To                string
	OriginalMessageID string // the Message-Id this is a receipt for, with or without <>
	FinalRecipient    string
}

// BuildMDN renders a multipart/report disposition notification: a
// human-readable text/plain part plus a machine-readable
// message/disposition-notification part, the only shape Classify's IsMDN
// detection recognizes as a read receipt.
func BuildMDN(in *MDNInput) ([]byte, error) {
	var buf bytes.Buffer

	messageID := fmt.Sprintf("<%s@parley>", uuid.New().String())
	originalMID := in.OriginalMessageID
	if !strings.HasPrefix(originalMID, "<") {
		originalMID = "<" + originalMID + ">"
	}

	writeHeader(&buf, "From", in.From)
	writeHeader(&buf, "To", in.To)
	writeHeader(&buf, "Subject", "Receipt Notification")
	writeHeader(&buf, "Date", time.Now().Format(time.RFC1123Z))
	writeHeader(&buf, "Message-ID", messageID)
	writeHeader(&buf, "MIME-Version", "1.0")
	writeHeader(&buf, "In-Reply-To", originalMID)

	mpw := multipart.NewWriter(&buf)
	boundary := mpw.Boundary()
	writeHeader(&buf, "Content-Type", fmt.Sprintf("multipart/report; report-type=disposition-notification; boundary=%q", boundary))
	buf.WriteString("\r\n")

	humanHeader := textproto.MIMEHeader{}
	humanHeader.Set("Content-Type", "text/plain; charset=utf-8")
	humanPart, err := mpw.CreatePart(humanHeader)
	if err != nil {
		return nil, fmt.Errorf("mimecodec: build mdn: %w", err)
	}
	fmt.Fprintf(humanPart, "This is a read receipt for the message with ID %s.\r\n", originalMID)

	reportHeader := textproto.MIMEHeader{}
	reportHeader.Set("Content-Type", "message/disposition-notification")
	reportPart, err := mpw.CreatePart(reportHeader)
	if err != nil {
		return nil, fmt.Errorf("mimecodec: build mdn: %w", err)
	}
	fmt.Fprintf(reportPart, "Final-Recipient: rfc822; %s\r\n", in.FinalRecipient)
	fmt.Fprintf(reportPart, "Original-Message-ID: %s\r\n", originalMID)
	fmt.Fprintf(reportPart, "Disposition: manual-action/MDN-sent-automatically; displayed\r\n")

	if err := mpw.Close(); err != nil {
		return nil, fmt.Errorf("mimecodec: build mdn: %w", err)
	}
	return buf.Bytes(), nil
}

func writeHeader(w io.Writer, name, value string) {
	fmt.Fprintf(w, "%s: %s\r\n", name, value)
}

func encodeHeaderWord(s string) string {
	for _, r := range s {
		if r > 127 {
			return mime.QEncoding.Encode("utf-8", s)
		}
	}
	return s
}

func writeQuotedPrintable(w io.Writer, content string) {
	qp := quotedprintable.NewWriter(w)
	qp.Write([]byte(content))
	qp.Close()
}

func writeMultipartMixed(w *bytes.Buffer, in *Input) error {
	mpw := multipart.NewWriter(w)
	boundary := mpw.Boundary()

	writeHeader(w, "Content-Type", fmt.Sprintf("multipart/mixed; boundary=%q", boundary))
	w.WriteString("\r\n")

	textHeader := textproto.MIMEHeader{}
	textHeader.Set("Content-Type", "text/plain; charset=utf-8")
	textHeader.Set("Content-Transfer-Encoding", "quoted-printable")
	textPart, err := mpw.CreatePart(textHeader)
	if err != nil {
		return err
	}
	writeQuotedPrintable(textPart, in.Text)

	for _, att := range in.Attachments {
		if err := writeAttachment(mpw, att); err != nil {
			return err
		}
	}

	return mpw.Close()
}

func writeAttachment(w *multipart.Writer, att Attachment) error {
	contentType := att.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	header := textproto.MIMEHeader{}
	header.Set("Content-Type", contentType)
	header.Set("Content-Transfer-Encoding", "base64")
	header.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", att.Filename))

	part, err := w.CreatePart(header)
	if err != nil {
		return err
	}

	enc := base64.NewEncoder(base64.StdEncoding, &lineWrapper{w: part})
	if _, err := enc.Write(att.Content); err != nil {
		return err
	}
	return enc.Close()
}

// lineWrapper inserts a CRLF every 76 base64 characters, as RFC 2045 §6.8
// requires for the base64 Content-Transfer-Encoding.
type lineWrapper struct {
	w       io.Writer
	written int
}

func (l *lineWrapper) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		n := 76 - l.written
		if n > len(p) {
			n = len(p)
		}
		if _, err := l.w.Write(p[:n]); err != nil {
			return total, err
		}
		total += n
		l.written += n
		p = p[n:]
		if l.written == 76 {
			if _, err := l.w.Write([]byte("\r\n")); err != nil {
				return total, err
			}
			l.written = 0
		}
	}
	return total, nil
}
