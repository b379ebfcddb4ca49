package mimecodec

import (
	"strings"
	"testing"
)

func TestParsePlainText(t *testing.T) {
	raw := "From: a@example.com\r\n" +
		"To: b@example.com\r\n" +
		"Subject: hi\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"hello world\r\n"

	tree, warnings := Parse([]byte(raw))
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}
	if tree.PlainText != "hello world\r\n" {
		t.Fatalf("plain text = %q", tree.PlainText)
	}
	if tree.Header("subject") != "hi" {
		t.Fatalf("subject = %q", tree.Header("subject"))
	}
}

func TestParseNeverErrors(t *testing.T) {
	garbage := []byte("not a valid email at all\x00\x01\x02")
	tree, warnings := Parse(garbage)
	if tree == nil {
		t.Fatal("Parse returned nil tree for unparsable input")
	}
	if len(warnings) == 0 {
		t.Fatal("expected a warning for unparsable input")
	}
}

func TestParseMultipartWithAttachment(t *testing.T) {
	boundary := "bnd1"
	raw := "From: a@example.com\r\n" +
		"Content-Type: multipart/mixed; boundary=\"" + boundary + "\"\r\n" +
		"\r\n" +
		"--" + boundary + "\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"body text\r\n" +
		"--" + boundary + "\r\n" +
		"Content-Type: application/octet-stream\r\n" +
		"Content-Disposition: attachment; filename=\"note.txt\"\r\n" +
		"\r\n" +
		"file contents\r\n" +
		"--" + boundary + "--\r\n"

	tree, _ := Parse([]byte(raw))
	if !strings.Contains(tree.PlainText, "body text") {
		t.Fatalf("plain text = %q", tree.PlainText)
	}
	if len(tree.Attachments) != 1 {
		t.Fatalf("attachments = %d, want 1", len(tree.Attachments))
	}
	if tree.Attachments[0].Filename != "note.txt" {
		t.Fatalf("filename = %q", tree.Attachments[0].Filename)
	}
}

func TestBuildParseRoundTrip(t *testing.T) {
	in := &Input{
		From:      "a@example.com",
		To:        []string{"b@example.com"},
		Subject:   "hello",
		Text:      "round trip body",
		GroupID:   "abc123",
		GroupName: "Test Group",
	}
	raw, err := Build(in)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	tree, warnings := Parse(raw)
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}
	if !strings.Contains(tree.PlainText, "round trip body") {
		t.Fatalf("plain text = %q", tree.PlainText)
	}
	if tree.Header(HeaderChatGroupID) != "abc123" {
		t.Fatalf("group id = %q", tree.Header(HeaderChatGroupID))
	}
	if tree.Header(HeaderChatVersion) != ChatVersion {
		t.Fatalf("chat version = %q", tree.Header(HeaderChatVersion))
	}
}

func TestBuildParseRoundTripWithAttachment(t *testing.T) {
	in := &Input{
		From: "a@example.com",
		To:   []string{"b@example.com"},
		Text: "see attached",
		Attachments: []Attachment{
			{Filename: "data.bin", ContentType: "application/octet-stream", Content: []byte("binary-data-here")},
		},
	}
	raw, err := Build(in)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	tree, _ := Parse(raw)
	if len(tree.Attachments) != 1 {
		t.Fatalf("attachments = %d, want 1", len(tree.Attachments))
	}
	if string(tree.Attachments[0].Body) != "binary-data-here" {
		t.Fatalf("attachment body = %q", string(tree.Attachments[0].Body))
	}
}
