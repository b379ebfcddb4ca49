package mimecodec

// Part is one node of the parsed MIME tree: a leaf (text/html/attachment)
// or a container with nested Parts.
type Part struct {
	ContentType string
	Params      map[string]string
	Headers     map[string]string // lower-cased header name -> raw value
	Body        []byte            // decoded, charset-transcoded body (leaf parts only)
	Filename    string            // sanitized, for attachment/inline parts
	Disposition string            // "inline" | "attachment" | ""
	Parts       []*Part           // nested parts (multipart containers)
}

// IsAttachment reports whether this leaf part should be materialized as a
// file rather than folded into the text/HTML view.
func (p *Part) IsAttachment() bool {
	if p.Disposition == "attachment" {
		return true
	}
	ct := p.ContentType
	return ct != "" && ct != "text/plain" && ct != "text/html" && len(p.Parts) == 0 && p.Filename != ""
}

// Warning records a best-effort decode decision (spec.md §4.B: "parse is
// total ... always yields a tree with best-effort decoding and a list of
// decode warnings").
type Warning struct {
	Stage   string
	Message string
}

// Tree is the neutral parsed representation of one RFC 5322 message.
type Tree struct {
	Headers map[string]string // lower-cased header name -> raw (still encoded-word) value
	Root    *Part

	// Convenience views over Root, populated by Parse.
	PlainText      string
	HTML           string
	HTMLPreserved  bool // true when the chat-HTML marker kept HTML verbatim
	Attachments    []*Part
}

// Header returns a header value case-insensitively, or "".
func (t *Tree) Header(name string) string {
	return t.Headers[lower(name)]
}
