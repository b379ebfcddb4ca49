package mimecodec

import (
	"bytes"
	"errors"
	"io"
	"mime"
	"strings"

	gomessage "github.com/emersion/go-message"
	"github.com/microcosm-cc/bluemonday"
)

// maxPartSize bounds how much of any single MIME part Parse will read into
// memory, guarding against a hostile or malformed message exhausting RAM.
const maxPartSize = 64 << 20

// Parse turns a raw RFC 5322 message into a neutral Tree. It never errors:
// a message go-message can't parse at all comes back as a single text/plain
// Part holding the raw bytes, with a Warning recording the failure.
func Parse(raw []byte) (*Tree, []Warning) {
	var warnings []Warning
	warn := func(stage, msg string) { warnings = append(warnings, Warning{Stage: stage, Message: msg}) }

	entity, err := gomessage.Read(bytes.NewReader(raw))
	if err != nil {
		warn("read", err.Error())
		tree := &Tree{
			Headers:   map[string]string{},
			Root:      &Part{ContentType: "text/plain", Body: raw},
			PlainText: string(raw),
		}
		return tree, warnings
	}

	headers := map[string]string{}
	fields := entity.Header.Fields()
	for fields.Next() {
		headers[lower(fields.Key())] = fields.Value()
	}

	root := parsePart(entity, warn)

	tree := &Tree{Headers: headers, Root: root}
	collectViews(root, tree)
	return tree, warnings
}

func parsePart(entity *gomessage.Entity, warn func(string, string)) *Part {
	contentType, params, _ := mime.ParseMediaType(entity.Header.Get("Content-Type"))
	disposition, dispParams, _ := mime.ParseMediaType(entity.Header.Get("Content-Disposition"))

	p := &Part{
		ContentType: contentType,
		Params:      params,
		Disposition: disposition,
		Headers:     map[string]string{},
	}
	fields := entity.Header.Fields()
	for fields.Next() {
		p.Headers[lower(fields.Key())] = fields.Value()
	}

	if filename, ok := dispParams["filename"]; ok {
		p.Filename = SanitizeHeaderFilename(filename)
	} else if filename, ok := params["name"]; ok {
		p.Filename = SanitizeHeaderFilename(filename)
	}

	if mr := entity.MultipartReader(); mr != nil {
		for {
			part, err := mr.NextPart()
			if err != nil {
				if !errors.Is(err, io.EOF) && !strings.Contains(err.Error(), "EOF") {
					warn("multipart", err.Error())
				}
				break
			}
			p.Parts = append(p.Parts, parsePart(part, warn))
		}
		return p
	}

	body, err := io.ReadAll(io.LimitReader(entity.Body, maxPartSize))
	if err != nil && len(body) == 0 {
		warn("body", err.Error())
		return p
	}

	if p.IsAttachment() {
		p.Body = body
		return p
	}

	charset := params["charset"]
	if charset == "" && contentType == "text/html" {
		charset = extractCharsetFromHTML(body)
	}
	decoded := decodeQuotedPrintableIfNeeded(body)
	text := decodeCharset(decoded, charset)

	if strings.EqualFold(params["format"], "flowed") {
		text = unflow(text, strings.EqualFold(params["delsp"], "yes"))
	}

	p.Body = []byte(text)
	return p
}

var plainTextPolicy = bluemonday.StrictPolicy()

// collectViews walks the tree depth-first, populating the Tree's
// convenience views: the first text/plain found, the first text/html (kept
// verbatim when a chat HTML marker part is present, otherwise stripped to a
// plain-text fallback too), and the flat attachment list.
func collectViews(p *Part, t *Tree) {
	switch {
	case p.ContentType == "text/plain" && t.PlainText == "":
		t.PlainText = string(p.Body)
	case p.ContentType == "text/html" && t.HTML == "":
		t.HTML = string(p.Body)
		if t.Headers[lower(HeaderChatContent)] != "" {
			t.HTMLPreserved = true
		}
		if t.PlainText == "" {
			t.PlainText = collapseWhitespace(plainTextPolicy.Sanitize(t.HTML))
		}
	case p.IsAttachment():
		t.Attachments = append(t.Attachments, p)
	}
	for _, child := range p.Parts {
		collectViews(child, t)
	}
}

func collapseWhitespace(s string) string {
	fields := strings.Fields(s)
	return strings.Join(fields, " ")
}

// extractCharsetFromHTML looks for a <meta charset> declaration when the
// Content-Type header omitted one.
func extractCharsetFromHTML(html []byte) string {
	search := html
	if len(search) > 1024 {
		search = search[:1024]
	}
	if m := metaCharsetRe.FindSubmatch(search); len(m) > 1 {
		return string(m[1])
	}
	if m := metaHTTPEquivRe.FindSubmatch(search); len(m) > 1 {
		return string(m[1])
	}
	return ""
}
