package mimecodec

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"mime/quotedprintable"
	"strings"
	"unicode/utf8"

	msgcharset "github.com/emersion/go-message/charset"
	"github.com/hkdb/parley/internal/logging"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding/htmlindex"
)

// decodeQuotedPrintableIfNeeded is a safety net for content go-message left
// undecoded.
func decodeQuotedPrintableIfNeeded(content []byte) []byte {
	s := string(content)
	if !strings.Contains(s, "=3D") && !strings.Contains(s, "=\n") && !strings.Contains(s, "=\r\n") {
		return content
	}
	decoded, err := io.ReadAll(quotedprintable.NewReader(bytes.NewReader(content)))
	if err != nil {
		return content
	}
	return decoded
}

// decodeCharset converts content from declaredCharset to UTF-8, falling back
// to auto-detection when the declared charset is wrong, unknown, or absent.
func decodeCharset(content []byte, declaredCharset string) string {
	log := logging.WithComponent("charset")

	if declaredCharset == "" || strings.EqualFold(declaredCharset, "utf-8") || strings.EqualFold(declaredCharset, "us-ascii") {
		if utf8.Valid(content) && !looksLikeGibberish(string(content)) {
			return string(content)
		}

		enc, name, _ := charset.DetermineEncoding(content, "text/html")
		if decoded, err := enc.NewDecoder().Bytes(content); err == nil && !looksLikeGibberish(string(decoded)) {
			log.Debug().Str("detected", name).Msg("auto-detected charset")
			return string(decoded)
		}

		for _, name := range []string{"gb18030", "gbk", "gb2312", "big5", "euc-tw"} {
			enc, err := htmlindex.Get(name)
			if err != nil {
				continue
			}
			if decoded, err := enc.NewDecoder().Bytes(content); err == nil && utf8.Valid(decoded) && !looksLikeGibberish(string(decoded)) {
				return string(decoded)
			}
		}

		log.Warn().Msg("charset auto-detection failed, returning as-is")
		return string(content)
	}

	enc, err := htmlindex.Get(declaredCharset)
	if err != nil {
		if alias, ok := charsetAliases[strings.ToLower(declaredCharset)]; ok {
			enc, err = htmlindex.Get(alias)
		}
		if err != nil {
			log.Warn().Str("charset", declaredCharset).Msg("unknown charset, returning as-is")
			return string(content)
		}
	}

	decoded, err := enc.NewDecoder().Bytes(content)
	if err != nil {
		log.Warn().Err(err).Str("charset", declaredCharset).Msg("charset decode failed, returning as-is")
		return string(content)
	}
	return string(decoded)
}

var charsetAliases = map[string]string{
	"gb2312": "gbk",
	"x-gbk":  "gbk",
	"x-big5": "big5",
}

// looksLikeGibberish heuristically flags misencoded text: a high density of
// replacement characters or of CJK Extension B code points, both of which
// are rare in genuine text but common when the wrong charset was applied.
func looksLikeGibberish(s string) bool {
	if len(s) == 0 {
		return false
	}
	var replacement, extB, total int
	for _, r := range s {
		total++
		if r == '�' {
			replacement++
		}
		if r >= 0x20000 && r <= 0x2A6DF {
			extB++
		}
	}
	if total > 10 && float64(replacement)/float64(total) > 0.1 {
		return true
	}
	if total > 20 && float64(extB)/float64(total) > 0.05 {
		return true
	}
	return false
}

// decodeMIMEWord decodes RFC 2047 encoded words in headers (subjects,
// filenames), with a charset fallback chain wider than mime.WordDecoder's
// default.
func decodeMIMEWord(s string) string {
	if s == "" {
		return s
	}
	dec := &mime.WordDecoder{
		CharsetReader: func(name string, r io.Reader) (io.Reader, error) {
			if reader, err := msgcharset.Reader(name, r); err == nil {
				return reader, nil
			}
			enc, err := htmlindex.Get(name)
			if err != nil {
				return nil, fmt.Errorf("mimecodec: unknown charset %q", name)
			}
			return enc.NewDecoder().Reader(r), nil
		},
	}
	decoded, err := dec.DecodeHeader(s)
	if err != nil {
		return s
	}
	return decoded
}
