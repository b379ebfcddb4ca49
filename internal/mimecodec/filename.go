package mimecodec

import "regexp"

var (
	metaCharsetRe   = regexp.MustCompile(`(?i)<meta[^>]+charset=["']?([^"'\s>]+)`)
	metaHTTPEquivRe = regexp.MustCompile(`(?i)<meta[^>]+content=["'][^"']*charset=([^"'\s;]+)`)
)

// SanitizeHeaderFilename decodes an RFC 2047/2231 encoded attachment
// filename. Path-safety sanitization for the filesystem happens separately
// in internal/store when the attachment is written to the blob directory.
func SanitizeHeaderFilename(name string) string {
	return decodeMIMEWord(name)
}
