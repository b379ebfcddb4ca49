package crypto

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
)

// Encrypt wraps a raw RFC 822 message in PGP/MIME multipart/encrypted
// (RFC 3156). Every header outside the outer envelope set is protected: it
// travels inside the encrypted part rather than the outer envelope, so
// Chat-*/Subject/Autocrypt-Gossip headers aren't visible on the wire. Only
// a minimal outer envelope (From/To/Cc/Date/Message-ID/In-Reply-To/
// References/MIME-Version, stamped by the caller before encryption) stays
// in clear.
// recipients is the set of public keys to encrypt to; selfEntity, if
// non-nil, is added too so the sender can decrypt their own sent mail.
func Encrypt(rawMsg []byte, recipients openpgp.EntityList, selfEntity *openpgp.Entity) ([]byte, error) {
	headerEnd, bodyStart := splitHeaderBody(rawMsg)
	if headerEnd == -1 {
		return nil, fmt.Errorf("crypto: encrypt: no header/body boundary")
	}
	outerHeaders, protectedHeaders := splitProtectedHeaders(rawMsg[:headerEnd])
	body := rawMsg[bodyStart:]

	var innerBuf bytes.Buffer
	innerBuf.Write(protectedHeaders)
	innerBuf.WriteString("\r\n")
	innerBuf.Write(body)

	var recipientEntities openpgp.EntityList
	recipientEntities = append(recipientEntities, recipients...)
	if selfEntity != nil {
		recipientEntities = append(recipientEntities, selfEntity)
	}
	if len(recipientEntities) == 0 {
		return nil, fmt.Errorf("crypto: encrypt: no recipient keys available")
	}

	var encryptedBuf bytes.Buffer
	armorWriter, err := armor.Encode(&encryptedBuf, "PGP MESSAGE", nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: encrypt: armor writer: %w", err)
	}
	w, err := openpgp.Encrypt(armorWriter, recipientEntities, nil, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: encrypt: %w", err)
	}
	if _, err := io.Copy(w, &innerBuf); err != nil {
		return nil, fmt.Errorf("crypto: encrypt: write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("crypto: encrypt: close writer: %w", err)
	}
	if err := armorWriter.Close(); err != nil {
		return nil, fmt.Errorf("crypto: encrypt: close armor: %w", err)
	}

	boundary := randomBoundary("pgpenc")
	var result bytes.Buffer
	writeFilteredHeaders(&result, outerHeaders)

	result.WriteString("Content-Type: multipart/encrypted;\r\n")
	result.WriteString("\tprotocol=\"application/pgp-encrypted\";\r\n")
	fmt.Fprintf(&result, "\tboundary=\"%s\"\r\n\r\n", boundary)

	result.WriteString("--" + boundary + "\r\n")
	result.WriteString("Content-Type: application/pgp-encrypted\r\n")
	result.WriteString("Content-Description: PGP/MIME version identification\r\n\r\n")
	result.WriteString("Version: 1\r\n\r\n")

	result.WriteString("--" + boundary + "\r\n")
	result.WriteString("Content-Type: application/octet-stream; name=\"encrypted.asc\"\r\n")
	result.WriteString("Content-Disposition: inline; filename=\"encrypted.asc\"\r\n")
	result.WriteString("Content-Description: OpenPGP encrypted message\r\n\r\n")
	result.Write(encryptedBuf.Bytes())
	result.WriteString("\r\n--" + boundary + "--\r\n")

	return result.Bytes(), nil
}

// Decrypt reverses Encrypt, given a keyring holding the recipient's private
// key. Returns the decrypted inner content (the original headers + body
// that were protected) and whether the message was PGP/MIME encrypted at
// all — an unencrypted message returns (nil, false, nil), not an error.
func Decrypt(raw []byte, keyring openpgp.EntityList) ([]byte, bool, error) {
	headerEnd, bodyStart := splitHeaderBody(raw)
	if headerEnd == -1 {
		return nil, false, nil
	}
	ct := extractHeaderValue(raw[:headerEnd], "Content-Type")
	if ct == "" {
		return nil, false, nil
	}
	mediaType, params, err := mime.ParseMediaType(ct)
	if err != nil || !strings.EqualFold(mediaType, "multipart/encrypted") {
		return nil, false, nil
	}
	if !strings.EqualFold(params["protocol"], "application/pgp-encrypted") {
		return nil, false, nil
	}
	boundary := params["boundary"]
	if boundary == "" {
		return nil, true, fmt.Errorf("crypto: decrypt: missing boundary")
	}

	mr := multipart.NewReader(bytes.NewReader(raw[bodyStart:]), boundary)
	if p, err := mr.NextPart(); err == nil {
		io.Copy(io.Discard, p)
	}
	encPart, err := mr.NextPart()
	if err != nil {
		return nil, true, fmt.Errorf("crypto: decrypt: read encrypted part: %w", err)
	}
	encData, err := io.ReadAll(encPart)
	if err != nil {
		return nil, true, fmt.Errorf("crypto: decrypt: read encrypted data: %w", err)
	}

	var reader io.Reader = bytes.NewReader(encData)
	if block, armorErr := armor.Decode(bytes.NewReader(encData)); armorErr == nil {
		reader = block.Body
	}

	md, err := openpgp.ReadMessage(reader, keyring, nil, nil)
	if err != nil {
		return nil, true, fmt.Errorf("crypto: decrypt: %w", err)
	}
	decrypted, err := io.ReadAll(md.UnverifiedBody)
	if err != nil {
		return nil, true, fmt.Errorf("crypto: decrypt: read body: %w", err)
	}
	return decrypted, true, nil
}

// Sign wraps a raw message in PGP/MIME multipart/signed (RFC 3156) with a
// detached signature from signer.
func Sign(rawMsg []byte, signer *openpgp.Entity) ([]byte, error) {
	headerEnd, bodyStart := splitHeaderBody(rawMsg)
	if headerEnd == -1 {
		return nil, fmt.Errorf("crypto: sign: no header/body boundary")
	}
	originalHeaders := rawMsg[:headerEnd]
	innerPart := rawMsg[bodyStart:]

	var sigBuf bytes.Buffer
	armorWriter, err := armor.Encode(&sigBuf, "PGP SIGNATURE", nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: sign: armor writer: %w", err)
	}
	if err := openpgp.DetachSignText(armorWriter, signer, bytes.NewReader(innerPart), nil); err != nil {
		return nil, fmt.Errorf("crypto: sign: %w", err)
	}
	if err := armorWriter.Close(); err != nil {
		return nil, fmt.Errorf("crypto: sign: close armor: %w", err)
	}

	boundary := randomBoundary("pgpsig")
	var result bytes.Buffer
	writeFilteredHeaders(&result, originalHeaders)

	result.WriteString("Content-Type: multipart/signed;\r\n")
	result.WriteString("\tprotocol=\"application/pgp-signature\";\r\n")
	result.WriteString("\tmicalg=pgp-sha256;\r\n")
	fmt.Fprintf(&result, "\tboundary=\"%s\"\r\n\r\n", boundary)

	result.WriteString("--" + boundary + "\r\n")
	result.Write(innerPart)
	result.WriteString("\r\n--" + boundary + "\r\n")
	result.WriteString("Content-Type: application/pgp-signature; name=\"signature.asc\"\r\n")
	result.WriteString("Content-Disposition: attachment; filename=\"signature.asc\"\r\n")
	result.WriteString("Content-Description: OpenPGP digital signature\r\n\r\n")
	result.Write(sigBuf.Bytes())
	result.WriteString("\r\n--" + boundary + "--\r\n")

	return result.Bytes(), nil
}

// VerifyAndUnwrap checks a PGP/MIME multipart/signed message against
// keyring and returns the verification result plus the unwrapped inner
// content. A non-PGP-signed message returns (nil, nil).
func VerifyAndUnwrap(raw []byte, keyring openpgp.EntityList) (*SignatureResult, []byte) {
	headerEnd, bodyStart := splitHeaderBody(raw)
	if headerEnd == -1 {
		return nil, nil
	}
	ct := extractHeaderValue(raw[:headerEnd], "Content-Type")
	if ct == "" {
		return nil, nil
	}
	mediaType, params, err := mime.ParseMediaType(ct)
	if err != nil || !strings.EqualFold(mediaType, "multipart/signed") {
		return nil, nil
	}
	if !strings.EqualFold(params["protocol"], "application/pgp-signature") {
		return nil, nil
	}

	boundary := params["boundary"]
	if boundary == "" {
		return &SignatureResult{Status: StatusInvalid, ErrorMessage: "missing boundary parameter"}, nil
	}

	body := raw[bodyStart:]

	// RFC 2046 §5.1: the signed content is the exact bytes between the
	// opening boundary delimiter's CRLF and the CRLF introducing the next
	// boundary delimiter — re-parsing via multipart.Reader would risk
	// re-encoding/trimming bytes the signature was computed over.
	boundaryLine := []byte("--" + boundary)
	firstIdx := bytes.Index(body, boundaryLine)
	if firstIdx == -1 {
		return &SignatureResult{Status: StatusInvalid, ErrorMessage: "cannot find opening boundary"}, nil
	}
	contentStart := firstIdx + len(boundaryLine)
	if contentStart+2 <= len(body) && body[contentStart] == '\r' && body[contentStart+1] == '\n' {
		contentStart += 2
	} else if contentStart < len(body) && body[contentStart] == '\n' {
		contentStart++
	}

	rest := body[contentStart:]
	delim := []byte("\r\n--" + boundary)
	endIdx := bytes.Index(rest, delim)
	if endIdx == -1 {
		delim = []byte("\n--" + boundary)
		endIdx = bytes.Index(rest, delim)
		if endIdx == -1 {
			return &SignatureResult{Status: StatusInvalid, ErrorMessage: "cannot find closing boundary for signed part"}, nil
		}
	}
	signedContent := rest[:endIdx]

	mr := multipart.NewReader(bytes.NewReader(body), boundary)
	if p, err := mr.NextPart(); err == nil {
		io.Copy(io.Discard, p)
	}
	sigPart, err := mr.NextPart()
	if err != nil {
		return &SignatureResult{Status: StatusInvalid, ErrorMessage: fmt.Sprintf("failed to read signature part: %v", err)}, nil
	}
	sigBytes, err := io.ReadAll(sigPart)
	if err != nil {
		return &SignatureResult{Status: StatusInvalid, ErrorMessage: fmt.Sprintf("failed to read signature bytes: %v", err)}, nil
	}

	signer, err := openpgp.CheckArmoredDetachedSignature(keyring, bytes.NewReader(signedContent), bytes.NewReader(sigBytes), nil)
	if err != nil {
		if strings.Contains(err.Error(), "unknown entity") || strings.Contains(err.Error(), "key not found") {
			return &SignatureResult{Status: StatusUnknownKey, ErrorMessage: "signing key not found"}, signedContent
		}
		return &SignatureResult{Status: StatusInvalid, ErrorMessage: fmt.Sprintf("signature verification failed: %v", err)}, signedContent
	}

	return &SignatureResult{
		Status:      StatusSigned,
		SignerEmail: ExtractEmailFromKey(signer),
		SignerKeyID: fmt.Sprintf("%016X", signer.PrimaryKey.KeyId),
	}, signedContent
}

// outerEnvelopeHeaders are the few headers that must stay in clear for
// mail infrastructure to route the message. Everything else the caller
// wrote (Subject, Chat-*, Autocrypt-Gossip, Content-Type, ...) is moved
// into the encrypted part, RFC 1847 "protected headers" generalized to
// the whole header set rather than just Content-Type/CTE.
var outerEnvelopeHeaders = map[string]bool{
	"from": true, "to": true, "cc": true, "date": true,
	"message-id": true, "mime-version": true,
	"in-reply-to": true, "references": true,
}

// splitProtectedHeaders partitions a raw header block into the outer
// envelope (kept clear) and the protected set (moved inside the encrypted
// or signed part).
func splitProtectedHeaders(headers []byte) (outer, protected []byte) {
	lines := strings.Split(string(headers), "\n")
	var outerBuf, protectedBuf bytes.Buffer
	protecting := false
	for _, line := range lines {
		trimmed := strings.TrimRight(line, "\r")
		if len(trimmed) == 0 {
			continue
		}
		if trimmed[0] == ' ' || trimmed[0] == '\t' {
			if protecting {
				protectedBuf.WriteString(trimmed + "\r\n")
			} else {
				outerBuf.WriteString(trimmed + "\r\n")
			}
			continue
		}
		name := ""
		if colonIdx := strings.Index(trimmed, ":"); colonIdx != -1 {
			name = strings.ToLower(strings.TrimSpace(trimmed[:colonIdx]))
		}
		if outerEnvelopeHeaders[name] {
			protecting = false
			outerBuf.WriteString(trimmed + "\r\n")
		} else {
			protecting = true
			protectedBuf.WriteString(trimmed + "\r\n")
		}
	}
	return outerBuf.Bytes(), protectedBuf.Bytes()
}

func splitHeaderBody(raw []byte) (headerEnd, bodyStart int) {
	headerEnd = bytes.Index(raw, []byte("\r\n\r\n"))
	bodyStart = headerEnd + 4
	if headerEnd == -1 {
		headerEnd = bytes.Index(raw, []byte("\n\n"))
		bodyStart = headerEnd + 2
	}
	return headerEnd, bodyStart
}

func randomBoundary(prefix string) string {
	buf := make([]byte, 24)
	rand.Read(buf)
	return fmt.Sprintf("----=_%s_%x", prefix, buf)
}

func extractHeaderValue(headers []byte, name string) string {
	lines := strings.Split(string(headers), "\n")
	lowerName := strings.ToLower(name)
	for i, line := range lines {
		line = strings.TrimRight(line, "\r")
		colonIdx := strings.Index(line, ":")
		if colonIdx == -1 {
			continue
		}
		if strings.ToLower(strings.TrimSpace(line[:colonIdx])) != lowerName {
			continue
		}
		value := strings.TrimSpace(line[colonIdx+1:])
		for j := i + 1; j < len(lines); j++ {
			next := strings.TrimRight(lines[j], "\r")
			if len(next) == 0 {
				break
			}
			if next[0] == ' ' || next[0] == '\t' {
				value += " " + strings.TrimSpace(next)
				continue
			}
			break
		}
		return value
	}
	return ""
}

// writeFilteredHeaders copies the outer envelope headers, dropping the
// ones the encrypted/signed Content-Type replaces.
func writeFilteredHeaders(buf *bytes.Buffer, headers []byte) {
	lines := strings.Split(string(headers), "\n")
	skip := map[string]bool{
		"content-type":              true,
		"content-transfer-encoding": true,
		"mime-version":              true,
	}
	skipContinuation := false
	for _, line := range lines {
		line = strings.TrimRight(line, "\r")
		if len(line) == 0 {
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			if skipContinuation {
				continue
			}
			buf.WriteString(line + "\r\n")
			continue
		}
		colonIdx := strings.Index(line, ":")
		if colonIdx != -1 && skip[strings.ToLower(strings.TrimSpace(line[:colonIdx]))] {
			skipContinuation = true
			continue
		}
		skipContinuation = false
		buf.WriteString(line + "\r\n")
	}
	buf.WriteString("MIME-Version: 1.0\r\n")
}
