package crypto

import (
	"fmt"
	"net/url"
	"strings"
)

// QRKind identifies what a scanned secure-join payload asks the scanning
// account to do (spec.md §6 check_qr/join_securejoin).
type QRKind int

const (
	QRUnknown QRKind = iota
	QRAskVerifyContact
	QRAskVerifyGroup
)

// QR is a decoded openpgp4fpr secure-join payload, the out-of-band
// verification channel spec.md §8 scenario 5 relies on: the fingerprint
// travels outside of email entirely, so a later Secure-Join-Fingerprint
// header claiming anything else is rejected rather than trusted.
type QR struct {
	Kind         QRKind
	Fingerprint  string
	Address      string
	InviteNumber string
	Auth         string
	GroupName    string
	GroupID      string
}

// EncodeQR renders the payload an inviter displays for get_securejoin_qr:
// openpgp4fpr:<FPR>#a=<addr>&i=<invitenumber>&s=<auth>, plus &g=/&x= when
// the invite is scoped to a protected group.
func EncodeQR(q *QR) string {
	v := url.Values{}
	v.Set("a", q.Address)
	v.Set("i", q.InviteNumber)
	v.Set("s", q.Auth)
	if q.GroupID != "" {
		v.Set("g", q.GroupName)
		v.Set("x", q.GroupID)
	}
	return fmt.Sprintf("openpgp4fpr:%s#%s", q.Fingerprint, v.Encode())
}

// ParseQR decodes a scanned payload for check_qr/join_securejoin. Any
// scheme other than openpgp4fpr comes back as QRUnknown rather than an
// error, since check_qr must be able to report "unrecognized" to the
// caller instead of failing.
func ParseQR(raw string) (*QR, error) {
	const prefix = "openpgp4fpr:"
	if !strings.HasPrefix(strings.ToLower(raw), prefix) {
		return &QR{Kind: QRUnknown}, nil
	}

	rest := raw[len(prefix):]
	fpr, query, _ := strings.Cut(rest, "#")
	v, err := url.ParseQuery(query)
	if err != nil {
		return nil, fmt.Errorf("crypto: parse qr: %w", err)
	}

	q := &QR{
		Fingerprint:  strings.ToUpper(strings.ReplaceAll(fpr, " ", "")),
		Address:      v.Get("a"),
		InviteNumber: v.Get("i"),
		Auth:         v.Get("s"),
		GroupName:    v.Get("g"),
		GroupID:      v.Get("x"),
	}
	if q.Address == "" || q.InviteNumber == "" {
		return &QR{Kind: QRUnknown}, nil
	}
	if q.GroupID != "" {
		q.Kind = QRAskVerifyGroup
	} else {
		q.Kind = QRAskVerifyContact
	}
	return q, nil
}
