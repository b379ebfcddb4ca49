package autoconfig

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// autodiscoverRequestTemplate is the minimal POX (plain-old-XML) request body
// Exchange/Outlook Autodiscover expects for an IMAP/SMTP lookup.
const autodiscoverRequestTemplate = `<?xml version="1.0" encoding="utf-8"?>
<Autodiscover xmlns="http://schemas.microsoft.com/exchange/autodiscover/outlook/requestschema/2006">
  <Request>
    <EMailAddress>%s</EMailAddress>
    <AcceptableResponseSchema>http://schemas.microsoft.com/exchange/autodiscover/outlook/responseschema/2006a</AcceptableResponseSchema>
  </Request>
</Autodiscover>`

type autodiscoverResponse struct {
	XMLName  xml.Name `xml:"Autodiscover"`
	Response struct {
		Account struct {
			Protocol []autodiscoverProtocol `xml:"Protocol"`
		} `xml:"Account"`
	} `xml:"Response"`
}

type autodiscoverProtocol struct {
	Type       string `xml:"Type"`
	Server     string `xml:"Server"`
	Port       string `xml:"Port"`
	SSL        string `xml:"SSL"`
	Encryption string `xml:"Encryption"`
}

var autodiscoverClient = &http.Client{Timeout: 15 * time.Second}

// fetchAutodiscover resolves an address's server settings via Microsoft's
// Autodiscover POX protocol, trying the provider's own host and then the
// bare domain fallback per MS-OXDISCO.
func fetchAutodiscover(ctx context.Context, domain, address string) (*candidate, error) {
	urls := []string{
		fmt.Sprintf("https://autodiscover.%s/autodiscover/autodiscover.xml", domain),
		fmt.Sprintf("https://%s/autodiscover/autodiscover.xml", domain),
	}

	var lastErr error
	for _, u := range urls {
		cand, err := fetchAutodiscoverURL(ctx, u, address)
		if err == nil {
			return cand, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func fetchAutodiscoverURL(ctx context.Context, u, address string) (*candidate, error) {
	body := fmt.Sprintf(autodiscoverRequestTemplate, address)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader([]byte(body)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")

	resp, err := autodiscoverClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("autoconfig: autodiscover %s: status %d", u, resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	var parsed autodiscoverResponse
	if err := xml.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("autoconfig: autodiscover %s: %w", u, err)
	}

	var imapProto, smtpProto *autodiscoverProtocol
	for i, p := range parsed.Response.Account.Protocol {
		switch p.Type {
		case "IMAP":
			imapProto = &parsed.Response.Account.Protocol[i]
		case "SMTP":
			smtpProto = &parsed.Response.Account.Protocol[i]
		}
	}
	if imapProto == nil || smtpProto == nil {
		return nil, fmt.Errorf("autoconfig: autodiscover %s: missing imap or smtp protocol", u)
	}

	imapPort, err := strconv.Atoi(imapProto.Port)
	if err != nil {
		return nil, fmt.Errorf("autoconfig: autodiscover %s: bad imap port: %w", u, err)
	}
	smtpPort, err := strconv.Atoi(smtpProto.Port)
	if err != nil {
		return nil, fmt.Errorf("autoconfig: autodiscover %s: bad smtp port: %w", u, err)
	}

	imapSecurity, _ := parseSecurity(autodiscoverSecurity(imapProto))
	_, smtpSecurity := parseSecurity(autodiscoverSecurity(smtpProto))

	return &candidate{
		source:       "microsoft autodiscover",
		imapHost:     imapProto.Server,
		imapPort:     imapPort,
		imapSecurity: imapSecurity,
		smtpHost:     smtpProto.Server,
		smtpPort:     smtpPort,
		smtpSecurity: smtpSecurity,
	}, nil
}

// autodiscoverSecurity maps Autodiscover's SSL/Encryption fields onto our
// "tls"/"starttls"/"none" vocabulary.
func autodiscoverSecurity(p *autodiscoverProtocol) string {
	if p.Encryption == "TLS" {
		return "starttls"
	}
	if p.SSL == "on" {
		return "tls"
	}
	return "none"
}
