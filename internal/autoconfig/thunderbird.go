package autoconfig

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// thunderbirdConfig mirrors the subset of Thunderbird's autoconfig schema
// (config-v1.1.xml) this package cares about: one incoming IMAP server and
// one outgoing SMTP server.
type thunderbirdConfig struct {
	XMLName       xml.Name `xml:"clientConfig"`
	EmailProvider struct {
		IncomingServer []thunderbirdServer `xml:"incomingServer"`
		OutgoingServer []thunderbirdServer `xml:"outgoingServer"`
	} `xml:"emailProvider"`
}

type thunderbirdServer struct {
	Type       string `xml:"type,attr"`
	Hostname   string `xml:"hostname"`
	Port       string `xml:"port"`
	SocketType string `xml:"socketType"`
}

var thunderbirdClient = &http.Client{Timeout: 15 * time.Second}

// fetchThunderbird resolves domain's server settings via the Mozilla
// ISPDB autoconfig convention: first the provider's own autoconfig
// subdomain, then its .well-known path.
func fetchThunderbird(ctx context.Context, domain, address string) (*candidate, error) {
	urls := []string{
		fmt.Sprintf("https://autoconfig.%s/mail/config-v1.1.xml?emailaddress=%s", domain, url.QueryEscape(address)),
		fmt.Sprintf("https://%s/.well-known/autoconfig/mail/config-v1.1.xml", domain),
	}

	var lastErr error
	for _, u := range urls {
		cand, err := fetchThunderbirdURL(ctx, u)
		if err == nil {
			return cand, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func fetchThunderbirdURL(ctx context.Context, u string) (*candidate, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := thunderbirdClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("autoconfig: thunderbird %s: status %d", u, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	var cfg thunderbirdConfig
	if err := xml.Unmarshal(body, &cfg); err != nil {
		return nil, fmt.Errorf("autoconfig: thunderbird %s: %w", u, err)
	}

	imapSrv, ok := firstServer(cfg.EmailProvider.IncomingServer, "imap")
	if !ok {
		return nil, fmt.Errorf("autoconfig: thunderbird %s: no imap server", u)
	}
	smtpSrv, ok := firstServer(cfg.EmailProvider.OutgoingServer, "smtp")
	if !ok {
		return nil, fmt.Errorf("autoconfig: thunderbird %s: no smtp server", u)
	}

	imapPort, err := strconv.Atoi(imapSrv.Port)
	if err != nil {
		return nil, fmt.Errorf("autoconfig: thunderbird %s: bad imap port: %w", u, err)
	}
	smtpPort, err := strconv.Atoi(smtpSrv.Port)
	if err != nil {
		return nil, fmt.Errorf("autoconfig: thunderbird %s: bad smtp port: %w", u, err)
	}

	imapSecurity, _ := parseSecurity(thunderbirdSocketType(imapSrv.SocketType))
	_, smtpSecurity := parseSecurity(thunderbirdSocketType(smtpSrv.SocketType))

	return &candidate{
		source:       "thunderbird autoconfig",
		imapHost:     imapSrv.Hostname,
		imapPort:     imapPort,
		imapSecurity: imapSecurity,
		smtpHost:     smtpSrv.Hostname,
		smtpPort:     smtpPort,
		smtpSecurity: smtpSecurity,
	}, nil
}

func firstServer(servers []thunderbirdServer, kind string) (thunderbirdServer, bool) {
	for _, s := range servers {
		if s.Type == kind {
			return s, true
		}
	}
	return thunderbirdServer{}, false
}

// thunderbirdSocketType maps Thunderbird's SSL/STARTTLS/plain vocabulary
// onto our "tls"/"starttls"/"none" strings.
func thunderbirdSocketType(socketType string) string {
	switch socketType {
	case "SSL":
		return "tls"
	case "STARTTLS":
		return "starttls"
	default:
		return "none"
	}
}
