package autoconfig

import "fmt"

// heuristicGuesses returns the conventional server-naming patterns to try
// when no provider database entry, Thunderbird autoconfig, or Microsoft
// Autodiscover record resolved anything. Each is validated by the usual
// Probe calls before it's trusted.
func heuristicGuesses(domain string) []*candidate {
	imapTLS, _ := parseSecurity("tls")
	_, smtpStartTLS := parseSecurity("starttls")
	_, smtpTLS := parseSecurity("tls")

	return []*candidate{
		{
			source:       "heuristic guess",
			imapHost:     fmt.Sprintf("imap.%s", domain),
			imapPort:     993,
			imapSecurity: imapTLS,
			smtpHost:     fmt.Sprintf("smtp.%s", domain),
			smtpPort:     587,
			smtpSecurity: smtpStartTLS,
		},
		{
			source:       "heuristic guess",
			imapHost:     fmt.Sprintf("mail.%s", domain),
			imapPort:     993,
			imapSecurity: imapTLS,
			smtpHost:     fmt.Sprintf("mail.%s", domain),
			smtpPort:     587,
			smtpSecurity: smtpStartTLS,
		},
		{
			source:       "heuristic guess",
			imapHost:     domain,
			imapPort:     993,
			imapSecurity: imapTLS,
			smtpHost:     domain,
			smtpPort:     465,
			smtpSecurity: smtpTLS,
		},
	}
}
