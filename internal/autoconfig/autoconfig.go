// Package autoconfig discovers IMAP/SMTP settings for an email address
// without the user typing server/port/security by hand (spec.md §4.H
// configure()). It tries, in order, the bundled provider database, the
// Thunderbird autoconfig protocol, Microsoft's Autodiscover, and finally
// a heuristic guess — validating every candidate with a real connection
// via internal/imapengine.Probe/internal/smtpengine.Probe rather than
// trusting any source blindly.
package autoconfig

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hkdb/parley/internal/events"
	"github.com/hkdb/parley/internal/imapengine"
	"github.com/hkdb/parley/internal/logging"
	"github.com/hkdb/parley/internal/smtpengine"
	"golang.org/x/net/idna"
)

// candidate is one guess at a server pair, not yet validated.
type candidate struct {
	source       string
	imapHost     string
	imapPort     int
	imapSecurity imapengine.SecurityType
	smtpHost     string
	smtpPort     int
	smtpSecurity smtpengine.SecurityType
}

// Result is a validated, ready-to-store configuration.
type Result struct {
	IMAP   imapengine.Config
	SMTP   smtpengine.Config
	Source string
}

// ErrNoWorkingConfig is returned when every candidate source failed to
// probe successfully.
var ErrNoWorkingConfig = fmt.Errorf("autoconfig: no working configuration found")

var logger = logging.WithComponent("autoconfig")

// Configure resolves address into a validated IMAP/SMTP configuration,
// reporting progress through bus as spec.md §4.H's configure() describes
// (Permille 0=failed, 1-999=in progress, 1000=done).
func Configure(ctx context.Context, bus *events.Bus, address, password string) (*Result, error) {
	emit := func(permille int) {
		bus.Emit(events.Event{Type: events.ConfigureProgress, Permille: permille})
	}
	emit(50)

	local, domain, err := splitAddress(address)
	if err != nil {
		emit(0)
		return nil, err
	}
	asciiDomain, err := idna.ToASCII(strings.ToLower(domain))
	if err != nil {
		asciiDomain = strings.ToLower(domain)
	}

	sources := []func(ctx context.Context) (*candidate, error){
		func(ctx context.Context) (*candidate, error) { return lookupProvider(asciiDomain) },
		func(ctx context.Context) (*candidate, error) { return fetchThunderbird(ctx, asciiDomain, address) },
		func(ctx context.Context) (*candidate, error) { return fetchAutodiscover(ctx, asciiDomain, address) },
	}

	progress := 100
	for _, source := range sources {
		cand, err := source(ctx)
		progress += 200
		if err != nil || cand == nil {
			continue
		}
		if result := probeAndBuild(ctx, cand, local, address, password); result != nil {
			emit(1000)
			return result, nil
		}
	}

	for _, cand := range heuristicGuesses(asciiDomain) {
		progress += 50
		emit(min(progress, 950))
		if result := probeAndBuild(ctx, cand, local, address, password); result != nil {
			emit(1000)
			return result, nil
		}
	}

	emit(0)
	return nil, ErrNoWorkingConfig
}

func probeAndBuild(ctx context.Context, cand *candidate, local, address, password string) *Result {
	probeCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	imapCfg := imapengine.DefaultConfig()
	imapCfg.Host = cand.imapHost
	imapCfg.Port = cand.imapPort
	imapCfg.Security = cand.imapSecurity
	imapCfg.Username = address
	imapCfg.Password = password

	smtpCfg := smtpengine.DefaultConfig()
	smtpCfg.Host = cand.smtpHost
	smtpCfg.Port = cand.smtpPort
	smtpCfg.Security = cand.smtpSecurity
	smtpCfg.Username = address
	smtpCfg.Password = password

	if err := imapengine.Probe(probeCtx, imapCfg); err != nil {
		logger.Debug().Err(err).Str("source", cand.source).Str("host", cand.imapHost).Msg("imap probe failed")
		return nil
	}
	if err := smtpengine.Probe(probeCtx, smtpCfg); err != nil {
		logger.Debug().Err(err).Str("source", cand.source).Str("host", cand.smtpHost).Msg("smtp probe failed")
		return nil
	}
	return &Result{IMAP: imapCfg, SMTP: smtpCfg, Source: cand.source}
}

func splitAddress(address string) (local, domain string, err error) {
	at := strings.LastIndex(address, "@")
	if at <= 0 || at == len(address)-1 {
		return "", "", fmt.Errorf("autoconfig: malformed address %q", address)
	}
	return address[:at], address[at+1:], nil
}

func parseSecurity(s string) (imapengine.SecurityType, smtpengine.SecurityType) {
	switch strings.ToLower(s) {
	case "starttls":
		return imapengine.SecurityStartTLS, smtpengine.SecurityStartTLS
	case "none", "plain":
		return imapengine.SecurityNone, smtpengine.SecurityNone
	default:
		return imapengine.SecurityTLS, smtpengine.SecurityTLS
	}
}
