// Package smtpengine sends already-built MIME messages (internal/mimecodec
// produces the bytes) to the account's configured submission server, and
// validates submission credentials for internal/autoconfig.
package smtpengine

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"net/textproto"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/hkdb/parley/internal/logging"
)

// SecurityType mirrors internal/imapengine's connection security enum for
// the submission side.
type SecurityType string

const (
	SecurityNone     SecurityType = "none"
	SecurityTLS      SecurityType = "tls"
	SecurityStartTLS SecurityType = "starttls"
)

// AuthType selects how Dispatch authenticates to the submission server.
type AuthType string

const (
	AuthTypePassword AuthType = "password"
	AuthTypeOAuth2   AuthType = "oauth2"
)

// Config holds everything needed to submit mail through one account's
// outgoing server.
type Config struct {
	Host     string
	Port     int
	Security SecurityType
	Username string
	Password string

	AuthType    AuthType
	AccessToken string

	ConnectTimeout time.Duration

	TLSConfig *tls.Config
}

// DefaultConfig returns sensible submission-port defaults.
func DefaultConfig() Config {
	return Config{
		Port:           587,
		Security:       SecurityStartTLS,
		ConnectTimeout: 30 * time.Second,
	}
}

// Envelope is one outgoing message: the already-built RFC 5322 bytes plus
// the SMTP envelope sender/recipients (which may differ from the
// From/To headers, e.g. VERP or BCC).
type Envelope struct {
	From       string
	Recipients []string
	Raw        []byte
}

// TransientFailure wraps a 4xx SMTP reply: the caller should retry later.
type TransientFailure struct {
	Code int
	Msg  string
}

func (e *TransientFailure) Error() string {
	return fmt.Sprintf("smtpengine: transient failure %d: %s", e.Code, e.Msg)
}

// PermanentFailure wraps a 5xx SMTP reply: retrying with the same
// envelope will not succeed.
type PermanentFailure struct {
	Code int
	Msg  string
}

func (e *PermanentFailure) Error() string {
	return fmt.Sprintf("smtpengine: permanent failure %d: %s", e.Code, e.Msg)
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	if tperr, ok := err.(*textproto.Error); ok {
		if tperr.Code >= 500 {
			return &PermanentFailure{Code: tperr.Code, Msg: tperr.Msg}
		}
		if tperr.Code >= 400 {
			return &TransientFailure{Code: tperr.Code, Msg: tperr.Msg}
		}
	}
	// Network-level errors (dial refused, timeout, TLS handshake failure)
	// are always worth retrying — they say nothing about the message.
	return &TransientFailure{Code: 0, Msg: err.Error()}
}

// Dispatch submits one message, returning a *TransientFailure or
// *PermanentFailure on rejection, nil on success.
func Dispatch(ctx context.Context, cfg Config, env Envelope) error {
	log := logging.WithComponent("smtpengine")

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}

	var conn net.Conn
	var err error
	if cfg.Security == SecurityTLS {
		tlsConfig := cfg.TLSConfig
		if tlsConfig == nil {
			tlsConfig = &tls.Config{ServerName: cfg.Host}
		}
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, tlsConfig)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return classify(err)
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	defer close(done)

	client, err := smtp.NewClient(conn, cfg.Host)
	if err != nil {
		return classify(err)
	}
	defer client.Close()

	if err := client.Hello("localhost"); err != nil {
		return classify(err)
	}

	if cfg.Security == SecurityStartTLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			tlsConfig := cfg.TLSConfig
			if tlsConfig == nil {
				tlsConfig = &tls.Config{ServerName: cfg.Host}
			}
			if err := client.StartTLS(tlsConfig); err != nil {
				return classify(err)
			}
		}
	}

	if err := authenticate(client, cfg); err != nil {
		return classify(err)
	}

	if err := client.Mail(env.From); err != nil {
		return classify(err)
	}
	for _, rcpt := range env.Recipients {
		if err := client.Rcpt(rcpt); err != nil {
			return classify(err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return classify(err)
	}
	if _, err := w.Write(env.Raw); err != nil {
		return classify(err)
	}
	if err := w.Close(); err != nil {
		return classify(err)
	}

	if err := client.Quit(); err != nil {
		log.Debug().Err(err).Msg("quit failed, message already accepted")
	}
	return nil
}

func authenticate(client *smtp.Client, cfg Config) error {
	authType := cfg.AuthType
	if authType == "" {
		authType = AuthTypePassword
	}

	switch authType {
	case AuthTypeOAuth2:
		if cfg.AccessToken == "" {
			return fmt.Errorf("smtpengine: oauth2 requires an access token")
		}
		saslClient := sasl.NewXoauth2Client(cfg.Username, cfg.AccessToken)
		return authenticateSASL(client, saslClient)
	default:
		if ok, _ := client.Extension("AUTH"); !ok {
			return nil
		}
		return client.Auth(smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host))
	}
}

// authenticateSASL drives a go-sasl Client against net/smtp's AUTH
// command, since net/smtp only ships PLAIN/CRAM-MD5 built in.
func authenticateSASL(client *smtp.Client, saslClient sasl.Client) error {
	mech, initial, err := saslClient.Start()
	if err != nil {
		return err
	}
	return client.Auth(&saslAdapter{mech: mech, initial: initial, client: saslClient})
}

// saslAdapter implements net/smtp.Auth over a github.com/emersion/go-sasl
// client, since the two packages don't share an auth interface.
type saslAdapter struct {
	mech    string
	initial []byte
	client  sasl.Client
	started bool
}

func (a *saslAdapter) Start(server *smtp.ServerInfo) (string, []byte, error) {
	a.started = true
	return a.mech, a.initial, nil
}

func (a *saslAdapter) Next(fromServer []byte, more bool) ([]byte, error) {
	if !more {
		return nil, nil
	}
	return a.client.Next(fromServer)
}
