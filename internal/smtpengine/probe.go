package smtpengine

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
)

// Probe opens a real connection, authenticates, issues RSET, and closes —
// used by internal/autoconfig to validate a candidate submission config
// without a mock transport.
func Probe(ctx context.Context, cfg Config) error {
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
	if err := client.Reset(); err != nil {
		return classify(err)
	}
	return client.Quit()
}
