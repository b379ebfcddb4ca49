// Package imapengine drives the engine's IMAP side: per-folder IDLE
// watchers, a small connection pool for one-shot operations, and the
// move/expunge worker that carries out server-side housekeeping the
// outbound and inbound pipelines ask for.
package imapengine

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"
	"github.com/hkdb/parley/internal/logging"
	"github.com/rs/zerolog"
)

// SecurityType is the connection security method for a server.
type SecurityType string

const (
	SecurityNone     SecurityType = "none"
	SecurityTLS      SecurityType = "tls"
	SecurityStartTLS SecurityType = "starttls"
)

// AuthType selects how Client authenticates.
type AuthType string

const (
	AuthTypePassword AuthType = "password"
	AuthTypeOAuth2   AuthType = "oauth2"
)

// deadlineConn wraps a net.Conn to set read/write deadlines before every
// operation, since go-imap v2 has no built-in I/O timeout.
type deadlineConn struct {
	net.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration
}

func (c *deadlineConn) Read(b []byte) (int, error) {
	if c.readTimeout > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Read(b)
}

func (c *deadlineConn) Write(b []byte) (int, error) {
	if c.writeTimeout > 0 {
		if err := c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Write(b)
}

// Config holds everything needed to connect and authenticate to the
// account's IMAP server.
type Config struct {
	Host     string
	Port     int
	Security SecurityType
	Username string
	Password string

	AuthType    AuthType
	AccessToken string

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration

	TLSConfig *tls.Config

	// UnilateralDataHandler, when set, receives EXISTS/EXPUNGE
	// notifications pushed outside of a command's response — the
	// mechanism IDLE relies on. One-shot Pool connections leave this nil.
	UnilateralDataHandler *imapclient.UnilateralDataHandler
}

// DefaultConfig returns a Config with sensible network defaults; the
// caller still needs to fill in Host/Port/Username/credentials.
func DefaultConfig() Config {
	return Config{
		Port:           993,
		Security:       SecurityTLS,
		ConnectTimeout: 30 * time.Second,
		ReadTimeout:    3 * time.Minute,
		WriteTimeout:   30 * time.Second,
	}
}

// Client wraps imapclient.Client with connect/login lifecycle and the
// UID-oriented operations the pipelines need.
type Client struct {
	config Config
	client *imapclient.Client
	caps   imap.CapSet
	log    zerolog.Logger
}

// NewClient creates a Client but does not connect.
func NewClient(config Config) *Client {
	return &Client{
		config: config,
		log:    logging.WithComponent("imapengine"),
	}
}

// Connect dials and waits for the server greeting. It does not log in.
func (c *Client) Connect() error {
	addr := fmt.Sprintf("%s:%d", c.config.Host, c.config.Port)

	c.log.Debug().
		Str("host", c.config.Host).
		Int("port", c.config.Port).
		Str("security", string(c.config.Security)).
		Msg("connecting to IMAP server")

	var err error
	options := &imapclient.Options{UnilateralDataHandler: c.config.UnilateralDataHandler}
	dialer := &net.Dialer{Timeout: c.config.ConnectTimeout}

	switch c.config.Security {
	case SecurityTLS:
		tlsConfig := c.config.TLSConfig
		if tlsConfig == nil {
			tlsConfig = &tls.Config{ServerName: c.config.Host}
		}
		rawConn, dialErr := tls.DialWithDialer(dialer, "tcp", addr, tlsConfig)
		if dialErr != nil {
			return fmt.Errorf("imapengine: dial tls: %w", dialErr)
		}
		c.client = imapclient.New(&deadlineConn{Conn: rawConn, readTimeout: c.config.ReadTimeout, writeTimeout: c.config.WriteTimeout}, options)

	case SecurityStartTLS:
		if c.config.TLSConfig != nil {
			options.TLSConfig = c.config.TLSConfig
		} else {
			options.TLSConfig = &tls.Config{ServerName: c.config.Host}
		}
		c.client, err = imapclient.DialStartTLS(addr, options)
		if err != nil {
			return fmt.Errorf("imapengine: dial starttls: %w", err)
		}

	case SecurityNone:
		rawConn, dialErr := dialer.Dial("tcp", addr)
		if dialErr != nil {
			return fmt.Errorf("imapengine: dial: %w", dialErr)
		}
		c.client = imapclient.New(&deadlineConn{Conn: rawConn, readTimeout: c.config.ReadTimeout, writeTimeout: c.config.WriteTimeout}, options)

	default:
		return fmt.Errorf("imapengine: unknown security type %q", c.config.Security)
	}

	if err := c.client.WaitGreeting(); err != nil {
		c.client.Close()
		return fmt.Errorf("imapengine: greeting: %w", err)
	}

	c.caps = c.client.Caps()
	c.log.Debug().Msg("connected to IMAP server")
	return nil
}

// Login authenticates with the server.
func (c *Client) Login() error {
	if c.client == nil {
		return fmt.Errorf("imapengine: not connected")
	}

	authType := c.config.AuthType
	if authType == "" {
		authType = AuthTypePassword
	}

	var err error
	switch authType {
	case AuthTypeOAuth2:
		err = c.loginOAuth2()
	default:
		err = c.loginPassword()
	}
	if err != nil {
		return err
	}

	c.caps = c.client.Caps()
	c.log.Info().Str("username", c.config.Username).Msg("logged in")
	return nil
}

func (c *Client) loginPassword() error {
	// LOGIN is tried first: a failed AUTHENTICATE can wedge the wire state
	// on some servers (seen with Proton Bridge) and prevent a LOGIN retry.
	if c.caps.Has(imap.CapLoginDisabled) {
		saslClient := sasl.NewPlainClient("", c.config.Username, c.config.Password)
		if err := c.client.Authenticate(saslClient); err != nil {
			return fmt.Errorf("imapengine: authenticate: %w", err)
		}
		return nil
	}
	if err := c.client.Login(c.config.Username, c.config.Password).Wait(); err != nil {
		return fmt.Errorf("imapengine: login: %w", err)
	}
	return nil
}

func (c *Client) loginOAuth2() error {
	if c.config.AccessToken == "" {
		return fmt.Errorf("imapengine: oauth2 requires an access token")
	}
	saslClient := sasl.NewXoauth2Client(c.config.Username, c.config.AccessToken)
	if err := c.client.Authenticate(saslClient); err != nil {
		return fmt.Errorf("imapengine: xoauth2: %w", err)
	}
	return nil
}

// Close logs out and closes the underlying connection.
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	if err := c.client.Logout().Wait(); err != nil {
		c.log.Debug().Err(err).Msg("logout failed, closing anyway")
	}
	return c.client.Close()
}

func (c *Client) Caps() imap.CapSet       { return c.caps }
func (c *Client) HasCap(cap imap.Cap) bool { return c.caps.Has(cap) }
func (c *Client) SupportsCondStore() bool  { return c.caps.Has(imap.CapCondStore) }
func (c *Client) SupportsIdle() bool       { return c.caps.Has(imap.CapIdle) }
func (c *Client) SupportsUIDPlus() bool    { return c.caps.Has(imap.CapUIDPlus) }

// RawClient exposes the underlying imapclient.Client for Watcher's
// unilateral-data handler and IDLE command, set up before this package's
// higher-level helpers take over.
func (c *Client) RawClient() *imapclient.Client { return c.client }

// MailboxStatus is a selected or STATUS-queried mailbox snapshot.
type MailboxStatus struct {
	Name          string
	UIDValidity   uint32
	UIDNext       uint32
	Messages      uint32
	Unseen        uint32
	HighestModSeq uint64
}

// Select selects name and returns its status. Runs Select().Wait() in a
// goroutine so ctx cancellation isn't blocked by the underlying Wait call.
func (c *Client) Select(ctx context.Context, name string) (*MailboxStatus, error) {
	if c.client == nil {
		return nil, fmt.Errorf("imapengine: not connected")
	}

	type result struct {
		data *imap.SelectData
		err  error
	}
	resultCh := make(chan result, 1)
	go func() {
		data, err := c.client.Select(name, nil).Wait()
		resultCh <- result{data, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-resultCh:
		if r.err != nil {
			return nil, fmt.Errorf("imapengine: select %s: %w", name, r.err)
		}
		return &MailboxStatus{
			Name:          name,
			UIDValidity:   r.data.UIDValidity,
			UIDNext:       uint32(r.data.UIDNext),
			Messages:      r.data.NumMessages,
			HighestModSeq: r.data.HighestModSeq,
		}, nil
	}
}

// Status queries a mailbox's status without selecting it.
func (c *Client) Status(ctx context.Context, name string) (*MailboxStatus, error) {
	if c.client == nil {
		return nil, fmt.Errorf("imapengine: not connected")
	}

	options := &imap.StatusOptions{NumMessages: true, UIDNext: true, UIDValidity: true, NumUnseen: true}
	if c.SupportsCondStore() {
		options.HighestModSeq = true
	}

	type result struct {
		data *imap.StatusData
		err  error
	}
	resultCh := make(chan result, 1)
	go func() {
		data, err := c.client.Status(name, options).Wait()
		resultCh <- result{data, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-resultCh:
		if r.err != nil {
			return nil, fmt.Errorf("imapengine: status %s: %w", name, r.err)
		}
		ms := &MailboxStatus{Name: name, UIDValidity: r.data.UIDValidity, UIDNext: uint32(r.data.UIDNext), HighestModSeq: r.data.HighestModSeq}
		if r.data.NumMessages != nil {
			ms.Messages = *r.data.NumMessages
		}
		if r.data.NumUnseen != nil {
			ms.Unseen = *r.data.NumUnseen
		}
		return ms, nil
	}
}

// AppendMessage appends raw to mailbox, returning the server-assigned UID.
func (c *Client) AppendMessage(mailbox string, flags []imap.Flag, date time.Time, raw []byte) (imap.UID, error) {
	if c.client == nil {
		return 0, fmt.Errorf("imapengine: not connected")
	}
	options := &imap.AppendOptions{Flags: flags}
	if !date.IsZero() {
		options.Time = date
	}
	appendCmd := c.client.Append(mailbox, int64(len(raw)), options)
	if _, err := appendCmd.Write(raw); err != nil {
		return 0, fmt.Errorf("imapengine: append write: %w", err)
	}
	if err := appendCmd.Close(); err != nil {
		return 0, fmt.Errorf("imapengine: append close: %w", err)
	}
	data, err := appendCmd.Wait()
	if err != nil {
		return 0, fmt.Errorf("imapengine: append: %w", err)
	}
	return data.UID, nil
}

func uidSet(uids []imap.UID) imap.UIDSet {
	set := imap.UIDSet{}
	for _, uid := range uids {
		set.AddNum(uid)
	}
	return set
}

// AddFlags adds flags to the given UIDs in the selected mailbox.
func (c *Client) AddFlags(uids []imap.UID, flags []imap.Flag) error {
	if len(uids) == 0 {
		return nil
	}
	storeCmd := c.client.Store(uidSet(uids), &imap.StoreFlags{Op: imap.StoreFlagsAdd, Flags: flags, Silent: true}, nil)
	if err := storeCmd.Close(); err != nil {
		return fmt.Errorf("imapengine: add flags: %w", err)
	}
	return nil
}

// RemoveFlags removes flags from the given UIDs in the selected mailbox.
func (c *Client) RemoveFlags(uids []imap.UID, flags []imap.Flag) error {
	if len(uids) == 0 {
		return nil
	}
	storeCmd := c.client.Store(uidSet(uids), &imap.StoreFlags{Op: imap.StoreFlagsDel, Flags: flags, Silent: true}, nil)
	if err := storeCmd.Close(); err != nil {
		return fmt.Errorf("imapengine: remove flags: %w", err)
	}
	return nil
}

// MoveUIDs moves uids to destMailbox: UID MOVE (RFC 6851) if the server
// advertises it, else COPY + mark \Deleted + UID EXPUNGE/EXPUNGE fallback.
func (c *Client) MoveUIDs(uids []imap.UID, destMailbox string) error {
	if len(uids) == 0 {
		return nil
	}
	set := uidSet(uids)

	if c.caps.Has(imap.CapMove) {
		if _, err := c.client.Move(set, destMailbox).Wait(); err != nil {
			return fmt.Errorf("imapengine: uid move: %w", err)
		}
		return nil
	}

	if _, err := c.client.Copy(set, destMailbox).Wait(); err != nil {
		return fmt.Errorf("imapengine: copy for move: %w", err)
	}
	return c.ExpungeUIDs(uids)
}

// ExpungeUIDs marks uids \Deleted and expunges them. UID EXPUNGE (RFC
// 4315) is used when the server supports UIDPLUS so unrelated \Deleted
// messages aren't swept up.
func (c *Client) ExpungeUIDs(uids []imap.UID) error {
	if len(uids) == 0 {
		return nil
	}
	set := uidSet(uids)
	storeCmd := c.client.Store(set, &imap.StoreFlags{Op: imap.StoreFlagsAdd, Flags: []imap.Flag{imap.FlagDeleted}, Silent: true}, nil)
	if err := storeCmd.Close(); err != nil {
		return fmt.Errorf("imapengine: mark deleted: %w", err)
	}

	if c.caps.Has(imap.CapUIDPlus) {
		if err := c.client.UIDExpunge(set).Close(); err != nil {
			return fmt.Errorf("imapengine: uid expunge: %w", err)
		}
		return nil
	}
	if err := c.client.Expunge().Close(); err != nil {
		return fmt.Errorf("imapengine: expunge: %w", err)
	}
	return nil
}

// UIDSearchSince returns the UIDs of messages appended since lastUID
// (exclusive).
func (c *Client) UIDSearchSince(ctx context.Context, lastUID imap.UID) ([]imap.UID, error) {
	if c.client == nil {
		return nil, fmt.Errorf("imapengine: not connected")
	}
	set := imap.UIDSet{}
	set.AddRange(lastUID+1, 0)
	criteria := &imap.SearchCriteria{
		UID: []imap.UIDSet{set},
	}
	data, err := c.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("imapengine: uid search: %w", err)
	}
	return data.AllUIDs(), nil
}

// FetchedMessage is one message returned by FetchNewSince.
type FetchedMessage struct {
	UID   imap.UID
	Flags []imap.Flag
	Raw   []byte
	Date  time.Time
}

// FetchNewSince returns the raw RFC 822 bodies and flags of every message
// in the selected mailbox whose UID is greater than lastUID, with a plain
// UID FETCH; CONDSTORE is not used.
func (c *Client) FetchNewSince(ctx context.Context, lastUID imap.UID) ([]FetchedMessage, error) {
	if c.client == nil {
		return nil, fmt.Errorf("imapengine: not connected")
	}

	set := imap.UIDSet{}
	set.AddRange(lastUID+1, 0)
	options := &imap.FetchOptions{
		UID:        true,
		Flags:      true,
		Envelope:   true,
		RFC822Size: true,
		BodySection: []*imap.FetchItemBodySection{
			{},
		},
	}

	fetchCmd := c.client.Fetch(set, options)

	var out []FetchedMessage
	for {
		if ctx.Err() != nil {
			fetchCmd.Close()
			return out, ctx.Err()
		}

		msg := fetchCmd.Next()
		if msg == nil {
			break
		}

		var fm FetchedMessage
		for {
			item := msg.Next()
			if item == nil {
				break
			}
			switch data := item.(type) {
			case imapclient.FetchItemDataUID:
				fm.UID = data.UID
			case imapclient.FetchItemDataFlags:
				fm.Flags = data.Flags
			case imapclient.FetchItemDataEnvelope:
				if data.Envelope != nil {
					fm.Date = data.Envelope.Date.UTC()
				}
			case imapclient.FetchItemDataBodySection:
				if data.Literal != nil {
					raw, err := io.ReadAll(data.Literal)
					if err != nil {
						return nil, fmt.Errorf("imapengine: read body literal: %w", err)
					}
					fm.Raw = raw
				}
			}
		}
		if fm.UID == 0 {
			continue
		}
		out = append(out, fm)
	}
	if err := fetchCmd.Close(); err != nil {
		return nil, fmt.Errorf("imapengine: fetch: %w", err)
	}
	return out, nil
}
