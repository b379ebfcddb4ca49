package imapengine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/hkdb/parley/internal/logging"
	"github.com/rs/zerolog"
)

// WatcherConfig configures one folder's IDLE watcher.
type WatcherConfig struct {
	// IdleTimeout is how long to stay in one IDLE command before
	// restarting it (RFC 2177 recommends well under 29 minutes).
	IdleTimeout time.Duration

	ReconnectBackoff     time.Duration
	MaxReconnectBackoff  time.Duration
	MaxReconnectAttempts int

	EventSendTimeout   time.Duration
	HealthCheckEnabled bool
	ShutdownTimeout    time.Duration
}

// DefaultWatcherConfig returns sensible IDLE defaults.
func DefaultWatcherConfig() WatcherConfig {
	return WatcherConfig{
		IdleTimeout:          10 * time.Minute,
		ReconnectBackoff:     1 * time.Second,
		MaxReconnectBackoff:  5 * time.Minute,
		MaxReconnectAttempts: 10,
		EventSendTimeout:     2 * time.Second,
		HealthCheckEnabled:   true,
		ShutdownTimeout:      5 * time.Second,
	}
}

// Watcher maintains a long-lived IDLE connection against one folder and
// emits MailEvents for unilateral EXISTS/EXPUNGE notifications. One
// Watcher is run per watched folder (INBOX, Sent, the chat folder); a
// Pool is used separately for the one-shot operations (fetch, append,
// move) that a watcher's notification triggers.
type Watcher struct {
	folder      string
	config      WatcherConfig
	getConfig   func() (Config, error)
	isConnected func() bool
	log         zerolog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	client  *imapclient.Client
	events  chan<- MailEvent
}

// NewWatcher creates a Watcher for folder. getConfig supplies fresh
// connection credentials on each reconnect (e.g. after an OAuth2 token
// refresh).
func NewWatcher(folder string, config WatcherConfig, getConfig func() (Config, error)) *Watcher {
	return &Watcher{
		folder:    folder,
		config:    config,
		getConfig: getConfig,
		log:       logging.WithComponent("imapengine-watcher").With().Str("folder", folder).Logger(),
	}
}

// SetConnectivityCheck installs an optional network-reachability probe;
// when set and it reports offline at the top of the run loop, the watcher
// stops instead of attempting a reconnect.
func (w *Watcher) SetConnectivityCheck(check func() bool) {
	w.isConnected = check
}

func (w *Watcher) sendEvent(event MailEvent) {
	select {
	case w.events <- event:
	case <-time.After(w.config.EventSendTimeout):
		w.log.Warn().Str("type", event.Type.String()).Msg("event channel full, dropping event")
	case <-w.stopCh:
	}
}

// Start begins the IDLE loop, emitting events onto events, until Stop is
// called or ctx is cancelled.
func (w *Watcher) Start(ctx context.Context, events chan<- MailEvent) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.events = events
	w.mu.Unlock()

	go w.run(ctx)
}

// Stop requests graceful shutdown and waits for it, forcing the
// connection closed if ShutdownTimeout elapses first.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopCh)
	doneCh := w.doneCh
	timeout := w.config.ShutdownTimeout
	w.mu.Unlock()

	if doneCh == nil {
		return
	}
	select {
	case <-doneCh:
	case <-time.After(timeout):
		w.mu.Lock()
		if w.client != nil {
			w.client.Close()
			w.client = nil
		}
		w.mu.Unlock()
	}
}

func (w *Watcher) run(ctx context.Context) {
	defer func() {
		w.mu.Lock()
		w.running = false
		if w.client != nil {
			w.client.Close()
			w.client = nil
		}
		close(w.doneCh)
		w.mu.Unlock()
	}()

	backoff := w.config.ReconnectBackoff
	attempts := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		default:
		}

		if w.isConnected != nil && !w.isConnected() {
			return
		}

		if err := w.ensureConnected(ctx); err != nil {
			attempts++
			if attempts >= w.config.MaxReconnectAttempts {
				w.log.Error().Err(err).Int("attempts", attempts).Msg("max reconnect attempts reached, giving up")
				return
			}
			w.log.Warn().Err(err).Dur("backoff", backoff).Int("attempt", attempts).Msg("failed to connect, retrying")
			select {
			case <-time.After(backoff):
				backoff = min(backoff*2, w.config.MaxReconnectBackoff)
				continue
			case <-ctx.Done():
				return
			case <-w.stopCh:
				return
			}
		}

		backoff = w.config.ReconnectBackoff
		attempts = 0

		if err := w.idleCycle(ctx); err != nil {
			w.log.Warn().Err(err).Msg("idle cycle failed")
			w.mu.Lock()
			if w.client != nil {
				w.client.Close()
				w.client = nil
			}
			w.mu.Unlock()
		}
	}
}

func (w *Watcher) ensureConnected(ctx context.Context) error {
	w.mu.Lock()
	if w.client != nil {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	cfg, err := w.getConfig()
	if err != nil {
		return err
	}

	cfg.UnilateralDataHandler = &imapclient.UnilateralDataHandler{
		Mailbox: func(data *imapclient.UnilateralDataMailbox) {
			if data.NumMessages != nil {
				w.sendEvent(MailEvent{Type: EventNewMail, Folder: w.folder, Count: *data.NumMessages})
			}
		},
		Expunge: func(seqNum uint32) {
			w.sendEvent(MailEvent{Type: EventExpunge, Folder: w.folder, SeqNum: seqNum})
		},
	}
	client := NewClient(cfg)

	if err := client.Connect(); err != nil {
		return err
	}
	if err := client.Login(); err != nil {
		client.Close()
		return err
	}
	if !client.SupportsIdle() {
		client.Close()
		return fmt.Errorf("imapengine: server does not support IDLE")
	}
	if _, err := client.Select(ctx, w.folder); err != nil {
		client.Close()
		return err
	}

	w.mu.Lock()
	w.client = client.RawClient()
	w.mu.Unlock()
	return nil
}

func (w *Watcher) idleCycle(ctx context.Context) error {
	w.mu.Lock()
	client := w.client
	w.mu.Unlock()
	if client == nil {
		return nil
	}

	if w.config.HealthCheckEnabled {
		if err := client.Noop().Wait(); err != nil {
			return fmt.Errorf("imapengine: health check: %w", err)
		}
	}

	idleCmd, err := client.Idle()
	if err != nil {
		return fmt.Errorf("imapengine: start idle: %w", err)
	}

	timer := time.NewTimer(w.config.IdleTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		idleCmd.Close()
		return nil
	case <-w.stopCh:
		idleCmd.Close()
		return nil
	case <-timer.C:
		return idleCmd.Close()
	}
}
