package imapengine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hkdb/parley/internal/logging"
	"github.com/rs/zerolog"
)

// IsConnectionError reports whether err looks like a dead/broken
// connection, warranting discarding it instead of returning it to the
// pool.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	for _, needle := range []string{
		"use of closed network connection",
		"connection reset",
		"broken pipe",
		"EOF",
		"i/o timeout",
		"connection refused",
		"no such host",
		"network is unreachable",
	} {
		if strings.Contains(errStr, needle) {
			return true
		}
	}
	return false
}

// PoolConfig configures the one-shot connection pool.
type PoolConfig struct {
	MaxConnections int
	IdleTimeout    time.Duration
	ConnectTimeout time.Duration
	WaiterTimeout  time.Duration
}

// DefaultPoolConfig returns sensible pool defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxConnections: 3,
		IdleTimeout:    5 * time.Minute,
		ConnectTimeout: 30 * time.Second,
		WaiterTimeout:  2 * time.Minute,
	}
}

type pooledConn struct {
	client   *Client
	lastUsed time.Time
	inUse    bool
	mu       sync.Mutex
}

func (pc *pooledConn) healthyLocked() bool {
	return pc.client != nil && pc.client.RawClient() != nil
}

// Pool is a small connection pool for one-shot IMAP operations (fetch,
// append, move, expunge) issued outside a Watcher's long-lived IDLE
// connection. The account has exactly one mailbox, so unlike the
// teacher's multi-account pool this one isn't keyed by account id.
type Pool struct {
	config    PoolConfig
	getConfig func() (Config, error)

	mu      sync.Mutex
	conns   []*pooledConn
	waiters []chan *pooledConn

	log zerolog.Logger
}

// NewPool creates a Pool. getConfig supplies fresh connection credentials
// for every new connection the pool dials.
func NewPool(config PoolConfig, getConfig func() (Config, error)) *Pool {
	return &Pool{
		config:    config,
		getConfig: getConfig,
		log:       logging.WithComponent("imapengine-pool"),
	}
}

// Acquire returns a connected, logged-in, selected Client for folder,
// reusing a warm connection when possible.
func (p *Pool) Acquire(ctx context.Context, folder string) (*Client, error) {
	p.mu.Lock()
	for _, pc := range p.conns {
		pc.mu.Lock()
		if !pc.inUse && pc.healthyLocked() {
			pc.inUse = true
			pc.lastUsed = time.Now()
			pc.mu.Unlock()
			p.mu.Unlock()
			if err := p.selectFolder(ctx, pc.client, folder); err != nil {
				p.Release(pc.client, true)
				return nil, err
			}
			return pc.client, nil
		}
		pc.mu.Unlock()
	}

	if len(p.conns) < p.config.MaxConnections {
		p.mu.Unlock()
		return p.create(ctx, folder)
	}

	waiter := make(chan *pooledConn, 1)
	p.waiters = append(p.waiters, waiter)
	p.mu.Unlock()

	select {
	case pc := <-waiter:
		if pc == nil {
			return nil, fmt.Errorf("imapengine: pool closed")
		}
		if err := p.selectFolder(ctx, pc.client, folder); err != nil {
			p.Release(pc.client, true)
			return nil, err
		}
		return pc.client, nil
	case <-time.After(p.config.WaiterTimeout):
		return nil, fmt.Errorf("imapengine: pool exhausted, timed out waiting")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pool) selectFolder(ctx context.Context, c *Client, folder string) error {
	_, err := c.Select(ctx, folder)
	return err
}

func (p *Pool) create(ctx context.Context, folder string) (*Client, error) {
	cfg, err := p.getConfig()
	if err != nil {
		return nil, err
	}
	client := NewClient(cfg)
	if err := client.Connect(); err != nil {
		return nil, err
	}
	if err := client.Login(); err != nil {
		client.Close()
		return nil, err
	}
	if _, err := client.Select(ctx, folder); err != nil {
		client.Close()
		return nil, err
	}

	pc := &pooledConn{client: client, lastUsed: time.Now(), inUse: true}
	p.mu.Lock()
	p.conns = append(p.conns, pc)
	p.mu.Unlock()
	return client, nil
}

// Release returns client to the pool. Pass discard=true (e.g. after
// IsConnectionError) to close it instead of reusing it.
func (p *Pool) Release(client *Client, discard bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, pc := range p.conns {
		if pc.client != client {
			continue
		}
		if discard {
			client.Close()
			p.conns = append(p.conns[:i], p.conns[i+1:]...)
			return
		}

		pc.mu.Lock()
		pc.inUse = false
		pc.lastUsed = time.Now()
		pc.mu.Unlock()

		if len(p.waiters) > 0 {
			waiter := p.waiters[0]
			p.waiters = p.waiters[1:]
			pc.mu.Lock()
			pc.inUse = true
			pc.mu.Unlock()
			waiter <- pc
		}
		return
	}
}

// CloseIdle closes pooled connections that have been idle longer than
// config.IdleTimeout.
func (p *Pool) CloseIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()

	var kept []*pooledConn
	cutoff := time.Now().Add(-p.config.IdleTimeout)
	for _, pc := range p.conns {
		pc.mu.Lock()
		stale := !pc.inUse && pc.lastUsed.Before(cutoff)
		pc.mu.Unlock()
		if stale {
			pc.client.Close()
			continue
		}
		kept = append(kept, pc)
	}
	p.conns = kept
}

// CloseAll closes every pooled connection and wakes any waiters with nil
// so they return the pool-closed error.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, pc := range p.conns {
		pc.client.Close()
	}
	p.conns = nil
	for _, w := range p.waiters {
		close(w)
	}
	p.waiters = nil
}
