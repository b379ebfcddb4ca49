// Package jobs runs the persistent job queue spec.md §4.H describes: four
// cooperating workers (IMAP, SMTP, Housekeeping, Ephemeral), each polling
// its thread's ready rows and dispatching on internal/store's Action*
// constants. The per-worker reconnect/backoff shape generalizes
// internal/imapengine's Watcher loop from "reconnect this socket" to
// "retry this job".
package jobs

import (
	"context"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/hkdb/parley/internal/events"
	"github.com/hkdb/parley/internal/imapengine"
	"github.com/hkdb/parley/internal/inbound"
	"github.com/hkdb/parley/internal/logging"
	"github.com/hkdb/parley/internal/smtpengine"
	"github.com/hkdb/parley/internal/store"
	"github.com/rs/zerolog"
)

// ChatFolder and SentFolder are the dedicated mailboxes spec.md §2 names
// alongside INBOX.
const (
	ChatFolder = "Chat"
	SentFolder = "Sent"
)

// Deps are the account-wide collaborators job handlers need.
type Deps struct {
	Store       *store.Store
	Bus         *events.Bus
	Pool        *imapengine.Pool
	MoveWorker  *imapengine.MoveWorker
	SMTPConfig  func() (smtpengine.Config, error)
	SelfAddress string
	SelfEntity  *openpgp.Entity
	Keyring     openpgp.EntityList
	ShowEmails  inbound.ShowEmails
}

// SchedulerConfig tunes polling and retry behavior.
type SchedulerConfig struct {
	PollInterval time.Duration
	BatchSize    int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	MaxTries     int
}

// DefaultSchedulerConfig returns sensible defaults for all four threads.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		PollInterval: 2 * time.Second,
		BatchSize:    20,
		BaseBackoff:  5 * time.Second,
		MaxBackoff:   10 * time.Minute,
		MaxTries:     10,
	}
}

// Scheduler runs the four job threads until stopped.
type Scheduler struct {
	deps   Deps
	config SchedulerConfig
	log    zerolog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a Scheduler. Call Start to begin processing.
func New(deps Deps, config SchedulerConfig) *Scheduler {
	return &Scheduler{
		deps:   deps,
		config: config,
		log:    logging.WithComponent("jobs"),
	}
}

// Start launches one goroutine per thread and returns immediately.
func (s *Scheduler) Start(ctx context.Context) {
	threads := []string{store.ThreadIMAP, store.ThreadSMTP, store.ThreadHousekeeping, store.ThreadEphemeral}
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{}, len(threads))

	for _, thread := range threads {
		go s.runThread(ctx, thread)
	}
}

// Stop signals every thread to exit and waits for them to drain.
func (s *Scheduler) Stop() {
	if s.stopCh == nil {
		return
	}
	close(s.stopCh)
	for i := 0; i < cap(s.doneCh); i++ {
		<-s.doneCh
	}
}

func (s *Scheduler) runThread(ctx context.Context, thread string) {
	defer func() { s.doneCh <- struct{}{} }()

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	log := s.log.With().Str("thread", thread).Logger()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
		}

		jobs, err := s.deps.Store.ReadyJobs(thread, time.Now(), s.config.BatchSize)
		if err != nil {
			log.Warn().Err(err).Msg("failed to read ready jobs")
			continue
		}

		for _, j := range jobs {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			default:
			}
			s.runOne(ctx, log, j)
		}
	}
}

func (s *Scheduler) runOne(ctx context.Context, log zerolog.Logger, j *store.Job) {
	err := dispatch(ctx, s.deps, j, s.config.MaxTries)
	if err == nil {
		if delErr := s.deps.Store.DeleteJob(j.ID); delErr != nil {
			log.Warn().Err(delErr).Int64("job", j.ID).Msg("failed to delete completed job")
		}
		return
	}

	if !isTransient(err) || j.Tries+1 >= s.config.MaxTries {
		log.Error().Err(err).Str("action", j.Action).Int64("job", j.ID).Int("tries", j.Tries).
			Msg("job failed permanently, dropping")
		if delErr := s.deps.Store.DeleteJob(j.ID); delErr != nil {
			log.Warn().Err(delErr).Int64("job", j.ID).Msg("failed to delete exhausted job")
		}
		return
	}

	backoff := s.config.BaseBackoff << uint(j.Tries)
	if backoff > s.config.MaxBackoff || backoff <= 0 {
		backoff = s.config.MaxBackoff
	}
	log.Warn().Err(err).Str("action", j.Action).Int64("job", j.ID).Dur("backoff", backoff).Msg("job failed, retrying")
	if rearmErr := s.deps.Store.RearmJob(j.ID, time.Now().Add(backoff)); rearmErr != nil {
		log.Warn().Err(rearmErr).Int64("job", j.ID).Msg("failed to rearm job")
	}
}
