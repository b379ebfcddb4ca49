// Package parley is a chat-over-email engine: it turns an ordinary
// IMAP/SMTP mailbox into an end-to-end encrypted messenger using only
// standard MIME and Autocrypt Level 1 headers, the way Delta Chat's core
// does (spec.md OVERVIEW). Account is the single entry point every other
// package is wired behind.
package parley

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/emersion/go-imap/v2"
	"github.com/hkdb/parley/internal/autoconfig"
	"github.com/hkdb/parley/internal/crypto"
	"github.com/hkdb/parley/internal/events"
	"github.com/hkdb/parley/internal/imapengine"
	"github.com/hkdb/parley/internal/inbound"
	"github.com/hkdb/parley/internal/jobs"
	"github.com/hkdb/parley/internal/logging"
	"github.com/hkdb/parley/internal/outbound"
	"github.com/hkdb/parley/internal/smtpengine"
	"github.com/hkdb/parley/internal/store"
	"github.com/rs/zerolog"
)

const (
	folderInbox = "INBOX"
)

// Account is one configured mailbox turned into a chat account: the
// store, the IMAP/SMTP engines, the job scheduler, and the watchers that
// feed new mail into the inbound pipeline. The zero value is not usable;
// call Open.
type Account struct {
	store *store.Store
	bus   *events.Bus
	log   zerolog.Logger

	pool       *imapengine.Pool
	moveWorker *imapengine.MoveWorker
	watchers   map[string]*imapengine.Watcher
	scheduler  *jobs.Scheduler

	mu          sync.RWMutex
	selfAddress string
	selfEntity  *openpgp.Entity
	keyring     openpgp.EntityList

	mailEvents chan imapengine.MailEvent
	cancel     context.CancelFunc

	ongoingMu     sync.Mutex
	ongoingCancel context.CancelFunc

	stock stockTable
}

// Open creates or opens the account database at dbPath (sealed with
// passphrase) without starting any network activity. Call Configure (for
// a brand new account) or Start (once configured) next.
func Open(dbPath, passphrase string) (*Account, error) {
	s, err := store.Open(dbPath, passphrase)
	if err != nil {
		return nil, fmt.Errorf("parley: open store: %w", err)
	}

	a := &Account{
		store:    s,
		bus:      events.New(),
		log:      logging.WithComponent("account"),
		watchers: make(map[string]*imapengine.Watcher),
	}

	addr, err := s.GetConfig(store.ConfigAddr)
	if err != nil {
		s.Close()
		return nil, err
	}
	a.selfAddress = addr

	if err := a.loadIdentity(); err != nil {
		s.Close()
		return nil, err
	}

	return a, nil
}

// Close stops all background activity and closes the database.
func (a *Account) Close() error {
	a.Stop()
	return a.store.Close()
}

// Configure runs the autoconfig flow (spec.md §4.H configure()) and
// persists the result, generating a fresh identity keypair if this
// address has never been configured before. It does not start the
// account; call Start afterward.
func (a *Account) Configure(ctx context.Context, address, password string) error {
	ctx = a.beginOngoing(ctx)
	defer a.endOngoing()

	result, err := autoconfig.Configure(ctx, a.bus, address, password)
	if err != nil {
		return fmt.Errorf("parley: configure: %w", err)
	}

	writes := map[string]string{
		store.ConfigAddr:         address,
		store.ConfigMailPw:       password,
		store.ConfigMailServer:   result.IMAP.Host,
		store.ConfigMailPort:     fmt.Sprintf("%d", result.IMAP.Port),
		store.ConfigMailSecurity: string(result.IMAP.Security),
		store.ConfigSendServer:   result.SMTP.Host,
		store.ConfigSendPort:     fmt.Sprintf("%d", result.SMTP.Port),
		store.ConfigSendSecurity: string(result.SMTP.Security),
		store.ConfigSendPw:       password,
		store.ConfigConfigured:  "1",
		store.ConfigConfiguredAddr: address,
		store.ConfigIsConfigured:   "1",
	}
	for key, value := range writes {
		if err := a.store.SetConfig(key, value); err != nil {
			return fmt.Errorf("parley: configure: save %s: %w", key, err)
		}
	}

	a.mu.Lock()
	a.selfAddress = address
	a.mu.Unlock()

	if err := a.store.EnsureSpecialContacts(address); err != nil {
		return fmt.Errorf("parley: configure: %w", err)
	}
	if err := a.store.EnsureSpecialChats(); err != nil {
		return fmt.Errorf("parley: configure: %w", err)
	}
	return a.loadIdentity()
}

// loadIdentity ensures a default OpenPGP keypair exists for the
// configured address, generating one on first run, and loads the full
// historical keyring used to decrypt older messages.
func (a *Account) loadIdentity() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.selfAddress == "" {
		return nil
	}

	kp, err := a.store.DefaultKeypair(a.selfAddress)
	if err != nil {
		return fmt.Errorf("parley: load identity: %w", err)
	}
	if kp == nil {
		displayName, _ := a.store.GetConfig(store.ConfigDisplayName)
		generated, err := crypto.GenerateKeypair(a.selfAddress, displayName, crypto.AlgoEdDSA)
		if err != nil {
			return fmt.Errorf("parley: generate identity: %w", err)
		}
		if _, err := a.store.SaveKeypair(&store.Keypair{
			Address:    a.selfAddress,
			IsDefault:  true,
			PublicKey:  []byte(generated.PublicKeyArmored),
			PrivateKey: []byte(generated.PrivateKeyArmored),
		}); err != nil {
			return fmt.Errorf("parley: save identity: %w", err)
		}
		a.selfEntity = generated.Entity
	} else {
		entities, err := crypto.ParseArmoredKey(string(kp.PrivateKey))
		if err != nil {
			return fmt.Errorf("parley: parse identity: %w", err)
		}
		a.selfEntity = entities[0]
	}

	all, err := a.store.ListKeypairs(a.selfAddress)
	if err != nil {
		return fmt.Errorf("parley: load keyring: %w", err)
	}
	var keyring openpgp.EntityList
	for _, k := range all {
		entities, err := crypto.ParseArmoredKey(string(k.PrivateKey))
		if err != nil {
			continue
		}
		keyring = append(keyring, entities...)
	}
	a.keyring = keyring
	return nil
}

// imapConfig builds a fresh imapengine.Config from the currently stored
// credentials, so reconnects pick up credential changes automatically.
func (a *Account) imapConfig() (imapengine.Config, error) {
	cfg := imapengine.DefaultConfig()
	host, err := a.store.GetConfig(store.ConfigMailServer)
	if err != nil {
		return cfg, err
	}
	port, err := a.store.GetConfig(store.ConfigMailPort)
	if err != nil {
		return cfg, err
	}
	security, err := a.store.GetConfig(store.ConfigMailSecurity)
	if err != nil {
		return cfg, err
	}
	user, err := a.store.GetConfig(store.ConfigAddr)
	if err != nil {
		return cfg, err
	}
	pw, err := a.store.GetConfig(store.ConfigMailPw)
	if err != nil {
		return cfg, err
	}
	cfg.Host = host
	cfg.Security = imapengine.SecurityType(security)
	cfg.Username = user
	cfg.Password = pw
	fmt.Sscanf(port, "%d", &cfg.Port)
	return cfg, nil
}

func (a *Account) smtpConfig() (smtpengine.Config, error) {
	cfg := smtpengine.DefaultConfig()
	host, err := a.store.GetConfig(store.ConfigSendServer)
	if err != nil {
		return cfg, err
	}
	port, err := a.store.GetConfig(store.ConfigSendPort)
	if err != nil {
		return cfg, err
	}
	security, err := a.store.GetConfig(store.ConfigSendSecurity)
	if err != nil {
		return cfg, err
	}
	user, err := a.store.GetConfig(store.ConfigAddr)
	if err != nil {
		return cfg, err
	}
	pw, err := a.store.GetConfig(store.ConfigSendPw)
	if err != nil {
		return cfg, err
	}
	cfg.Host = host
	cfg.Security = smtpengine.SecurityType(security)
	cfg.Username = user
	cfg.Password = pw
	fmt.Sscanf(port, "%d", &cfg.Port)
	return cfg, nil
}

// Start connects to the server and begins watching INBOX, the Chat
// folder, and (when sentbox_watch is enabled) Sent, dispatching every
// IDLE notification through the sync engine and running the job
// scheduler's four worker threads.
func (a *Account) Start(ctx context.Context) error {
	configured, err := a.store.IsConfigured()
	if err != nil {
		return err
	}
	if !configured {
		return fmt.Errorf("parley: account is not configured")
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.pool = imapengine.NewPool(imapengine.DefaultPoolConfig(), a.imapConfig)
	a.moveWorker = imapengine.NewMoveWorker(a.pool, 2*time.Second)
	a.moveWorker.Start(runCtx)

	a.mailEvents = make(chan imapengine.MailEvent, 64)
	for _, folder := range a.watchedFolders() {
		w := imapengine.NewWatcher(folder, imapengine.DefaultWatcherConfig(), a.imapConfig)
		w.Start(runCtx, a.mailEvents)
		a.watchers[folder] = w
	}
	go a.consumeMailEvents(runCtx)

	showEmails, err := a.store.GetConfig(store.ConfigShowEmails)
	if err != nil {
		return err
	}
	if showEmails == "" {
		showEmails = string(inbound.ShowEmailsAcceptedContacts)
	}

	a.scheduler = jobs.New(jobs.Deps{
		Store:       a.store,
		Bus:         a.bus,
		Pool:        a.pool,
		MoveWorker:  a.moveWorker,
		SMTPConfig:  a.smtpConfig,
		SelfAddress: a.selfAddress,
		SelfEntity:  a.selfEntity,
		Keyring:     a.keyring,
		ShowEmails:  inbound.ShowEmails(showEmails),
	}, jobs.DefaultSchedulerConfig())
	a.scheduler.Start(runCtx)

	if _, err := a.store.EnqueueJob(store.ThreadEphemeral, store.ActionEphemeralReap, 0, "", time.Now()); err != nil {
		return fmt.Errorf("parley: schedule ephemeral reaper: %w", err)
	}

	return nil
}

func (a *Account) watchedFolders() []string {
	folders := []string{folderInbox, jobs.ChatFolder}
	watchSent, _ := a.store.GetConfig(store.ConfigSentboxWatch)
	if watchSent == "1" {
		folders = append(folders, jobs.SentFolder)
	}
	return folders
}

// Stop halts every watcher and the job scheduler. Safe to call more than
// once or before Start.
func (a *Account) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	for _, w := range a.watchers {
		w.Stop()
	}
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	if a.pool != nil {
		a.pool.CloseAll()
	}
}

// consumeMailEvents drives the twelve-step inbound pipeline: every
// EventNewMail wakes a fetch-new-since cycle on that folder, and every
// resulting message is run through inbound.Run in order, single-writer
// per account (spec.md §4.F concurrency note).
func (a *Account) consumeMailEvents(ctx context.Context) {
	deps := &inbound.Deps{
		Store:       a.store,
		Bus:         a.bus,
		SelfAddress: a.selfAddress,
		Keyring:     a.keyring,
	}
	if showEmails, err := a.store.GetConfig(store.ConfigShowEmails); err == nil && showEmails != "" {
		deps.ShowEmails = inbound.ShowEmails(showEmails)
	} else {
		deps.ShowEmails = inbound.ShowEmailsAcceptedContacts
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-a.mailEvents:
			if !ok {
				return
			}
			if ev.Type != imapengine.EventNewMail {
				continue
			}
			a.fetchAndRun(ctx, deps, ev.Folder)
		}
	}
}

func (a *Account) fetchAndRun(ctx context.Context, deps *inbound.Deps, folder string) {
	state, err := a.store.GetFolderState(folder)
	if err != nil {
		a.log.Warn().Err(err).Str("folder", folder).Msg("failed to read folder state")
		return
	}

	client, err := a.pool.Acquire(ctx, folder)
	if err != nil {
		a.log.Warn().Err(err).Str("folder", folder).Msg("failed to acquire connection")
		return
	}
	discard := false
	defer func() { a.pool.Release(client, discard) }()

	fetched, err := client.FetchNewSince(ctx, imap.UID(state.UIDNext))
	if err != nil {
		discard = imapengine.IsConnectionError(err)
		a.log.Warn().Err(err).Str("folder", folder).Msg("failed to fetch new messages")
		return
	}

	var highestUID uint32
	for _, msg := range fetched {
		st := &inbound.State{
			Deps:      deps,
			Raw:       msg.Raw,
			Folder:    folder,
			UID:       uint32(msg.UID),
			FetchedAt: msg.Date,
		}
		if err := inbound.Run(ctx, st); err != nil {
			a.log.Warn().Err(err).Str("folder", folder).Uint32("uid", st.UID).Msg("inbound pipeline failed")
			continue
		}
		if uint32(msg.UID) > highestUID {
			highestUID = uint32(msg.UID)
		}
	}

	if highestUID > 0 {
		state.UIDNext = highestUID + 1
		if err := a.store.SetFolderState(folder, state); err != nil {
			a.log.Warn().Err(err).Str("folder", folder).Msg("failed to commit folder state")
		}
	}
}

// beginOngoing wraps ctx in a cancelable child context and remembers its
// cancel func, so a later StopOngoingProcess can abort the long-running
// user-initiated task in flight. Configure is its only caller. Starting a
// new ongoing task implicitly cancels any previous one, since spec.md §6
// allows at most one at a time.
func (a *Account) beginOngoing(ctx context.Context) context.Context {
	a.ongoingMu.Lock()
	defer a.ongoingMu.Unlock()
	if a.ongoingCancel != nil {
		a.ongoingCancel()
	}
	child, cancel := context.WithCancel(ctx)
	a.ongoingCancel = cancel
	return child
}

func (a *Account) endOngoing() {
	a.ongoingMu.Lock()
	defer a.ongoingMu.Unlock()
	a.ongoingCancel = nil
}

// StopOngoingProcess cancels the context of an in-flight Configure (spec.md
// §6 stop_ongoing_process). Backup export/import and secure-join do not
// register with it and are not cancelled by it, and there is no key
// transfer task. A no-op if nothing is in flight.
func (a *Account) StopOngoingProcess() {
	a.ongoingMu.Lock()
	defer a.ongoingMu.Unlock()
	if a.ongoingCancel != nil {
		a.ongoingCancel()
		a.ongoingCancel = nil
	}
}

// MaybeNetwork queues an immediate fetch-new-since cycle for every watched
// folder on the account's mail-event loop, without waiting for an IDLE
// notification (spec.md §6 maybe_network, §4.H "Awakening sources"). The
// watchers themselves are not touched. Non-blocking: when the event
// channel is full, the nudge for that folder is dropped.
func (a *Account) MaybeNetwork() {
	a.mu.RLock()
	folders := make([]string, 0, len(a.watchers))
	for folder := range a.watchers {
		folders = append(folders, folder)
	}
	a.mu.RUnlock()

	for _, folder := range folders {
		select {
		case a.mailEvents <- imapengine.MailEvent{Type: imapengine.EventNewMail, Folder: folder}:
		default:
		}
	}
}

// SendMessage runs outbound pipeline steps 1-6 for a new chat message
// (spec.md §4.G, §6 send_msg): it allocates the row, resolves recipients
// and encryption, composes the MIME payload, and enqueues it for SMTP
// delivery. It returns the new message id once accepted into the pipeline;
// delivery itself completes asynchronously via the job scheduler.
func (a *Account) SendMessage(ctx context.Context, chatID int64, text string, attachments []outbound.Attachment) (int64, error) {
	return a.sendOutbound(ctx, chatID, text, attachments, nil)
}

// sendGroupAction runs the outbound pipeline for a system action message
// (member added/removed, rename, avatar change) rather than user-authored
// text (spec.md §4.G step 5).
func (a *Account) sendGroupAction(ctx context.Context, chatID int64, action *outbound.GroupAction) (int64, error) {
	return a.sendOutbound(ctx, chatID, "", nil, action)
}

func (a *Account) sendOutbound(ctx context.Context, chatID int64, text string, attachments []outbound.Attachment, action *outbound.GroupAction) (int64, error) {
	chat, err := a.store.GetChat(chatID)
	if err != nil {
		return 0, classifyErr("send message", err)
	}

	a.mu.RLock()
	st := &outbound.State{
		Deps: &outbound.Deps{
			Store:       a.store,
			Bus:         a.bus,
			SelfAddress: a.selfAddress,
			SelfEntity:  a.selfEntity,
		},
		ChatID:      chatID,
		Chat:        chat,
		Text:        text,
		Attachments: attachments,
		Action:      action,
	}
	a.mu.RUnlock()

	if err := outbound.Run(ctx, st); err != nil {
		return 0, wrapErr("send message", ErrorKindTransient, err)
	}
	if st.Failed {
		return st.MessageID, wrapErr("send message", ErrorKindPermanent, fmt.Errorf("message could not be encrypted or sent"))
	}
	return st.MessageID, nil
}

// DBPath returns the conventional database path under dir for address,
// used by callers that don't already have an explicit path.
func DBPath(dir, address string) string {
	return filepath.Join(dir, address+".db")
}
