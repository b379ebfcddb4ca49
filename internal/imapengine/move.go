package imapengine

import (
	"context"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/hkdb/parley/internal/logging"
	"github.com/rs/zerolog"
)

// MoveRequest asks the worker to move one message between folders (or
// expunge it, when Dest is empty) on the next batch tick.
type MoveRequest struct {
	SourceFolder string
	Dest         string // empty means delete-and-expunge, not move
	UID          imap.UID
	Done         chan error // optional; receives the result once processed (non-blocking send, never closed)
}

// MoveWorker batches UID MOVE and expunge requests per source folder so a
// burst of outbound-sent-copy or classification moves becomes one STORE
// and one MOVE/EXPUNGE command per folder instead of one round trip per
// message.
type MoveWorker struct {
	pool          *Pool
	batchInterval time.Duration
	log           zerolog.Logger

	requests chan MoveRequest
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewMoveWorker creates a MoveWorker drawing connections from pool.
func NewMoveWorker(pool *Pool, batchInterval time.Duration) *MoveWorker {
	if batchInterval <= 0 {
		batchInterval = 2 * time.Second
	}
	return &MoveWorker{
		pool:          pool,
		batchInterval: batchInterval,
		log:           logging.WithComponent("imapengine-move"),
		requests:      make(chan MoveRequest, 256),
	}
}

// Enqueue submits a move/expunge request. It never blocks the caller on
// network I/O — the request is merely queued for the next batch tick.
func (w *MoveWorker) Enqueue(req MoveRequest) {
	w.requests <- req
}

// Start runs the batching loop until Stop is called or ctx is cancelled.
func (w *MoveWorker) Start(ctx context.Context) {
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	go w.run(ctx)
}

// Stop ends the batching loop and waits for it to drain.
func (w *MoveWorker) Stop() {
	if w.stopCh == nil {
		return
	}
	close(w.stopCh)
	<-w.doneCh
}

func (w *MoveWorker) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.batchInterval)
	defer ticker.Stop()

	pending := map[string][]MoveRequest{} // sourceFolder -> requests

	flush := func() {
		for folder, reqs := range pending {
			w.processBatch(ctx, folder, reqs)
		}
		pending = map[string][]MoveRequest{}
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case <-w.stopCh:
			flush()
			return
		case req := <-w.requests:
			pending[req.SourceFolder] = append(pending[req.SourceFolder], req)
		case <-ticker.C:
			if len(pending) > 0 {
				flush()
			}
		}
	}
}

func (w *MoveWorker) processBatch(ctx context.Context, sourceFolder string, reqs []MoveRequest) {
	client, err := w.pool.Acquire(ctx, sourceFolder)
	if err != nil {
		w.log.Warn().Err(err).Str("folder", sourceFolder).Msg("failed to acquire connection for move batch")
		for _, req := range reqs {
			notify(req, err)
		}
		return
	}
	defer w.pool.Release(client, IsConnectionError(err))

	byDest := map[string][]MoveRequest{}
	for _, req := range reqs {
		byDest[req.Dest] = append(byDest[req.Dest], req)
	}

	for dest, group := range byDest {
		uids := make([]imap.UID, len(group))
		for i, req := range group {
			uids[i] = req.UID
		}

		var opErr error
		if dest == "" {
			opErr = client.ExpungeUIDs(uids)
		} else {
			opErr = client.MoveUIDs(uids, dest)
		}
		if opErr != nil {
			w.log.Warn().Err(opErr).Str("folder", sourceFolder).Str("dest", dest).Int("count", len(uids)).Msg("move batch failed")
		}
		for _, req := range group {
			notify(req, opErr)
		}
	}
}

func notify(req MoveRequest, err error) {
	if req.Done == nil {
		return
	}
	select {
	case req.Done <- err:
	default:
	}
}
