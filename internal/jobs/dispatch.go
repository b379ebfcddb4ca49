package jobs

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/hkdb/parley/internal/events"
	"github.com/hkdb/parley/internal/imapengine"
	"github.com/hkdb/parley/internal/mimecodec"
	"github.com/hkdb/parley/internal/outbound"
	"github.com/hkdb/parley/internal/smtpengine"
	"github.com/hkdb/parley/internal/store"
)

// isTransient reports whether err is worth retrying. Everything is
// transient unless explicitly marked permanent, matching smtpengine's own
// default (network/unclassified errors retry).
func isTransient(err error) bool {
	var permanent *smtpengine.PermanentFailure
	return !errors.As(err, &permanent)
}

func dispatch(ctx context.Context, d Deps, j *store.Job, maxTries int) error {
	switch j.Action {
	case store.ActionMoveToChatFolder:
		return handleMoveToChatFolder(ctx, d, j)
	case store.ActionSendMDN:
		return handleSendMDN(ctx, d, j)
	case store.ActionSendMail:
		return handleSendMail(ctx, d, j, maxTries)
	case store.ActionSendRaw:
		return handleSendRaw(ctx, d, j)
	case store.ActionCopyToSent:
		return handleCopyToSent(ctx, d, j)
	case store.ActionExpungeServer:
		return handleExpungeServer(ctx, d, j)
	case store.ActionEphemeralReap:
		return handleEphemeralReap(ctx, d, j)
	default:
		return fmt.Errorf("jobs: unknown action %q", j.Action)
	}
}

// handleMoveToChatFolder is spec.md §4.F step 12: move a chat message out
// of INBOX into the dedicated chat folder. Param is the source folder.
func handleMoveToChatFolder(ctx context.Context, d Deps, j *store.Job) error {
	msg, err := d.Store.GetMessage(j.ForeignID)
	if err != nil {
		return fmt.Errorf("jobs: move: %w", err)
	}
	if msg.ServerFolder == ChatFolder {
		return nil
	}

	done := make(chan error, 1)
	d.MoveWorker.Enqueue(imapengine.MoveRequest{
		SourceFolder: j.Param,
		Dest:         ChatFolder,
		UID:          imap.UID(msg.ServerUID),
		Done:         done,
	})

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("jobs: move: %w", err)
		}
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(30 * time.Second):
		return fmt.Errorf("jobs: move: timed out waiting for move batch")
	}

	// The server assigns a new UID on the destination folder that the
	// batched MoveWorker doesn't report back; the next chat-folder sync
	// pass reconciles it via LookupByRFC724MID.
	return d.Store.SetServerFolderUID(msg.ID, ChatFolder, 0)
}

// handleSendMDN composes and sends a disposition notification for a
// received message (spec.md §4.F step 9 / §3 MDN entity). Param is the
// Chat-Disposition-Notification-To address.
func handleSendMDN(ctx context.Context, d Deps, j *store.Job) error {
	msg, err := d.Store.GetMessage(j.ForeignID)
	if err != nil {
		return fmt.Errorf("jobs: mdn: %w", err)
	}

	built, err := mimecodec.BuildMDN(&mimecodec.MDNInput{
		From:              d.SelfAddress,
		To:                j.Param,
		OriginalMessageID: msg.RFC724MID,
		FinalRecipient:    d.SelfAddress,
	})
	if err != nil {
		return fmt.Errorf("jobs: mdn: build: %w", err)
	}

	cfg, err := d.SMTPConfig()
	if err != nil {
		return fmt.Errorf("jobs: mdn: %w", err)
	}
	if err := smtpengine.Dispatch(ctx, cfg, smtpengine.Envelope{
		From: d.SelfAddress, Recipients: []string{j.Param}, Raw: built,
	}); err != nil {
		return fmt.Errorf("jobs: mdn: %w", err)
	}
	return nil
}

// handleSendMail is the ActionSendMail handler: it delivers a message that
// outbound.Run already composed and then records the outcome through
// outbound.HandleDelivered or outbound.HandleFailed. Param is the blob
// token holding the built bytes.
func handleSendMail(ctx context.Context, d Deps, j *store.Job, maxTries int) error {
	msg, err := d.Store.GetMessage(j.ForeignID)
	if err != nil {
		return fmt.Errorf("jobs: send mail: %w", err)
	}
	raw, err := os.ReadFile(d.Store.BlobPath(j.Param))
	if err != nil {
		return fmt.Errorf("jobs: send mail: read blob: %w", err)
	}
	recipients, err := outbound.ResolveRecipients(d.Store, msg.ChatID, d.SelfAddress)
	if err != nil {
		return fmt.Errorf("jobs: send mail: %w", err)
	}

	cfg, err := d.SMTPConfig()
	if err != nil {
		return fmt.Errorf("jobs: send mail: %w", err)
	}

	sendErr := smtpengine.Dispatch(ctx, cfg, smtpengine.Envelope{
		From: d.SelfAddress, Recipients: recipients, Raw: raw,
	})
	if sendErr == nil {
		return outbound.HandleDelivered(d.Store, d.Bus, msg.ID, msg.ChatID)
	}
	if !isTransient(sendErr) || j.Tries+1 >= maxTries {
		if failErr := outbound.HandleFailed(d.Store, d.Bus, msg.ID, msg.ChatID, sendErr.Error()); failErr != nil {
			return fmt.Errorf("jobs: send mail: %w", failErr)
		}
		return nil
	}
	return fmt.Errorf("jobs: send mail: %w", sendErr)
}

// handleSendRaw dispatches an already-built MIME payload that never went
// through the outbound pipeline (secure-join protocol replies). Param is
// the base64-encoded RFC 5322 bytes; the recipient is read back out of
// the built message's own To header.
func handleSendRaw(ctx context.Context, d Deps, j *store.Job) error {
	raw, err := base64.StdEncoding.DecodeString(j.Param)
	if err != nil {
		return fmt.Errorf("jobs: send raw: decode: %w", err)
	}
	tree, _ := mimecodec.Parse(raw)
	to := strings.TrimSpace(tree.Header("To"))
	if to == "" {
		return fmt.Errorf("jobs: send raw: missing To header")
	}

	cfg, err := d.SMTPConfig()
	if err != nil {
		return fmt.Errorf("jobs: send raw: %w", err)
	}
	if err := smtpengine.Dispatch(ctx, cfg, smtpengine.Envelope{
		From: d.SelfAddress, Recipients: []string{to}, Raw: raw,
	}); err != nil {
		return fmt.Errorf("jobs: send raw: %w", err)
	}
	return nil
}

// handleCopyToSent appends a delivered message to the Sent folder
// (spec.md §4.G step 7 follow-up).
func handleCopyToSent(ctx context.Context, d Deps, j *store.Job) error {
	msg, err := d.Store.GetMessage(j.ForeignID)
	if err != nil {
		return fmt.Errorf("jobs: copy to sent: %w", err)
	}
	if msg.MimeBlob == "" {
		return nil
	}
	raw, err := os.ReadFile(d.Store.BlobPath(msg.MimeBlob))
	if err != nil {
		return fmt.Errorf("jobs: copy to sent: read blob: %w", err)
	}

	client, err := d.Pool.Acquire(ctx, SentFolder)
	if err != nil {
		return fmt.Errorf("jobs: copy to sent: %w", err)
	}
	discard := false
	defer func() { d.Pool.Release(client, discard) }()

	uid, err := client.AppendMessage(SentFolder, []imap.Flag{imap.FlagSeen}, msg.TimestampSent, raw)
	if err != nil {
		discard = imapengine.IsConnectionError(err)
		return fmt.Errorf("jobs: copy to sent: %w", err)
	}
	return d.Store.SetServerFolderUID(msg.ID, SentFolder, uint32(uid))
}

// handleExpungeServer deletes a locally-expired ephemeral message from
// the server (spec.md §4.I). Param is "folder:uid".
func handleExpungeServer(ctx context.Context, d Deps, j *store.Job) error {
	folder, uidStr, ok := strings.Cut(j.Param, ":")
	if !ok {
		return fmt.Errorf("jobs: expunge: malformed param %q", j.Param)
	}
	uid, err := strconv.ParseUint(uidStr, 10, 32)
	if err != nil {
		return fmt.Errorf("jobs: expunge: malformed uid: %w", err)
	}

	done := make(chan error, 1)
	d.MoveWorker.Enqueue(imapengine.MoveRequest{
		SourceFolder: folder,
		Dest:         "",
		UID:          imap.UID(uid),
		Done:         done,
	})

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("jobs: expunge: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(30 * time.Second):
		return fmt.Errorf("jobs: expunge: timed out waiting for expunge batch")
	}
}

// handleEphemeralReap is the recurring housekeeping sweep (spec.md §4.I):
// find every locally-expired ephemeral message, delete it, and schedule
// a server-side expunge when delete_server_after calls for it.
func handleEphemeralReap(ctx context.Context, d Deps, j *store.Job) error {
	expired, err := d.Store.ExpiredEphemeral(time.Now())
	if err != nil {
		return fmt.Errorf("jobs: ephemeral reap: %w", err)
	}

	deleteServerAfter, err := d.Store.GetConfig(store.ConfigDeleteServerAfter)
	if err != nil {
		return fmt.Errorf("jobs: ephemeral reap: %w", err)
	}

	for _, msg := range expired {
		if deleteServerAfter != "0" && deleteServerAfter != "" && msg.ServerFolder != "" {
			param := fmt.Sprintf("%s:%d", msg.ServerFolder, msg.ServerUID)
			if _, err := d.Store.EnqueueJob(store.ThreadIMAP, store.ActionExpungeServer, msg.ID, param, time.Now()); err != nil {
				return fmt.Errorf("jobs: ephemeral reap: enqueue expunge: %w", err)
			}
		}
		if err := d.Store.DeleteMessage(msg.ID); err != nil {
			return fmt.Errorf("jobs: ephemeral reap: %w", err)
		}
		d.Bus.Emit(events.Event{Type: events.MsgsChanged, ChatID: msg.ChatID})
	}

	_, err = d.Store.EnqueueJob(store.ThreadEphemeral, store.ActionEphemeralReap, 0, "", time.Now().Add(60*time.Second))
	return err
}
