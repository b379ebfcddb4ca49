package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Message states, strictly monotonic per spec.md §3/§5.
const (
	StateInFresh      = "in-fresh"
	StateInNoticed    = "in-noticed"
	StateInSeen       = "in-seen"
	StateOutDraft     = "out-draft"
	StateOutPreparing = "out-preparing"
	StateOutPending   = "out-pending"
	StateOutDelivered = "out-delivered"
	StateOutFailed    = "out-failed"
	StateOutMDNRcvd   = "out-mdn-rcvd"
)

// View types (spec.md §3).
const (
	ViewText             = "text"
	ViewImage            = "image"
	ViewGif              = "gif"
	ViewSticker          = "sticker"
	ViewAudio            = "audio"
	ViewVoice            = "voice"
	ViewVideo            = "video"
	ViewFile             = "file"
	ViewVideochatInvite  = "videochat-invite"
)

// ErrDuplicateMessage is returned by InsertInbound when the RFC724
// Message-Id already exists (spec.md §3: "collision ⇒ duplicate and discard").
var ErrDuplicateMessage = errors.New("store: duplicate message-id")

// Message mirrors spec.md §3's Message entity.
type Message struct {
	ID                 int64
	RFC724MID          string
	ServerFolder       string
	ServerUID          uint32
	ChatID             int64
	FromID             int64
	TimestampSent      time.Time
	TimestampRcvd      time.Time
	TimestampSort      time.Time
	ViewType           string
	State              string
	Bytes              int
	Text               string
	MimeBlob           string
	InReplyTo          string
	References         string
	EphemeralTimer     int
	EphemeralTimestamp time.Time
	LocationID         int64
	Error              string
	Param              string
}

// InsertInbound persists a freshly-fetched inbound message in state
// in-fresh. Duplicate detection by rfc724_mid happens first: spec.md §8
// "idempotence of delivery" requires fetching the same raw MIME any number
// of times to produce exactly one row regardless of which folder/UID
// delivered it first.
func (s *Store) InsertInbound(ctx context.Context, m *Message) (id int64, duplicate bool, err error) {
	if m.RFC724MID != "" {
		existing, lookupErr := s.LookupByRFC724MID(m.RFC724MID)
		if lookupErr != nil {
			return 0, false, lookupErr
		}
		if existing != nil {
			return existing.ID, true, nil
		}
	}

	m.State = StateInFresh
	res, err := s.Exec(`
		INSERT INTO messages (
			rfc724_mid, server_folder, server_uid, chat_id, from_id,
			timestamp_sent, timestamp_rcvd, timestamp_sort, view_type, state,
			bytes, txt, mime_blob, in_reply_to, mime_references,
			ephemeral_timer, ephemeral_timestamp, location_id, error, param
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.RFC724MID, m.ServerFolder, m.ServerUID, m.ChatID, m.FromID,
		unixOrZero(m.TimestampSent), unixOrZero(m.TimestampRcvd), unixOrZero(m.TimestampSort),
		viewOrDefault(m.ViewType), m.State, m.Bytes, m.Text, m.MimeBlob, m.InReplyTo, m.References,
		m.EphemeralTimer, unixOrZero(m.EphemeralTimestamp), m.LocationID, m.Error, m.Param,
	)
	if err != nil {
		return 0, false, fmt.Errorf("store: insert inbound message: %w", err)
	}
	id, err = res.LastInsertId()
	return id, false, err
}

func viewOrDefault(v string) string {
	if v == "" {
		return ViewText
	}
	return v
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

// InsertOutbound allocates a message id for a new outgoing message, state
// out-draft or out-preparing (spec.md §4.G step 1).
func (s *Store) InsertOutbound(chatID, fromID int64, rfc724mid, text string, draft bool) (id int64, err error) {
	state := StateOutPreparing
	if draft {
		state = StateOutDraft
	}
	now := time.Now()
	res, err := s.Exec(`
		INSERT INTO messages (rfc724_mid, chat_id, from_id, timestamp_sent, timestamp_sort, view_type, state, txt)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rfc724mid, chatID, fromID, now.Unix(), now.Unix(), ViewText, state, text,
	)
	if err != nil {
		return 0, fmt.Errorf("store: insert outbound message: %w", err)
	}
	return res.LastInsertId()
}

// GetMessage fetches a message by id.
func (s *Store) GetMessage(id int64) (*Message, error) {
	m := &Message{ID: id}
	var sent, rcvd, sortTS, ephTS int64
	err := s.QueryRow(`
		SELECT rfc724_mid, server_folder, server_uid, chat_id, from_id,
		       timestamp_sent, timestamp_rcvd, timestamp_sort, view_type, state,
		       bytes, txt, mime_blob, in_reply_to, mime_references,
		       ephemeral_timer, ephemeral_timestamp, location_id, error, param
		FROM messages WHERE id = ?`, id,
	).Scan(&m.RFC724MID, &m.ServerFolder, &m.ServerUID, &m.ChatID, &m.FromID,
		&sent, &rcvd, &sortTS, &m.ViewType, &m.State,
		&m.Bytes, &m.Text, &m.MimeBlob, &m.InReplyTo, &m.References,
		&m.EphemeralTimer, &ephTS, &m.LocationID, &m.Error, &m.Param)
	if err != nil {
		return nil, fmt.Errorf("store: get message %d: %w", id, err)
	}
	if sent > 0 {
		m.TimestampSent = time.Unix(sent, 0)
	}
	if rcvd > 0 {
		m.TimestampRcvd = time.Unix(rcvd, 0)
	}
	if sortTS > 0 {
		m.TimestampSort = time.Unix(sortTS, 0)
	}
	if ephTS > 0 {
		m.EphemeralTimestamp = time.Unix(ephTS, 0)
	}
	return m, nil
}

// LookupByRFC724MID returns the message with the given Message-Id, or nil
// if none exists.
func (s *Store) LookupByRFC724MID(mid string) (*Message, error) {
	var id int64
	err := s.QueryRow(`SELECT id FROM messages WHERE rfc724_mid = ?`, mid).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: lookup by message-id: %w", err)
	}
	return s.GetMessage(id)
}

// LookupByFolderUID returns the message id currently at (folder, uid), if any.
func (s *Store) LookupByFolderUID(folder string, uid uint32) (int64, error) {
	var id int64
	err := s.QueryRow(`SELECT id FROM messages WHERE server_folder = ? AND server_uid = ?`, folder, uid).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return id, err
}

// SetServerFolderUID records where a message currently lives, used both for
// the initial fetch and for updating the row after a move (spec.md §4.D
// invariant iii).
func (s *Store) SetServerFolderUID(id int64, folder string, uid uint32) error {
	_, err := s.Exec(`UPDATE messages SET server_folder = ?, server_uid = ? WHERE id = ?`, folder, uid, id)
	return err
}

// SetMimeBlob records the blob token holding an outbound message's built
// RFC 5322 bytes, so a later job (copy-to-sent, retry) can find them
// without recomposing the message.
func (s *Store) SetMimeBlob(id int64, token string) error {
	_, err := s.Exec(`UPDATE messages SET mime_blob = ? WHERE id = ?`, token, id)
	return err
}

// SetState transitions a message's state. Callers are responsible for only
// moving forward through the state machine (spec.md §5: "strictly monotonic").
func (s *Store) SetState(id int64, state string) error {
	_, err := s.Exec(`UPDATE messages SET state = ? WHERE id = ?`, state, id)
	return err
}

// SetError flips a message to out-failed with a human-readable reason
// (spec.md §4.G step 9, §7 kind 3).
func (s *Store) SetError(id int64, reason string) error {
	_, err := s.Exec(`UPDATE messages SET state = ?, error = ? WHERE id = ?`, StateOutFailed, reason, id)
	return err
}

// StartEphemeralTimer sets ephemeral_timestamp, enforcing the invariant
// that it is set if and only if the timer has started (spec.md §3).
func (s *Store) StartEphemeralTimer(id int64, timerSeconds int, startAt time.Time) error {
	_, err := s.Exec(`
		UPDATE messages SET ephemeral_timer = ?, ephemeral_timestamp = ?
		WHERE id = ?`,
		timerSeconds, startAt.Add(time.Duration(timerSeconds)*time.Second).Unix(), id,
	)
	return err
}

// ExpiredEphemeral returns messages whose ephemeral_timestamp has elapsed
// as of now (spec.md §8 "ephemeral reaper correctness").
func (s *Store) ExpiredEphemeral(now time.Time) ([]*Message, error) {
	rows, err := s.Query(`
		SELECT id FROM messages
		WHERE ephemeral_timestamp > 0 AND ephemeral_timestamp <= ?`, now.Unix())
	if err != nil {
		return nil, fmt.Errorf("store: query expired ephemeral: %w", err)
	}
	defer rows.Close()

	var out []*Message
	var idsToFetch []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		idsToFetch = append(idsToFetch, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, id := range idsToFetch {
		m, err := s.GetMessage(id)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// DeleteMessage removes a message row locally (never server-side by itself;
// callers enqueue an expunge job separately when delete_server_after applies).
func (s *Store) DeleteMessage(id int64) error {
	_, err := s.Exec(`DELETE FROM messages WHERE id = ?`, id)
	return err
}

// ChatMessages returns a chat's messages ordered by sort timestamp, which
// is kept separate from arrival order (spec.md §5).
func (s *Store) ChatMessages(chatID int64, limit int) ([]*Message, error) {
	rows, err := s.Query(`
		SELECT id FROM messages WHERE chat_id = ? ORDER BY timestamp_sort DESC LIMIT ?`,
		chatID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store: chat messages: %w", err)
	}
	defer rows.Close()

	var idsOut []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		idsOut = append(idsOut, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []*Message
	for _, id := range idsOut {
		m, err := s.GetMessage(id)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}
