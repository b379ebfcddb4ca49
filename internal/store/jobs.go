package store

import (
	"fmt"
	"time"
)

// Job thread names (spec.md §4.H).
const (
	ThreadIMAP         = "imap"
	ThreadSMTP         = "smtp"
	ThreadHousekeeping = "housekeeping"
	ThreadEphemeral    = "ephemeral"
)

// Job action names. Actions are strings rather than a closed enum so new
// job kinds can be added without a migration; internal/jobs dispatches on
// these from its per-thread workers.
const (
	// ActionMoveToChatFolder moves ForeignID's message into the chat
	// folder (spec.md §4.F step 12). Param is the source folder.
	ActionMoveToChatFolder = "move-to-chat-folder"
	// ActionSendMDN composes and sends a read receipt for ForeignID.
	// Param is the Chat-Disposition-Notification-To address.
	ActionSendMDN = "send-mdn"
	// ActionSendMail delivers the already-composed message row ForeignID
	// over SMTP and records the delivery outcome. Param is the blob token
	// holding the built bytes.
	ActionSendMail = "send-mail"
	// ActionSendRaw dispatches an already-built MIME payload without
	// going through the outbound pipeline (secure-join protocol replies).
	// Param is the base64-encoded RFC 5322 bytes.
	ActionSendRaw = "send-raw"
	// ActionCopyToSent appends ForeignID's message to the Sent folder
	// after successful delivery.
	ActionCopyToSent = "copy-to-sent"
	// ActionExpungeServer deletes ForeignID's message server-side after
	// local ephemeral expiry, when delete_server_after is enabled. Param
	// is "folder:uid".
	ActionExpungeServer = "expunge-server"
	// ActionEphemeralReap is the recurring housekeeping sweep that finds
	// and deletes locally-expired ephemeral messages.
	ActionEphemeralReap = "ephemeral-reap"
)

// Job mirrors spec.md §3's Job entity: persistent, survives restart.
type Job struct {
	ID        int64
	Action    string
	ForeignID int64
	Param     string
	Thread    string
	Tries     int
	DesiredAt time.Time
}

// EnqueueJob inserts a new persistent job.
func (s *Store) EnqueueJob(thread, action string, foreignID int64, param string, desiredAt time.Time) (id int64, err error) {
	res, err := s.Exec(`
		INSERT INTO jobs (action, foreign_id, param, thread, desired_at)
		VALUES (?, ?, ?, ?, ?)`,
		action, foreignID, param, thread, desiredAt.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("store: enqueue job: %w", err)
	}
	return res.LastInsertId()
}

// ReadyJobs returns a thread's jobs whose desired_at has elapsed, ordered
// by desired_at, the order the scheduler must execute them in.
func (s *Store) ReadyJobs(thread string, now time.Time, limit int) ([]*Job, error) {
	rows, err := s.Query(`
		SELECT id, action, foreign_id, param, tries, desired_at
		FROM jobs WHERE thread = ? AND desired_at <= ?
		ORDER BY desired_at ASC LIMIT ?`,
		thread, now.Unix(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store: ready jobs: %w", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		j := &Job{Thread: thread}
		var desiredAt int64
		if err := rows.Scan(&j.ID, &j.Action, &j.ForeignID, &j.Param, &j.Tries, &desiredAt); err != nil {
			return nil, err
		}
		j.DesiredAt = time.Unix(desiredAt, 0)
		out = append(out, j)
	}
	return out, rows.Err()
}

// DeleteJob removes a job after success or permanent failure.
func (s *Store) DeleteJob(id int64) error {
	_, err := s.Exec(`DELETE FROM jobs WHERE id = ?`, id)
	return err
}

// RearmJob bumps tries and reschedules a job after a transient failure.
func (s *Store) RearmJob(id int64, nextRun time.Time) error {
	_, err := s.Exec(`UPDATE jobs SET tries = tries + 1, desired_at = ? WHERE id = ?`, nextRun.Unix(), id)
	return err
}
