package store

import "fmt"

// Migration is one forward-only, atomically-applied schema change.
// Column semantics are never reinterpreted in a later migration; a later
// migration only adds columns or tables (spec.md §3).
type Migration struct {
	Version int
	SQL     string
}

var migrations = []Migration{
	{
		Version: 1,
		SQL: `
			CREATE TABLE secrets (
				key TEXT PRIMARY KEY,
				value BLOB NOT NULL
			) STRICT;

			CREATE TABLE config (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL DEFAULT ''
			) STRICT;

			-- Contacts: ids 1-9 reserved for pseudo-contacts (SELF, INFO, DEVICE).
			CREATE TABLE contacts (
				id INTEGER PRIMARY KEY,
				address TEXT NOT NULL DEFAULT '' COLLATE NOCASE,
				name TEXT NOT NULL DEFAULT '',
				authname TEXT NOT NULL DEFAULT '',
				origin TEXT NOT NULL DEFAULT '',
				blocked INTEGER NOT NULL DEFAULT 0,
				last_seen INTEGER NOT NULL DEFAULT 0,
				color TEXT NOT NULL DEFAULT ''
			) STRICT;
			CREATE UNIQUE INDEX idx_contacts_address ON contacts(address) WHERE id >= 10;

			-- Chats: ids 1-9 reserved (deaddrop, trash, starred, archived-link, ...).
			CREATE TABLE chats (
				id INTEGER PRIMARY KEY,
				type TEXT NOT NULL DEFAULT 'single',
				name TEXT NOT NULL DEFAULT '',
				visibility TEXT NOT NULL DEFAULT 'normal',
				grp_id TEXT NOT NULL DEFAULT '',
				image_blob TEXT NOT NULL DEFAULT '',
				blocked INTEGER NOT NULL DEFAULT 0,
				ephemeral_timer INTEGER NOT NULL DEFAULT 0,
				mute_until INTEGER NOT NULL DEFAULT 0,
				created_at INTEGER NOT NULL DEFAULT 0,
				protected INTEGER NOT NULL DEFAULT 0,
				promoted_at INTEGER NOT NULL DEFAULT 0,
				last_action_at INTEGER NOT NULL DEFAULT 0
			) STRICT;
			CREATE UNIQUE INDEX idx_chats_grpid ON chats(grp_id) WHERE grp_id != '' AND blocked = 0;

			CREATE TABLE chat_contacts (
				chat_id INTEGER NOT NULL REFERENCES chats(id),
				contact_id INTEGER NOT NULL REFERENCES contacts(id),
				added_at INTEGER NOT NULL DEFAULT 0,
				PRIMARY KEY (chat_id, contact_id)
			) STRICT;

			CREATE TABLE messages (
				id INTEGER PRIMARY KEY,
				rfc724_mid TEXT NOT NULL DEFAULT '',
				server_folder TEXT NOT NULL DEFAULT '',
				server_uid INTEGER NOT NULL DEFAULT 0,
				chat_id INTEGER NOT NULL DEFAULT 0,
				from_id INTEGER NOT NULL DEFAULT 0,
				timestamp_sent INTEGER NOT NULL DEFAULT 0,
				timestamp_rcvd INTEGER NOT NULL DEFAULT 0,
				timestamp_sort INTEGER NOT NULL DEFAULT 0,
				view_type TEXT NOT NULL DEFAULT 'text',
				state TEXT NOT NULL DEFAULT 'in-fresh',
				bytes INTEGER NOT NULL DEFAULT 0,
				txt TEXT NOT NULL DEFAULT '',
				mime_blob TEXT NOT NULL DEFAULT '',
				in_reply_to TEXT NOT NULL DEFAULT '',
				mime_references TEXT NOT NULL DEFAULT '',
				ephemeral_timer INTEGER NOT NULL DEFAULT 0,
				ephemeral_timestamp INTEGER NOT NULL DEFAULT 0,
				location_id INTEGER NOT NULL DEFAULT 0,
				error TEXT NOT NULL DEFAULT '',
				param TEXT NOT NULL DEFAULT ''
			) STRICT;
			CREATE UNIQUE INDEX idx_messages_rfc724mid ON messages(rfc724_mid) WHERE rfc724_mid != '';
			CREATE INDEX idx_messages_chat ON messages(chat_id, timestamp_sort);
			CREATE INDEX idx_messages_folder_uid ON messages(server_folder, server_uid);

			CREATE TABLE keypairs (
				id INTEGER PRIMARY KEY,
				address TEXT NOT NULL DEFAULT '',
				is_default INTEGER NOT NULL DEFAULT 0,
				public_key BLOB NOT NULL,
				private_key_sealed BLOB NOT NULL,
				created_at INTEGER NOT NULL DEFAULT 0
			) STRICT;

			CREATE TABLE peerstates (
				id INTEGER PRIMARY KEY,
				address TEXT NOT NULL DEFAULT '',
				last_seen INTEGER NOT NULL DEFAULT 0,
				last_seen_autocrypt INTEGER NOT NULL DEFAULT 0,
				public_key BLOB,
				public_key_fingerprint TEXT NOT NULL DEFAULT '',
				prefer_encrypt TEXT NOT NULL DEFAULT 'nopreference',
				gossip_key BLOB,
				gossip_key_fingerprint TEXT NOT NULL DEFAULT '',
				gossip_timestamp INTEGER NOT NULL DEFAULT 0,
				verified_key BLOB,
				verified_key_fingerprint TEXT NOT NULL DEFAULT ''
			) STRICT;
			CREATE UNIQUE INDEX idx_peerstates_address ON peerstates(address);

			CREATE TABLE mdns (
				msg_id INTEGER NOT NULL REFERENCES messages(id),
				contact_id INTEGER NOT NULL REFERENCES contacts(id),
				timestamp INTEGER NOT NULL DEFAULT 0,
				PRIMARY KEY (msg_id, contact_id)
			) STRICT;

			CREATE TABLE jobs (
				id INTEGER PRIMARY KEY,
				action TEXT NOT NULL DEFAULT '',
				foreign_id INTEGER NOT NULL DEFAULT 0,
				param TEXT NOT NULL DEFAULT '',
				thread TEXT NOT NULL DEFAULT '',
				tries INTEGER NOT NULL DEFAULT 0,
				desired_at INTEGER NOT NULL DEFAULT 0
			) STRICT;
			CREATE INDEX idx_jobs_thread_desired ON jobs(thread, desired_at);

			-- Secure-Join (QR out-of-band verification) FSM, one row per chat a
			-- join handshake is in flight for.
			CREATE TABLE securejoin_states (
				chat_id INTEGER PRIMARY KEY,
				role TEXT NOT NULL DEFAULT '',
				state TEXT NOT NULL DEFAULT '',
				fingerprint TEXT NOT NULL DEFAULT '',
				updated_at INTEGER NOT NULL DEFAULT 0
			) STRICT;

			CREATE TABLE tokens (
				namespace TEXT NOT NULL DEFAULT '',
				foreign_id INTEGER NOT NULL DEFAULT 0,
				token TEXT NOT NULL DEFAULT '',
				timestamp INTEGER NOT NULL DEFAULT 0,
				PRIMARY KEY (namespace, foreign_id, token)
			) STRICT;

			CREATE TABLE locations (
				id INTEGER PRIMARY KEY,
				latitude REAL NOT NULL DEFAULT 0,
				longitude REAL NOT NULL DEFAULT 0,
				accuracy REAL NOT NULL DEFAULT 0,
				timestamp INTEGER NOT NULL DEFAULT 0,
				chat_id INTEGER NOT NULL DEFAULT 0,
				from_id INTEGER NOT NULL DEFAULT 0,
				independent INTEGER NOT NULL DEFAULT 0
			) STRICT;

			CREATE TABLE device_msg_labels (
				label TEXT PRIMARY KEY,
				msg_id INTEGER NOT NULL DEFAULT 0
			) STRICT;

			-- IMAP UID high-water marks per watched folder.
			CREATE TABLE folders (
				name TEXT PRIMARY KEY,
				uid_validity INTEGER NOT NULL DEFAULT 0,
				uid_next INTEGER NOT NULL DEFAULT 0,
				highest_mod_seq INTEGER NOT NULL DEFAULT 0
			) STRICT;
		`,
	},
}

func (s *Store) migrate() error {
	if _, err := s.Exec(`CREATE TABLE IF NOT EXISTS migrations (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var current int
	if err := s.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read migration version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		if err := s.applyMigration(m); err != nil {
			return fmt.Errorf("migration %d: %w", m.Version, err)
		}
	}
	return nil
}

func (s *Store) applyMigration(m Migration) error {
	tx, err := s.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.SQL); err != nil {
		return fmt.Errorf("exec: %w", err)
	}
	if _, err := tx.Exec(`INSERT INTO migrations (version) VALUES (?)`, m.Version); err != nil {
		return fmt.Errorf("record version: %w", err)
	}
	return tx.Commit()
}
