package server

import (
	"database/sql"

	"github.com/meow-io/go-relay/migration"
)

var migrations = []*migration.Migration{
	{
		Name: "Create initial tables",
		Func: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
	CREATE TABLE users (
		id TEXT PRIMARY KEY,
		identity_public_key TEXT NOT NULL,
		session_identity_public_key TEXT NOT NULL,
		registration_id BIGINT NOT NULL,
		signed_prekey_id BIGINT NOT NULL,
		signed_prekey_public_key TEXT NOT NULL,
		signed_prekey_signature TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	);

	CREATE TABLE prekeys (
		user_id TEXT NOT NULL,
		key_id BIGINT NOT NULL,
		public_key TEXT NOT NULL,
		seq BIGINT NOT NULL,
		used BOOLEAN NOT NULL DEFAULT FALSE,
		PRIMARY KEY (user_id, key_id)
	);
	CREATE INDEX prekeys_unused_idx ON prekeys (user_id, used, seq);

	CREATE TABLE message_queue (
		id TEXT PRIMARY KEY,
		to_user_id TEXT NOT NULL,
		from_user_id TEXT NOT NULL,
		ciphertext TEXT NOT NULL,
		header TEXT NOT NULL,
		client_msg_id TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		UNIQUE (to_user_id, from_user_id, client_msg_id)
	);
	CREATE INDEX message_queue_to_created_idx ON message_queue (to_user_id, created_at);

	CREATE TABLE groups (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		created_by_user_id TEXT NOT NULL,
		created_at BIGINT NOT NULL
	);

	CREATE TABLE group_members (
		group_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		role TEXT NOT NULL,
		joined_at BIGINT NOT NULL,
		PRIMARY KEY (group_id, user_id)
	);
	CREATE INDEX group_members_user_idx ON group_members (user_id);

	CREATE TABLE group_message_queue (
		id TEXT PRIMARY KEY,
		group_id TEXT NOT NULL,
		from_user_id TEXT NOT NULL,
		ciphertext TEXT NOT NULL,
		header TEXT NOT NULL,
		client_msg_id TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		queued_at BIGINT NOT NULL,
		UNIQUE (group_id, from_user_id, client_msg_id)
	);
	CREATE INDEX group_message_queue_group_created_idx ON group_message_queue (group_id, created_at);

	CREATE TABLE group_receipts (
		message_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		PRIMARY KEY (message_id, user_id)
	);
			`)
			return err
		},
	},
}
