package client

import (
	"database/sql"

	"github.com/meow-io/go-relay/migration"
)

var migrations = []*migration.Migration{
	{
		Name: "Create initial tables",
		Func: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
				CREATE TABLE identity (
					id INTEGER PRIMARY KEY,
					identity_priv BLOB NOT NULL,
					session_pub BLOB NOT NULL,
					session_priv BLOB NOT NULL,
					registration_id INTEGER NOT NULL,
					next_prekey_id INTEGER NOT NULL
				);

				CREATE TABLE signed_prekeys (
					key_id INTEGER PRIMARY KEY,
					pub BLOB NOT NULL,
					priv BLOB NOT NULL,
					created_at INTEGER NOT NULL
				);

				CREATE TABLE one_time_prekeys (
					key_id INTEGER PRIMARY KEY,
					pub BLOB NOT NULL,
					priv BLOB NOT NULL,
					created_at INTEGER NOT NULL
				);

				CREATE TABLE peers (
					user_id TEXT PRIMARY KEY,
					session_identity_key BLOB,
					active_session_id BLOB,
					updated_at INTEGER NOT NULL
				);

				CREATE TABLE sessions (
					id BLOB PRIMARY KEY,
					peer_user_id TEXT NOT NULL,
					initiator BOOLEAN NOT NULL,
					prekey_header BLOB,
					created_at INTEGER NOT NULL
				);
				CREATE INDEX sessions_peer_idx ON sessions (peer_user_id);

				CREATE TABLE _doubleratchet_keys (
					pub_key BLOB NOT NULL,
					message_key BLOB NOT NULL,
					msg_num INTEGER NOT NULL,
					session_id BLOB NOT NULL,
					seq_num INTEGER NOT NULL
				);
				CREATE UNIQUE INDEX doubleratchet_keys_pubkey_msg_num on _doubleratchet_keys (pub_key, msg_num);
				CREATE UNIQUE INDEX doubleratchet_keys_session_id_seq_num on _doubleratchet_keys (session_id, seq_num);

				CREATE TABLE _doubleratchet_states (
					id BLOB NOT NULL PRIMARY KEY,
					dhr BLOB,
					dhs_pub BLOB NOT NULL,
					dhs_priv BLOB NOT NULL,
					root_ch_key BLOB NOT NULL,
					send_ch_key BLOB,
					send_ch_count INTEGER NOT NULL,
					recv_ch_key BLOB,
					recv_ch_count INTEGER NOT NULL,
					pn INTEGER NOT NULL,
					max_skip INTEGER NOT NULL,
					hkr BLOB,
					nhkr BLOB,
					hks BLOB,
					nhks BLOB,
					max_keep INTEGER NOT NULL,
					mmk_per_session INTEGER NOT NULL,
					step INTEGER NOT NULL,
					keys_count INTEGER NOT NULL
				);

				CREATE TABLE sender_keys (
					group_id TEXT NOT NULL,
					sender_user_id TEXT NOT NULL,
					key_id TEXT NOT NULL,
					key BLOB NOT NULL,
					created_at INTEGER NOT NULL,
					PRIMARY KEY (group_id, sender_user_id, key_id)
				);

				CREATE TABLE sender_key_deliveries (
					group_id TEXT NOT NULL,
					key_id TEXT NOT NULL,
					member_user_id TEXT NOT NULL,
					PRIMARY KEY (group_id, key_id, member_user_id)
				);

				CREATE TABLE conversations (
					id TEXT PRIMARY KEY,
					kind TEXT NOT NULL,
					name TEXT NOT NULL,
					created_at INTEGER NOT NULL,
					updated_at INTEGER NOT NULL
				);

				CREATE TABLE messages (
					conversation_id TEXT NOT NULL,
					id TEXT NOT NULL,
					sender_user_id TEXT NOT NULL,
					kind TEXT NOT NULL,
					body TEXT NOT NULL,
					media BLOB,
					status TEXT NOT NULL,
					pinned BOOLEAN NOT NULL,
					deleted BOOLEAN NOT NULL,
					sent_at INTEGER NOT NULL,
					received_at INTEGER NOT NULL,
					edited_at INTEGER NOT NULL,
					PRIMARY KEY (conversation_id, id)
				);

				CREATE TABLE reactions (
					conversation_id TEXT NOT NULL,
					message_id TEXT NOT NULL,
					user_id TEXT NOT NULL,
					emoji TEXT NOT NULL,
					created_at INTEGER NOT NULL,
					PRIMARY KEY (conversation_id, message_id, user_id, emoji)
				);

				CREATE TABLE processed_rows (
					scope TEXT NOT NULL,
					from_user_id TEXT NOT NULL,
					client_msg_id TEXT NOT NULL,
					processed_at INTEGER NOT NULL,
					PRIMARY KEY (scope, from_user_id, client_msg_id)
				);
			`)
			return err
		},
	},
}
