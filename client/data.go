package client

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/jmoiron/sqlx"
)

type identityRow struct {
	IdentityPriv   []byte `db:"identity_priv"`
	SessionPub     []byte `db:"session_pub"`
	SessionPriv    []byte `db:"session_priv"`
	RegistrationID uint32 `db:"registration_id"`
	NextPreKeyID   uint32 `db:"next_prekey_id"`
}

type keyPairRow struct {
	KeyID     uint32 `db:"key_id"`
	Pub       []byte `db:"pub"`
	Priv      []byte `db:"priv"`
	CreatedAt int64  `db:"created_at"`
}

type peer struct {
	UserID             string `db:"user_id"`
	SessionIdentityKey []byte `db:"session_identity_key"`
	ActiveSessionID    []byte `db:"active_session_id"`
	UpdatedAt          int64  `db:"updated_at"`
}

type session struct {
	ID           []byte `db:"id"`
	PeerUserID   string `db:"peer_user_id"`
	Initiator    bool   `db:"initiator"`
	PreKeyHeader []byte `db:"prekey_header"`
	CreatedAt    int64  `db:"created_at"`
}

type doubleratchetKey struct {
	PublicKey      []byte `db:"pub_key"`
	MessageKey     []byte `db:"message_key"`
	MessageNumber  uint   `db:"msg_num"`
	SessionID      []byte `db:"session_id"`
	SequenceNumber uint   `db:"seq_num"`
}

type doubleratchetState struct {
	ID                       []byte `db:"id"`
	Dhr                      []byte `db:"dhr"`
	DhsPub                   []byte `db:"dhs_pub"`
	DhsPriv                  []byte `db:"dhs_priv"`
	RootChKey                []byte `db:"root_ch_key"`
	SendChKey                []byte `db:"send_ch_key"`
	SendChCount              uint32 `db:"send_ch_count"`
	RecvChKey                []byte `db:"recv_ch_key"`
	RecvChCount              uint32 `db:"recv_ch_count"`
	PN                       uint32 `db:"pn"`
	MaxSkip                  uint   `db:"max_skip"`
	HKr                      []byte `db:"hkr"`
	NHKr                     []byte `db:"nhkr"`
	HKs                      []byte `db:"hks"`
	NHKs                     []byte `db:"nhks"`
	MaxKeep                  uint   `db:"max_keep"`
	MaxMessageKeysPerSession int    `db:"mmk_per_session"`
	Step                     uint   `db:"step"`
	KeysCount                uint   `db:"keys_count"`
}

type senderKey struct {
	GroupID      string `db:"group_id"`
	SenderUserID string `db:"sender_user_id"`
	KeyID        string `db:"key_id"`
	Key          []byte `db:"key"`
	CreatedAt    int64  `db:"created_at"`
}

// Conversation is a local thread with either one peer or one group.
type Conversation struct {
	ID        string `db:"id"`
	Kind      string `db:"kind"`
	Name      string `db:"name"`
	CreatedAt int64  `db:"created_at"`
	UpdatedAt int64  `db:"updated_at"`
}

type Message struct {
	ConversationID string `db:"conversation_id"`
	ID             string `db:"id"`
	SenderUserID   string `db:"sender_user_id"`
	Kind           string `db:"kind"`
	Body           string `db:"body"`
	RawMedia       []byte `db:"media"`
	Status         string `db:"status"`
	Pinned         bool   `db:"pinned"`
	Deleted        bool   `db:"deleted"`
	SentAt         int64  `db:"sent_at"`
	ReceivedAt     int64  `db:"received_at"`
	EditedAt       int64  `db:"edited_at"`

	Media *Media `db:"-"`
}

type Reaction struct {
	ConversationID string `db:"conversation_id"`
	MessageID      string `db:"message_id"`
	UserID         string `db:"user_id"`
	Emoji          string `db:"emoji"`
	CreatedAt      int64  `db:"created_at"`
}

func getIdentity(tx *sqlx.Tx) (*identityRow, error) {
	i := &identityRow{}
	if err := tx.Get(i, "SELECT identity_priv, session_pub, session_priv, registration_id, next_prekey_id FROM identity WHERE id = 1"); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("client: error getting identity: %w", err)
	}
	return i, nil
}

func insertIdentity(tx *sqlx.Tx, i *identityRow) error {
	if _, err := tx.NamedExec("INSERT INTO identity (id, identity_priv, session_pub, session_priv, registration_id, next_prekey_id) VALUES (1, :identity_priv, :session_pub, :session_priv, :registration_id, :next_prekey_id)", i); err != nil {
		return fmt.Errorf("client: error inserting identity: %w", err)
	}
	return nil
}

// reservePreKeyIDs hands out n consecutive key ids.
func reservePreKeyIDs(tx *sqlx.Tx, n uint32) (uint32, error) {
	var next uint32
	if err := tx.Get(&next, "SELECT next_prekey_id FROM identity WHERE id = 1"); err != nil {
		return 0, fmt.Errorf("client: error reading prekey id: %w", err)
	}
	if _, err := tx.Exec("UPDATE identity SET next_prekey_id = $1 WHERE id = 1", next+n); err != nil {
		return 0, fmt.Errorf("client: error reserving prekey ids: %w", err)
	}
	return next, nil
}

func latestSignedPreKey(tx *sqlx.Tx) (*keyPairRow, error) {
	k := &keyPairRow{}
	if err := tx.Get(k, "SELECT key_id, pub, priv, created_at FROM signed_prekeys ORDER BY key_id DESC LIMIT 1"); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("client: error getting signed prekey: %w", err)
	}
	return k, nil
}

func signedPreKey(tx *sqlx.Tx, keyID uint32) (*keyPairRow, error) {
	k := &keyPairRow{}
	if err := tx.Get(k, "SELECT key_id, pub, priv, created_at FROM signed_prekeys WHERE key_id = $1", keyID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("client: error getting signed prekey: %w", err)
	}
	return k, nil
}

func insertSignedPreKey(tx *sqlx.Tx, k *keyPairRow) error {
	if _, err := tx.NamedExec("INSERT INTO signed_prekeys (key_id, pub, priv, created_at) VALUES (:key_id, :pub, :priv, :created_at)", k); err != nil {
		return fmt.Errorf("client: error inserting signed prekey: %w", err)
	}
	return nil
}

func insertOneTimePreKey(tx *sqlx.Tx, k *keyPairRow) error {
	if _, err := tx.NamedExec("INSERT INTO one_time_prekeys (key_id, pub, priv, created_at) VALUES (:key_id, :pub, :priv, :created_at)", k); err != nil {
		return fmt.Errorf("client: error inserting one time prekey: %w", err)
	}
	return nil
}

func oneTimePreKey(tx *sqlx.Tx, keyID uint32) (*keyPairRow, error) {
	k := &keyPairRow{}
	if err := tx.Get(k, "SELECT key_id, pub, priv, created_at FROM one_time_prekeys WHERE key_id = $1", keyID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("client: error getting one time prekey: %w", err)
	}
	return k, nil
}

func deleteOneTimePreKey(tx *sqlx.Tx, keyID uint32) error {
	if _, err := tx.Exec("DELETE FROM one_time_prekeys WHERE key_id = $1", keyID); err != nil {
		return fmt.Errorf("client: error deleting one time prekey: %w", err)
	}
	return nil
}

func getPeer(tx *sqlx.Tx, userID string) (*peer, error) {
	p := &peer{}
	if err := tx.Get(p, "SELECT user_id, session_identity_key, active_session_id, updated_at FROM peers WHERE user_id = $1", userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("client: error getting peer: %w", err)
	}
	return p, nil
}

func upsertPeer(tx *sqlx.Tx, p *peer) error {
	if _, err := tx.NamedExec(`INSERT INTO peers (user_id, session_identity_key, active_session_id, updated_at) VALUES (:user_id, :session_identity_key, :active_session_id, :updated_at)
		ON CONFLICT (user_id) DO UPDATE SET session_identity_key = excluded.session_identity_key, active_session_id = excluded.active_session_id, updated_at = excluded.updated_at`, p); err != nil {
		return fmt.Errorf("client: error upserting peer: %w", err)
	}
	return nil
}

func getSession(tx *sqlx.Tx, id []byte) (*session, error) {
	s := &session{}
	if err := tx.Get(s, "SELECT id, peer_user_id, initiator, prekey_header, created_at FROM sessions WHERE id = $1", id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("client: error getting session: %w", err)
	}
	return s, nil
}

func insertSession(tx *sqlx.Tx, s *session) error {
	if _, err := tx.NamedExec("INSERT INTO sessions (id, peer_user_id, initiator, prekey_header, created_at) VALUES (:id, :peer_user_id, :initiator, :prekey_header, :created_at)", s); err != nil {
		return fmt.Errorf("client: error inserting session: %w", err)
	}
	return nil
}

// confirmSession drops the pre-key data once the peer has answered on the session.
func confirmSession(tx *sqlx.Tx, id []byte) error {
	if _, err := tx.Exec("UPDATE sessions SET prekey_header = NULL WHERE id = $1", id); err != nil {
		return fmt.Errorf("client: error confirming session: %w", err)
	}
	return nil
}

func (rs *ratchetStore) doubleratchetState(id []byte) (*doubleratchetState, error) {
	s := &doubleratchetState{}
	if err := rs.tx.Get(s, "SELECT * FROM _doubleratchet_states WHERE id = $1", id); err != nil {
		return nil, fmt.Errorf("client: error getting doubleratchet_state: %w", err)
	}
	return s, nil
}

func (rs *ratchetStore) upsertDoubleratchetState(s *doubleratchetState) error {
	if _, err := rs.tx.NamedExec(`INSERT INTO _doubleratchet_states (id, dhr, dhs_pub, dhs_priv, root_ch_key, send_ch_key, send_ch_count, recv_ch_key, recv_ch_count, pn, max_skip, hkr, nhkr, hks, nhks, max_keep, mmk_per_session, step, keys_count)
		VALUES (:id, :dhr, :dhs_pub, :dhs_priv, :root_ch_key, :send_ch_key, :send_ch_count, :recv_ch_key, :recv_ch_count, :pn, :max_skip, :hkr, :nhkr, :hks, :nhks, :max_keep, :mmk_per_session, :step, :keys_count)
		ON CONFLICT (id) DO UPDATE SET dhr = excluded.dhr, dhs_pub = excluded.dhs_pub, dhs_priv = excluded.dhs_priv, root_ch_key = excluded.root_ch_key, send_ch_key = excluded.send_ch_key, send_ch_count = excluded.send_ch_count,
		recv_ch_key = excluded.recv_ch_key, recv_ch_count = excluded.recv_ch_count, pn = excluded.pn, max_skip = excluded.max_skip, hkr = excluded.hkr, nhkr = excluded.nhkr, hks = excluded.hks, nhks = excluded.nhks,
		max_keep = excluded.max_keep, mmk_per_session = excluded.mmk_per_session, step = excluded.step, keys_count = excluded.keys_count`, s); err != nil {
		return fmt.Errorf("client: error upserting doubleratchet_state: %w", err)
	}
	return nil
}

func (rs *ratchetStore) keyByMsgNum(sessionID, k []byte, msgNum uint) (*doubleratchetKey, bool, error) {
	kr := &doubleratchetKey{}
	if err := rs.tx.Get(kr, "SELECT * FROM _doubleratchet_keys WHERE pub_key = $1 AND msg_num = $2 AND session_id = $3", k, msgNum, sessionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("client: error getting key by msgnum: %w", err)
	}
	return kr, true, nil
}

func (rs *ratchetStore) upsertKeyByMsgNum(sessionID, k []byte, msgNum uint, mk []byte, keySeqNum uint) error {
	if _, err := rs.tx.Exec("INSERT INTO _doubleratchet_keys (pub_key, message_key, msg_num, session_id, seq_num) VALUES ($1, $2, $3, $4, $5)", k, mk, msgNum, sessionID, keySeqNum); err != nil {
		return fmt.Errorf("client: error upserting key by msgnum: %w", err)
	}
	return nil
}

func (rs *ratchetStore) deleteKeyByMsgNum(sessionID, k []byte, msgNum uint) error {
	if _, err := rs.tx.Exec("DELETE FROM _doubleratchet_keys WHERE pub_key = $1 AND msg_num = $2 AND session_id = $3", k, msgNum, sessionID); err != nil {
		return fmt.Errorf("client: error deleting key by msgnum: %w", err)
	}
	return nil
}

func (rs *ratchetStore) deleteOldMks(sessionID []byte, deleteUntilSeqKey uint) error {
	if _, err := rs.tx.Exec("DELETE FROM _doubleratchet_keys WHERE session_id = $1 AND seq_num < $2", sessionID, deleteUntilSeqKey); err != nil {
		return fmt.Errorf("client: error deleting old keys: %w", err)
	}
	return nil
}

func (rs *ratchetStore) truncateMks(sessionID []byte, maxKeys int) error {
	if _, err := rs.tx.Exec("DELETE FROM _doubleratchet_keys WHERE session_id = $1 AND seq_num NOT IN (SELECT seq_num FROM _doubleratchet_keys WHERE session_id = $1 ORDER BY seq_num DESC LIMIT $2)", sessionID, maxKeys); err != nil {
		return fmt.Errorf("client: error truncating keys: %w", err)
	}
	return nil
}

func (rs *ratchetStore) countKeys(k []byte) (uint, error) {
	var count uint
	if err := rs.tx.Get(&count, "SELECT count(*) FROM _doubleratchet_keys WHERE pub_key = $1", k); err != nil {
		return 0, fmt.Errorf("client: error counting keys: %w", err)
	}
	return count, nil
}

func (rs *ratchetStore) sessionKeys(sessionID []byte) ([]*doubleratchetKey, error) {
	keys := []*doubleratchetKey{}
	if err := rs.tx.Select(&keys, "SELECT * FROM _doubleratchet_keys WHERE session_id = $1", sessionID); err != nil {
		return nil, fmt.Errorf("client: error listing keys: %w", err)
	}
	return keys, nil
}

func ownSenderKey(tx *sqlx.Tx, groupID, userID string) (*senderKey, error) {
	k := &senderKey{}
	if err := tx.Get(k, "SELECT group_id, sender_user_id, key_id, key, created_at FROM sender_keys WHERE group_id = $1 AND sender_user_id = $2 ORDER BY created_at DESC LIMIT 1", groupID, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("client: error getting sender key: %w", err)
	}
	return k, nil
}

func getSenderKey(tx *sqlx.Tx, groupID, userID, keyID string) (*senderKey, error) {
	k := &senderKey{}
	if err := tx.Get(k, "SELECT group_id, sender_user_id, key_id, key, created_at FROM sender_keys WHERE group_id = $1 AND sender_user_id = $2 AND key_id = $3", groupID, userID, keyID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("client: error getting sender key: %w", err)
	}
	return k, nil
}

func insertSenderKey(tx *sqlx.Tx, k *senderKey) error {
	if _, err := tx.NamedExec("INSERT INTO sender_keys (group_id, sender_user_id, key_id, key, created_at) VALUES (:group_id, :sender_user_id, :key_id, :key, :created_at) ON CONFLICT DO NOTHING", k); err != nil {
		return fmt.Errorf("client: error inserting sender key: %w", err)
	}
	return nil
}

func deliveredTo(tx *sqlx.Tx, groupID, keyID string) ([]string, error) {
	members := []string{}
	if err := tx.Select(&members, "SELECT member_user_id FROM sender_key_deliveries WHERE group_id = $1 AND key_id = $2", groupID, keyID); err != nil {
		return nil, fmt.Errorf("client: error listing deliveries: %w", err)
	}
	return members, nil
}

func insertDelivery(tx *sqlx.Tx, groupID, keyID, memberUserID string) error {
	if _, err := tx.Exec("INSERT INTO sender_key_deliveries (group_id, key_id, member_user_id) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING", groupID, keyID, memberUserID); err != nil {
		return fmt.Errorf("client: error inserting delivery: %w", err)
	}
	return nil
}

func upsertConversation(tx *sqlx.Tx, id, kind, name string, now int64) error {
	if _, err := tx.Exec(`INSERT INTO conversations (id, kind, name, created_at, updated_at) VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (id) DO UPDATE SET updated_at = excluded.updated_at, name = CASE WHEN excluded.name = '' THEN conversations.name ELSE excluded.name END`, id, kind, name, now); err != nil {
		return fmt.Errorf("client: error upserting conversation: %w", err)
	}
	return nil
}

func getMessage(tx *sqlx.Tx, conversationID, id string) (*Message, error) {
	m := &Message{}
	if err := tx.Get(m, "SELECT * FROM messages WHERE conversation_id = $1 AND id = $2", conversationID, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("client: error getting message: %w", err)
	}
	return m, nil
}

// insertMessage reports whether the message was new.
func insertMessage(tx *sqlx.Tx, m *Message) (bool, error) {
	res, err := tx.NamedExec(`INSERT INTO messages (conversation_id, id, sender_user_id, kind, body, media, status, pinned, deleted, sent_at, received_at, edited_at)
		VALUES (:conversation_id, :id, :sender_user_id, :kind, :body, :media, :status, :pinned, :deleted, :sent_at, :received_at, :edited_at) ON CONFLICT DO NOTHING`, m)
	if err != nil {
		return false, fmt.Errorf("client: error inserting message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("client: error inserting message: %w", err)
	}
	return n == 1, nil
}

func updateMessage(tx *sqlx.Tx, m *Message) error {
	if _, err := tx.NamedExec("UPDATE messages SET body = :body, media = :media, status = :status, pinned = :pinned, deleted = :deleted, edited_at = :edited_at WHERE conversation_id = :conversation_id AND id = :id", m); err != nil {
		return fmt.Errorf("client: error updating message: %w", err)
	}
	return nil
}

// toggleReaction reports whether the reaction is present afterwards.
func toggleReaction(tx *sqlx.Tx, r *Reaction) (bool, error) {
	res, err := tx.Exec("DELETE FROM reactions WHERE conversation_id = $1 AND message_id = $2 AND user_id = $3 AND emoji = $4", r.ConversationID, r.MessageID, r.UserID, r.Emoji)
	if err != nil {
		return false, fmt.Errorf("client: error removing reaction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("client: error removing reaction: %w", err)
	}
	if n == 1 {
		return false, nil
	}
	if _, err := tx.NamedExec("INSERT INTO reactions (conversation_id, message_id, user_id, emoji, created_at) VALUES (:conversation_id, :message_id, :user_id, :emoji, :created_at)", r); err != nil {
		return false, fmt.Errorf("client: error adding reaction: %w", err)
	}
	return true, nil
}

func processed(tx *sqlx.Tx, scope, fromUserID, clientMsgID string) (bool, error) {
	var count int
	if err := tx.Get(&count, "SELECT count(*) FROM processed_rows WHERE scope = $1 AND from_user_id = $2 AND client_msg_id = $3", scope, fromUserID, clientMsgID); err != nil {
		return false, fmt.Errorf("client: error checking processed rows: %w", err)
	}
	return count != 0, nil
}

func markProcessed(tx *sqlx.Tx, scope, fromUserID, clientMsgID string, now int64) error {
	if _, err := tx.Exec("INSERT INTO processed_rows (scope, from_user_id, client_msg_id, processed_at) VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING", scope, fromUserID, clientMsgID, now); err != nil {
		return fmt.Errorf("client: error marking row processed: %w", err)
	}
	return nil
}

func decodeMedia(m *Message) error {
	if len(m.RawMedia) == 0 {
		return nil
	}
	m.Media = &Media{}
	if err := cbor.Unmarshal(m.RawMedia, m.Media); err != nil {
		return fmt.Errorf("client: error decoding media: %w", err)
	}
	return nil
}
