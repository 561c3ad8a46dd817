package server

import (
	"crypto/ed25519"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/meow-io/go-relay/auth"
	"github.com/meow-io/go-relay/protocol"
	"github.com/meow-io/go-relay/relayerr"
)

type user struct {
	ID                       string `db:"id"`
	IdentityPublicKey        string `db:"identity_public_key"`
	SessionIdentityPublicKey string `db:"session_identity_public_key"`
	RegistrationID           uint32 `db:"registration_id"`
	SignedPreKeyID           uint32 `db:"signed_prekey_id"`
	SignedPreKeyPublicKey    string `db:"signed_prekey_public_key"`
	SignedPreKeySignature    string `db:"signed_prekey_signature"`
	CreatedAt                int64  `db:"created_at"`
	UpdatedAt                int64  `db:"updated_at"`
}

type prekey struct {
	KeyID     uint32 `db:"key_id"`
	PublicKey string `db:"public_key"`
}

func (s *Server) registerBundle(tx *sqlx.Tx, c *caller, req *protocol.RegisterBundleRequest) (*protocol.OK, error) {
	if _, err := auth.DecodeKey(req.SessionIdentityPublicKey, 32); err != nil {
		return nil, relayerr.Wrap(relayerr.CodeInvalidArgument, "invalid session identity key", err)
	}
	spk, err := auth.DecodeKey(req.SignedPreKey.PublicKey, 32)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.CodeInvalidArgument, "invalid signed pre-key", err)
	}
	sig, err := auth.DecodeKey(req.SignedPreKey.Signature, ed25519.SignatureSize)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.CodeInvalidArgument, "invalid signed pre-key signature", err)
	}
	if !ed25519.Verify(c.IdentityPublicKey, spk, sig) {
		return nil, relayerr.InvalidArgument("signed pre-key signature does not verify")
	}
	if len(req.OneTimePreKeys) < 1 || len(req.OneTimePreKeys) > protocol.MaxOneTimePreKeys {
		return nil, relayerr.InvalidArgument("expected between 1 and %d one-time pre-keys, got %d", protocol.MaxOneTimePreKeys, len(req.OneTimePreKeys))
	}
	seen := make(map[uint32]bool, len(req.OneTimePreKeys))
	for _, pk := range req.OneTimePreKeys {
		if seen[pk.KeyID] {
			return nil, relayerr.InvalidArgument("duplicate one-time pre-key id %d", pk.KeyID)
		}
		seen[pk.KeyID] = true
		if _, err := auth.DecodeKey(pk.PublicKey, 32); err != nil {
			return nil, relayerr.Wrap(relayerr.CodeInvalidArgument, fmt.Sprintf("invalid one-time pre-key %d", pk.KeyID), err)
		}
	}

	now := s.clock.CurrentTimeMs()
	if _, err := tx.Exec(`INSERT INTO users (id, identity_public_key, session_identity_public_key, registration_id, signed_prekey_id, signed_prekey_public_key, signed_prekey_signature, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			identity_public_key = excluded.identity_public_key,
			session_identity_public_key = excluded.session_identity_public_key,
			registration_id = excluded.registration_id,
			signed_prekey_id = excluded.signed_prekey_id,
			signed_prekey_public_key = excluded.signed_prekey_public_key,
			signed_prekey_signature = excluded.signed_prekey_signature,
			updated_at = excluded.updated_at`,
		c.UserID, auth.EncodeKey(c.IdentityPublicKey), req.SessionIdentityPublicKey, req.RegistrationID,
		req.SignedPreKey.KeyID, req.SignedPreKey.PublicKey, req.SignedPreKey.Signature, now, now); err != nil {
		return nil, fmt.Errorf("server: error upserting user: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM prekeys WHERE user_id = $1", c.UserID); err != nil {
		return nil, fmt.Errorf("server: error deleting prekeys: %w", err)
	}
	for i, pk := range req.OneTimePreKeys {
		if _, err := tx.Exec("INSERT INTO prekeys (user_id, key_id, public_key, seq, used) VALUES ($1, $2, $3, $4, $5)", c.UserID, pk.KeyID, pk.PublicKey, i, false); err != nil {
			return nil, fmt.Errorf("server: error inserting prekey: %w", err)
		}
	}
	s.log.Debugf("registered bundle for %s with %d one-time pre-keys", c.UserID, len(req.OneTimePreKeys))
	return &protocol.OK{OK: true}, nil
}

func (s *Server) getBundle(tx *sqlx.Tx, _ *caller, req *protocol.GetBundleRequest) (*protocol.Bundle, error) {
	u, err := s.user(tx, req.UserID)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, relayerr.NotFound("no bundle for user")
	}
	pk, err := claimPreKey(tx, u.ID)
	if err != nil {
		return nil, err
	}
	return &protocol.Bundle{
		UserID:                   u.ID,
		IdentityPublicKey:        u.IdentityPublicKey,
		RegistrationID:           u.RegistrationID,
		SessionIdentityPublicKey: u.SessionIdentityPublicKey,
		SignedPreKey: protocol.SignedPreKey{
			KeyID:     u.SignedPreKeyID,
			PublicKey: u.SignedPreKeyPublicKey,
			Signature: u.SignedPreKeySignature,
		},
		OneTimePreKey: pk,
	}, nil
}

func (s *Server) preKeyCount(tx *sqlx.Tx, c *caller, _ *protocol.PreKeyCountRequest) (*protocol.PreKeyCountResponse, error) {
	var count int
	if err := tx.Get(&count, "SELECT count(*) FROM prekeys WHERE user_id = $1 AND used = $2", c.UserID, false); err != nil {
		return nil, fmt.Errorf("server: error counting prekeys: %w", err)
	}
	return &protocol.PreKeyCountResponse{Count: count}, nil
}

// claimPreKey marks the oldest unused one-time pre-key as used and returns it. The conditional update
// only succeeds for one of any number of concurrent claimers; losers move on to the next key.
func claimPreKey(tx *sqlx.Tx, userID string) (*protocol.PreKey, error) {
	for {
		pk := &prekey{}
		if err := tx.Get(pk, "SELECT key_id, public_key FROM prekeys WHERE user_id = $1 AND used = $2 ORDER BY seq LIMIT 1", userID, false); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, nil
			}
			return nil, fmt.Errorf("server: error selecting prekey: %w", err)
		}
		res, err := tx.Exec("UPDATE prekeys SET used = $1 WHERE user_id = $2 AND key_id = $3 AND used = $4", true, userID, pk.KeyID, false)
		if err != nil {
			return nil, fmt.Errorf("server: error claiming prekey: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("server: error claiming prekey: %w", err)
		}
		if n == 1 {
			return &protocol.PreKey{KeyID: pk.KeyID, PublicKey: pk.PublicKey}, nil
		}
	}
}

func (s *Server) user(tx *sqlx.Tx, id string) (*user, error) {
	u := &user{}
	if err := tx.Get(u, "SELECT * FROM users WHERE id = $1", id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("server: error getting user: %w", err)
	}
	return u, nil
}

// missingUsers returns the ids in userIDs with no registered identity.
func missingUsers(tx *sqlx.Tx, userIDs []string) ([]string, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In("SELECT id FROM users WHERE id IN (?)", userIDs)
	if err != nil {
		return nil, fmt.Errorf("server: error building user query: %w", err)
	}
	var found []string
	if err := tx.Select(&found, tx.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("server: error selecting users: %w", err)
	}
	present := make(map[string]bool, len(found))
	for _, id := range found {
		present[id] = true
	}
	var missing []string
	for _, id := range userIDs {
		if !present[id] {
			missing = append(missing, id)
		}
	}
	return missing, nil
}
