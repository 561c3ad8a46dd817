package client

import (
	"bytes"
	"context"
	"crypto/ed25519"
	crypto_rand "crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/jmoiron/sqlx"
	"github.com/kevinburke/nacl/box"
	"github.com/meow-io/go-relay/auth"
	"github.com/meow-io/go-relay/ids"
	"github.com/meow-io/go-relay/protocol"
	"github.com/meow-io/go-relay/relayerr"
	"github.com/status-im/doubleratchet"
)

func directAD(from, to string) []byte {
	return []byte(from + "|" + to)
}

type bundleKeys struct {
	sessionIdentity []byte
	signedPreKey    []byte
	oneTimePreKey   []byte
}

// verifyBundle checks the bundle belongs to userID and that its signed pre-key was signed by the
// identity key.
func verifyBundle(userID string, b *protocol.Bundle) (*bundleKeys, error) {
	identity, err := auth.DecodeKey(b.IdentityPublicKey, ed25519.PublicKeySize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBundle, err)
	}
	if b.UserID != userID || auth.UserID(identity) != userID {
		return nil, fmt.Errorf("%w: identity key does not match %s", ErrInvalidBundle, userID)
	}
	keys := &bundleKeys{}
	if keys.sessionIdentity, err = auth.DecodeKey(b.SessionIdentityPublicKey, 32); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBundle, err)
	}
	if keys.signedPreKey, err = auth.DecodeKey(b.SignedPreKey.PublicKey, 32); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBundle, err)
	}
	sig, err := auth.DecodeKey(b.SignedPreKey.Signature, ed25519.SignatureSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBundle, err)
	}
	if !ed25519.Verify(identity, keys.signedPreKey, sig) {
		return nil, fmt.Errorf("%w: bad signed prekey signature", ErrInvalidBundle)
	}
	if b.OneTimePreKey != nil {
		if keys.oneTimePreKey, err = auth.DecodeKey(b.OneTimePreKey.PublicKey, 32); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidBundle, err)
		}
	}
	return keys, nil
}

// ensureSession makes sure there is an active session with peerUserID, bootstrapping one from the
// peer's bundle if needed. Concurrent callers for the same peer share one bootstrap.
func (c *Client) ensureSession(ctx context.Context, peerUserID string) error {
	_, err, _ := c.bootstraps.Do(peerUserID, func() (interface{}, error) {
		var established bool
		if err := c.db.RunReadOnly(ctx, "check session", func(tx *sqlx.Tx) error {
			p, err := getPeer(tx, peerUserID)
			established = p != nil && p.ActiveSessionID != nil
			return err
		}); err != nil {
			return nil, err
		}
		if established {
			return nil, nil
		}
		return nil, c.bootstrap(ctx, peerUserID)
	})
	return err
}

func (c *Client) bootstrap(ctx context.Context, peerUserID string) error {
	bundle := &protocol.Bundle{}
	if err := c.call(ctx, protocol.GetBundle, &protocol.GetBundleRequest{UserID: peerUserID}, bundle); err != nil {
		if relayerr.Is(err, relayerr.CodeNotFound) {
			return fmt.Errorf("%w: %s", ErrPeerUnavailable, peerUserID)
		}
		return fmt.Errorf("client: error fetching bundle: %w", err)
	}
	keys, err := verifyBundle(peerUserID, bundle)
	if err != nil {
		return err
	}

	ekPub, ekPriv, err := box.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return fmt.Errorf("client: error generating ephemeral key: %w", err)
	}
	sk, err := initiatorAgreement(c.sessionKey.privateKey[:], ekPriv[:], keys.sessionIdentity, keys.signedPreKey, keys.oneTimePreKey)
	if err != nil {
		return err
	}
	header := &preKeyHeader{
		IdentityKey:    c.signer.PublicKey(),
		SessionKey:     c.sessionKey.publicKey[:],
		SessionKeySig:  c.signer.SignBytes(c.sessionKey.publicKey[:]),
		EphemeralKey:   ekPub[:],
		SignedPreKeyID: bundle.SignedPreKey.KeyID,
	}
	if bundle.OneTimePreKey != nil {
		id := bundle.OneTimePreKey.KeyID
		header.OneTimePreKeyID = &id
	} else {
		c.log.Infof("bundle for %s has no one time prekey left", peerUserID)
	}
	headerBytes, err := cbor.Marshal(header)
	if err != nil {
		return fmt.Errorf("client: error encoding prekey header: %w", err)
	}

	sessionID := ids.NewID()
	var events []interface{}
	if err := c.db.Run(ctx, "bootstrap session", func(tx *sqlx.Tx) error {
		events = nil
		now := c.clock.CurrentTimeMs()
		p, err := getPeer(tx, peerUserID)
		if err != nil {
			return err
		}
		if p == nil {
			p = &peer{UserID: peerUserID}
		} else if p.ActiveSessionID != nil {
			// the peer reached us first while the bundle was in flight
			return nil
		}
		if p.SessionIdentityKey != nil && !bytes.Equal(p.SessionIdentityKey, keys.sessionIdentity) {
			c.log.Warnf("session identity key of %s changed", peerUserID)
			events = append(events, &IdentityMismatch{UserID: peerUserID, PreviousKey: p.SessionIdentityKey, CurrentKey: keys.sessionIdentity})
		}
		p.SessionIdentityKey = keys.sessionIdentity
		p.ActiveSessionID = sessionID[:]
		p.UpdatedAt = now

		if err := insertSession(tx, &session{ID: sessionID[:], PeerUserID: peerUserID, Initiator: true, PreKeyHeader: headerBytes, CreatedAt: now}); err != nil {
			return err
		}
		if err := (&ratchetStore{tx: tx}).newInitiator(sessionID[:], sk, keys.signedPreKey); err != nil {
			return fmt.Errorf("client: error creating session: %w", err)
		}
		if err := upsertPeer(tx, p); err != nil {
			return err
		}
		events = append(events, &SessionEstablished{UserID: peerUserID, Initiator: true})
		return nil
	}); err != nil {
		return err
	}
	c.emit(events...)
	return nil
}

// ResetSession forgets the active session with peerUserID so the next send bootstraps a new one.
func (c *Client) ResetSession(ctx context.Context, peerUserID string) error {
	return c.db.Run(ctx, "reset session", func(tx *sqlx.Tx) error {
		if _, err := tx.Exec("UPDATE peers SET active_session_id = NULL, updated_at = $1 WHERE user_id = $2", c.clock.CurrentTimeMs(), peerUserID); err != nil {
			return fmt.Errorf("client: error resetting session: %w", err)
		}
		return nil
	})
}

// sendDirect encrypts m on the active session with peerUserID and queues it on the relay.
func (c *Client) sendDirect(ctx context.Context, peerUserID string, m *appMessage) error {
	if err := c.ensureSession(ctx, peerUserID); err != nil {
		return err
	}
	plaintext, err := cbor.Marshal(m)
	if err != nil {
		return fmt.Errorf("client: error encoding message: %w", err)
	}

	var req *protocol.SendRequest
	if err := c.db.Run(ctx, "encrypt direct", func(tx *sqlx.Tx) error {
		p, err := getPeer(tx, peerUserID)
		if err != nil {
			return err
		}
		if p == nil || p.ActiveSessionID == nil {
			return fmt.Errorf("client: no active session with %s", peerUserID)
		}
		s, err := getSession(tx, p.ActiveSessionID)
		if err != nil {
			return err
		}
		if s == nil {
			return fmt.Errorf("client: missing session %x", p.ActiveSessionID)
		}
		msg, err := c.sessions.Encrypt(&ratchetStore{tx: tx}, s.ID, plaintext, directAD(c.UserID(), peerUserID))
		if err != nil {
			return fmt.Errorf("client: error encrypting: %w", err)
		}
		h := &directHeader{SessionID: s.ID, DH: msg.Header.DH, N: msg.Header.N, PN: msg.Header.PN}
		if s.PreKeyHeader != nil {
			h.PreKey = &preKeyHeader{}
			if err := cbor.Unmarshal(s.PreKeyHeader, h.PreKey); err != nil {
				return fmt.Errorf("client: error decoding prekey header: %w", err)
			}
		}
		header, err := encodeWire(h)
		if err != nil {
			return err
		}
		req = &protocol.SendRequest{
			ToUserID:    peerUserID,
			Ciphertext:  base64.RawURLEncoding.EncodeToString(msg.Ciphertext),
			Header:      header,
			ClientMsgID: m.ID,
			CreatedAt:   m.SentAt,
		}
		return nil
	}); err != nil {
		return err
	}

	if err := c.call(ctx, protocol.SendMessage, req, &protocol.Queued{}); err != nil {
		return fmt.Errorf("client: error sending to %s: %w", peerUserID, err)
	}
	return nil
}

// openDirect decrypts a direct row, accepting a new session when the header carries pre-key data.
func (c *Client) openDirect(tx *sqlx.Tx, row *protocol.QueuedMessage) ([]byte, []interface{}, error) {
	h := &directHeader{}
	if err := decodeWire(row.Header, h); err != nil {
		return nil, nil, &undecryptableError{err}
	}
	ciphertext, err := base64.RawURLEncoding.DecodeString(row.Ciphertext)
	if err != nil {
		return nil, nil, undecryptablef("invalid ciphertext: %v", err)
	}
	if len(h.SessionID) != len(ids.ID{}) || len(h.DH) != 32 {
		return nil, nil, undecryptablef("malformed direct header")
	}

	var events []interface{}
	s, err := getSession(tx, h.SessionID)
	if err != nil {
		return nil, nil, err
	}
	switch {
	case s == nil && h.PreKey == nil:
		return nil, nil, undecryptablef("unknown session %x", h.SessionID)
	case s == nil:
		if events, err = c.acceptSession(tx, row.FromUserID, h); err != nil {
			return nil, nil, err
		}
	case s.PeerUserID != row.FromUserID:
		return nil, nil, undecryptablef("session %x does not belong to %s", h.SessionID, row.FromUserID)
	case s.PreKeyHeader != nil:
		if err := confirmSession(tx, s.ID); err != nil {
			return nil, nil, err
		}
	}

	plaintext, err := c.sessions.Decrypt(&ratchetStore{tx: tx}, h.SessionID, doubleratchet.Message{
		Header:     doubleratchet.MessageHeader{DH: h.DH, N: h.N, PN: h.PN},
		Ciphertext: ciphertext,
	}, directAD(row.FromUserID, c.UserID()))
	if err != nil {
		return nil, nil, &undecryptableError{err}
	}
	return plaintext, events, nil
}

// acceptSession creates the responder side of a session opened by from.
func (c *Client) acceptSession(tx *sqlx.Tx, from string, h *directHeader) ([]interface{}, error) {
	pk := h.PreKey
	if len(pk.IdentityKey) != ed25519.PublicKeySize || auth.UserID(pk.IdentityKey) != from {
		return nil, undecryptablef("prekey identity does not match %s", from)
	}
	if len(pk.SessionKey) != 32 || len(pk.EphemeralKey) != 32 || len(pk.SessionKeySig) != ed25519.SignatureSize {
		return nil, undecryptablef("malformed prekey header")
	}
	if !ed25519.Verify(pk.IdentityKey, pk.SessionKey, pk.SessionKeySig) {
		return nil, undecryptablef("bad session key signature")
	}

	spk, err := signedPreKey(tx, pk.SignedPreKeyID)
	if err != nil {
		return nil, err
	}
	if spk == nil {
		return nil, undecryptablef("unknown signed prekey %d", pk.SignedPreKeyID)
	}
	var opkPriv []byte
	if pk.OneTimePreKeyID != nil {
		opk, err := oneTimePreKey(tx, *pk.OneTimePreKeyID)
		if err != nil {
			return nil, err
		}
		if opk == nil {
			return nil, undecryptablef("one time prekey %d already used", *pk.OneTimePreKeyID)
		}
		opkPriv = opk.Priv
		if err := deleteOneTimePreKey(tx, opk.KeyID); err != nil {
			return nil, err
		}
	}

	sk, err := responderAgreement(c.sessionKey.privateKey[:], spk.Priv, opkPriv, pk.SessionKey, pk.EphemeralKey)
	if err != nil {
		return nil, &undecryptableError{err}
	}
	now := c.clock.CurrentTimeMs()
	if err := insertSession(tx, &session{ID: h.SessionID, PeerUserID: from, Initiator: false, CreatedAt: now}); err != nil {
		return nil, err
	}
	if err := (&ratchetStore{tx: tx}).newResponder(h.SessionID, sk, dhPairImpl{privateKey: [32]byte(spk.Priv), publicKey: [32]byte(spk.Pub)}); err != nil {
		return nil, &undecryptableError{fmt.Errorf("client: error creating session: %w", err)}
	}

	var events []interface{}
	p, err := getPeer(tx, from)
	if err != nil {
		return nil, err
	}
	if p == nil {
		p = &peer{UserID: from}
	}
	if p.SessionIdentityKey != nil && !bytes.Equal(p.SessionIdentityKey, pk.SessionKey) {
		c.log.Warnf("session identity key of %s changed", from)
		events = append(events, &IdentityMismatch{UserID: from, PreviousKey: p.SessionIdentityKey, CurrentKey: pk.SessionKey})
	}
	p.SessionIdentityKey = pk.SessionKey
	p.UpdatedAt = now

	// When both ends started a session at once, each keeps the one with the lower id.
	keep := false
	if p.ActiveSessionID != nil {
		current, err := getSession(tx, p.ActiveSessionID)
		if err != nil {
			return nil, err
		}
		keep = current != nil && current.PreKeyHeader != nil && bytes.Compare(current.ID, h.SessionID) < 0
	}
	if !keep {
		p.ActiveSessionID = h.SessionID
	}
	if err := upsertPeer(tx, p); err != nil {
		return nil, err
	}
	c.replenish.Store(true)
	return append(events, &SessionEstablished{UserID: from, Initiator: false}), nil
}
