// Package auth signs request envelopes on the client and verifies them on the relay.
//
// A request is accepted when the claimed user id is the digest of the presented identity key, the
// ed25519 signature covers "{procedure}:{nonce}:{hash}" (or "{procedure}:{nonce}:{issuedAt}:{hash}"
// when the envelope is timestamped) and the (user id, nonce) pair has never been seen before.
package auth

import (
	"crypto/ed25519"
	crypto_rand "crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/meow-io/go-relay/canonical"
	"github.com/meow-io/go-relay/clock"
	"github.com/meow-io/go-relay/protocol"
)

const nonceBytes = 18

// UserID derives the user id bound to an identity key.
func UserID(identityPublicKey ed25519.PublicKey) string {
	sum := sha256.Sum256(identityPublicKey)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func EncodeKey(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeKey decodes an unpadded base64url value and checks its length.
func DecodeKey(s string, size int) ([]byte, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("auth: invalid base64url: %w", err)
	}
	if len(b) != size {
		return nil, fmt.Errorf("auth: expected %d bytes, got %d", size, len(b))
	}
	return b, nil
}

func SignedString(procedure protocol.Procedure, nonce string, issuedAt *int64, hash string) string {
	if issuedAt == nil {
		return fmt.Sprintf("%s:%s:%s", procedure, nonce, hash)
	}
	return fmt.Sprintf("%s:%s:%s:%s", procedure, nonce, strconv.FormatInt(*issuedAt, 10), hash)
}

// Signer produces envelopes for a single identity.
type Signer struct {
	priv   ed25519.PrivateKey
	pub    ed25519.PublicKey
	userID string
	clock  clock.Clock
}

func NewSigner(priv ed25519.PrivateKey, cl clock.Clock) *Signer {
	pub := priv.Public().(ed25519.PublicKey)
	return &Signer{
		priv:   priv,
		pub:    pub,
		userID: UserID(pub),
		clock:  cl,
	}
}

func (s *Signer) UserID() string {
	return s.userID
}

func (s *Signer) PublicKey() ed25519.PublicKey {
	return s.pub
}

// SignBytes signs arbitrary data with the identity key.
func (s *Signer) SignBytes(b []byte) []byte {
	return ed25519.Sign(s.priv, b)
}

// Sign canonicalizes payload and returns the envelope together with the canonical payload bytes.
func (s *Signer) Sign(procedure protocol.Procedure, payload interface{}) (*protocol.Envelope, json.RawMessage, error) {
	body, err := canonical.Marshal(payload)
	if err != nil {
		return nil, nil, err
	}
	nonce, err := newNonce()
	if err != nil {
		return nil, nil, err
	}
	issuedAt := s.clock.CurrentTimeMs()
	sig := ed25519.Sign(s.priv, []byte(SignedString(procedure, nonce, &issuedAt, canonical.Digest(body))))
	return &protocol.Envelope{
		UserID:            s.userID,
		IdentityPublicKey: EncodeKey(s.pub),
		Nonce:             nonce,
		Signature:         EncodeKey(sig),
		IssuedAt:          &issuedAt,
	}, body, nil
}

func newNonce() (string, error) {
	b := make([]byte, nonceBytes)
	if _, err := io.ReadFull(crypto_rand.Reader, b); err != nil {
		return "", fmt.Errorf("auth: short read from random source: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
