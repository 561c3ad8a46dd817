package auth

import (
	"context"
	"crypto/ed25519"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/meow-io/go-relay/canonical"
	"github.com/meow-io/go-relay/clock"
	"github.com/meow-io/go-relay/config"
	"github.com/meow-io/go-relay/protocol"
	"github.com/meow-io/go-relay/relayerr"
	"go.uber.org/zap"
)

type Verifier struct {
	log         *zap.SugaredLogger
	clock       clock.Clock
	retentionMs int64
	skewMs      int64
}

func NewVerifier(c *config.Config, cl clock.Clock) *Verifier {
	return &Verifier{
		log:         c.Logger("auth"),
		clock:       cl,
		retentionMs: c.NonceRetentionMs,
		skewMs:      c.MaxClockSkewMs,
	}
}

// Verify authenticates env for procedure and payload and consumes its nonce within tx. It returns the
// authenticated user id. Nothing is written unless every other check has passed.
func (v *Verifier) Verify(tx *sqlx.Tx, procedure protocol.Procedure, env *protocol.Envelope, payload []byte) (string, error) {
	if env == nil {
		return "", relayerr.AuthenticationFailure("missing auth envelope")
	}
	if len(env.Nonce) < protocol.MinNonceLength {
		return "", relayerr.InvalidArgument("nonce must be at least %d characters", protocol.MinNonceLength)
	}
	pub, err := DecodeKey(env.IdentityPublicKey, ed25519.PublicKeySize)
	if err != nil {
		return "", relayerr.Wrap(relayerr.CodeAuthenticationFailure, "invalid identity public key", err)
	}
	if UserID(pub) != env.UserID {
		return "", relayerr.AuthenticationFailure("user id does not match identity key")
	}
	sig, err := DecodeKey(env.Signature, ed25519.SignatureSize)
	if err != nil {
		return "", relayerr.Wrap(relayerr.CodeAuthenticationFailure, "invalid signature encoding", err)
	}
	hash, err := canonical.Hash(payload)
	if err != nil {
		return "", relayerr.Wrap(relayerr.CodeInvalidArgument, "malformed payload", err)
	}
	if !ed25519.Verify(pub, []byte(SignedString(procedure, env.Nonce, env.IssuedAt, hash)), sig) {
		return "", relayerr.AuthenticationFailure("signature verification failed")
	}

	now := v.clock.CurrentTimeMs()
	if v.retentionMs > 0 {
		if env.IssuedAt == nil {
			return "", relayerr.AuthenticationFailure("issuedAt is required")
		}
		if *env.IssuedAt < now-v.retentionMs || *env.IssuedAt > now+v.skewMs {
			return "", relayerr.AuthenticationFailure("issuedAt outside of the accepted window")
		}
	}

	inserted, err := InsertNonce(tx, env.UserID, env.Nonce, now)
	if err != nil {
		return "", relayerr.Internal(fmt.Errorf("auth: error recording nonce: %w", err))
	}
	if !inserted {
		v.log.Infof("replayed nonce for %s on %s", env.UserID, procedure)
		return "", relayerr.ReplayDetected("nonce already used")
	}
	return env.UserID, nil
}

// InsertNonce reports false if (userID, nonce) was already recorded.
func InsertNonce(tx *sqlx.Tx, userID, nonce string, createdAt int64) (bool, error) {
	res, err := tx.Exec("INSERT INTO auth_nonces (user_id, nonce, created_at) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING", userID, nonce, createdAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// SweepNonces deletes nonces recorded before the given unix ms time.
func SweepNonces(ctx context.Context, tx *sqlx.Tx, before int64) (int64, error) {
	res, err := tx.ExecContext(ctx, "DELETE FROM auth_nonces WHERE created_at < $1", before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
