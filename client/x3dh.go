package client

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/meow-io/go-relay/crypto"
	"golang.org/x/crypto/hkdf"
)

const x3dhInfo = "go-relay x3dh"

// agreement derives the root key of a new session. dhs are the outputs of the three or four
// pre-key diffie hellman exchanges, in the same order on both ends.
func agreement(dhs ...[]byte) ([]byte, error) {
	ikm := bytes.Repeat([]byte{0xff}, 32)
	for _, dh := range dhs {
		ikm = append(ikm, dh...)
	}
	sk := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, ikm, make([]byte, 32), []byte(x3dhInfo)), sk); err != nil {
		return nil, fmt.Errorf("client: error deriving session key: %w", err)
	}
	return sk, nil
}

// initiatorAgreement runs the sender's side using its session identity key, a fresh ephemeral key
// and the peer's bundle keys. opk may be nil when the peer's pool is exhausted.
func initiatorAgreement(identityPriv, ephemeralPriv, peerIdentity, spk, opk []byte) ([]byte, error) {
	dhs := [][]byte{
		crypto.DH(spk, identityPriv),
		crypto.DH(peerIdentity, ephemeralPriv),
		crypto.DH(spk, ephemeralPriv),
	}
	if opk != nil {
		dhs = append(dhs, crypto.DH(opk, ephemeralPriv))
	}
	return agreement(dhs...)
}

func responderAgreement(identityPriv, spkPriv, opkPriv, peerIdentity, ephemeral []byte) ([]byte, error) {
	dhs := [][]byte{
		crypto.DH(peerIdentity, spkPriv),
		crypto.DH(ephemeral, identityPriv),
		crypto.DH(ephemeral, spkPriv),
	}
	if opkPriv != nil {
		dhs = append(dhs, crypto.DH(ephemeral, opkPriv))
	}
	return agreement(dhs...)
}
