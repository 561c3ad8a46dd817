package client

import (
	"github.com/meow-io/go-relay/crypto"
	"github.com/status-im/doubleratchet"
)

// sessionCipher encrypts direct messages on a stored pairwise session.
type sessionCipher interface {
	Encrypt(rs *ratchetStore, sessionID, plaintext, ad []byte) (doubleratchet.Message, error)
	Decrypt(rs *ratchetStore, sessionID []byte, m doubleratchet.Message, ad []byte) ([]byte, error)
}

// GroupCipher encrypts group posts under a sender key.
type GroupCipher interface {
	Seal(key, plaintext, ad []byte) ([]byte, error)
	Open(key, ciphertext, ad []byte) ([]byte, error)
}

type ratchetCipher struct{}

func (ratchetCipher) Encrypt(rs *ratchetStore, sessionID, plaintext, ad []byte) (doubleratchet.Message, error) {
	s, err := rs.load(sessionID)
	if err != nil {
		return doubleratchet.Message{}, err
	}
	return s.RatchetEncrypt(plaintext, ad)
}

func (ratchetCipher) Decrypt(rs *ratchetStore, sessionID []byte, m doubleratchet.Message, ad []byte) ([]byte, error) {
	s, err := rs.load(sessionID)
	if err != nil {
		return nil, err
	}
	return s.RatchetDecrypt(m, ad)
}

type senderKeyCipher struct{}

func (senderKeyCipher) Seal(key, plaintext, ad []byte) ([]byte, error) {
	return crypto.Seal(key, plaintext, ad)
}

func (senderKeyCipher) Open(key, ciphertext, ad []byte) ([]byte, error) {
	return crypto.Open(key, ciphertext, ad)
}
