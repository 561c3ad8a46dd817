package crypto

import (
	crypto_rand "crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/kevinburke/nacl"
	"github.com/kevinburke/nacl/box"
	"golang.org/x/crypto/chacha20poly1305"
)

var zeroNonce12 = []byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}

func SliceToKey(b []byte) nacl.Key {
	return nacl.Key(b)
}

// DH returns the precomputed shared key between a curve25519 public and private key.
func DH(pub, priv []byte) []byte {
	key := box.Precompute(SliceToKey(pub), SliceToKey(priv))
	return key[:]
}

// EncryptWithKey seals msg under a single use key, such as a ratchet message key.
func EncryptWithKey(key, msg, ad []byte) ([]byte, error) {
	if len(key) != 32 {
		panic("key is wrong length")
	}
	cipher, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	return cipher.Seal(nil, zeroNonce12, msg, ad), nil
}

func DecryptWithKey(key, enc, ad []byte) ([]byte, error) {
	if len(key) != 32 {
		panic("key is wrong length")
	}
	cipher, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	return cipher.Open(nil, zeroNonce12, enc, ad)
}

// Seal encrypts msg with XChaCha20-Poly1305 under a long lived key. The random nonce is prepended.
func Seal(key, msg, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: %w", err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(msg)+aead.Overhead())
	if _, err := io.ReadFull(crypto_rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("crypto: short read from random source: %w", err)
	}
	return aead.Seal(nonce, nonce, msg, ad), nil
}

func Open(key, enc, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: %w", err)
	}
	if len(enc) < aead.NonceSize()+aead.Overhead() {
		return nil, errors.New("crypto: ciphertext too short")
	}
	return aead.Open(nil, enc[:aead.NonceSize()], enc[aead.NonceSize():], ad)
}

func RandomKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(crypto_rand.Reader, key); err != nil {
		return nil, fmt.Errorf("crypto: short read from random source: %w", err)
	}
	return key, nil
}
