package crypto

import (
	crypto_rand "crypto/rand"
	"testing"

	"github.com/kevinburke/nacl/box"
	"github.com/stretchr/testify/require"
)

func TestSealOpen(t *testing.T) {
	require := require.New(t)

	key, err := RandomKey()
	require.Nil(err)
	enc, err := Seal(key, []byte("hello"), []byte("ad"))
	require.Nil(err)
	enc2, err := Seal(key, []byte("hello"), []byte("ad"))
	require.Nil(err)
	require.NotEqual(enc, enc2)

	dec, err := Open(key, enc, []byte("ad"))
	require.Nil(err)
	require.Equal([]byte("hello"), dec)

	_, err = Open(key, enc, []byte("other"))
	require.Error(err)
	_, err = Open(key, enc[:10], []byte("ad"))
	require.Error(err)
}

func TestDHAgrees(t *testing.T) {
	require := require.New(t)

	pubA, privA, err := box.GenerateKey(crypto_rand.Reader)
	require.Nil(err)
	pubB, privB, err := box.GenerateKey(crypto_rand.Reader)
	require.Nil(err)
	require.Equal(DH(pubB[:], privA[:]), DH(pubA[:], privB[:]))

	key := DH(pubB[:], privA[:])
	enc, err := EncryptWithKey(key, []byte("m"), nil)
	require.Nil(err)
	dec, err := DecryptWithKey(DH(pubA[:], privB[:]), enc, nil)
	require.Nil(err)
	require.Equal([]byte("m"), dec)
}
