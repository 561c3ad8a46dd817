package client

import (
	crypto_rand "crypto/rand"
	"testing"

	"github.com/kevinburke/nacl/box"
	"github.com/stretchr/testify/require"
)

func TestAgreementMatchesOnBothEnds(t *testing.T) {
	require := require.New(t)

	gen := func() ([]byte, []byte) {
		pub, priv, err := box.GenerateKey(crypto_rand.Reader)
		require.Nil(err)
		return pub[:], priv[:]
	}
	aID, aIDPriv := gen()
	ek, ekPriv := gen()
	bID, bIDPriv := gen()
	spk, spkPriv := gen()
	opk, opkPriv := gen()

	a, err := initiatorAgreement(aIDPriv, ekPriv, bID, spk, opk)
	require.Nil(err)
	b, err := responderAgreement(bIDPriv, spkPriv, opkPriv, aID, ek)
	require.Nil(err)
	require.Equal(a, b)
	require.Len(a, 32)

	withoutOPK, err := initiatorAgreement(aIDPriv, ekPriv, bID, spk, nil)
	require.Nil(err)
	require.NotEqual(a, withoutOPK)
	b, err = responderAgreement(bIDPriv, spkPriv, nil, aID, ek)
	require.Nil(err)
	require.Equal(withoutOPK, b)
}
