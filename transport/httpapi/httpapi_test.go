package httpapi

import (
	"context"
	"crypto/ed25519"
	crypto_rand "crypto/rand"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/kevinburke/nacl/box"
	"github.com/meow-io/go-relay/auth"
	"github.com/meow-io/go-relay/clock"
	"github.com/meow-io/go-relay/internal/test"
	"github.com/meow-io/go-relay/protocol"
	"github.com/meow-io/go-relay/relayerr"
	"github.com/meow-io/go-relay/server"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

func newTestAPI(t *testing.T) (*httptest.Server, *Client, clock.Clock) {
	c := test.NewConfig()
	d := test.NewTestDatabase(c)
	t.Cleanup(func() { _ = d.Close() })
	cl := clock.NewManualClock(time.UnixMilli(1_700_000_000_000))
	s, err := server.NewServer(c, d, cl)
	require.Nil(t, err)

	ts := httptest.NewServer(NewServer(c, s, s.Registry()).Router())
	t.Cleanup(ts.Close)
	return ts, NewClient(c, ts.URL), cl
}

func signedCall(t *testing.T, cli *Client, signer *auth.Signer, procedure protocol.Procedure, payload interface{}, out interface{}) error {
	env, body, err := signer.Sign(procedure, payload)
	require.Nil(t, err)
	return cli.Call(context.Background(), procedure, env, body, out)
}

func TestHealth(t *testing.T) {
	require := require.New(t)
	ts, _, _ := newTestAPI(t)

	res, err := http.Get(ts.URL + "/health")
	require.Nil(err)
	defer res.Body.Close()
	require.Equal(http.StatusOK, res.StatusCode)
}

func TestRegisterAndFetchOverHTTP(t *testing.T) {
	require := require.New(t)
	ts, cli, cl := newTestAPI(t)

	_, priv, err := ed25519.GenerateKey(crypto_rand.Reader)
	require.Nil(err)
	signer := auth.NewSigner(priv, cl)
	sessionPub, _, err := box.GenerateKey(crypto_rand.Reader)
	require.Nil(err)
	spkPub, _, err := box.GenerateKey(crypto_rand.Reader)
	require.Nil(err)
	opkPub, _, err := box.GenerateKey(crypto_rand.Reader)
	require.Nil(err)

	ok := &protocol.OK{}
	require.Nil(signedCall(t, cli, signer, protocol.RegisterBundle, &protocol.RegisterBundleRequest{
		SessionIdentityPublicKey: auth.EncodeKey(sessionPub[:]),
		RegistrationID:           1,
		SignedPreKey: protocol.SignedPreKey{
			KeyID:     1,
			PublicKey: auth.EncodeKey(spkPub[:]),
			Signature: auth.EncodeKey(signer.SignBytes(spkPub[:])),
		},
		OneTimePreKeys: []protocol.PreKey{{KeyID: 3, PublicKey: auth.EncodeKey(opkPub[:])}},
	}, ok))
	require.True(ok.OK)

	body, err := json.Marshal(&protocol.GetBundleRequest{UserID: signer.UserID()})
	require.Nil(err)
	b := &protocol.Bundle{}
	require.Nil(cli.Call(context.Background(), protocol.GetBundle, nil, body, b))
	require.Equal(signer.UserID(), b.UserID)
	require.NotNil(b.OneTimePreKey)
	require.Equal(uint32(3), b.OneTimePreKey.KeyID)

	res, err := http.Get(ts.URL + "/metrics")
	require.Nil(err)
	defer res.Body.Close()
	metrics, err := io.ReadAll(res.Body)
	require.Nil(err)
	require.Contains(string(metrics), "relay_requests_total")
}

func TestErrorsKeepTheirCode(t *testing.T) {
	require := require.New(t)
	_, cli, _ := newTestAPI(t)

	body, err := json.Marshal(&protocol.GetBundleRequest{UserID: "nobody"})
	require.Nil(err)
	err = cli.Call(context.Background(), protocol.GetBundle, nil, body, &protocol.Bundle{})
	require.True(relayerr.Is(err, relayerr.CodeNotFound))

	err = cli.Call(context.Background(), protocol.PollMessages, nil, []byte(`{}`), nil)
	require.True(relayerr.Is(err, relayerr.CodeAuthenticationFailure))
}

func TestMalformedBody(t *testing.T) {
	require := require.New(t)
	ts, _, _ := newTestAPI(t)

	res, err := http.Post(ts.URL+"/rpc/message.poll", "application/json", strings.NewReader(`{"auth":`))
	require.Nil(err)
	defer res.Body.Close()
	require.Equal(http.StatusBadRequest, res.StatusCode)
	e := &relayerr.Error{}
	require.Nil(json.NewDecoder(res.Body).Decode(e))
	require.Equal(relayerr.CodeInvalidArgument, e.Code)
}

func TestStatusMapping(t *testing.T) {
	require := require.New(t)
	require.Equal(http.StatusUnauthorized, statusFor(relayerr.CodeReplayDetected))
	require.Equal(http.StatusForbidden, statusFor(relayerr.CodeForbidden))
	require.Equal(http.StatusInternalServerError, statusFor(relayerr.CodeInternal))
}
