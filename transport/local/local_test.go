package local

import (
	"context"
	"errors"
	"testing"

	"github.com/meow-io/go-relay/config"
	"github.com/meow-io/go-relay/protocol"
	"github.com/meow-io/go-relay/relayerr"
	"github.com/stretchr/testify/require"
)

type fakeDispatcher struct {
	result interface{}
	err    error
}

func (f *fakeDispatcher) Dispatch(_ context.Context, _ protocol.Procedure, _ *protocol.Envelope, _ []byte) (interface{}, error) {
	return f.result, f.err
}

func TestCallRoundTripsThroughJSON(t *testing.T) {
	require := require.New(t)
	tr := NewTransport(config.NewConfig(config.WithLogFile("")), &fakeDispatcher{result: &protocol.Queued{QueuedMsgID: "abc"}})

	out := &protocol.Queued{}
	require.Nil(tr.Call(context.Background(), protocol.SendMessage, nil, nil, out))
	require.Equal("abc", out.QueuedMsgID)
	require.Equal(1, tr.Calls(protocol.SendMessage))
}

func TestCallMasksInternalErrors(t *testing.T) {
	require := require.New(t)
	tr := NewTransport(config.NewConfig(config.WithLogFile("")), &fakeDispatcher{err: relayerr.Internal(errors.New("disk on fire"))})

	err := tr.Call(context.Background(), protocol.PollMessages, nil, nil, nil)
	require.True(relayerr.Is(err, relayerr.CodeInternal))
	require.NotContains(err.Error(), "disk on fire")
}

func TestOffline(t *testing.T) {
	require := require.New(t)
	tr := NewTransport(config.NewConfig(config.WithLogFile("")), &fakeDispatcher{})

	tr.SetOffline(true)
	require.ErrorIs(tr.Call(context.Background(), protocol.PollMessages, nil, nil, nil), ErrOffline)
	require.Equal(0, tr.Calls(protocol.PollMessages))
	tr.SetOffline(false)
	require.Nil(tr.Call(context.Background(), protocol.PollMessages, nil, nil, nil))
}
