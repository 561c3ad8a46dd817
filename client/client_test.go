package client

import (
	"context"
	crypto_rand "crypto/rand"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/kevinburke/nacl/box"
	"github.com/meow-io/go-relay/auth"
	"github.com/meow-io/go-relay/clock"
	"github.com/meow-io/go-relay/config"
	"github.com/meow-io/go-relay/internal/test"
	"github.com/meow-io/go-relay/protocol"
	"github.com/meow-io/go-relay/server"
	"github.com/meow-io/go-relay/transport/local"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

type testRelay struct {
	t      *testing.T
	config *config.Config
	server *server.Server
	clock  *clock.Manual
}

func newTestRelay(t *testing.T) *testRelay {
	c := test.NewConfig(config.WithPreKeyBatchSize(5), config.WithPreKeyLowWater(3), config.WithPollIntervalMs(10))
	d := test.NewTestDatabase(c)
	t.Cleanup(func() { _ = d.Close() })
	cl := clock.NewManualClock(time.UnixMilli(1_700_000_000_000))
	s, err := server.NewServer(c, d, cl)
	require.Nil(t, err)
	return &testRelay{t: t, config: c, server: s, clock: cl}
}

type testClient struct {
	*Client
	transport *local.Transport
}

func (r *testRelay) newClient() *testClient {
	tr := local.NewTransport(r.config, r.server)
	d := test.NewTestEncryptedDatabase(r.config)
	r.t.Cleanup(func() { _ = d.Close() })
	c, err := NewClient(r.config, d, tr, r.clock)
	require.Nil(r.t, err)
	require.Nil(r.t, c.Register(context.Background()))
	return &testClient{Client: c, transport: tr}
}

// tick moves the shared clock so rows from different senders have distinct timestamps.
func (r *testRelay) tick() {
	r.clock.Advance(time.Millisecond)
}

func findUpdate[T any](c *Client) (T, bool) {
	for {
		select {
		case e := <-c.Updates():
			if v, ok := e.(T); ok {
				return v, true
			}
		default:
			var zero T
			return zero, false
		}
	}
}

func waitForUpdate[T any](t *testing.T, c *Client) T {
	timeout := time.After(5 * time.Second)
	for {
		select {
		case e := <-c.Updates():
			if v, ok := e.(T); ok {
				return v
			}
		case <-timeout:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

func bodies(t *testing.T, c *Client, conversationID string) []string {
	messages, err := c.Messages(context.Background(), conversationID)
	require.Nil(t, err)
	out := []string{}
	for _, m := range messages {
		out = append(out, m.Body)
	}
	return out
}

func activeSession(t *testing.T, c *Client, peerUserID string) []byte {
	var active []byte
	require.Nil(t, c.db.RunReadOnly(context.Background(), "test peer", func(tx *sqlx.Tx) error {
		p, err := getPeer(tx, peerUserID)
		if p != nil {
			active = p.ActiveSessionID
		}
		return err
	}))
	return active
}

func TestDirectConversation(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	r := newTestRelay(t)
	alice := r.newClient()
	bob := r.newClient()
	toBob := DirectConversationID(bob.UserID())
	toAlice := DirectConversationID(alice.UserID())

	id, err := alice.SendText(ctx, toBob, "hi bob")
	require.Nil(err)
	sent, err := alice.Message(ctx, toBob, id)
	require.Nil(err)
	require.Equal(StatusSent, sent.Status)

	require.Nil(bob.Sync(ctx))
	received, err := bob.Message(ctx, toAlice, id)
	require.Nil(err)
	require.Equal("hi bob", received.Body)
	require.Equal(alice.UserID(), received.SenderUserID)
	require.Equal(StatusReceived, received.Status)
	established, ok := findUpdate[*SessionEstablished](bob.Client)
	require.True(ok)
	require.False(established.Initiator)

	r.tick()
	_, err = bob.SendText(ctx, toAlice, "hi alice")
	require.Nil(err)
	require.Nil(alice.Sync(ctx))
	require.Equal([]string{"hi bob", "hi alice"}, bodies(t, alice.Client, toBob))
	require.Equal([]string{"hi bob", "hi alice"}, bodies(t, bob.Client, toAlice))

	// the reply confirms the session so later headers drop the pre-key data
	active := activeSession(t, alice.Client, bob.UserID())
	require.NotNil(active)
	var s *session
	require.Nil(alice.db.RunReadOnly(ctx, "test session", func(tx *sqlx.Tx) error {
		var err error
		s, err = getSession(tx, active)
		return err
	}))
	require.NotNil(s)
	require.True(s.Initiator)
	require.Nil(s.PreKeyHeader)

	// nothing is left on the relay
	rows := []*protocol.QueuedMessage{}
	require.Nil(bob.call(ctx, protocol.PollMessages, &protocol.PollRequest{}, &rows))
	require.Len(rows, 0)
	require.Equal(1, alice.transport.Calls(protocol.GetBundle))

	conversations, err := alice.Conversations(ctx)
	require.Nil(err)
	require.Len(conversations, 1)
	require.Equal(toBob, conversations[0].ID)
	require.Equal(KindDirect, conversations[0].Kind)
}

func TestMutations(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	r := newTestRelay(t)
	alice := r.newClient()
	bob := r.newClient()
	toBob := DirectConversationID(bob.UserID())
	toAlice := DirectConversationID(alice.UserID())

	id, err := alice.SendText(ctx, toBob, "helo")
	require.Nil(err)
	r.tick()
	require.Nil(alice.Edit(ctx, toBob, id, "hello"))
	r.tick()
	require.Nil(alice.TogglePin(ctx, toBob, id))
	r.tick()
	require.Nil(bob.Sync(ctx))

	m, err := bob.Message(ctx, toAlice, id)
	require.Nil(err)
	require.Equal("hello", m.Body)
	require.True(m.Pinned)
	require.NotZero(m.EditedAt)

	// bob may react but not edit alice's message
	require.ErrorIs(bob.Edit(ctx, toAlice, id, "hijacked"), ErrNoSuchMessage)
	require.Nil(bob.ToggleReaction(ctx, toAlice, id, "👍"))
	r.tick()
	require.Nil(alice.Sync(ctx))
	reactions, err := alice.Reactions(ctx, toBob, id)
	require.Nil(err)
	require.Len(reactions, 1)
	require.Equal(bob.UserID(), reactions[0].UserID)
	require.Equal("👍", reactions[0].Emoji)

	r.tick()
	require.Nil(bob.ToggleReaction(ctx, toAlice, id, "👍"))
	r.tick()
	require.Nil(alice.Sync(ctx))
	reactions, err = alice.Reactions(ctx, toBob, id)
	require.Nil(err)
	require.Len(reactions, 0)

	r.tick()
	require.Nil(alice.Delete(ctx, toBob, id))
	r.tick()
	require.Nil(bob.Sync(ctx))
	m, err = bob.Message(ctx, toAlice, id)
	require.Nil(err)
	require.True(m.Deleted)
	require.Equal("", m.Body)
	require.ErrorIs(alice.Edit(ctx, toBob, id, "too late"), ErrNoSuchMessage)
}

func TestMedia(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	r := newTestRelay(t)
	alice := r.newClient()
	bob := r.newClient()

	id, err := alice.SendMedia(ctx, DirectConversationID(bob.UserID()), &Media{MimeType: "image/png", URL: "https://files.example/cat.png", Size: 1234, Caption: "cat"})
	require.Nil(err)
	require.Nil(bob.Sync(ctx))
	m, err := bob.Message(ctx, DirectConversationID(alice.UserID()), id)
	require.Nil(err)
	require.Equal(KindMedia, m.Kind)
	require.Equal("cat", m.Body)
	require.NotNil(m.Media)
	require.Equal("image/png", m.Media.MimeType)
	require.Equal(int64(1234), m.Media.Size)
}

func TestPeerUnavailable(t *testing.T) {
	require := require.New(t)
	r := newTestRelay(t)
	alice := r.newClient()

	_, err := alice.SendText(context.Background(), DirectConversationID(auth.UserID(make([]byte, 32))), "anyone?")
	require.ErrorIs(err, ErrPeerUnavailable)
}

func TestConcurrentSendsBootstrapOnce(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	r := newTestRelay(t)
	alice := r.newClient()
	bob := r.newClient()

	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		go func() {
			_, err := alice.SendText(ctx, DirectConversationID(bob.UserID()), "burst")
			errs <- err
		}()
	}
	for i := 0; i < 5; i++ {
		require.Nil(<-errs)
	}
	require.Equal(1, alice.transport.Calls(protocol.GetBundle))

	require.Nil(bob.Sync(ctx))
	messages, err := bob.Messages(ctx, DirectConversationID(alice.UserID()))
	require.Nil(err)
	require.Len(messages, 5)
	for _, m := range messages {
		require.Equal(StatusReceived, m.Status)
	}
}

func TestSimultaneousInitiation(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	r := newTestRelay(t)
	alice := r.newClient()
	bob := r.newClient()
	toBob := DirectConversationID(bob.UserID())
	toAlice := DirectConversationID(alice.UserID())

	_, err := alice.SendText(ctx, toBob, "a1")
	require.Nil(err)
	_, err = bob.SendText(ctx, toAlice, "b1")
	require.Nil(err)
	r.tick()
	require.Nil(alice.Sync(ctx))
	require.Nil(bob.Sync(ctx))
	require.Equal(activeSession(t, alice.Client, bob.UserID()), activeSession(t, bob.Client, alice.UserID()))

	r.tick()
	_, err = alice.SendText(ctx, toBob, "a2")
	require.Nil(err)
	require.Nil(bob.Sync(ctx))
	r.tick()
	_, err = bob.SendText(ctx, toAlice, "b2")
	require.Nil(err)
	require.Nil(alice.Sync(ctx))

	for _, c := range []*Client{alice.Client, bob.Client} {
		other := toBob
		if c == bob.Client {
			other = toAlice
		}
		messages, err := c.Messages(ctx, other)
		require.Nil(err)
		require.Len(messages, 4)
		for _, m := range messages {
			require.NotEqual(StatusUndecryptable, m.Status)
		}
	}
}

func TestUndecryptableRowsAreRecordedAndAcked(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	r := newTestRelay(t)
	alice := r.newClient()
	bob := r.newClient()

	require.Nil(alice.call(ctx, protocol.SendMessage, &protocol.SendRequest{
		ToUserID:    bob.UserID(),
		Ciphertext:  "AAAA",
		Header:      "AAAA",
		ClientMsgID: "junk1",
		CreatedAt:   r.clock.CurrentTimeMs(),
	}, &protocol.Queued{}))

	require.Nil(bob.Sync(ctx))
	m, err := bob.Message(ctx, DirectConversationID(alice.UserID()), "junk1")
	require.Nil(err)
	require.Equal(StatusUndecryptable, m.Status)
	failed, ok := findUpdate[*DecryptionFailed](bob.Client)
	require.True(ok)
	require.Equal("junk1", failed.ClientMsgID)

	rows := []*protocol.QueuedMessage{}
	require.Nil(bob.call(ctx, protocol.PollMessages, &protocol.PollRequest{}, &rows))
	require.Len(rows, 0)
}

func TestMalformedDirectHeadersDoNotStallSync(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	r := newTestRelay(t)
	alice := r.newClient()
	bob := r.newClient()

	opk := uint32(1)
	prekey := &preKeyHeader{
		IdentityKey:     make([]byte, 32),
		SessionKey:      make([]byte, 32),
		SessionKeySig:   make([]byte, 64),
		EphemeralKey:    make([]byte, 32),
		SignedPreKeyID:  1,
		OneTimePreKeyID: &opk,
	}
	headers := map[string]*directHeader{
		"nil-session":   {DH: make([]byte, 32), PreKey: prekey},
		"short-session": {SessionID: []byte{1, 2, 3}, DH: make([]byte, 32), PreKey: prekey},
		"short-dh":      {SessionID: make([]byte, 16), DH: []byte{1}, PreKey: prekey},
	}
	for id, h := range headers {
		header, err := encodeWire(h)
		require.Nil(err)
		require.Nil(alice.call(ctx, protocol.SendMessage, &protocol.SendRequest{
			ToUserID:    bob.UserID(),
			Ciphertext:  "AAAA",
			Header:      header,
			ClientMsgID: id,
			CreatedAt:   r.clock.CurrentTimeMs(),
		}, &protocol.Queued{}))
	}
	_, err := alice.SendText(ctx, DirectConversationID(bob.UserID()), "still here")
	require.Nil(err)

	require.Nil(bob.Sync(ctx))
	for id := range headers {
		m, err := bob.Message(ctx, DirectConversationID(alice.UserID()), id)
		require.Nil(err)
		require.Equal(StatusUndecryptable, m.Status, id)
	}
	require.Contains(bodies(t, bob.Client, DirectConversationID(alice.UserID())), "still here")

	rows := []*protocol.QueuedMessage{}
	require.Nil(bob.call(ctx, protocol.PollMessages, &protocol.PollRequest{}, &rows))
	require.Len(rows, 0)
}

func TestRedeliveredRowsApplyOnce(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	r := newTestRelay(t)
	alice := r.newClient()
	bob := r.newClient()

	_, err := alice.SendText(ctx, DirectConversationID(bob.UserID()), "once")
	require.Nil(err)
	rows := []*protocol.QueuedMessage{}
	require.Nil(bob.call(ctx, protocol.PollMessages, &protocol.PollRequest{}, &rows))
	require.Len(rows, 1)

	// a lost ack hands the same row back on the next poll
	require.Nil(bob.receiveDirect(ctx, rows[0]))
	require.Nil(bob.receiveDirect(ctx, rows[0]))
	messages, err := bob.Messages(ctx, DirectConversationID(alice.UserID()))
	require.Nil(err)
	require.Len(messages, 1)
	require.Equal(StatusReceived, messages[0].Status)
}

func TestIdentityMismatch(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	r := newTestRelay(t)
	alice := r.newClient()
	bob := r.newClient()
	toBob := DirectConversationID(bob.UserID())

	_, err := alice.SendText(ctx, toBob, "before")
	require.Nil(err)
	require.Nil(bob.Sync(ctx))
	_, ok := findUpdate[*IdentityMismatch](alice.Client)
	require.False(ok)

	// bob keeps his identity but rolls his session identity key
	pub, priv, err := box.GenerateKey(crypto_rand.Reader)
	require.Nil(err)
	require.Nil(bob.db.Run(ctx, "test rotate", func(tx *sqlx.Tx) error {
		_, err := tx.Exec("UPDATE identity SET session_pub = $1, session_priv = $2 WHERE id = 1", pub[:], priv[:])
		return err
	}))
	bob2, err := NewClient(r.config, bob.db, bob.transport, r.clock)
	require.Nil(err)
	require.Equal(bob.UserID(), bob2.UserID())
	require.Nil(bob2.Register(ctx))

	require.Nil(alice.ResetSession(ctx, bob.UserID()))
	r.tick()
	_, err = alice.SendText(ctx, toBob, "after")
	require.Nil(err)
	mismatch, ok := findUpdate[*IdentityMismatch](alice.Client)
	require.True(ok)
	require.Equal(bob.UserID(), mismatch.UserID)
	require.Equal(pub[:], mismatch.CurrentKey)

	require.Nil(bob2.Sync(ctx))
	require.Equal([]string{"before", "after"}, bodies(t, bob2, DirectConversationID(alice.UserID())))
}

func TestReplenishPreKeys(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	r := newTestRelay(t)
	alice := r.newClient()
	bob := r.newClient()
	carol := r.newClient()

	_, err := bob.SendText(ctx, DirectConversationID(alice.UserID()), "using an old prekey")
	require.Nil(err)
	for i := 0; i < 2; i++ {
		require.Nil(carol.call(ctx, protocol.GetBundle, &protocol.GetBundleRequest{UserID: alice.UserID()}, &protocol.Bundle{}))
	}

	replenished, err := alice.ReplenishPreKeys(ctx)
	require.Nil(err)
	require.True(replenished)
	count := &protocol.PreKeyCountResponse{}
	require.Nil(alice.call(ctx, protocol.PreKeyCount, &protocol.PreKeyCountRequest{}, count))
	require.Equal(5, count.Count)

	replenished, err = alice.ReplenishPreKeys(ctx)
	require.Nil(err)
	require.False(replenished)

	require.Nil(alice.Sync(ctx))
	require.Equal([]string{"using an old prekey"}, bodies(t, alice.Client, DirectConversationID(bob.UserID())))
}

func TestStartAndShutdown(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	r := newTestRelay(t)
	alice := r.newClient()
	bob := r.newClient()

	require.Nil(bob.Start())
	require.Error(bob.Start())
	id, err := alice.SendText(ctx, DirectConversationID(bob.UserID()), "while running")
	require.Nil(err)
	received := waitForUpdate[*MessageReceived](t, bob.Client)
	require.Equal(id, received.MessageID)
	bob.Shutdown()
	bob.Shutdown()
}

func TestGroupConversation(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	r := newTestRelay(t)
	alice := r.newClient()
	bob := r.newClient()
	carol := r.newClient()

	groupID, err := alice.CreateGroup(ctx, "hiking", []string{bob.UserID(), carol.UserID()})
	require.Nil(err)
	conversationID := GroupConversationID(groupID)

	_, err = alice.SendText(ctx, conversationID, "trail at nine")
	require.Nil(err)
	require.Equal(2, alice.transport.Calls(protocol.SendMessage))
	r.tick()
	_, err = alice.SendText(ctx, conversationID, "bring water")
	require.Nil(err)
	require.Equal(2, alice.transport.Calls(protocol.SendMessage))
	require.Equal(2, alice.transport.Calls(protocol.PostGroup))

	r.tick()
	require.Nil(bob.Sync(ctx))
	require.Nil(carol.Sync(ctx))
	require.Equal([]string{"trail at nine", "bring water"}, bodies(t, bob.Client, conversationID))
	require.Equal([]string{"trail at nine", "bring water"}, bodies(t, carol.Client, conversationID))
	conversations, err := carol.Conversations(ctx)
	require.Nil(err)
	names := map[string]string{}
	for _, c := range conversations {
		names[c.ID] = c.Name
	}
	require.Equal("hiking", names[conversationID])

	r.clock.Advance(time.Second)
	_, err = bob.SendText(ctx, conversationID, "see you there")
	require.Nil(err)
	r.tick()
	require.Nil(alice.Sync(ctx))
	require.Nil(carol.Sync(ctx))
	require.Equal([]string{"trail at nine", "bring water", "see you there"}, bodies(t, alice.Client, conversationID))
	require.Equal([]string{"trail at nine", "bring water", "see you there"}, bodies(t, carol.Client, conversationID))

	// own posts come back on poll and are acked without being applied twice
	require.Nil(alice.Sync(ctx))
	require.Len(bodies(t, alice.Client, conversationID), 3)
	rows := []*protocol.GroupQueuedMessage{}
	require.Nil(alice.call(ctx, protocol.PollGroup, &protocol.GroupPollRequest{GroupID: groupID}, &rows))
	require.Len(rows, 0)
}

func TestLateGroupMember(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	r := newTestRelay(t)
	alice := r.newClient()
	bob := r.newClient()
	carol := r.newClient()

	groupID, err := alice.CreateGroup(ctx, "book club", []string{bob.UserID()})
	require.Nil(err)
	conversationID := GroupConversationID(groupID)
	_, err = alice.SendText(ctx, conversationID, "before carol")
	require.Nil(err)

	r.clock.Advance(time.Second)
	require.Nil(alice.AddMembers(ctx, groupID, []string{carol.UserID()}))
	r.clock.Advance(time.Second)
	require.Nil(carol.Sync(ctx))
	require.Len(bodies(t, carol.Client, conversationID), 0)

	_, err = alice.SendText(ctx, conversationID, "welcome carol")
	require.Nil(err)
	// only carol still needed the sender key
	require.Equal(2, alice.transport.Calls(protocol.SendMessage))

	r.tick()
	require.Nil(carol.Sync(ctx))
	require.Nil(bob.Sync(ctx))
	require.Equal([]string{"welcome carol"}, bodies(t, carol.Client, conversationID))
	require.Equal([]string{"before carol", "welcome carol"}, bodies(t, bob.Client, conversationID))
}

func TestGroupPostWithoutSenderKeyIsUndecryptable(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	r := newTestRelay(t)
	alice := r.newClient()
	bob := r.newClient()

	groupID, err := alice.CreateGroup(ctx, "book club", []string{bob.UserID()})
	require.Nil(err)
	header, err := encodeWire(&groupHeader{SenderKeyID: "missing"})
	require.Nil(err)
	require.Nil(alice.call(ctx, protocol.PostGroup, &protocol.PostRequest{
		GroupID:     groupID,
		Ciphertext:  "AAAA",
		Header:      header,
		ClientMsgID: "nokey1",
		CreatedAt:   r.clock.CurrentTimeMs(),
	}, &protocol.Queued{}))

	require.Nil(bob.Sync(ctx))
	m, err := bob.Message(ctx, GroupConversationID(groupID), "nokey1")
	require.Nil(err)
	require.Equal(StatusUndecryptable, m.Status)
	rows := []*protocol.GroupQueuedMessage{}
	require.Nil(bob.call(ctx, protocol.PollGroup, &protocol.GroupPollRequest{GroupID: groupID}, &rows))
	require.Len(rows, 0)
}

func TestInvalidConversationID(t *testing.T) {
	require := require.New(t)
	r := newTestRelay(t)
	alice := r.newClient()

	_, err := alice.SendText(context.Background(), "nowhere", "hi")
	require.Error(err)
	require.False(errors.Is(err, ErrPeerUnavailable))
}
