// Package client is the relay's session orchestrator. It owns the local identity and pre-keys,
// bootstraps pairwise double ratchet sessions from key bundles, distributes sender keys to groups
// and folds polled relay rows into local conversations stored in an encrypted database.
package client

import (
	"context"
	"crypto/ed25519"
	crypto_rand "crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/kevinburke/nacl/box"
	"github.com/meow-io/go-relay/auth"
	"github.com/meow-io/go-relay/clock"
	"github.com/meow-io/go-relay/config"
	db "github.com/meow-io/go-relay/internal/db"
	"github.com/meow-io/go-relay/protocol"
	"github.com/meow-io/go-relay/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	StateNew = iota
	StateRunning
	StateStopped
)

const (
	KindDirect = "direct"
	KindGroup  = "group"

	directPrefix = "direct:"
	groupPrefix  = "group:"
)

// ErrPeerUnavailable means the peer has no bundle on the relay yet. Retry later.
var ErrPeerUnavailable = errors.New("client: peer unavailable")

var ErrInvalidBundle = errors.New("client: invalid key bundle")

func DirectConversationID(userID string) string {
	return directPrefix + userID
}

func GroupConversationID(groupID string) string {
	return groupPrefix + groupID
}

func parseConversationID(id string) (kind string, target string, err error) {
	switch {
	case strings.HasPrefix(id, directPrefix) && len(id) > len(directPrefix):
		return KindDirect, id[len(directPrefix):], nil
	case strings.HasPrefix(id, groupPrefix) && len(id) > len(groupPrefix):
		return KindGroup, id[len(groupPrefix):], nil
	default:
		return "", "", fmt.Errorf("client: invalid conversation id %q", id)
	}
}

type Client struct {
	config         *config.Config
	db             *db.Database
	transport      transport.Transport
	clock          clock.Clock
	log            *zap.SugaredLogger
	signer         *auth.Signer
	sessionKey     dhPairImpl
	registrationID uint32
	sessions       sessionCipher
	groups         GroupCipher
	bootstraps     singleflight.Group
	distributions  singleflight.Group
	syncLock       sync.Mutex
	updates        chan interface{}
	replenish      atomic.Bool
	timeLock       sync.Mutex
	lastTimestamp  int64

	lock       sync.Mutex
	state      int
	cancelFunc context.CancelFunc
	finished   sync.WaitGroup
}

// NewClient opens the local state in d, creating a fresh identity on first use.
func NewClient(c *config.Config, d *db.Database, t transport.Transport, cl clock.Clock) (*Client, error) {
	log := c.Logger("client")
	if err := d.Migrate("client", migrations); err != nil {
		return nil, fmt.Errorf("client: error migrating: %w", err)
	}

	var identity *identityRow
	if err := d.Run(context.Background(), "load identity", func(tx *sqlx.Tx) error {
		var err error
		identity, err = getIdentity(tx)
		if err != nil || identity != nil {
			return err
		}
		identity, err = newIdentity()
		if err != nil {
			return err
		}
		log.Infof("created new identity")
		return insertIdentity(tx, identity)
	}); err != nil {
		return nil, err
	}

	client := &Client{
		config:         c,
		db:             d,
		transport:      t,
		clock:          cl,
		log:            log,
		signer:         auth.NewSigner(ed25519.PrivateKey(identity.IdentityPriv), cl),
		sessionKey:     dhPairImpl{privateKey: [32]byte(identity.SessionPriv), publicKey: [32]byte(identity.SessionPub)},
		registrationID: identity.RegistrationID,
		sessions:       ratchetCipher{},
		groups:         senderKeyCipher{},
		updates:        make(chan interface{}, 100),
		state:          StateNew,
	}
	client.log = log.With("user", client.signer.UserID())
	return client, nil
}

func newIdentity() (*identityRow, error) {
	_, identityPriv, err := ed25519.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("client: error generating identity key: %w", err)
	}
	sessionPub, sessionPriv, err := box.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("client: error generating session identity key: %w", err)
	}
	var b [4]byte
	if _, err := crypto_rand.Read(b[:]); err != nil {
		return nil, fmt.Errorf("client: short read from random source: %w", err)
	}
	return &identityRow{
		IdentityPriv:   identityPriv,
		SessionPub:     sessionPub[:],
		SessionPriv:    sessionPriv[:],
		RegistrationID: binary.BigEndian.Uint32(b[:])&0x3fff + 1,
		NextPreKeyID:   1,
	}, nil
}

func (c *Client) UserID() string {
	return c.signer.UserID()
}

// Updates delivers events. Events are dropped when nobody keeps up with the channel.
func (c *Client) Updates() <-chan interface{} {
	return c.updates
}

func (c *Client) emit(events ...interface{}) {
	for _, e := range events {
		select {
		case c.updates <- e:
		default:
			c.log.Warnf("dropping update %T", e)
		}
	}
}

// nextTimestamp is the clock in milliseconds, bumped so that this client's messages never share a
// timestamp and replay in the order they were sent.
func (c *Client) nextTimestamp() int64 {
	c.timeLock.Lock()
	defer c.timeLock.Unlock()
	now := c.clock.CurrentTimeMs()
	if now <= c.lastTimestamp {
		now = c.lastTimestamp + 1
	}
	c.lastTimestamp = now
	return now
}

func (c *Client) call(ctx context.Context, procedure protocol.Procedure, payload interface{}, out interface{}) error {
	env, body, err := c.signer.Sign(procedure, payload)
	if err != nil {
		return fmt.Errorf("client: error signing %s: %w", procedure, err)
	}
	return c.transport.Call(ctx, procedure, env, body, out)
}

// Register uploads the identity, signed pre-key and a batch of one-time pre-keys to the relay.
func (c *Client) Register(ctx context.Context) error {
	req := &protocol.RegisterBundleRequest{
		SessionIdentityPublicKey: auth.EncodeKey(c.sessionKey.publicKey[:]),
		RegistrationID:           c.registrationID,
	}
	batch := c.config.PreKeyBatchSize
	if batch < 1 || batch > protocol.MaxOneTimePreKeys {
		batch = protocol.MaxOneTimePreKeys
	}

	if err := c.db.Run(ctx, "prepare bundle", func(tx *sqlx.Tx) error {
		req.OneTimePreKeys = nil
		now := c.clock.CurrentTimeMs()
		spk, err := latestSignedPreKey(tx)
		if err != nil {
			return err
		}
		if spk == nil {
			if spk, err = newKeyPair(tx, 1, now); err != nil {
				return err
			}
			if err := insertSignedPreKey(tx, spk); err != nil {
				return err
			}
		}
		req.SignedPreKey = protocol.SignedPreKey{
			KeyID:     spk.KeyID,
			PublicKey: auth.EncodeKey(spk.Pub),
			Signature: auth.EncodeKey(c.signer.SignBytes(spk.Pub)),
		}

		for i := 0; i < batch; i++ {
			opk, err := newKeyPair(tx, 1, now)
			if err != nil {
				return err
			}
			if err := insertOneTimePreKey(tx, opk); err != nil {
				return err
			}
			req.OneTimePreKeys = append(req.OneTimePreKeys, protocol.PreKey{KeyID: opk.KeyID, PublicKey: auth.EncodeKey(opk.Pub)})
		}
		return nil
	}); err != nil {
		return err
	}

	if err := c.call(ctx, protocol.RegisterBundle, req, &protocol.OK{}); err != nil {
		return fmt.Errorf("client: error registering bundle: %w", err)
	}
	c.log.Infof("registered bundle with %d one time prekeys", len(req.OneTimePreKeys))
	return nil
}

func newKeyPair(tx *sqlx.Tx, n uint32, now int64) (*keyPairRow, error) {
	id, err := reservePreKeyIDs(tx, n)
	if err != nil {
		return nil, err
	}
	pub, priv, err := box.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("client: error generating prekey: %w", err)
	}
	return &keyPairRow{KeyID: id, Pub: pub[:], Priv: priv[:], CreatedAt: now}, nil
}

// ReplenishPreKeys uploads a fresh pool when the relay holds fewer than PreKeyLowWater unused
// one-time pre-keys. Private halves of earlier keys stay so in-flight bootstraps still complete.
func (c *Client) ReplenishPreKeys(ctx context.Context) (bool, error) {
	res := &protocol.PreKeyCountResponse{}
	if err := c.call(ctx, protocol.PreKeyCount, &protocol.PreKeyCountRequest{}, res); err != nil {
		return false, fmt.Errorf("client: error counting prekeys: %w", err)
	}
	if res.Count >= c.config.PreKeyLowWater {
		return false, nil
	}
	c.log.Debugf("relay holds %d prekeys, replenishing", res.Count)
	return true, c.Register(ctx)
}

// Start polls the relay every PollIntervalMs until Shutdown.
func (c *Client) Start() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.state != StateNew {
		return fmt.Errorf("client: already started")
	}
	ctx, cancelFunc := context.WithCancel(context.Background())
	c.cancelFunc = cancelFunc
	c.state = StateRunning

	c.finished.Add(1)
	go func() {
		defer c.finished.Done()
		ticker := time.NewTicker(time.Duration(c.config.PollIntervalMs) * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.Sync(ctx); err != nil {
					c.log.Warnf("error syncing %#v", err)
					continue
				}
				if c.replenish.CompareAndSwap(true, false) {
					if _, err := c.ReplenishPreKeys(ctx); err != nil {
						c.replenish.Store(true)
						c.log.Warnf("error replenishing prekeys %#v", err)
					}
				}
			}
		}
	}()
	return nil
}

func (c *Client) Shutdown() {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.state != StateRunning {
		return
	}
	c.cancelFunc()
	c.finished.Wait()
	c.state = StateStopped
}
