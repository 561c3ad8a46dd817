package client

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/jmoiron/sqlx"
	"github.com/meow-io/go-relay/crypto"
	"github.com/meow-io/go-relay/ids"
	"github.com/meow-io/go-relay/protocol"
	"golang.org/x/exp/slices"
)

func groupAD(groupID, from, keyID string) []byte {
	return []byte(groupID + "|" + from + "|" + keyID)
}

// CreateGroup creates a group on the relay with the caller as owner.
func (c *Client) CreateGroup(ctx context.Context, name string, memberUserIDs []string) (string, error) {
	if memberUserIDs == nil {
		memberUserIDs = []string{}
	}
	res := &protocol.CreateGroupResponse{}
	if err := c.call(ctx, protocol.CreateGroup, &protocol.CreateGroupRequest{Name: name, MemberUserIDs: memberUserIDs}, res); err != nil {
		return "", fmt.Errorf("client: error creating group: %w", err)
	}
	if err := c.db.Run(ctx, "create group", func(tx *sqlx.Tx) error {
		return upsertConversation(tx, GroupConversationID(res.GroupID), KindGroup, name, c.clock.CurrentTimeMs())
	}); err != nil {
		return "", err
	}
	return res.GroupID, nil
}

// AddMembers adds members to a group. The caller's sender key reaches them on its next post.
func (c *Client) AddMembers(ctx context.Context, groupID string, memberUserIDs []string) error {
	if err := c.call(ctx, protocol.AddMembers, &protocol.AddMembersRequest{GroupID: groupID, MemberUserIDs: memberUserIDs}, &protocol.OK{}); err != nil {
		return fmt.Errorf("client: error adding members: %w", err)
	}
	return nil
}

func (c *Client) Members(ctx context.Context, groupID string) ([]*protocol.Member, error) {
	members := []*protocol.Member{}
	if err := c.call(ctx, protocol.GetMembers, &protocol.GetMembersRequest{GroupID: groupID}, &members); err != nil {
		return nil, fmt.Errorf("client: error getting members: %w", err)
	}
	return members, nil
}

func (c *Client) Groups(ctx context.Context) ([]*protocol.GroupSummary, error) {
	groups := []*protocol.GroupSummary{}
	if err := c.call(ctx, protocol.ListMyGroups, &protocol.ListMineRequest{}, &groups); err != nil {
		return nil, fmt.Errorf("client: error listing groups: %w", err)
	}
	return groups, nil
}

// ensureSenderKey returns this client's sender key for groupID, generating it on first use.
func (c *Client) ensureSenderKey(ctx context.Context, groupID string) (*senderKey, error) {
	var k *senderKey
	if err := c.db.Run(ctx, "ensure sender key", func(tx *sqlx.Tx) error {
		var err error
		if k, err = ownSenderKey(tx, groupID, c.UserID()); err != nil || k != nil {
			return err
		}
		key, err := crypto.RandomKey()
		if err != nil {
			return err
		}
		k = &senderKey{
			GroupID:      groupID,
			SenderUserID: c.UserID(),
			KeyID:        ids.NewID().String(),
			Key:          key,
			CreatedAt:    c.clock.CurrentTimeMs(),
		}
		c.log.Debugf("created sender key %s for group %s", k.KeyID, groupID)
		return insertSenderKey(tx, k)
	}); err != nil {
		return nil, err
	}
	return k, nil
}

// distributeSenderKey sends k over the pairwise session to every current member that has not
// received it yet. Members without a bundle are skipped and retried on the next post.
func (c *Client) distributeSenderKey(ctx context.Context, k *senderKey) error {
	_, err, _ := c.distributions.Do(k.GroupID, func() (interface{}, error) {
		members, err := c.Members(ctx, k.GroupID)
		if err != nil {
			return nil, err
		}
		var delivered []string
		if err := c.db.RunReadOnly(ctx, "list deliveries", func(tx *sqlx.Tx) error {
			delivered, err = deliveredTo(tx, k.GroupID, k.KeyID)
			return err
		}); err != nil {
			return nil, err
		}

		for _, m := range members {
			if m.UserID == c.UserID() || slices.Contains(delivered, m.UserID) {
				continue
			}
			dist := &appMessage{
				Kind:      KindSenderKeyDistribution,
				ID:        ids.NewID().String(),
				SentAt:    c.nextTimestamp(),
				SenderKey: &senderKeyDistribution{GroupID: k.GroupID, KeyID: k.KeyID, Key: k.Key},
			}
			if err := c.sendDirect(ctx, m.UserID, dist); err != nil {
				if errors.Is(err, ErrPeerUnavailable) {
					c.log.Warnf("unable to hand sender key to %s: %v", m.UserID, err)
					continue
				}
				return nil, err
			}
			if err := c.db.Run(ctx, "record delivery", func(tx *sqlx.Tx) error {
				return insertDelivery(tx, k.GroupID, k.KeyID, m.UserID)
			}); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	return err
}

func (c *Client) sendGroup(ctx context.Context, groupID string, m *appMessage) error {
	k, err := c.ensureSenderKey(ctx, groupID)
	if err != nil {
		return err
	}
	if err := c.distributeSenderKey(ctx, k); err != nil {
		return err
	}
	plaintext, err := cbor.Marshal(m)
	if err != nil {
		return fmt.Errorf("client: error encoding message: %w", err)
	}
	ciphertext, err := c.groups.Seal(k.Key, plaintext, groupAD(groupID, c.UserID(), k.KeyID))
	if err != nil {
		return fmt.Errorf("client: error encrypting: %w", err)
	}
	header, err := encodeWire(&groupHeader{SenderKeyID: k.KeyID})
	if err != nil {
		return err
	}
	if err := c.call(ctx, protocol.PostGroup, &protocol.PostRequest{
		GroupID:     groupID,
		Ciphertext:  base64.RawURLEncoding.EncodeToString(ciphertext),
		Header:      header,
		ClientMsgID: m.ID,
		CreatedAt:   m.SentAt,
	}, &protocol.Queued{}); err != nil {
		return fmt.Errorf("client: error posting to %s: %w", groupID, err)
	}
	return nil
}

func (c *Client) openGroup(tx *sqlx.Tx, row *protocol.GroupQueuedMessage) ([]byte, error) {
	h := &groupHeader{}
	if err := decodeWire(row.Header, h); err != nil {
		return nil, &undecryptableError{err}
	}
	ciphertext, err := base64.RawURLEncoding.DecodeString(row.Ciphertext)
	if err != nil {
		return nil, undecryptablef("invalid ciphertext: %v", err)
	}
	k, err := getSenderKey(tx, row.GroupID, row.FromUserID, h.SenderKeyID)
	if err != nil {
		return nil, err
	}
	if k == nil {
		return nil, undecryptablef("no sender key %s from %s", h.SenderKeyID, row.FromUserID)
	}
	plaintext, err := c.groups.Open(k.Key, ciphertext, groupAD(row.GroupID, row.FromUserID, h.SenderKeyID))
	if err != nil {
		return nil, &undecryptableError{err}
	}
	return plaintext, nil
}
