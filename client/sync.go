package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/jmoiron/sqlx"
	"github.com/meow-io/go-relay/protocol"
)

const directScope = "direct"

// undecryptableError marks a row that can never be opened locally. Such rows are recorded and acked.
type undecryptableError struct {
	err error
}

func (e *undecryptableError) Error() string {
	return fmt.Sprintf("client: undecryptable: %v", e.err)
}

func (e *undecryptableError) Unwrap() error { return e.err }

func undecryptablef(format string, args ...interface{}) error {
	return &undecryptableError{fmt.Errorf(format, args...)}
}

// Sync polls the direct queue and then every group queue, applies each row to local state and
// acks it. Direct rows go first so sender keys arrive before the posts they unlock.
func (c *Client) Sync(ctx context.Context) error {
	c.syncLock.Lock()
	defer c.syncLock.Unlock()

	rows := []*protocol.QueuedMessage{}
	if err := c.call(ctx, protocol.PollMessages, &protocol.PollRequest{}, &rows); err != nil {
		return fmt.Errorf("client: error polling messages: %w", err)
	}
	for _, row := range rows {
		if err := c.receiveDirect(ctx, row); err != nil {
			return err
		}
		if err := c.call(ctx, protocol.AckMessage, &protocol.AckDeleteRequest{QueuedMsgID: row.ID}, &protocol.OK{}); err != nil {
			return fmt.Errorf("client: error acking message: %w", err)
		}
	}

	groups, err := c.Groups(ctx)
	if err != nil {
		return err
	}
	for _, g := range groups {
		if err := c.db.Run(ctx, "upsert group", func(tx *sqlx.Tx) error {
			return upsertConversation(tx, GroupConversationID(g.GroupID), KindGroup, g.Name, c.clock.CurrentTimeMs())
		}); err != nil {
			return err
		}
		rows := []*protocol.GroupQueuedMessage{}
		if err := c.call(ctx, protocol.PollGroup, &protocol.GroupPollRequest{GroupID: g.GroupID}, &rows); err != nil {
			return fmt.Errorf("client: error polling group %s: %w", g.GroupID, err)
		}
		for _, row := range rows {
			if row.FromUserID != c.UserID() {
				if err := c.receiveGroup(ctx, row); err != nil {
					return err
				}
			}
			if err := c.call(ctx, protocol.AckGroup, &protocol.AckDeleteRequest{QueuedMsgID: row.ID}, &protocol.OK{}); err != nil {
				return fmt.Errorf("client: error acking group message: %w", err)
			}
		}
	}
	return nil
}

func (c *Client) receiveDirect(ctx context.Context, row *protocol.QueuedMessage) error {
	conversationID := DirectConversationID(row.FromUserID)
	var events []interface{}
	err := c.db.Run(ctx, "receive direct", func(tx *sqlx.Tx) error {
		events = nil
		done, err := processed(tx, directScope, row.FromUserID, row.ClientMsgID)
		if err != nil || done {
			return err
		}
		plaintext, sessionEvents, err := c.openDirect(tx, row)
		if err != nil {
			return err
		}
		events = append(events, sessionEvents...)
		m := &appMessage{}
		if err := cbor.Unmarshal(plaintext, m); err != nil {
			return &undecryptableError{err}
		}
		applied, err := c.apply(tx, conversationID, row.FromUserID, m)
		if err != nil {
			return err
		}
		events = append(events, applied...)
		return markProcessed(tx, directScope, row.FromUserID, row.ClientMsgID, c.clock.CurrentTimeMs())
	})
	var u *undecryptableError
	if errors.As(err, &u) {
		return c.recordUndecryptable(ctx, directScope, conversationID, row.FromUserID, row.ClientMsgID, row.CreatedAt, u)
	}
	if err != nil {
		return err
	}
	c.emit(events...)
	return nil
}

func (c *Client) receiveGroup(ctx context.Context, row *protocol.GroupQueuedMessage) error {
	conversationID := GroupConversationID(row.GroupID)
	var events []interface{}
	err := c.db.Run(ctx, "receive group", func(tx *sqlx.Tx) error {
		events = nil
		done, err := processed(tx, conversationID, row.FromUserID, row.ClientMsgID)
		if err != nil || done {
			return err
		}
		plaintext, err := c.openGroup(tx, row)
		if err != nil {
			return err
		}
		m := &appMessage{}
		if err := cbor.Unmarshal(plaintext, m); err != nil {
			return &undecryptableError{err}
		}
		if events, err = c.apply(tx, conversationID, row.FromUserID, m); err != nil {
			return err
		}
		return markProcessed(tx, conversationID, row.FromUserID, row.ClientMsgID, c.clock.CurrentTimeMs())
	})
	var u *undecryptableError
	if errors.As(err, &u) {
		return c.recordUndecryptable(ctx, conversationID, conversationID, row.FromUserID, row.ClientMsgID, row.CreatedAt, u)
	}
	if err != nil {
		return err
	}
	c.emit(events...)
	return nil
}

// recordUndecryptable keeps a placeholder for a row that could not be opened so the user sees
// that something arrived.
func (c *Client) recordUndecryptable(ctx context.Context, scope, conversationID, from, clientMsgID string, sentAt int64, cause error) error {
	c.log.Warnf("unable to decrypt %s from %s: %v", clientMsgID, from, cause)
	kind, target, err := parseConversationID(conversationID)
	if err != nil {
		return err
	}
	name := ""
	if kind == KindDirect {
		name = target
	}
	if err := c.db.Run(ctx, "record undecryptable", func(tx *sqlx.Tx) error {
		now := c.clock.CurrentTimeMs()
		if err := upsertConversation(tx, conversationID, kind, name, now); err != nil {
			return err
		}
		if _, err := insertMessage(tx, &Message{
			ConversationID: conversationID,
			ID:             clientMsgID,
			SenderUserID:   from,
			Kind:           KindText,
			Status:         StatusUndecryptable,
			SentAt:         sentAt,
			ReceivedAt:     now,
		}); err != nil {
			return err
		}
		return markProcessed(tx, scope, from, clientMsgID, now)
	}); err != nil {
		return err
	}
	c.emit(&DecryptionFailed{ConversationID: conversationID, FromUserID: from, ClientMsgID: clientMsgID, Err: cause})
	return nil
}

// apply folds one application message from sender into conversationID. Mutations referencing a
// message that is unknown, deleted or owned by someone else are ignored.
func (c *Client) apply(tx *sqlx.Tx, conversationID, from string, m *appMessage) ([]interface{}, error) {
	kind, target, err := parseConversationID(conversationID)
	if err != nil {
		return nil, err
	}
	now := c.clock.CurrentTimeMs()

	if m.Kind == KindSenderKeyDistribution {
		if kind != KindDirect || m.SenderKey == nil || len(m.SenderKey.Key) != 32 {
			c.log.Warnf("ignoring malformed sender key from %s", from)
			return nil, nil
		}
		if err := insertSenderKey(tx, &senderKey{GroupID: m.SenderKey.GroupID, SenderUserID: from, KeyID: m.SenderKey.KeyID, Key: m.SenderKey.Key, CreatedAt: now}); err != nil {
			return nil, err
		}
		return []interface{}{&SenderKeyReceived{GroupID: m.SenderKey.GroupID, SenderUserID: from, KeyID: m.SenderKey.KeyID}}, nil
	}

	name := ""
	if kind == KindDirect {
		name = target
	}
	if err := upsertConversation(tx, conversationID, kind, name, now); err != nil {
		return nil, err
	}

	switch m.Kind {
	case KindText, KindMedia:
		msg := &Message{
			ConversationID: conversationID,
			ID:             m.ID,
			SenderUserID:   from,
			Kind:           m.Kind,
			Body:           m.Body,
			Status:         StatusReceived,
			SentAt:         m.SentAt,
			ReceivedAt:     now,
		}
		if from == c.UserID() {
			msg.Status = StatusSent
		}
		if m.Media != nil {
			if msg.RawMedia, err = cbor.Marshal(m.Media); err != nil {
				return nil, fmt.Errorf("client: error encoding media: %w", err)
			}
		}
		inserted, err := insertMessage(tx, msg)
		if err != nil || !inserted {
			return nil, err
		}
		return []interface{}{&MessageReceived{ConversationID: conversationID, MessageID: m.ID, SenderUserID: from}}, nil
	case KindEdit, KindDelete, KindReactionToggle, KindPinToggle:
	default:
		c.log.Warnf("ignoring message of unknown kind %q from %s", m.Kind, from)
		return nil, nil
	}

	targetMsg, err := getMessage(tx, conversationID, m.TargetID)
	if err != nil {
		return nil, err
	}
	if targetMsg == nil || targetMsg.Deleted {
		c.log.Infof("ignoring %s from %s for missing message %s", m.Kind, from, m.TargetID)
		return nil, nil
	}

	switch m.Kind {
	case KindEdit, KindDelete:
		if targetMsg.SenderUserID != from {
			c.log.Warnf("ignoring %s from %s of a message by %s", m.Kind, from, targetMsg.SenderUserID)
			return nil, nil
		}
		if m.Kind == KindEdit {
			targetMsg.Body = m.Body
			targetMsg.EditedAt = m.SentAt
		} else {
			targetMsg.Deleted = true
			targetMsg.Body = ""
			targetMsg.RawMedia = nil
		}
		if err := updateMessage(tx, targetMsg); err != nil {
			return nil, err
		}
	case KindPinToggle:
		targetMsg.Pinned = !targetMsg.Pinned
		if err := updateMessage(tx, targetMsg); err != nil {
			return nil, err
		}
	case KindReactionToggle:
		if m.Emoji == "" {
			return nil, nil
		}
		if _, err := toggleReaction(tx, &Reaction{ConversationID: conversationID, MessageID: m.TargetID, UserID: from, Emoji: m.Emoji, CreatedAt: now}); err != nil {
			return nil, err
		}
	}
	return []interface{}{&MessageUpdated{ConversationID: conversationID, MessageID: m.TargetID, Kind: m.Kind}}, nil
}
