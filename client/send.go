package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/meow-io/go-relay/ids"
)

var ErrNoSuchMessage = errors.New("client: no such message")

func (c *Client) SendText(ctx context.Context, conversationID, body string) (string, error) {
	if body == "" {
		return "", errors.New("client: empty message")
	}
	return c.send(ctx, conversationID, &appMessage{Kind: KindText, Body: body})
}

func (c *Client) SendMedia(ctx context.Context, conversationID string, media *Media) (string, error) {
	if media == nil || media.URL == "" {
		return "", errors.New("client: media requires a url")
	}
	return c.send(ctx, conversationID, &appMessage{Kind: KindMedia, Media: media, Body: media.Caption})
}

// Edit replaces the body of one of the caller's own messages.
func (c *Client) Edit(ctx context.Context, conversationID, messageID, body string) error {
	if err := c.requireMessage(ctx, conversationID, messageID, true); err != nil {
		return err
	}
	_, err := c.send(ctx, conversationID, &appMessage{Kind: KindEdit, TargetID: messageID, Body: body})
	return err
}

func (c *Client) Delete(ctx context.Context, conversationID, messageID string) error {
	if err := c.requireMessage(ctx, conversationID, messageID, true); err != nil {
		return err
	}
	_, err := c.send(ctx, conversationID, &appMessage{Kind: KindDelete, TargetID: messageID})
	return err
}

func (c *Client) ToggleReaction(ctx context.Context, conversationID, messageID, emoji string) error {
	if emoji == "" {
		return errors.New("client: empty reaction")
	}
	if err := c.requireMessage(ctx, conversationID, messageID, false); err != nil {
		return err
	}
	_, err := c.send(ctx, conversationID, &appMessage{Kind: KindReactionToggle, TargetID: messageID, Emoji: emoji})
	return err
}

func (c *Client) TogglePin(ctx context.Context, conversationID, messageID string) error {
	if err := c.requireMessage(ctx, conversationID, messageID, false); err != nil {
		return err
	}
	_, err := c.send(ctx, conversationID, &appMessage{Kind: KindPinToggle, TargetID: messageID})
	return err
}

func (c *Client) requireMessage(ctx context.Context, conversationID, messageID string, own bool) error {
	return c.db.RunReadOnly(ctx, "check message", func(tx *sqlx.Tx) error {
		m, err := getMessage(tx, conversationID, messageID)
		if err != nil {
			return err
		}
		if m == nil || m.Deleted || (own && m.SenderUserID != c.UserID()) {
			return fmt.Errorf("%w: %s", ErrNoSuchMessage, messageID)
		}
		return nil
	})
}

// send delivers m to the conversation and applies it to local state once the relay accepted it.
func (c *Client) send(ctx context.Context, conversationID string, m *appMessage) (string, error) {
	kind, target, err := parseConversationID(conversationID)
	if err != nil {
		return "", err
	}
	m.ID = ids.NewID().String()
	m.SentAt = c.nextTimestamp()

	switch kind {
	case KindDirect:
		err = c.sendDirect(ctx, target, m)
	case KindGroup:
		err = c.sendGroup(ctx, target, m)
	}
	if err != nil {
		return "", err
	}

	var events []interface{}
	if err := c.db.Run(ctx, "apply own message", func(tx *sqlx.Tx) error {
		var err error
		events, err = c.apply(tx, conversationID, c.UserID(), m)
		return err
	}); err != nil {
		return "", err
	}
	c.emit(events...)
	return m.ID, nil
}

func (c *Client) Conversations(ctx context.Context) ([]*Conversation, error) {
	conversations := []*Conversation{}
	if err := c.db.RunReadOnly(ctx, "list conversations", func(tx *sqlx.Tx) error {
		return tx.Select(&conversations, "SELECT id, kind, name, created_at, updated_at FROM conversations ORDER BY updated_at DESC, id")
	}); err != nil {
		return nil, fmt.Errorf("client: error listing conversations: %w", err)
	}
	return conversations, nil
}

// Messages returns the conversation's messages oldest first.
func (c *Client) Messages(ctx context.Context, conversationID string) ([]*Message, error) {
	messages := []*Message{}
	if err := c.db.RunReadOnly(ctx, "list messages", func(tx *sqlx.Tx) error {
		if err := tx.Select(&messages, "SELECT * FROM messages WHERE conversation_id = $1 ORDER BY sent_at, received_at, id", conversationID); err != nil {
			return fmt.Errorf("client: error listing messages: %w", err)
		}
		for _, m := range messages {
			if err := decodeMedia(m); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return messages, nil
}

func (c *Client) Message(ctx context.Context, conversationID, messageID string) (*Message, error) {
	var m *Message
	if err := c.db.RunReadOnly(ctx, "get message", func(tx *sqlx.Tx) error {
		var err error
		if m, err = getMessage(tx, conversationID, messageID); err != nil || m == nil {
			return err
		}
		return decodeMedia(m)
	}); err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchMessage, messageID)
	}
	return m, nil
}

func (c *Client) Reactions(ctx context.Context, conversationID, messageID string) ([]*Reaction, error) {
	reactions := []*Reaction{}
	if err := c.db.RunReadOnly(ctx, "list reactions", func(tx *sqlx.Tx) error {
		return tx.Select(&reactions, "SELECT conversation_id, message_id, user_id, emoji, created_at FROM reactions WHERE conversation_id = $1 AND message_id = $2 ORDER BY created_at, user_id, emoji", conversationID, messageID)
	}); err != nil {
		return nil, fmt.Errorf("client: error listing reactions: %w", err)
	}
	return reactions, nil
}
