package server

import (
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/meow-io/go-relay/protocol"
	"github.com/meow-io/go-relay/relayerr"
)

const (
	maxClientMsgIDLength = 128
	maxCiphertextLength  = 1 << 20
	maxHeaderLength      = 1 << 14
)

func validateEnvelopeFields(ciphertext, header, clientMsgID string) error {
	if len(clientMsgID) < protocol.MinClientMsgIDLength || len(clientMsgID) > maxClientMsgIDLength {
		return relayerr.InvalidArgument("clientMsgId must be between %d and %d characters", protocol.MinClientMsgIDLength, maxClientMsgIDLength)
	}
	if ciphertext == "" || len(ciphertext) > maxCiphertextLength {
		return relayerr.InvalidArgument("ciphertext must be between 1 and %d bytes", maxCiphertextLength)
	}
	if len(header) > maxHeaderLength {
		return relayerr.InvalidArgument("header must be at most %d bytes", maxHeaderLength)
	}
	return nil
}

func since(s *int64) int64 {
	if s == nil {
		return math.MinInt64
	}
	return *s
}

func (s *Server) sendMessage(tx *sqlx.Tx, c *caller, req *protocol.SendRequest) (*protocol.Queued, error) {
	if err := validateEnvelopeFields(req.Ciphertext, req.Header, req.ClientMsgID); err != nil {
		return nil, err
	}
	to, err := s.user(tx, req.ToUserID)
	if err != nil {
		return nil, err
	}
	if to == nil {
		return nil, relayerr.InvalidArgument("unknown recipient")
	}

	if _, err := tx.Exec(`INSERT INTO message_queue (id, to_user_id, from_user_id, ciphertext, header, client_msg_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7) ON CONFLICT DO NOTHING`,
		uuid.NewString(), req.ToUserID, c.UserID, req.Ciphertext, req.Header, req.ClientMsgID, req.CreatedAt); err != nil {
		return nil, fmt.Errorf("server: error queueing message: %w", err)
	}
	var id string
	if err := tx.Get(&id, "SELECT id FROM message_queue WHERE to_user_id = $1 AND from_user_id = $2 AND client_msg_id = $3", req.ToUserID, c.UserID, req.ClientMsgID); err != nil {
		return nil, fmt.Errorf("server: error reading queued message id: %w", err)
	}
	return &protocol.Queued{QueuedMsgID: id}, nil
}

func (s *Server) pollMessages(tx *sqlx.Tx, c *caller, req *protocol.PollRequest) ([]*protocol.QueuedMessage, error) {
	messages := []*protocol.QueuedMessage{}
	if err := tx.Select(&messages, "SELECT * FROM message_queue WHERE to_user_id = $1 AND created_at > $2 ORDER BY created_at, id", c.UserID, since(req.Since)); err != nil {
		return nil, fmt.Errorf("server: error polling messages: %w", err)
	}
	return messages, nil
}

func (s *Server) ackMessage(tx *sqlx.Tx, c *caller, req *protocol.AckDeleteRequest) (*protocol.OK, error) {
	if _, err := tx.Exec("DELETE FROM message_queue WHERE id = $1 AND to_user_id = $2", req.QueuedMsgID, c.UserID); err != nil {
		return nil, fmt.Errorf("server: error deleting message: %w", err)
	}
	return &protocol.OK{OK: true}, nil
}
