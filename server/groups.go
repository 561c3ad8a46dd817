package server

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/meow-io/go-relay/protocol"
	"github.com/meow-io/go-relay/relayerr"
	"golang.org/x/exp/slices"
)

type membership struct {
	Role     string `db:"role"`
	JoinedAt int64  `db:"joined_at"`
}

func dedupe(userIDs []string) []string {
	out := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		if !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

func (s *Server) membership(tx *sqlx.Tx, groupID, userID string) (*membership, error) {
	m := &membership{}
	if err := tx.Get(m, "SELECT role, joined_at FROM group_members WHERE group_id = $1 AND user_id = $2", groupID, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("server: error getting membership: %w", err)
	}
	return m, nil
}

// requireMember fails with FORBIDDEN for unknown groups as well, so non-members learn nothing.
func (s *Server) requireMember(tx *sqlx.Tx, groupID, userID string) (*membership, error) {
	m, err := s.membership(tx, groupID, userID)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, relayerr.Forbidden("not a member of this group")
	}
	return m, nil
}

func (s *Server) requireUsers(tx *sqlx.Tx, userIDs []string) error {
	missing, err := missingUsers(tx, userIDs)
	if err != nil {
		return err
	}
	if len(missing) != 0 {
		return relayerr.InvalidArgument("unknown users: %s", strings.Join(missing, ", "))
	}
	return nil
}

func (s *Server) insertMember(tx *sqlx.Tx, groupID, userID, role string, joinedAt int64) error {
	if _, err := tx.Exec("INSERT INTO group_members (group_id, user_id, role, joined_at) VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING", groupID, userID, role, joinedAt); err != nil {
		return fmt.Errorf("server: error inserting group member: %w", err)
	}
	return nil
}

func (s *Server) createGroup(tx *sqlx.Tx, c *caller, req *protocol.CreateGroupRequest) (*protocol.CreateGroupResponse, error) {
	name := strings.TrimSpace(req.Name)
	if l := utf8.RuneCountInString(name); l < 1 || l > protocol.MaxGroupNameLength {
		return nil, relayerr.InvalidArgument("name must be between 1 and %d characters", protocol.MaxGroupNameLength)
	}
	if len(req.MemberUserIDs) > protocol.MaxGroupMembers {
		return nil, relayerr.InvalidArgument("at most %d members may be given", protocol.MaxGroupMembers)
	}
	members := dedupe(append([]string{c.UserID}, req.MemberUserIDs...))
	if err := s.requireUsers(tx, members); err != nil {
		return nil, err
	}

	groupID := uuid.NewString()
	now := s.clock.CurrentTimeMs()
	if _, err := tx.Exec("INSERT INTO groups (id, name, created_by_user_id, created_at) VALUES ($1, $2, $3, $4)", groupID, name, c.UserID, now); err != nil {
		return nil, fmt.Errorf("server: error inserting group: %w", err)
	}
	for _, userID := range members {
		role := protocol.RoleMember
		if userID == c.UserID {
			role = protocol.RoleOwner
		}
		if err := s.insertMember(tx, groupID, userID, role, now); err != nil {
			return nil, err
		}
	}
	s.log.Debugf("created group %s with %d members", groupID, len(members))
	return &protocol.CreateGroupResponse{GroupID: groupID}, nil
}

func (s *Server) addMembers(tx *sqlx.Tx, c *caller, req *protocol.AddMembersRequest) (*protocol.OK, error) {
	if len(req.MemberUserIDs) < 1 || len(req.MemberUserIDs) > protocol.MaxGroupMembers {
		return nil, relayerr.InvalidArgument("expected between 1 and %d members", protocol.MaxGroupMembers)
	}
	m, err := s.requireMember(tx, req.GroupID, c.UserID)
	if err != nil {
		return nil, err
	}
	if m.Role != protocol.RoleOwner && m.Role != protocol.RoleAdmin {
		return nil, relayerr.Forbidden("only owners and admins may add members")
	}
	members := dedupe(req.MemberUserIDs)
	if err := s.requireUsers(tx, members); err != nil {
		return nil, err
	}
	now := s.clock.CurrentTimeMs()
	for _, userID := range members {
		if err := s.insertMember(tx, req.GroupID, userID, protocol.RoleMember, now); err != nil {
			return nil, err
		}
	}
	return &protocol.OK{OK: true}, nil
}

func (s *Server) postGroup(tx *sqlx.Tx, c *caller, req *protocol.PostRequest) (*protocol.Queued, error) {
	if _, err := s.requireMember(tx, req.GroupID, c.UserID); err != nil {
		return nil, err
	}
	if err := validateEnvelopeFields(req.Ciphertext, req.Header, req.ClientMsgID); err != nil {
		return nil, err
	}
	if _, err := tx.Exec(`INSERT INTO group_message_queue (id, group_id, from_user_id, ciphertext, header, client_msg_id, created_at, queued_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8) ON CONFLICT DO NOTHING`,
		uuid.NewString(), req.GroupID, c.UserID, req.Ciphertext, req.Header, req.ClientMsgID, req.CreatedAt, s.clock.CurrentTimeMs()); err != nil {
		return nil, fmt.Errorf("server: error queueing group message: %w", err)
	}
	var id string
	if err := tx.Get(&id, "SELECT id FROM group_message_queue WHERE group_id = $1 AND from_user_id = $2 AND client_msg_id = $3", req.GroupID, c.UserID, req.ClientMsgID); err != nil {
		return nil, fmt.Errorf("server: error reading queued group message id: %w", err)
	}
	return &protocol.Queued{QueuedMsgID: id}, nil
}

// pollGroup returns the rows queued since the caller joined that it has not acknowledged yet.
func (s *Server) pollGroup(tx *sqlx.Tx, c *caller, req *protocol.GroupPollRequest) ([]*protocol.GroupQueuedMessage, error) {
	m, err := s.requireMember(tx, req.GroupID, c.UserID)
	if err != nil {
		return nil, err
	}
	messages := []*protocol.GroupQueuedMessage{}
	if err := tx.Select(&messages, `SELECT q.id, q.group_id, q.from_user_id, q.ciphertext, q.header, q.client_msg_id, q.created_at
		FROM group_message_queue q
		WHERE q.group_id = $1 AND q.created_at > $2 AND q.queued_at >= $3
		AND NOT EXISTS (SELECT 1 FROM group_receipts r WHERE r.message_id = q.id AND r.user_id = $4)
		ORDER BY q.created_at, q.id`, req.GroupID, since(req.Since), m.JoinedAt, c.UserID); err != nil {
		return nil, fmt.Errorf("server: error polling group messages: %w", err)
	}
	return messages, nil
}

// ackGroup records the caller's receipt and removes the row once every member that could see it
// has acknowledged it.
func (s *Server) ackGroup(tx *sqlx.Tx, c *caller, req *protocol.AckDeleteRequest) (*protocol.OK, error) {
	var row struct {
		GroupID  string `db:"group_id"`
		QueuedAt int64  `db:"queued_at"`
	}
	if err := tx.Get(&row, "SELECT group_id, queued_at FROM group_message_queue WHERE id = $1", req.QueuedMsgID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &protocol.OK{OK: true}, nil
		}
		return nil, fmt.Errorf("server: error getting group message: %w", err)
	}
	m, err := s.requireMember(tx, row.GroupID, c.UserID)
	if err != nil {
		return nil, err
	}
	if m.JoinedAt > row.QueuedAt {
		return &protocol.OK{OK: true}, nil
	}
	if _, err := tx.Exec("INSERT INTO group_receipts (message_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING", req.QueuedMsgID, c.UserID); err != nil {
		return nil, fmt.Errorf("server: error inserting receipt: %w", err)
	}

	res, err := tx.Exec(`DELETE FROM group_message_queue WHERE id = $1 AND NOT EXISTS (
			SELECT 1 FROM group_members m WHERE m.group_id = $2 AND m.joined_at <= $3
			AND NOT EXISTS (SELECT 1 FROM group_receipts r WHERE r.message_id = $1 AND r.user_id = m.user_id)
		)`, req.QueuedMsgID, row.GroupID, row.QueuedAt)
	if err != nil {
		return nil, fmt.Errorf("server: error deleting group message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("server: error deleting group message: %w", err)
	}
	if n == 1 {
		if _, err := tx.Exec("DELETE FROM group_receipts WHERE message_id = $1", req.QueuedMsgID); err != nil {
			return nil, fmt.Errorf("server: error deleting receipts: %w", err)
		}
	}
	return &protocol.OK{OK: true}, nil
}

func (s *Server) listMine(tx *sqlx.Tx, c *caller, _ *protocol.ListMineRequest) ([]*protocol.GroupSummary, error) {
	groups := []*protocol.GroupSummary{}
	if err := tx.Select(&groups, `SELECT g.id, g.name, g.created_at, g.created_by_user_id, m.role
		FROM groups g JOIN group_members m ON m.group_id = g.id
		WHERE m.user_id = $1 ORDER BY g.created_at, g.id`, c.UserID); err != nil {
		return nil, fmt.Errorf("server: error listing groups: %w", err)
	}
	return groups, nil
}

func (s *Server) getMembers(tx *sqlx.Tx, c *caller, req *protocol.GetMembersRequest) ([]*protocol.Member, error) {
	if _, err := s.requireMember(tx, req.GroupID, c.UserID); err != nil {
		return nil, err
	}
	members := []*protocol.Member{}
	if err := tx.Select(&members, "SELECT user_id, role, joined_at FROM group_members WHERE group_id = $1 ORDER BY joined_at, user_id", req.GroupID); err != nil {
		return nil, fmt.Errorf("server: error getting members: %w", err)
	}
	return members, nil
}
