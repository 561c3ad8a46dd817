// Package protocol holds the closed request and response types of every relay procedure. Each
// payload is a fixed struct so that its canonical form is unambiguous on both ends of the wire.
package protocol

import "encoding/json"

type Procedure string

const (
	RegisterBundle Procedure = "identity.registerBundle"
	GetBundle      Procedure = "identity.getBundle"
	PreKeyCount    Procedure = "identity.preKeyCount"
	SendMessage    Procedure = "message.send"
	PollMessages   Procedure = "message.poll"
	AckMessage     Procedure = "message.ackDelete"
	CreateGroup    Procedure = "group.create"
	AddMembers     Procedure = "group.addMembers"
	PostGroup      Procedure = "group.post"
	PollGroup      Procedure = "group.poll"
	AckGroup       Procedure = "group.ackDelete"
	ListMyGroups   Procedure = "group.listMine"
	GetMembers     Procedure = "group.getMembers"
)

var Procedures = []Procedure{
	RegisterBundle, GetBundle, PreKeyCount,
	SendMessage, PollMessages, AckMessage,
	CreateGroup, AddMembers, PostGroup, PollGroup, AckGroup, ListMyGroups, GetMembers,
}

const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = "member"
)

const (
	MinNonceLength       = 12
	MinClientMsgIDLength = 4
	MaxOneTimePreKeys    = 100
	MaxGroupNameLength   = 100
	MaxGroupMembers      = 128
)

// Envelope authenticates a single call. IssuedAt is unix milliseconds and, when set, is part of the
// signed string.
type Envelope struct {
	UserID            string `json:"userId"`
	IdentityPublicKey string `json:"identityPublicKey"`
	Nonce             string `json:"nonce"`
	Signature         string `json:"signature"`
	IssuedAt          *int64 `json:"issuedAt,omitempty"`
}

// Call is the transport framing of one procedure invocation.
type Call struct {
	Auth    *Envelope       `json:"auth"`
	Payload json.RawMessage `json:"payload"`
}

type OK struct {
	OK bool `json:"ok"`
}

type SignedPreKey struct {
	KeyID     uint32 `json:"keyId"`
	PublicKey string `json:"publicKey"`
	Signature string `json:"signature"`
}

type PreKey struct {
	KeyID     uint32 `json:"keyId"`
	PublicKey string `json:"publicKey"`
}

type RegisterBundleRequest struct {
	SessionIdentityPublicKey string       `json:"sessionIdentityPublicKey"`
	RegistrationID           uint32       `json:"registrationId"`
	SignedPreKey             SignedPreKey `json:"signedPreKey"`
	OneTimePreKeys           []PreKey     `json:"oneTimePreKeys"`
}

type GetBundleRequest struct {
	UserID string `json:"userId"`
}

type Bundle struct {
	UserID                   string       `json:"userId"`
	IdentityPublicKey        string       `json:"identityPublicKey"`
	RegistrationID           uint32       `json:"registrationId"`
	SessionIdentityPublicKey string       `json:"sessionIdentityPublicKey"`
	SignedPreKey             SignedPreKey `json:"signedPreKey"`
	OneTimePreKey            *PreKey      `json:"oneTimePreKey"`
}

type PreKeyCountRequest struct{}

type PreKeyCountResponse struct {
	Count int `json:"count"`
}

type SendRequest struct {
	ToUserID    string `json:"toUserId"`
	Ciphertext  string `json:"ciphertext"`
	Header      string `json:"header"`
	ClientMsgID string `json:"clientMsgId"`
	CreatedAt   int64  `json:"createdAt"`
}

type Queued struct {
	QueuedMsgID string `json:"queuedMsgId"`
}

type PollRequest struct {
	Since *int64 `json:"since,omitempty"`
}

type QueuedMessage struct {
	ID          string `json:"id" db:"id"`
	ToUserID    string `json:"toUserId" db:"to_user_id"`
	FromUserID  string `json:"fromUserId" db:"from_user_id"`
	Ciphertext  string `json:"ciphertext" db:"ciphertext"`
	Header      string `json:"header" db:"header"`
	ClientMsgID string `json:"clientMsgId" db:"client_msg_id"`
	CreatedAt   int64  `json:"createdAt" db:"created_at"`
}

type AckDeleteRequest struct {
	QueuedMsgID string `json:"queuedMsgId"`
}

type CreateGroupRequest struct {
	Name          string   `json:"name"`
	MemberUserIDs []string `json:"memberUserIds"`
}

type CreateGroupResponse struct {
	GroupID string `json:"groupId"`
}

type AddMembersRequest struct {
	GroupID       string   `json:"groupId"`
	MemberUserIDs []string `json:"memberUserIds"`
}

type PostRequest struct {
	GroupID     string `json:"groupId"`
	Ciphertext  string `json:"ciphertext"`
	Header      string `json:"header"`
	ClientMsgID string `json:"clientMsgId"`
	CreatedAt   int64  `json:"createdAt"`
}

type GroupPollRequest struct {
	GroupID string `json:"groupId"`
	Since   *int64 `json:"since,omitempty"`
}

type GroupQueuedMessage struct {
	ID          string `json:"id" db:"id"`
	GroupID     string `json:"groupId" db:"group_id"`
	FromUserID  string `json:"fromUserId" db:"from_user_id"`
	Ciphertext  string `json:"ciphertext" db:"ciphertext"`
	Header      string `json:"header" db:"header"`
	ClientMsgID string `json:"clientMsgId" db:"client_msg_id"`
	CreatedAt   int64  `json:"createdAt" db:"created_at"`
}

type ListMineRequest struct{}

type GroupSummary struct {
	GroupID         string `json:"groupId" db:"id"`
	Name            string `json:"name" db:"name"`
	CreatedAt       int64  `json:"createdAt" db:"created_at"`
	CreatedByUserID string `json:"createdByUserId" db:"created_by_user_id"`
	Role            string `json:"role" db:"role"`
}

type GetMembersRequest struct {
	GroupID string `json:"groupId"`
}

type Member struct {
	UserID   string `json:"userId" db:"user_id"`
	Role     string `json:"role" db:"role"`
	JoinedAt int64  `json:"joinedAt" db:"joined_at"`
}
