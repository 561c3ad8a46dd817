package client

import (
	"encoding/base64"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

const (
	KindText                  = "text"
	KindMedia                 = "media"
	KindEdit                  = "edit"
	KindDelete                = "delete"
	KindReactionToggle        = "reaction-toggle"
	KindPinToggle             = "pin-toggle"
	KindSenderKeyDistribution = "sender-key-distribution"
)

const (
	StatusSent          = "sent"
	StatusReceived      = "received"
	StatusUndecryptable = "unable to decrypt message"
)

// Media references an attachment stored outside the relay.
type Media struct {
	MimeType string `cbor:"mime_type"`
	URL      string `cbor:"url"`
	Name     string `cbor:"name,omitempty"`
	Size     int64  `cbor:"size,omitempty"`
	Key      []byte `cbor:"key,omitempty"`
	Caption  string `cbor:"caption,omitempty"`
}

type senderKeyDistribution struct {
	GroupID string `cbor:"group_id"`
	KeyID   string `cbor:"key_id"`
	Key     []byte `cbor:"key"`
}

// appMessage is the plaintext carried inside every direct and group ciphertext.
type appMessage struct {
	Kind      string                 `cbor:"kind"`
	ID        string                 `cbor:"id"`
	Body      string                 `cbor:"body,omitempty"`
	TargetID  string                 `cbor:"target_id,omitempty"`
	Emoji     string                 `cbor:"emoji,omitempty"`
	Media     *Media                 `cbor:"media,omitempty"`
	SentAt    int64                  `cbor:"sent_at"`
	SenderKey *senderKeyDistribution `cbor:"sender_key,omitempty"`
}

// preKeyHeader lets the responder derive the initiator's session before any reply.
type preKeyHeader struct {
	IdentityKey     []byte  `cbor:"identity_key"`
	SessionKey      []byte  `cbor:"session_key"`
	SessionKeySig   []byte  `cbor:"session_key_sig"`
	EphemeralKey    []byte  `cbor:"ephemeral_key"`
	SignedPreKeyID  uint32  `cbor:"signed_prekey_id"`
	OneTimePreKeyID *uint32 `cbor:"one_time_prekey_id,omitempty"`
}

type directHeader struct {
	SessionID []byte        `cbor:"session_id"`
	DH        []byte        `cbor:"dh"`
	N         uint32        `cbor:"n"`
	PN        uint32        `cbor:"pn"`
	PreKey    *preKeyHeader `cbor:"prekey,omitempty"`
}

type groupHeader struct {
	SenderKeyID string `cbor:"sender_key_id"`
}

// encodeWire cbor encodes v into the base64url text carried in relay headers.
func encodeWire(v interface{}) (string, error) {
	b, err := cbor.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("client: error encoding: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func decodeWire(s string, v interface{}) error {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return fmt.Errorf("client: invalid base64url: %w", err)
	}
	if err := cbor.Unmarshal(b, v); err != nil {
		return fmt.Errorf("client: error decoding: %w", err)
	}
	return nil
}
