package client

// MessageReceived is sent when a new text or media message lands in a conversation.
type MessageReceived struct {
	ConversationID string
	MessageID      string
	SenderUserID   string
}

// MessageUpdated is sent after an edit, delete, pin or reaction changed a stored message.
type MessageUpdated struct {
	ConversationID string
	MessageID      string
	Kind           string
}

type DecryptionFailed struct {
	ConversationID string
	FromUserID     string
	ClientMsgID    string
	Err            error
}

// IdentityMismatch warns that a peer presented a session identity key different from the one
// recorded earlier. The new key is recorded and delivery continues.
type IdentityMismatch struct {
	UserID      string
	PreviousKey []byte
	CurrentKey  []byte
}

type SessionEstablished struct {
	UserID    string
	Initiator bool
}

type SenderKeyReceived struct {
	GroupID      string
	SenderUserID string
	KeyID        string
}
