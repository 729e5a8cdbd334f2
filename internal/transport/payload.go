package transport

// Wire payload shapes, JSON-encoded. The transport itself treats payloads as
// opaque bytes; these types are the contract between peers.

// MessagePayload carries a full message on EventMessageNew.
type MessagePayload struct {
	MessageID      string `json:"message_id"`
	PendingID      string `json:"pending_id,omitempty"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	SenderName     string `json:"sender_name,omitempty"`
	Body           string `json:"body"`
	ContentType    string `json:"content_type"`
	ContentURL     string `json:"content_url,omitempty"`
	RepliedTo      string `json:"replied_to,omitempty"`
	Anonymous      bool   `json:"anonymous,omitempty"`
	CreatedAt      int64  `json:"created_at"`
}

// StatusPayload carries a delivery-status change on EventMessageStatus.
type StatusPayload struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	Status         string `json:"status"` // delivered, read
}

// TypingPayload carries typing presence on EventTyping.
type TypingPayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	UserName       string `json:"user_name,omitempty"`
	Typing         bool   `json:"typing"`
}

// ReadReceiptPayload is broadcast on EventReadReceipt when a user reads a message.
type ReadReceiptPayload struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	ReaderID       string `json:"reader_id"`
}

// HeartbeatPayload is sent on EventHeartbeat to keep a channel warm.
type HeartbeatPayload struct {
	SenderID string `json:"sender_id"`
	SentAt   int64  `json:"sent_at"`
}
