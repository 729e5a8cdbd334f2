package delivery

import "time"

// MessageID is a durable, server-assigned message identity.
type MessageID string

// PendingID is the temporary identity of an optimistic message before the
// durable store acknowledges it. The two are distinct types on purpose: a
// pending id is never valid where a durable id is expected.
type PendingID string

// Status is a message delivery status.
type Status string

const (
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusFailed    Status = "failed"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

// rank orders statuses for monotonic transitions. failed sits between sent
// and delivered: a failed send can still turn out delivered, but a delivered
// or read message can never become failed.
func (s Status) rank() int {
	switch s {
	case StatusSending:
		return 0
	case StatusSent:
		return 1
	case StatusFailed:
		return 2
	case StatusDelivered:
		return 3
	case StatusRead:
		return 4
	}
	return -1
}

// ContentType identifies the kind of message content.
type ContentType string

const (
	ContentText  ContentType = "text"
	ContentAudio ContentType = "audio"
	ContentVideo ContentType = "video"
)

// Message is a conversation message tracked through its delivery life cycle.
// The tracker owns it until a terminal status; afterwards it is a read-only
// record for the UI and the cache.
type Message struct {
	ID             MessageID
	PendingID      PendingID
	ConversationID string
	SenderID       string
	SenderName     string
	Content        string
	ContentType    ContentType
	ContentURL     string
	RepliedTo      MessageID
	Anonymous      bool
	Status         Status
	CreatedAt      time.Time
}

// SendRequest describes an outbound message before it is tracked.
type SendRequest struct {
	ConversationID string
	SenderID       string
	SenderName     string
	Content        string
	ContentType    ContentType
	ContentURL     string
	RepliedTo      MessageID
	Anonymous      bool
}

// StatusChange is the bus payload for message.sent, message.send_failed and
// message.status events.
type StatusChange struct {
	ConversationID string
	PendingID      PendingID
	MessageID      MessageID
	From           Status
	To             Status
	Err            string
}
