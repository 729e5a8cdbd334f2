package store

// Message represents a row in the conversation-scoped message table.
type Message struct {
	ID             int64
	ConversationID string
	MsgID          string
	PendingID      string
	SenderID       string
	SenderName     string
	Body           string
	ContentType    string
	ContentURL     string
	RepliedTo      string
	Anonymous      bool
	Status         string // sending, sent, failed, delivered, read
	CreatedAt      int64
}

// Action represents a persisted offline queue entry.
type Action struct {
	ID            string
	Type          string
	Payload       []byte
	Priority      int
	QueuedAt      int64
	RetryCount    int
	LastAttemptAt int64
}
