package queue

import "time"

// ActionType identifies what a queued action does when replayed.
type ActionType string

const (
	ActionSendMessage       ActionType = "send_message"
	ActionUpdateMessage     ActionType = "update_message"
	ActionDeleteMessage     ActionType = "delete_message"
	ActionJoinConversation  ActionType = "join_conversation"
	ActionLeaveConversation ActionType = "leave_conversation"
)

// Action is a unit of work persisted while it cannot be completed. Payload
// is opaque to the queue; the registered executor for the type decodes it.
type Action struct {
	ID            string
	Type          ActionType
	Payload       []byte
	Priority      int // higher = more urgent
	QueuedAt      time.Time
	RetryCount    int
	LastAttemptAt time.Time
}

// Dropped is the bus payload for queue.action_dropped events, reporting an
// action removed after exhausting its retries.
type Dropped struct {
	ID   string
	Type ActionType
}

// Result summarizes one drain pass.
type Result struct {
	Executed int
	Failed   int
	Skipped  int
	Dropped  int
}
