package daemon

import (
	"context"
	"time"

	"github.com/lmoretti/chatwire/internal/delivery"
	"github.com/lmoretti/chatwire/internal/store"
)

// storeSubmitter adapts the sqlite store to the tracker's Submitter
// interface. The messages table is the durable side of the send path; the
// canonical id and timestamp it assigns flow back into the tracker.
type storeSubmitter struct {
	db *store.DB
}

func (s *storeSubmitter) InsertMessage(_ context.Context, m *delivery.Message) (delivery.MessageID, time.Time, error) {
	msgID, createdAt, err := s.db.InsertMessage(&store.Message{
		ConversationID: m.ConversationID,
		PendingID:      string(m.PendingID),
		SenderID:       m.SenderID,
		SenderName:     m.SenderName,
		Body:           m.Content,
		ContentType:    string(m.ContentType),
		ContentURL:     m.ContentURL,
		RepliedTo:      string(m.RepliedTo),
		Anonymous:      m.Anonymous,
		Status:         string(delivery.StatusSent),
	})
	if err != nil {
		return "", time.Time{}, err
	}
	return delivery.MessageID(msgID), time.UnixMilli(createdAt), nil
}

func (s *storeSubmitter) UpdateStatus(_ context.Context, conversationID string, id delivery.MessageID, status delivery.Status) error {
	return s.db.UpdateMessageStatus(conversationID, string(id), string(status))
}
