package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// statusRank orders message statuses so updates can never move backwards.
// failed sits between sent and delivered: a send can fail, but once the
// remote reports delivery the failure is moot.
const statusRankCase = `CASE %s
	WHEN 'sending' THEN 0
	WHEN 'sent' THEN 1
	WHEN 'failed' THEN 2
	WHEN 'delivered' THEN 3
	WHEN 'read' THEN 4
	ELSE -1 END`

// InsertMessage writes a new message row and returns the canonical
// (server-assigned) message id and creation timestamp.
func (db *DB) InsertMessage(m *Message) (string, int64, error) {
	msgID := m.MsgID
	if msgID == "" {
		msgID = uuid.NewString()
	}
	createdAt := m.CreatedAt
	if createdAt == 0 {
		createdAt = time.Now().UnixMilli()
	}
	_, err := db.Exec(`
		INSERT INTO messages (conversation_id, msg_id, pending_id, sender_id, sender_name, body, content_type, content_url, replied_to, anonymous, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ConversationID, msgID, m.PendingID, m.SenderID, m.SenderName, m.Body,
		m.ContentType, m.ContentURL, m.RepliedTo, m.Anonymous, m.Status, createdAt)
	if err != nil {
		return "", 0, fmt.Errorf("insert message: %w", err)
	}
	return msgID, createdAt, nil
}

// UpsertMessage inserts or updates a message (idempotent on conversation_id + msg_id).
// The status only moves forward; a stale status in the incoming row is ignored.
func (db *DB) UpsertMessage(m *Message) error {
	createdAt := m.CreatedAt
	if createdAt == 0 {
		createdAt = time.Now().UnixMilli()
	}
	_, err := db.Exec(fmt.Sprintf(`
		INSERT INTO messages (conversation_id, msg_id, pending_id, sender_id, sender_name, body, content_type, content_url, replied_to, anonymous, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, msg_id) DO UPDATE SET
			sender_name = excluded.sender_name,
			body = excluded.body,
			status = CASE WHEN (%s) > (%s) THEN excluded.status ELSE messages.status END`,
		fmt.Sprintf(statusRankCase, "excluded.status"),
		fmt.Sprintf(statusRankCase, "messages.status")),
		m.ConversationID, m.MsgID, m.PendingID, m.SenderID, m.SenderName, m.Body,
		m.ContentType, m.ContentURL, m.RepliedTo, m.Anonymous, m.Status, createdAt)
	return err
}

// UpdateMessageStatus advances a message's status. Regressions are silently
// ignored so late delivered events after a read receipt are no-ops.
func (db *DB) UpdateMessageStatus(conversationID, msgID, status string) error {
	_, err := db.Exec(fmt.Sprintf(`
		UPDATE messages SET status = ?
		WHERE conversation_id = ? AND msg_id = ? AND (%s) > (%s)`,
		fmt.Sprintf(statusRankCase, "?"),
		fmt.Sprintf(statusRankCase, "status")),
		status, conversationID, msgID, status)
	return err
}

// DeleteMessage removes a message row.
func (db *DB) DeleteMessage(conversationID, msgID string) error {
	_, err := db.Exec(`DELETE FROM messages WHERE conversation_id = ? AND msg_id = ?`, conversationID, msgID)
	return err
}

// GetMessage returns a single message or sql.ErrNoRows.
func (db *DB) GetMessage(conversationID, msgID string) (*Message, error) {
	row := db.QueryRow(`
		SELECT id, conversation_id, msg_id, pending_id, sender_id, sender_name, body, content_type, content_url, replied_to, anonymous, status, created_at
		FROM messages WHERE conversation_id = ? AND msg_id = ?`, conversationID, msgID)
	var m Message
	if err := scanMessage(row, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMessages returns messages for a conversation using keyset pagination by created_at.
func (db *DB) ListMessages(conversationID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT id, conversation_id, msg_id, pending_id, sender_id, sender_name, body, content_type, content_url, replied_to, anonymous, status, created_at
		FROM messages
		WHERE conversation_id = ? AND created_at < ?
		ORDER BY created_at DESC
		LIMIT ?`, conversationID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := scanMessage(rows, &m); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(r rowScanner, m *Message) error {
	var pendingID, senderID, senderName, body, contentURL, repliedTo sql.NullString
	if err := r.Scan(&m.ID, &m.ConversationID, &m.MsgID, &pendingID, &senderID, &senderName,
		&body, &m.ContentType, &contentURL, &repliedTo, &m.Anonymous, &m.Status, &m.CreatedAt); err != nil {
		return err
	}
	m.PendingID = pendingID.String
	m.SenderID = senderID.String
	m.SenderName = senderName.String
	m.Body = body.String
	m.ContentURL = contentURL.String
	m.RepliedTo = repliedTo.String
	return nil
}
