package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// InsertAction persists a queued offline action.
func (db *DB) InsertAction(a *Action) error {
	queuedAt := a.QueuedAt
	if queuedAt == 0 {
		queuedAt = time.Now().UnixMilli()
	}
	_, err := db.Exec(`
		INSERT INTO actions (id, type, payload, priority, queued_at, retry_count, last_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Type, a.Payload, a.Priority, queuedAt, a.RetryCount, a.LastAttemptAt)
	if err != nil {
		return fmt.Errorf("insert action: %w", err)
	}
	return nil
}

// DeleteAction removes an action by id.
func (db *DB) DeleteAction(id string) error {
	_, err := db.Exec(`DELETE FROM actions WHERE id = ?`, id)
	return err
}

// UpdateActionAttempt records a failed execution attempt.
func (db *DB) UpdateActionAttempt(id string, retryCount int, lastAttemptAt int64) error {
	_, err := db.Exec(`UPDATE actions SET retry_count = ?, last_attempt_at = ? WHERE id = ?`,
		retryCount, lastAttemptAt, id)
	return err
}

// PendingActions returns all queued actions ordered by priority (desc) then
// enqueue time (asc). This is the drain order of the offline queue. rowid
// breaks ties so actions enqueued in the same millisecond drain in insertion
// order.
func (db *DB) PendingActions() ([]Action, error) {
	rows, err := db.Query(`
		SELECT id, type, payload, priority, queued_at, retry_count, last_attempt_at
		FROM actions ORDER BY priority DESC, queued_at ASC, rowid ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var actions []Action
	for rows.Next() {
		var a Action
		if err := rows.Scan(&a.ID, &a.Type, &a.Payload, &a.Priority, &a.QueuedAt, &a.RetryCount, &a.LastAttemptAt); err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

// CountActions returns the number of queued actions.
func (db *DB) CountActions() (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM actions`).Scan(&n)
	return n, err
}

// EvictLowestPriority removes the oldest action in the lowest priority tier
// and returns its id. Returns "" when the queue is empty.
func (db *DB) EvictLowestPriority() (string, error) {
	var id string
	err := db.QueryRow(`
		SELECT id FROM actions
		WHERE priority = (SELECT MIN(priority) FROM actions)
		ORDER BY queued_at ASC, rowid ASC LIMIT 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return id, db.DeleteAction(id)
}

// ClearActions removes every queued action.
func (db *DB) ClearActions() error {
	_, err := db.Exec(`DELETE FROM actions`)
	return err
}
