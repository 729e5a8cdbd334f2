package store

import (
	"path/filepath"
	"testing"
	"time"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateAppliesOnFreshDB(t *testing.T) {
	db := testDB(t)

	// testDB already ran Migrate, so run it again to check idempotency.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 1 {
		t.Errorf("version = %d, want 1", result.Version)
	}
}

func TestInsertMessageAssignsID(t *testing.T) {
	db := testDB(t)

	id, createdAt, err := db.InsertMessage(&Message{
		ConversationID: "c1",
		PendingID:      "tmp-1",
		SenderID:       "u1",
		SenderName:     "Alice",
		Body:           "hello",
		ContentType:    "text",
		Status:         "sent",
	})
	if err != nil {
		t.Fatal(err)
	}
	if id == "" {
		t.Error("InsertMessage returned empty id")
	}
	if createdAt == 0 {
		t.Error("InsertMessage returned zero timestamp")
	}

	got, err := db.GetMessage("c1", id)
	if err != nil {
		t.Fatal(err)
	}
	if got.Body != "hello" || got.PendingID != "tmp-1" {
		t.Errorf("row = %+v, want body=hello pending_id=tmp-1", got)
	}
}

func TestUpdateMessageStatusMonotonic(t *testing.T) {
	db := testDB(t)

	id, _, err := db.InsertMessage(&Message{ConversationID: "c1", Body: "x", ContentType: "text", Status: "sent"})
	if err != nil {
		t.Fatal(err)
	}

	// sent -> read skips delivered; a late delivered must not regress it.
	if err := db.UpdateMessageStatus("c1", id, "read"); err != nil {
		t.Fatal(err)
	}
	if err := db.UpdateMessageStatus("c1", id, "delivered"); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetMessage("c1", id)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "read" {
		t.Errorf("status = %q, want read (delivered after read must be a no-op)", got.Status)
	}
}

func TestUpsertMessageKeepsForwardStatus(t *testing.T) {
	db := testDB(t)

	m := &Message{ConversationID: "c1", MsgID: "m1", Body: "x", ContentType: "text", Status: "delivered", CreatedAt: 1000}
	if err := db.UpsertMessage(m); err != nil {
		t.Fatal(err)
	}

	// Replaying the same message with an older status must not move it back.
	m.Status = "sent"
	if err := db.UpsertMessage(m); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetMessage("c1", "m1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "delivered" {
		t.Errorf("status = %q, want delivered", got.Status)
	}
}

func TestListMessagesPagination(t *testing.T) {
	db := testDB(t)

	for i := 0; i < 5; i++ {
		err := db.UpsertMessage(&Message{
			ConversationID: "c1",
			MsgID:          string(rune('a' + i)),
			Body:           "msg",
			ContentType:    "text",
			Status:         "sent",
			CreatedAt:      int64(1000 + i),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := db.ListMessages("c1", 0, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	if msgs[0].CreatedAt != 1004 {
		t.Errorf("first message created_at = %d, want 1004 (newest first)", msgs[0].CreatedAt)
	}

	older, err := db.ListMessages("c1", msgs[len(msgs)-1].CreatedAt, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(older) != 2 {
		t.Errorf("got %d older messages, want 2", len(older))
	}
}

func TestPendingActionsOrder(t *testing.T) {
	db := testDB(t)

	entries := []Action{
		{ID: "low-old", Type: "send_message", Priority: 1, QueuedAt: 100},
		{ID: "high", Type: "send_message", Priority: 5, QueuedAt: 300},
		{ID: "low-new", Type: "send_message", Priority: 1, QueuedAt: 200},
	}
	for i := range entries {
		if err := db.InsertAction(&entries[i]); err != nil {
			t.Fatal(err)
		}
	}

	actions, err := db.PendingActions()
	if err != nil {
		t.Fatal(err)
	}
	wantOrder := []string{"high", "low-old", "low-new"}
	if len(actions) != len(wantOrder) {
		t.Fatalf("got %d actions, want %d", len(actions), len(wantOrder))
	}
	for i, want := range wantOrder {
		if actions[i].ID != want {
			t.Errorf("actions[%d] = %s, want %s", i, actions[i].ID, want)
		}
	}
}

// TestPendingActionsSameMillisecond pins the tie-break: equal priority and an
// identical queued_at millisecond must still drain in insertion order.
func TestPendingActionsSameMillisecond(t *testing.T) {
	db := testDB(t)

	ids := []string{"first", "second", "third"}
	for _, id := range ids {
		if err := db.InsertAction(&Action{ID: id, Type: "send_message", Priority: 1, QueuedAt: 100}); err != nil {
			t.Fatal(err)
		}
	}

	actions, err := db.PendingActions()
	if err != nil {
		t.Fatal(err)
	}
	if len(actions) != len(ids) {
		t.Fatalf("got %d actions, want %d", len(actions), len(ids))
	}
	for i, want := range ids {
		if actions[i].ID != want {
			t.Errorf("actions[%d] = %s, want %s", i, actions[i].ID, want)
		}
	}
}

func TestEvictLowestPriority(t *testing.T) {
	db := testDB(t)

	entries := []Action{
		{ID: "keep-high", Priority: 5, QueuedAt: 100, Type: "send_message"},
		{ID: "evict-me", Priority: 1, QueuedAt: 100, Type: "send_message"},
		{ID: "keep-low-newer", Priority: 1, QueuedAt: 200, Type: "send_message"},
	}
	for i := range entries {
		if err := db.InsertAction(&entries[i]); err != nil {
			t.Fatal(err)
		}
	}

	id, err := db.EvictLowestPriority()
	if err != nil {
		t.Fatal(err)
	}
	if id != "evict-me" {
		t.Errorf("evicted %q, want evict-me (oldest in lowest tier)", id)
	}

	n, err := db.CountActions()
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("count = %d, want 2", n)
	}
}

func TestEvictOnEmptyQueue(t *testing.T) {
	db := testDB(t)

	id, err := db.EvictLowestPriority()
	if err != nil {
		t.Fatal(err)
	}
	if id != "" {
		t.Errorf("evicted %q from empty queue, want \"\"", id)
	}
}

func TestUpdateActionAttempt(t *testing.T) {
	db := testDB(t)

	if err := db.InsertAction(&Action{ID: "a1", Type: "send_message", QueuedAt: 100}); err != nil {
		t.Fatal(err)
	}

	now := time.Now().UnixMilli()
	if err := db.UpdateActionAttempt("a1", 2, now); err != nil {
		t.Fatal(err)
	}

	actions, err := db.PendingActions()
	if err != nil {
		t.Fatal(err)
	}
	if len(actions) != 1 {
		t.Fatalf("got %d actions, want 1", len(actions))
	}
	if actions[0].RetryCount != 2 || actions[0].LastAttemptAt != now {
		t.Errorf("attempt = (%d, %d), want (2, %d)", actions[0].RetryCount, actions[0].LastAttemptAt, now)
	}
}

func TestClearActions(t *testing.T) {
	db := testDB(t)

	for _, id := range []string{"a", "b", "c"} {
		if err := db.InsertAction(&Action{ID: id, Type: "send_message", QueuedAt: 100}); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.ClearActions(); err != nil {
		t.Fatal(err)
	}
	n, err := db.CountActions()
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("count = %d, want 0 after ClearAll", n)
	}
}
