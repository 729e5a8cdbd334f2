package delivery

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/lmoretti/chatwire/internal/bus"
	"go.uber.org/zap"
)

// mockStore records inserts and returns configurable results.
type mockStore struct {
	mu      sync.Mutex
	inserts []Message
	updates []string
	err     error
	delay   time.Duration
}

func (m *mockStore) InsertMessage(_ context.Context, msg *Message) (MessageID, time.Time, error) {
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", time.Time{}, m.err
	}
	m.inserts = append(m.inserts, *msg)
	return MessageID(fmt.Sprintf("srv-%d", len(m.inserts))), time.Now(), nil
}

func (m *mockStore) UpdateStatus(_ context.Context, conversationID string, id MessageID, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.updates = append(m.updates, fmt.Sprintf("%s/%s=%s", conversationID, id, status))
	return nil
}

func (m *mockStore) setErr(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

func testTracker(t *testing.T, store *mockStore) (*Tracker, *bus.Bus) {
	t.Helper()
	b := bus.New()
	return NewTracker(store, b, zap.NewNop()), b
}

func waitEvent(t *testing.T, ch <-chan bus.Event, kind string) bus.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt := <-ch:
			if evt.Kind == kind {
				return evt
			}
		case <-deadline:
			t.Fatalf("timeout waiting for %s event", kind)
		}
	}
}

// TestSendOptimisticThenSent covers the happy send path: the optimistic
// message is visible immediately with status sending, then transitions to
// sent with a durable id correlated to the pending id.
func TestSendOptimisticThenSent(t *testing.T) {
	store := &mockStore{delay: 100 * time.Millisecond}
	tr, b := testTracker(t, store)

	ch, unsub := b.Subscribe("message.", 10)
	defer unsub()

	m := tr.Send(context.Background(), SendRequest{
		ConversationID: "c1",
		SenderID:       "u1",
		SenderName:     "Alice",
		Content:        "hello",
		ContentType:    ContentText,
	})
	if m.Status != StatusSending {
		t.Errorf("optimistic status = %s, want sending", m.Status)
	}
	if m.PendingID == "" {
		t.Error("optimistic message has no pending id")
	}
	if m.ID != "" {
		t.Errorf("optimistic message already has durable id %q", m.ID)
	}

	// The new-message event fires before the round trip completes.
	evt := waitEvent(t, ch, bus.KindMessageNew)
	if got := evt.Payload.(*Message); got.Content != "hello" {
		t.Errorf("new event content = %q, want hello", got.Content)
	}

	evt = waitEvent(t, ch, bus.KindMessageSent)
	change := evt.Payload.(StatusChange)
	if change.PendingID != m.PendingID {
		t.Errorf("sent event pending id = %s, want %s", change.PendingID, m.PendingID)
	}
	if change.MessageID == "" {
		t.Error("sent event has no durable id")
	}

	id, ok := tr.Resolve(m.PendingID)
	if !ok || id != change.MessageID {
		t.Errorf("Resolve = (%s, %v), want (%s, true)", id, ok, change.MessageID)
	}
	got, ok := tr.Get(id)
	if !ok || got.Status != StatusSent {
		t.Errorf("Get = (%+v, %v), want status sent", got, ok)
	}
}

func TestSendFailureThenRetry(t *testing.T) {
	store := &mockStore{}
	store.setErr(fmt.Errorf("insert rejected"))
	tr, b := testTracker(t, store)

	ch, unsub := b.Subscribe("message.", 10)
	defer unsub()

	m := tr.Send(context.Background(), SendRequest{ConversationID: "c1", SenderID: "u1", Content: "x", ContentType: ContentText})

	evt := waitEvent(t, ch, bus.KindMessageSendFailed)
	change := evt.Payload.(StatusChange)
	if change.To != StatusFailed || change.Err == "" {
		t.Errorf("failure event = %+v, want To=failed with error text", change)
	}
	got, _ := tr.GetByPending(m.PendingID)
	if got.Status != StatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}

	// Retry re-enters the send path and succeeds once the store recovers.
	store.setErr(nil)
	if err := tr.Submit(context.Background(), m.PendingID); err != nil {
		t.Fatalf("retry Submit() error = %v", err)
	}
	got, _ = tr.GetByPending(m.PendingID)
	if got.Status != StatusSent {
		t.Errorf("status after retry = %s, want sent", got.Status)
	}
}

func TestSubmitUnknownPending(t *testing.T) {
	tr, _ := testTracker(t, &mockStore{})
	if err := tr.Submit(context.Background(), PendingID("nope")); err != ErrUnknownMessage {
		t.Errorf("Submit(unknown) = %v, want ErrUnknownMessage", err)
	}
}

func TestSubmitAlreadySentIsNoop(t *testing.T) {
	store := &mockStore{}
	tr, _ := testTracker(t, store)

	m := tr.Track(SendRequest{ConversationID: "c1", SenderID: "u1", Content: "x", ContentType: ContentText})
	if err := tr.Submit(context.Background(), m.PendingID); err != nil {
		t.Fatal(err)
	}
	if err := tr.Submit(context.Background(), m.PendingID); err != nil {
		t.Fatal(err)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.inserts) != 1 {
		t.Errorf("got %d inserts, want 1 (second Submit must be a no-op)", len(store.inserts))
	}
}

func TestApplyMonotonic(t *testing.T) {
	store := &mockStore{}
	tr, _ := testTracker(t, store)

	m := tr.Track(SendRequest{ConversationID: "c1", SenderID: "u1", Content: "x", ContentType: ContentText})
	if err := tr.Submit(context.Background(), m.PendingID); err != nil {
		t.Fatal(err)
	}
	id, _ := tr.Resolve(m.PendingID)

	// read implies delivered: applying read straight from sent works.
	if !tr.Apply(id, StatusRead) {
		t.Fatal("Apply(read) from sent should succeed")
	}
	// A late delivered event after read is an idempotent no-op.
	if tr.Apply(id, StatusDelivered) {
		t.Error("Apply(delivered) after read should be a no-op")
	}
	got, _ := tr.Get(id)
	if got.Status != StatusRead {
		t.Errorf("status = %s, want read", got.Status)
	}
}

func TestApplyFailedOnlyFromSendingOrSent(t *testing.T) {
	store := &mockStore{}
	tr, _ := testTracker(t, store)

	m := tr.Track(SendRequest{ConversationID: "c1", SenderID: "u1", Content: "x", ContentType: ContentText})
	if err := tr.Submit(context.Background(), m.PendingID); err != nil {
		t.Fatal(err)
	}
	id, _ := tr.Resolve(m.PendingID)

	if !tr.Apply(id, StatusDelivered) {
		t.Fatal("Apply(delivered) from sent should succeed")
	}
	if tr.Apply(id, StatusFailed) {
		t.Error("Apply(failed) after delivered should be rejected")
	}
}

func TestApplyUnknownID(t *testing.T) {
	tr, _ := testTracker(t, &mockStore{})
	if tr.Apply(MessageID("ghost"), StatusDelivered) {
		t.Error("Apply on unknown id should return false")
	}
}

func TestStatsCountsAckedSubmissions(t *testing.T) {
	store := &mockStore{}
	tr, _ := testTracker(t, store)

	for i := 0; i < 3; i++ {
		m := tr.Track(SendRequest{ConversationID: "c1", SenderID: "u1", Content: "x", ContentType: ContentText})
		if err := tr.Submit(context.Background(), m.PendingID); err != nil {
			t.Fatal(err)
		}
	}
	count, avg := tr.Stats()
	if count != 3 {
		t.Errorf("count = %d, want 3", count)
	}
	if avg < 0 {
		t.Errorf("avg latency = %v, want >= 0", avg)
	}
}

func TestMarkReadUpdatesStore(t *testing.T) {
	store := &mockStore{}
	tr, _ := testTracker(t, store)

	if err := tr.MarkRead(context.Background(), "c1", MessageID("srv-9")); err != nil {
		t.Fatal(err)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.updates) != 1 || store.updates[0] != "c1/srv-9=read" {
		t.Errorf("updates = %v, want [c1/srv-9=read]", store.updates)
	}
}
