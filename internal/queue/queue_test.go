package queue

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lmoretti/chatwire/internal/adaptive"
	"github.com/lmoretti/chatwire/internal/bus"
	"github.com/lmoretti/chatwire/internal/sched"
	"github.com/lmoretti/chatwire/internal/store"
	"go.uber.org/zap"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testOptions() Options {
	return Options{
		Capacity:      1000,
		MaxRetries:    3,
		RetryBackoff:  0,
		DrainInterval: time.Hour,
		SettleDelay:   10 * time.Millisecond,
	}
}

func testQueue(t *testing.T, opts Options) (*Queue, *bus.Bus) {
	t.Helper()
	b := bus.New()
	s := sched.New(zap.NewNop())
	t.Cleanup(s.Stop)
	q := New(testDB(t), b, s, opts, zap.NewNop())
	return q, b
}

// recorder is an executor that records execution order.
type recorder struct {
	mu    sync.Mutex
	ids   []string
	fail  map[string]bool
	delay time.Duration
}

func (r *recorder) exec(_ context.Context, a Action) error {
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, a.ID)
	if r.fail[a.ID] {
		return fmt.Errorf("handler failure for %s", a.ID)
	}
	return nil
}

func (r *recorder) order() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

func TestEnqueuePersists(t *testing.T) {
	q, b := testQueue(t, testOptions())

	ch, unsub := b.Subscribe("queue.enqueued", 10)
	defer unsub()

	a, err := q.Enqueue(Action{Type: ActionSendMessage, Payload: []byte(`{"x":1}`), Priority: 1})
	if err != nil {
		t.Fatal(err)
	}
	if a.ID == "" {
		t.Error("Enqueue did not assign an id")
	}

	n, err := q.Len()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("Len = %d, want 1", n)
	}

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for queue.enqueued event")
	}
}

// TestDrainOrder enqueues actions of mixed priority while offline and
// verifies the drain follows (priority desc, queued_at asc).
func TestDrainOrder(t *testing.T) {
	q, _ := testQueue(t, testOptions())
	q.SetOnline(false)

	rec := &recorder{}
	q.Register(ActionSendMessage, rec.exec)
	q.Register(ActionJoinConversation, rec.exec)

	base := time.Now().Add(-time.Minute)
	ordered := []Action{
		{ID: "low-old", Type: ActionSendMessage, Priority: 1, QueuedAt: base},
		{ID: "high", Type: ActionJoinConversation, Priority: 9, QueuedAt: base.Add(2 * time.Second)},
		{ID: "low-new", Type: ActionSendMessage, Priority: 1, QueuedAt: base.Add(time.Second)},
	}
	for _, a := range ordered {
		if _, err := q.Enqueue(a); err != nil {
			t.Fatal(err)
		}
	}

	// Offline: nothing runs.
	if res := q.ExecutePending(context.Background()); res.Executed != 0 {
		t.Fatalf("executed %d actions while offline, want 0", res.Executed)
	}

	q.SetOnline(true)
	res := q.ExecutePending(context.Background())
	if res.Executed != 3 {
		t.Fatalf("executed = %d, want 3", res.Executed)
	}

	want := []string{"high", "low-old", "low-new"}
	got := rec.order()
	if len(got) != len(want) {
		t.Fatalf("got order %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("order[%d] = %s, want %s", i, got[i], want[i])
		}
	}

	n, _ := q.Len()
	if n != 0 {
		t.Errorf("Len = %d after drain, want 0", n)
	}
}

// TestMaxRetriesExact verifies an always-failing action is attempted exactly
// MaxRetries times and then dropped, no more, no fewer.
func TestMaxRetriesExact(t *testing.T) {
	q, b := testQueue(t, testOptions())

	ch, unsub := b.Subscribe("queue.action_dropped", 10)
	defer unsub()

	rec := &recorder{fail: map[string]bool{"doomed": true}}
	q.Register(ActionSendMessage, rec.exec)

	if _, err := q.Enqueue(Action{ID: "doomed", Type: ActionSendMessage}); err != nil {
		t.Fatal(err)
	}

	// Drain more times than MaxRetries; backoff is zero so nothing is skipped.
	for i := 0; i < 6; i++ {
		q.ExecutePending(context.Background())
	}

	if got := len(rec.order()); got != 3 {
		t.Errorf("executor ran %d times, want exactly 3", got)
	}
	n, _ := q.Len()
	if n != 0 {
		t.Errorf("Len = %d, want 0 (dropped after retries)", n)
	}

	select {
	case evt := <-ch:
		d := evt.Payload.(Dropped)
		if d.ID != "doomed" || d.Type != ActionSendMessage {
			t.Errorf("dropped = %+v, want doomed/send_message", d)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for queue.action_dropped event")
	}
}

func TestBackoffWindowSkips(t *testing.T) {
	opts := testOptions()
	opts.RetryBackoff = time.Hour
	q, _ := testQueue(t, opts)

	rec := &recorder{fail: map[string]bool{"a1": true}}
	q.Register(ActionSendMessage, rec.exec)

	if _, err := q.Enqueue(Action{ID: "a1", Type: ActionSendMessage}); err != nil {
		t.Fatal(err)
	}

	q.ExecutePending(context.Background()) // first attempt fails
	res := q.ExecutePending(context.Background())
	if res.Skipped != 1 {
		t.Errorf("Skipped = %d, want 1 (inside backoff window)", res.Skipped)
	}
	if got := len(rec.order()); got != 1 {
		t.Errorf("executor ran %d times, want 1", got)
	}
}

func TestCapacityEviction(t *testing.T) {
	opts := testOptions()
	opts.Capacity = 3
	q, _ := testQueue(t, opts)
	q.SetOnline(false)

	base := time.Now().Add(-time.Minute)
	seed := []Action{
		{ID: "high", Type: ActionSendMessage, Priority: 5, QueuedAt: base},
		{ID: "low-old", Type: ActionSendMessage, Priority: 1, QueuedAt: base},
		{ID: "low-new", Type: ActionSendMessage, Priority: 1, QueuedAt: base.Add(time.Second)},
	}
	for _, a := range seed {
		if _, err := q.Enqueue(a); err != nil {
			t.Fatal(err)
		}
	}

	// Queue full: the oldest lowest-priority action makes room.
	if _, err := q.Enqueue(Action{ID: "fresh", Type: ActionSendMessage, Priority: 2}); err != nil {
		t.Fatal(err)
	}

	n, _ := q.Len()
	if n != 3 {
		t.Fatalf("Len = %d, want 3", n)
	}
	rows, err := q.db.PendingActions()
	if err != nil {
		t.Fatal(err)
	}
	for _, row := range rows {
		if row.ID == "low-old" {
			t.Error("low-old should have been evicted")
		}
	}
}

func TestSingleFlight(t *testing.T) {
	q, _ := testQueue(t, testOptions())

	rec := &recorder{delay: 200 * time.Millisecond}
	q.Register(ActionSendMessage, rec.exec)

	if _, err := q.Enqueue(Action{ID: "slow", Type: ActionSendMessage}); err != nil {
		t.Fatal(err)
	}

	done := make(chan Result, 2)
	go func() { done <- q.ExecutePending(context.Background()) }()
	time.Sleep(50 * time.Millisecond) // first drain is now inside the executor
	go func() { done <- q.ExecutePending(context.Background()) }()

	first := <-done
	second := <-done
	if first.Executed+second.Executed != 1 {
		t.Errorf("total executed = %d, want 1 (re-entrant drain must be a no-op)",
			first.Executed+second.Executed)
	}
	if got := len(rec.order()); got != 1 {
		t.Errorf("executor ran %d times, want 1", got)
	}
}

func TestOnlineTransitionKicksDrain(t *testing.T) {
	b := bus.New()
	s := sched.New(zap.NewNop())
	t.Cleanup(s.Stop)
	q := New(testDB(t), b, s, testOptions(), zap.NewNop())

	rec := &recorder{}
	q.Register(ActionSendMessage, rec.exec)

	if err := q.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer q.Stop()
	s.Start(context.Background())

	q.SetOnline(false)
	if _, err := q.Enqueue(Action{ID: "a1", Type: ActionSendMessage}); err != nil {
		t.Fatal(err)
	}

	// offline -> online mode change on the bus triggers a drain after the
	// settle delay.
	b.Publish(bus.Event{Kind: bus.KindModeChanged, Timestamp: time.Now(), Payload: adaptive.ModeChange{
		From: adaptive.ModeOffline,
		To:   adaptive.ModeFull,
	}})

	deadline := time.After(2 * time.Second)
	for {
		if len(rec.order()) == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("drain never ran after offline->online transition")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// TestOfflineModeHaltsDrain feeds the queue a derived offline mode and checks
// the drain stops even though no explicit offline event ever fired.
func TestOfflineModeHaltsDrain(t *testing.T) {
	q, b := testQueue(t, testOptions())

	rec := &recorder{}
	q.Register(ActionSendMessage, rec.exec)

	if err := q.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer q.Stop()

	b.Publish(bus.Event{Kind: bus.KindModeChanged, Timestamp: time.Now(), Payload: adaptive.ModeChange{
		From: adaptive.ModeFull,
		To:   adaptive.ModeOffline,
	}})

	deadline := time.After(2 * time.Second)
	for q.Online() {
		select {
		case <-deadline:
			t.Fatal("queue stayed online after offline mode change")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if _, err := q.Enqueue(Action{ID: "held", Type: ActionSendMessage}); err != nil {
		t.Fatal(err)
	}
	if res := q.ExecutePending(context.Background()); res.Executed != 0 {
		t.Fatalf("executed %d actions in offline mode, want 0", res.Executed)
	}
	if got := len(rec.order()); got != 0 {
		t.Errorf("executor ran %d times in offline mode, want 0", got)
	}
}

// TestDerivedOfflineGatesQueue runs the controller and the queue on one bus
// and degrades the network signal: the derived offline mode must flip the
// queue offline without any env.offline event.
func TestDerivedOfflineGatesQueue(t *testing.T) {
	b := bus.New()
	s := sched.New(zap.NewNop())
	t.Cleanup(s.Stop)
	q := New(testDB(t), b, s, testOptions(), zap.NewNop())
	ctrl := adaptive.New(0.2, b, s, zap.NewNop())

	if err := q.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer q.Stop()
	ctrl.Start(context.Background())
	defer ctrl.Stop()

	b.Publish(bus.Event{Kind: bus.KindEnvNetwork, Timestamp: time.Now(), Payload: adaptive.NetworkOffline})

	deadline := time.After(2 * time.Second)
	for q.Online() {
		select {
		case <-deadline:
			t.Fatal("queue never followed the derived offline mode")
		case <-time.After(5 * time.Millisecond):
		}
	}

	b.Publish(bus.Event{Kind: bus.KindEnvNetwork, Timestamp: time.Now(), Payload: adaptive.NetworkHigh})
	deadline = time.After(2 * time.Second)
	for !q.Online() {
		select {
		case <-deadline:
			t.Fatal("queue never came back online after network recovery")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestEnqueueAfterStop(t *testing.T) {
	q, _ := testQueue(t, testOptions())
	if err := q.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	q.Stop()
	if _, err := q.Enqueue(Action{Type: ActionSendMessage}); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Enqueue after Stop error = %v, want ErrQueueClosed", err)
	}
}

func TestClearAll(t *testing.T) {
	q, _ := testQueue(t, testOptions())
	q.SetOnline(false)

	for i := 0; i < 3; i++ {
		if _, err := q.Enqueue(Action{Type: ActionSendMessage}); err != nil {
			t.Fatal(err)
		}
	}
	if err := q.ClearAll(); err != nil {
		t.Fatal(err)
	}
	n, _ := q.Len()
	if n != 0 {
		t.Errorf("Len = %d after ClearAll, want 0", n)
	}
}
