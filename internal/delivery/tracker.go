package delivery

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lmoretti/chatwire/internal/bus"
	"go.uber.org/zap"
)

// ErrUnknownMessage is returned when a pending id has no tracked message.
var ErrUnknownMessage = errors.New("unknown message")

// Submitter is the durable message store the tracker submits to. Insert
// returns the canonical id and timestamp assigned by the store.
type Submitter interface {
	InsertMessage(ctx context.Context, m *Message) (MessageID, time.Time, error)
	UpdateStatus(ctx context.Context, conversationID string, id MessageID, status Status) error
}

// Tracker manages the message send life cycle: it constructs optimistic
// messages, submits them, and advances their status as acknowledgments and
// inbound events arrive. Statuses only move forward.
type Tracker struct {
	store  Submitter
	bus    *bus.Bus
	logger *zap.Logger

	mu          sync.Mutex
	pending     map[PendingID]*Message
	messages    map[MessageID]*Message
	correlation map[PendingID]MessageID

	latencyTotal time.Duration
	latencyCount int64
}

// NewTracker creates a delivery tracker.
func NewTracker(store Submitter, b *bus.Bus, logger *zap.Logger) *Tracker {
	return &Tracker{
		store:       store,
		bus:         b,
		logger:      logger,
		pending:     make(map[PendingID]*Message),
		messages:    make(map[MessageID]*Message),
		correlation: make(map[PendingID]MessageID),
	}
}

// Send tracks an optimistic message and submits it asynchronously. The
// returned message (status sending) is ready to display before any network
// round trip; the sent/failed transition arrives later as a bus event.
func (t *Tracker) Send(ctx context.Context, req SendRequest) *Message {
	m := t.Track(req)
	go func() {
		_ = t.Submit(ctx, m.PendingID)
	}()
	return m
}

// Track constructs and registers an optimistic message without submitting
// it. Used directly for sends that are queued while offline.
func (t *Tracker) Track(req SendRequest) *Message {
	m := &Message{
		PendingID:      PendingID(uuid.NewString()),
		ConversationID: req.ConversationID,
		SenderID:       req.SenderID,
		SenderName:     req.SenderName,
		Content:        req.Content,
		ContentType:    req.ContentType,
		ContentURL:     req.ContentURL,
		RepliedTo:      req.RepliedTo,
		Anonymous:      req.Anonymous,
		Status:         StatusSending,
		CreatedAt:      time.Now(),
	}
	t.mu.Lock()
	t.pending[m.PendingID] = m
	t.mu.Unlock()

	snapshot := *m
	t.bus.Publish(bus.Event{Kind: bus.KindMessageNew, Timestamp: time.Now(), Payload: &snapshot})
	return m
}

// Restore re-registers an optimistic message under a known pending id. Used
// when a queued send is replayed and the in-memory tracking did not survive
// the process that created it. Already-tracked pending ids are returned
// unchanged.
func (t *Tracker) Restore(pid PendingID, req SendRequest) *Message {
	t.mu.Lock()
	if m, ok := t.pending[pid]; ok {
		t.mu.Unlock()
		return m
	}
	m := &Message{
		PendingID:      pid,
		ConversationID: req.ConversationID,
		SenderID:       req.SenderID,
		SenderName:     req.SenderName,
		Content:        req.Content,
		ContentType:    req.ContentType,
		ContentURL:     req.ContentURL,
		RepliedTo:      req.RepliedTo,
		Anonymous:      req.Anonymous,
		Status:         StatusSending,
		CreatedAt:      time.Now(),
	}
	t.pending[pid] = m
	t.mu.Unlock()

	snapshot := *m
	t.bus.Publish(bus.Event{Kind: bus.KindMessageNew, Timestamp: time.Now(), Payload: &snapshot})
	return m
}

// Submit pushes a tracked message to the durable store. On success the
// message advances to sent and the pending id is correlated with the durable
// id; on failure it advances to failed. Retrying a failed message re-enters
// here. Safe to call again for an already-sent message (no-op).
func (t *Tracker) Submit(ctx context.Context, pid PendingID) error {
	t.mu.Lock()
	m, ok := t.pending[pid]
	if !ok {
		t.mu.Unlock()
		return ErrUnknownMessage
	}
	if m.Status != StatusSending && m.Status != StatusFailed {
		t.mu.Unlock()
		return nil
	}
	from := m.Status
	m.Status = StatusSending
	snapshot := *m
	t.mu.Unlock()

	start := time.Now()
	id, createdAt, err := t.store.InsertMessage(ctx, &snapshot)
	if err != nil {
		t.mu.Lock()
		m.Status = StatusFailed
		t.mu.Unlock()
		t.logger.Warn("submit failed", zap.String("pending_id", string(pid)), zap.Error(err))
		t.bus.Publish(bus.Event{Kind: bus.KindMessageSendFailed, Timestamp: time.Now(), Payload: StatusChange{
			ConversationID: snapshot.ConversationID,
			PendingID:      pid,
			From:           from,
			To:             StatusFailed,
			Err:            err.Error(),
		}})
		return err
	}

	t.mu.Lock()
	m.ID = id
	m.CreatedAt = createdAt
	if m.Status.rank() < StatusSent.rank() {
		m.Status = StatusSent
	}
	t.correlation[pid] = id
	t.messages[id] = m
	t.latencyTotal += time.Since(start)
	t.latencyCount++
	t.mu.Unlock()

	t.logger.Info("message sent",
		zap.String("pending_id", string(pid)),
		zap.String("msg_id", string(id)),
		zap.String("conversation", m.ConversationID))
	t.bus.Publish(bus.Event{Kind: bus.KindMessageSent, Timestamp: time.Now(), Payload: StatusChange{
		ConversationID: m.ConversationID,
		PendingID:      pid,
		MessageID:      id,
		From:           from,
		To:             StatusSent,
	}})
	return nil
}

// Retry re-enters the send path for a failed message. It is Submit under a
// name that reads right at call sites driven by user action.
func (t *Tracker) Retry(ctx context.Context, pid PendingID) error {
	return t.Submit(ctx, pid)
}

// Apply advances a tracked message's status from an inbound event.
// Regressions and duplicates are no-ops: applying delivered after read
// changes nothing, and read implies delivered. Returns whether the status
// changed.
func (t *Tracker) Apply(id MessageID, status Status) bool {
	t.mu.Lock()
	m, ok := t.messages[id]
	if !ok {
		t.mu.Unlock()
		return false
	}
	if status.rank() <= m.Status.rank() {
		t.mu.Unlock()
		return false
	}
	// failed is only reachable from sending or sent.
	if status == StatusFailed && m.Status.rank() > StatusSent.rank() {
		t.mu.Unlock()
		return false
	}
	from := m.Status
	m.Status = status
	t.mu.Unlock()

	t.bus.Publish(bus.Event{Kind: bus.KindMessageStatus, Timestamp: time.Now(), Payload: StatusChange{
		ConversationID: m.ConversationID,
		PendingID:      m.PendingID,
		MessageID:      id,
		From:           from,
		To:             status,
	}})
	return true
}

// MarkRead records that the local user read a message, updating the remote
// store. The read-receipt broadcast to other participants is the channel
// manager's job.
func (t *Tracker) MarkRead(ctx context.Context, conversationID string, id MessageID) error {
	return t.store.UpdateStatus(ctx, conversationID, id, StatusRead)
}

// Get returns a snapshot of a tracked message by durable id.
func (t *Tracker) Get(id MessageID) (Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if m, ok := t.messages[id]; ok {
		return *m, true
	}
	return Message{}, false
}

// GetByPending returns a snapshot of a tracked message by pending id.
func (t *Tracker) GetByPending(pid PendingID) (Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if m, ok := t.pending[pid]; ok {
		return *m, true
	}
	return Message{}, false
}

// Resolve maps a pending id to its durable id, if correlated yet.
func (t *Tracker) Resolve(pid PendingID) (MessageID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.correlation[pid]
	return id, ok
}

// Stats reports submissions acknowledged so far and their mean latency.
// Exposed for telemetry; not part of the delivery contract.
func (t *Tracker) Stats() (count int64, avg time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.latencyCount == 0 {
		return 0, 0
	}
	return t.latencyCount, t.latencyTotal / time.Duration(t.latencyCount)
}
