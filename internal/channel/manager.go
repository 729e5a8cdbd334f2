// Package channel multiplexes per-conversation realtime subscriptions over
// one transport connection. Each conversation gets a refcounted channel with
// its own state machine, reconnect cycle and inbound batching; sends flow
// through the delivery tracker or, while offline, into the action queue.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lmoretti/chatwire/internal/adaptive"
	"github.com/lmoretti/chatwire/internal/bus"
	"github.com/lmoretti/chatwire/internal/delivery"
	"github.com/lmoretti/chatwire/internal/queue"
	"github.com/lmoretti/chatwire/internal/sched"
	"github.com/lmoretti/chatwire/internal/transport"
	"github.com/lmoretti/chatwire/internal/typing"
	"go.uber.org/zap"
)

// Priority for send_message actions queued while offline. Message sends
// outrank housekeeping actions like join/leave.
const sendPriority = 5

// Options carries the channel manager tunables and the local identity.
type Options struct {
	SelfID               string
	SelfName             string
	MaxReconnectAttempts int
	ReconnectBase        time.Duration
	ReconnectMax         time.Duration
	BatchWindow          time.Duration
	Heartbeat            time.Duration
}

// Stats is a snapshot of one channel's counters.
type Stats struct {
	State        State
	Attempts     int
	Subscribers  int
	MessageCount int64
	LastEventAt  time.Time
}

// Manager owns every conversation channel.
type Manager struct {
	rt      transport.Realtime
	tracker *delivery.Tracker
	typing  *typing.Manager
	queue   *queue.Queue
	bus     *bus.Bus
	sched   *sched.Scheduler
	logger  *zap.Logger
	opts    Options

	offline atomic.Bool
	window  atomic.Int64 // current batch window, nanoseconds

	mu     sync.Mutex
	conns  map[string]*conn
	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates a channel manager. Start must run before channels can
// receive heartbeats or outbound message fanout.
func NewManager(rt transport.Realtime, tracker *delivery.Tracker, tm *typing.Manager, q *queue.Queue, b *bus.Bus, s *sched.Scheduler, opts Options, logger *zap.Logger) *Manager {
	m := &Manager{
		rt:      rt,
		tracker: tracker,
		typing:  tm,
		queue:   q,
		bus:     b,
		sched:   s,
		logger:  logger,
		opts:    opts,
		conns:   make(map[string]*conn),
	}
	m.window.Store(int64(opts.BatchWindow))
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m
}

func (m *Manager) batchWindow() time.Duration {
	return time.Duration(m.window.Load())
}

// Start registers the heartbeat task and begins forwarding tracker events to
// subscribers and the wire.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.sched.Register(sched.TaskHeartbeat, m.opts.Heartbeat, m.heartbeat); err != nil {
		return err
	}
	go m.busLoop(m.ctx)
	return nil
}

// Stop tears down every channel.
func (m *Manager) Stop() {
	m.cancel()
	m.mu.Lock()
	conns := make([]*conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.conns = make(map[string]*conn)
	m.mu.Unlock()
	for _, c := range conns {
		c.cancel()
		<-c.done
	}
}

// Subscribe opens (or joins) the channel for a conversation. The returned
// cancel function is idempotent; the channel closes when the last subscriber
// cancels. A channel that went terminal is recreated on the next Subscribe.
func (m *Manager) Subscribe(conversationID string, cb Callbacks) (func(), error) {
	if conversationID == "" {
		return nil, errors.New("empty conversation id")
	}

	m.mu.Lock()
	c := m.conns[conversationID]
	if c != nil {
		select {
		case <-c.done: // terminal or closed; replace
			c = nil
		default:
		}
	}
	if c == nil {
		c = newConn(m, conversationID)
		ctx, cancel := context.WithCancel(m.ctx)
		c.cancel = cancel
		m.conns[conversationID] = c
		go c.run(ctx)
	}
	id := c.addSub(cb)
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			if c.removeSub(id) > 0 {
				return
			}
			m.mu.Lock()
			if m.conns[conversationID] == c {
				delete(m.conns, conversationID)
			}
			m.mu.Unlock()
			c.cancel()
		})
	}, nil
}

func (m *Manager) conn(conversationID string) *conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conns[conversationID]
}

// Send dispatches a message. The optimistic message (status sending) returns
// synchronously and is delivered to this conversation's subscribers before
// any network round trip. While offline the submit is queued instead.
func (m *Manager) Send(ctx context.Context, req delivery.SendRequest) (*delivery.Message, error) {
	if req.SenderID == "" {
		req.SenderID, req.SenderName = m.opts.SelfID, m.opts.SelfName
	}
	if req.ContentType == "" {
		req.ContentType = delivery.ContentText
	}

	var msg *delivery.Message
	if m.offline.Load() {
		msg = m.tracker.Track(req)
		payload, err := json.Marshal(sendActionFor(*msg))
		if err != nil {
			return msg, err
		}
		if _, err := m.queue.Enqueue(queue.Action{
			Type:     queue.ActionSendMessage,
			Payload:  payload,
			Priority: sendPriority,
		}); err != nil {
			return msg, err
		}
	} else {
		msg = m.tracker.Send(ctx, req)
	}

	if c := m.conn(req.ConversationID); c != nil {
		c.notifyMessages([]delivery.Message{*msg})
	}
	return msg, nil
}

// Retry re-submits a failed message, or re-queues it while offline.
func (m *Manager) Retry(ctx context.Context, pid delivery.PendingID) error {
	if m.offline.Load() {
		msg, ok := m.tracker.GetByPending(pid)
		if !ok {
			return delivery.ErrUnknownMessage
		}
		payload, err := json.Marshal(sendActionFor(msg))
		if err != nil {
			return err
		}
		_, err = m.queue.Enqueue(queue.Action{
			Type:     queue.ActionSendMessage,
			Payload:  payload,
			Priority: sendPriority,
		})
		return err
	}
	return m.tracker.Retry(ctx, pid)
}

// SendTyping records local keystroke activity for a conversation. The typing
// manager debounces the broadcast.
func (m *Manager) SendTyping(ctx context.Context, conversationID string) {
	m.typing.Start(ctx, conversationID, m.opts.SelfID, m.opts.SelfName)
}

// StopTyping ends local typing immediately.
func (m *Manager) StopTyping(ctx context.Context, conversationID string) {
	m.typing.Stop(ctx, conversationID, m.opts.SelfID)
}

// BroadcastTyping implements typing.Broadcaster by publishing presence on the
// conversation's channel. No open channel means nothing to broadcast to.
func (m *Manager) BroadcastTyping(ctx context.Context, conversationID, userID, userName string, isTyping bool) error {
	c := m.conn(conversationID)
	if c == nil {
		return nil
	}
	return c.send(ctx, transport.EventTyping, transport.TypingPayload{
		ConversationID: conversationID,
		UserID:         userID,
		UserName:       userName,
		Typing:         isTyping,
	})
}

// MarkRead records that the local user read a message and broadcasts the read
// receipt on the conversation's channel. The broadcast is best-effort; the
// durable update is not.
func (m *Manager) MarkRead(ctx context.Context, conversationID string, id delivery.MessageID) error {
	if err := m.tracker.MarkRead(ctx, conversationID, id); err != nil {
		return err
	}
	if c := m.conn(conversationID); c != nil {
		err := c.send(ctx, transport.EventReadReceipt, transport.ReadReceiptPayload{
			ConversationID: conversationID,
			MessageID:      string(id),
			ReaderID:       m.opts.SelfID,
		})
		if err != nil {
			m.logger.Debug("read receipt dropped", zap.Error(err))
		}
	}
	return nil
}

// ApplyMode implements adaptive.Retuner: batch windows change on the next
// batch, open channels are never resubscribed, and offline mode reroutes
// sends into the queue.
func (m *Manager) ApplyMode(mode adaptive.Mode, p adaptive.Params) {
	m.offline.Store(mode == adaptive.ModeOffline)
	m.window.Store(int64(p.BatchWindow))
	m.mu.Lock()
	conns := make([]*conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()
	for _, c := range conns {
		c.batch.SetWindow(p.BatchWindow)
	}
}

// Stats returns a snapshot of one channel's counters.
func (m *Manager) Stats(conversationID string) (Stats, bool) {
	c := m.conn(conversationID)
	if c == nil {
		return Stats{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		State:        c.state,
		Attempts:     c.attempts,
		Subscribers:  len(c.subs),
		MessageCount: c.messageCount,
		LastEventAt:  c.lastEventAt,
	}, true
}

// heartbeat pings every connected channel. A failed send counts as a channel
// error and enters the reconnect cycle.
func (m *Manager) heartbeat(ctx context.Context) {
	m.mu.Lock()
	conns := make([]*conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	now := time.Now()
	for _, c := range conns {
		if c.State() != StateConnected {
			continue
		}
		err := c.send(ctx, transport.EventHeartbeat, transport.HeartbeatPayload{
			SenderID: m.opts.SelfID,
			SentAt:   now.UnixMilli(),
		})
		if err != nil {
			m.logger.Warn("heartbeat failed",
				zap.String("conversation", c.conversationID),
				zap.Error(err))
			c.reportError(err)
		}
	}
}

// sendAction is the queued send_message payload. It carries the full request,
// not just the pending id, so a persisted action can be replayed after a
// restart wiped the tracker's in-memory state.
type sendAction struct {
	PendingID      string               `json:"pending_id"`
	ConversationID string               `json:"conversation_id"`
	SenderID       string               `json:"sender_id"`
	SenderName     string               `json:"sender_name,omitempty"`
	Content        string               `json:"content"`
	ContentType    delivery.ContentType `json:"content_type"`
	ContentURL     string               `json:"content_url,omitempty"`
	RepliedTo      string               `json:"replied_to,omitempty"`
	Anonymous      bool                 `json:"anonymous,omitempty"`
}

func sendActionFor(msg delivery.Message) sendAction {
	return sendAction{
		PendingID:      string(msg.PendingID),
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		SenderName:     msg.SenderName,
		Content:        msg.Content,
		ContentType:    msg.ContentType,
		ContentURL:     msg.ContentURL,
		RepliedTo:      string(msg.RepliedTo),
		Anonymous:      msg.Anonymous,
	}
}

func (a sendAction) request() delivery.SendRequest {
	return delivery.SendRequest{
		ConversationID: a.ConversationID,
		SenderID:       a.SenderID,
		SenderName:     a.SenderName,
		Content:        a.Content,
		ContentType:    a.ContentType,
		ContentURL:     a.ContentURL,
		RepliedTo:      delivery.MessageID(a.RepliedTo),
		Anonymous:      a.Anonymous,
	}
}

// ExecuteSendAction is the queue executor for send_message actions: it
// re-enters the tracker's submit path. When the tracker no longer knows the
// pending id (the daemon restarted since the enqueue), the message is
// re-tracked from the persisted request before submitting.
func (m *Manager) ExecuteSendAction(ctx context.Context, a queue.Action) error {
	var p sendAction
	if err := json.Unmarshal(a.Payload, &p); err != nil || p.PendingID == "" {
		m.logger.Warn("malformed send action dropped", zap.String("id", a.ID), zap.Error(err))
		return nil
	}
	pid := delivery.PendingID(p.PendingID)
	err := m.tracker.Submit(ctx, pid)
	if errors.Is(err, delivery.ErrUnknownMessage) {
		m.tracker.Restore(pid, p.request())
		return m.tracker.Submit(ctx, pid)
	}
	return err
}

// busLoop forwards tracker events to channel subscribers and fans freshly
// acknowledged messages out on the wire.
func (m *Manager) busLoop(ctx context.Context) {
	ch, unsub := m.bus.Subscribe("message.", 128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-ch:
			sc, ok := evt.Payload.(delivery.StatusChange)
			if !ok {
				continue // message.new carries the message itself
			}
			m.forwardStatus(sc)
			switch evt.Kind {
			case bus.KindMessageSent:
				m.broadcastNew(ctx, sc)
			case bus.KindMessageSendFailed:
				if m.offline.Load() {
					if err := m.Retry(ctx, sc.PendingID); err != nil {
						m.logger.Warn("failed to queue offline retry",
							zap.String("pending_id", string(sc.PendingID)), zap.Error(err))
					}
				}
			}
		}
	}
}

func (m *Manager) forwardStatus(sc delivery.StatusChange) {
	c := m.conn(sc.ConversationID)
	if c == nil {
		return
	}
	for _, cb := range c.subsSnapshot() {
		if cb.OnStatus != nil {
			cb.OnStatus(sc)
		}
	}
}

// broadcastNew publishes a just-acknowledged message on its conversation's
// channel so the other participants receive it.
func (m *Manager) broadcastNew(ctx context.Context, sc delivery.StatusChange) {
	c := m.conn(sc.ConversationID)
	if c == nil {
		return
	}
	msg, ok := m.tracker.Get(sc.MessageID)
	if !ok {
		return
	}
	err := c.send(ctx, transport.EventMessageNew, transport.MessagePayload{
		MessageID:      string(msg.ID),
		PendingID:      string(msg.PendingID),
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		SenderName:     msg.SenderName,
		Body:           msg.Content,
		ContentType:    string(msg.ContentType),
		ContentURL:     msg.ContentURL,
		RepliedTo:      string(msg.RepliedTo),
		Anonymous:      msg.Anonymous,
		CreatedAt:      msg.CreatedAt.UnixMilli(),
	})
	if err != nil {
		m.logger.Warn("message fanout failed",
			zap.String("conversation", sc.ConversationID),
			zap.String("msg_id", string(sc.MessageID)),
			zap.Error(err))
	}
}
