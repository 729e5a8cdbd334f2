package channel

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/lmoretti/chatwire/internal/bus"
	"github.com/lmoretti/chatwire/internal/delivery"
	"github.com/lmoretti/chatwire/internal/transport"
	"go.uber.org/zap"
)

// ErrTooManyReconnects is delivered to subscribers when a channel exhausts
// its reconnect attempts. The channel stays in the error state until a new
// Subscribe recreates it.
var ErrTooManyReconnects = errors.New("too many reconnect attempts")

// ErrNotConnected is returned by sends on a channel that is not connected.
var ErrNotConnected = errors.New("channel not connected")

// Callbacks are one subscriber's hooks. Every field is optional.
type Callbacks struct {
	// OnMessages receives new messages, batched. The local user's own sends
	// arrive here too, synchronously and unbatched, so the UI can render them
	// optimistically.
	OnMessages func(msgs []delivery.Message)
	// OnStatus receives delivery status changes for tracked messages.
	OnStatus func(sc delivery.StatusChange)
	// OnState receives channel state transitions.
	OnState func(from, to State)
	// OnTerminal fires once when the channel gives up reconnecting.
	OnTerminal func(err error)
}

type statusUpdate struct {
	gen    int
	status transport.ChannelStatus
	err    error
}

// conn is the per-conversation actor. One goroutine (run) owns the
// subscribe/reconnect cycle; inbound events fan in through the transport
// handlers and leave through the batcher.
type conn struct {
	conversationID string
	mgr            *Manager

	statusCh chan statusUpdate
	batch    *batcher
	cancel   context.CancelFunc
	done     chan struct{}

	mu           sync.Mutex
	state        State
	gen          int
	attempts     int
	nextSub      int
	subs         map[int]Callbacks
	ch           transport.Channel
	lastEventAt  time.Time
	messageCount int64
}

func newConn(m *Manager, conversationID string) *conn {
	c := &conn{
		conversationID: conversationID,
		mgr:            m,
		statusCh:       make(chan statusUpdate, 16),
		done:           make(chan struct{}),
		state:          StateDisconnected,
		subs:           make(map[int]Callbacks),
	}
	c.batch = newBatcher(m.batchWindow(), c.deliver)
	return c
}

// run owns the channel life cycle: subscribe, wait, tear down, back off,
// repeat. The transport channel is recreated from scratch on every attempt.
func (c *conn) run(ctx context.Context) {
	defer close(c.done)
	defer c.teardown()
	// On a cancelled channel the final state is disconnected; a terminal
	// channel stays in error (the transition is rejected).
	defer c.setState(StateDisconnected)

	for {
		if !c.setState(StateSubscribing) {
			return
		}
		gen := c.nextGen()
		ch, err := c.mgr.rt.Subscribe(ctx, c.conversationID, func(status transport.ChannelStatus, err error) {
			c.onStatus(gen, status, err)
		})
		if err != nil {
			c.setState(StateDisconnected)
			if !c.backoff(ctx, err) {
				return
			}
			continue
		}
		c.install(ch)

		again, cause := c.wait(ctx, gen)
		c.teardown()
		if !again {
			return
		}
		if !c.backoff(ctx, cause) {
			return
		}
	}
}

// wait consumes status updates for the channel incarnation gen. Updates from
// earlier incarnations still sitting in the buffer are discarded so a stale
// error cannot count against the current subscription. Returns whether a
// resubscribe should follow and the error that ended it.
func (c *conn) wait(ctx context.Context, gen int) (again bool, cause error) {
	for {
		select {
		case <-ctx.Done():
			return false, nil
		case su := <-c.statusCh:
			if su.gen != gen {
				continue
			}
			switch su.status {
			case transport.StatusSubscribed:
				c.setState(StateConnected)
				c.mu.Lock()
				c.attempts = 0
				c.mu.Unlock()
			case transport.StatusChannelError, transport.StatusTimedOut:
				c.setState(StateDisconnected)
				return true, su.err
			case transport.StatusClosed:
				c.setState(StateDisconnected)
				return false, nil
			}
		}
	}
}

// backoff sleeps before the next reconnect attempt, or goes terminal once the
// attempts are exhausted. Returns whether to resubscribe.
func (c *conn) backoff(ctx context.Context, cause error) bool {
	c.mu.Lock()
	c.attempts++
	n := c.attempts
	c.mu.Unlock()

	if n >= c.mgr.opts.MaxReconnectAttempts {
		c.setState(StateError)
		c.mgr.logger.Error("channel giving up",
			zap.String("conversation", c.conversationID),
			zap.Int("attempts", n),
			zap.Error(cause))
		msg := ""
		if cause != nil {
			msg = cause.Error()
		}
		c.mgr.bus.Publish(bus.Event{Kind: bus.KindChannelTerminalError, Timestamp: time.Now(), Payload: TerminalError{
			ConversationID: c.conversationID,
			Attempts:       n,
			Err:            msg,
		}})
		for _, cb := range c.subsSnapshot() {
			if cb.OnTerminal != nil {
				cb.OnTerminal(ErrTooManyReconnects)
			}
		}
		return false
	}

	delay := reconnectDelay(c.mgr.opts.ReconnectBase, c.mgr.opts.ReconnectMax, n)
	c.mgr.logger.Warn("channel reconnecting",
		zap.String("conversation", c.conversationID),
		zap.Int("attempt", n),
		zap.Duration("delay", delay),
		zap.Error(cause))
	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}

// reconnectDelay is the exponential backoff for reconnect attempt n (1-based):
// min(base<<n, max).
func reconnectDelay(base, max time.Duration, attempt int) time.Duration {
	d := base << attempt
	if d > max || d <= 0 {
		return max
	}
	return d
}

func (c *conn) install(ch transport.Channel) {
	c.mu.Lock()
	c.ch = ch
	c.mu.Unlock()
	for _, kind := range []transport.EventKind{
		transport.EventMessageNew,
		transport.EventMessageStatus,
		transport.EventTyping,
		transport.EventReadReceipt,
		transport.EventHeartbeat,
	} {
		ch.On(kind, c.handleEvent)
	}
}

func (c *conn) teardown() {
	c.mu.Lock()
	ch := c.ch
	c.ch = nil
	c.mu.Unlock()
	if ch != nil {
		_ = ch.Close()
	}
	c.batch.Flush()
}

// nextGen starts a new channel incarnation and returns its tag.
func (c *conn) nextGen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	return c.gen
}

// onStatus funnels a transport status callback for incarnation gen into the
// run loop; the buffered channel keeps slow reconnect cycles from blocking
// the transport.
func (c *conn) onStatus(gen int, status transport.ChannelStatus, err error) {
	select {
	case c.statusCh <- statusUpdate{gen: gen, status: status, err: err}:
	case <-c.done:
	}
}

// reportError injects a channel error from outside the transport, e.g. a
// failed heartbeat send. It is attributed to the current incarnation.
func (c *conn) reportError(err error) {
	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()
	c.onStatus(gen, transport.StatusChannelError, err)
}

// handleEvent routes one inbound wire event. Typing and heartbeats are
// immediate; message traffic goes through the batcher.
func (c *conn) handleEvent(e transport.Event) {
	c.mu.Lock()
	c.lastEventAt = time.Now()
	c.mu.Unlock()

	switch e.Kind {
	case transport.EventHeartbeat:
		// Liveness only.
	case transport.EventTyping:
		var p transport.TypingPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			c.mgr.logger.Debug("bad typing payload", zap.Error(err))
			return
		}
		if p.UserID == c.mgr.opts.SelfID {
			return
		}
		c.mgr.typing.HandleRemote(p.ConversationID, p.UserID, p.UserName, p.Typing)
	case transport.EventMessageNew:
		var p transport.MessagePayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			c.mgr.logger.Debug("bad message payload", zap.Error(err))
			return
		}
		if p.SenderID == c.mgr.opts.SelfID {
			return
		}
		c.mu.Lock()
		c.messageCount++
		c.mu.Unlock()
		c.batch.Add(e)
	case transport.EventMessageStatus, transport.EventReadReceipt:
		c.batch.Add(e)
	}
}

// deliver is the batch flush sink: new messages go to the subscribers, status
// events into the tracker. Order within a kind is arrival order.
func (c *conn) deliver(kind transport.EventKind, events []transport.Event) {
	switch kind {
	case transport.EventMessageNew:
		msgs := make([]delivery.Message, 0, len(events))
		for _, e := range events {
			var p transport.MessagePayload
			if err := json.Unmarshal(e.Payload, &p); err != nil {
				continue
			}
			msgs = append(msgs, delivery.Message{
				ID:             delivery.MessageID(p.MessageID),
				ConversationID: p.ConversationID,
				SenderID:       p.SenderID,
				SenderName:     p.SenderName,
				Content:        p.Body,
				ContentType:    delivery.ContentType(p.ContentType),
				ContentURL:     p.ContentURL,
				RepliedTo:      delivery.MessageID(p.RepliedTo),
				Anonymous:      p.Anonymous,
				Status:         delivery.StatusDelivered,
				CreatedAt:      time.UnixMilli(p.CreatedAt),
			})
		}
		if len(msgs) == 0 {
			return
		}
		c.notifyMessages(msgs)
		c.ackDelivered(msgs)
	case transport.EventMessageStatus:
		for _, e := range events {
			var p transport.StatusPayload
			if err := json.Unmarshal(e.Payload, &p); err != nil {
				continue
			}
			c.mgr.tracker.Apply(delivery.MessageID(p.MessageID), delivery.Status(p.Status))
		}
	case transport.EventReadReceipt:
		for _, e := range events {
			var p transport.ReadReceiptPayload
			if err := json.Unmarshal(e.Payload, &p); err != nil {
				continue
			}
			if p.ReaderID == c.mgr.opts.SelfID {
				continue
			}
			c.mgr.tracker.Apply(delivery.MessageID(p.MessageID), delivery.StatusRead)
		}
	}
}

func (c *conn) notifyMessages(msgs []delivery.Message) {
	for _, cb := range c.subsSnapshot() {
		if cb.OnMessages != nil {
			cb.OnMessages(msgs)
		}
	}
}

// ackDelivered broadcasts a delivered status for each inbound message so the
// sender's tracker can advance. Best-effort.
func (c *conn) ackDelivered(msgs []delivery.Message) {
	for _, m := range msgs {
		err := c.send(context.Background(), transport.EventMessageStatus, transport.StatusPayload{
			ConversationID: m.ConversationID,
			MessageID:      string(m.ID),
			Status:         string(delivery.StatusDelivered),
		})
		if err != nil {
			c.mgr.logger.Debug("delivered ack dropped", zap.Error(err))
			return
		}
	}
}

// send publishes one event on the channel, JSON-encoding the payload.
func (c *conn) send(ctx context.Context, kind transport.EventKind, payload any) error {
	c.mu.Lock()
	ch, state := c.ch, c.state
	c.mu.Unlock()
	if state != StateConnected || ch == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return ch.Send(ctx, kind, data)
}

// setState applies one state machine transition, notifying the bus and the
// subscribers. Invalid transitions are rejected.
func (c *conn) setState(to State) bool {
	c.mu.Lock()
	from := c.state
	if from == to {
		c.mu.Unlock()
		return true
	}
	if !canTransition(from, to) {
		c.mu.Unlock()
		return false
	}
	c.state = to
	subs := make([]Callbacks, 0, len(c.subs))
	for _, cb := range c.subs {
		subs = append(subs, cb)
	}
	c.mu.Unlock()

	c.mgr.logger.Debug("channel state",
		zap.String("conversation", c.conversationID),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	c.mgr.bus.Publish(bus.Event{Kind: bus.KindChannelState, Timestamp: time.Now(), Payload: StateChange{
		ConversationID: c.conversationID,
		From:           from,
		To:             to,
	}})
	for _, cb := range subs {
		if cb.OnState != nil {
			cb.OnState(from, to)
		}
	}
	return true
}

// State returns the current channel state.
func (c *conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *conn) addSub(cb Callbacks) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = cb
	return id
}

// removeSub drops one subscriber and returns how many remain.
func (c *conn) removeSub(id int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, id)
	return len(c.subs)
}

func (c *conn) subsSnapshot() []Callbacks {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Callbacks, 0, len(c.subs))
	for _, cb := range c.subs {
		out = append(out, cb)
	}
	return out
}
