package transport

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATS implements Realtime on a NATS connection. Each conversation channel
// maps to a subject tree `<prefix>.<channel>.<kind>`; NATS guarantees
// per-subject ordering for a single subscriber, which satisfies the ordered
// delivery requirement.
type NATS struct {
	nc     *nats.Conn
	prefix string
	logger *zap.Logger

	mu     sync.Mutex
	status map[int]StatusFunc
	nextID int
}

// DialNATS connects to the given NATS URL. Connection-level disconnects and
// reconnects fan out to every open channel's status callback.
func DialNATS(url, prefix string, logger *zap.Logger) (*NATS, error) {
	t := &NATS{
		prefix: prefix,
		logger: logger,
		status: make(map[int]StatusFunc),
	}
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			t.fanout(StatusChannelError, err)
		}),
		nats.ReconnectHandler(func(*nats.Conn) {
			t.fanout(StatusSubscribed, nil)
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			t.fanout(StatusClosed, nil)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	t.nc = nc
	return t, nil
}

// Close terminates the NATS connection.
func (t *NATS) Close() {
	t.nc.Close()
}

// Subscribe opens a channel handle. The status callback fires asynchronously
// with StatusSubscribed once the server has acknowledged the connection, or
// StatusTimedOut if the round trip does not complete.
func (t *NATS) Subscribe(_ context.Context, channel string, status StatusFunc) (Channel, error) {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	if status != nil {
		t.status[id] = status
	}
	t.mu.Unlock()

	ch := &natsChannel{t: t, id: id, channel: channel}

	go func() {
		if err := t.nc.FlushTimeout(5 * time.Second); err != nil {
			if status != nil {
				status(StatusTimedOut, err)
			}
			return
		}
		if status != nil {
			status(StatusSubscribed, nil)
		}
	}()

	return ch, nil
}

func (t *NATS) fanout(s ChannelStatus, err error) {
	t.mu.Lock()
	fns := make([]StatusFunc, 0, len(t.status))
	for _, fn := range t.status {
		fns = append(fns, fn)
	}
	t.mu.Unlock()
	for _, fn := range fns {
		fn(s, err)
	}
}

func (t *NATS) subject(channel string, kind EventKind) string {
	return fmt.Sprintf("%s.%s.%s", t.prefix, sanitizeToken(channel), kind)
}

// sanitizeToken makes a conversation id safe as a NATS subject token.
func sanitizeToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', ' ', '*', '>':
			return '_'
		}
		return r
	}, s)
}

type natsChannel struct {
	t       *NATS
	id      int
	channel string

	mu     sync.Mutex
	subs   []*nats.Subscription
	closed bool
}

func (c *natsChannel) On(kind EventKind, fn func(Event)) {
	subject := c.t.subject(c.channel, kind)
	sub, err := c.t.nc.Subscribe(subject, func(m *nats.Msg) {
		fn(Event{
			Kind:       kind,
			Channel:    c.channel,
			Payload:    m.Data,
			ReceivedAt: time.Now(),
		})
	})
	if err != nil {
		c.t.logger.Error("subscribe handler failed", zap.String("subject", subject), zap.Error(err))
		return
	}
	c.mu.Lock()
	if c.closed {
		_ = sub.Unsubscribe()
		c.mu.Unlock()
		return
	}
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
}

func (c *natsChannel) Send(_ context.Context, kind EventKind, payload []byte) error {
	if !c.t.nc.IsConnected() {
		return fmt.Errorf("send %s: connection down", kind)
	}
	subject := c.t.subject(c.channel, kind)
	if err := c.t.nc.Publish(subject, payload); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

func (c *natsChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	c.t.mu.Lock()
	delete(c.t.status, c.id)
	c.t.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	return nil
}
