// Package transport defines the externally-owned realtime interface the
// messaging core is written against, plus the NATS-backed implementation
// used by the daemon. The core only assumes ordered event delivery per
// channel and a status callback; everything else is an adapter concern.
package transport

import (
	"context"
	"time"
)

// EventKind identifies a wire event type on a channel.
type EventKind string

const (
	EventMessageNew    EventKind = "message_new"
	EventMessageStatus EventKind = "message_status"
	EventTyping        EventKind = "typing"
	EventReadReceipt   EventKind = "read_receipt"
	EventHeartbeat     EventKind = "heartbeat"
)

// ChannelStatus is delivered to the status callback of a subscription.
type ChannelStatus string

const (
	StatusSubscribed   ChannelStatus = "subscribed"
	StatusChannelError ChannelStatus = "channel_error"
	StatusTimedOut     ChannelStatus = "timed_out"
	StatusClosed       ChannelStatus = "closed"
)

// Event is an inbound wire event.
type Event struct {
	Kind       EventKind
	Channel    string
	Payload    []byte
	ReceivedAt time.Time
}

// StatusFunc receives subscription status changes. err is non-nil only for
// StatusChannelError and StatusTimedOut.
type StatusFunc func(status ChannelStatus, err error)

// Channel is one live subscription handle.
type Channel interface {
	// On registers a handler for an event kind. Handlers for one kind are
	// invoked in arrival order.
	On(kind EventKind, fn func(Event))
	// Send publishes an event on the channel.
	Send(ctx context.Context, kind EventKind, payload []byte) error
	// Close tears the subscription down. No events are delivered afterwards.
	Close() error
}

// Realtime is the multiplexed subscribe/publish transport.
type Realtime interface {
	Subscribe(ctx context.Context, channel string, status StatusFunc) (Channel, error)
}
