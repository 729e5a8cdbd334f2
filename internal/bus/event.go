package bus

import "time"

// Event represents a domain event published on the bus.
//
// Kinds are dot-separated and namespaced by component:
//
//	message.*  delivery tracker lifecycle (new, sent, send_failed, status)
//	typing.*   typing indicator changes (started, stopped)
//	channel.*  channel state transitions and terminal errors
//	queue.*    offline queue activity (enqueued, drained, action_dropped)
//	env.*      environment signals fed by the embedding process
//	mode.*     adaptive connection mode changes
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Well-known event kinds. Payload types are documented at the publish site.
const (
	KindMessageNew        = "message.new"
	KindMessageSent       = "message.sent"
	KindMessageSendFailed = "message.send_failed"
	KindMessageStatus     = "message.status"

	KindTypingStarted = "typing.started"
	KindTypingStopped = "typing.stopped"

	KindChannelState         = "channel.state"
	KindChannelTerminalError = "channel.terminal_error"

	KindQueueEnqueued      = "queue.enqueued"
	KindQueueDrained       = "queue.drained"
	KindQueueActionDropped = "queue.action_dropped"

	KindEnvOnline     = "env.online"
	KindEnvOffline    = "env.offline"
	KindEnvVisibility = "env.visibility"
	KindEnvNetwork    = "env.network"
	KindEnvBattery    = "env.battery"

	KindModeChanged = "mode.changed"
)
