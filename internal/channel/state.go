package channel

// State is the connection state of one conversation channel.
type State string

const (
	StateSubscribing  State = "subscribing"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateError        State = "error"
)

// validTransitions is the channel state machine. Error is terminal except for
// an explicit resubscribe; connected never jumps straight to error.
var validTransitions = map[State][]State{
	StateSubscribing:  {StateConnected, StateDisconnected, StateError},
	StateConnected:    {StateDisconnected},
	StateDisconnected: {StateSubscribing, StateError},
	StateError:        {StateSubscribing},
}

func canTransition(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StateChange is the channel.state bus payload.
type StateChange struct {
	ConversationID string
	From           State
	To             State
}

// TerminalError is the channel.terminal_error bus payload.
type TerminalError struct {
	ConversationID string
	Attempts       int
	Err            string
}
