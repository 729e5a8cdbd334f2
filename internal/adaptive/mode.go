package adaptive

import "time"

// Mode is the process-wide connection mode, a named bundle of timing
// parameters applied uniformly to every active channel and the queue.
type Mode string

const (
	ModeFull      Mode = "full"
	ModeEfficient Mode = "efficient"
	ModeMinimal   Mode = "minimal"
	ModeOffline   Mode = "offline"
)

// Params are the timings a mode implies.
type Params struct {
	Heartbeat   time.Duration
	BatchWindow time.Duration
	QueueDrain  time.Duration
}

// ParamsFor returns the timing bundle for a mode. Offline keeps minimal
// timings; channels do not send in offline mode anyway.
func ParamsFor(m Mode) Params {
	switch m {
	case ModeFull:
		return Params{Heartbeat: 30 * time.Second, BatchWindow: 100 * time.Millisecond, QueueDrain: 30 * time.Second}
	case ModeEfficient:
		return Params{Heartbeat: 120 * time.Second, BatchWindow: 2 * time.Second, QueueDrain: 60 * time.Second}
	case ModeMinimal:
		return Params{Heartbeat: 300 * time.Second, BatchWindow: 5 * time.Second, QueueDrain: 120 * time.Second}
	default:
		return Params{Heartbeat: 300 * time.Second, BatchWindow: 5 * time.Second, QueueDrain: 30 * time.Second}
	}
}

// Visibility is the app visibility signal.
type Visibility string

const (
	VisibilityForeground  Visibility = "foreground"
	VisibilityBackground  Visibility = "background"
	VisibilityTerminating Visibility = "terminating"
)

// NetworkQuality classifies the effective connection.
type NetworkQuality string

const (
	NetworkHigh    NetworkQuality = "high"
	NetworkMedium  NetworkQuality = "medium"
	NetworkLow     NetworkQuality = "low"
	NetworkOffline NetworkQuality = "offline"
)

// Signals are the environment inputs the mode is derived from.
type Signals struct {
	Visibility   Visibility
	Network      NetworkQuality
	BatteryLevel float64 // 0..1
	Charging     bool
	Online       bool
}

// BatteryStatus is the env.battery bus payload.
type BatteryStatus struct {
	Level    float64
	Charging bool
}

// ModeChange is the mode.changed bus payload.
type ModeChange struct {
	From Mode
	To   Mode
}

// Derive maps signals to a mode. The rules are ordered by priority and the
// mapping is total: every signal combination resolves to exactly one mode.
func Derive(s Signals, batteryThreshold float64) Mode {
	switch {
	case s.Visibility == VisibilityTerminating:
		return ModeMinimal
	case !s.Online || s.Network == NetworkOffline:
		return ModeOffline
	case s.Visibility == VisibilityBackground:
		return ModeEfficient
	case s.BatteryLevel > 0 && s.BatteryLevel < batteryThreshold && !s.Charging:
		return ModeMinimal
	case s.Network == NetworkMedium:
		return ModeEfficient
	case s.Network == NetworkLow:
		return ModeMinimal
	default:
		return ModeFull
	}
}
