// Package adaptive derives a single connection mode from app visibility,
// network quality and battery state, and retunes every timing-sensitive
// component when it changes.
package adaptive

import (
	"context"
	"sync"
	"time"

	"github.com/lmoretti/chatwire/internal/bus"
	"github.com/lmoretti/chatwire/internal/sched"
	"go.uber.org/zap"
)

// Retuner receives the new mode and timing bundle on every mode change.
// The channel manager implements this to swap its batch windows.
type Retuner interface {
	ApplyMode(m Mode, p Params)
}

// EfficiencyToggle is implemented by components with a reduced-traffic mode.
type EfficiencyToggle interface {
	SetEfficient(on bool)
}

// Controller owns the environment signals and the derived mode.
type Controller struct {
	bus    *bus.Bus
	sched  *sched.Scheduler
	logger *zap.Logger

	batteryThreshold float64
	retuners         []Retuner
	toggles          []EfficiencyToggle

	mu     sync.Mutex
	sig    Signals
	mode   Mode
	cancel context.CancelFunc
}

// New creates a controller starting from foreground/high/online signals,
// which derive to full mode.
func New(batteryThreshold float64, b *bus.Bus, s *sched.Scheduler, logger *zap.Logger) *Controller {
	return &Controller{
		bus:              b,
		sched:            s,
		logger:           logger,
		batteryThreshold: batteryThreshold,
		sig: Signals{
			Visibility:   VisibilityForeground,
			Network:      NetworkHigh,
			BatteryLevel: 1.0,
			Online:       true,
		},
		mode: ModeFull,
	}
}

// AddRetuner registers a component to receive mode changes. Call before Start.
func (c *Controller) AddRetuner(r Retuner) {
	c.retuners = append(c.retuners, r)
}

// AddToggle registers a component with an efficient mode. Call before Start.
func (c *Controller) AddToggle(t EfficiencyToggle) {
	c.toggles = append(c.toggles, t)
}

// Mode returns the current connection mode.
func (c *Controller) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Offline reports whether the current mode is offline.
func (c *Controller) Offline() bool {
	return c.Mode() == ModeOffline
}

// SetVisibility updates the app visibility signal.
func (c *Controller) SetVisibility(v Visibility) {
	c.mu.Lock()
	c.sig.Visibility = v
	c.mu.Unlock()
	c.recompute()
}

// SetNetworkQuality updates the network classification signal.
func (c *Controller) SetNetworkQuality(n NetworkQuality) {
	c.mu.Lock()
	c.sig.Network = n
	c.mu.Unlock()
	c.recompute()
}

// SetBattery updates the battery signal.
func (c *Controller) SetBattery(level float64, charging bool) {
	c.mu.Lock()
	c.sig.BatteryLevel = level
	c.sig.Charging = charging
	c.mu.Unlock()
	c.recompute()
}

// SetOnline updates the connectivity signal.
func (c *Controller) SetOnline(online bool) {
	c.mu.Lock()
	c.sig.Online = online
	c.mu.Unlock()
	c.recompute()
}

// Start follows env.* bus events so the embedding process can feed platform
// signals without holding a controller reference.
func (c *Controller) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	ch, unsub := c.bus.Subscribe("env.", 64)
	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				c.handleEnv(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the bus listener.
func (c *Controller) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
}

func (c *Controller) handleEnv(evt bus.Event) {
	switch evt.Kind {
	case bus.KindEnvOnline:
		c.SetOnline(true)
	case bus.KindEnvOffline:
		c.SetOnline(false)
	case bus.KindEnvVisibility:
		if v, ok := evt.Payload.(Visibility); ok {
			c.SetVisibility(v)
		}
	case bus.KindEnvNetwork:
		if n, ok := evt.Payload.(NetworkQuality); ok {
			c.SetNetworkQuality(n)
		}
	case bus.KindEnvBattery:
		if s, ok := evt.Payload.(BatteryStatus); ok {
			c.SetBattery(s.Level, s.Charging)
		}
	}
}

// recompute derives the mode and, on change, retunes everything: scheduler
// intervals are updated in one atomic call, then the registered components
// are notified. Open channels are never resubscribed on a mode change.
func (c *Controller) recompute() {
	c.mu.Lock()
	next := Derive(c.sig, c.batteryThreshold)
	if next == c.mode {
		c.mu.Unlock()
		return
	}
	prev := c.mode
	c.mode = next
	c.mu.Unlock()

	p := ParamsFor(next)
	c.logger.Info("connection mode changed",
		zap.String("from", string(prev)),
		zap.String("to", string(next)),
		zap.Duration("heartbeat", p.Heartbeat),
		zap.Duration("batch_window", p.BatchWindow))

	c.sched.Retune(map[string]time.Duration{
		sched.TaskHeartbeat:  p.Heartbeat,
		sched.TaskQueueDrain: p.QueueDrain,
	})

	efficient := next == ModeEfficient || next == ModeMinimal
	for _, t := range c.toggles {
		t.SetEfficient(efficient)
	}
	for _, r := range c.retuners {
		r.ApplyMode(next, p)
	}

	c.bus.Publish(bus.Event{Kind: bus.KindModeChanged, Timestamp: time.Now(), Payload: ModeChange{From: prev, To: next}})
}
