// Package typing converts keystroke activity into a rate-limited,
// auto-expiring presence broadcast and mirrors remote users' typing state
// for display. Presence is best-effort: broadcast failures are dropped.
package typing

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lmoretti/chatwire/internal/bus"
	"go.uber.org/zap"
)

// State represents one user typing in one conversation. At most one State
// exists per (user, conversation) pair.
type State struct {
	UserID         string
	UserName       string
	ConversationID string
	StartedAt      time.Time
	LastActivityAt time.Time
}

// Broadcaster sends typing presence to the other participants.
type Broadcaster interface {
	BroadcastTyping(ctx context.Context, conversationID, userID, userName string, typing bool) error
}

// Options carries the typing tunables.
type Options struct {
	Debounce      time.Duration // min gap between outbound start broadcasts
	AutoStop      time.Duration // inactivity before a synthetic stop
	MaxDuration   time.Duration // hard cap on one continuous typing state
	SweepInterval time.Duration
}

type entry struct {
	State
	local bool
}

// Manager owns all typing state. Concurrent callers serialize through its
// public operations; the state map is never shared directly.
type Manager struct {
	opts        Options
	broadcaster Broadcaster
	bus         *bus.Bus
	logger      *zap.Logger

	mu            sync.Mutex
	efficient     bool
	states        map[string]map[string]*entry // conversation -> user
	lastBroadcast map[string]time.Time
	stopTimers    map[string]*time.Timer
}

// NewManager creates a typing manager.
func NewManager(opts Options, broadcaster Broadcaster, b *bus.Bus, logger *zap.Logger) *Manager {
	return &Manager{
		opts:          opts,
		broadcaster:   broadcaster,
		bus:           b,
		logger:        logger,
		states:        make(map[string]map[string]*entry),
		lastBroadcast: make(map[string]time.Time),
		stopTimers:    make(map[string]*time.Timer),
	}
}

func key(conversationID, userID string) string {
	return conversationID + "\x00" + userID
}

// SetEfficient toggles efficient mode: debounce doubles and auto-stop halves
// to cut broadcast volume. Armed auto-stop timers are rescheduled against the
// new delay so states active at the toggle expire on the new schedule too.
func (m *Manager) SetEfficient(on bool) {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.efficient == on {
		return
	}
	m.efficient = on

	autoStop := m.autoStopLocked()
	for conversationID, users := range m.states {
		for userID, e := range users {
			if !e.local {
				continue
			}
			k := key(conversationID, userID)
			t := m.stopTimers[k]
			if t == nil {
				continue
			}
			t.Stop()
			d := autoStop - now.Sub(e.LastActivityAt)
			if d < 0 {
				d = 0
			}
			m.stopTimers[k] = time.AfterFunc(d, func() {
				m.expire(conversationID, userID)
			})
		}
	}
}

func (m *Manager) debounceLocked() time.Duration {
	if m.efficient {
		return m.opts.Debounce * 2
	}
	return m.opts.Debounce
}

func (m *Manager) autoStopLocked() time.Duration {
	if m.efficient {
		return m.opts.AutoStop / 2
	}
	return m.opts.AutoStop
}

// Start records local keystroke activity. The state is upserted, the
// auto-stop timer re-armed, and a start broadcast sent at most once per
// debounce window, not on every keystroke.
func (m *Manager) Start(ctx context.Context, conversationID, userID, userName string) {
	now := time.Now()
	k := key(conversationID, userID)

	m.mu.Lock()
	users := m.states[conversationID]
	if users == nil {
		users = make(map[string]*entry)
		m.states[conversationID] = users
	}
	e, existed := users[userID]
	if !existed {
		e = &entry{State: State{
			UserID:         userID,
			UserName:       userName,
			ConversationID: conversationID,
			StartedAt:      now,
		}, local: true}
		users[userID] = e
	}
	e.LastActivityAt = now

	if t := m.stopTimers[k]; t != nil {
		t.Stop()
	}
	m.stopTimers[k] = time.AfterFunc(m.autoStopLocked(), func() {
		m.expire(conversationID, userID)
	})

	broadcast := now.Sub(m.lastBroadcast[k]) >= m.debounceLocked()
	if broadcast {
		m.lastBroadcast[k] = now
	}
	state := e.State
	m.mu.Unlock()

	if !existed {
		m.bus.Publish(bus.Event{Kind: bus.KindTypingStarted, Timestamp: now, Payload: state})
	}
	if broadcast {
		if err := m.broadcaster.BroadcastTyping(ctx, conversationID, userID, userName, true); err != nil {
			m.logger.Debug("typing broadcast dropped", zap.Error(err))
		}
	}
}

// Stop ends local typing immediately. Never debounced: the stop broadcast
// goes out right away and the auto-stop timer is cancelled.
func (m *Manager) Stop(ctx context.Context, conversationID, userID string) {
	k := key(conversationID, userID)

	m.mu.Lock()
	e := m.removeLocked(conversationID, userID)
	delete(m.lastBroadcast, k)
	m.mu.Unlock()

	if e == nil {
		return
	}
	m.bus.Publish(bus.Event{Kind: bus.KindTypingStopped, Timestamp: time.Now(), Payload: e.State})
	if err := m.broadcaster.BroadcastTyping(ctx, conversationID, userID, e.UserName, false); err != nil {
		m.logger.Debug("typing stop broadcast dropped", zap.Error(err))
	}
}

// HandleRemote applies an inbound typing event from another participant.
func (m *Manager) HandleRemote(conversationID, userID, userName string, typing bool) {
	now := time.Now()

	m.mu.Lock()
	if typing {
		users := m.states[conversationID]
		if users == nil {
			users = make(map[string]*entry)
			m.states[conversationID] = users
		}
		e, existed := users[userID]
		if !existed {
			e = &entry{State: State{
				UserID:         userID,
				UserName:       userName,
				ConversationID: conversationID,
				StartedAt:      now,
			}}
			users[userID] = e
		}
		e.UserName = userName
		e.LastActivityAt = now
		state := e.State
		m.mu.Unlock()
		if !existed {
			m.bus.Publish(bus.Event{Kind: bus.KindTypingStarted, Timestamp: now, Payload: state})
		}
		return
	}

	e := m.removeLocked(conversationID, userID)
	m.mu.Unlock()
	if e != nil {
		m.bus.Publish(bus.Event{Kind: bus.KindTypingStopped, Timestamp: now, Payload: e.State})
	}
}

// Sweep removes typing states idle past the auto-stop delay or older than
// the hard cap, emitting one synthetic stop each. Registered as a periodic
// scheduler task.
func (m *Manager) Sweep(ctx context.Context) {
	now := time.Now()

	m.mu.Lock()
	autoStop := m.autoStopLocked()
	var expired []*entry
	for conversationID, users := range m.states {
		for userID, e := range users {
			if now.Sub(e.LastActivityAt) >= autoStop || now.Sub(e.StartedAt) >= m.opts.MaxDuration {
				m.removeLocked(conversationID, userID)
				delete(m.lastBroadcast, key(conversationID, userID))
				expired = append(expired, e)
			}
		}
	}
	m.mu.Unlock()

	for _, e := range expired {
		m.bus.Publish(bus.Event{Kind: bus.KindTypingStopped, Timestamp: now, Payload: e.State})
		if e.local {
			if err := m.broadcaster.BroadcastTyping(ctx, e.ConversationID, e.UserID, e.UserName, false); err != nil {
				m.logger.Debug("typing stop broadcast dropped", zap.Error(err))
			}
		}
	}
}

// expire fires from an auto-stop timer. The state may already be gone if a
// Stop or Sweep won the race; removal under the lock keeps the synthetic
// stop exactly-once.
func (m *Manager) expire(conversationID, userID string) {
	m.mu.Lock()
	e := m.removeLocked(conversationID, userID)
	delete(m.lastBroadcast, key(conversationID, userID))
	m.mu.Unlock()

	if e == nil {
		return
	}
	m.bus.Publish(bus.Event{Kind: bus.KindTypingStopped, Timestamp: time.Now(), Payload: e.State})
	if e.local {
		if err := m.broadcaster.BroadcastTyping(context.Background(), conversationID, userID, e.UserName, false); err != nil {
			m.logger.Debug("typing stop broadcast dropped", zap.Error(err))
		}
	}
}

// removeLocked deletes a state and its timer. Caller holds m.mu.
func (m *Manager) removeLocked(conversationID, userID string) *entry {
	users := m.states[conversationID]
	e, ok := users[userID]
	if !ok {
		return nil
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(m.states, conversationID)
	}
	k := key(conversationID, userID)
	if t := m.stopTimers[k]; t != nil {
		t.Stop()
		delete(m.stopTimers, k)
	}
	return e
}

// States returns a snapshot of active typing states for a conversation,
// oldest first.
func (m *Manager) States(conversationID string) []State {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []State
	for _, e := range m.states[conversationID] {
		out = append(out, e.State)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// Text renders a display summary of who is typing, excluding selfID.
// Purely derived; no side effects.
func (m *Manager) Text(conversationID, selfID string) string {
	states := m.States(conversationID)
	var names []string
	for _, s := range states {
		if s.UserID == selfID {
			continue
		}
		name := s.UserName
		if name == "" {
			name = s.UserID
		}
		names = append(names, name)
	}
	switch len(names) {
	case 0:
		return ""
	case 1:
		return fmt.Sprintf("%s is typing…", names[0])
	case 2:
		return fmt.Sprintf("%s and %s are typing…", names[0], names[1])
	default:
		return fmt.Sprintf("%s and %d others are typing…", names[0], len(names)-1)
	}
}
