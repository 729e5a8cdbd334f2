// Package sched owns every periodic task in the daemon. Components register
// their callbacks once; the adaptive controller retunes all intervals in one
// call instead of racing independently owned tickers.
package sched

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Task names registered by the daemon. Exported so the adaptive controller
// can retune them without importing the owning packages.
const (
	TaskQueueDrain  = "queue.drain"
	TaskTypingSweep = "typing.sweep"
	TaskHeartbeat   = "channel.heartbeat"
)

type task struct {
	name     string
	interval time.Duration
	fn       func(context.Context)
	retune   chan time.Duration
	kick     chan struct{}
}

// Scheduler runs registered callbacks on per-task tickers.
type Scheduler struct {
	mu      sync.Mutex
	tasks   map[string]*task
	logger  *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	wg      sync.WaitGroup
}

// New creates a scheduler. Tasks may be registered before or after Start.
func New(logger *zap.Logger) *Scheduler {
	return &Scheduler{
		tasks:  make(map[string]*task),
		logger: logger,
	}
}

// Register adds a periodic task. interval must be positive and name unique.
func (s *Scheduler) Register(name string, interval time.Duration, fn func(context.Context)) error {
	if interval <= 0 {
		return fmt.Errorf("register %s: non-positive interval %v", name, interval)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[name]; ok {
		return fmt.Errorf("register %s: already registered", name)
	}
	t := &task{
		name:     name,
		interval: interval,
		fn:       fn,
		retune:   make(chan time.Duration, 1),
		kick:     make(chan struct{}, 1),
	}
	s.tasks[name] = t
	if s.started {
		s.wg.Add(1)
		go s.run(s.ctx, t)
	}
	return nil
}

// Start launches all registered tasks.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = true
	for _, t := range s.tasks {
		s.wg.Add(1)
		go s.run(s.ctx, t)
	}
}

// Stop cancels all tasks and waits for them to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
}

// Kick schedules an immediate run of the named task. No-op for unknown names
// so callers don't need to care whether a task was wired.
func (s *Scheduler) Kick(name string) {
	s.mu.Lock()
	t, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return
	}
	select {
	case t.kick <- struct{}{}:
	default:
	}
}

// KickAfter schedules an immediate run of the named task after a delay.
func (s *Scheduler) KickAfter(name string, delay time.Duration) {
	time.AfterFunc(delay, func() { s.Kick(name) })
}

// Retune applies new intervals to the named tasks atomically: all updates are
// queued under one lock so a mode change never interleaves with another.
// Unknown names are ignored.
func (s *Scheduler) Retune(intervals map[string]time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, interval := range intervals {
		t, ok := s.tasks[name]
		if !ok || interval <= 0 {
			continue
		}
		t.interval = interval
		// Replace any pending retune rather than blocking.
		select {
		case <-t.retune:
		default:
		}
		t.retune <- interval
	}
}

// Interval reports the current interval of a task (zero when unknown).
func (s *Scheduler) Interval(name string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[name]; ok {
		return t.interval
	}
	return 0
}

func (s *Scheduler) run(ctx context.Context, t *task) {
	defer s.wg.Done()
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case d := <-t.retune:
			ticker.Reset(d)
			s.logger.Info("task retuned", zap.String("task", t.name), zap.Duration("interval", d))
		case <-t.kick:
			t.fn(ctx)
		case <-ticker.C:
			t.fn(ctx)
		}
	}
}
