// Package queue durably persists actions that cannot be completed
// immediately and replays them once connectivity allows, preserving
// priority and bounding retries.
package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/lmoretti/chatwire/internal/adaptive"
	"github.com/lmoretti/chatwire/internal/bus"
	"github.com/lmoretti/chatwire/internal/sched"
	"github.com/lmoretti/chatwire/internal/store"
	"go.uber.org/zap"
)

// ErrQueueClosed is returned by Enqueue after Stop.
var ErrQueueClosed = errors.New("queue closed")

// Executor performs one queued action. A nil error deletes the action; any
// error counts as a failed attempt.
type Executor func(ctx context.Context, a Action) error

// Options carries the queue tunables.
type Options struct {
	Capacity      int
	MaxRetries    int
	RetryBackoff  time.Duration // per-retry backoff unit: wait backoff*retryCount
	DrainInterval time.Duration
	SettleDelay   time.Duration // wait after going online before draining
}

// Queue is the persisted offline action queue. All mutation goes through
// Enqueue/ExecutePending/ClearAll; the actions table is never touched
// directly by other components.
type Queue struct {
	db     *store.DB
	bus    *bus.Bus
	sched  *sched.Scheduler
	logger *zap.Logger
	opts   Options

	mu        sync.RWMutex
	executors map[ActionType]Executor

	running atomic.Bool
	online  atomic.Bool
	closed  atomic.Bool
	cancel  context.CancelFunc
}

// New creates an offline action queue. The queue starts in the online state;
// environment transitions arrive via env.* bus events once Start runs.
func New(db *store.DB, b *bus.Bus, s *sched.Scheduler, opts Options, logger *zap.Logger) *Queue {
	q := &Queue{
		db:        db,
		bus:       b,
		sched:     s,
		logger:    logger,
		opts:      opts,
		executors: make(map[ActionType]Executor),
	}
	q.online.Store(true)
	return q
}

// Register installs the executor for an action type.
func (q *Queue) Register(t ActionType, fn Executor) {
	q.mu.Lock()
	q.executors[t] = fn
	q.mu.Unlock()
}

// Start registers the periodic drain task and begins following connection
// mode changes on the bus. The derived mode, not the raw env.* signals, is
// what gates the queue: a network classified offline must stop the drain even
// when no explicit offline event ever fires.
func (q *Queue) Start(ctx context.Context) error {
	if err := q.sched.Register(sched.TaskQueueDrain, q.opts.DrainInterval, func(ctx context.Context) {
		q.ExecutePending(ctx)
	}); err != nil {
		return err
	}

	ctx, q.cancel = context.WithCancel(ctx)
	ch, unsub := q.bus.Subscribe(bus.KindModeChanged, 64)
	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				if mc, ok := evt.Payload.(adaptive.ModeChange); ok {
					q.SetOnline(mc.To != adaptive.ModeOffline)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Stop halts the bus listener and rejects further enqueues. The drain task
// stops with the scheduler.
func (q *Queue) Stop() {
	q.closed.Store(true)
	if q.cancel != nil {
		q.cancel()
	}
}

// SetOnline flips the connectivity flag. An offline→online transition kicks
// a drain after the settle delay so flapping links don't thrash the queue.
func (q *Queue) SetOnline(online bool) {
	was := q.online.Swap(online)
	if online && !was {
		q.logger.Info("back online, scheduling drain", zap.Duration("settle", q.opts.SettleDelay))
		q.sched.KickAfter(sched.TaskQueueDrain, q.opts.SettleDelay)
	}
}

// Online reports the current connectivity flag.
func (q *Queue) Online() bool {
	return q.online.Load()
}

// Enqueue persists an action. At capacity, the oldest action in the lowest
// priority tier is evicted first. While online, a drain is kicked
// immediately.
func (q *Queue) Enqueue(a Action) (Action, error) {
	if q.closed.Load() {
		return a, ErrQueueClosed
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.QueuedAt.IsZero() {
		a.QueuedAt = time.Now()
	}

	count, err := q.db.CountActions()
	if err != nil {
		return a, err
	}
	if count >= q.opts.Capacity {
		evicted, err := q.db.EvictLowestPriority()
		if err != nil {
			return a, err
		}
		if evicted != "" {
			q.logger.Warn("queue at capacity, evicted action", zap.String("id", evicted))
		}
	}

	if err := q.db.InsertAction(&store.Action{
		ID:            a.ID,
		Type:          string(a.Type),
		Payload:       a.Payload,
		Priority:      a.Priority,
		QueuedAt:      a.QueuedAt.UnixMilli(),
		RetryCount:    a.RetryCount,
		LastAttemptAt: timeToMillis(a.LastAttemptAt),
	}); err != nil {
		return a, err
	}

	q.bus.Publish(bus.Event{Kind: bus.KindQueueEnqueued, Timestamp: time.Now(), Payload: a})
	q.logger.Info("action enqueued",
		zap.String("id", a.ID),
		zap.String("type", string(a.Type)),
		zap.Int("priority", a.Priority))

	if q.online.Load() {
		q.sched.Kick(sched.TaskQueueDrain)
	}
	return a, nil
}

// ExecutePending drains the queue once: actions run in (priority desc,
// queued_at asc) order; exhausted actions are dropped, actions inside their
// backoff window are skipped, failures are recorded and the drain continues.
// Single-flight: concurrent calls while a run is active are no-ops. While
// offline nothing is attempted.
func (q *Queue) ExecutePending(ctx context.Context) Result {
	if !q.online.Load() {
		return Result{}
	}
	if !q.running.CompareAndSwap(false, true) {
		return Result{}
	}
	defer q.running.Store(false)

	rows, err := q.db.PendingActions()
	if err != nil {
		q.logger.Error("failed to read queue", zap.Error(err))
		return Result{}
	}
	if len(rows) == 0 {
		return Result{}
	}

	var res Result
	now := time.Now()
	for _, row := range rows {
		a := fromRow(row)

		if a.RetryCount >= q.opts.MaxRetries {
			if err := q.db.DeleteAction(a.ID); err != nil {
				q.logger.Error("failed to drop exhausted action", zap.Error(err), zap.String("id", a.ID))
				continue
			}
			res.Dropped++
			q.logger.Warn("action dropped after max retries",
				zap.String("id", a.ID),
				zap.String("type", string(a.Type)),
				zap.Int("retries", a.RetryCount))
			q.bus.Publish(bus.Event{Kind: bus.KindQueueActionDropped, Timestamp: now, Payload: Dropped{ID: a.ID, Type: a.Type}})
			continue
		}

		if a.RetryCount > 0 && now.Sub(a.LastAttemptAt) < q.opts.RetryBackoff*time.Duration(a.RetryCount) {
			res.Skipped++
			continue
		}

		q.mu.RLock()
		exec := q.executors[a.Type]
		q.mu.RUnlock()

		var execErr error
		if exec == nil {
			q.logger.Error("no executor for action type", zap.String("type", string(a.Type)))
			execErr = errNoExecutor
		} else {
			execErr = exec(ctx, a)
		}

		if execErr != nil {
			res.Failed++
			if err := q.db.UpdateActionAttempt(a.ID, a.RetryCount+1, time.Now().UnixMilli()); err != nil {
				q.logger.Error("failed to record attempt", zap.Error(err), zap.String("id", a.ID))
			}
			q.logger.Warn("action failed, will retry",
				zap.String("id", a.ID),
				zap.String("type", string(a.Type)),
				zap.Int("attempt", a.RetryCount+1),
				zap.Error(execErr))
			continue
		}

		if err := q.db.DeleteAction(a.ID); err != nil {
			q.logger.Error("failed to delete completed action", zap.Error(err), zap.String("id", a.ID))
			continue
		}
		res.Executed++
	}

	q.bus.Publish(bus.Event{Kind: bus.KindQueueDrained, Timestamp: time.Now(), Payload: res})
	return res
}

// Len reports the number of persisted actions.
func (q *Queue) Len() (int, error) {
	return q.db.CountActions()
}

// ClearAll removes every queued action.
func (q *Queue) ClearAll() error {
	return q.db.ClearActions()
}

var errNoExecutor = errors.New("no executor registered")

func fromRow(row store.Action) Action {
	return Action{
		ID:            row.ID,
		Type:          ActionType(row.Type),
		Payload:       row.Payload,
		Priority:      row.Priority,
		QueuedAt:      time.UnixMilli(row.QueuedAt),
		RetryCount:    row.RetryCount,
		LastAttemptAt: time.UnixMilli(row.LastAttemptAt),
	}
}

func timeToMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
