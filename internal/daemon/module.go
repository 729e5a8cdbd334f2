// Package daemon composes the chatwired process: transport, tracker, typing,
// queue, channels and the adaptive controller, wired through fx with
// lifecycle hooks for startup and teardown.
package daemon

import (
	"context"
	"time"

	"github.com/lmoretti/chatwire/internal/adaptive"
	"github.com/lmoretti/chatwire/internal/bus"
	"github.com/lmoretti/chatwire/internal/channel"
	"github.com/lmoretti/chatwire/internal/config"
	"github.com/lmoretti/chatwire/internal/delivery"
	"github.com/lmoretti/chatwire/internal/lock"
	"github.com/lmoretti/chatwire/internal/logging"
	"github.com/lmoretti/chatwire/internal/profile"
	"github.com/lmoretti/chatwire/internal/queue"
	"github.com/lmoretti/chatwire/internal/sched"
	"github.com/lmoretti/chatwire/internal/store"
	"github.com/lmoretti/chatwire/internal/transport"
	"github.com/lmoretti/chatwire/internal/typing"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile string
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideLock,
			provideStore,
			provideScheduler,
			provideNATS,
			provideRealtime,
			provideTracker,
			provideBroadcaster,
			provideTyping,
			provideQueue,
			provideAdaptive,
			provideChannelManager,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.Profile), p.Profile)
}

func provideConfig() *config.Config {
	return config.LoadOrDefault(profile.ConfigPath())
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(profile.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.DBPath(p.Profile)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideScheduler(logger *zap.Logger) *sched.Scheduler {
	return sched.New(logger)
}

func provideNATS(cfg *config.Config, logger *zap.Logger) (*transport.NATS, error) {
	return transport.DialNATS(cfg.Transport.URL, cfg.Transport.SubjectPrefix, logger)
}

func provideRealtime(n *transport.NATS, logger *zap.Logger) transport.Realtime {
	return transport.Chain(n, transport.WithLogging(logger))
}

func provideTracker(db *store.DB, b *bus.Bus, logger *zap.Logger) *delivery.Tracker {
	return delivery.NewTracker(&storeSubmitter{db: db}, b, logger)
}

// lateBroadcaster breaks the typing manager / channel manager construction
// cycle: typing needs a broadcaster, and the broadcaster is the channel
// manager, which needs the typing manager.
type lateBroadcaster struct {
	b typing.Broadcaster
}

func (l *lateBroadcaster) BroadcastTyping(ctx context.Context, conversationID, userID, userName string, isTyping bool) error {
	if l.b == nil {
		return nil
	}
	return l.b.BroadcastTyping(ctx, conversationID, userID, userName, isTyping)
}

func provideBroadcaster() *lateBroadcaster {
	return &lateBroadcaster{}
}

func provideTyping(cfg *config.Config, lb *lateBroadcaster, b *bus.Bus, logger *zap.Logger) *typing.Manager {
	return typing.NewManager(typing.Options{
		Debounce:      time.Duration(cfg.Typing.DebounceMs) * time.Millisecond,
		AutoStop:      time.Duration(cfg.Typing.AutoStopS) * time.Second,
		MaxDuration:   time.Duration(cfg.Typing.MaxDurationS) * time.Second,
		SweepInterval: time.Duration(cfg.Typing.SweepIntervalS) * time.Second,
	}, lb, b, logger)
}

func provideQueue(cfg *config.Config, db *store.DB, b *bus.Bus, s *sched.Scheduler, logger *zap.Logger) *queue.Queue {
	return queue.New(db, b, s, queue.Options{
		Capacity:      cfg.Queue.Capacity,
		MaxRetries:    cfg.Queue.MaxRetries,
		RetryBackoff:  time.Duration(cfg.Queue.RetryBackoffMs) * time.Millisecond,
		DrainInterval: time.Duration(cfg.Queue.DrainIntervalS) * time.Second,
		SettleDelay:   time.Duration(cfg.Queue.SettleDelayS) * time.Second,
	}, logger)
}

func provideAdaptive(cfg *config.Config, b *bus.Bus, s *sched.Scheduler, logger *zap.Logger) *adaptive.Controller {
	return adaptive.New(cfg.Adaptive.BatteryThreshold, b, s, logger)
}

func provideChannelManager(p Params, cfg *config.Config, rt transport.Realtime, tracker *delivery.Tracker, tm *typing.Manager, q *queue.Queue, b *bus.Bus, s *sched.Scheduler, logger *zap.Logger) *channel.Manager {
	selfID := cfg.Identity.UserID
	if selfID == "" {
		selfID = p.Profile
	}
	selfName := cfg.Identity.UserName
	if selfName == "" {
		selfName = selfID
	}
	return channel.NewManager(rt, tracker, tm, q, b, s, channel.Options{
		SelfID:               selfID,
		SelfName:             selfName,
		MaxReconnectAttempts: cfg.Channel.MaxReconnectAttempts,
		ReconnectBase:        time.Duration(cfg.Channel.ReconnectBaseMs) * time.Millisecond,
		ReconnectMax:         time.Duration(cfg.Channel.ReconnectMaxMs) * time.Millisecond,
		BatchWindow:          time.Duration(cfg.Channel.BatchWindowMs) * time.Millisecond,
		Heartbeat:            time.Duration(cfg.Channel.HeartbeatS) * time.Second,
	}, logger)
}

func registerLifecycle(lc fx.Lifecycle, cfg *config.Config, lk *lock.Lock, db *store.DB, n *transport.NATS, s *sched.Scheduler, lb *lateBroadcaster, tm *typing.Manager, q *queue.Queue, ctrl *adaptive.Controller, mgr *channel.Manager, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Typing broadcasts flow through the channel manager.
			lb.b = mgr

			// Queued sends replay through the tracker's submit path.
			q.Register(queue.ActionSendMessage, mgr.ExecuteSendAction)

			if err := q.Start(context.Background()); err != nil {
				return err
			}
			if err := mgr.Start(context.Background()); err != nil {
				return err
			}
			if err := s.Register(sched.TaskTypingSweep,
				time.Duration(cfg.Typing.SweepIntervalS)*time.Second, tm.Sweep); err != nil {
				return err
			}

			// The controller retunes the manager and the typing debounce on
			// every mode change.
			ctrl.AddRetuner(mgr)
			ctrl.AddToggle(tm)
			ctrl.Start(context.Background())

			s.Start(context.Background())
			logger.Info("daemon started")
			return nil
		},
		OnStop: func(_ context.Context) error {
			s.Stop()
			ctrl.Stop()
			mgr.Stop()
			q.Stop()
			n.Close()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
