package transport

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Middleware decorates a Realtime. Instrumentation composes explicitly
// around the transport instead of intercepting calls behind a proxy.
type Middleware func(Realtime) Realtime

// Chain applies middlewares left to right: the first listed is outermost.
func Chain(rt Realtime, mws ...Middleware) Realtime {
	for i := len(mws) - 1; i >= 0; i-- {
		rt = mws[i](rt)
	}
	return rt
}

// WithLogging logs subscribe/send activity and send latency.
func WithLogging(logger *zap.Logger) Middleware {
	return func(next Realtime) Realtime {
		return &loggingRealtime{next: next, logger: logger}
	}
}

type loggingRealtime struct {
	next   Realtime
	logger *zap.Logger
}

func (l *loggingRealtime) Subscribe(ctx context.Context, channel string, status StatusFunc) (Channel, error) {
	wrapped := func(s ChannelStatus, err error) {
		if err != nil {
			l.logger.Warn("channel status", zap.String("channel", channel), zap.String("status", string(s)), zap.Error(err))
		} else {
			l.logger.Info("channel status", zap.String("channel", channel), zap.String("status", string(s)))
		}
		if status != nil {
			status(s, err)
		}
	}
	ch, err := l.next.Subscribe(ctx, channel, wrapped)
	if err != nil {
		l.logger.Error("subscribe failed", zap.String("channel", channel), zap.Error(err))
		return nil, err
	}
	return &loggingChannel{next: ch, channel: channel, logger: l.logger}, nil
}

type loggingChannel struct {
	next    Channel
	channel string
	logger  *zap.Logger
}

func (c *loggingChannel) On(kind EventKind, fn func(Event)) {
	c.next.On(kind, fn)
}

func (c *loggingChannel) Send(ctx context.Context, kind EventKind, payload []byte) error {
	start := time.Now()
	err := c.next.Send(ctx, kind, payload)
	if err != nil {
		c.logger.Warn("send failed",
			zap.String("channel", c.channel),
			zap.String("kind", string(kind)),
			zap.Error(err))
		return err
	}
	c.logger.Debug("sent",
		zap.String("channel", c.channel),
		zap.String("kind", string(kind)),
		zap.Duration("took", time.Since(start)))
	return nil
}

func (c *loggingChannel) Close() error {
	c.logger.Info("channel closed", zap.String("channel", c.channel))
	return c.next.Close()
}
