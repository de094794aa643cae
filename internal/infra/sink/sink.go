// Package sink delivers canonical envelopes to downstream consumers.
package sink

import (
	"context"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/coachpo/meltica-realtime/internal/domain/schema"
	"github.com/coachpo/meltica-realtime/internal/infra/logging"
)

// Sink receives every envelope a session emits, in emission order.
type Sink interface {
	Deliver(ctx context.Context, env schema.Envelope) error
	Close() error
}

// Func adapts a callback into a Sink.
type Func func(ctx context.Context, env schema.Envelope) error

// Deliver calls f.
func (f Func) Deliver(ctx context.Context, env schema.Envelope) error { return f(ctx, env) }

// Close is a no-op.
func (Func) Close() error { return nil }

// Channel buffers envelopes on a Go channel. Deliver blocks while the buffer is full.
type Channel struct {
	ch     chan schema.Envelope
	once   sync.Once
	closed chan struct{}
}

// NewChannel constructs a buffered channel sink.
func NewChannel(buffer int) *Channel {
	return &Channel{ch: make(chan schema.Envelope, buffer), closed: make(chan struct{})}
}

// C exposes the receive side.
func (c *Channel) C() <-chan schema.Envelope { return c.ch }

// Deliver enqueues env.
func (c *Channel) Deliver(ctx context.Context, env schema.Envelope) error {
	select {
	case <-c.closed:
		return context.Canceled
	default:
	}
	select {
	case c.ch <- env:
		return nil
	case <-c.closed:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting envelopes. The receive channel is left open for draining.
func (c *Channel) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// Log writes a summary line per envelope.
type Log struct {
	logger *zap.Logger
}

// NewLog constructs a logging sink.
func NewLog(logger *zap.Logger) *Log {
	return &Log{logger: logging.OrNop(logger)}
}

// Deliver logs env.
func (l *Log) Deliver(_ context.Context, env schema.Envelope) error {
	l.logger.Info("canonical event",
		zap.String("account", env.Account),
		zap.String("table", string(env.Table)),
		zap.String("schema", string(env.Schema)),
		zap.String("action", string(env.Action)),
		zap.Int("records", len(env.Data)),
	)
	return nil
}

// Close is a no-op.
func (l *Log) Close() error { return nil }

// Multi fans envelopes out to several sinks.
type Multi []Sink

// Deliver hands env to every sink and combines their errors.
func (m Multi) Deliver(ctx context.Context, env schema.Envelope) error {
	var err error
	for _, s := range m {
		err = multierr.Append(err, s.Deliver(ctx, env))
	}
	return err
}

// Close closes every sink.
func (m Multi) Close() error {
	var err error
	for _, s := range m {
		err = multierr.Append(err, s.Close())
	}
	return err
}
