// Package pipeline routes typed exchange messages through per-channel serializers
// and groups their output into canonical envelopes.
package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/coachpo/meltica-realtime/internal/domain/schema"
	"github.com/coachpo/meltica-realtime/internal/infra/logging"
)

// Message is one decoded frame. Action is the frame-level tag (for example
// partial for snapshots); empty means update.
type Message[T any] struct {
	Action schema.Action
	Items  []T
}

// Entry is one canonical record produced by a serializer. An empty Action
// inherits the message action.
type Entry struct {
	Action schema.Action
	Record any
}

// Serializer converts items of one channel into canonical records.
type Serializer[T any] interface {
	Channel() schema.Channel
	// IsItemValid reports whether item belongs to this channel and references a known symbol.
	IsItemValid(msg Message[T], item T) bool
	// Load updates cached state and returns the records the item produces, possibly none.
	Load(ctx context.Context, msg Message[T], item T) ([]Entry, error)
}

// Observer receives pipeline outcomes for metrics.
type Observer interface {
	Emitted(ctx context.Context, env schema.Envelope)
	Dropped(ctx context.Context, channel schema.Channel, reason string)
}

// Drop reasons.
const (
	DropUnrecognized = "unrecognized"
	DropLoadFailed   = "load_failed"
)

// Config binds a pipeline to an account and schema.
type Config struct {
	Account string
	Schema  schema.ContractSchema
	// Active filters serializers by channel; nil enables every channel.
	Active   func(schema.Channel) bool
	Logger   *zap.Logger
	Observer Observer
}

// Pipeline dispatches messages to serializers in registration order.
type Pipeline[T any] struct {
	cfg         Config
	logger      *zap.Logger
	serializers []Serializer[T]
}

// New constructs a pipeline over the serializers.
func New[T any](cfg Config, serializers ...Serializer[T]) *Pipeline[T] {
	return &Pipeline[T]{cfg: cfg, logger: logging.OrNop(cfg.Logger), serializers: serializers}
}

type groupKey struct {
	channel schema.Channel
	action  schema.Action
}

// Dispatch runs every valid item through its serializer and returns one
// envelope per (channel, action), in first-seen order. Items no serializer
// accepts are dropped and reported.
func (p *Pipeline[T]) Dispatch(ctx context.Context, msg Message[T]) []schema.Envelope {
	defaultAction := msg.Action
	if defaultAction == "" {
		defaultAction = schema.ActionUpdate
	}

	var (
		order  []groupKey
		groups = make(map[groupKey][]any)
	)
	for _, item := range msg.Items {
		accepted := false
		for _, s := range p.serializers {
			ch := s.Channel()
			if p.cfg.Active != nil && !p.cfg.Active(ch) {
				continue
			}
			if !s.IsItemValid(msg, item) {
				continue
			}
			accepted = true
			entries, err := s.Load(ctx, msg, item)
			if err != nil {
				p.logger.Warn("serializer load failed", zap.String("channel", string(ch)), zap.Error(err))
				p.dropped(ctx, ch, DropLoadFailed)
				continue
			}
			for _, e := range entries {
				if e.Record == nil {
					continue
				}
				action := e.Action
				if action == "" {
					action = defaultAction
				}
				key := groupKey{channel: ch, action: action}
				if _, ok := groups[key]; !ok {
					order = append(order, key)
				}
				groups[key] = append(groups[key], e.Record)
			}
		}
		if !accepted {
			p.dropped(ctx, "", DropUnrecognized)
		}
	}

	out := make([]schema.Envelope, 0, len(order))
	for _, key := range order {
		env := schema.Envelope{
			Account: p.cfg.Account,
			Table:   key.channel,
			Schema:  p.cfg.Schema,
			Action:  key.action,
			Data:    groups[key],
		}
		if p.cfg.Observer != nil {
			p.cfg.Observer.Emitted(ctx, env)
		}
		out = append(out, env)
	}
	return out
}

func (p *Pipeline[T]) dropped(ctx context.Context, ch schema.Channel, reason string) {
	if p.cfg.Observer != nil {
		p.cfg.Observer.Dropped(ctx, ch, reason)
	}
}
