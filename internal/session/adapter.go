package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/coachpo/meltica-realtime/internal/domain/schema"
	"github.com/coachpo/meltica-realtime/internal/state"
)

// ErrReconnect is returned by Adapter.Handle when the exchange asks the client
// to drop the connection, for example after a listen key expires.
var ErrReconnect = errors.New("session: reconnect requested")

// ResyncError is returned when the seeded state of some symbols fell out of
// sequence. The session re-seeds those symbols and keeps the connection.
type ResyncError struct {
	Channel schema.Channel
	Symbols []string
}

func (e *ResyncError) Error() string {
	return fmt.Sprintf("session: resync %s %s", e.Channel, strings.Join(e.Symbols, ","))
}

func resyncs(err error, channel schema.Channel, symbol string) bool {
	var resync *ResyncError
	return errors.As(err, &resync) && resync.Channel == channel && slices.Contains(resync.Symbols, symbol)
}

// Apply runs under the session's processing lock so its state mutations are
// ordered with wire frames.
type Apply func(ctx context.Context) ([]schema.Envelope, error)

// PartialState is auxiliary REST-hydrated state a channel needs to interpret
// incremental events. It survives reconnects and is reset on unsubscribe or close.
type PartialState interface {
	Init(ctx context.Context) ([]schema.Envelope, error)
	Refresh(ctx context.Context) ([]schema.Envelope, error)
	Reset()
}

// ChannelSpec describes how a channel maps onto wire subscriptions.
//
// A channel with FixedTopic sends one non-symbol command. Otherwise Topic names
// the per-symbol stream; the wildcard symbol either uses WildcardTopic as a
// single command or, when that is empty, a diff watcher that keeps one
// per-symbol stream for every cached symbol.
type ChannelSpec struct {
	Channel       schema.Channel
	Topic         func(symbol string) string
	WildcardTopic string
	FixedTopic    func() string
	Auth          bool
	SessionOwning bool
	// Seeded channels fetch a REST snapshot after each per-symbol subscribe.
	Seeded  bool
	Partial PartialState
}

func (c ChannelSpec) fixed() bool { return c.FixedTopic != nil }

func (c ChannelSpec) watched() bool { return c.FixedTopic == nil && c.WildcardTopic == "" }

// Adapter binds a session to one exchange.
type Adapter interface {
	Name() string
	URL() string
	Channels() []ChannelSpec
	Cache() *state.Cache
	// Bootstrap loads the symbol table into the cache.
	Bootstrap(ctx context.Context) error
	Authenticate(ctx context.Context) error
	KeepAlive(ctx context.Context) error
	// Handle decodes one frame and runs it through the message pipeline.
	Handle(ctx context.Context, frame []byte) ([]schema.Envelope, error)
	// Seed fetches a snapshot for channel/symbol and returns its application step.
	Seed(ctx context.Context, channel schema.Channel, symbol string) (Apply, error)
	// Reconnected drops stream state tied to the previous connection.
	Reconnected()
}
