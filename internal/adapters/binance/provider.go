package binance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/coachpo/meltica-realtime/errs"
	"github.com/coachpo/meltica-realtime/internal/domain/schema"
	"github.com/coachpo/meltica-realtime/internal/infra/logging"
	"github.com/coachpo/meltica-realtime/internal/pipeline"
	"github.com/coachpo/meltica-realtime/internal/session"
	"github.com/coachpo/meltica-realtime/internal/state"
)

// Adapter binds a gateway session to Binance USDⓈ-M or COIN-M futures.
type Adapter struct {
	opts      Options
	cache     *state.Cache
	rest      REST
	logger    *zap.Logger
	books     *BookAssembler
	positions *positionDeriver
	pipeline  *pipeline.Pipeline[event]
	channels  []session.ChannelSpec
	metrics   *adapterMetrics

	mu        sync.Mutex
	listenKey string
	resync    map[string]struct{}
}

var _ session.Adapter = (*Adapter)(nil)

// New constructs an adapter over the state cache of one account and schema.
func New(opts Options) (*Adapter, error) {
	if opts.Cache == nil {
		return nil, errors.New("binance: state cache required")
	}
	if opts.Config.Schema == "" {
		opts.Config.Schema = opts.Cache.Schema()
	}
	opts = withDefaults(opts)
	if opts.Cache.Schema() != opts.Config.Schema {
		return nil, fmt.Errorf("binance: cache schema %s does not match %s", opts.Cache.Schema(), opts.Config.Schema)
	}

	a := &Adapter{
		opts:      opts,
		cache:     opts.Cache,
		rest:      opts.REST,
		logger:    logging.OrNop(opts.Logger).With(zap.String("exchange", exchangeName), zap.String("schema", string(opts.Config.Schema))),
		books:     NewBookAssembler(opts.Config.BookBuffer),
		positions: newPositionDeriver(opts.Cache),
		metrics:   newAdapterMetrics(opts.Meter, opts.Cache),
	}
	if a.rest == nil {
		a.rest = NewHTTPClient(opts)
	}
	a.rest = meteredREST{next: a.rest, metrics: a.metrics}
	a.pipeline = pipeline.New[event](pipeline.Config{
		Account:  opts.Cache.Account(),
		Schema:   opts.Config.Schema,
		Active:   opts.Active,
		Logger:   a.logger,
		Observer: opts.Observer,
	},
		symbolSerializer{a},
		bookSerializer{a},
		tradeSerializer{a},
		orderSerializer{a},
		// positions before wallets so locked margin reflects the same event
		positionSerializer{a},
		walletSerializer{a},
	)
	a.channels = a.buildChannels()
	return a, nil
}

func (a *Adapter) Name() string { return exchangeName }

func (a *Adapter) URL() string { return a.opts.metadata.websocketURL }

func (a *Adapter) Cache() *state.Cache { return a.cache }

func (a *Adapter) Channels() []session.ChannelSpec { return a.channels }

func (a *Adapter) buildChannels() []session.ChannelSpec {
	stream := func(suffix string) func(string) string {
		return func(symbol string) string { return strings.ToLower(symbol) + suffix }
	}
	markWildcard := "!markPrice@arr@1s"
	if a.opts.Config.Schema.Inverse() {
		// COIN-M has no all-market mark price stream
		markWildcard = ""
	}
	return []session.ChannelSpec{
		{Channel: schema.ChannelSymbol, Topic: stream("@markPrice@1s"), WildcardTopic: markWildcard},
		{Channel: schema.ChannelOrderBook, Topic: stream("@depth@100ms"), Seeded: true},
		{Channel: schema.ChannelTrade, Topic: stream("@aggTrade")},
		{Channel: schema.ChannelOrder, FixedTopic: a.ListenKey, Auth: true, SessionOwning: true},
		{Channel: schema.ChannelPosition, FixedTopic: a.ListenKey, Auth: true, SessionOwning: true, Partial: positionPartial{a}},
		{Channel: schema.ChannelWallet, FixedTopic: a.ListenKey, Auth: true, SessionOwning: true, Partial: walletPartial{a}},
	}
}

// Bootstrap loads exchangeInfo into the symbol table.
func (a *Adapter) Bootstrap(ctx context.Context) error {
	body, err := a.rest.ExchangeInfo(ctx)
	if err != nil {
		return err
	}
	symbols, err := loadSymbols(body, a.opts.Config.Schema, a.opts.Multipliers)
	if err != nil {
		return err
	}
	if len(symbols) == 0 {
		return errs.New(exchangeName, errs.CodeBootstrap, errs.WithMessage("exchange info lists no tradable symbols"))
	}
	if err := a.cache.ReplaceSymbols(ctx, symbols); err != nil {
		// the in-memory table is already swapped; only persistence failed
		a.logger.Warn("symbol table not persisted", zap.Error(err))
	}
	a.logger.Info("symbol table loaded", zap.Int("symbols", len(symbols)))
	return nil
}

// Authenticate opens a user-data stream and remembers its listen key.
func (a *Adapter) Authenticate(ctx context.Context) error {
	body, err := a.rest.StartUserStream(ctx)
	if err != nil {
		return err
	}
	var resp struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("decode listen key: %w", err)
	}
	if strings.TrimSpace(resp.ListenKey) == "" {
		return errs.New(exchangeName, errs.CodeAuth, errs.WithMessage("empty listen key"))
	}
	a.mu.Lock()
	a.listenKey = resp.ListenKey
	a.mu.Unlock()
	return nil
}

// ListenKey returns the current user-data stream name.
func (a *Adapter) ListenKey() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.listenKey
}

func (a *Adapter) KeepAlive(ctx context.Context) error {
	return a.rest.KeepAliveUserStream(ctx)
}

// Handle decodes a frame and dispatches its events. An expired listen key asks
// the session to reconnect. A broken book sequence asks it to re-seed the
// affected symbols.
func (a *Adapter) Handle(ctx context.Context, frame []byte) ([]schema.Envelope, error) {
	events, err := decodeFrame(frame)
	if err != nil {
		return nil, err
	}
	expired := false
	items := events[:0]
	for _, e := range events {
		if e.Kind == kindListenKeyExpired {
			expired = true
			continue
		}
		items = append(items, e)
	}
	var envelopes []schema.Envelope
	if len(items) > 0 {
		envelopes = a.pipeline.Dispatch(ctx, message{Items: items})
	}
	if expired {
		a.logger.Info("listen key expired")
		a.metrics.disruption(ctx, "listen_key_expired")
		return envelopes, session.ErrReconnect
	}
	if err := a.takeResync(); err != nil {
		a.metrics.disruption(ctx, "orderbook_resync")
		return envelopes, err
	}
	return envelopes, nil
}

// Seed fetches a depth snapshot. The returned step injects it into the
// pipeline as a partial message.
func (a *Adapter) Seed(ctx context.Context, channel schema.Channel, symbol string) (session.Apply, error) {
	if channel != schema.ChannelOrderBook {
		return nil, errs.New(exchangeName, errs.CodeInvalid, errs.WithMessage("channel "+string(channel)+" has no snapshot"))
	}
	body, err := a.rest.Depth(ctx, symbol, a.opts.Config.DepthLimit)
	if err != nil {
		return nil, err
	}
	snap := new(depthSnapshot)
	if err := json.Unmarshal(body, snap); err != nil {
		return nil, fmt.Errorf("decode depth %s: %w", symbol, err)
	}
	snap.Symbol = symbol
	return func(ctx context.Context) ([]schema.Envelope, error) {
		envelopes := a.pipeline.Dispatch(ctx, message{
			Action: schema.ActionPartial,
			Items:  []event{{Kind: kindDepthSnapshot, Snapshot: snap}},
		})
		return envelopes, a.takeResync()
	}, nil
}

// Reconnected drops every book; the session re-seeds them after restore.
func (a *Adapter) Reconnected() {
	a.books.Reset()
	a.mu.Lock()
	a.resync = nil
	a.mu.Unlock()
}

func (a *Adapter) requestResync(symbol string, cause error) {
	a.logger.Warn("order book out of sequence", zap.String("symbol", symbol), zap.Error(cause))
	a.mu.Lock()
	if a.resync == nil {
		a.resync = make(map[string]struct{})
	}
	a.resync[symbol] = struct{}{}
	a.mu.Unlock()
}

// takeResync drains the symbols whose book must be re-seeded.
func (a *Adapter) takeResync() error {
	a.mu.Lock()
	pending := a.resync
	a.resync = nil
	a.mu.Unlock()
	if len(pending) == 0 {
		return nil
	}
	symbols := make([]string, 0, len(pending))
	for symbol := range pending {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return &session.ResyncError{Channel: schema.ChannelOrderBook, Symbols: symbols}
}

func (a *Adapter) envelope(channel schema.Channel, action schema.Action, data []any) schema.Envelope {
	return schema.Envelope{
		Account: a.cache.Account(),
		Table:   channel,
		Schema:  a.opts.Config.Schema,
		Action:  action,
		Data:    data,
	}
}
