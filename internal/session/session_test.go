package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/meltica-realtime/errs"
	"github.com/coachpo/meltica-realtime/internal/calc"
	"github.com/coachpo/meltica-realtime/internal/domain/schema"
	"github.com/coachpo/meltica-realtime/internal/infra/persistence"
	"github.com/coachpo/meltica-realtime/internal/infra/sink"
	"github.com/coachpo/meltica-realtime/internal/state"
	"github.com/coachpo/meltica-realtime/internal/subscription"
	"github.com/coachpo/meltica-realtime/internal/throttle"
)

const waitFor = 2 * time.Second

type fakeConn struct {
	frames chan []byte
	writes chan Command
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		frames: make(chan []byte, 16),
		writes: make(chan Command, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-c.frames:
		return frame, nil
	case <-c.closed:
		return nil, errors.New("connection closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(_ context.Context, data []byte) error {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return err
	}
	select {
	case <-c.closed:
		return errors.New("connection closed")
	default:
	}
	c.writes <- cmd
	return nil
}

func (c *fakeConn) Ping(context.Context) error { return nil }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type fakeDialer struct {
	mu     sync.Mutex
	fails  int
	dialed chan *fakeConn
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{dialed: make(chan *fakeConn, 8)}
}

func (d *fakeDialer) Dial(context.Context, string) (Conn, error) {
	d.mu.Lock()
	if d.fails > 0 {
		d.fails--
		d.mu.Unlock()
		return nil, errors.New("connection refused")
	}
	d.mu.Unlock()
	conn := newFakeConn()
	d.dialed <- conn
	return conn, nil
}

func (d *fakeDialer) failNext(n int) {
	d.mu.Lock()
	d.fails = n
	d.mu.Unlock()
}

type fakePartial struct {
	initErr error
	inits   atomic.Int32
	resets  atomic.Int32
}

func (p *fakePartial) Init(context.Context) ([]schema.Envelope, error) {
	p.inits.Add(1)
	if p.initErr != nil {
		return nil, p.initErr
	}
	return []schema.Envelope{{Table: schema.ChannelPosition, Action: schema.ActionPartial}}, nil
}

func (p *fakePartial) Refresh(context.Context) ([]schema.Envelope, error) { return nil, nil }

func (p *fakePartial) Reset() { p.resets.Add(1) }

type fakeAdapter struct {
	cache       *state.Cache
	partial     *fakePartial
	bootErr     error
	auths       atomic.Int32
	failAuth    atomic.Int32
	authFails   atomic.Int32
	reconnected atomic.Int32
	seeds       chan string
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		cache:   state.New(state.Options{Exchange: "fake", Account: "acct-1", Schema: schema.SchemaLinear}),
		partial: &fakePartial{},
		seeds:   make(chan string, 16),
	}
}

func (a *fakeAdapter) Name() string { return "fake" }
func (a *fakeAdapter) URL() string { return "ws://fake" }
func (a *fakeAdapter) Cache() *state.Cache { return a.cache }

func (a *fakeAdapter) listenKey() string {
	return fmt.Sprintf("key-%d", a.auths.Load())
}

func (a *fakeAdapter) Channels() []ChannelSpec {
	return []ChannelSpec{
		{
			Channel:       schema.ChannelSymbol,
			Topic:         func(sym string) string { return sym + "@mark" },
			WildcardTopic: "!mark@arr",
		},
		{
			Channel: schema.ChannelOrderBook,
			Topic:   func(sym string) string { return sym + "@depth" },
			Seeded:  true,
		},
		{Channel: schema.ChannelOrder, FixedTopic: a.listenKey, Auth: true, SessionOwning: true},
		{Channel: schema.ChannelPosition, FixedTopic: a.listenKey, Auth: true, SessionOwning: true, Partial: a.partial},
	}
}

func (a *fakeAdapter) Bootstrap(ctx context.Context) error {
	if a.bootErr != nil {
		return a.bootErr
	}
	return a.cache.ReplaceSymbols(ctx, testSymbols("BTCUSDT", "ETHUSDT"))
}

func (a *fakeAdapter) Authenticate(context.Context) error {
	if a.failAuth.Load() > 0 {
		a.failAuth.Add(-1)
		a.authFails.Add(1)
		return errors.New("listen key rejected")
	}
	a.auths.Add(1)
	return nil
}

func (a *fakeAdapter) KeepAlive(context.Context) error { return nil }

func (a *fakeAdapter) Handle(_ context.Context, frame []byte) ([]schema.Envelope, error) {
	if string(frame) == "expired" {
		return nil, ErrReconnect
	}
	if symbols, ok := strings.CutPrefix(string(frame), "gap:"); ok {
		return nil, &ResyncError{Channel: schema.ChannelOrderBook, Symbols: strings.Split(symbols, ",")}
	}
	return []schema.Envelope{{Table: schema.ChannelTrade, Action: schema.ActionInsert, Data: []any{string(frame)}}}, nil
}

func (a *fakeAdapter) Seed(_ context.Context, channel schema.Channel, symbol string) (Apply, error) {
	a.seeds <- symbol
	return func(context.Context) ([]schema.Envelope, error) {
		return []schema.Envelope{{Table: channel, Action: schema.ActionPartial}}, nil
	}, nil
}

func (a *fakeAdapter) Reconnected() { a.reconnected.Add(1) }

func testSymbols(names ...string) []state.SymbolState {
	out := make([]state.SymbolState, 0, len(names))
	for _, name := range names {
		out = append(out, state.SymbolState{
			Symbol:    name,
			System:    name,
			PriceTick: decimal.RequireFromString("0.1"),
			Contract:  calc.Linear,
		})
	}
	return out
}

type harness struct {
	session *Session
	adapter *fakeAdapter
	dialer  *fakeDialer
	sink    *sink.Channel
	conn    *fakeConn
}

func openHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	adapter := newFakeAdapter()
	dialer := newFakeDialer()
	out := sink.NewChannel(64)
	opts := Options{
		Config: Config{
			PingInterval:     time.Hour,
			WatchInterval:    time.Hour,
			PollInterval:     time.Hour,
			ControlInterval:  time.Millisecond,
			ReconnectInitial: time.Millisecond,
			ReconnectMax:     5 * time.Millisecond,
		},
		Adapter: adapter,
		Dialer:  dialer,
		Sink:    out,
	}
	if mutate != nil {
		mutate(&opts)
	}
	s, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, s.Open(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	h := &harness{session: s, adapter: adapter, dialer: dialer, sink: out}
	h.conn = h.nextConn(t)
	return h
}

func (h *harness) nextConn(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case conn := <-h.dialer.dialed:
		return conn
	case <-time.After(waitFor):
		t.Fatal("no connection dialed")
		return nil
	}
}

func nextCommand(t *testing.T, conn *fakeConn) Command {
	t.Helper()
	select {
	case cmd := <-conn.writes:
		return cmd
	case <-time.After(waitFor):
		t.Fatal("no control frame written")
		return Command{}
	}
}

func requireNoCommand(t *testing.T, conn *fakeConn) {
	t.Helper()
	select {
	case cmd := <-conn.writes:
		t.Fatalf("unexpected control frame %s %v", cmd.Method, cmd.Params)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestOpenBootstrapsAndBecomesReady(t *testing.T) {
	h := openHarness(t, nil)
	require.Eventually(t, func() bool { return h.session.State() == StateReady }, waitFor, 5*time.Millisecond)
	require.Len(t, h.adapter.cache.Symbols(), 2)

	err := h.session.Open(context.Background())
	require.True(t, errs.Is(err, errs.CodeInvalid))
}

func TestSubscribeSendsOncePerKey(t *testing.T) {
	h := openHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.session.Subscribe(ctx, schema.ChannelSymbol, "BTCUSDT", "a"))
	require.NoError(t, h.session.Subscribe(ctx, schema.ChannelSymbol, "BTCUSDT", "b"))

	cmd := nextCommand(t, h.conn)
	require.Equal(t, MethodSubscribe, cmd.Method)
	require.Equal(t, []string{"BTCUSDT@mark"}, cmd.Params)
	requireNoCommand(t, h.conn)
	require.Equal(t, 1, h.session.Topics()["BTCUSDT@mark"])

	require.NoError(t, h.session.Unsubscribe(ctx, schema.ChannelSymbol, "BTCUSDT", "a"))
	requireNoCommand(t, h.conn)

	require.NoError(t, h.session.Unsubscribe(ctx, schema.ChannelSymbol, "BTCUSDT", "b"))
	cmd = nextCommand(t, h.conn)
	require.Equal(t, MethodUnsubscribe, cmd.Method)
	require.Equal(t, []string{"BTCUSDT@mark"}, cmd.Params)
	require.Empty(t, h.session.Topics())
	require.Equal(t, StateReady, h.session.State())
}

func TestCommandIDsIncrease(t *testing.T) {
	h := openHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.session.Subscribe(ctx, schema.ChannelSymbol, "BTCUSDT", "a"))
	require.NoError(t, h.session.Subscribe(ctx, schema.ChannelSymbol, "ETHUSDT", "a"))
	first := nextCommand(t, h.conn)
	second := nextCommand(t, h.conn)
	require.Greater(t, second.ID, first.ID)
}

func TestWildcardAbsorbsConcreteTopics(t *testing.T) {
	h := openHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.session.Subscribe(ctx, schema.ChannelSymbol, "BTCUSDT", "a"))
	require.Equal(t, []string{"BTCUSDT@mark"}, nextCommand(t, h.conn).Params)

	require.NoError(t, h.session.Subscribe(ctx, schema.ChannelSymbol, "", "b"))
	sub := nextCommand(t, h.conn)
	require.Equal(t, MethodSubscribe, sub.Method)
	require.Equal(t, []string{"!mark@arr"}, sub.Params)
	unsub := nextCommand(t, h.conn)
	require.Equal(t, MethodUnsubscribe, unsub.Method)
	require.Equal(t, []string{"BTCUSDT@mark"}, unsub.Params)

	// later concrete subscriptions fold into the wildcard
	require.NoError(t, h.session.Subscribe(ctx, schema.ChannelSymbol, "ETHUSDT", "c"))
	requireNoCommand(t, h.conn)
	require.Equal(t, map[string]int{"!mark@arr": 1}, h.session.Topics())
}

func TestWatchedWildcardFollowsSymbolTable(t *testing.T) {
	h := openHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.session.Subscribe(ctx, schema.ChannelOrderBook, "", "a"))
	cmd := nextCommand(t, h.conn)
	require.Equal(t, MethodSubscribe, cmd.Method)
	require.Equal(t, []string{"BTCUSDT@depth", "ETHUSDT@depth"}, cmd.Params)

	seeded := map[string]bool{}
	for range 2 {
		select {
		case sym := <-h.adapter.seeds:
			seeded[sym] = true
		case <-time.After(waitFor):
			t.Fatal("book not seeded")
		}
	}
	require.Equal(t, map[string]bool{"BTCUSDT": true, "ETHUSDT": true}, seeded)

	require.NoError(t, h.adapter.cache.ReplaceSymbols(ctx, testSymbols("BTCUSDT", "SOLUSDT")))
	require.NoError(t, h.session.syncWatched(ctx, h.session.specs[schema.ChannelOrderBook]))

	sub := nextCommand(t, h.conn)
	require.Equal(t, MethodSubscribe, sub.Method)
	require.Equal(t, []string{"SOLUSDT@depth"}, sub.Params)
	unsub := nextCommand(t, h.conn)
	require.Equal(t, MethodUnsubscribe, unsub.Method)
	require.Equal(t, []string{"ETHUSDT@depth"}, unsub.Params)

	require.NoError(t, h.session.Unsubscribe(ctx, schema.ChannelOrderBook, "", "a"))
	final := nextCommand(t, h.conn)
	require.Equal(t, MethodUnsubscribe, final.Method)
	require.ElementsMatch(t, []string{"BTCUSDT@depth", "SOLUSDT@depth"}, final.Params)
	require.False(t, h.session.running(taskKey(schema.ChannelOrderBook, "watch")))
}

func TestBookGapReseedsOnlyAffectedSymbols(t *testing.T) {
	h := openHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.session.Subscribe(ctx, schema.ChannelOrderBook, "", "a"))
	nextCommand(t, h.conn)
	for range 2 {
		select {
		case <-h.adapter.seeds:
		case <-time.After(waitFor):
			t.Fatal("book not seeded")
		}
	}
	require.Eventually(t, func() bool {
		return !h.session.running(taskKey(schema.ChannelOrderBook, "seed:ETHUSDT")) &&
			!h.session.running(taskKey(schema.ChannelOrderBook, "seed:BTCUSDT"))
	}, waitFor, 5*time.Millisecond)

	// XRPUSDT is not on the wire and is ignored
	h.conn.frames <- []byte("gap:ETHUSDT,XRPUSDT")
	select {
	case sym := <-h.adapter.seeds:
		require.Equal(t, "ETHUSDT", sym)
	case <-time.After(waitFor):
		t.Fatal("book not re-seeded")
	}
	select {
	case sym := <-h.adapter.seeds:
		t.Fatalf("unexpected seed for %s", sym)
	case <-time.After(50 * time.Millisecond):
	}
	requireNoCommand(t, h.conn)
	require.Zero(t, h.adapter.reconnected.Load())
	require.Equal(t, map[string]int{"BTCUSDT@depth": 1, "ETHUSDT@depth": 1}, h.session.Topics())
}

func TestPrivateChannelsShareListenKeyAndOwnSession(t *testing.T) {
	h := openHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.session.Subscribe(ctx, schema.ChannelOrder, "", "a"))
	require.NoError(t, h.session.Subscribe(ctx, schema.ChannelPosition, "BTCUSDT", "a"))

	cmd := nextCommand(t, h.conn)
	require.Equal(t, []string{"key-1"}, cmd.Params)
	requireNoCommand(t, h.conn)
	require.EqualValues(t, 1, h.adapter.auths.Load())
	require.EqualValues(t, 1, h.adapter.partial.inits.Load())
	require.True(t, h.session.running("keepalive"))
	require.True(t, h.session.running(taskKey(schema.ChannelPosition, "poll")))

	// the partial snapshot is delivered before any stream data
	select {
	case env := <-h.sink.C():
		require.Equal(t, schema.ChannelPosition, env.Table)
		require.Equal(t, schema.ActionPartial, env.Action)
	case <-time.After(waitFor):
		t.Fatal("partial state not delivered")
	}

	require.NoError(t, h.session.Unsubscribe(ctx, schema.ChannelOrder, "", "a"))
	requireNoCommand(t, h.conn)
	require.Equal(t, StateReady, h.session.State())

	require.NoError(t, h.session.Unsubscribe(ctx, schema.ChannelPosition, "", "a"))
	require.Equal(t, MethodUnsubscribe, nextCommand(t, h.conn).Method)
	require.Equal(t, StateClosed, h.session.State())
	require.GreaterOrEqual(t, h.adapter.partial.resets.Load(), int32(1))
}

func TestSessionStaysOpenWhilePublicSubscriptionsRemain(t *testing.T) {
	h := openHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.session.Subscribe(ctx, schema.ChannelSymbol, "BTCUSDT", "a"))
	require.NoError(t, h.session.Subscribe(ctx, schema.ChannelOrder, "", "a"))
	require.NoError(t, h.session.Unsubscribe(ctx, schema.ChannelOrder, "", "a"))
	require.Equal(t, StateReady, h.session.State())
}

func TestPartialInitFailureRollsBack(t *testing.T) {
	h := openHarness(t, nil)
	h.adapter.partial.initErr = errors.New("positions unavailable")

	err := h.session.Subscribe(context.Background(), schema.ChannelPosition, "", "a")
	require.True(t, errs.Is(err, errs.CodeBootstrap))
	require.False(t, h.session.registry.Has(schema.ChannelPosition, subscription.Wildcard))
	require.Empty(t, h.session.Topics())
	require.False(t, h.session.running(taskKey(schema.ChannelPosition, "poll")))
}

func TestSubscribeRejectsUnknownChannelAndClosedSession(t *testing.T) {
	h := openHarness(t, nil)
	err := h.session.Subscribe(context.Background(), schema.ChannelTrade, "BTCUSDT", "a")
	require.True(t, errs.Is(err, errs.CodeInvalid))

	require.NoError(t, h.session.Close())
	err = h.session.Subscribe(context.Background(), schema.ChannelSymbol, "BTCUSDT", "a")
	require.True(t, errs.Is(err, errs.CodeClosed))
}

func TestBootstrapFailureFailsSubscribe(t *testing.T) {
	h := openHarness(t, func(o *Options) {
		o.Adapter.(*fakeAdapter).bootErr = errors.New("exchange down")
	})
	err := h.session.Subscribe(context.Background(), schema.ChannelSymbol, "BTCUSDT", "a")
	require.True(t, errs.Is(err, errs.CodeBootstrap))
	require.Equal(t, StateOpen, h.session.State())
}

func TestOpenRejectedByThrottle(t *testing.T) {
	limiter := throttle.New("fake", 1, 1, 0)
	require.NoError(t, limiter.TryAcquire())

	s, err := New(Options{Adapter: newFakeAdapter(), Dialer: newFakeDialer(), Sink: sink.NewChannel(1), Throttle: limiter})
	require.NoError(t, err)
	err = s.Open(context.Background())
	require.True(t, errs.Is(err, errs.CodeRateLimited))
	delay, ok := errs.RetryAfter(err)
	require.True(t, ok)
	require.Greater(t, delay, time.Duration(0))
	require.Equal(t, StateClosed, s.State())
}

func TestFramesDeliveredInArrivalOrder(t *testing.T) {
	h := openHarness(t, nil)
	for _, frame := range []string{"a", "b", "c"} {
		h.conn.frames <- []byte(frame)
	}
	var got []any
	for range 3 {
		select {
		case env := <-h.sink.C():
			got = append(got, env.Data...)
		case <-time.After(waitFor):
			t.Fatal("frame not delivered")
		}
	}
	require.Equal(t, []any{"a", "b", "c"}, got)
}

func TestReconnectRestoresSubscriptions(t *testing.T) {
	h := openHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.session.Subscribe(ctx, schema.ChannelSymbol, "BTCUSDT", "a"))
	require.NoError(t, h.session.Subscribe(ctx, schema.ChannelOrder, "", "a"))
	nextCommand(t, h.conn)
	nextCommand(t, h.conn)
	before := h.session.registry.Snapshot()

	h.dialer.failNext(1)
	require.NoError(t, h.conn.Close())

	second := h.nextConn(t)
	params := append(nextCommand(t, second).Params, nextCommand(t, second).Params...)
	require.ElementsMatch(t, []string{"BTCUSDT@mark", "key-2"}, params)

	require.Eventually(t, func() bool { return h.session.State() == StateReady }, waitFor, 5*time.Millisecond)
	require.EqualValues(t, 1, h.adapter.reconnected.Load())
	require.EqualValues(t, 2, h.adapter.auths.Load())
	require.Equal(t, before, h.session.registry.Snapshot())
	require.Equal(t, map[string]int{"BTCUSDT@mark": 1, "key-2": 1}, h.session.Topics())
}

func TestReconnectRestoresPublicChannelsWhenAuthFails(t *testing.T) {
	h := openHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.session.Subscribe(ctx, schema.ChannelSymbol, "BTCUSDT", "a"))
	require.NoError(t, h.session.Subscribe(ctx, schema.ChannelOrder, "", "a"))
	nextCommand(t, h.conn)
	nextCommand(t, h.conn)

	h.adapter.failAuth.Store(1)
	require.NoError(t, h.conn.Close())

	second := h.nextConn(t)
	require.Equal(t, []string{"BTCUSDT@mark"}, nextCommand(t, second).Params)
	// the listen key follows once the retry authenticates
	require.Equal(t, []string{"key-2"}, nextCommand(t, second).Params)

	require.Eventually(t, func() bool { return h.session.State() == StateReady }, waitFor, 5*time.Millisecond)
	require.EqualValues(t, 1, h.adapter.authFails.Load())
	require.Equal(t, map[string]int{"BTCUSDT@mark": 1, "key-2": 1}, h.session.Topics())
	require.False(t, h.session.running(reauthTask))
}

func TestUnsubscribeReleasesChannelWaitingForAuth(t *testing.T) {
	h := openHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.session.Subscribe(ctx, schema.ChannelSymbol, "BTCUSDT", "a"))
	require.NoError(t, h.session.Subscribe(ctx, schema.ChannelOrder, "", "a"))
	nextCommand(t, h.conn)
	nextCommand(t, h.conn)

	h.adapter.failAuth.Store(1 << 20)
	require.NoError(t, h.conn.Close())

	second := h.nextConn(t)
	require.Equal(t, []string{"BTCUSDT@mark"}, nextCommand(t, second).Params)
	require.Eventually(t, func() bool { return h.adapter.authFails.Load() >= 2 }, waitFor, 5*time.Millisecond)
	require.NotEqual(t, StateReady, h.session.State())

	require.NoError(t, h.session.Unsubscribe(ctx, schema.ChannelOrder, "", "a"))
	requireNoCommand(t, second)
	require.Eventually(t, func() bool { return h.session.State() == StateReady }, waitFor, 5*time.Millisecond)
	require.Equal(t, map[string]int{"BTCUSDT@mark": 1}, h.session.Topics())
	require.EqualValues(t, 1, h.adapter.auths.Load())
}

func TestReconnectRequestedByExchange(t *testing.T) {
	h := openHarness(t, nil)
	require.NoError(t, h.session.Subscribe(context.Background(), schema.ChannelSymbol, "", "a"))
	nextCommand(t, h.conn)

	h.conn.frames <- []byte("expired")
	second := h.nextConn(t)
	require.Equal(t, []string{"!mark@arr"}, nextCommand(t, second).Params)
}

func TestPeerRefreshReplacesSymbolTable(t *testing.T) {
	store := persistence.NewMemoryStore()
	h := openHarness(t, func(o *Options) {
		o.Store = store
		o.Config.ID = "self"
		o.Adapter.(*fakeAdapter).cache = state.New(state.Options{
			Exchange: "fake",
			Account:  "acct-1",
			Schema:   schema.SchemaLinear,
			Origin:   "self",
			Store:    store,
		})
	})
	require.Eventually(t, func() bool { return h.session.State() == StateReady }, waitFor, 5*time.Millisecond)
	require.Len(t, h.adapter.cache.Symbols(), 2)

	peer := state.New(state.Options{Exchange: "fake", Schema: schema.SchemaLinear, Origin: "peer", Store: store})
	ctx := context.Background()
	require.Eventually(t, func() bool {
		// republish until the notice watcher has subscribed
		_ = peer.ReplaceSymbols(ctx, testSymbols("BTCUSDT"))
		_, listed := h.adapter.cache.Symbol("ETHUSDT")
		return !listed
	}, waitFor, 10*time.Millisecond)
	require.Len(t, h.adapter.cache.Symbols(), 1)
}

func TestPriceTaskPublishesMarkPrices(t *testing.T) {
	h := openHarness(t, func(o *Options) {
		o.Config.PriceInterval = 5 * time.Millisecond
	})
	require.Eventually(t, func() bool { return h.session.State() == StateReady }, waitFor, 5*time.Millisecond)

	cache := h.adapter.cache
	btc := testSymbols("BTCUSDT")[0]
	btc.Base, btc.Quote = "BTC", "USDT"
	require.NoError(t, cache.ReplaceSymbols(context.Background(), []state.SymbolState{btc}))
	cache.SetMarkPrice("BTCUSDT", decimal.RequireFromString("50000"))
	cache.ApplyWallet("BTC", decimal.RequireFromString("2"), decimal.Zero)

	require.Eventually(t, func() bool {
		total := cache.AccountTotal("USDT")
		return total.Valid && total.Decimal.Equal(decimal.RequireFromString("100000"))
	}, waitFor, 5*time.Millisecond)
}

func TestCloseClearsRegistry(t *testing.T) {
	h := openHarness(t, nil)
	require.NoError(t, h.session.Subscribe(context.Background(), schema.ChannelSymbol, "BTCUSDT", "a"))
	require.NoError(t, h.session.Close())
	require.True(t, h.session.registry.Empty())
	require.Empty(t, h.session.Topics())
	require.NoError(t, h.session.Close())
}
