package binance

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/meltica-realtime/internal/domain/schema"
	"github.com/coachpo/meltica-realtime/internal/state"
)

const linearExchangeInfo = `{"symbols":[
 {"symbol":"BTCUSDT","pair":"BTCUSDT","contractType":"PERPETUAL","deliveryDate":4133404800000,"status":"TRADING",
  "baseAsset":"BTC","quoteAsset":"USDT","marginAsset":"USDT",
  "filters":[{"filterType":"PRICE_FILTER","tickSize":"0.10","minPrice":"556.80"},{"filterType":"LOT_SIZE","stepSize":"0.001"}]},
 {"symbol":"ETHUSDT","pair":"ETHUSDT","contractType":"PERPETUAL","deliveryDate":4133404800000,"status":"TRADING",
  "baseAsset":"ETH","quoteAsset":"USDT","marginAsset":"USDT",
  "filters":[{"filterType":"PRICE_FILTER","tickSize":"0.01"},{"filterType":"LOT_SIZE","stepSize":"0.001"}]},
 {"symbol":"OLDUSDT","pair":"OLDUSDT","contractType":"PERPETUAL","status":"SETTLING",
  "baseAsset":"OLD","quoteAsset":"USDT","marginAsset":"USDT",
  "filters":[{"filterType":"PRICE_FILTER","tickSize":"0.01"}]}
]}`

const inverseExchangeInfo = `{"symbols":[
 {"symbol":"BTCUSD_PERP","pair":"BTCUSD","contractType":"PERPETUAL","deliveryDate":4133404800000,"contractStatus":"TRADING",
  "baseAsset":"BTC","quoteAsset":"USD","marginAsset":"BTC","contractSize":100,
  "filters":[{"filterType":"PRICE_FILTER","tickSize":"0.1"},{"filterType":"LOT_SIZE","stepSize":"1"}]},
 {"symbol":"ETHUSD_240628","pair":"ETHUSD","contractType":"CURRENT_QUARTER","deliveryDate":1719561600000,"contractStatus":"TRADING",
  "baseAsset":"ETH","quoteAsset":"USD","marginAsset":"ETH","contractSize":10,
  "filters":[{"filterType":"PRICE_FILTER","tickSize":"0.01"},{"filterType":"LOT_SIZE","stepSize":"1"}]}
]}`

const linearBrackets = `[
 {"symbol":"ETHUSDT","brackets":[
  {"bracket":1,"initialLeverage":100,"notionalCap":10000,"notionalFloor":0,"maintMarginRatio":0.004,"cum":0},
  {"bracket":2,"initialLeverage":75,"notionalCap":100000,"notionalFloor":10000,"maintMarginRatio":0.005,"cum":10}]},
 {"symbol":"UNKNOWNUSDT","brackets":[
  {"bracket":1,"initialLeverage":20,"notionalCap":5000,"notionalFloor":0,"maintMarginRatio":0.01,"cum":0}]}
]`

const linearAccount = `{"assets":[
 {"asset":"USDT","walletBalance":"1000.00000000","crossWalletBalance":"1000.00000000"},
 {"asset":"BNB","walletBalance":"0.00000000","crossWalletBalance":"0.00000000"}
]}`

type fakeREST struct {
	exchangeInfo string
	account      string
	positions    string
	brackets     string
	depth        string
	listenKey    string
	depthErr     error

	depthCalls atomic.Int32
	keepAlives atomic.Int32
}

func newFakeREST() *fakeREST {
	return &fakeREST{
		exchangeInfo: linearExchangeInfo,
		account:      linearAccount,
		positions:    `[]`,
		brackets:     linearBrackets,
		depth:        `{"lastUpdateId":100,"E":1700000000000,"T":1700000000000,"bids":[],"asks":[]}`,
		listenKey:    `{"listenKey":"pqia91ma19a5s61cv6a81va65sdf19v8a65a1a5s61cv6a81va65sdf19v8a65a1"}`,
	}
}

func (f *fakeREST) ExchangeInfo(context.Context) ([]byte, error) { return []byte(f.exchangeInfo), nil }
func (f *fakeREST) Account(context.Context) ([]byte, error)      { return []byte(f.account), nil }
func (f *fakeREST) Positions(context.Context) ([]byte, error)    { return []byte(f.positions), nil }

func (f *fakeREST) LeverageBrackets(context.Context) ([]byte, error) {
	return []byte(f.brackets), nil
}

func (f *fakeREST) Depth(context.Context, string, int) ([]byte, error) {
	f.depthCalls.Add(1)
	if f.depthErr != nil {
		return nil, f.depthErr
	}
	return []byte(f.depth), nil
}

func (f *fakeREST) StartUserStream(context.Context) ([]byte, error) { return []byte(f.listenKey), nil }

func (f *fakeREST) KeepAliveUserStream(context.Context) error {
	f.keepAlives.Add(1)
	return nil
}

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestAdapter(t *testing.T, contractSchema schema.ContractSchema, rest *fakeREST) *Adapter {
	t.Helper()
	cache := state.New(state.Options{Exchange: exchangeName, Account: "acct-1", Schema: contractSchema})
	a, err := New(Options{
		Config: Config{Schema: contractSchema},
		Cache:  cache,
		REST:   rest,
		Clock:  func() time.Time { return fixedNow },
	})
	require.NoError(t, err)
	require.NoError(t, a.Bootstrap(context.Background()))
	return a
}

func handle(t *testing.T, a *Adapter, frame string) []schema.Envelope {
	t.Helper()
	envelopes, err := a.Handle(context.Background(), []byte(frame))
	require.NoError(t, err)
	return envelopes
}

func findEnvelope(envelopes []schema.Envelope, table schema.Channel, action schema.Action) (schema.Envelope, bool) {
	for _, env := range envelopes {
		if env.Table == table && env.Action == action {
			return env, true
		}
	}
	return schema.Envelope{}, false
}
