package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestKey(t *testing.T) {
	require.Equal(t, "wallet", Key("wallet"))
	require.Equal(t, "wallet:acct-1:linear", Key("wallet", "acct-1", "linear"))
	require.Equal(t, "wallet:linear", Key("wallet", " ", "linear"))
}

func TestMemoryStoreShallowMerge(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	empty, err := store.Get(ctx, "currency_prices")
	require.NoError(t, err)
	require.Empty(t, empty)

	require.NoError(t, store.Set(ctx, "currency_prices", map[string]any{"BTC": "50000", "ETH": "3000"}))
	require.NoError(t, store.Set(ctx, "currency_prices", map[string]any{"ETH": "3100"}))

	got, err := store.Get(ctx, "currency_prices")
	require.NoError(t, err)
	require.Equal(t, map[string]any{"BTC": "50000", "ETH": "3100"}, got)

	got["BTC"] = "mutated"
	again, _ := store.Get(ctx, "currency_prices")
	require.Equal(t, "50000", again["BTC"])
}

func TestMemoryStoreScopedGetAndPattern(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Set(ctx, Key("symbols", "binance", "linear"), map[string]any{"BTCUSDT": "x"}))
	require.NoError(t, store.Set(ctx, Key("symbols", "binance", "inverse"), map[string]any{"BTCUSD_PERP": "y"}))
	require.NoError(t, store.Set(ctx, "other", map[string]any{"k": 1}))

	scoped, err := store.Get(ctx, "symbols", "binance", "linear")
	require.NoError(t, err)
	require.Equal(t, "x", scoped["BTCUSDT"])

	matches, err := store.GetPattern(ctx, "symbols:binance:")
	require.NoError(t, err)
	require.Len(t, matches, 2)
}

func TestMemoryStorePubSub(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	store := NewMemoryStore()

	ch, err := store.Subscribe(ctx, "symbols.refresh")
	require.NoError(t, err)
	require.NoError(t, store.Publish(ctx, "symbols.refresh", []byte("binance:linear")))

	select {
	case msg := <-ch:
		require.Equal(t, "binance:linear", string(msg))
	case <-time.After(time.Second):
		t.Fatal("expected notification")
	}

	cancel()
	require.Eventually(t, func() bool {
		_, ok := <-ch
		return !ok
	}, time.Second, 10*time.Millisecond)
	require.NoError(t, store.Close())
}
