package redisstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestEscapeGlob(t *testing.T) {
	require.Equal(t, `symbols:binance:\*`, escapeGlob("symbols:binance:*"))
	require.Equal(t, `a\?b\[c\]`, escapeGlob("a?b[c]"))
}

func TestDecodeFields(t *testing.T) {
	got := decodeFields(map[string]string{
		"price":  `"50000.1"`,
		"count":  `3`,
		"legacy": `not json`,
	})
	require.Equal(t, "50000.1", got["price"])
	require.EqualValues(t, 3, got["count"])
	require.Equal(t, "not json", got["legacy"])
}

// TestRedisStoreRoundTrip runs against a live server named by REDIS_ADDR.
func TestRedisStoreRoundTrip(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" || testing.Short() {
		t.Skip("REDIS_ADDR not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := Dial(ctx, Options{Addr: addr})
	require.NoError(t, err)
	defer store.Close()

	prefix := "test:" + uuid.NewString() + ":"
	key := prefix + "currency_prices"
	require.NoError(t, store.Set(ctx, key, map[string]any{"BTC": "50000", "ETH": "3000"}))
	require.NoError(t, store.Set(ctx, key, map[string]any{"ETH": "3100"}))

	got, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"BTC": "50000", "ETH": "3100"}, got)

	matches, err := store.GetPattern(ctx, prefix)
	require.NoError(t, err)
	require.Contains(t, matches, key)

	ch, err := store.Subscribe(ctx, prefix+"refresh")
	require.NoError(t, err)
	require.NoError(t, store.Publish(ctx, prefix+"refresh", []byte("ping")))
	select {
	case msg := <-ch:
		require.Equal(t, "ping", string(msg))
	case <-ctx.Done():
		t.Fatal("no notification received")
	}
	require.NoError(t, store.client.Del(ctx, key).Err())
}
