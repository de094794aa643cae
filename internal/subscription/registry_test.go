package subscription

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/meltica-realtime/internal/domain/schema"
)

func TestRegisterConcreteThenDuplicate(t *testing.T) {
	r := NewRegistry()

	first := r.Register(schema.ChannelTrade, "BTCUSDT", "c1")
	require.Equal(t, "BTCUSDT", first.Key)
	require.True(t, first.Fresh)
	require.True(t, first.ChannelFresh)

	second := r.Register(schema.ChannelTrade, "BTCUSDT", "c2")
	require.False(t, second.Fresh)
	require.False(t, second.ChannelFresh)
	require.Equal(t, []string{"c1", "c2"}, r.Consumers(schema.ChannelTrade, "BTCUSDT"))
}

func TestWildcardAbsorbsConcreteEntries(t *testing.T) {
	r := NewRegistry()
	r.Register(schema.ChannelOrderBook, "BTCUSDT", "c1")
	r.Register(schema.ChannelOrderBook, "ETHUSDT", "c2")

	reg := r.Register(schema.ChannelOrderBook, Wildcard, "c3")
	require.Equal(t, Wildcard, reg.Key)
	require.True(t, reg.Fresh)
	require.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, reg.Absorbed)
	require.Equal(t, []string{Wildcard}, r.Symbols(schema.ChannelOrderBook))
	require.Equal(t, []string{"c1", "c2", "c3"}, r.Consumers(schema.ChannelOrderBook, Wildcard))

	later := r.Register(schema.ChannelOrderBook, "SOLUSDT", "c4")
	require.Equal(t, Wildcard, later.Key)
	require.False(t, later.Fresh)
	require.Equal(t, []string{Wildcard}, r.Symbols(schema.ChannelOrderBook))
	require.True(t, r.Has(schema.ChannelOrderBook, "XRPUSDT"))
}

func TestEmptySymbolIsWildcard(t *testing.T) {
	r := NewRegistry()
	reg := r.Register(schema.ChannelPosition, "", "c1")
	require.Equal(t, Wildcard, reg.Key)
}

func TestUnregisterReportsEmptiness(t *testing.T) {
	r := NewRegistry()
	r.Register(schema.ChannelTrade, "BTCUSDT", "c1")
	r.Register(schema.ChannelTrade, "BTCUSDT", "c2")
	r.Register(schema.ChannelTrade, "ETHUSDT", "c1")

	rem := r.Unregister(schema.ChannelTrade, "BTCUSDT", "c1")
	require.False(t, rem.Empty)

	rem = r.Unregister(schema.ChannelTrade, "BTCUSDT", "c2")
	require.True(t, rem.Empty)
	require.False(t, rem.ChannelEmpty)

	rem = r.Unregister(schema.ChannelTrade, "BTCUSDT", "c2")
	require.False(t, rem.Empty, "unknown consumer is a no-op")

	rem = r.Unregister(schema.ChannelTrade, "ETHUSDT", "c1")
	require.True(t, rem.Empty)
	require.True(t, rem.ChannelEmpty)
	require.True(t, r.Empty())
}

func TestUnregisterConcreteUnderWildcard(t *testing.T) {
	r := NewRegistry()
	r.Register(schema.ChannelSymbol, Wildcard, "c1")
	r.Register(schema.ChannelSymbol, "BTCUSDT", "c2")

	rem := r.Unregister(schema.ChannelSymbol, "BTCUSDT", "c2")
	require.Equal(t, Wildcard, rem.Key)
	require.False(t, rem.Empty)

	rem = r.Unregister(schema.ChannelSymbol, Wildcard, "c1")
	require.True(t, rem.Empty)
	require.True(t, rem.ChannelEmpty)
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	r := NewRegistry()
	r.Register(schema.ChannelTrade, "BTCUSDT", "c1")
	snap := r.Snapshot()
	snap[schema.ChannelTrade]["BTCUSDT"][0] = "mutated"

	require.Equal(t, []string{"c1"}, r.Consumers(schema.ChannelTrade, "BTCUSDT"))
	require.Equal(t, []schema.Channel{schema.ChannelTrade}, r.Channels())
}

func TestReplayingSnapshotDoesNotDuplicateConsumers(t *testing.T) {
	r := NewRegistry()
	r.Register(schema.ChannelTrade, "BTCUSDT", "c1")
	r.Register(schema.ChannelOrderBook, Wildcard, "c2")
	before := r.Snapshot()

	for ch, symbols := range before {
		for sym, consumers := range symbols {
			for _, id := range consumers {
				reg := r.Register(ch, sym, id)
				require.False(t, reg.Fresh)
			}
		}
	}
	require.Equal(t, before, r.Snapshot())
}
