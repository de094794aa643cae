package sink

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/coachpo/meltica-realtime/internal/domain/schema"
)

func TestChannelSinkDelivers(t *testing.T) {
	s := NewChannel(1)
	env := schema.Envelope{Account: "acct-1", Table: schema.ChannelTrade, Action: schema.ActionInsert}
	require.NoError(t, s.Deliver(context.Background(), env))
	require.Equal(t, env, <-s.C())

	require.NoError(t, s.Close())
	require.Error(t, s.Deliver(context.Background(), env))
}

func TestChannelSinkHonoursContext(t *testing.T) {
	s := NewChannel(0)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, s.Deliver(ctx, schema.Envelope{}), context.DeadlineExceeded)
}

func TestLogSink(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	s := NewLog(zap.New(core))
	require.NoError(t, s.Deliver(context.Background(), schema.Envelope{Table: schema.ChannelWallet, Data: []any{1, 2}}))
	require.Equal(t, 1, logs.Len())
	require.EqualValues(t, 2, logs.All()[0].ContextMap()["records"])
}

func TestMultiCombinesErrors(t *testing.T) {
	var got []schema.Channel
	ok := Func(func(_ context.Context, env schema.Envelope) error {
		got = append(got, env.Table)
		return nil
	})
	bad := Func(func(context.Context, schema.Envelope) error { return errors.New("down") })

	err := Multi{ok, bad, ok}.Deliver(context.Background(), schema.Envelope{Table: schema.ChannelOrder})
	require.EqualError(t, err, "down")
	require.Len(t, got, 2)
	require.NoError(t, Multi{ok}.Close())
}

func TestKafkaRequiresBrokers(t *testing.T) {
	_, err := NewKafka(KafkaConfig{}, nil)
	require.Error(t, err)
}

func TestKafkaTopic(t *testing.T) {
	k := &Kafka{cfg: KafkaConfig{TopicPrefix: "gw"}}
	require.Equal(t, "gw.order_book", k.Topic(schema.Envelope{Table: schema.ChannelOrderBook}))
}
