package sink

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/coachpo/meltica-realtime/internal/domain/schema"
	"github.com/coachpo/meltica-realtime/internal/infra/logging"
)

// KafkaConfig selects brokers and the topic prefix. Envelopes go to
// "<prefix>.<table>" keyed by account so one account stays on one partition.
type KafkaConfig struct {
	Brokers      []string
	TopicPrefix  string
	FlushTimeout time.Duration
}

// Kafka produces envelopes asynchronously through franz-go.
type Kafka struct {
	client  *kgo.Client
	cfg     KafkaConfig
	logger  *zap.Logger
	failed  atomic.Int64
	written atomic.Int64
}

// NewKafka connects a producer client.
func NewKafka(cfg KafkaConfig, logger *zap.Logger) (*Kafka, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka sink: brokers required")
	}
	if strings.TrimSpace(cfg.TopicPrefix) == "" {
		cfg.TopicPrefix = "gateway"
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 5 * time.Second
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerLinger(5*time.Millisecond),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka sink: create client: %w", err)
	}
	logger = logging.OrNop(logger)
	logger.Info("kafka sink initialised", zap.Strings("brokers", cfg.Brokers), zap.String("prefix", cfg.TopicPrefix))
	return &Kafka{client: client, cfg: cfg, logger: logger}, nil
}

// Topic returns the topic an envelope is written to.
func (k *Kafka) Topic(env schema.Envelope) string {
	return k.cfg.TopicPrefix + "." + string(env.Table)
}

// Deliver encodes env and produces it without waiting for the broker ack.
func (k *Kafka) Deliver(ctx context.Context, env schema.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("kafka sink: encode envelope: %w", err)
	}
	record := &kgo.Record{Topic: k.Topic(env), Key: []byte(env.Account), Value: payload}
	k.client.Produce(ctx, record, func(r *kgo.Record, err error) {
		if err != nil {
			k.failed.Add(1)
			k.logger.Warn("kafka produce failed", zap.String("topic", r.Topic), zap.Error(err))
			return
		}
		k.written.Add(1)
	})
	return nil
}

// Close flushes buffered records and closes the client.
func (k *Kafka) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), k.cfg.FlushTimeout)
	defer cancel()
	err := k.client.Flush(ctx)
	k.client.Close()
	k.logger.Info("kafka sink closed", zap.Int64("written", k.written.Load()), zap.Int64("failed", k.failed.Load()))
	if err != nil {
		return fmt.Errorf("kafka sink: flush: %w", err)
	}
	return nil
}
