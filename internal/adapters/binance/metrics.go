package binance

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/meltica-realtime/errs"
	"github.com/coachpo/meltica-realtime/internal/infra/telemetry"
	"github.com/coachpo/meltica-realtime/internal/state"
)

type adapterMetrics struct {
	schema string

	restCalls    metric.Int64Counter
	disruptions  metric.Int64Counter
	orderUpdates metric.Int64Counter
	orderLatency metric.Float64Histogram
	walletTotal  metric.Float64ObservableGauge
	walletFree   metric.Float64ObservableGauge
}

func newAdapterMetrics(provider metric.MeterProvider, cache *state.Cache) *adapterMetrics {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter("adapter.binance")
	am := &adapterMetrics{schema: string(cache.Schema())}

	am.restCalls, _ = meter.Int64Counter("adapter.binance.rest.calls",
		metric.WithDescription("REST snapshot and hydration calls by outcome"),
		metric.WithUnit("{call}"))
	am.disruptions, _ = meter.Int64Counter("adapter.binance.disruptions",
		metric.WithDescription("Stream disruptions that force a reconnect or a book re-seed"),
		metric.WithUnit("{disruption}"))
	am.orderUpdates, _ = meter.Int64Counter("adapter.binance.order.updates",
		metric.WithDescription("Order updates received on the user stream"),
		metric.WithUnit("{update}"))
	am.orderLatency, _ = meter.Float64Histogram("adapter.binance.order.latency",
		metric.WithDescription("Delay between the exchange transaction time and ingestion"),
		metric.WithUnit("ms"))

	walletGauge := func(name, description string, value func(state.WalletBalance) float64) metric.Float64ObservableGauge {
		gauge, _ := meter.Float64ObservableGauge(name,
			metric.WithDescription(description),
			metric.WithFloat64Callback(func(_ context.Context, observer metric.Float64Observer) error {
				for _, w := range cache.Wallets() {
					attrs := telemetry.WalletAttributes(telemetry.Environment(), exchangeName, am.schema, w.Currency)
					observer.Observe(value(w), metric.WithAttributes(attrs...))
				}
				return nil
			}))
		return gauge
	}
	am.walletTotal = walletGauge("adapter.binance.wallet.balance", "Wallet balance per currency",
		func(w state.WalletBalance) float64 { return w.Balance.InexactFloat64() })
	am.walletFree = walletGauge("adapter.binance.wallet.free", "Free wallet balance per currency",
		func(w state.WalletBalance) float64 {
			if !w.Free.Valid {
				return 0
			}
			return w.Free.Decimal.InexactFloat64()
		})
	return am
}

func (am *adapterMetrics) restCall(ctx context.Context, operation string, err error) {
	if am == nil || am.restCalls == nil {
		return
	}
	attrs := telemetry.OperationAttributes(telemetry.Environment(), exchangeName, am.schema, operation, classifyError(err))
	am.restCalls.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (am *adapterMetrics) disruption(ctx context.Context, reason string) {
	if am == nil || am.disruptions == nil || strings.TrimSpace(reason) == "" {
		return
	}
	attrs := telemetry.DropAttributes(telemetry.Environment(), exchangeName, am.schema, reason)
	am.disruptions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (am *adapterMetrics) order(ctx context.Context, status string, latency time.Duration) {
	if am == nil || am.orderUpdates == nil || am.orderLatency == nil {
		return
	}
	if latency < 0 {
		latency = 0
	}
	attrs := telemetry.SessionAttributes(telemetry.Environment(), exchangeName, am.schema)
	attrs = append(attrs, telemetry.AttrOrderStatus.String(strings.ToLower(status)))
	am.orderUpdates.Add(ctx, 1, metric.WithAttributes(attrs...))
	am.orderLatency.Record(ctx, float64(latency.Milliseconds()), metric.WithAttributes(attrs...))
}

func classifyError(err error) string {
	if err == nil {
		return telemetry.ResultSuccess
	}
	if errors.Is(err, context.Canceled) {
		return "context_canceled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var e *errs.E
	if errors.As(err, &e) && e.Code != "" {
		return string(e.Code)
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "decode"):
		return "decode_error"
	case strings.Contains(msg, "timeout"):
		return "timeout"
	default:
		return telemetry.ResultError
	}
}

// meteredREST records the outcome of every REST call.
type meteredREST struct {
	next    REST
	metrics *adapterMetrics
}

func (m meteredREST) ExchangeInfo(ctx context.Context) ([]byte, error) {
	body, err := m.next.ExchangeInfo(ctx)
	m.metrics.restCall(ctx, "exchange_info", err)
	return body, err
}

func (m meteredREST) Account(ctx context.Context) ([]byte, error) {
	body, err := m.next.Account(ctx)
	m.metrics.restCall(ctx, "account", err)
	return body, err
}

func (m meteredREST) Positions(ctx context.Context) ([]byte, error) {
	body, err := m.next.Positions(ctx)
	m.metrics.restCall(ctx, "positions", err)
	return body, err
}

func (m meteredREST) LeverageBrackets(ctx context.Context) ([]byte, error) {
	body, err := m.next.LeverageBrackets(ctx)
	m.metrics.restCall(ctx, "leverage_brackets", err)
	return body, err
}

func (m meteredREST) Depth(ctx context.Context, symbol string, limit int) ([]byte, error) {
	body, err := m.next.Depth(ctx, symbol, limit)
	m.metrics.restCall(ctx, "depth", err)
	return body, err
}

func (m meteredREST) StartUserStream(ctx context.Context) ([]byte, error) {
	body, err := m.next.StartUserStream(ctx)
	m.metrics.restCall(ctx, "start_user_stream", err)
	return body, err
}

func (m meteredREST) KeepAliveUserStream(ctx context.Context) error {
	err := m.next.KeepAliveUserStream(ctx)
	m.metrics.restCall(ctx, "keepalive_user_stream", err)
	return err
}
