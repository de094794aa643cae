package session

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/meltica-realtime/internal/domain/schema"
	"github.com/coachpo/meltica-realtime/internal/infra/telemetry"
)

// Metrics records session and pipeline counters. A nil *Metrics is a no-op.
type Metrics struct {
	exchange string
	schema   string

	framesReceived   metric.Int64Counter
	recordsEmitted   metric.Int64Counter
	recordsDropped   metric.Int64Counter
	commandsSent     metric.Int64Counter
	reconnects       metric.Int64Counter
	stateTransitions metric.Int64Counter
	throttled        metric.Int64Counter
	resyncs          metric.Int64Counter
}

// NewMetrics builds the session instruments on provider, or the global provider when nil.
func NewMetrics(provider metric.MeterProvider, exchange, contractSchema string) *Metrics {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter("session")
	m := &Metrics{exchange: exchange, schema: contractSchema}
	m.framesReceived, _ = meter.Int64Counter("session.frames.received",
		metric.WithDescription("Frames read from the exchange connection"),
		metric.WithUnit("{frame}"))
	m.recordsEmitted, _ = meter.Int64Counter("session.records.emitted",
		metric.WithDescription("Canonical records emitted by the pipeline"),
		metric.WithUnit("{record}"))
	m.recordsDropped, _ = meter.Int64Counter("session.records.dropped",
		metric.WithDescription("Items dropped by the pipeline"),
		metric.WithUnit("{item}"))
	m.commandsSent, _ = meter.Int64Counter("session.commands.sent",
		metric.WithDescription("Subscribe and unsubscribe control frames"),
		metric.WithUnit("{command}"))
	m.reconnects, _ = meter.Int64Counter("session.reconnects",
		metric.WithDescription("Reconnect attempts"),
		metric.WithUnit("{attempt}"))
	m.stateTransitions, _ = meter.Int64Counter("session.state.transitions",
		metric.WithDescription("Connection state transitions"),
		metric.WithUnit("{transition}"))
	m.throttled, _ = meter.Int64Counter("session.throttled",
		metric.WithDescription("Operations rejected by the throttle"),
		metric.WithUnit("{operation}"))
	m.resyncs, _ = meter.Int64Counter("session.resyncs",
		metric.WithDescription("Symbols re-seeded after their state fell out of sequence"),
		metric.WithUnit("{symbol}"))
	return m
}

func (m *Metrics) base(extra ...attribute.KeyValue) metric.MeasurementOption {
	attrs := telemetry.SessionAttributes(telemetry.Environment(), m.exchange, m.schema)
	return metric.WithAttributes(append(attrs, extra...)...)
}

func result(ok bool) string {
	if ok {
		return telemetry.ResultSuccess
	}
	return telemetry.ResultError
}

// Emitted implements pipeline.Observer.
func (m *Metrics) Emitted(ctx context.Context, env schema.Envelope) {
	if m == nil || m.recordsEmitted == nil {
		return
	}
	m.recordsEmitted.Add(ctx, int64(len(env.Data)), metric.WithAttributes(
		telemetry.ChannelAttributes(telemetry.Environment(), m.exchange, m.schema, string(env.Table), string(env.Action))...))
}

// Dropped implements pipeline.Observer.
func (m *Metrics) Dropped(ctx context.Context, channel schema.Channel, reason string) {
	if m == nil || m.recordsDropped == nil {
		return
	}
	attrs := telemetry.DropAttributes(telemetry.Environment(), m.exchange, m.schema, reason)
	m.recordsDropped.Add(ctx, 1, metric.WithAttributes(append(attrs, telemetry.AttrChannel.String(string(channel)))...))
}

func (m *Metrics) frame(ctx context.Context) {
	if m == nil || m.framesReceived == nil {
		return
	}
	m.framesReceived.Add(ctx, 1, m.base())
}

func (m *Metrics) command(ctx context.Context, method string, ok bool) {
	if m == nil || m.commandsSent == nil {
		return
	}
	m.commandsSent.Add(ctx, 1, metric.WithAttributes(
		telemetry.CommandAttributes(telemetry.Environment(), m.exchange, m.schema, method, result(ok))...))
}

func (m *Metrics) reconnect(ctx context.Context, ok bool) {
	if m == nil || m.reconnects == nil {
		return
	}
	m.reconnects.Add(ctx, 1, m.base(telemetry.AttrResult.String(result(ok))))
}

func (m *Metrics) transition(ctx context.Context, to State) {
	if m == nil || m.stateTransitions == nil {
		return
	}
	m.stateTransitions.Add(ctx, 1, m.base(telemetry.AttrConnectionState.String(to.String())))
}

func (m *Metrics) rejected(ctx context.Context, operation string) {
	if m == nil || m.throttled == nil {
		return
	}
	m.throttled.Add(ctx, 1, m.base(telemetry.AttrOperation.String(operation)))
}

func (m *Metrics) resynced(ctx context.Context, channel schema.Channel) {
	if m == nil || m.resyncs == nil {
		return
	}
	m.resyncs.Add(ctx, 1, m.base(telemetry.AttrChannel.String(string(channel))))
}
