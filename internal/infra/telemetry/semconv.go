// Package telemetry configures OpenTelemetry metrics and the attribute conventions used by sessions.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

const (
	// AttrEnvironment specifies the deployment environment for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrExchange identifies the upstream venue.
	AttrExchange = attribute.Key("exchange")
	// AttrSchema labels the contract schema (linear, inverse).
	AttrSchema = attribute.Key("schema")
	// AttrChannel labels the canonical channel.
	AttrChannel = attribute.Key("channel")
	// AttrAction labels the canonical envelope action.
	AttrAction = attribute.Key("action")
	// AttrResult records the outcome of an operation.
	AttrResult = attribute.Key("result")
	// AttrReason provides free-form context for drops and rejections.
	AttrReason = attribute.Key("reason")
	// AttrCommandType indicates which control command was sent.
	AttrCommandType = attribute.Key("command.type")
	// AttrConnectionState labels connection lifecycle transitions.
	AttrConnectionState = attribute.Key("connection.state")
	// AttrOperation names the throttled or bootstrap operation.
	AttrOperation = attribute.Key("operation")
	// AttrCurrency labels wallet gauges.
	AttrCurrency = attribute.Key("currency")
	// AttrOrderStatus labels order updates.
	AttrOrderStatus = attribute.Key("order.status")
)

// Result values.
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// SessionAttributes returns the attribute set shared by every session metric.
func SessionAttributes(environment, exchange, schema string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrExchange.String(exchange),
		AttrSchema.String(schema),
	}
}

// ChannelAttributes extends the session set with channel and action labels.
func ChannelAttributes(environment, exchange, schema, channel, action string) []attribute.KeyValue {
	attrs := SessionAttributes(environment, exchange, schema)
	attrs = append(attrs, AttrChannel.String(channel))
	if action != "" {
		attrs = append(attrs, AttrAction.String(action))
	}
	return attrs
}

// CommandAttributes labels control command metrics.
func CommandAttributes(environment, exchange, schema, command, result string) []attribute.KeyValue {
	attrs := SessionAttributes(environment, exchange, schema)
	return append(attrs, AttrCommandType.String(command), AttrResult.String(result))
}

// DropAttributes labels validation drops.
func DropAttributes(environment, exchange, schema, reason string) []attribute.KeyValue {
	attrs := SessionAttributes(environment, exchange, schema)
	return append(attrs, AttrReason.String(reason))
}

// OperationAttributes labels adapter operations such as REST calls.
func OperationAttributes(environment, exchange, schema, operation, result string) []attribute.KeyValue {
	attrs := SessionAttributes(environment, exchange, schema)
	return append(attrs, AttrOperation.String(operation), AttrResult.String(result))
}

// WalletAttributes labels per-currency wallet gauges.
func WalletAttributes(environment, exchange, schema, currency string) []attribute.KeyValue {
	attrs := SessionAttributes(environment, exchange, schema)
	return append(attrs, AttrCurrency.String(currency))
}
