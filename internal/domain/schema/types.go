// Package schema defines the canonical protocol emitted by gateway sessions.
package schema

import (
	"strings"

	"github.com/coachpo/meltica-realtime/errs"
)

// Channel names a canonical subscription table.
type Channel string

const (
	// ChannelSymbol carries mark price, index price and funding ticks.
	ChannelSymbol Channel = "symbol"
	// ChannelOrderBook carries level-2 book rows.
	ChannelOrderBook Channel = "order_book"
	// ChannelTrade carries public trades.
	ChannelTrade Channel = "trade"
	// ChannelOrder carries private order updates.
	ChannelOrder Channel = "order"
	// ChannelPosition carries private position updates.
	ChannelPosition Channel = "position"
	// ChannelWallet carries private balance updates.
	ChannelWallet Channel = "wallet"
)

// Channels lists every canonical channel.
func Channels() []Channel {
	return []Channel{ChannelSymbol, ChannelOrderBook, ChannelTrade, ChannelOrder, ChannelPosition, ChannelWallet}
}

// ParseChannel normalises and validates a channel name.
func ParseChannel(raw string) (Channel, error) {
	normalized := Channel(strings.ToLower(strings.TrimSpace(raw)))
	for _, ch := range Channels() {
		if ch == normalized {
			return ch, nil
		}
	}
	return "", errs.New("", errs.CodeInvalid, errs.WithMessage("unknown channel "+raw))
}

// Private reports whether the channel requires an authenticated connection.
func (c Channel) Private() bool {
	switch c {
	case ChannelOrder, ChannelPosition, ChannelWallet:
		return true
	default:
		return false
	}
}

// Action tags the state transition carried by an envelope.
type Action string

const (
	ActionPartial Action = "partial"
	ActionInsert  Action = "insert"
	ActionCreate  Action = "create"
	ActionUpdate  Action = "update"
	ActionDelete  Action = "delete"
	ActionReverse Action = "reverse"
)

// ContractSchema distinguishes linear and inverse (coin-margined) contracts.
type ContractSchema string

const (
	SchemaLinear  ContractSchema = "linear"
	SchemaInverse ContractSchema = "inverse"
)

// ParseSchema normalises and validates a contract schema.
func ParseSchema(raw string) (ContractSchema, error) {
	switch ContractSchema(strings.ToLower(strings.TrimSpace(raw))) {
	case SchemaLinear:
		return SchemaLinear, nil
	case SchemaInverse:
		return SchemaInverse, nil
	default:
		return "", errs.New("", errs.CodeInvalid, errs.WithMessage("unknown schema "+raw))
	}
}

// Inverse reports whether the schema is coin-margined.
func (s ContractSchema) Inverse() bool { return s == SchemaInverse }

// Side is the direction of an order, trade or position.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Direction returns +1 for buy, -1 for sell and 0 otherwise.
func (s Side) Direction() int64 {
	switch s {
	case SideBuy:
		return 1
	case SideSell:
		return -1
	default:
		return 0
	}
}

// PositionSide is the hedge-mode bucket a position lives in.
type PositionSide string

const (
	PositionSideBoth  PositionSide = "both"
	PositionSideLong  PositionSide = "long"
	PositionSideShort PositionSide = "short"
)

// LeverageMode distinguishes cross and isolated margin.
type LeverageMode string

const (
	LeverageCross    LeverageMode = "cross"
	LeverageIsolated LeverageMode = "isolated"
)

// WalletState is the coarse availability tag of a wallet balance.
type WalletState string

const (
	WalletTrade WalletState = "trade"
	WalletHold  WalletState = "hold"
)
