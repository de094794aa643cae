package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// Envelope is the canonical event batch delivered downstream.
type Envelope struct {
	Account string         `json:"account"`
	Table   Channel        `json:"table"`
	Schema  ContractSchema `json:"schema"`
	Action  Action         `json:"action"`
	Data    []any          `json:"data"`
}

// SymbolRecord is a tick on the symbol channel.
type SymbolRecord struct {
	Symbol          string              `json:"symbol"`
	MarkPrice       decimal.NullDecimal `json:"mark_price"`
	IndexPrice      decimal.NullDecimal `json:"index_price"`
	FundingRate     decimal.NullDecimal `json:"funding_rate"`
	NextFundingTime *time.Time          `json:"next_funding_time"`
	Timestamp       time.Time           `json:"timestamp"`
}

// BookLevel is one order book row. ID is the price expressed in ticks.
type BookLevel struct {
	Symbol string              `json:"symbol"`
	ID     int64               `json:"id"`
	Side   Side                `json:"side"`
	Price  decimal.Decimal     `json:"price"`
	Size   decimal.NullDecimal `json:"size"`
}

// TradeRecord is a public trade.
type TradeRecord struct {
	Symbol    string          `json:"symbol"`
	TradeID   string          `json:"trade_id"`
	Side      Side            `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Size      decimal.Decimal `json:"size"`
	Timestamp time.Time       `json:"timestamp"`
}

// OrderRecord is a private order update.
type OrderRecord struct {
	Symbol        string              `json:"symbol"`
	OrderID       string              `json:"order_id"`
	ClientOrderID string              `json:"client_order_id"`
	Side          Side                `json:"side"`
	Type          string              `json:"type"`
	Status        string              `json:"status"`
	Price         decimal.NullDecimal `json:"price"`
	StopPrice     decimal.NullDecimal `json:"stop_price"`
	Volume        decimal.Decimal     `json:"volume"`
	FilledVolume  decimal.Decimal     `json:"filled_volume"`
	AveragePrice  decimal.NullDecimal `json:"average_price"`
	PositionSide  PositionSide        `json:"position_side"`
	ReduceOnly    bool                `json:"reduce_only"`
	Timestamp     time.Time           `json:"timestamp"`
}

// PositionRecord is a private position snapshot.
type PositionRecord struct {
	Symbol                string              `json:"symbol"`
	PositionSide          PositionSide        `json:"position_side"`
	Side                  *Side               `json:"side"`
	Volume                decimal.Decimal     `json:"volume"`
	EntryPrice            decimal.NullDecimal `json:"entry_price"`
	MarkPrice             decimal.NullDecimal `json:"mark_price"`
	LeverageMode          LeverageMode        `json:"leverage_mode"`
	Leverage              decimal.NullDecimal `json:"leverage"`
	IsolatedWalletBalance decimal.NullDecimal `json:"isolated_wallet_balance"`
	CrossWalletBalance    decimal.NullDecimal `json:"cross_wallet_balance"`
	UnrealizedPnL         decimal.NullDecimal `json:"unrealized_pnl"`
	MaintenanceMargin     decimal.NullDecimal `json:"maintenance_margin"`
	LiquidationPrice      decimal.NullDecimal `json:"liquidation_price"`
	Action                Action              `json:"action"`
	Timestamp             time.Time           `json:"timestamp"`
}

// WalletRecord is a private balance snapshot for one currency.
type WalletRecord struct {
	Currency        string              `json:"currency"`
	Balance         decimal.Decimal     `json:"balance"`
	Free            decimal.NullDecimal `json:"free"`
	Locked          decimal.Decimal     `json:"locked"`
	Borrowed        decimal.Decimal     `json:"borrowed"`
	UnrealizedPnL   decimal.Decimal     `json:"unrealized_pnl"`
	MarginBalance   decimal.Decimal     `json:"margin_balance"`
	AvailableMargin decimal.NullDecimal `json:"available_margin"`
	State           WalletState         `json:"state"`

	// TotalBalance is the account's margin balance across currencies in Reference.
	Reference    string              `json:"reference"`
	TotalBalance decimal.NullDecimal `json:"total_balance"`
}
