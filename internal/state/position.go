package state

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/meltica-realtime/internal/domain/schema"
)

// PositionKey identifies a position by symbol and hedge bucket.
type PositionKey struct {
	Symbol string
	Side   schema.PositionSide
}

// PositionState is the cached snapshot of one position.
type PositionState struct {
	Symbol                string
	PositionSide          schema.PositionSide
	Side                  *schema.Side
	Volume                decimal.Decimal
	EntryPrice            decimal.NullDecimal
	MarkPrice             decimal.NullDecimal
	LeverageMode          schema.LeverageMode
	Leverage              decimal.NullDecimal
	IsolatedWalletBalance decimal.NullDecimal
	CrossWalletBalance    decimal.NullDecimal
	UnrealizedPnL         decimal.NullDecimal
	MaintenanceMargin     decimal.NullDecimal
	LiquidationPrice      decimal.NullDecimal
	Action                schema.Action
	UpdatedAt             time.Time
}

// Key returns the cache key of the position.
func (p PositionState) Key() PositionKey {
	return PositionKey{Symbol: p.Symbol, Side: p.PositionSide}
}

// Flat reports whether the position holds no volume.
func (p PositionState) Flat() bool { return p.Volume.IsZero() }

// Record renders the position under its canonical symbol id.
func (p PositionState) Record(system string) schema.PositionRecord {
	var side *schema.Side
	if p.Side != nil {
		s := *p.Side
		side = &s
	}
	return schema.PositionRecord{
		Symbol:                system,
		PositionSide:          p.PositionSide,
		Side:                  side,
		Volume:                p.Volume,
		EntryPrice:            p.EntryPrice,
		MarkPrice:             p.MarkPrice,
		LeverageMode:          p.LeverageMode,
		Leverage:              p.Leverage,
		IsolatedWalletBalance: p.IsolatedWalletBalance,
		CrossWalletBalance:    p.CrossWalletBalance,
		UnrealizedPnL:         p.UnrealizedPnL,
		MaintenanceMargin:     p.MaintenanceMargin,
		LiquidationPrice:      p.LiquidationPrice,
		Action:                p.Action,
		Timestamp:             p.UpdatedAt,
	}
}

// SideOf derives the position side from the sign of its volume. Flat volume has no side.
func SideOf(volume decimal.Decimal) *schema.Side {
	var side schema.Side
	switch volume.Sign() {
	case 1:
		side = schema.SideBuy
	case -1:
		side = schema.SideSell
	default:
		return nil
	}
	return &side
}

// Classify tags the transition from the previous volume to next. The boolean
// is false when both are flat, which produces no record.
func Classify(prev *PositionState, next decimal.Decimal) (schema.Action, bool) {
	wasFlat := prev == nil || prev.Volume.IsZero()
	switch {
	case wasFlat && next.IsZero():
		return "", false
	case wasFlat:
		return schema.ActionCreate, true
	case next.IsZero():
		return schema.ActionDelete, true
	case prev.Volume.Sign() != next.Sign():
		return schema.ActionReverse, true
	default:
		return schema.ActionUpdate, true
	}
}
