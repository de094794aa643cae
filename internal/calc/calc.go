// Package calc implements margin formulas for linear and inverse futures contracts.
//
// Every function is pure. Inputs that make a formula undefined (zero prices,
// zero volume where a price is solved for, missing bracket) yield an invalid
// decimal.NullDecimal instead of an error so callers can emit partial records.
package calc

import (
	"github.com/shopspring/decimal"

	"github.com/coachpo/meltica-realtime/internal/domain/schema"
)

// divisionScale is the number of fractional digits kept by every division.
const divisionScale int32 = 24

// Contract describes how a symbol's prices convert into value.
type Contract struct {
	Inverse    bool
	Multiplier decimal.Decimal
}

// Linear is the contract description for quote-margined symbols.
var Linear = Contract{Multiplier: decimal.NewFromInt(1)}

func (c Contract) multiplier() decimal.Decimal {
	if c.Multiplier.IsZero() {
		return decimal.NewFromInt(1)
	}
	return c.Multiplier
}

func div(a, b decimal.Decimal) (decimal.Decimal, bool) {
	if b.IsZero() {
		return decimal.Zero, false
	}
	return a.DivRound(b, divisionScale), true
}

func null() decimal.NullDecimal { return decimal.NullDecimal{} }

func valid(d decimal.Decimal) decimal.NullDecimal { return decimal.NewNullDecimal(d) }

// FacePrice converts a quoted price into its face value. For inverse contracts
// this is multiplier / price; linear prices are returned unchanged.
func FacePrice(c Contract, price decimal.Decimal) (decimal.NullDecimal, bool) {
	if !c.Inverse {
		return valid(price), false
	}
	face, ok := div(c.multiplier(), price)
	if !ok {
		return null(), true
	}
	return valid(face), true
}

// NotionalValue is |volume| * mark for linear contracts and
// |volume| * multiplier / mark for inverse contracts.
func NotionalValue(c Contract, volume, markPrice decimal.Decimal) decimal.NullDecimal {
	size := volume.Abs()
	if !c.Inverse {
		return valid(size.Mul(markPrice))
	}
	notional, ok := div(size.Mul(c.multiplier()), markPrice)
	if !ok {
		return null()
	}
	return valid(notional)
}

// MaintenanceMargin is notional * rate - amount.
func MaintenanceMargin(c Contract, volume, markPrice, maintAmount, maintRate decimal.Decimal) decimal.NullDecimal {
	notional := NotionalValue(c, volume, markPrice)
	if !notional.Valid {
		return null()
	}
	return valid(notional.Decimal.Mul(maintRate).Sub(maintAmount))
}

// UnrealizedPnL computes the open profit of a position.
//
//	linear:  |v| * dir * (mark - entry)
//	inverse: |v| * dir * multiplier * (1/entry - 1/mark)
func UnrealizedPnL(c Contract, entryPrice, markPrice, volume decimal.Decimal, side schema.Side) decimal.NullDecimal {
	dir := side.Direction()
	if dir == 0 {
		return null()
	}
	signed := volume.Abs().Mul(decimal.NewFromInt(dir))
	if !c.Inverse {
		return valid(signed.Mul(markPrice.Sub(entryPrice)))
	}
	// 1/entry - 1/mark == (mark - entry) / (entry * mark)
	pnl, ok := div(signed.Mul(c.multiplier()).Mul(markPrice.Sub(entryPrice)), entryPrice.Mul(markPrice))
	if !ok {
		return null()
	}
	return valid(pnl)
}

// MarkPrice solves the unrealized P&L formula for the mark price.
func MarkPrice(c Contract, volume, entryPrice, unrealizedPnL decimal.Decimal, side schema.Side) decimal.NullDecimal {
	dir := side.Direction()
	if dir == 0 {
		return null()
	}
	signed := volume.Abs().Mul(decimal.NewFromInt(dir))
	if !c.Inverse {
		delta, ok := div(unrealizedPnL, signed)
		if !ok {
			return null()
		}
		return valid(entryPrice.Add(delta))
	}
	// mark = entry * k / (k - pnl * entry), k = |v| * dir * multiplier
	k := signed.Mul(c.multiplier())
	mark, ok := div(entryPrice.Mul(k), k.Sub(unrealizedPnL.Mul(entryPrice)))
	if !ok || !mark.IsPositive() {
		return null()
	}
	return valid(mark)
}

// LiquidationInput gathers the state a liquidation price depends on.
type LiquidationInput struct {
	Contract   Contract
	Side       schema.Side
	Volume     decimal.Decimal
	EntryPrice decimal.Decimal
	// MarkPrice selects the bracket for linear contracts; EntryPrice is used when invalid.
	MarkPrice decimal.NullDecimal
	Mode      schema.LeverageMode
	// WalletBalance is the cross wallet balance in cross mode and the position's
	// isolated balance in isolated mode.
	WalletBalance decimal.Decimal
	// OtherMaintenance and OtherUnrealizedPnL aggregate every other cross
	// position sharing the margin asset. Ignored in isolated mode.
	OtherMaintenance   decimal.Decimal
	OtherUnrealizedPnL decimal.Decimal
	Brackets           Brackets
}

// LiquidationPrice returns the price at which the position's margin is exhausted.
// Flat positions, unmatched brackets, zero denominators and negative prices yield null.
func LiquidationPrice(in LiquidationInput) decimal.NullDecimal {
	dir := in.Side.Direction()
	size := in.Volume.Abs()
	if dir == 0 || size.IsZero() || !in.EntryPrice.IsPositive() {
		return null()
	}
	side := decimal.NewFromInt(dir)

	exposure := size
	if !in.Contract.Inverse {
		price := in.EntryPrice
		if in.MarkPrice.Valid && in.MarkPrice.Decimal.IsPositive() {
			price = in.MarkPrice.Decimal
		}
		exposure = size.Mul(price)
	}
	tier, ok := in.Brackets.Match(exposure)
	if !ok {
		return null()
	}

	balance := in.WalletBalance
	if in.Mode != schema.LeverageIsolated {
		balance = balance.Sub(in.OtherMaintenance).Add(in.OtherUnrealizedPnL)
	}

	var (
		price decimal.Decimal
		okDiv bool
	)
	if !in.Contract.Inverse {
		numerator := balance.Add(tier.MaintAmount).Sub(side.Mul(size).Mul(in.EntryPrice))
		denominator := size.Mul(tier.MaintRate).Sub(side.Mul(size))
		price, okDiv = div(numerator, denominator)
	} else {
		cs := in.Contract.multiplier()
		notional := size.Mul(cs)
		entryFace, ok := div(side.Mul(notional), in.EntryPrice)
		if !ok {
			return null()
		}
		numerator := notional.Mul(tier.MaintRate).Add(side.Mul(notional))
		denominator := balance.Add(tier.MaintAmount).Add(entryFace)
		price, okDiv = div(numerator, denominator)
	}
	if !okDiv || price.IsNegative() {
		return null()
	}
	return valid(price)
}
