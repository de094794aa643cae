package binance

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/meltica-realtime/internal/calc"
	"github.com/coachpo/meltica-realtime/internal/domain/schema"
	"github.com/coachpo/meltica-realtime/internal/state"
)

// positionDeriver fills the position fields the feed omits: mark price,
// unrealized P&L, maintenance margin and liquidation price. It also tracks the
// cross wallet balance per margin asset, which account events report separately
// from positions.
type positionDeriver struct {
	cache *state.Cache

	mu           sync.Mutex
	crossWallets map[string]decimal.Decimal
}

func newPositionDeriver(cache *state.Cache) *positionDeriver {
	return &positionDeriver{cache: cache, crossWallets: make(map[string]decimal.Decimal)}
}

func (d *positionDeriver) setCrossWallet(asset string, balance decimal.Decimal) {
	d.mu.Lock()
	d.crossWallets[asset] = balance
	d.mu.Unlock()
}

func (d *positionDeriver) crossWallet(asset string) (decimal.Decimal, bool) {
	d.mu.Lock()
	balance, ok := d.crossWallets[asset]
	d.mu.Unlock()
	if ok {
		return balance, true
	}
	if w, ok := d.cache.Wallet(asset); ok {
		return w.Balance, true
	}
	return decimal.Zero, false
}

func (d *positionDeriver) reset() {
	d.mu.Lock()
	d.crossWallets = make(map[string]decimal.Decimal)
	d.mu.Unlock()
}

// derive builds the next state of a position. It returns false for symbols
// missing from the symbol table.
func (d *positionDeriver) derive(in positionInput, now time.Time) (state.PositionState, state.SymbolState, bool) {
	sym, ok := d.cache.Symbol(in.symbol)
	if !ok {
		return state.PositionState{}, state.SymbolState{}, false
	}
	key := state.PositionKey{Symbol: in.symbol, Side: in.positionSide}
	prev, hasPrev := d.cache.Position(key)

	p := state.PositionState{
		Symbol:                in.symbol,
		PositionSide:          in.positionSide,
		Volume:                in.amount,
		EntryPrice:            in.entryPrice,
		LeverageMode:          in.mode,
		Leverage:              in.leverage,
		IsolatedWalletBalance: in.isolatedWallet,
		UnrealizedPnL:         in.unrealizedPnL,
		UpdatedAt:             now,
	}
	if !p.Leverage.Valid && hasPrev {
		p.Leverage = prev.Leverage
	}
	if p.LeverageMode != schema.LeverageIsolated {
		p.IsolatedWalletBalance = decimal.NullDecimal{}
	}
	if cross, ok := d.crossWallet(sym.MarginAsset); ok {
		p.CrossWalletBalance = decimal.NewNullDecimal(cross)
	}

	side := state.SideOf(in.amount)
	if side == nil {
		if mark, ok := d.cache.MarkPrice(in.symbol); ok {
			p.MarkPrice = decimal.NewNullDecimal(mark)
		}
		return p, sym, true
	}

	p.MarkPrice = d.markPrice(sym, in, *side)
	if !p.UnrealizedPnL.Valid && p.MarkPrice.Valid && p.EntryPrice.Valid {
		p.UnrealizedPnL = calc.UnrealizedPnL(sym.Contract, p.EntryPrice.Decimal, p.MarkPrice.Decimal, p.Volume, *side)
	}

	brackets, ok := d.cache.Brackets(in.symbol)
	if !ok || !p.EntryPrice.Valid {
		return p, sym, true
	}
	price := p.EntryPrice.Decimal
	if p.MarkPrice.Valid && p.MarkPrice.Decimal.IsPositive() {
		price = p.MarkPrice.Decimal
	}
	exposure := p.Volume.Abs()
	if !sym.Inverse() {
		exposure = exposure.Mul(price)
	}
	if tier, ok := brackets.Match(exposure); ok {
		p.MaintenanceMargin = calc.MaintenanceMargin(sym.Contract, p.Volume, price, tier.MaintAmount, tier.MaintRate)
	}

	wallet := p.CrossWalletBalance
	if p.LeverageMode == schema.LeverageIsolated {
		wallet = p.IsolatedWalletBalance
	}
	if !wallet.Valid {
		return p, sym, true
	}
	otherMaint, otherPnL := d.cache.CrossAggregates(sym.MarginAsset, key)
	p.LiquidationPrice = calc.LiquidationPrice(calc.LiquidationInput{
		Contract:           sym.Contract,
		Side:               *side,
		Volume:             p.Volume,
		EntryPrice:         p.EntryPrice.Decimal,
		MarkPrice:          p.MarkPrice,
		Mode:               p.LeverageMode,
		WalletBalance:      wallet.Decimal,
		OtherMaintenance:   otherMaint,
		OtherUnrealizedPnL: otherPnL,
		Brackets:           brackets,
	})
	return p, sym, true
}

// markPrice prefers an explicit mark, then solves it from the reported P&L,
// then falls back to the last mark seen on the symbol channel.
func (d *positionDeriver) markPrice(sym state.SymbolState, in positionInput, side schema.Side) decimal.NullDecimal {
	if in.markPrice.Valid {
		return in.markPrice
	}
	if in.unrealizedPnL.Valid && in.entryPrice.Valid {
		if mark := calc.MarkPrice(sym.Contract, in.amount, in.entryPrice.Decimal, in.unrealizedPnL.Decimal, side); mark.Valid {
			return mark
		}
	}
	if mark, ok := d.cache.MarkPrice(sym.Symbol); ok {
		return decimal.NewNullDecimal(mark)
	}
	return decimal.NullDecimal{}
}
