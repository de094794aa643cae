package state

import (
	"github.com/shopspring/decimal"

	"github.com/coachpo/meltica-realtime/internal/domain/schema"
)

// WalletBalance is the cached balance of one currency.
type WalletBalance struct {
	Currency        string
	Balance         decimal.Decimal
	Free            decimal.NullDecimal
	Locked          decimal.Decimal
	Borrowed        decimal.Decimal
	UnrealizedPnL   decimal.Decimal
	MarginBalance   decimal.Decimal
	AvailableMargin decimal.NullDecimal
	State           schema.WalletState
}

// Record renders the wallet as a canonical record.
func (w WalletBalance) Record() schema.WalletRecord {
	return schema.WalletRecord{
		Currency:        w.Currency,
		Balance:         w.Balance,
		Free:            w.Free,
		Locked:          w.Locked,
		Borrowed:        w.Borrowed,
		UnrealizedPnL:   w.UnrealizedPnL,
		MarginBalance:   w.MarginBalance,
		AvailableMargin: w.AvailableMargin,
		State:           w.State,
	}
}

// derive fills the fields computed from positions held in the currency.
func (w WalletBalance) derive(locked, upnl decimal.Decimal) WalletBalance {
	w.Locked = locked
	w.UnrealizedPnL = upnl
	w.MarginBalance = w.Balance.Add(upnl)
	available := w.MarginBalance.Sub(locked).Sub(w.Borrowed)
	w.AvailableMargin = decimal.NewNullDecimal(available)
	if available.IsNegative() {
		available = decimal.Zero
	}
	w.Free = decimal.NewNullDecimal(available)
	w.State = schema.WalletTrade
	if locked.IsPositive() {
		w.State = schema.WalletHold
	}
	return w
}
