package state

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cast"

	"github.com/coachpo/meltica-realtime/internal/calc"
	"github.com/coachpo/meltica-realtime/internal/numeric"
)

// SymbolState is the metadata of one tradable contract. It is replaced wholesale on refresh.
type SymbolState struct {
	Symbol      string
	System      string
	Base        string
	Quote       string
	MarginAsset string
	PriceTick   decimal.Decimal
	VolumeTick  decimal.Decimal
	Expiration  *time.Time
	MaxLeverage int
	Contract    calc.Contract
}

// Inverse reports whether the symbol is coin-margined.
func (s SymbolState) Inverse() bool { return s.Contract.Inverse }

// LevelID returns the price expressed in price ticks.
func (s SymbolState) LevelID(price decimal.Decimal) (int64, bool) {
	return numeric.Ticks(price, s.PriceTick)
}

// RoundPrice rounds price to the symbol's tick precision.
func (s SymbolState) RoundPrice(price decimal.Decimal) decimal.Decimal {
	return numeric.RoundToStep(price, s.PriceTick)
}

func (s SymbolState) encode() map[string]any {
	out := map[string]any{
		"system":       s.System,
		"base":         s.Base,
		"quote":        s.Quote,
		"margin_asset": s.MarginAsset,
		"price_tick":   s.PriceTick.String(),
		"volume_tick":  s.VolumeTick.String(),
		"max_leverage": s.MaxLeverage,
		"inverse":      s.Contract.Inverse,
		"multiplier":   s.Contract.Multiplier.String(),
	}
	if s.Expiration != nil {
		out["expiration"] = s.Expiration.UnixMilli()
	}
	return out
}

// decodeSymbol rebuilds a symbol from its stored form. Backends return
// numbers as float64 or strings depending on the codec, so fields are coerced.
func decodeSymbol(symbol string, raw any) (SymbolState, bool) {
	fields, err := cast.ToStringMapE(raw)
	if err != nil {
		return SymbolState{}, false
	}
	tick, ok := numeric.Parse(cast.ToString(fields["price_tick"]))
	if !ok {
		return SymbolState{}, false
	}
	volumeTick, _ := numeric.Parse(cast.ToString(fields["volume_tick"]))
	multiplier, _ := numeric.Parse(cast.ToString(fields["multiplier"]))
	s := SymbolState{
		Symbol:      symbol,
		System:      cast.ToString(fields["system"]),
		Base:        cast.ToString(fields["base"]),
		Quote:       cast.ToString(fields["quote"]),
		MarginAsset: cast.ToString(fields["margin_asset"]),
		PriceTick:   tick,
		VolumeTick:  volumeTick,
		MaxLeverage: cast.ToInt(fields["max_leverage"]),
		Contract: calc.Contract{
			Inverse:    cast.ToBool(fields["inverse"]),
			Multiplier: multiplier,
		},
	}
	if ms := cast.ToInt64(fields["expiration"]); ms > 0 {
		exp := time.UnixMilli(ms).UTC()
		s.Expiration = &exp
	}
	return s, s.System != ""
}
