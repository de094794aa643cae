package state

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cast"

	"github.com/coachpo/meltica-realtime/internal/infra/persistence"
	"github.com/coachpo/meltica-realtime/internal/numeric"
)

const pricesKey = "currency_prices"

// dollarQuotes are the quote currencies the price table is expressed in.
var dollarQuotes = map[string]bool{"USD": true, "USDT": true, "USDC": true, "BUSD": true, "FDUSD": true}

// Prices maps a currency to its price in a common quote currency.
type Prices map[string]decimal.Decimal

// Convert expresses amount of from in units of to.
func (p Prices) Convert(amount decimal.Decimal, from, to string) decimal.NullDecimal {
	if from == to {
		return decimal.NewNullDecimal(amount)
	}
	fromPrice, ok := p[from]
	if !ok {
		return decimal.NullDecimal{}
	}
	toPrice, ok := p[to]
	if !ok || toPrice.IsZero() {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(amount.Mul(fromPrice).DivRound(toPrice, 16))
}

// PriceTable is the currency price table shared between sessions through storage.
// Updates rely on the store's atomic shallow merge.
type PriceTable struct {
	store persistence.Store
}

// NewPriceTable binds the table to a store.
func NewPriceTable(store persistence.Store) *PriceTable {
	return &PriceTable{store: store}
}

// Update merges the provided prices.
func (t *PriceTable) Update(ctx context.Context, prices Prices) error {
	if len(prices) == 0 {
		return nil
	}
	value := make(map[string]any, len(prices))
	for currency, price := range prices {
		value[currency] = price.String()
	}
	if err := t.store.Set(ctx, pricesKey, value); err != nil {
		return fmt.Errorf("update currency prices: %w", err)
	}
	return nil
}

// Snapshot reads the whole table.
func (t *PriceTable) Snapshot(ctx context.Context) (Prices, error) {
	stored, err := t.store.Get(ctx, pricesKey)
	if err != nil {
		return nil, fmt.Errorf("read currency prices: %w", err)
	}
	out := make(Prices, len(stored))
	for currency, raw := range stored {
		if price, ok := numeric.Parse(cast.ToString(raw)); ok {
			out[currency] = price
		}
	}
	return out, nil
}

// CurrencyPrices derives base currency prices from the retained marks of
// perpetuals quoted in dollars. Those quote currencies are priced at one.
func (c *Cache) CurrencyPrices() Prices {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(Prices)
	for symbol, mark := range c.marks {
		s, ok := c.symbols[symbol]
		if !ok || s.Expiration != nil || !dollarQuotes[s.Quote] || !mark.IsPositive() {
			continue
		}
		out[s.Base] = mark
		out[s.Quote] = decimal.NewFromInt(1)
	}
	return out
}

// Prices returns a copy of the last price snapshot.
func (c *Cache) Prices() Prices {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(Prices, len(c.prices))
	for currency, price := range c.prices {
		out[currency] = price
	}
	return out
}

// RefreshPrices merges the prices derived from this cache's marks into the
// shared table and keeps the merged snapshot. Without a store only the local
// prices are kept.
func (c *Cache) RefreshPrices(ctx context.Context) (int, error) {
	derived := c.CurrencyPrices()
	snapshot := derived
	if c.opts.Store != nil {
		table := NewPriceTable(c.opts.Store)
		if err := table.Update(ctx, derived); err != nil {
			return 0, err
		}
		merged, err := table.Snapshot(ctx)
		if err != nil {
			return 0, err
		}
		snapshot = merged
	}
	c.mu.Lock()
	c.prices = snapshot
	c.mu.Unlock()
	return len(snapshot), nil
}
