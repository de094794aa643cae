package calc

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/shopspring/decimal"
)

// Bracket is one maintenance-margin tier. Floor is inclusive, Cap exclusive.
type Bracket struct {
	Floor       decimal.Decimal
	Cap         decimal.Decimal
	MaintRate   decimal.Decimal
	MaintAmount decimal.Decimal
	MaxLeverage int
}

// Brackets is an ordered tier table for one symbol.
type Brackets []Bracket

// Sorted returns a copy ordered by floor.
func (b Brackets) Sorted() Brackets {
	out := make(Brackets, len(b))
	copy(out, b)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Floor.LessThan(out[j].Floor) })
	return out
}

// Validate checks that tiers start at zero and are contiguous and non-overlapping.
func (b Brackets) Validate() error {
	if len(b) == 0 {
		return fmt.Errorf("bracket table empty")
	}
	if !b[0].Floor.IsZero() {
		return fmt.Errorf("first bracket floor %s, want 0", b[0].Floor)
	}
	for i, tier := range b {
		if !tier.Cap.GreaterThan(tier.Floor) {
			return fmt.Errorf("bracket %d cap %s not above floor %s", i, tier.Cap, tier.Floor)
		}
		if i > 0 && !tier.Floor.Equal(b[i-1].Cap) {
			return fmt.Errorf("bracket %d floor %s does not continue cap %s", i, tier.Floor, b[i-1].Cap)
		}
	}
	return nil
}

// Match returns the tier covering the absolute exposure.
func (b Brackets) Match(exposure decimal.Decimal) (Bracket, bool) {
	value := exposure.Abs()
	for _, tier := range b {
		if value.GreaterThanOrEqual(tier.Floor) && value.LessThan(tier.Cap) {
			return tier, true
		}
	}
	return Bracket{}, false
}

// MultiplierRule maps symbols matching Pattern to a contract multiplier.
type MultiplierRule struct {
	Pattern *regexp.Regexp
	Value   decimal.Decimal
}

// MultiplierTable resolves inverse contract multipliers by symbol naming.
type MultiplierTable struct {
	Rules   []MultiplierRule
	Default decimal.Decimal
}

// Resolve returns the multiplier of the first matching rule or the default.
func (t MultiplierTable) Resolve(symbol string) decimal.Decimal {
	for _, rule := range t.Rules {
		if rule.Pattern != nil && rule.Pattern.MatchString(symbol) {
			return rule.Value
		}
	}
	return t.Default
}

// CoinMarginedMultipliers covers Binance COIN-M contracts: 100 USD for BTC, 10 USD otherwise.
var CoinMarginedMultipliers = MultiplierTable{
	Rules: []MultiplierRule{
		{Pattern: regexp.MustCompile(`^BTCUSD`), Value: decimal.NewFromInt(100)},
	},
	Default: decimal.NewFromInt(10),
}
