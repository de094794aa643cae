// Package state mirrors symbol metadata, positions, wallets and leverage brackets
// for one exchange account and contract schema.
package state

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/coachpo/meltica-realtime/errs"
	"github.com/coachpo/meltica-realtime/internal/calc"
	"github.com/coachpo/meltica-realtime/internal/domain/schema"
	"github.com/coachpo/meltica-realtime/internal/infra/logging"
	"github.com/coachpo/meltica-realtime/internal/infra/persistence"
)

const (
	symbolsKey = "symbols"
	walletKey  = "wallet"
	// symbolTableField holds the whole encoded table so a shallow-merge Set
	// replaces it as one value.
	symbolTableField = "table"
	// RefreshChannel carries symbol table refresh notifications.
	RefreshChannel = "symbols.refresh"
)

// RefreshNotice is published after a symbol table replace.
type RefreshNotice struct {
	Origin   string                `json:"origin"`
	Exchange string                `json:"exchange"`
	Schema   schema.ContractSchema `json:"schema"`
	Count    int                   `json:"count"`
}

// Options configures a Cache.
type Options struct {
	Exchange string
	Account  string
	Schema   schema.ContractSchema
	// Origin tags refresh notices so a session can ignore its own.
	Origin string
	Store  persistence.Store
	Logger *zap.Logger
}

// Cache is the per-session state mirror. It is safe for concurrent use; the
// session's pipeline and its background tasks are its only writers.
type Cache struct {
	opts   Options
	logger *zap.Logger

	mu        sync.RWMutex
	symbols   map[string]SymbolState
	bySystem  map[string]string
	marks     map[string]decimal.Decimal
	positions map[PositionKey]PositionState
	brackets  map[string]calc.Brackets
	wallets   map[string]WalletBalance
	prices    Prices
}

// New constructs an empty cache.
func New(opts Options) *Cache {
	return &Cache{
		opts:      opts,
		logger:    logging.OrNop(opts.Logger),
		symbols:   make(map[string]SymbolState),
		bySystem:  make(map[string]string),
		marks:     make(map[string]decimal.Decimal),
		positions: make(map[PositionKey]PositionState),
		brackets:  make(map[string]calc.Brackets),
		wallets:   make(map[string]WalletBalance),
		prices:    make(Prices),
	}
}

// Account returns the account the cache mirrors.
func (c *Cache) Account() string { return c.opts.Account }

// Schema returns the contract schema the cache mirrors.
func (c *Cache) Schema() schema.ContractSchema { return c.opts.Schema }

// ReplaceSymbols swaps the symbol table wholesale, persists it and publishes a refresh notice.
func (c *Cache) ReplaceSymbols(ctx context.Context, symbols []SymbolState) error {
	table := make(map[string]SymbolState, len(symbols))
	index := make(map[string]string, len(symbols))
	encoded := make(map[string]any, len(symbols))
	for _, s := range symbols {
		if s.Symbol == "" || s.System == "" {
			continue
		}
		table[s.Symbol] = s
		index[s.System] = s.Symbol
		encoded[s.Symbol] = s.encode()
	}

	c.mu.Lock()
	c.symbols = table
	c.bySystem = index
	c.mu.Unlock()

	if c.opts.Store == nil {
		return nil
	}
	stored := map[string]any{
		symbolTableField: encoded,
		"updated_at":     time.Now().UnixMilli(),
	}
	if err := c.opts.Store.Set(ctx, c.symbolsKey(), stored); err != nil {
		return fmt.Errorf("persist symbols: %w", err)
	}
	notice, err := json.Marshal(RefreshNotice{
		Origin:   c.opts.Origin,
		Exchange: c.opts.Exchange,
		Schema:   c.opts.Schema,
		Count:    len(table),
	})
	if err != nil {
		return fmt.Errorf("encode refresh notice: %w", err)
	}
	if err := c.opts.Store.Publish(ctx, RefreshChannel, notice); err != nil {
		return fmt.Errorf("publish symbol refresh: %w", err)
	}
	return nil
}

// RestoreSymbols reloads the symbol table from storage and returns the number loaded.
func (c *Cache) RestoreSymbols(ctx context.Context) (int, error) {
	if c.opts.Store == nil {
		return 0, nil
	}
	stored, err := c.opts.Store.Get(ctx, symbolsKey, c.opts.Exchange, string(c.opts.Schema))
	if err != nil {
		return 0, fmt.Errorf("load symbols: %w", err)
	}
	raw, ok := stored[symbolTableField]
	if !ok || raw == nil {
		return 0, nil
	}
	entries, err := cast.ToStringMapE(raw)
	if err != nil {
		return 0, fmt.Errorf("decode stored symbols: %w", err)
	}
	table := make(map[string]SymbolState, len(entries))
	index := make(map[string]string, len(entries))
	for symbol, raw := range entries {
		s, ok := decodeSymbol(symbol, raw)
		if !ok {
			c.logger.Warn("skipping malformed stored symbol", zap.String("symbol", symbol))
			continue
		}
		table[symbol] = s
		index[s.System] = symbol
	}
	if len(table) == 0 {
		return 0, nil
	}
	c.mu.Lock()
	c.symbols = table
	c.bySystem = index
	c.mu.Unlock()
	return len(table), nil
}

// Symbol looks up an exchange-native symbol.
func (c *Cache) Symbol(symbol string) (SymbolState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.symbols[symbol]
	return s, ok
}

// SymbolBySystem looks up a symbol by its canonical id.
func (c *Cache) SymbolBySystem(system string) (SymbolState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	native, ok := c.bySystem[system]
	if !ok {
		return SymbolState{}, false
	}
	s, ok := c.symbols[native]
	return s, ok
}

// Symbols returns every symbol ordered by exchange-native name.
func (c *Cache) Symbols() []SymbolState {
	c.mu.RLock()
	out := make([]SymbolState, 0, len(c.symbols))
	for _, s := range c.symbols {
		out = append(out, s)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// SetMarkPrice records the latest mark price of a symbol.
func (c *Cache) SetMarkPrice(symbol string, price decimal.Decimal) {
	c.mu.Lock()
	c.marks[symbol] = price
	c.mu.Unlock()
}

// MarkPrice returns the latest recorded mark price.
func (c *Cache) MarkPrice(symbol string) (decimal.Decimal, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.marks[symbol]
	return p, ok
}

// Position returns the cached position.
func (c *Cache) Position(key PositionKey) (PositionState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.positions[key]
	return p, ok
}

// Positions returns every cached position, flat rows included.
func (c *Cache) Positions() []PositionState {
	c.mu.RLock()
	out := make([]PositionState, 0, len(c.positions))
	for _, p := range c.positions {
		out = append(out, p)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol == out[j].Symbol {
			return out[i].PositionSide < out[j].PositionSide
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

// ApplyPosition stores next, tagging it with the transition from the cached
// volume. It returns false when the update carries no state change (flat to flat).
func (c *Cache) ApplyPosition(next PositionState) (PositionState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := next.Key()
	var prev *PositionState
	if existing, ok := c.positions[key]; ok {
		prev = &existing
	}
	action, changed := Classify(prev, next.Volume)
	next.Side = SideOf(next.Volume)
	if !changed {
		if prev == nil {
			next.Action = schema.ActionDelete
			c.positions[key] = next
		}
		return next, false
	}
	next.Action = action
	c.positions[key] = next
	return next, true
}

// ReplacePositions loads a bootstrap snapshot, replacing every cached position.
func (c *Cache) ReplacePositions(positions []PositionState) {
	table := make(map[PositionKey]PositionState, len(positions))
	for _, p := range positions {
		p.Side = SideOf(p.Volume)
		p.Action = schema.ActionCreate
		if p.Flat() {
			p.Action = schema.ActionDelete
		}
		table[p.Key()] = p
	}
	c.mu.Lock()
	c.positions = table
	c.mu.Unlock()
}

// CrossAggregates sums maintenance margin and unrealized P&L over cross positions
// margined in marginAsset, excluding the position being evaluated.
func (c *Cache) CrossAggregates(marginAsset string, exclude PositionKey) (maintenance, unrealized decimal.Decimal) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for key, p := range c.positions {
		if key == exclude || p.LeverageMode != schema.LeverageCross || p.Flat() {
			continue
		}
		if s, ok := c.symbols[p.Symbol]; !ok || s.MarginAsset != marginAsset {
			continue
		}
		if p.MaintenanceMargin.Valid {
			maintenance = maintenance.Add(p.MaintenanceMargin.Decimal)
		}
		if p.UnrealizedPnL.Valid {
			unrealized = unrealized.Add(p.UnrealizedPnL.Decimal)
		}
	}
	return maintenance, unrealized
}

// SetBrackets validates and stores the tier table of a symbol.
func (c *Cache) SetBrackets(symbol string, brackets calc.Brackets) error {
	sorted := brackets.Sorted()
	if err := sorted.Validate(); err != nil {
		return errs.New(c.opts.Exchange, errs.CodeInvalid,
			errs.WithMessage("leverage brackets for "+symbol), errs.WithCause(err))
	}
	c.mu.Lock()
	c.brackets[symbol] = sorted
	c.mu.Unlock()
	return nil
}

// Brackets returns the tier table of a symbol.
func (c *Cache) Brackets(symbol string) (calc.Brackets, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.brackets[symbol]
	return b, ok
}

// ClearPositions drops positions and brackets. Called on unsubscribe and close, never on reconnect.
func (c *Cache) ClearPositions() {
	c.mu.Lock()
	c.positions = make(map[PositionKey]PositionState)
	c.brackets = make(map[string]calc.Brackets)
	c.mu.Unlock()
}

// ApplyWallet stores a balance update and derives locked, margin and availability
// from the positions held in that currency.
func (c *Cache) ApplyWallet(currency string, balance, borrowed decimal.Decimal) WalletBalance {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := WalletBalance{Currency: currency, Balance: balance, Borrowed: borrowed}
	w = w.derive(c.heldLocked(currency))
	c.wallets[currency] = w
	return w
}

// RefreshWallet re-derives a cached balance after position changes.
func (c *Cache) RefreshWallet(currency string) (WalletBalance, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.wallets[currency]
	if !ok {
		return WalletBalance{}, false
	}
	w = w.derive(c.heldLocked(currency))
	c.wallets[currency] = w
	return w, true
}

func (c *Cache) heldLocked(currency string) (locked, upnl decimal.Decimal) {
	for _, p := range c.positions {
		if p.Flat() {
			continue
		}
		if s, ok := c.symbols[p.Symbol]; !ok || s.MarginAsset != currency {
			continue
		}
		if p.MaintenanceMargin.Valid {
			locked = locked.Add(p.MaintenanceMargin.Decimal)
		}
		if p.UnrealizedPnL.Valid {
			upnl = upnl.Add(p.UnrealizedPnL.Decimal)
		}
	}
	return locked, upnl
}

// Wallet returns the cached balance of a currency.
func (c *Cache) Wallet(currency string) (WalletBalance, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	w, ok := c.wallets[currency]
	return w, ok
}

// Wallets returns every cached balance ordered by currency.
func (c *Cache) Wallets() []WalletBalance {
	c.mu.RLock()
	out := make([]WalletBalance, 0, len(c.wallets))
	for _, w := range c.wallets {
		out = append(out, w)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Currency < out[j].Currency })
	return out
}

// ClearWallets drops every cached balance.
func (c *Cache) ClearWallets() {
	c.mu.Lock()
	c.wallets = make(map[string]WalletBalance)
	c.mu.Unlock()
}

// PersistWallets merges the cached balances into storage under the account and schema.
func (c *Cache) PersistWallets(ctx context.Context, wallets ...WalletBalance) error {
	if c.opts.Store == nil || len(wallets) == 0 {
		return nil
	}
	value := make(map[string]any, len(wallets))
	for _, w := range wallets {
		value[w.Currency] = map[string]any{
			"balance":        w.Balance.String(),
			"margin_balance": w.MarginBalance.String(),
			"locked":         w.Locked.String(),
			"state":          string(w.State),
			"updated_at":     time.Now().UTC().UnixMilli(),
		}
	}
	key := persistence.Key(walletKey, c.opts.Account, string(c.opts.Schema))
	if err := c.opts.Store.Set(ctx, key, value); err != nil {
		return fmt.Errorf("persist wallets: %w", err)
	}
	return nil
}

// TotalIn expresses the sum of margin balances in the reference currency.
// Currencies without a price make the total null.
func (c *Cache) TotalIn(reference string, prices Prices) decimal.NullDecimal {
	total := decimal.Zero
	for _, w := range c.Wallets() {
		converted := prices.Convert(w.MarginBalance, w.Currency, reference)
		if !converted.Valid {
			return decimal.NullDecimal{}
		}
		total = total.Add(converted.Decimal)
	}
	return decimal.NewNullDecimal(total)
}

// AccountTotal expresses every wallet in reference using the last price snapshot.
func (c *Cache) AccountTotal(reference string) decimal.NullDecimal {
	return c.TotalIn(reference, c.Prices())
}

func (c *Cache) symbolsKey() string {
	return persistence.Key(symbolsKey, c.opts.Exchange, string(c.opts.Schema))
}
