package binance

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/coachpo/meltica-realtime/internal/domain/schema"
	"github.com/coachpo/meltica-realtime/internal/numeric"
	"github.com/coachpo/meltica-realtime/internal/pipeline"
	"github.com/coachpo/meltica-realtime/internal/state"
)

type message = pipeline.Message[event]

func (a *Adapter) known(symbol string) bool {
	_, ok := a.cache.Symbol(symbol)
	return ok
}

type symbolSerializer struct{ a *Adapter }

func (symbolSerializer) Channel() schema.Channel { return schema.ChannelSymbol }

func (s symbolSerializer) IsItemValid(_ message, e event) bool {
	return e.Kind == kindMarkPrice && s.a.known(e.Mark.Symbol)
}

func (s symbolSerializer) Load(_ context.Context, _ message, e event) ([]pipeline.Entry, error) {
	sym, _ := s.a.cache.Symbol(e.Mark.Symbol)
	mark := positive(numeric.ParseNull(e.Mark.MarkPrice))
	if mark.Valid {
		s.a.cache.SetMarkPrice(sym.Symbol, mark.Decimal)
	}
	record := schema.SymbolRecord{
		Symbol:      sym.System,
		MarkPrice:   mark,
		IndexPrice:  positive(numeric.ParseNull(e.Mark.IndexPrice)),
		FundingRate: numeric.ParseNull(e.Mark.FundingRate),
		Timestamp:   millis(e.Mark.EventTime),
	}
	if e.Mark.NextFundingTime > 0 {
		next := millis(e.Mark.NextFundingTime)
		record.NextFundingTime = &next
	}
	return []pipeline.Entry{{Record: record}}, nil
}

type bookSerializer struct{ a *Adapter }

func (bookSerializer) Channel() schema.Channel { return schema.ChannelOrderBook }

func (s bookSerializer) IsItemValid(_ message, e event) bool {
	switch e.Kind {
	case kindDepthUpdate:
		return s.a.known(e.Depth.Symbol)
	case kindDepthSnapshot:
		return s.a.known(e.Snapshot.Symbol)
	default:
		return false
	}
}

func (s bookSerializer) Load(_ context.Context, _ message, e event) ([]pipeline.Entry, error) {
	sym, _ := s.a.cache.Symbol(e.symbol())
	if e.Kind == kindDepthSnapshot {
		levels, replay, err := s.a.books.ApplySnapshot(e.Snapshot)
		entries := make([]pipeline.Entry, 0, len(levels)+len(replay))
		for _, row := range levels {
			if level, ok := bookLevel(sym, row); ok {
				entries = append(entries, pipeline.Entry{Record: level})
			}
		}
		entries = append(entries, deltaEntries(sym, replay)...)
		if err != nil {
			s.a.requestResync(sym.Symbol, err)
		}
		return entries, nil
	}
	rows, err := s.a.books.ApplyUpdate(e.Depth)
	if err != nil {
		s.a.requestResync(sym.Symbol, err)
		return nil, nil
	}
	return deltaEntries(sym, rows), nil
}

func deltaEntries(sym state.SymbolState, rows []bookRow) []pipeline.Entry {
	entries := make([]pipeline.Entry, 0, len(rows))
	for _, row := range rows {
		level, ok := bookLevel(sym, row)
		if !ok {
			continue
		}
		action := schema.ActionUpdate
		if row.removed() {
			action = schema.ActionDelete
		}
		entries = append(entries, pipeline.Entry{Action: action, Record: level})
	}
	return entries
}

func bookLevel(sym state.SymbolState, row bookRow) (schema.BookLevel, bool) {
	id, ok := sym.LevelID(row.price)
	if !ok {
		return schema.BookLevel{}, false
	}
	level := schema.BookLevel{Symbol: sym.System, ID: id, Side: row.side, Price: row.price}
	if !row.removed() {
		level.Size = decimal.NewNullDecimal(row.size)
	}
	return level, true
}

type tradeSerializer struct{ a *Adapter }

func (tradeSerializer) Channel() schema.Channel { return schema.ChannelTrade }

func (s tradeSerializer) IsItemValid(_ message, e event) bool {
	return e.Kind == kindAggTrade && s.a.known(e.Trade.Symbol)
}

func (s tradeSerializer) Load(_ context.Context, _ message, e event) ([]pipeline.Entry, error) {
	sym, _ := s.a.cache.Symbol(e.Trade.Symbol)
	price, ok := numeric.Parse(e.Trade.Price)
	if !ok {
		return nil, nil
	}
	size, ok := numeric.Parse(e.Trade.Quantity)
	if !ok {
		return nil, nil
	}
	// the buyer being maker means the aggressor sold
	side := schema.SideBuy
	if e.Trade.IsBuyerMaker {
		side = schema.SideSell
	}
	return []pipeline.Entry{{Action: schema.ActionInsert, Record: schema.TradeRecord{
		Symbol:    sym.System,
		TradeID:   strconv.FormatInt(e.Trade.TradeID, 10),
		Side:      side,
		Price:     price,
		Size:      size,
		Timestamp: millis(e.Trade.TradeTime),
	}}}, nil
}

// stopPriceFields picks the stop trigger per order type. Types not listed use sp.
var stopPriceFields = map[string]func(o orderFields) string{
	"TRAILING_STOP_MARKET": func(o orderFields) string {
		if positive(numeric.ParseNull(o.ActivationPrice)).Valid {
			return o.ActivationPrice
		}
		return o.StopPrice
	},
}

func stopPrice(o orderFields) decimal.NullDecimal {
	raw := o.StopPrice
	if field, ok := stopPriceFields[strings.ToUpper(o.Type)]; ok {
		raw = field(o)
	}
	return positive(numeric.ParseNull(raw))
}

type orderSerializer struct{ a *Adapter }

func (orderSerializer) Channel() schema.Channel { return schema.ChannelOrder }

func (s orderSerializer) IsItemValid(_ message, e event) bool {
	return e.Kind == kindOrderUpdate && s.a.known(e.Order.Order.Symbol)
}

func (s orderSerializer) Load(ctx context.Context, _ message, e event) ([]pipeline.Entry, error) {
	o := e.Order.Order
	sym, _ := s.a.cache.Symbol(o.Symbol)
	volume, _ := numeric.Parse(o.OriginalQuantity)
	filled, _ := numeric.Parse(o.FilledQuantity)
	action := schema.ActionUpdate
	if strings.EqualFold(o.ExecutionType, "NEW") {
		action = schema.ActionInsert
	}
	ts := e.Order.TransactTime
	if ts == 0 {
		ts = e.Order.EventTime
	}
	s.a.metrics.order(ctx, o.Status, s.a.opts.Clock().Sub(millis(ts)))
	return []pipeline.Entry{{Action: action, Record: schema.OrderRecord{
		Symbol:        sym.System,
		OrderID:       strconv.FormatInt(o.OrderID, 10),
		ClientOrderID: o.ClientOrderID,
		Side:          parseSide(o.Side),
		Type:          strings.ToLower(o.Type),
		Status:        strings.ToLower(o.Status),
		Price:         positive(numeric.ParseNull(o.Price)),
		StopPrice:     stopPrice(o),
		Volume:        volume,
		FilledVolume:  filled,
		AveragePrice:  positive(numeric.ParseNull(o.AveragePrice)),
		PositionSide:  parsePositionSide(o.PositionSide),
		ReduceOnly:    o.ReduceOnly,
		Timestamp:     millis(ts),
	}}}, nil
}

type positionSerializer struct{ a *Adapter }

func (positionSerializer) Channel() schema.Channel { return schema.ChannelPosition }

// IsItemValid accepts account events naming at least one listed symbol.
// Balance-only updates belong to the wallet channel.
func (s positionSerializer) IsItemValid(_ message, e event) bool {
	switch e.Kind {
	case kindAccountConfig:
		if e.Config == nil {
			return false
		}
		_, ok := s.a.cache.Symbol(e.Config.Leverage.Symbol)
		return ok
	case kindAccountUpdate:
		if e.Account == nil {
			return false
		}
		for _, p := range e.Account.Data.Positions {
			if _, ok := s.a.cache.Symbol(p.Symbol); ok {
				return true
			}
		}
	}
	return false
}

func (s positionSerializer) Load(_ context.Context, _ message, e event) ([]pipeline.Entry, error) {
	if e.Kind == kindAccountConfig {
		return s.leverage(e.Config), nil
	}
	for _, b := range e.Account.Data.Balances {
		if cross, ok := numeric.Parse(b.CrossWalletBalance); ok {
			s.a.positions.setCrossWallet(b.Asset, cross)
		}
	}
	now := s.timestamp(e.Account.TransactTime, e.Account.EventTime)
	entries := make([]pipeline.Entry, 0, len(e.Account.Data.Positions))
	for _, raw := range e.Account.Data.Positions {
		in, ok := eventPosition(raw)
		if !ok {
			continue
		}
		next, sym, ok := s.a.positions.derive(in, now)
		if !ok {
			continue
		}
		applied, changed := s.a.cache.ApplyPosition(next)
		if !changed {
			continue
		}
		entries = append(entries, pipeline.Entry{Action: applied.Action, Record: applied.Record(sym.System)})
	}
	return entries, nil
}

func (s positionSerializer) leverage(cfg *accountConfigUpdate) []pipeline.Entry {
	sym, ok := s.a.cache.Symbol(cfg.Leverage.Symbol)
	if !ok || cfg.Leverage.Leverage <= 0 {
		return nil
	}
	leverage := decimal.NewNullDecimal(decimal.NewFromInt(int64(cfg.Leverage.Leverage)))
	now := s.timestamp(cfg.TransactTime, cfg.EventTime)
	var entries []pipeline.Entry
	for _, p := range s.a.cache.Positions() {
		if p.Symbol != sym.Symbol {
			continue
		}
		p.Leverage = leverage
		p.UpdatedAt = now
		applied, changed := s.a.cache.ApplyPosition(p)
		if changed {
			entries = append(entries, pipeline.Entry{Action: applied.Action, Record: applied.Record(sym.System)})
		}
	}
	return entries
}

func (s positionSerializer) timestamp(candidates ...int64) time.Time {
	for _, ms := range candidates {
		if ms > 0 {
			return millis(ms)
		}
	}
	return s.a.opts.Clock().UTC()
}

type walletSerializer struct{ a *Adapter }

func (walletSerializer) Channel() schema.Channel { return schema.ChannelWallet }

func (walletSerializer) IsItemValid(_ message, e event) bool {
	return e.Kind == kindAccountUpdate
}

// walletRecord stamps the account total in the configured reference currency.
func (a *Adapter) walletRecord(w state.WalletBalance) schema.WalletRecord {
	rec := w.Record()
	rec.Reference = a.opts.Config.ReferenceCurrency
	rec.TotalBalance = a.cache.AccountTotal(rec.Reference)
	return rec
}

func (s walletSerializer) Load(ctx context.Context, _ message, e event) ([]pipeline.Entry, error) {
	seen := make(map[string]struct{})
	var wallets []state.WalletBalance
	for _, b := range e.Account.Data.Balances {
		balance, ok := numeric.Parse(b.WalletBalance)
		if !ok || b.Asset == "" {
			continue
		}
		if cross, ok := numeric.Parse(b.CrossWalletBalance); ok {
			s.a.positions.setCrossWallet(b.Asset, cross)
		}
		borrowed := decimal.Zero
		if prev, ok := s.a.cache.Wallet(b.Asset); ok {
			borrowed = prev.Borrowed
		}
		wallets = append(wallets, s.a.cache.ApplyWallet(b.Asset, balance, borrowed))
		seen[b.Asset] = struct{}{}
	}
	// positions moved without a balance change still shift locked margin
	for _, p := range e.Account.Data.Positions {
		sym, ok := s.a.cache.Symbol(p.Symbol)
		if !ok {
			continue
		}
		if _, done := seen[sym.MarginAsset]; done {
			continue
		}
		seen[sym.MarginAsset] = struct{}{}
		if w, ok := s.a.cache.RefreshWallet(sym.MarginAsset); ok {
			wallets = append(wallets, w)
		}
	}
	if err := s.a.cache.PersistWallets(ctx, wallets...); err != nil {
		s.a.logger.Warn("persist wallets failed", zap.Error(err))
	}
	entries := make([]pipeline.Entry, 0, len(wallets))
	for _, w := range wallets {
		entries = append(entries, pipeline.Entry{Record: s.a.walletRecord(w)})
	}
	return entries, nil
}
