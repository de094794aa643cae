package binance

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/coachpo/meltica-realtime/internal/domain/schema"
	"github.com/coachpo/meltica-realtime/internal/state"
)

// positionPartial hydrates positions, brackets and cross wallets over REST.
type positionPartial struct{ a *Adapter }

func (p positionPartial) Init(ctx context.Context) ([]schema.Envelope, error) {
	return p.a.loadPositions(ctx)
}

func (p positionPartial) Refresh(ctx context.Context) ([]schema.Envelope, error) {
	return p.a.loadPositions(ctx)
}

func (p positionPartial) Reset() {
	p.a.cache.ClearPositions()
	p.a.positions.reset()
}

// walletPartial hydrates balances over REST.
type walletPartial struct{ a *Adapter }

func (w walletPartial) Init(ctx context.Context) ([]schema.Envelope, error) {
	return w.a.loadWallets(ctx)
}

func (w walletPartial) Refresh(ctx context.Context) ([]schema.Envelope, error) {
	return w.a.loadWallets(ctx)
}

func (w walletPartial) Reset() { w.a.cache.ClearWallets() }

func (a *Adapter) loadPositions(ctx context.Context) ([]schema.Envelope, error) {
	accountBody, err := a.rest.Account(ctx)
	if err != nil {
		return nil, err
	}
	balances, err := loadBalances(accountBody)
	if err != nil {
		return nil, err
	}
	for _, b := range balances {
		if b.crossWallet.Valid {
			a.positions.setCrossWallet(b.asset, b.crossWallet.Decimal)
		}
	}

	bracketBody, err := a.rest.LeverageBrackets(ctx)
	if err != nil {
		return nil, err
	}
	brackets, err := loadBrackets(bracketBody, a.opts.metadata.bracketByQuantity)
	if err != nil {
		return nil, err
	}
	for symbol, tiers := range brackets {
		if !a.known(symbol) {
			continue
		}
		if err := a.cache.SetBrackets(symbol, tiers); err != nil {
			a.logger.Warn("leverage brackets rejected", zap.String("symbol", symbol), zap.Error(err))
		}
	}

	positionBody, err := a.rest.Positions(ctx)
	if err != nil {
		return nil, err
	}
	inputs, err := loadPositions(positionBody)
	if err != nil {
		return nil, err
	}

	now := a.opts.Clock().UTC()
	derive := func() ([]state.PositionState, []string) {
		out := make([]state.PositionState, 0, len(inputs))
		systems := make([]string, 0, len(inputs))
		for _, in := range inputs {
			p, sym, ok := a.positions.derive(in, now)
			if !ok {
				continue
			}
			out = append(out, p)
			systems = append(systems, sym.System)
		}
		return out, systems
	}
	// the second pass sees every other position's margin in the cross aggregates
	first, _ := derive()
	a.cache.ReplacePositions(first)
	positions, systems := derive()
	a.cache.ReplacePositions(positions)

	data := make([]any, 0, len(positions))
	for i, p := range positions {
		if p.Flat() {
			continue
		}
		if cached, ok := a.cache.Position(p.Key()); ok {
			p = cached
		}
		data = append(data, p.Record(systems[i]))
	}
	return []schema.Envelope{a.envelope(schema.ChannelPosition, schema.ActionPartial, data)}, nil
}

func (a *Adapter) loadWallets(ctx context.Context) ([]schema.Envelope, error) {
	body, err := a.rest.Account(ctx)
	if err != nil {
		return nil, err
	}
	balances, err := loadBalances(body)
	if err != nil {
		return nil, err
	}
	wallets := make([]state.WalletBalance, 0, len(balances))
	data := make([]any, 0, len(balances))
	for _, b := range balances {
		if b.crossWallet.Valid {
			a.positions.setCrossWallet(b.asset, b.crossWallet.Decimal)
		}
		w := a.cache.ApplyWallet(b.asset, b.balance, decimal.Zero)
		wallets = append(wallets, w)
		data = append(data, a.walletRecord(w))
	}
	if err := a.cache.PersistWallets(ctx, wallets...); err != nil {
		a.logger.Warn("persist wallets failed", zap.Error(err))
	}
	return []schema.Envelope{a.envelope(schema.ChannelWallet, schema.ActionPartial, data)}, nil
}
