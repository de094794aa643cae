package binance

import (
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/meltica-realtime/internal/calc"
	"github.com/coachpo/meltica-realtime/internal/domain/schema"
	"github.com/coachpo/meltica-realtime/internal/numeric"
	"github.com/coachpo/meltica-realtime/internal/state"
)

const perpetualContract = "PERPETUAL"

type exchangeInfoResponse struct {
	Symbols []struct {
		Symbol         string `json:"symbol"`
		Pair           string `json:"pair"`
		ContractType   string `json:"contractType"`
		DeliveryDate   int64  `json:"deliveryDate"`
		Status         string `json:"status"`
		ContractStatus string `json:"contractStatus"`
		BaseAsset      string `json:"baseAsset"`
		QuoteAsset     string `json:"quoteAsset"`
		MarginAsset    string `json:"marginAsset"`
		Filters        []struct {
			FilterType string `json:"filterType"`
			TickSize   string `json:"tickSize"`
			StepSize   string `json:"stepSize"`
		} `json:"filters"`
	} `json:"symbols"`
}

// loadSymbols normalises an exchangeInfo body into tradable symbols.
func loadSymbols(body []byte, contractSchema schema.ContractSchema, multipliers calc.MultiplierTable) ([]state.SymbolState, error) {
	var resp exchangeInfoResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode exchange info: %w", err)
	}
	out := make([]state.SymbolState, 0, len(resp.Symbols))
	for _, raw := range resp.Symbols {
		status := raw.Status
		if status == "" {
			status = raw.ContractStatus
		}
		if status != "TRADING" || raw.Symbol == "" {
			continue
		}
		s := state.SymbolState{
			Symbol:      raw.Symbol,
			Base:        raw.BaseAsset,
			Quote:       raw.QuoteAsset,
			MarginAsset: raw.MarginAsset,
			Contract:    calc.Linear,
		}
		for _, f := range raw.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				s.PriceTick, _ = numeric.Parse(f.TickSize)
			case "LOT_SIZE":
				s.VolumeTick, _ = numeric.Parse(f.StepSize)
			}
		}
		if !s.PriceTick.IsPositive() {
			continue
		}
		if contractSchema.Inverse() {
			s.Contract = calc.Contract{Inverse: true, Multiplier: multipliers.Resolve(raw.Symbol)}
			if s.MarginAsset == "" {
				s.MarginAsset = s.Base
			}
		} else if s.MarginAsset == "" {
			s.MarginAsset = s.Quote
		}
		if raw.ContractType != "" && raw.ContractType != perpetualContract && raw.DeliveryDate > 0 {
			expiry := time.UnixMilli(raw.DeliveryDate).UTC()
			s.Expiration = &expiry
		}
		s.System = systemSymbol(s)
		out = append(out, s)
	}
	return out, nil
}

// systemSymbol renders the canonical id BASE/QUOTE:MARGIN with a -YYMMDD
// suffix for dated contracts.
func systemSymbol(s state.SymbolState) string {
	id := strings.ToUpper(s.Base) + "/" + strings.ToUpper(s.Quote) + ":" + strings.ToUpper(s.MarginAsset)
	if s.Expiration != nil {
		id += "-" + s.Expiration.Format("060102")
	}
	return id
}

type accountResponse struct {
	Assets []struct {
		Asset              string `json:"asset"`
		WalletBalance      string `json:"walletBalance"`
		CrossWalletBalance string `json:"crossWalletBalance"`
	} `json:"assets"`
}

type assetBalance struct {
	asset       string
	balance     decimal.Decimal
	crossWallet decimal.NullDecimal
}

// loadBalances normalises an account body. Zero balances are skipped.
func loadBalances(body []byte) ([]assetBalance, error) {
	var resp accountResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode account: %w", err)
	}
	out := make([]assetBalance, 0, len(resp.Assets))
	for _, raw := range resp.Assets {
		balance, ok := numeric.Parse(raw.WalletBalance)
		if !ok || raw.Asset == "" {
			continue
		}
		cross := numeric.ParseNull(raw.CrossWalletBalance)
		if balance.IsZero() && (!cross.Valid || cross.Decimal.IsZero()) {
			continue
		}
		out = append(out, assetBalance{asset: raw.Asset, balance: balance, crossWallet: cross})
	}
	return out, nil
}

// positionInput is the exchange-neutral view of one position row, from either
// the positionRisk endpoint or an ACCOUNT_UPDATE event.
type positionInput struct {
	symbol         string
	positionSide   schema.PositionSide
	amount         decimal.Decimal
	entryPrice     decimal.NullDecimal
	markPrice      decimal.NullDecimal
	unrealizedPnL  decimal.NullDecimal
	mode           schema.LeverageMode
	leverage       decimal.NullDecimal
	isolatedWallet decimal.NullDecimal
}

type positionRiskRow struct {
	Symbol           string `json:"symbol"`
	PositionAmt      string `json:"positionAmt"`
	EntryPrice       string `json:"entryPrice"`
	MarkPrice        string `json:"markPrice"`
	UnRealizedProfit string `json:"unRealizedProfit"`
	Leverage         string `json:"leverage"`
	MarginType       string `json:"marginType"`
	IsolatedWallet   string `json:"isolatedWallet"`
	PositionSide     string `json:"positionSide"`
}

func loadPositions(body []byte) ([]positionInput, error) {
	var rows []positionRiskRow
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("decode positions: %w", err)
	}
	out := make([]positionInput, 0, len(rows))
	for _, raw := range rows {
		amount, ok := numeric.Parse(raw.PositionAmt)
		if !ok || raw.Symbol == "" {
			continue
		}
		out = append(out, positionInput{
			symbol:         raw.Symbol,
			positionSide:   parsePositionSide(raw.PositionSide),
			amount:         amount,
			entryPrice:     positive(numeric.ParseNull(raw.EntryPrice)),
			markPrice:      positive(numeric.ParseNull(raw.MarkPrice)),
			unrealizedPnL:  numeric.ParseNull(raw.UnRealizedProfit),
			mode:           parseMarginType(raw.MarginType),
			leverage:       positive(numeric.ParseNull(raw.Leverage)),
			isolatedWallet: numeric.ParseNull(raw.IsolatedWallet),
		})
	}
	return out, nil
}

func eventPosition(p positionUpdate) (positionInput, bool) {
	amount, ok := numeric.Parse(p.Amount)
	if !ok || p.Symbol == "" {
		return positionInput{}, false
	}
	return positionInput{
		symbol:         p.Symbol,
		positionSide:   parsePositionSide(p.PositionSide),
		amount:         amount,
		entryPrice:     positive(numeric.ParseNull(p.EntryPrice)),
		unrealizedPnL:  numeric.ParseNull(p.UnrealizedPnL),
		mode:           parseMarginType(p.MarginType),
		isolatedWallet: numeric.ParseNull(p.IsolatedWallet),
	}, true
}

type bracketResponse struct {
	Symbol   string `json:"symbol"`
	Brackets []struct {
		InitialLeverage  int             `json:"initialLeverage"`
		NotionalCap      decimal.Decimal `json:"notionalCap"`
		NotionalFloor    decimal.Decimal `json:"notionalFloor"`
		QtyCap           decimal.Decimal `json:"qtyCap"`
		QtyFloor         decimal.Decimal `json:"qtyFloor"`
		MaintMarginRatio decimal.Decimal `json:"maintMarginRatio"`
		Cum              decimal.Decimal `json:"cum"`
	} `json:"brackets"`
}

// loadBrackets normalises a leverageBracket body. COIN-M tiers are bounded by
// quantity, USDⓈ-M tiers by notional.
func loadBrackets(body []byte, byQuantity bool) (map[string]calc.Brackets, error) {
	var resp []bracketResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode leverage brackets: %w", err)
	}
	out := make(map[string]calc.Brackets, len(resp))
	for _, raw := range resp {
		tiers := make(calc.Brackets, 0, len(raw.Brackets))
		for _, b := range raw.Brackets {
			tier := calc.Bracket{
				Floor:       b.NotionalFloor,
				Cap:         b.NotionalCap,
				MaintRate:   b.MaintMarginRatio,
				MaintAmount: b.Cum,
				MaxLeverage: b.InitialLeverage,
			}
			if byQuantity {
				tier.Floor, tier.Cap = b.QtyFloor, b.QtyCap
			}
			tiers = append(tiers, tier)
		}
		out[raw.Symbol] = tiers
	}
	return out, nil
}

func parsePositionSide(raw string) schema.PositionSide {
	switch strings.ToUpper(raw) {
	case "LONG":
		return schema.PositionSideLong
	case "SHORT":
		return schema.PositionSideShort
	default:
		return schema.PositionSideBoth
	}
}

func parseMarginType(raw string) schema.LeverageMode {
	if strings.EqualFold(raw, "isolated") {
		return schema.LeverageIsolated
	}
	return schema.LeverageCross
}

func parseSide(raw string) schema.Side {
	if strings.EqualFold(raw, "SELL") {
		return schema.SideSell
	}
	return schema.SideBuy
}

// positive drops zero and negative values, which Binance uses for "not set".
func positive(d decimal.NullDecimal) decimal.NullDecimal {
	if !d.Valid || !d.Decimal.IsPositive() {
		return decimal.NullDecimal{}
	}
	return d
}

func millis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
