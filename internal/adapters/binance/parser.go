package binance

import (
	"bytes"
	"fmt"

	json "github.com/goccy/go-json"
)

type eventKind int

const (
	kindUnknown eventKind = iota
	kindMarkPrice
	kindDepthUpdate
	kindDepthSnapshot
	kindAggTrade
	kindOrderUpdate
	kindAccountUpdate
	kindAccountConfig
	kindListenKeyExpired
)

// event is one decoded exchange message. Exactly one payload pointer matching
// Kind is set.
type event struct {
	Kind     eventKind
	Stream   string
	Mark     *markPriceUpdate
	Depth    *depthUpdate
	Snapshot *depthSnapshot
	Trade    *aggTrade
	Order    *orderTradeUpdate
	Account  *accountUpdate
	Config   *accountConfigUpdate
}

// frame is the combined-stream wrapper. Control replies carry ID and no stream.
type frame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
	ID     *uint64         `json:"id"`
	Error  *apiError       `json:"error"`
}

type eventHeader struct {
	Type string `json:"e"`
}

// Binance reuses keys that differ only in case ("e"/"E", "p"/"P"). JSON
// decoding matches keys case-insensitively, so every twin gets its own field.

type markPriceUpdate struct {
	EventType       string `json:"e"`
	EventTime       int64  `json:"E"`
	Symbol          string `json:"s"`
	MarkPrice       string `json:"p"`
	SettlePrice     string `json:"P"`
	IndexPrice      string `json:"i"`
	FundingRate     string `json:"r"`
	NextFundingTime int64  `json:"T"`
}

type depthUpdate struct {
	EventType     string     `json:"e"`
	EventTime     int64      `json:"E"`
	TransactTime  int64      `json:"T"`
	Symbol        string     `json:"s"`
	FirstUpdateID int64      `json:"U"`
	FinalUpdateID int64      `json:"u"`
	PrevUpdateID  int64      `json:"pu"`
	Bids          [][]string `json:"b"`
	Asks          [][]string `json:"a"`
}

// depthSnapshot is the REST depth body, injected after a fetch with Symbol set.
type depthSnapshot struct {
	Symbol       string     `json:"symbol"`
	LastUpdateID int64      `json:"lastUpdateId"`
	EventTime    int64      `json:"E"`
	TransactTime int64      `json:"T"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

type aggTrade struct {
	EventType    string `json:"e"`
	EventTime    int64  `json:"E"`
	Symbol       string `json:"s"`
	TradeID      int64  `json:"a"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	FirstTradeID int64  `json:"f"`
	LastTradeID  int64  `json:"l"`
	TradeTime    int64  `json:"T"`
	IsBuyerMaker bool   `json:"m"`
}

type orderTradeUpdate struct {
	EventType    string      `json:"e"`
	EventTime    int64       `json:"E"`
	TransactTime int64       `json:"T"`
	Order        orderFields `json:"o"`
}

type orderFields struct {
	Symbol           string `json:"s"`
	ClientOrderID    string `json:"c"`
	Side             string `json:"S"`
	Type             string `json:"o"`
	TimeInForce      string `json:"f"`
	OriginalQuantity string `json:"q"`
	Price            string `json:"p"`
	AveragePrice     string `json:"ap"`
	StopPrice        string `json:"sp"`
	ActivationPrice  string `json:"AP"`
	ExecutionType    string `json:"x"`
	Status           string `json:"X"`
	OrderID          int64  `json:"i"`
	LastFilled       string `json:"l"`
	LastPrice        string `json:"L"`
	FilledQuantity   string `json:"z"`
	Commission       string `json:"n"`
	CommissionAsset  string `json:"N"`
	TradeTime        int64  `json:"T"`
	TradeID          int64  `json:"t"`
	ReduceOnly       bool   `json:"R"`
	PositionSide     string `json:"ps"`
}

type accountUpdate struct {
	EventType    string      `json:"e"`
	EventTime    int64       `json:"E"`
	TransactTime int64       `json:"T"`
	Data         accountData `json:"a"`
}

type accountData struct {
	Reason    string           `json:"m"`
	Balances  []balanceUpdate  `json:"B"`
	Positions []positionUpdate `json:"P"`
}

type balanceUpdate struct {
	Asset              string `json:"a"`
	WalletBalance      string `json:"wb"`
	CrossWalletBalance string `json:"cw"`
}

type positionUpdate struct {
	Symbol         string `json:"s"`
	Amount         string `json:"pa"`
	EntryPrice     string `json:"ep"`
	UnrealizedPnL  string `json:"up"`
	MarginType     string `json:"mt"`
	IsolatedWallet string `json:"iw"`
	PositionSide   string `json:"ps"`
}

type accountConfigUpdate struct {
	EventType    string `json:"e"`
	EventTime    int64  `json:"E"`
	TransactTime int64  `json:"T"`
	Leverage     struct {
		Symbol   string `json:"s"`
		Leverage int    `json:"l"`
	} `json:"ac"`
}

// decodeFrame splits a websocket frame into typed events. Control replies
// yield no events; a reply carrying an error is reported.
func decodeFrame(data []byte) ([]event, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse binance frame: %w", err)
	}
	if f.Stream == "" && f.ID != nil {
		if f.Error != nil {
			return nil, fmt.Errorf("binance control reply %d: code %d %s", *f.ID, f.Error.Code, f.Error.Msg)
		}
		return nil, nil
	}
	payload := f.Data
	if len(payload) == 0 {
		// raw stream connections deliver the event without the wrapper
		payload = data
	}
	payload = bytes.TrimSpace(payload)
	if len(payload) > 0 && payload[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(payload, &items); err != nil {
			return nil, fmt.Errorf("parse binance event array: %w", err)
		}
		out := make([]event, 0, len(items))
		for _, item := range items {
			evt, err := decodeEvent(f.Stream, item)
			if err != nil {
				return nil, err
			}
			out = append(out, evt)
		}
		return out, nil
	}
	evt, err := decodeEvent(f.Stream, payload)
	if err != nil {
		return nil, err
	}
	return []event{evt}, nil
}

func decodeEvent(stream string, raw []byte) (event, error) {
	var header eventHeader
	if err := json.Unmarshal(raw, &header); err != nil {
		return event{}, fmt.Errorf("parse binance event type: %w", err)
	}
	evt := event{Stream: stream}
	var target any
	switch header.Type {
	case "markPriceUpdate":
		evt.Kind, evt.Mark = kindMarkPrice, new(markPriceUpdate)
		target = evt.Mark
	case "depthUpdate":
		evt.Kind, evt.Depth = kindDepthUpdate, new(depthUpdate)
		target = evt.Depth
	case "aggTrade":
		evt.Kind, evt.Trade = kindAggTrade, new(aggTrade)
		target = evt.Trade
	case "ORDER_TRADE_UPDATE":
		evt.Kind, evt.Order = kindOrderUpdate, new(orderTradeUpdate)
		target = evt.Order
	case "ACCOUNT_UPDATE":
		evt.Kind, evt.Account = kindAccountUpdate, new(accountUpdate)
		target = evt.Account
	case "ACCOUNT_CONFIG_UPDATE":
		evt.Kind, evt.Config = kindAccountConfig, new(accountConfigUpdate)
		target = evt.Config
	case "listenKeyExpired":
		evt.Kind = kindListenKeyExpired
		return evt, nil
	default:
		return event{Kind: kindUnknown, Stream: stream}, nil
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return event{}, fmt.Errorf("decode binance %s: %w", header.Type, err)
	}
	return evt, nil
}

// symbol returns the exchange symbol the event refers to, if any.
func (e event) symbol() string {
	switch e.Kind {
	case kindMarkPrice:
		return e.Mark.Symbol
	case kindDepthUpdate:
		return e.Depth.Symbol
	case kindDepthSnapshot:
		return e.Snapshot.Symbol
	case kindAggTrade:
		return e.Trade.Symbol
	case kindOrderUpdate:
		return e.Order.Order.Symbol
	case kindAccountConfig:
		return e.Config.Leverage.Symbol
	default:
		return ""
	}
}
