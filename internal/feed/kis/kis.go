// Package kis decodes the KIS pub/sub JSON feed. Every frame is a JSON object
// tagged with msgType.
package kis

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"arb-signal-engine/internal/feed"
	"arb-signal-engine/internal/payload"
	"arb-signal-engine/internal/state"
)

const Name = "kis"

const (
	msgOrderBook     = "AGGREGATE_ORDER_BOOK"
	msgOrderBookBest = "AGGREGATE_ORDER_BOOK,BEST_BID_ASK"
	msgTrade         = "TRADE"
	msgIndex         = "INDEX_DATA"
	msgETFStatistics = "ETF_STATISTICS"
)

type Symbol struct {
	ExchangeID string `json:"exchangeID"`
	Key        string `json:"key"`
}

type Subscription struct {
	Subscribe string   `json:"subscribe"`
	MsgTypes  []string `json:"msgTypes"`
	Symbols   []Symbol `json:"symbols"`
}

type Protocol struct{}

func New() Protocol {
	return Protocol{}
}

func (Protocol) Name() string {
	return Name
}

// Subscriptions requests order book and trades for every listing, ETF
// statistics for the ETFs and the index feed.
func (Protocol) Subscriptions(u *feed.Universe) []any {
	book := make([]Symbol, 0, len(u.Listings))
	for _, l := range u.Listings {
		book = append(book, Symbol{ExchangeID: l.Exchange, Key: l.Ticker})
	}
	etfs := make([]Symbol, 0, len(u.ETFs))
	for _, etf := range u.ETFs {
		etfs = append(etfs, Symbol{ExchangeID: state.ExchangeHOSE, Key: etf})
	}
	return []any{
		Subscription{Subscribe: "true", MsgTypes: []string{msgOrderBook, msgTrade}, Symbols: book},
		Subscription{Subscribe: "true", MsgTypes: []string{msgETFStatistics}, Symbols: etfs},
		Subscription{Subscribe: "true", MsgTypes: []string{msgIndex}, Symbols: []Symbol{{ExchangeID: state.ExchangeHOSE, Key: u.IndexKey}}},
	}
}

func (Protocol) Decode(u *feed.Universe, frame []byte) ([]feed.Tick, error) {
	dec := json.NewDecoder(bytes.NewReader(frame))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", feed.ErrDecode, err)
	}
	msg, ok := payload.Map(raw)
	if !ok {
		return nil, fmt.Errorf("%w: expected object, got %T", feed.ErrDecode, raw)
	}
	msgType := payload.String(msg, "msgType")
	switch msgType {
	case "":
		return nil, nil
	case msgOrderBook, msgOrderBookBest:
		ticker, err := knownTicker(u, msg, "code", "securityCode")
		if err != nil {
			return nil, err
		}
		bids, err := levels(msg["bids"])
		if err != nil {
			return nil, fmt.Errorf("%w: %s bids: %v", feed.ErrDecode, ticker, err)
		}
		asks, err := levels(msg["asks"])
		if err != nil {
			return nil, fmt.Errorf("%w: %s asks: %v", feed.ErrDecode, ticker, err)
		}
		return []feed.Tick{{Kind: feed.KindBestBidAsk, Ticker: ticker, Bids: bids, Asks: asks}}, nil
	case msgTrade:
		ticker, err := knownTicker(u, msg, "securityCode", "code")
		if err != nil {
			return nil, err
		}
		price, ok := payload.LookupFloat(msg, "price")
		if !ok {
			return nil, fmt.Errorf("%w: trade %s without price", feed.ErrDecode, ticker)
		}
		return []feed.Tick{{Kind: feed.KindTrade, Ticker: ticker, Price: price}}, nil
	case msgIndex:
		value, ok := payload.LookupFloat(msg, "value")
		if !ok {
			return nil, fmt.Errorf("%w: index update without value", feed.ErrDecode)
		}
		key := payload.String(msg, "code", "key", "indexCode")
		if key != "" && !strings.EqualFold(key, u.IndexKey) {
			return nil, fmt.Errorf("%w: index %s", feed.ErrOutOfUniverse, key)
		}
		return []feed.Tick{{Kind: feed.KindIndexUpdate, Ticker: u.IndexKey, Value: value}}, nil
	case msgETFStatistics:
		ticker, err := knownTicker(u, msg, "securityCode", "code")
		if err != nil {
			return nil, err
		}
		if !u.IsETF(ticker) {
			return nil, fmt.Errorf("%w: %s is not an etf", feed.ErrOutOfUniverse, ticker)
		}
		inav, ok := payload.LookupFloat(msg, "iNAV")
		if !ok {
			return nil, fmt.Errorf("%w: etf statistics %s without iNAV", feed.ErrDecode, ticker)
		}
		return []feed.Tick{{Kind: feed.KindETFStatistics, Ticker: ticker, INav: inav}}, nil
	default:
		return nil, fmt.Errorf("%w: msgType %q", feed.ErrDecode, msgType)
	}
}

func knownTicker(u *feed.Universe, msg map[string]any, keys ...string) (string, error) {
	ticker := payload.String(msg, keys...)
	if ticker == "" {
		return "", fmt.Errorf("%w: missing %s", feed.ErrDecode, keys[0])
	}
	if !u.Known(ticker) {
		return "", fmt.Errorf("%w: %s", feed.ErrOutOfUniverse, ticker)
	}
	return ticker, nil
}

// levels keeps book order. A level without a price is skipped; a price that
// does not parse fails the whole side so a deeper level never becomes best.
func levels(v any) ([]feed.Level, error) {
	items, ok := payload.Slice(v)
	if !ok {
		return nil, nil
	}
	out := make([]feed.Level, 0, len(items))
	for i, item := range items {
		m, ok := payload.Map(item)
		if !ok {
			continue
		}
		raw, ok := m["price"]
		if !ok || raw == nil || isBlank(raw) {
			continue
		}
		price, ok := payload.FloatOf(raw)
		if !ok {
			return nil, fmt.Errorf("level %d price %v", i, raw)
		}
		out = append(out, feed.Level{Price: price, Qty: payload.Float(m, "qty", "quantity")})
	}
	return out, nil
}

func isBlank(v any) bool {
	s, ok := v.(string)
	return ok && strings.TrimSpace(s) == ""
}
