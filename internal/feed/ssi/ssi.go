// Package ssi decodes the SSI iBoard push stream. Frames are '|'-delimited;
// field 0 is "S#<ticker>" for quotes or "I#<index>" for index values, and the
// remaining layout depends on the instrument class and on marker tokens
// present anywhere in the frame.
package ssi

import (
	"fmt"
	"strconv"
	"strings"

	"arb-signal-engine/internal/feed"
)

const Name = "ssi"

const (
	topicStocks = "stockRealtimeByListV2"
	topicIndex  = "notifyIndexRealtimeByListV2"

	componentEquities    = "priceTableEquities"
	componentDerivatives = "priceTableDerivatives"
)

// Field layout.
const (
	bidStart      = 1
	askStart      = 21
	depthEnd      = 20 // exclusive offset from the side start for ten levels
	topOfBookEnd  = 5  // exclusive offset from the side start for three levels
	tradeField    = 41
	etfINavField  = 77
	indexValueIdx = 1
)

// Marker tokens.
const (
	tokenFuturesStats = "vnf"
	tokenETFQuote     = "e"
	tokenHOSE         = "hose"
)

type Subscription struct {
	Type      string   `json:"type"`
	Topic     string   `json:"topic"`
	Variables []string `json:"variables"`
	Component string   `json:"component,omitempty"`
}

type Protocol struct{}

func New() Protocol {
	return Protocol{}
}

func (Protocol) Name() string {
	return Name
}

func (Protocol) Subscriptions(u *feed.Universe) []any {
	return []any{
		Subscription{Type: "sub", Topic: topicStocks, Variables: u.Equities, Component: componentEquities},
		Subscription{Type: "sub", Topic: topicStocks, Variables: u.Futures, Component: componentDerivatives},
		Subscription{Type: "sub", Topic: topicIndex, Variables: []string{u.IndexKey}},
	}
}

func (Protocol) Decode(u *feed.Universe, frame []byte) ([]feed.Tick, error) {
	parts := strings.Split(strings.TrimSpace(string(frame)), "|")
	head := parts[0]
	switch {
	case strings.HasPrefix(head, "S#"):
		return decodeQuote(u, head[2:], parts)
	case strings.HasPrefix(head, "I#"):
		return decodeIndex(u, head[2:], parts)
	default:
		return nil, fmt.Errorf("%w: no S#/I# marker", feed.ErrDecode)
	}
}

func decodeQuote(u *feed.Universe, ticker string, parts []string) ([]feed.Tick, error) {
	if !u.Known(ticker) {
		return nil, fmt.Errorf("%w: %s", feed.ErrOutOfUniverse, ticker)
	}
	switch {
	case u.IsFutures(ticker):
		if hasToken(parts, tokenFuturesStats) {
			return nil, nil
		}
		return bookTick(ticker, parts, depthEnd)
	case u.IsETF(ticker):
		if hasToken(parts, tokenETFQuote) {
			return bookTick(ticker, parts, topOfBookEnd)
		}
		raw := field(parts, etfINavField)
		if raw == "" {
			return nil, nil
		}
		inav, err := parseNumber(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %s iNav %q", feed.ErrDecode, ticker, raw)
		}
		return []feed.Tick{{Kind: feed.KindETFStatistics, Ticker: ticker, INav: inav}}, nil
	case hasToken(parts, tokenHOSE):
		ticks, err := bookTick(ticker, parts, topOfBookEnd)
		if err != nil {
			return nil, err
		}
		if raw := field(parts, tradeField); raw != "" {
			price, err := parseNumber(raw)
			if err != nil {
				return nil, fmt.Errorf("%w: %s trade %q", feed.ErrDecode, ticker, raw)
			}
			if price > 0 {
				ticks = append(ticks, feed.Tick{Kind: feed.KindTrade, Ticker: ticker, Price: price})
			}
		}
		return ticks, nil
	default:
		return nil, fmt.Errorf("%w: %s is not listed on HOSE", feed.ErrOutOfUniverse, ticker)
	}
}

func decodeIndex(u *feed.Universe, key string, parts []string) ([]feed.Tick, error) {
	if !strings.EqualFold(key, u.IndexKey) {
		return nil, fmt.Errorf("%w: index %s", feed.ErrOutOfUniverse, key)
	}
	raw := field(parts, indexValueIdx)
	if raw == "" {
		return nil, nil
	}
	value, err := parseNumber(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: index value %q", feed.ErrDecode, raw)
	}
	return []feed.Tick{{Kind: feed.KindIndexUpdate, Ticker: u.IndexKey, Value: value}}, nil
}

func bookTick(ticker string, parts []string, span int) ([]feed.Tick, error) {
	bids, err := levels(parts, bidStart, bidStart+span)
	if err != nil {
		return nil, fmt.Errorf("%w: %s bids: %v", feed.ErrDecode, ticker, err)
	}
	asks, err := levels(parts, askStart, askStart+span)
	if err != nil {
		return nil, fmt.Errorf("%w: %s asks: %v", feed.ErrDecode, ticker, err)
	}
	return []feed.Tick{{Kind: feed.KindBestBidAsk, Ticker: ticker, Bids: bids, Asks: asks}}, nil
}

// levels reads (price, qty) pairs at from, from+2, ... below to, skipping
// empty prices.
func levels(parts []string, from, to int) ([]feed.Level, error) {
	var out []feed.Level
	for i := from; i < to && i < len(parts); i += 2 {
		if parts[i] == "" {
			continue
		}
		price, err := parseNumber(parts[i])
		if err != nil {
			return nil, err
		}
		var qty float64
		if raw := field(parts, i+1); raw != "" {
			if qty, err = parseNumber(raw); err != nil {
				return nil, err
			}
		}
		out = append(out, feed.Level{Price: price, Qty: qty})
	}
	return out, nil
}

func hasToken(parts []string, token string) bool {
	for _, p := range parts[1:] {
		if p == token {
			return true
		}
	}
	return false
}

func field(parts []string, idx int) string {
	if idx >= len(parts) {
		return ""
	}
	return strings.TrimSpace(parts[idx])
}

func parseNumber(raw string) (float64, error) {
	return strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(raw), ",", ""), 64)
}
