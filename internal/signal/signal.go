// Package signal builds the derived-signal events handed to the display
// layer. Values are text: percentages carry a trailing '%', ratios and
// prices are plain decimals.
package signal

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

type Kind string

const (
	KindETF     Kind = "etf"
	KindFutures Kind = "futures"
)

// Futures signals are keyed by contract position, not by listing code.
const (
	TickerFront = "VNC1"
	TickerBack  = "VNC2"
)

// ETF signal keys.
const (
	KeyINavBasket         = "inav_basket"
	KeyETFBidPremium      = "etf_bid_premium"
	KeyETFAskPremium      = "etf_ask_premium"
	KeyETFBidVolume       = "etf_bid_volume"
	KeyETFAskVolume       = "etf_ask_volume"
	KeyBasketBidPremium   = "basket_bid_premium"
	KeyBasketAskPremium   = "basket_ask_premium"
	KeyRealtimeHedgeRatio = "realtime_hedge_ratio"
	KeyFOLHedgeRatio      = "fol_hedge_ratio"
	KeyNFOLHedgeRatio     = "nfol_hedge_ratio"
)

// Futures signal keys; best_bid and best_ask are shared with ETF signals.
const (
	KeyRoll1         = "roll_1"
	KeyRoll2         = "roll_2"
	KeyBasis         = "basis"
	KeyEffectiveRate = "effective_rate"
	KeyBestBid       = "best_bid"
	KeyBestAsk       = "best_ask"
	KeyBidVolume     = "bid_volume"
	KeyAskVolume     = "ask_volume"
)

type Signal struct {
	Kind   Kind              `json:"kind" msgpack:"kind"`
	Ticker string            `json:"ticker" msgpack:"ticker"`
	Fields map[string]string `json:"fields" msgpack:"fields"`
	At     time.Time         `json:"at" msgpack:"at"`
}

func ETF(ticker string) Signal {
	return Signal{Kind: KindETF, Ticker: ticker, Fields: map[string]string{}}
}

func Futures(ticker string) Signal {
	return Signal{Kind: KindFutures, Ticker: ticker, Fields: map[string]string{}}
}

func (s Signal) Empty() bool {
	return len(s.Fields) == 0
}

func (s Signal) Percent(key string, fraction float64) Signal {
	s.Fields[key] = Percent(fraction)
	return s
}

func (s Signal) Ratio(key string, v float64) Signal {
	s.Fields[key] = Ratio(v)
	return s
}

func (s Signal) Number(key string, v float64) Signal {
	s.Fields[key] = Number(v)
	return s
}

// Payload is the flat mapping the display layer renders: ticker plus the
// computed fields.
func (s Signal) Payload() map[string]string {
	out := make(map[string]string, len(s.Fields)+1)
	for k, v := range s.Fields {
		out[k] = v
	}
	out["ticker"] = s.Ticker
	return out
}

// Percent renders a fraction: 0.0123 -> "1.23%".
func Percent(fraction float64) string {
	return fmt.Sprintf("%.2f%%", fraction*100)
}

func Ratio(v float64) string {
	return fmt.Sprintf("%.2f", v)
}

// Number renders a price or volume with no trailing zeros.
func Number(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Sink receives emitted signals. Publish must not block the caller for long;
// slow sinks drop.
type Sink interface {
	Publish(ctx context.Context, s Signal)
}

type SinkFunc func(ctx context.Context, s Signal)

func (f SinkFunc) Publish(ctx context.Context, s Signal) {
	f(ctx, s)
}

// Fanout forwards each signal to every sink in order.
type Fanout []Sink

func (f Fanout) Publish(ctx context.Context, s Signal) {
	for _, sink := range f {
		if sink != nil {
			sink.Publish(ctx, s)
		}
	}
}

// Channel is a buffered sink; signals published while the buffer is full are
// counted and dropped.
type Channel struct {
	C       chan Signal
	dropped atomic.Int64
}

func NewChannel(size int) *Channel {
	if size <= 0 {
		size = 1
	}
	return &Channel{C: make(chan Signal, size)}
}

func (c *Channel) Publish(_ context.Context, s Signal) {
	select {
	case c.C <- s:
	default:
		c.dropped.Add(1)
	}
}

func (c *Channel) Dropped() int64 {
	return c.dropped.Load()
}

// Log writes every signal at debug level.
type Log struct {
	log *zap.Logger
}

func NewLog(log *zap.Logger) Log {
	if log == nil {
		log = zap.NewNop()
	}
	return Log{log: log}
}

func (l Log) Publish(_ context.Context, s Signal) {
	if ce := l.log.Check(zap.DebugLevel, "signal"); ce != nil {
		ce.Write(zap.String("kind", string(s.Kind)), zap.String("ticker", s.Ticker), zap.Any("fields", s.Fields))
	}
}
