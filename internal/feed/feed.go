// Package feed turns provider websocket frames into canonical ticks. The
// protocol variants live in feed/kis and feed/ssi; nothing past this package
// sees provider field offsets or message names.
package feed

import (
	"context"
	"errors"

	"arb-signal-engine/internal/state"
)

var (
	ErrDecode        = errors.New("feed: undecodable frame")
	ErrOutOfUniverse = errors.New("feed: ticker outside the session universe")
)

type Kind int

const (
	KindBestBidAsk Kind = iota + 1
	KindTrade
	KindIndexUpdate
	KindETFStatistics
)

func (k Kind) String() string {
	switch k {
	case KindBestBidAsk:
		return "best_bid_ask"
	case KindTrade:
		return "trade"
	case KindIndexUpdate:
		return "index_update"
	case KindETFStatistics:
		return "etf_statistics"
	default:
		return "unknown"
	}
}

type Level struct {
	Price float64
	Qty   float64
}

// Tick is one canonical market event. Which fields are set depends on Kind:
// Bids/Asks for BestBidAsk, Price for Trade, Value for IndexUpdate and INav
// for ETFStatistics.
type Tick struct {
	Kind   Kind
	Ticker string
	Bids   []Level
	Asks   []Level
	Price  float64
	Value  float64
	INav   float64
}

// BestBid is the top bid level, zero when the side is empty.
func (t Tick) BestBid() Level {
	if len(t.Bids) == 0 {
		return Level{}
	}
	return t.Bids[0]
}

func (t Tick) BestAsk() Level {
	if len(t.Asks) == 0 {
		return Level{}
	}
	return t.Asks[0]
}

// Protocol is one provider's wire format.
type Protocol interface {
	Name() string
	// Subscriptions returns one request per message category.
	Subscriptions(u *Universe) []any
	// Decode classifies a frame. A nil slice with a nil error is a frame
	// that carries nothing of interest (heartbeats, acks).
	Decode(u *Universe, frame []byte) ([]Tick, error)
}

// Dispatcher applies decoded ticks to the market state.
type Dispatcher interface {
	Dispatch(ctx context.Context, ticks []Tick)
}

// Universe is the session's subscribed instruments, read from the store
// after bootstrap.
type Universe struct {
	Listings []state.Listing
	ETFs     []string
	Futures  []string
	Equities []string
	// IndexKey is the index the feed publishes updates for.
	IndexKey string

	known   map[string]bool
	etfs    map[string]bool
	futures map[string]bool
}

func BuildUniverse(ctx context.Context, reg state.Registry, indexKey string) (*Universe, error) {
	listings, err := reg.RegisteredTickers(ctx)
	if err != nil {
		return nil, err
	}
	etfs, err := reg.RegisteredETFTickers(ctx)
	if err != nil {
		return nil, err
	}
	futures, err := reg.RegisteredFuturesTickers(ctx)
	if err != nil {
		return nil, err
	}
	equities, err := reg.RegisteredEquityTickers(ctx)
	if err != nil {
		return nil, err
	}
	return NewUniverse(listings, etfs, futures, equities, indexKey), nil
}

func NewUniverse(listings []state.Listing, etfs, futures, equities []string, indexKey string) *Universe {
	u := &Universe{
		Listings: listings,
		ETFs:     etfs,
		Futures:  futures,
		Equities: equities,
		IndexKey: indexKey,
		known:    make(map[string]bool, len(listings)),
		etfs:     make(map[string]bool, len(etfs)),
		futures:  make(map[string]bool, len(futures)),
	}
	for _, l := range listings {
		u.known[l.Ticker] = true
	}
	for _, t := range etfs {
		u.etfs[t] = true
	}
	for _, t := range futures {
		u.futures[t] = true
	}
	return u
}

func (u *Universe) Known(ticker string) bool {
	return u.known[ticker]
}

func (u *Universe) IsETF(ticker string) bool {
	return u.etfs[ticker]
}

func (u *Universe) IsFutures(ticker string) bool {
	return u.futures[ticker]
}
