// Package state defines the canonical market state of a trading session:
// instruments and their order book, futures maturities, ETF baskets, ETF
// iNAV records and the index baseline.
package state

import (
	"context"
	"errors"

	"arb-signal-engine/internal/analytics"
)

var (
	ErrNotFound     = errors.New("state: not found")
	ErrUnknownField = errors.New("state: unknown field")
)

type InstrumentType string

const (
	TypeEquity InstrumentType = "S"
	TypeETF    InstrumentType = "E"
	TypeFront  InstrumentType = "C1"
	TypeBack   InstrumentType = "C2"
)

func (t InstrumentType) IsFutures() bool {
	return t == TypeFront || t == TypeBack
}

const (
	ExchangeHOSE = "HM"
	ExchangeHNX  = "HN"
)

type Instrument struct {
	Ticker   string
	Exchange string
	Type     InstrumentType
}

type OrderBookEntry struct {
	Instrument
	Bid         float64
	Ask         float64
	Trade       float64
	BidPremium  float64
	AskDiscount float64
	// ETFs lists the baskets holding this ticker.
	ETFs []string
}

// OrderBookUpdate is a partial update; nil fields are left untouched.
type OrderBookUpdate struct {
	Bid         *float64
	Ask         *float64
	Trade       *float64
	BidPremium  *float64
	AskDiscount *float64
}

func (u OrderBookUpdate) Empty() bool {
	return u.Bid == nil && u.Ask == nil && u.Trade == nil && u.BidPremium == nil && u.AskDiscount == nil
}

type ETFInavRecord struct {
	ETFCode           string
	INav              float64
	BasketBidPremium  float64
	BasketAskDiscount float64
	FOLRatio          float64
	NFOLRatio         float64
}

type InavUpdate struct {
	INav              *float64
	BasketBidPremium  *float64
	BasketAskDiscount *float64
}

func (u InavUpdate) Empty() bool {
	return u.INav == nil && u.BasketBidPremium == nil && u.BasketAskDiscount == nil
}

type FuturesContract struct {
	Ticker         string
	Type           InstrumentType
	TimeToMaturity int
}

// Constituent is one row of an ETF basket file after weight normalization.
type Constituent struct {
	Ticker         string
	Weight         float64
	ReferencePrice float64
	ForeignLimited bool
}

type Basket struct {
	ETFCode      string
	Constituents []Constituent
}

// Weights returns ticker -> weight.
func (b Basket) Weights() map[string]float64 {
	out := make(map[string]float64, len(b.Constituents))
	for _, c := range b.Constituents {
		out[c.Ticker] = c.Weight
	}
	return out
}

// OwnershipRatios splits the basket weight into foreign-limited and not.
func (b Basket) OwnershipRatios() (fol, nfol float64) {
	for _, c := range b.Constituents {
		if c.ForeignLimited {
			fol += c.Weight
		} else {
			nfol += c.Weight
		}
	}
	return fol, nfol
}

// FuturesQuote is one row of the maturity/quote lookup.
type FuturesQuote struct {
	Type           InstrumentType
	Ticker         string
	TimeToMaturity int
	Bid            float64
	Ask            float64
}

type Seed struct {
	Baskets []Basket
	Futures []FuturesQuote
	// ReferenceETF selects the basket seeding the index baseline; when empty
	// or unknown the first basket is used.
	ReferenceETF string
}

type Listing struct {
	Ticker   string
	Exchange string
}

// Registry lists the session universe for subscriptions.
type Registry interface {
	RegisteredTickers(ctx context.Context) ([]Listing, error)
	RegisteredETFTickers(ctx context.Context) ([]string, error)
	RegisteredFuturesTickers(ctx context.Context) ([]string, error)
	RegisteredEquityTickers(ctx context.Context) ([]string, error)
}

// Field names a numeric column readable through the field accessors.
type Field string

const (
	FieldBid               Field = "bid"
	FieldAsk               Field = "ask"
	FieldTrade             Field = "trade"
	FieldBidPremium        Field = "bid_premium"
	FieldAskDiscount       Field = "ask_discount"
	FieldINav              Field = "inav"
	FieldBasketBidPremium  Field = "basket_bid_premium"
	FieldBasketAskDiscount Field = "basket_ask_discount"
	FieldFOL               Field = "fol"
	FieldNFOL              Field = "nfol"
	FieldTimeToMaturity    Field = "time_to_maturity"
)

// Calculator derives signals from the stored tables.
type Calculator interface {
	CalculateRolls(ctx context.Context, bestBid, bestAsk float64, seek InstrumentType, frontMonth bool) (analytics.Roll, error)
	CalculateBasis(ctx context.Context, indexValue float64) (analytics.TermBasis, error)
	CalculateBasketPremiums(ctx context.Context, etfCode string) (bidPremium, askDiscount float64, err error)
	CalculateETFPremiums(ctx context.Context, etfCode string, bestBid, bestAsk float64) (bidPremium, askDiscount float64, ok bool, err error)
	CalculateIndexPriceChange(ctx context.Context) (map[string]float64, error)
}

type Store interface {
	Registry
	Calculator
	Bootstrap(ctx context.Context, seed Seed) error
	UpdateOrderBook(ctx context.Context, ticker string, update OrderBookUpdate) error
	UpdateETFInav(ctx context.Context, etfCode string, update InavUpdate) error
	UpdateETFBasketPremium(ctx context.Context, etfCode, ticker string, deltaBidPremium, deltaAskDiscount float64) error
	OrderBook(ctx context.Context, ticker string) (OrderBookEntry, error)
	ETFInav(ctx context.Context, etfCode string) (ETFInavRecord, error)
	Futures(ctx context.Context, ticker string) (FuturesContract, error)
	OrderBookFields(ctx context.Context, ticker string, fields ...Field) ([]float64, error)
	ETFInavFields(ctx context.Context, etfCode string, fields ...Field) ([]float64, error)
	FuturesFields(ctx context.Context, ticker string, fields ...Field) ([]float64, error)
	Close() error
}
