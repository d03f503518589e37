// Package analytics holds the pricing formulas applied on every tick.
// All results are fractions (0.0045 == 0.45%); formatting belongs to the
// signal layer.
package analytics

const (
	DefaultDayCountFactor = 1.23
	DefaultRollSentinel   = 9.99
)

// Config carries the market conventions the formulas depend on.
type Config struct {
	// DayCountFactor converts trading days to calendar days when
	// annualizing basis.
	DayCountFactor float64
	// RollSentinel marks a roll with no opposing quote.
	RollSentinel float64
}

func DefaultConfig() Config {
	return Config{DayCountFactor: DefaultDayCountFactor, RollSentinel: DefaultRollSentinel}
}

func (c Config) normalized() Config {
	if c.DayCountFactor <= 0 {
		c.DayCountFactor = DefaultDayCountFactor
	}
	if c.RollSentinel <= 0 {
		c.RollSentinel = DefaultRollSentinel
	}
	return c
}

// QuotePremiums prices a new top of book against the last trade.
func QuotePremiums(bid, ask, lastTrade float64) (bidPremium, askDiscount float64) {
	if lastTrade <= 0 {
		return 0, 0
	}
	return bid/lastTrade - 1, ask/lastTrade - 1
}

// TradePremiums prices the previous top of book against a new trade print.
// Non-positive prints yield zero premiums.
func TradePremiums(prevBid, prevAsk, tradePrice float64) (bidPremium, askDiscount float64) {
	if tradePrice <= 0 {
		return 0, 0
	}
	return prevBid/tradePrice - 1, prevAsk/tradePrice - 1
}

// ETFPremiums compares an ETF quote with its iNAV. ok is false when the
// iNAV is not known yet.
func ETFPremiums(bid, ask, inav float64) (bidPremium, askDiscount float64, ok bool) {
	if inav == 0 {
		return 0, 0, false
	}
	return bid/inav - 1, ask/inav - 1, true
}

type HedgeRatio struct {
	Realtime float64
	FOL      float64
	NFOL     float64
}

// HedgeRatios scales an ETF position into index exposure.
func HedgeRatios(inav, indexValue, folRatio, nfolRatio float64) (HedgeRatio, bool) {
	if indexValue <= 0 {
		return HedgeRatio{}, false
	}
	ratio := inav / indexValue
	return HedgeRatio{Realtime: ratio, FOL: ratio * folRatio, NFOL: ratio * nfolRatio}, true
}

// Quote is a contract's top of book. Zero means no quote on that side.
type Quote struct {
	Bid float64
	Ask float64
}

type Roll struct {
	Roll1 float64
	Roll2 float64
}

// Rolls prices the calendar spread between own and seek. frontMonth is
// true when own is the front-month contract.
func (c Config) Rolls(own, seek Quote, frontMonth bool) Roll {
	c = c.normalized()
	sentinel := c.RollSentinel
	out := Roll{Roll1: sentinel, Roll2: sentinel}
	if frontMonth {
		if own.Bid > 0 && seek.Ask != 0 {
			out.Roll1 = seek.Ask/own.Bid - 1
		}
		if own.Ask > 0 && seek.Bid != 0 {
			out.Roll2 = seek.Bid/own.Ask - 1
		}
		return out
	}
	if seek.Bid != 0 {
		out.Roll1 = own.Ask/seek.Bid - 1
	}
	if seek.Ask != 0 {
		out.Roll2 = own.Bid/seek.Ask - 1
	}
	return out
}

// Basis is the gap between a futures bid and the index.
func Basis(futuresBid, indexValue float64) (float64, bool) {
	if indexValue <= 0 {
		return 0, false
	}
	return futuresBid/indexValue - 1, true
}

// EffectiveRate annualizes a basis over the remaining trading days.
func (c Config) EffectiveRate(basis float64, timeToMaturity int) (float64, bool) {
	if timeToMaturity <= 0 {
		return 0, false
	}
	c = c.normalized()
	return basis * 365 / (float64(timeToMaturity) * c.DayCountFactor), true
}

// Weighted is one row of a basket join: a ticker's premiums and its weight
// in the basket (zero for non-constituents).
type Weighted struct {
	BidPremium  float64
	AskDiscount float64
	Weight      float64
}

// BasketPremiums aggregates weighted constituent premiums.
func BasketPremiums(rows []Weighted) (bidPremium, askDiscount float64) {
	for _, row := range rows {
		bidPremium += row.BidPremium * row.Weight
		askDiscount += row.AskDiscount * row.Weight
	}
	return bidPremium, askDiscount
}

// PriceChange is a constituent's weighted move since its baseline.
func PriceChange(bid, baseline, weight float64) (float64, bool) {
	if baseline <= 0 {
		return 0, false
	}
	return (bid/baseline - 1) * weight, true
}

// TermBasis holds basis and annualized rate for the front and back months.
// HasRate is false for a contract without remaining trading days.
type TermBasis struct {
	Basis1         float64
	Basis2         float64
	EffectiveRate1 float64
	EffectiveRate2 float64
	HasRate1       bool
	HasRate2       bool
}
