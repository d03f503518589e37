package engine

import (
	"context"
	"fmt"
	"math"
	"time"

	"arb-signal-engine/internal/analytics"
	"arb-signal-engine/internal/feed"
	"arb-signal-engine/internal/signal"
	"arb-signal-engine/internal/state"

	"go.uber.org/zap"
)

var now = func() time.Time { return time.Now().UTC() }

func (e *Engine) onBestBidAsk(ctx context.Context, tick feed.Tick) error {
	entry, err := e.store.OrderBook(ctx, tick.Ticker)
	if err != nil {
		return err
	}
	switch {
	case entry.Type == state.TypeEquity:
		return e.equityQuote(ctx, entry, tick)
	case entry.Type.IsFutures():
		return e.futuresQuote(ctx, entry, tick)
	case entry.Type == state.TypeETF:
		return e.etfQuote(ctx, tick)
	default:
		return fmt.Errorf("order book %s: unexpected type %q", tick.Ticker, entry.Type)
	}
}

// equityQuote reprices the new top of book against the last trade and moves
// every holding ETF's basket premiums by the change. Nothing is emitted;
// basket signals go out on trades.
func (e *Engine) equityQuote(ctx context.Context, entry state.OrderBookEntry, tick feed.Tick) error {
	bid, ask := tick.BestBid().Price, tick.BestAsk().Price
	bidPremium, askDiscount := analytics.QuotePremiums(bid, ask, entry.Trade)
	if err := e.store.UpdateOrderBook(ctx, entry.Ticker, state.OrderBookUpdate{
		Bid:         &bid,
		Ask:         &ask,
		BidPremium:  &bidPremium,
		AskDiscount: &askDiscount,
	}); err != nil {
		return err
	}
	return e.moveBaskets(ctx, entry, bidPremium, askDiscount)
}

func (e *Engine) moveBaskets(ctx context.Context, entry state.OrderBookEntry, bidPremium, askDiscount float64) error {
	deltaBid := bidPremium - entry.BidPremium
	deltaAsk := askDiscount - entry.AskDiscount
	if deltaBid == 0 && deltaAsk == 0 {
		return nil
	}
	for _, etf := range entry.ETFs {
		if err := e.store.UpdateETFBasketPremium(ctx, etf, entry.Ticker, deltaBid, deltaAsk); err != nil {
			return fmt.Errorf("basket %s: %w", etf, err)
		}
	}
	return nil
}

func (e *Engine) futuresQuote(ctx context.Context, entry state.OrderBookEntry, tick feed.Tick) error {
	bidLevel, askLevel := tick.BestBid(), tick.BestAsk()
	bid, ask := bidLevel.Price, askLevel.Price
	if err := e.store.UpdateOrderBook(ctx, entry.Ticker, state.OrderBookUpdate{Bid: &bid, Ask: &ask}); err != nil {
		return err
	}
	contract, err := e.store.Futures(ctx, entry.Ticker)
	if err != nil {
		return err
	}
	front := contract.Type == state.TypeFront
	seek, name := state.TypeFront, signal.TickerBack
	if front {
		seek, name = state.TypeBack, signal.TickerFront
	}
	roll, err := e.store.CalculateRolls(ctx, bid, ask, seek, front)
	if err != nil {
		return err
	}
	sig := signal.Futures(name).
		Percent(signal.KeyRoll1, roll.Roll1).
		Percent(signal.KeyRoll2, roll.Roll2).
		Number(signal.KeyBestBid, bid).
		Number(signal.KeyBestAsk, ask).
		Number(signal.KeyBidVolume, bidLevel.Qty).
		Number(signal.KeyAskVolume, askLevel.Qty)
	if basis, ok := analytics.Basis(bid, e.IndexValue()); ok {
		sig = sig.Percent(signal.KeyBasis, basis)
		if rate, ok := e.calc.EffectiveRate(basis, contract.TimeToMaturity); ok {
			sig = sig.Percent(signal.KeyEffectiveRate, rate)
		}
	}
	e.publish(ctx, sig)
	return nil
}

func (e *Engine) etfQuote(ctx context.Context, tick feed.Tick) error {
	bidLevel, askLevel := tick.BestBid(), tick.BestAsk()
	bid, ask := bidLevel.Price, askLevel.Price
	if err := e.store.UpdateOrderBook(ctx, tick.Ticker, state.OrderBookUpdate{Bid: &bid, Ask: &ask}); err != nil {
		return err
	}
	bidPremium, askDiscount, ok, err := e.store.CalculateETFPremiums(ctx, tick.Ticker, bid, ask)
	if err != nil || !ok {
		return err
	}
	e.publish(ctx, signal.ETF(tick.Ticker).
		Percent(signal.KeyETFBidPremium, bidPremium).
		Percent(signal.KeyETFAskPremium, askDiscount).
		Number(signal.KeyETFBidVolume, bidLevel.Qty).
		Number(signal.KeyETFAskVolume, askLevel.Qty).
		Number(signal.KeyBestBid, bid).
		Number(signal.KeyBestAsk, ask))
	return nil
}

// onTrade reprices the standing quote against the print, then emits the
// basket premiums of every ETF holding the ticker. Non-positive prints keep
// the prior trade price.
func (e *Engine) onTrade(ctx context.Context, tick feed.Tick) error {
	entry, err := e.store.OrderBook(ctx, tick.Ticker)
	if err != nil {
		return err
	}
	if entry.Type != state.TypeEquity {
		return nil
	}
	bidPremium, askDiscount := analytics.TradePremiums(entry.Bid, entry.Ask, tick.Price)
	update := state.OrderBookUpdate{BidPremium: &bidPremium, AskDiscount: &askDiscount}
	if tick.Price > 0 {
		price := tick.Price
		update.Trade = &price
	} else {
		e.log.Debug("non-positive trade print ignored", zap.String("ticker", tick.Ticker), zap.Float64("price", tick.Price))
	}
	if err := e.store.UpdateOrderBook(ctx, entry.Ticker, update); err != nil {
		return err
	}
	if err := e.moveBaskets(ctx, entry, bidPremium, askDiscount); err != nil {
		return err
	}
	for _, etf := range entry.ETFs {
		values, err := e.store.ETFInavFields(ctx, etf, state.FieldBasketBidPremium, state.FieldBasketAskDiscount)
		if err != nil {
			return fmt.Errorf("basket %s: %w", etf, err)
		}
		e.publish(ctx, signal.ETF(etf).
			Percent(signal.KeyBasketBidPremium, values[0]).
			Percent(signal.KeyBasketAskPremium, values[1]))
	}
	return nil
}

// onIndexUpdate caches the index, then emits hedge ratios for every ETF and
// basis for both contracts.
func (e *Engine) onIndexUpdate(ctx context.Context, tick feed.Tick) error {
	if tick.Value <= 0 {
		e.log.Debug("non-positive index value ignored", zap.Float64("value", tick.Value))
		return nil
	}
	e.setIndexValue(tick.Value)
	e.metrics.IndexValue.Set(tick.Value)

	etfs, err := e.store.RegisteredETFTickers(ctx)
	if err != nil {
		return err
	}
	for _, etf := range etfs {
		rec, err := e.store.ETFInav(ctx, etf)
		if err != nil {
			return fmt.Errorf("hedge ratio %s: %w", etf, err)
		}
		if sig, ok := hedgeSignal(signal.ETF(etf), rec, tick.Value); ok {
			e.publish(ctx, sig)
		}
	}

	basis, err := e.store.CalculateBasis(ctx, tick.Value)
	if err != nil {
		return err
	}
	e.publish(ctx, basisSignal(signal.TickerFront, basis.Basis1, basis.EffectiveRate1, basis.HasRate1))
	e.publish(ctx, basisSignal(signal.TickerBack, basis.Basis2, basis.EffectiveRate2, basis.HasRate2))
	return nil
}

func basisSignal(ticker string, basis, rate float64, hasRate bool) signal.Signal {
	sig := signal.Futures(ticker).Percent(signal.KeyBasis, basis)
	if hasRate {
		sig = sig.Percent(signal.KeyEffectiveRate, rate)
	}
	return sig
}

// onETFStatistics stores the new iNAV and emits one combined signal: the ETF
// premiums of the standing quote plus hedge ratios once the index is known.
func (e *Engine) onETFStatistics(ctx context.Context, tick feed.Tick) error {
	if tick.INav <= 0 {
		e.log.Debug("non-positive inav ignored", zap.String("ticker", tick.Ticker), zap.Float64("inav", tick.INav))
		return nil
	}
	inav := tick.INav
	if err := e.store.UpdateETFInav(ctx, tick.Ticker, state.InavUpdate{INav: &inav}); err != nil {
		return err
	}
	quote, err := e.store.OrderBookFields(ctx, tick.Ticker, state.FieldBid, state.FieldAsk)
	if err != nil {
		return err
	}
	rec, err := e.store.ETFInav(ctx, tick.Ticker)
	if err != nil {
		return err
	}
	sig := signal.ETF(tick.Ticker).Number(signal.KeyINavBasket, inav)
	if bidPremium, askDiscount, ok := analytics.ETFPremiums(quote[0], quote[1], inav); ok {
		sig = sig.Percent(signal.KeyETFBidPremium, bidPremium).Percent(signal.KeyETFAskPremium, askDiscount)
	}
	if hedged, ok := hedgeSignal(sig, rec, e.IndexValue()); ok {
		sig = hedged
	}
	e.publish(ctx, sig)
	return nil
}

func hedgeSignal(sig signal.Signal, rec state.ETFInavRecord, indexValue float64) (signal.Signal, bool) {
	ratio, ok := analytics.HedgeRatios(rec.INav, indexValue, rec.FOLRatio, rec.NFOLRatio)
	if !ok {
		return sig, false
	}
	return sig.
		Ratio(signal.KeyRealtimeHedgeRatio, ratio.Realtime).
		Ratio(signal.KeyFOLHedgeRatio, ratio.FOL).
		Ratio(signal.KeyNFOLHedgeRatio, ratio.NFOL), true
}

func (e *Engine) setIndexValue(v float64) {
	e.index.Store(math.Float64bits(v))
}
