package sqlite

import (
	"context"
	"errors"
	"math"
	"testing"

	"arb-signal-engine/internal/analytics"
	"arb-signal-engine/internal/state"
)

func closeEnough(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func ptr(v float64) *float64 { return &v }

func testSeed() state.Seed {
	return state.Seed{
		ReferenceETF: "E1VFVN30",
		Baskets: []state.Basket{
			{ETFCode: "E1VFVN30", Constituents: []state.Constituent{
				{Ticker: "AAA", Weight: 0.6, ReferencePrice: 100, ForeignLimited: true},
				{Ticker: "BBB", Weight: 0.4, ReferencePrice: 50},
			}},
			{ETFCode: "FUEVFVND", Constituents: []state.Constituent{
				{Ticker: "AAA", Weight: 0.3, ReferencePrice: 100},
				{Ticker: "CCC", Weight: 0.7, ReferencePrice: 20, ForeignLimited: true},
			}},
		},
		Futures: []state.FuturesQuote{
			{Type: state.TypeFront, Ticker: "VN30F2410", TimeToMaturity: 30, Bid: 1310, Ask: 1311},
			{Type: state.TypeBack, Ticker: "VN30F2411", TimeToMaturity: 60, Bid: 1320, Ask: 1322},
		},
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(":memory:", analytics.DefaultConfig())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.Bootstrap(context.Background(), testSeed()); err != nil {
		t.Fatalf("bootstrap failed: %v", err)
	}
	return store
}

func TestBootstrapSeedsUniverse(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	listings, err := store.RegisteredTickers(ctx)
	if err != nil {
		t.Fatalf("registered tickers: %v", err)
	}
	exchanges := make(map[string]string, len(listings))
	for _, l := range listings {
		exchanges[l.Ticker] = l.Exchange
	}
	for _, ticker := range []string{"AAA", "BBB", "CCC", "E1VFVN30", "FUEVFVND"} {
		if exchanges[ticker] != state.ExchangeHOSE {
			t.Fatalf("expected %s on HM, got %q", ticker, exchanges[ticker])
		}
	}
	if exchanges["VN30F2410"] != state.ExchangeHNX {
		t.Fatalf("expected front month on HN, got %q", exchanges["VN30F2410"])
	}

	etfs, err := store.RegisteredETFTickers(ctx)
	if err != nil || len(etfs) != 2 {
		t.Fatalf("expected two etfs, got %v (%v)", etfs, err)
	}
	futures, err := store.RegisteredFuturesTickers(ctx)
	if err != nil || len(futures) != 2 || futures[0] != "VN30F2410" {
		t.Fatalf("expected front month first, got %v (%v)", futures, err)
	}
	equities, err := store.RegisteredEquityTickers(ctx)
	if err != nil || len(equities) != 5 {
		t.Fatalf("expected five equity listings, got %v (%v)", equities, err)
	}

	entry, err := store.OrderBook(ctx, "AAA")
	if err != nil {
		t.Fatalf("order book: %v", err)
	}
	if entry.Bid != 100 || entry.Trade != 100 || entry.Ask != 100 || entry.Type != state.TypeEquity {
		t.Fatalf("unexpected seeded entry %+v", entry)
	}
	if len(entry.ETFs) != 2 {
		t.Fatalf("expected AAA in two baskets, got %v", entry.ETFs)
	}

	rec, err := store.ETFInav(ctx, "E1VFVN30")
	if err != nil {
		t.Fatalf("etf inav: %v", err)
	}
	if rec.INav != 0 || !closeEnough(rec.FOLRatio, 0.6) || !closeEnough(rec.NFOLRatio, 0.4) {
		t.Fatalf("unexpected inav record %+v", rec)
	}

	fut, err := store.Futures(ctx, "VN30F2411")
	if err != nil || fut.Type != state.TypeBack || fut.TimeToMaturity != 60 {
		t.Fatalf("unexpected futures %+v (%v)", fut, err)
	}
}

func TestBootstrapDiscardsPreviousSession(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.UpdateOrderBook(ctx, "AAA", state.OrderBookUpdate{Bid: ptr(120)}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := store.Bootstrap(ctx, testSeed()); err != nil {
		t.Fatalf("second bootstrap: %v", err)
	}
	entry, err := store.OrderBook(ctx, "AAA")
	if err != nil {
		t.Fatalf("order book: %v", err)
	}
	if entry.Bid != 100 {
		t.Fatalf("expected reseeded bid 100, got %v", entry.Bid)
	}
}

func TestBootstrapRequiresBothContracts(t *testing.T) {
	store, err := New(":memory:", analytics.DefaultConfig())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()
	seed := testSeed()
	seed.Futures = seed.Futures[:1]
	if err := store.Bootstrap(context.Background(), seed); err == nil {
		t.Fatalf("expected error with a single futures contract")
	}
}

func TestUpdateUnknownTickerNotFound(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	err := store.UpdateOrderBook(ctx, "ZZZ", state.OrderBookUpdate{Bid: ptr(1)})
	if !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	err = store.UpdateETFInav(ctx, "NOPE", state.InavUpdate{INav: ptr(1)})
	if !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for inav, got %v", err)
	}
	if _, err := store.OrderBook(ctx, "ZZZ"); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on read, got %v", err)
	}
}

func TestUpdateRejectsNonFinite(t *testing.T) {
	store := newTestStore(t)
	if err := store.UpdateOrderBook(context.Background(), "AAA", state.OrderBookUpdate{Bid: ptr(math.NaN())}); err == nil {
		t.Fatalf("expected error for NaN bid")
	}
}

func TestFieldsReturnRequestOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.UpdateOrderBook(ctx, "BBB", state.OrderBookUpdate{Bid: ptr(49), Ask: ptr(51)}); err != nil {
		t.Fatalf("update: %v", err)
	}
	values, err := store.OrderBookFields(ctx, "BBB", state.FieldAsk, state.FieldTrade, state.FieldBid)
	if err != nil {
		t.Fatalf("fields: %v", err)
	}
	if values[0] != 51 || values[1] != 50 || values[2] != 49 {
		t.Fatalf("unexpected values %v", values)
	}
	if _, err := store.OrderBookFields(ctx, "BBB", state.Field("bid; DROP TABLE order_book")); !errors.Is(err, state.ErrUnknownField) {
		t.Fatalf("expected ErrUnknownField, got %v", err)
	}
	if _, err := store.ETFInavFields(ctx, "E1VFVN30", state.FieldBid); !errors.Is(err, state.ErrUnknownField) {
		t.Fatalf("expected ErrUnknownField for cross-table field, got %v", err)
	}
	ttm, err := store.FuturesFields(ctx, "VN30F2410", state.FieldTimeToMaturity)
	if err != nil || ttm[0] != 30 {
		t.Fatalf("unexpected ttm %v (%v)", ttm, err)
	}
}

func TestFieldsWithoutColumnsStillRequireTicker(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if _, err := store.OrderBookFields(ctx, "NOPE"); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for order book, got %v", err)
	}
	if _, err := store.ETFInavFields(ctx, "NOPE"); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for inav, got %v", err)
	}
	if _, err := store.FuturesFields(ctx, "NOPE"); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for futures, got %v", err)
	}
	values, err := store.OrderBookFields(ctx, "AAA")
	if err != nil || len(values) != 0 {
		t.Fatalf("expected empty result for registered ticker, got %v (%v)", values, err)
	}
}

func TestBasketPremiumDeltasMatchRecompute(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	updates := []struct {
		ticker string
		bp, ad float64
		prevBp float64
		prevAd float64
	}{
		{ticker: "AAA", bp: 0.01, ad: 0.03},
		{ticker: "BBB", bp: -0.02, ad: 0.02},
		{ticker: "AAA", bp: 0.015, ad: 0.025, prevBp: 0.01, prevAd: 0.03},
	}
	for _, u := range updates {
		if err := store.UpdateOrderBook(ctx, u.ticker, state.OrderBookUpdate{BidPremium: ptr(u.bp), AskDiscount: ptr(u.ad)}); err != nil {
			t.Fatalf("update %s: %v", u.ticker, err)
		}
		for _, etf := range []string{"E1VFVN30", "FUEVFVND"} {
			if err := store.UpdateETFBasketPremium(ctx, etf, u.ticker, u.bp-u.prevBp, u.ad-u.prevAd); err != nil {
				t.Fatalf("basket delta %s/%s: %v", etf, u.ticker, err)
			}
		}
	}

	for _, etf := range []string{"E1VFVN30", "FUEVFVND"} {
		rec, err := store.ETFInav(ctx, etf)
		if err != nil {
			t.Fatalf("inav %s: %v", etf, err)
		}
		bid, ask, err := store.CalculateBasketPremiums(ctx, etf)
		if err != nil {
			t.Fatalf("recompute %s: %v", etf, err)
		}
		if !closeEnough(rec.BasketBidPremium, bid) || !closeEnough(rec.BasketAskDiscount, ask) {
			t.Fatalf("%s: incremental %v/%v != recomputed %v/%v", etf, rec.BasketBidPremium, rec.BasketAskDiscount, bid, ask)
		}
	}
	rec, _ := store.ETFInav(ctx, "E1VFVN30")
	if !closeEnough(rec.BasketBidPremium, 0.015*0.6-0.02*0.4) {
		t.Fatalf("unexpected basket bid premium %v", rec.BasketBidPremium)
	}
}

func TestBasketPremiumReplayIsNotIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := store.UpdateETFBasketPremium(ctx, "E1VFVN30", "AAA", 0.01, 0.02); err != nil {
			t.Fatalf("basket delta: %v", err)
		}
	}
	rec, err := store.ETFInav(ctx, "E1VFVN30")
	if err != nil {
		t.Fatalf("inav: %v", err)
	}
	if !closeEnough(rec.BasketBidPremium, 0.012) || !closeEnough(rec.BasketAskDiscount, 0.024) {
		t.Fatalf("expected doubled contribution, got %v/%v", rec.BasketBidPremium, rec.BasketAskDiscount)
	}
}

func TestBasketPremiumOutsideBasketContributesZero(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.UpdateETFBasketPremium(ctx, "E1VFVN30", "CCC", 0.5, 0.5); err != nil {
		t.Fatalf("basket delta: %v", err)
	}
	rec, _ := store.ETFInav(ctx, "E1VFVN30")
	if rec.BasketBidPremium != 0 || rec.BasketAskDiscount != 0 {
		t.Fatalf("expected no contribution, got %+v", rec)
	}
	if err := store.UpdateETFBasketPremium(ctx, "NOPE", "AAA", 0.1, 0.1); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown etf, got %v", err)
	}
}

func TestCalculateETFPremiums(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if _, _, ok, err := store.CalculateETFPremiums(ctx, "E1VFVN30", 20.2, 20.4); err != nil || ok {
		t.Fatalf("expected no signal before inav, ok=%v err=%v", ok, err)
	}
	if err := store.UpdateETFInav(ctx, "E1VFVN30", state.InavUpdate{INav: ptr(20)}); err != nil {
		t.Fatalf("update inav: %v", err)
	}
	bp, ad, ok, err := store.CalculateETFPremiums(ctx, "E1VFVN30", 20.2, 20.4)
	if err != nil || !ok {
		t.Fatalf("expected signal, ok=%v err=%v", ok, err)
	}
	if !closeEnough(bp, 0.01) || !closeEnough(ad, 0.02) {
		t.Fatalf("unexpected premiums %v/%v", bp, ad)
	}
}

func TestCalculateRollsAgainstStoredContract(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	roll, err := store.CalculateRolls(ctx, 1320, 1322, state.TypeFront, false)
	if err != nil {
		t.Fatalf("rolls: %v", err)
	}
	if !closeEnough(roll.Roll1, 1322.0/1310-1) || !closeEnough(roll.Roll2, 1320.0/1311-1) {
		t.Fatalf("unexpected roll %+v", roll)
	}
	if err := store.UpdateOrderBook(ctx, "VN30F2411", state.OrderBookUpdate{Bid: ptr(0), Ask: ptr(0)}); err != nil {
		t.Fatalf("update: %v", err)
	}
	roll, err = store.CalculateRolls(ctx, 1310, 1311, state.TypeBack, true)
	if err != nil {
		t.Fatalf("rolls: %v", err)
	}
	if roll.Roll1 != analytics.DefaultRollSentinel || roll.Roll2 != analytics.DefaultRollSentinel {
		t.Fatalf("expected sentinels, got %+v", roll)
	}
}

func TestCalculateBasis(t *testing.T) {
	store := newTestStore(t)
	basis, err := store.CalculateBasis(context.Background(), 1300)
	if err != nil {
		t.Fatalf("basis: %v", err)
	}
	if !closeEnough(basis.Basis1, 1310.0/1300-1) || !closeEnough(basis.Basis2, 1320.0/1300-1) {
		t.Fatalf("unexpected basis %+v", basis)
	}
	if math.Abs(basis.EffectiveRate1*100-7.61) > 0.005 {
		t.Fatalf("expected effective rate ~7.61%%, got %v", basis.EffectiveRate1*100)
	}
	if !basis.HasRate1 || !basis.HasRate2 {
		t.Fatalf("expected both rates known, got %+v", basis)
	}
	if _, err := store.CalculateBasis(context.Background(), 0); err == nil {
		t.Fatalf("expected error without index value")
	}
}

func TestCalculateIndexPriceChangeAdvancesBaseline(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.UpdateOrderBook(ctx, "AAA", state.OrderBookUpdate{Bid: ptr(110)}); err != nil {
		t.Fatalf("update: %v", err)
	}
	changes, err := store.CalculateIndexPriceChange(ctx)
	if err != nil {
		t.Fatalf("price change: %v", err)
	}
	if !closeEnough(changes["AAA"], 0.06) || changes["BBB"] != 0 {
		t.Fatalf("unexpected changes %v", changes)
	}
	if _, ok := changes["CCC"]; ok {
		t.Fatalf("expected only reference basket constituents, got %v", changes)
	}
	changes, err = store.CalculateIndexPriceChange(ctx)
	if err != nil {
		t.Fatalf("second price change: %v", err)
	}
	if changes["AAA"] != 0 {
		t.Fatalf("expected zero change after baseline advanced, got %v", changes["AAA"])
	}
}
