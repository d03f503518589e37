package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"arb-signal-engine/internal/analytics"
	"arb-signal-engine/internal/state"
)

// CalculateRolls prices the calendar spread of a futures quote against the
// stored quote of the other contract.
func (s *Store) CalculateRolls(ctx context.Context, bestBid, bestAsk float64, seek state.InstrumentType, frontMonth bool) (analytics.Roll, error) {
	if !seek.IsFutures() {
		return analytics.Roll{}, fmt.Errorf("rolls: %q is not a futures type", seek)
	}
	var other analytics.Quote
	err := s.db.QueryRowContext(ctx, `SELECT bid, ask FROM order_book WHERE type = ? LIMIT 1`, string(seek)).
		Scan(&other.Bid, &other.Ask)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return analytics.Roll{}, err
	}
	return s.calc.Rolls(analytics.Quote{Bid: bestBid, Ask: bestAsk}, other, frontMonth), nil
}

// CalculateBasis prices both contracts against the index. A contract without
// remaining trading days has no effective rate.
func (s *Store) CalculateBasis(ctx context.Context, indexValue float64) (analytics.TermBasis, error) {
	if indexValue <= 0 {
		return analytics.TermBasis{}, fmt.Errorf("basis: index value %v is not positive", indexValue)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT f.type, o.bid, f.time_to_maturity FROM futures f JOIN order_book o ON o.ticker = f.ticker`)
	if err != nil {
		return analytics.TermBasis{}, err
	}
	defer rows.Close()
	var out analytics.TermBasis
	for rows.Next() {
		var typ string
		var bid float64
		var ttm int
		if err := rows.Scan(&typ, &bid, &ttm); err != nil {
			return analytics.TermBasis{}, err
		}
		basis, _ := analytics.Basis(bid, indexValue)
		rate, ok := s.calc.EffectiveRate(basis, ttm)
		switch state.InstrumentType(typ) {
		case state.TypeFront:
			out.Basis1, out.EffectiveRate1, out.HasRate1 = basis, rate, ok
		case state.TypeBack:
			out.Basis2, out.EffectiveRate2, out.HasRate2 = basis, rate, ok
		}
	}
	return out, rows.Err()
}

// CalculateBasketPremiums recomputes an ETF's basket premiums from scratch by
// joining every order book row with the basket weights.
func (s *Store) CalculateBasketPremiums(ctx context.Context, etfCode string) (float64, float64, error) {
	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM etf_inav WHERE etf_code = ?`, etfCode).Scan(&exists); err != nil {
		return 0, 0, notFound(err, "etf_inav", etfCode)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT o.bid_premium, o.ask_discount, COALESCE(c.weight, 0)
		 FROM order_book o LEFT JOIN etf_components c ON c.ticker = o.ticker AND c.etf_code = ?`, etfCode)
	if err != nil {
		return 0, 0, err
	}
	defer rows.Close()
	var joined []analytics.Weighted
	for rows.Next() {
		var w analytics.Weighted
		if err := rows.Scan(&w.BidPremium, &w.AskDiscount, &w.Weight); err != nil {
			return 0, 0, err
		}
		joined = append(joined, w)
	}
	if err := rows.Err(); err != nil {
		return 0, 0, err
	}
	bid, ask := analytics.BasketPremiums(joined)
	return bid, ask, nil
}

// CalculateETFPremiums compares an ETF quote with its stored iNAV. ok is false
// while the iNAV is unknown.
func (s *Store) CalculateETFPremiums(ctx context.Context, etfCode string, bestBid, bestAsk float64) (float64, float64, bool, error) {
	var inav float64
	if err := s.db.QueryRowContext(ctx, `SELECT inav FROM etf_inav WHERE etf_code = ?`, etfCode).Scan(&inav); err != nil {
		return 0, 0, false, notFound(err, "etf_inav", etfCode)
	}
	bid, ask, ok := analytics.ETFPremiums(bestBid, bestAsk, inav)
	return bid, ask, ok, nil
}

type baselineRow struct {
	ticker   string
	bid      float64
	baseline float64
	weight   float64
}

// CalculateIndexPriceChange reports each index constituent's weighted move
// since the previous call, then moves the baseline to the current bids.
// Constituents without a baseline price are omitted.
func (s *Store) CalculateIndexPriceChange(ctx context.Context) (map[string]float64, error) {
	s.mu.RLock()
	reference := s.referenceETF
	s.mu.RUnlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT b.ticker, o.bid, b.last_price, COALESCE(c.weight, 0)
		 FROM index_baseline b
		 JOIN order_book o ON o.ticker = b.ticker
		 LEFT JOIN etf_components c ON c.ticker = b.ticker AND c.etf_code = ?
		 ORDER BY b.rowid`, reference)
	if err != nil {
		return nil, err
	}
	var snapshot []baselineRow
	for rows.Next() {
		var row baselineRow
		if err := rows.Scan(&row.ticker, &row.bid, &row.baseline, &row.weight); err != nil {
			rows.Close()
			return nil, err
		}
		snapshot = append(snapshot, row)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	out := make(map[string]float64, len(snapshot))
	for _, row := range snapshot {
		if change, ok := analytics.PriceChange(row.bid, row.baseline, row.weight); ok {
			out[row.ticker] = change
		}
		if _, err := tx.ExecContext(ctx, `UPDATE index_baseline SET last_price = ? WHERE ticker = ?`, row.bid, row.ticker); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}
