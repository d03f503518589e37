package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"arb-signal-engine/internal/analytics"
	"arb-signal-engine/internal/state"

	_ "modernc.org/sqlite"
)

// Store keeps the session market state in SQLite. All access goes through a
// single connection so ":memory:" databases work and transactions serialize.
type Store struct {
	db   *sql.DB
	calc analytics.Config

	mu           sync.RWMutex
	referenceETF string
}

var _ state.Store = (*Store)(nil)

func New(path string, calc analytics.Config) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := initSchema(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, calc: calc}, nil
}

var tableNames = []string{"order_book", "etf_components", "etf_inav", "futures", "index_baseline"}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS order_book (
		ticker TEXT PRIMARY KEY,
		exchange TEXT NOT NULL DEFAULT 'HM',
		type TEXT NOT NULL DEFAULT 'S' CHECK (type IN ('S', 'E', 'C1', 'C2')),
		bid REAL NOT NULL DEFAULT 0,
		trade REAL NOT NULL DEFAULT 0,
		ask REAL NOT NULL DEFAULT 0,
		bid_premium REAL NOT NULL DEFAULT 0,
		ask_discount REAL NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS etf_components (
		etf_code TEXT NOT NULL,
		ticker TEXT NOT NULL,
		weight REAL NOT NULL,
		reference_price REAL NOT NULL DEFAULT 0,
		PRIMARY KEY (etf_code, ticker)
	)`,
	`CREATE INDEX IF NOT EXISTS etf_components_ticker ON etf_components (ticker)`,
	`CREATE TABLE IF NOT EXISTS etf_inav (
		etf_code TEXT PRIMARY KEY,
		inav REAL NOT NULL DEFAULT 0,
		basket_bid_premium REAL NOT NULL DEFAULT 0,
		basket_ask_discount REAL NOT NULL DEFAULT 0,
		fol REAL NOT NULL DEFAULT 0,
		nfol REAL NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS futures (
		ticker TEXT PRIMARY KEY,
		type TEXT NOT NULL CHECK (type IN ('C1', 'C2')),
		time_to_maturity INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS index_baseline (
		ticker TEXT PRIMARY KEY,
		last_price REAL NOT NULL DEFAULT 0
	)`,
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func initSchema(ctx context.Context, db execer) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Bootstrap discards the previous session and seeds the tables from the
// reference data in one transaction.
func (s *Store) Bootstrap(ctx context.Context, seed state.Seed) error {
	if len(seed.Baskets) == 0 {
		return errors.New("bootstrap: no etf baskets")
	}
	if err := validateFutures(seed.Futures); err != nil {
		return err
	}
	reference := seed.Baskets[0]
	for _, basket := range seed.Baskets {
		if basket.ETFCode == seed.ReferenceETF {
			reference = basket
			break
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range tableNames {
		if _, err := tx.ExecContext(ctx, `DROP TABLE IF EXISTS `+table); err != nil {
			return fmt.Errorf("bootstrap: drop %s: %w", table, err)
		}
	}
	if err := initSchema(ctx, tx); err != nil {
		return fmt.Errorf("bootstrap: schema: %w", err)
	}

	for _, basket := range seed.Baskets {
		for _, c := range basket.Constituents {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO order_book (ticker, exchange, type, bid, trade, ask) VALUES (?, ?, 'S', ?, ?, ?) ON CONFLICT(ticker) DO NOTHING`,
				c.Ticker, state.ExchangeHOSE, c.ReferencePrice, c.ReferencePrice, c.ReferencePrice); err != nil {
				return fmt.Errorf("bootstrap: seed %s: %w", c.Ticker, err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO etf_components (etf_code, ticker, weight, reference_price) VALUES (?, ?, ?, ?)
				 ON CONFLICT(etf_code, ticker) DO UPDATE SET weight = excluded.weight, reference_price = excluded.reference_price`,
				basket.ETFCode, c.Ticker, c.Weight, c.ReferencePrice); err != nil {
				return fmt.Errorf("bootstrap: basket %s/%s: %w", basket.ETFCode, c.Ticker, err)
			}
		}
	}
	for _, basket := range seed.Baskets {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO order_book (ticker, exchange, type) VALUES (?, ?, 'E') ON CONFLICT(ticker) DO NOTHING`,
			basket.ETFCode, state.ExchangeHOSE); err != nil {
			return fmt.Errorf("bootstrap: seed etf %s: %w", basket.ETFCode, err)
		}
		fol, nfol := basket.OwnershipRatios()
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO etf_inav (etf_code, fol, nfol) VALUES (?, ?, ?) ON CONFLICT(etf_code) DO NOTHING`,
			basket.ETFCode, fol, nfol); err != nil {
			return fmt.Errorf("bootstrap: seed inav %s: %w", basket.ETFCode, err)
		}
	}
	for _, fut := range seed.Futures {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO futures (ticker, type, time_to_maturity) VALUES (?, ?, ?)`,
			fut.Ticker, string(fut.Type), fut.TimeToMaturity); err != nil {
			return fmt.Errorf("bootstrap: seed futures %s: %w", fut.Ticker, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO order_book (ticker, exchange, type, bid, ask) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(ticker) DO UPDATE SET exchange = excluded.exchange, type = excluded.type, bid = excluded.bid, ask = excluded.ask`,
			fut.Ticker, state.ExchangeHNX, string(fut.Type), fut.Bid, fut.Ask); err != nil {
			return fmt.Errorf("bootstrap: seed futures book %s: %w", fut.Ticker, err)
		}
	}
	for _, c := range reference.Constituents {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO index_baseline (ticker, last_price) VALUES (?, ?) ON CONFLICT(ticker) DO NOTHING`,
			c.Ticker, c.ReferencePrice); err != nil {
			return fmt.Errorf("bootstrap: seed baseline %s: %w", c.Ticker, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.mu.Lock()
	s.referenceETF = reference.ETFCode
	s.mu.Unlock()
	return nil
}

func validateFutures(quotes []state.FuturesQuote) error {
	seen := make(map[state.InstrumentType]bool, 2)
	for _, q := range quotes {
		if !q.Type.IsFutures() {
			return fmt.Errorf("bootstrap: futures %q has type %q", q.Ticker, q.Type)
		}
		if q.Ticker == "" {
			return errors.New("bootstrap: futures ticker is empty")
		}
		if seen[q.Type] {
			return fmt.Errorf("bootstrap: duplicate %s contract", q.Type)
		}
		seen[q.Type] = true
	}
	if !seen[state.TypeFront] || !seen[state.TypeBack] {
		return errors.New("bootstrap: front and back month contracts are required")
	}
	return nil
}

func (s *Store) RegisteredTickers(ctx context.Context) ([]state.Listing, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT ticker, exchange FROM order_book ORDER BY rowid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []state.Listing
	for rows.Next() {
		var l state.Listing
		if err := rows.Scan(&l.Ticker, &l.Exchange); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *Store) RegisteredETFTickers(ctx context.Context) ([]string, error) {
	return s.tickers(ctx, `SELECT etf_code FROM etf_inav ORDER BY rowid`)
}

func (s *Store) RegisteredFuturesTickers(ctx context.Context) ([]string, error) {
	return s.tickers(ctx, `SELECT ticker FROM futures ORDER BY type`)
}

func (s *Store) RegisteredEquityTickers(ctx context.Context) ([]string, error) {
	return s.tickers(ctx, `SELECT ticker FROM order_book WHERE type IN ('S', 'E') ORDER BY rowid`)
}

func (s *Store) tickers(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var ticker string
		if err := rows.Scan(&ticker); err != nil {
			return nil, err
		}
		out = append(out, ticker)
	}
	return out, rows.Err()
}

type assignment struct {
	column string
	value  *float64
}

// applyUpdate runs UPDATE table SET ... WHERE key = ? for the non-nil values.
// table, key and the column names are compile-time constants.
func (s *Store) applyUpdate(ctx context.Context, table, key, id string, sets []assignment) error {
	clauses := make([]string, 0, len(sets))
	args := make([]any, 0, len(sets)+1)
	for _, set := range sets {
		if set.value == nil {
			continue
		}
		v := *set.value
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%s %s: %s is not finite", table, id, set.column)
		}
		clauses = append(clauses, set.column+" = ?")
		args = append(args, v)
	}
	if len(clauses) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := s.db.ExecContext(ctx, `UPDATE `+table+` SET `+strings.Join(clauses, ", ")+` WHERE `+key+` = ?`, args...)
	if err != nil {
		return err
	}
	return requireRow(res, table, id)
}

func requireRow(res sql.Result, table, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", table, id, state.ErrNotFound)
	}
	return nil
}

func (s *Store) UpdateOrderBook(ctx context.Context, ticker string, update state.OrderBookUpdate) error {
	return s.applyUpdate(ctx, "order_book", "ticker", ticker, []assignment{
		{"bid", update.Bid},
		{"ask", update.Ask},
		{"trade", update.Trade},
		{"bid_premium", update.BidPremium},
		{"ask_discount", update.AskDiscount},
	})
}

func (s *Store) UpdateETFInav(ctx context.Context, etfCode string, update state.InavUpdate) error {
	return s.applyUpdate(ctx, "etf_inav", "etf_code", etfCode, []assignment{
		{"inav", update.INav},
		{"basket_bid_premium", update.BasketBidPremium},
		{"basket_ask_discount", update.BasketAskDiscount},
	})
}

// UpdateETFBasketPremium adds the weighted deltas of one constituent to an
// ETF's basket premiums. A ticker outside the basket contributes zero.
func (s *Store) UpdateETFBasketPremium(ctx context.Context, etfCode, ticker string, deltaBidPremium, deltaAskDiscount float64) error {
	if math.IsNaN(deltaBidPremium) || math.IsNaN(deltaAskDiscount) || math.IsInf(deltaBidPremium, 0) || math.IsInf(deltaAskDiscount, 0) {
		return fmt.Errorf("etf_inav %s: basket delta for %s is not finite", etfCode, ticker)
	}
	const weight = `COALESCE((SELECT weight FROM etf_components c WHERE c.etf_code = etf_inav.etf_code AND c.ticker = ?), 0)`
	res, err := s.db.ExecContext(ctx,
		`UPDATE etf_inav SET
			basket_bid_premium = basket_bid_premium + ? * `+weight+`,
			basket_ask_discount = basket_ask_discount + ? * `+weight+`
		 WHERE etf_code = ?`,
		deltaBidPremium, ticker, deltaAskDiscount, ticker, etfCode)
	if err != nil {
		return err
	}
	return requireRow(res, "etf_inav", etfCode)
}

func (s *Store) OrderBook(ctx context.Context, ticker string) (state.OrderBookEntry, error) {
	var entry state.OrderBookEntry
	var typ string
	err := s.db.QueryRowContext(ctx,
		`SELECT ticker, exchange, type, bid, ask, trade, bid_premium, ask_discount FROM order_book WHERE ticker = ?`, ticker).
		Scan(&entry.Ticker, &entry.Exchange, &typ, &entry.Bid, &entry.Ask, &entry.Trade, &entry.BidPremium, &entry.AskDiscount)
	if err != nil {
		return state.OrderBookEntry{}, notFound(err, "order_book", ticker)
	}
	entry.Type = state.InstrumentType(typ)
	etfs, err := s.tickers(ctx, `SELECT etf_code FROM etf_components WHERE ticker = ? ORDER BY etf_code`, ticker)
	if err != nil {
		return state.OrderBookEntry{}, err
	}
	entry.ETFs = etfs
	return entry, nil
}

func (s *Store) ETFInav(ctx context.Context, etfCode string) (state.ETFInavRecord, error) {
	var rec state.ETFInavRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT etf_code, inav, basket_bid_premium, basket_ask_discount, fol, nfol FROM etf_inav WHERE etf_code = ?`, etfCode).
		Scan(&rec.ETFCode, &rec.INav, &rec.BasketBidPremium, &rec.BasketAskDiscount, &rec.FOLRatio, &rec.NFOLRatio)
	if err != nil {
		return state.ETFInavRecord{}, notFound(err, "etf_inav", etfCode)
	}
	return rec, nil
}

func (s *Store) Futures(ctx context.Context, ticker string) (state.FuturesContract, error) {
	var fut state.FuturesContract
	var typ string
	err := s.db.QueryRowContext(ctx,
		`SELECT ticker, type, time_to_maturity FROM futures WHERE ticker = ?`, ticker).
		Scan(&fut.Ticker, &typ, &fut.TimeToMaturity)
	if err != nil {
		return state.FuturesContract{}, notFound(err, "futures", ticker)
	}
	fut.Type = state.InstrumentType(typ)
	return fut, nil
}

func notFound(err error, table, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", table, id, state.ErrNotFound)
	}
	return err
}

var (
	orderBookColumns = map[state.Field]string{
		state.FieldBid:         "bid",
		state.FieldAsk:         "ask",
		state.FieldTrade:       "trade",
		state.FieldBidPremium:  "bid_premium",
		state.FieldAskDiscount: "ask_discount",
	}
	inavColumns = map[state.Field]string{
		state.FieldINav:              "inav",
		state.FieldBasketBidPremium:  "basket_bid_premium",
		state.FieldBasketAskDiscount: "basket_ask_discount",
		state.FieldFOL:               "fol",
		state.FieldNFOL:              "nfol",
	}
	futuresColumns = map[state.Field]string{
		state.FieldTimeToMaturity: "time_to_maturity",
	}
)

// OrderBookFields returns the requested columns in request order.
func (s *Store) OrderBookFields(ctx context.Context, ticker string, fields ...state.Field) ([]float64, error) {
	return s.selectFields(ctx, "order_book", "ticker", ticker, orderBookColumns, fields)
}

func (s *Store) ETFInavFields(ctx context.Context, etfCode string, fields ...state.Field) ([]float64, error) {
	return s.selectFields(ctx, "etf_inav", "etf_code", etfCode, inavColumns, fields)
}

func (s *Store) FuturesFields(ctx context.Context, ticker string, fields ...state.Field) ([]float64, error) {
	return s.selectFields(ctx, "futures", "ticker", ticker, futuresColumns, fields)
}

func (s *Store) selectFields(ctx context.Context, table, key, id string, allowed map[state.Field]string, fields []state.Field) ([]float64, error) {
	if len(fields) == 0 {
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM `+table+` WHERE `+key+` = ?`, id).Scan(&exists)
		if err != nil {
			return nil, notFound(err, table, id)
		}
		return []float64{}, nil
	}
	columns := make([]string, len(fields))
	for i, field := range fields {
		column, ok := allowed[field]
		if !ok {
			return nil, fmt.Errorf("%s: %q: %w", table, field, state.ErrUnknownField)
		}
		columns[i] = column
	}
	out := make([]float64, len(fields))
	dest := make([]any, len(fields))
	for i := range out {
		dest[i] = &out[i]
	}
	err := s.db.QueryRowContext(ctx,
		`SELECT `+strings.Join(columns, ", ")+` FROM `+table+` WHERE `+key+` = ?`, id).Scan(dest...)
	if err != nil {
		return nil, notFound(err, table, id)
	}
	return out, nil
}
