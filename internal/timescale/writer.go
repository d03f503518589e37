// Package timescale records emitted signals and index decompositions to a
// TimescaleDB (Postgres) database. Recording is best effort: queues are
// bounded and a full queue drops rows.
package timescale

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"arb-signal-engine/internal/config"
	"arb-signal-engine/internal/signal"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

// Contribution is one constituent's weighted index move over a
// decomposition interval.
type Contribution struct {
	Time   time.Time
	Ticker string
	Change float64
}

type signalRow struct {
	session string
	signal  signal.Signal
}

type Writer struct {
	db      *sql.DB
	log     *zap.Logger
	schema  string
	session func() string

	etf           chan signalRow
	futures       chan signalRow
	contributions chan []Contribution
	started       atomic.Bool
	dropSignals   atomic.Uint64
	dropContrib   atomic.Uint64
}

// New connects and ensures the schema. It returns nil, nil when recording is
// disabled; every method is safe on a nil Writer.
func New(cfg config.TimescaleConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("timescale dsn is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	writer := newWriter(db, cfg.Schema, cfg.QueueSize, log)
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

func newWriter(db *sql.DB, schema string, queueSize int, log *zap.Logger) *Writer {
	schema = strings.TrimSpace(schema)
	if schema == "" {
		schema = "public"
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Writer{
		db:            db,
		log:           log,
		schema:        schema,
		session:       func() string { return "" },
		etf:           make(chan signalRow, queueSize),
		futures:       make(chan signalRow, queueSize),
		contributions: make(chan []Contribution, queueSize),
	}
}

// SetSession sets the source of the feed session id stamped on signal rows.
func (w *Writer) SetSession(fn func() string) {
	if w == nil || fn == nil {
		return
	}
	w.session = fn
}

// Run drains the queues until ctx is done.
func (w *Writer) Run(ctx context.Context) error {
	if w == nil {
		return nil
	}
	if !w.started.CompareAndSwap(false, true) {
		return errors.New("timescale writer already running")
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case row := <-w.etf:
			w.writeSignal(ctx, "etf_signals", row)
		case row := <-w.futures:
			w.writeSignal(ctx, "futures_signals", row)
		case rows := <-w.contributions:
			w.writeContributions(ctx, rows)
		}
	}
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

// Publish queues a signal for recording.
func (w *Writer) Publish(_ context.Context, s signal.Signal) {
	if w == nil {
		return
	}
	queue := w.etf
	if s.Kind == signal.KindFutures {
		queue = w.futures
	}
	select {
	case queue <- signalRow{session: w.session(), signal: s}:
	default:
		if w.dropSignals.Add(1) == 1 {
			w.log.Warn("timescale signal queue full")
		}
	}
}

// EnqueueContributions queues one decomposition run, ordered by ticker.
func (w *Writer) EnqueueContributions(at time.Time, changes map[string]float64) {
	if w == nil || len(changes) == 0 {
		return
	}
	select {
	case w.contributions <- contributionRows(at, changes):
	default:
		if w.dropContrib.Add(1) == 1 {
			w.log.Warn("timescale contribution queue full")
		}
	}
}

func (w *Writer) Dropped() uint64 {
	if w == nil {
		return 0
	}
	return w.dropSignals.Load() + w.dropContrib.Load()
}

func contributionRows(at time.Time, changes map[string]float64) []Contribution {
	rows := make([]Contribution, 0, len(changes))
	for ticker, change := range changes {
		rows = append(rows, Contribution{Time: at, Ticker: ticker, Change: change})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Ticker < rows[j].Ticker })
	return rows
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("timescale db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	for _, table := range []string{"etf_signals", "futures_signals"} {
		if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		session TEXT NOT NULL,
		ticker TEXT NOT NULL,
		fields JSONB NOT NULL
	)`, w.table(table))); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		ticker TEXT NOT NULL,
		change DOUBLE PRECISION NOT NULL,
		PRIMARY KEY (ts, ticker)
	)`, w.table("index_contributions"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		w.log.Warn("timescale extension ensure failed", zap.Error(err))
		return nil
	}
	for _, table := range []string{"etf_signals", "futures_signals", "index_contributions"} {
		if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table(table))); err != nil {
			w.log.Warn("timescale hypertable create failed", zap.String("table", table), zap.Error(err))
		}
	}
	return nil
}

func (w *Writer) writeSignal(ctx context.Context, table string, row signalRow) {
	if w.db == nil {
		return
	}
	fields, err := json.Marshal(row.signal.Fields)
	if err != nil {
		w.log.Warn("timescale signal encode failed", zap.Error(err))
		return
	}
	at := row.signal.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (ts, session, ticker, fields) VALUES ($1,$2,$3,$4)`, w.table(table))
	if _, err := w.db.ExecContext(ctx, query, at, row.session, row.signal.Ticker, string(fields)); err != nil {
		w.log.Warn("timescale signal insert failed", zap.String("table", table), zap.Error(err))
	}
}

func (w *Writer) writeContributions(ctx context.Context, rows []Contribution) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (ts, ticker, change) VALUES ($1,$2,$3)
	ON CONFLICT (ts, ticker) DO UPDATE SET change = EXCLUDED.change`, w.table("index_contributions"))
	for _, row := range rows {
		if _, err := w.db.ExecContext(ctx, query, row.Time, row.Ticker, row.Change); err != nil {
			w.log.Warn("timescale contribution upsert failed", zap.String("ticker", row.Ticker), zap.Error(err))
			return
		}
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
