// Package engine applies canonical ticks to the market state and emits the
// derived signals. Ticks are sharded by ticker onto single-writer workers so
// one ticker's read-modify-write sequences never interleave, while different
// tickers proceed concurrently.
package engine

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"sync/atomic"

	"arb-signal-engine/internal/analytics"
	"arb-signal-engine/internal/feed"
	"arb-signal-engine/internal/metrics"
	"arb-signal-engine/internal/signal"
	"arb-signal-engine/internal/state"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultWorkers   = 8
	defaultQueueSize = 1024
)

type Options struct {
	Workers   int
	QueueSize int
}

type Engine struct {
	store   state.Store
	calc    analytics.Config
	sink    signal.Sink
	metrics *metrics.Metrics
	log     *zap.Logger

	shards []chan feed.Tick
	// index holds the float64 bits of the last index value; zero until the
	// first IndexUpdate.
	index atomic.Uint64
}

func New(store state.Store, calc analytics.Config, sink signal.Sink, opts Options, m *metrics.Metrics, log *zap.Logger) *Engine {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if sink == nil {
		sink = signal.Fanout{}
	}
	if m == nil {
		m = metrics.NewNoop()
	}
	if log == nil {
		log = zap.NewNop()
	}
	shards := make([]chan feed.Tick, opts.Workers)
	for i := range shards {
		shards[i] = make(chan feed.Tick, opts.QueueSize)
	}
	return &Engine{
		store:   store,
		calc:    calc,
		sink:    sink,
		metrics: m,
		log:     log,
		shards:  shards,
	}
}

// Run starts the workers and blocks until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i, shard := range e.shards {
		i, shard := i, shard
		g.Go(func() error {
			e.worker(ctx, i, shard)
			return nil
		})
	}
	e.log.Info("engine started", zap.Int("workers", len(e.shards)))
	return g.Wait()
}

func (e *Engine) worker(ctx context.Context, id int, ticks <-chan feed.Tick) {
	log := e.log.With(zap.Int("worker_id", id))
	for {
		select {
		case <-ctx.Done():
			log.Debug("engine worker stopped")
			return
		case tick := <-ticks:
			e.Handle(ctx, tick)
		}
	}
}

// Dispatch queues ticks on their ticker's shard in order. It blocks while
// the shard is full and gives up when ctx is done.
func (e *Engine) Dispatch(ctx context.Context, ticks []feed.Tick) {
	for _, tick := range ticks {
		select {
		case e.shards[e.shardOf(tick.Ticker)] <- tick:
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) shardOf(ticker string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(ticker))
	return int(h.Sum32() % uint32(len(e.shards)))
}

// IndexValue is the last index value seen, zero before the first update.
func (e *Engine) IndexValue() float64 {
	return math.Float64frombits(e.index.Load())
}

// Handle applies one tick synchronously.
func (e *Engine) Handle(ctx context.Context, tick feed.Tick) {
	var err error
	switch tick.Kind {
	case feed.KindBestBidAsk:
		err = e.onBestBidAsk(ctx, tick)
	case feed.KindTrade:
		err = e.onTrade(ctx, tick)
	case feed.KindIndexUpdate:
		err = e.onIndexUpdate(ctx, tick)
	case feed.KindETFStatistics:
		err = e.onETFStatistics(ctx, tick)
	default:
		return
	}
	e.metrics.TicksHandled.Inc()
	if err != nil {
		e.metrics.StoreErrors.Inc()
		level := zap.WarnLevel
		if errors.Is(err, state.ErrNotFound) {
			level = zap.DebugLevel
		}
		if ce := e.log.Check(level, "tick dropped"); ce != nil {
			ce.Write(zap.String("kind", tick.Kind.String()), zap.String("ticker", tick.Ticker), zap.Error(err))
		}
	}
}

func (e *Engine) publish(ctx context.Context, s signal.Signal) {
	if s.Empty() {
		return
	}
	if s.At.IsZero() {
		s.At = now()
	}
	switch s.Kind {
	case signal.KindETF:
		e.metrics.ETFSignals.Inc()
	case signal.KindFutures:
		e.metrics.FuturesSignals.Inc()
	}
	e.sink.Publish(ctx, s)
}
