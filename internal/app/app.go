// Package app wires the engine together: it bootstraps the market state from
// reference data, then runs exactly one feed adapter alongside the signal
// sinks and scheduled background work.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"arb-signal-engine/internal/alerts"
	"arb-signal-engine/internal/analytics"
	"arb-signal-engine/internal/config"
	"arb-signal-engine/internal/display"
	"arb-signal-engine/internal/engine"
	"arb-signal-engine/internal/feed"
	"arb-signal-engine/internal/feed/kis"
	"arb-signal-engine/internal/feed/ssi"
	"arb-signal-engine/internal/feed/ws"
	"arb-signal-engine/internal/metrics"
	"arb-signal-engine/internal/reference"
	"arb-signal-engine/internal/signal"
	"arb-signal-engine/internal/state"
	"arb-signal-engine/internal/state/sqlite"
	"arb-signal-engine/internal/timescale"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrFeedExhausted ends a session whose feed gave up reconnecting.
var ErrFeedExhausted = errors.New("app: feed exhausted its reconnect attempts")

type futuresSource interface {
	Futures(ctx context.Context) ([]state.FuturesQuote, error)
}

type App struct {
	cfg       *config.Config
	log       *zap.Logger
	store     *sqlite.Store
	futures   futuresSource
	baskets   func(dir string) ([]state.Basket, error)
	engine    *engine.Engine
	adapter   *feed.Adapter
	metrics   *metrics.Metrics
	prom      *metrics.Prometheus
	hub       *display.Hub
	timescale *timescale.Writer
	alerts    *alerts.Telegram
	sinks     signal.Fanout
	scheduler *scheduler
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if path := cfg.State.SQLitePath; path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	calc := analytics.Config{
		DayCountFactor: cfg.Analytics.DayCountFactor,
		RollSentinel:   cfg.Analytics.RollSentinel,
	}
	store, err := sqlite.New(cfg.State.SQLitePath, calc)
	if err != nil {
		return nil, err
	}
	writer, err := timescale.New(cfg.Timescale, log)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("timescale: %w", err)
	}

	a := &App{
		cfg:       cfg,
		log:       log,
		store:     store,
		futures:   reference.NewLookupClient(cfg.Bootstrap.LookupURL, cfg.Bootstrap.LookupTimeout, log),
		baskets:   reference.LoadBaskets,
		metrics:   metrics.NewNoop(),
		timescale: writer,
		alerts:    alerts.NewTelegram(cfg.Telegram, log),
		scheduler: newScheduler(log),
	}
	if cfg.Metrics.EnabledValue() {
		a.prom = metrics.NewPrometheus()
		a.metrics = a.prom.Metrics
	}
	a.sinks = signal.Fanout{signal.NewLog(log)}
	if cfg.Display.Enabled {
		a.hub = display.NewHub(cfg.Display.OriginPatterns, a.metrics, log)
		a.sinks = append(a.sinks, a.hub)
	}
	if writer != nil {
		a.sinks = append(a.sinks, writer)
	}

	a.engine = engine.New(store, calc, signal.SinkFunc(a.publish), engine.Options{
		Workers:   cfg.Feed.Workers,
		QueueSize: cfg.Feed.QueueSize,
	}, a.metrics, log)

	protocol, err := protocolFor(cfg.Feed.Provider)
	if err != nil {
		_ = a.close()
		return nil, err
	}
	backoff := ws.DefaultBackoff()
	backoff.Min = cfg.Feed.ReconnectMin
	backoff.Max = cfg.Feed.ReconnectMax
	transport := ws.New(cfg.Feed.URL(), ws.Options{
		Backoff:       backoff,
		MaxReconnects: cfg.Feed.MaxReconnects,
		PingInterval:  cfg.Feed.PingInterval,
	}, log)
	a.adapter = feed.NewAdapter(protocol, transport, store, a.engine, cfg.Analytics.IndexKey, a.metrics, log)
	writer.SetSession(a.adapter.SessionID)

	if interval := cfg.Analytics.DecompositionInterval; interval > 0 {
		a.Schedule("index_decomposition", interval, a.decomposeIndex)
	}
	return a, nil
}

func protocolFor(provider string) (feed.Protocol, error) {
	switch provider {
	case config.ProviderKIS:
		return kis.New(), nil
	case config.ProviderSSI:
		return ssi.New(), nil
	default:
		return nil, fmt.Errorf("unknown feed provider %q", provider)
	}
}

// AddSink forwards every emitted signal to s as well. Call before Run.
func (a *App) AddSink(s signal.Sink) {
	a.sinks = append(a.sinks, s)
}

func (a *App) publish(ctx context.Context, s signal.Signal) {
	a.sinks.Publish(ctx, s)
}

// Run bootstraps the store and streams until ctx is done or the feed gives
// up. The store is closed on return.
func (a *App) Run(ctx context.Context) error {
	defer func() {
		if err := a.close(); err != nil {
			a.log.Warn("close failed", zap.Error(err))
		}
	}()
	if err := a.bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	a.adapter.OnFault(func(session string, err error) {
		go a.alerts.FeedFaulted(ctx, a.cfg.Feed.Provider, session, err)
	})

	g, gctx := errgroup.WithContext(ctx)
	if a.prom != nil {
		g.Go(func() error {
			return serve(gctx, a.cfg.Metrics.Address, a.cfg.Metrics.Path, a.prom.Handler(), a.log.Named("metrics"))
		})
	}
	if a.hub != nil {
		g.Go(func() error {
			return serve(gctx, a.cfg.Display.Address, a.cfg.Display.Path, a.hub, a.log.Named("display"))
		})
	}
	if a.timescale != nil {
		g.Go(func() error { return a.timescale.Run(gctx) })
	}
	g.Go(func() error { return a.engine.Run(gctx) })
	a.scheduler.start(gctx, g)
	g.Go(func() error {
		err := a.adapter.Run(gctx)
		if errors.Is(err, ws.ErrReconnectsExhausted) {
			a.alerts.FeedExhausted(context.WithoutCancel(ctx), a.cfg.Feed.Provider, err)
			return fmt.Errorf("%w: %w", ErrFeedExhausted, err)
		}
		return err
	})
	a.log.Info("engine running",
		zap.String("provider", a.cfg.Feed.Provider),
		zap.String("feed_url", a.cfg.Feed.URL()),
	)
	return g.Wait()
}

// Schedule runs fn every interval while the app runs; a non-positive
// interval runs it once. Work scheduled after Run starts begins immediately.
func (a *App) Schedule(name string, interval time.Duration, fn func(context.Context) error) {
	a.scheduler.schedule(name, interval, fn)
}

func (a *App) bootstrap(ctx context.Context) error {
	baskets, err := a.baskets(a.cfg.Bootstrap.BasketDir)
	if err != nil {
		return fmt.Errorf("load baskets: %w", err)
	}
	futures, err := a.futures.Futures(ctx)
	if err != nil {
		return fmt.Errorf("futures lookup: %w", err)
	}
	seed := state.Seed{
		Baskets:      baskets,
		Futures:      futures,
		ReferenceETF: a.cfg.Analytics.IndexReferenceETF,
	}
	if err := a.store.Bootstrap(ctx, seed); err != nil {
		return err
	}
	contracts := make([]string, 0, len(futures))
	for _, f := range futures {
		contracts = append(contracts, f.Ticker)
	}
	a.log.Info("market state bootstrapped",
		zap.Int("baskets", len(baskets)),
		zap.Strings("futures", contracts),
		zap.String("reference_etf", seed.ReferenceETF),
	)
	return nil
}

func (a *App) close() error {
	var errs []error
	if err := a.timescale.Close(); err != nil {
		errs = append(errs, err)
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
