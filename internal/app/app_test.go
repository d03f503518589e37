package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"arb-signal-engine/internal/analytics"
	"arb-signal-engine/internal/config"
	"arb-signal-engine/internal/feed/ws"
	"arb-signal-engine/internal/metrics"
	"arb-signal-engine/internal/reference"
	"arb-signal-engine/internal/signal"
	"arb-signal-engine/internal/state"
	"arb-signal-engine/internal/state/sqlite"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"nhooyr.io/websocket"
)

const basketCSV = "ETF,Name,Ticker,Weight,Shares,Price,Ownership\n" +
	"E1VFVN30,Vingroup,VIC,60,100,42000,KIS\n" +
	"E1VFVN30,FPT Corp,FPT,40,50,120000,\n"

const lookupJSON = `[
	{"ticker": "VNC1 Index", "LAST_TRADEABLE_DT": "2024-10-17", "FUT_ACT_DAYS_EXP": 5, "PX_BID": 1310, "PX_ASK": 1311},
	{"ticker": "VNC2 Index", "LAST_TRADEABLE_DT": "2024-11-21", "FUT_ACT_DAYS_EXP": 35, "PX_BID": 1320.5, "PX_ASK": 1321}
]`

type gauge struct {
	mu sync.Mutex
	v  float64
}

func (g *gauge) Set(v float64) {
	g.mu.Lock()
	g.v = v
	g.mu.Unlock()
}

func (g *gauge) value() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.v
}

func basketDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "E1VFVN30_20241017.csv"), []byte(basketCSV), 0o600); err != nil {
		t.Fatalf("write basket: %v", err)
	}
	return dir
}

func lookupServer(t *testing.T, status int) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(lookupJSON))
	}))
	t.Cleanup(server.Close)
	return server
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func testConfig(t *testing.T, feedURL, lookupURL string) *config.Config {
	t.Helper()
	disabled := false
	return &config.Config{
		Feed: config.FeedConfig{
			Provider:      config.ProviderKIS,
			KISURL:        feedURL,
			ReconnectMin:  5 * time.Millisecond,
			ReconnectMax:  20 * time.Millisecond,
			MaxReconnects: 1,
			Workers:       2,
			QueueSize:     16,
		},
		Bootstrap: config.BootstrapConfig{
			BasketDir:     basketDir(t),
			LookupURL:     lookupURL,
			LookupTimeout: time.Second,
		},
		State: config.StateConfig{SQLitePath: filepath.Join(t.TempDir(), "data", "session.db")},
		Analytics: config.AnalyticsConfig{
			DayCountFactor:    1.23,
			RollSentinel:      9.99,
			IndexKey:          "VN30",
			IndexReferenceETF: "E1VFVN30",
		},
		Metrics: config.MetricsConfig{Enabled: &disabled},
	}
}

// kisServer accepts one connection, waits for the three subscription
// requests and then pushes an index update.
type kisServer struct {
	conns atomic.Int32
	mu    sync.Mutex
	subs  []string
}

func (k *kisServer) handler(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")
	k.conns.Add(1)
	ctx := r.Context()
	for i := 0; i < 3; i++ {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		k.mu.Lock()
		k.subs = append(k.subs, string(data))
		k.mu.Unlock()
	}
	_ = conn.Write(ctx, websocket.MessageText, []byte(`{"result":"subscribed"}`))
	_ = conn.Write(ctx, websocket.MessageText, []byte(`{"msgType":"INDEX_DATA","value":1300}`))
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}

func TestRunBootstrapsSubscribesAndForwardsSignals(t *testing.T) {
	feedSrv := &kisServer{}
	server := httptest.NewServer(http.HandlerFunc(feedSrv.handler))
	defer server.Close()
	cfg := testConfig(t, wsURL(server), lookupServer(t, http.StatusOK).URL)

	application, err := New(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	signals := signal.NewChannel(16)
	application.AddSink(signals)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- application.Run(ctx) }()

	seen := map[string]signal.Signal{}
	deadline := time.After(5 * time.Second)
	for len(seen) < 3 {
		select {
		case s := <-signals.C:
			seen[s.Ticker] = s
		case err := <-done:
			t.Fatalf("run ended early: %v", err)
		case <-deadline:
			t.Fatalf("timed out waiting for signals, got %v", seen)
		}
	}
	if _, ok := seen["E1VFVN30"].Fields[signal.KeyRealtimeHedgeRatio]; !ok {
		t.Fatalf("expected hedge ratio signal, got %+v", seen["E1VFVN30"])
	}
	// front month bid 1310 against 1300
	if got := seen[signal.TickerFront].Fields[signal.KeyBasis]; got != "0.77%" {
		t.Fatalf("unexpected front basis %q", got)
	}
	if _, ok := seen[signal.TickerBack].Fields[signal.KeyEffectiveRate]; !ok {
		t.Fatalf("expected back month effective rate, got %+v", seen[signal.TickerBack])
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not stop")
	}

	feedSrv.mu.Lock()
	defer feedSrv.mu.Unlock()
	if len(feedSrv.subs) != 3 || !strings.Contains(feedSrv.subs[0], `"key":"VIC"`) || !strings.Contains(feedSrv.subs[0], `"key":"VN30F2410"`) {
		t.Fatalf("unexpected subscriptions %v", feedSrv.subs)
	}
}

func TestRunFailsBeforeDialingWhenBootstrapFails(t *testing.T) {
	feedSrv := &kisServer{}
	server := httptest.NewServer(http.HandlerFunc(feedSrv.handler))
	defer server.Close()
	cfg := testConfig(t, wsURL(server), lookupServer(t, http.StatusBadGateway).URL)

	application, err := New(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	err = application.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "bootstrap") {
		t.Fatalf("expected bootstrap error, got %v", err)
	}
	if feedSrv.conns.Load() != 0 {
		t.Fatalf("feed must not be dialed before bootstrap succeeds")
	}
}

func TestRunReportsExhaustedFeed(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(dead)
	dead.Close()
	cfg := testConfig(t, url, lookupServer(t, http.StatusOK).URL)

	application, err := New(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = application.Run(ctx)
	if !errors.Is(err, ErrFeedExhausted) || !errors.Is(err, ws.ErrReconnectsExhausted) {
		t.Fatalf("expected exhausted feed, got %v", err)
	}
}

func TestNewRejectsUnknownProvider(t *testing.T) {
	cfg := testConfig(t, "ws://unused", "http://unused")
	cfg.Feed.Provider = "bloomberg"
	if _, err := New(cfg, zap.NewNop()); err == nil {
		t.Fatalf("expected unknown provider error")
	}
}

func TestDecomposeIndexPublishesTotalAndAdvancesBaseline(t *testing.T) {
	ctx := context.Background()
	store, err := sqlite.New(":memory:", analytics.DefaultConfig())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	basket, err := reference.LoadBasketFile(filepath.Join(basketDir(t), "E1VFVN30_20241017.csv"))
	if err != nil {
		t.Fatalf("load basket: %v", err)
	}
	seed := state.Seed{
		Baskets:      []state.Basket{basket},
		ReferenceETF: "E1VFVN30",
		Futures: []state.FuturesQuote{
			{Type: state.TypeFront, Ticker: "VN30F2410", TimeToMaturity: 5, Bid: 1310, Ask: 1311},
			{Type: state.TypeBack, Ticker: "VN30F2411", TimeToMaturity: 35, Bid: 1320, Ask: 1321},
		},
	}
	if err := store.Bootstrap(ctx, seed); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	bid := 42420.0
	if err := store.UpdateOrderBook(ctx, "VIC", state.OrderBookUpdate{Bid: &bid}); err != nil {
		t.Fatalf("update: %v", err)
	}

	m := metrics.NewNoop()
	change := &gauge{}
	m.IndexChange = change
	a := &App{store: store, metrics: m, log: zap.NewNop()}
	if err := a.decomposeIndex(ctx); err != nil {
		t.Fatalf("decompose: %v", err)
	}
	if got := change.value(); got < 0.00599 || got > 0.00601 {
		t.Fatalf("expected 0.006 index change, got %v", got)
	}

	change.Set(-1)
	if err := a.decomposeIndex(ctx); err != nil {
		t.Fatalf("decompose: %v", err)
	}
	if got := change.value(); got != 0 {
		t.Fatalf("expected baseline advanced to zero change, got %v", got)
	}
}

func TestLeadersOrderedByMagnitude(t *testing.T) {
	got := leaders(map[string]float64{"VIC": 0.001, "FPT": -0.004, "VNM": 0.002, "ACB": 0.002}, 3)
	if len(got) != 3 || got[0].ticker != "FPT" || got[1].ticker != "ACB" || got[2].ticker != "VNM" {
		t.Fatalf("unexpected leaders %+v", got)
	}
}

func TestSchedulerRunsPendingAndLateJobs(t *testing.T) {
	s := newScheduler(zap.NewNop())
	var ticks, once, late atomic.Int32
	s.schedule("tick", 5*time.Millisecond, func(context.Context) error {
		ticks.Add(1)
		return errors.New("keeps going")
	})
	s.schedule("once", 0, func(context.Context) error {
		once.Add(1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	s.start(gctx, g)
	s.schedule("late", 0, func(context.Context) error {
		late.Add(1)
		return nil
	})

	deadline := time.Now().Add(2 * time.Second)
	for ticks.Load() < 3 || late.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("jobs did not run: ticks=%d late=%d", ticks.Load(), late.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := g.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if once.Load() != 1 {
		t.Fatalf("expected one-shot job to run once, got %d", once.Load())
	}
}
