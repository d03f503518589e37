// Command verify checks a deployment's reference data without touching the
// live feed: it loads the basket files, queries the futures lookup,
// bootstraps an in-memory store and prints the subscription universe. With
// -frames it also decodes a capture of raw feed frames, one per line.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"arb-signal-engine/internal/analytics"
	"arb-signal-engine/internal/config"
	"arb-signal-engine/internal/feed"
	"arb-signal-engine/internal/feed/kis"
	"arb-signal-engine/internal/feed/ssi"
	"arb-signal-engine/internal/logging"
	"arb-signal-engine/internal/reference"
	"arb-signal-engine/internal/state"
	"arb-signal-engine/internal/state/sqlite"

	"go.uber.org/zap"
)

const defaultVerifyEnvFile = ".env"

type report struct {
	Provider      string               `json:"provider"`
	Baskets       map[string]int       `json:"baskets"`
	Futures       []state.FuturesQuote `json:"futures"`
	ETFs          []string             `json:"etfs"`
	Equities      []string             `json:"equities"`
	Subscriptions []any                `json:"subscriptions"`
	Frames        *frameStats          `json:"frames,omitempty"`
}

type frameStats struct {
	Total   int            `json:"total"`
	Ignored int            `json:"ignored"`
	Dropped int            `json:"dropped"`
	Ticks   map[string]int `json:"ticks"`
}

func main() {
	configPath := flag.String("config", "config/engine.yaml", "path to config file")
	framesPath := flag.String("frames", "", "optional file of raw feed frames to decode")
	timeout := flag.Duration("timeout", 30*time.Second, "overall timeout")
	flag.Parse()

	if err := config.LoadEnv(defaultVerifyEnvFile); err != nil {
		fatal(err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	log := logging.New(cfg.Log)
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	out, err := run(ctx, cfg, *framesPath, log)
	if err != nil {
		fatal(err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fatal(err)
	}
}

func run(ctx context.Context, cfg *config.Config, framesPath string, log *zap.Logger) (*report, error) {
	baskets, err := reference.LoadBaskets(cfg.Bootstrap.BasketDir)
	if err != nil {
		return nil, fmt.Errorf("load baskets: %w", err)
	}
	lookup := reference.NewLookupClient(cfg.Bootstrap.LookupURL, cfg.Bootstrap.LookupTimeout, log)
	futures, err := lookup.Futures(ctx)
	if err != nil {
		return nil, fmt.Errorf("futures lookup: %w", err)
	}
	store, err := sqlite.New(":memory:", analytics.Config{
		DayCountFactor: cfg.Analytics.DayCountFactor,
		RollSentinel:   cfg.Analytics.RollSentinel,
	})
	if err != nil {
		return nil, err
	}
	defer store.Close()
	if err := store.Bootstrap(ctx, state.Seed{Baskets: baskets, Futures: futures, ReferenceETF: cfg.Analytics.IndexReferenceETF}); err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}
	universe, err := feed.BuildUniverse(ctx, store, cfg.Analytics.IndexKey)
	if err != nil {
		return nil, err
	}
	protocol := feed.Protocol(ssi.New())
	if cfg.Feed.Provider == config.ProviderKIS {
		protocol = kis.New()
	}

	out := &report{
		Provider:      protocol.Name(),
		Baskets:       make(map[string]int, len(baskets)),
		Futures:       futures,
		ETFs:          universe.ETFs,
		Equities:      universe.Equities,
		Subscriptions: protocol.Subscriptions(universe),
	}
	for _, b := range baskets {
		out.Baskets[b.ETFCode] = len(b.Constituents)
	}
	if framesPath != "" {
		stats, err := decodeFrames(framesPath, protocol, universe, log)
		if err != nil {
			return nil, err
		}
		out.Frames = stats
	}
	return out, nil
}

func decodeFrames(path string, protocol feed.Protocol, universe *feed.Universe, log *zap.Logger) (*frameStats, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	stats := &frameStats{Ticks: map[string]int{}}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		stats.Total++
		ticks, err := protocol.Decode(universe, line)
		switch {
		case err != nil:
			stats.Dropped++
			log.Debug("frame dropped", zap.Error(err))
		case len(ticks) == 0:
			stats.Ignored++
		default:
			for _, tick := range ticks {
				stats.Ticks[tick.Kind.String()]++
			}
		}
	}
	return stats, scanner.Err()
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
