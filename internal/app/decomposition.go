package app

import (
	"context"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"
)

const topContributors = 5

// decomposeIndex attributes the index move since the last run to its
// constituents and advances the baseline.
func (a *App) decomposeIndex(ctx context.Context) error {
	changes, err := a.store.CalculateIndexPriceChange(ctx)
	if err != nil {
		return err
	}
	if len(changes) == 0 {
		return nil
	}
	var total float64
	for _, change := range changes {
		total += change
	}
	a.metrics.IndexChange.Set(total)
	a.timescale.EnqueueContributions(time.Now().UTC(), changes)

	fields := []zap.Field{zap.Float64("total", total), zap.Int("constituents", len(changes))}
	for _, c := range leaders(changes, topContributors) {
		fields = append(fields, zap.Float64(c.ticker, c.change))
	}
	a.log.Info("index decomposition", fields...)
	return nil
}

type contribution struct {
	ticker string
	change float64
}

// leaders returns the n largest moves by magnitude, ties broken by ticker.
func leaders(changes map[string]float64, n int) []contribution {
	out := make([]contribution, 0, len(changes))
	for ticker, change := range changes {
		out = append(out, contribution{ticker: ticker, change: change})
	}
	sort.Slice(out, func(i, j int) bool {
		ai, aj := math.Abs(out[i].change), math.Abs(out[j].change)
		if ai != aj {
			return ai > aj
		}
		return out[i].ticker < out[j].ticker
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}
