package app

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type job struct {
	name     string
	interval time.Duration
	fn       func(context.Context) error
}

// scheduler runs background maintenance work inside the app's run group.
// A failing run is logged and the job keeps its schedule.
type scheduler struct {
	log *zap.Logger

	mu      sync.Mutex
	pending []job
	ctx     context.Context
	group   *errgroup.Group
}

func newScheduler(log *zap.Logger) *scheduler {
	return &scheduler{log: log}
}

func (s *scheduler) schedule(name string, interval time.Duration, fn func(context.Context) error) {
	j := job{name: name, interval: interval, fn: fn}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.group == nil {
		s.pending = append(s.pending, j)
		return
	}
	s.launch(j)
}

func (s *scheduler) start(ctx context.Context, g *errgroup.Group) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx, s.group = ctx, g
	for _, j := range s.pending {
		s.launch(j)
	}
	s.pending = nil
}

// launch must be called with mu held.
func (s *scheduler) launch(j job) {
	ctx := s.ctx
	s.group.Go(func() error {
		s.loop(ctx, j)
		return nil
	})
}

func (s *scheduler) loop(ctx context.Context, j job) {
	log := s.log.With(zap.String("job", j.name))
	if j.interval <= 0 {
		s.runOnce(ctx, log, j)
		return
	}
	log.Info("job scheduled", zap.Duration("interval", j.interval))
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx, log, j)
		}
	}
}

func (s *scheduler) runOnce(ctx context.Context, log *zap.Logger, j job) {
	if err := j.fn(ctx); err != nil && ctx.Err() == nil {
		log.Warn("job failed", zap.Error(err))
	}
}
