package feed

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"arb-signal-engine/internal/feed/ws"
	"arb-signal-engine/internal/metrics"
	"arb-signal-engine/internal/state"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Transport is a reconnecting frame source; *ws.Client implements it.
type Transport interface {
	Subscribe(ctx context.Context, sub any) error
	Observe(h ws.Hooks)
	Run(ctx context.Context, handler func([]byte)) error
}

const dropSummaryInterval = 10 * time.Second

// Adapter drives one provider connection: it subscribes to the session
// universe, decodes frames and hands canonical ticks to the dispatcher.
type Adapter struct {
	protocol   Protocol
	transport  Transport
	registry   state.Registry
	dispatcher Dispatcher
	indexKey   string
	metrics    *metrics.Metrics
	log        *zap.Logger

	lifecycle *Lifecycle
	dropLog   *rate.Limiter
	dropped   atomic.Int64

	mu      sync.Mutex
	session string
	onFault func(session string, err error)
}

func NewAdapter(protocol Protocol, transport Transport, registry state.Registry, dispatcher Dispatcher, indexKey string, m *metrics.Metrics, log *zap.Logger) *Adapter {
	if m == nil {
		m = metrics.NewNoop()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Adapter{
		protocol:   protocol,
		transport:  transport,
		registry:   registry,
		dispatcher: dispatcher,
		indexKey:   indexKey,
		metrics:    m,
		log:        log.With(zap.String("provider", protocol.Name())),
		lifecycle:  NewLifecycle(),
		dropLog:    rate.NewLimiter(rate.Every(dropSummaryInterval), 1),
	}
}

func (a *Adapter) Status() Status {
	return a.lifecycle.Status()
}

// OnFault registers a callback run whenever the adapter enters Faulted.
func (a *Adapter) OnFault(fn func(session string, err error)) {
	a.mu.Lock()
	a.onFault = fn
	a.mu.Unlock()
}

// SessionID identifies the current connection; it changes on every dial.
func (a *Adapter) SessionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session
}

// Run subscribes and streams until ctx is done (nil, Closed) or the
// transport gives up (its error, Faulted). The store must be bootstrapped.
func (a *Adapter) Run(ctx context.Context) error {
	universe, err := BuildUniverse(ctx, a.registry, a.indexKey)
	if err != nil {
		return fmt.Errorf("build universe: %w", err)
	}
	subs := a.protocol.Subscriptions(universe)
	for _, sub := range subs {
		if err := a.transport.Subscribe(ctx, sub); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
	}
	a.log.Info("feed subscriptions prepared",
		zap.Int("requests", len(subs)),
		zap.Int("tickers", len(universe.Listings)),
		zap.Int("etfs", len(universe.ETFs)),
		zap.Strings("futures", universe.Futures),
	)
	a.transport.Observe(ws.Hooks{
		Dialing: func(attempt int) {
			a.mu.Lock()
			a.session = uuid.NewString()
			a.mu.Unlock()
			if attempt > 1 {
				a.metrics.Reconnects.Inc()
			}
			a.transition(EventDial, nil)
		},
		Subscribed: func() {
			a.transition(EventSubscribed, nil)
		},
		Disconnected: func(err error) {
			a.transition(EventFault, err)
		},
	})

	err = a.transport.Run(ctx, func(frame []byte) {
		a.handleFrame(ctx, universe, frame)
	})
	if ctx.Err() != nil {
		a.transition(EventClose, nil)
		return nil
	}
	a.transition(EventFault, err)
	return err
}

func (a *Adapter) handleFrame(ctx context.Context, u *Universe, frame []byte) {
	a.metrics.FramesReceived.Inc()
	if a.lifecycle.Status() == StatusSubscribed {
		a.transition(EventFrame, nil)
	}
	ticks, err := a.protocol.Decode(u, frame)
	if err != nil {
		a.drop(err, frame)
		return
	}
	if len(ticks) == 0 {
		return
	}
	a.dispatcher.Dispatch(ctx, ticks)
}

func (a *Adapter) drop(err error, frame []byte) {
	a.metrics.FramesDropped.Inc()
	total := a.dropped.Add(1)
	if ce := a.log.Check(zap.DebugLevel, "feed frame dropped"); ce != nil {
		ce.Write(zap.Error(err), zap.ByteString("frame", truncate(frame, 256)))
	}
	if a.dropLog.Allow() {
		a.log.Warn("feed frames dropped", zap.Int64("dropped_total", total), zap.Error(err))
	}
}

func (a *Adapter) transition(event Event, err error) {
	status, changed := a.lifecycle.Apply(event)
	if !changed {
		return
	}
	a.metrics.FeedStatus.Set(status.Level())
	fields := []zap.Field{zap.String("status", string(status)), zap.String("session", a.SessionID())}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	if status == StatusFaulted {
		a.log.Warn("feed status changed", fields...)
		a.mu.Lock()
		fn, session := a.onFault, a.session
		a.mu.Unlock()
		if fn != nil {
			fn(session, err)
		}
		return
	}
	a.log.Info("feed status changed", fields...)
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
