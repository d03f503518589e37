package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "arb_signal_engine"

type Prometheus struct {
	Metrics *Metrics

	registry       *prometheus.Registry
	framesReceived prometheus.Counter
	framesDropped  prometheus.Counter
	ticksHandled   prometheus.Counter
	storeErrors    prometheus.Counter
	etfSignals     prometheus.Counter
	futuresSignals prometheus.Counter
	signalsDropped prometheus.Counter
	reconnects     prometheus.Counter
	feedStatus     prometheus.Gauge
	indexValue     prometheus.Gauge
	indexChange    prometheus.Gauge
}

func newCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      name,
		Help:      help,
	})
}

func newGauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: promNamespace,
		Name:      name,
		Help:      help,
	})
}

func NewPrometheus() *Prometheus {
	p := &Prometheus{
		registry:       prometheus.NewRegistry(),
		framesReceived: newCounter("feed_frames_received_total", "Total number of feed frames received."),
		framesDropped:  newCounter("feed_frames_dropped_total", "Total number of feed frames dropped as undecodable or out of universe."),
		ticksHandled:   newCounter("ticks_handled_total", "Total number of canonical ticks applied to the market state."),
		storeErrors:    newCounter("store_errors_total", "Total number of ticks dropped on a market state error."),
		etfSignals:     newCounter("etf_signals_total", "Total number of ETF signals emitted."),
		futuresSignals: newCounter("futures_signals_total", "Total number of futures signals emitted."),
		signalsDropped: newCounter("signals_dropped_total", "Total number of signals dropped by a full sink."),
		reconnects:     newCounter("feed_reconnects_total", "Total number of feed reconnect attempts."),
		feedStatus:     newGauge("feed_status", "Current feed lifecycle status."),
		indexValue:     newGauge("index_value", "Last index value received from the feed."),
		indexChange:    newGauge("index_price_change", "Weighted index move over the last decomposition interval."),
	}
	p.registry.MustRegister(
		p.framesReceived, p.framesDropped, p.ticksHandled, p.storeErrors,
		p.etfSignals, p.futuresSignals, p.signalsDropped, p.reconnects,
		p.feedStatus, p.indexValue, p.indexChange,
	)
	p.Metrics = &Metrics{
		FramesReceived: p.framesReceived,
		FramesDropped:  p.framesDropped,
		TicksHandled:   p.ticksHandled,
		StoreErrors:    p.storeErrors,
		ETFSignals:     p.etfSignals,
		FuturesSignals: p.futuresSignals,
		SignalsDropped: p.signalsDropped,
		Reconnects:     p.reconnects,
		FeedStatus:     p.feedStatus,
		IndexValue:     p.indexValue,
		IndexChange:    p.indexChange,
	}
	return p
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
