package metrics

type Counter interface {
	Inc()
}

type Gauge interface {
	Set(float64)
}

type Metrics struct {
	FramesReceived Counter
	FramesDropped  Counter
	TicksHandled   Counter
	StoreErrors    Counter
	ETFSignals     Counter
	FuturesSignals Counter
	SignalsDropped Counter
	Reconnects     Counter

	FeedStatus  Gauge
	IndexValue  Gauge
	IndexChange Gauge
}

type noopCounter struct{}

func (noopCounter) Inc() {}

type noopGauge struct{}

func (noopGauge) Set(float64) {}

func NewNoop() *Metrics {
	n := noopCounter{}
	g := noopGauge{}
	return &Metrics{
		FramesReceived: n,
		FramesDropped:  n,
		TicksHandled:   n,
		StoreErrors:    n,
		ETFSignals:     n,
		FuturesSignals: n,
		SignalsDropped: n,
		Reconnects:     n,
		FeedStatus:     g,
		IndexValue:     g,
		IndexChange:    g,
	}
}
