package feed

import "sync"

type Status string

type Event string

const (
	StatusDisconnected Status = "DISCONNECTED"
	StatusConnecting   Status = "CONNECTING"
	StatusSubscribed   Status = "SUBSCRIBED"
	StatusStreaming    Status = "STREAMING"
	StatusClosed       Status = "CLOSED"
	StatusFaulted      Status = "FAULTED"
)

const (
	EventDial       Event = "DIAL"
	EventSubscribed Event = "SUBSCRIBED"
	EventFrame      Event = "FRAME"
	EventFault      Event = "FAULT"
	EventClose      Event = "CLOSE"
)

// Gauge value of each status, exported as the feed_status metric.
var statusLevels = map[Status]float64{
	StatusDisconnected: 0,
	StatusConnecting:   1,
	StatusSubscribed:   2,
	StatusStreaming:    3,
	StatusClosed:       4,
	StatusFaulted:      5,
}

func (s Status) Level() float64 {
	return statusLevels[s]
}

// Lifecycle tracks an adapter's connection state. Closed is terminal; a
// Faulted adapter may dial again.
type Lifecycle struct {
	mu     sync.Mutex
	status Status
}

func NewLifecycle() *Lifecycle {
	return &Lifecycle{status: StatusDisconnected}
}

func (l *Lifecycle) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

// Apply moves to the next status and reports whether it changed.
func (l *Lifecycle) Apply(event Event) (Status, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	next := nextStatus(l.status, event)
	changed := next != l.status
	l.status = next
	return next, changed
}

func nextStatus(current Status, event Event) Status {
	if event == EventClose && current != StatusClosed {
		return StatusClosed
	}
	switch current {
	case StatusDisconnected, StatusFaulted:
		if event == EventDial {
			return StatusConnecting
		}
	case StatusConnecting:
		if event == EventSubscribed {
			return StatusSubscribed
		}
		if event == EventFault {
			return StatusFaulted
		}
	case StatusSubscribed:
		if event == EventFrame {
			return StatusStreaming
		}
		if event == EventFault {
			return StatusFaulted
		}
	case StatusStreaming:
		if event == EventFault {
			return StatusFaulted
		}
	}
	return current
}
