// Package display streams emitted signals to display-layer clients over
// websocket. Clients pick the encoding with the websocket subprotocol:
// "json" (default) or "msgpack".
package display

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"arb-signal-engine/internal/metrics"
	"arb-signal-engine/internal/signal"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

const (
	ProtocolJSON    = "json"
	ProtocolMsgpack = "msgpack"

	clientBuffer = 256
	writeTimeout = 5 * time.Second
)

// Frame is the wire form of one signal.
type Frame struct {
	Stream string            `json:"stream" msgpack:"stream"`
	At     int64             `json:"at" msgpack:"at"`
	Data   map[string]string `json:"data" msgpack:"data"`
}

func NewFrame(s signal.Signal) Frame {
	return Frame{Stream: string(s.Kind), At: s.At.UnixMilli(), Data: s.Payload()}
}

type client struct {
	protocol string
	send     chan []byte
}

// Hub fans signals out to every connected client. A client whose buffer is
// full misses signals rather than stalling the engine.
type Hub struct {
	log     *zap.Logger
	metrics *metrics.Metrics
	origins []string

	mu      sync.RWMutex
	clients map[*client]struct{}
}

// NewHub accepts clients from the hub's own host and from hosts matching
// originPatterns.
func NewHub(originPatterns []string, m *metrics.Metrics, log *zap.Logger) *Hub {
	if m == nil {
		m = metrics.NewNoop()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{log: log, metrics: m, origins: originPatterns, clients: make(map[*client]struct{})}
}

func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) Publish(_ context.Context, s signal.Signal) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.clients) == 0 {
		return
	}
	frame := NewFrame(s)
	encoded := make(map[string][]byte, 2)
	for c := range h.clients {
		data, ok := encoded[c.protocol]
		if !ok {
			var err error
			data, err = encode(c.protocol, frame)
			if err != nil {
				h.log.Warn("display encode failed", zap.String("protocol", c.protocol), zap.Error(err))
				h.metrics.SignalsDropped.Inc()
				continue
			}
			encoded[c.protocol] = data
		}
		select {
		case c.send <- data:
		default:
			h.metrics.SignalsDropped.Inc()
		}
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{ProtocolJSON, ProtocolMsgpack},
		OriginPatterns: h.origins,
	})
	if err != nil {
		h.log.Warn("display accept failed", zap.Error(err))
		return
	}
	c := &client{protocol: conn.Subprotocol(), send: make(chan []byte, clientBuffer)}
	if c.protocol == "" {
		c.protocol = ProtocolJSON
	}
	h.add(c)
	defer h.remove(c)
	h.log.Info("display client connected", zap.String("remote", r.RemoteAddr), zap.String("protocol", c.protocol))

	// Clients only listen; CloseRead handles their control frames and
	// cancels ctx once they go away.
	ctx := conn.CloseRead(r.Context())
	msgType := websocket.MessageText
	if c.protocol == ProtocolMsgpack {
		msgType = websocket.MessageBinary
	}
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			h.log.Info("display client disconnected", zap.String("remote", r.RemoteAddr))
			return
		case data := <-c.send:
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(writeCtx, msgType, data)
			cancel()
			if err != nil {
				h.log.Info("display client write failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
				_ = conn.Close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

var encode = encodeFrame

func encodeFrame(protocol string, frame Frame) ([]byte, error) {
	if protocol == ProtocolMsgpack {
		return encodeMsgpack(frame)
	}
	return json.Marshal(frame)
}
