// Package ws is the websocket transport shared by the feed adapters: it dials,
// replays subscriptions on every connection and reconnects with backoff.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

var ErrReconnectsExhausted = errors.New("ws: reconnect attempts exhausted")

const readLimit = 1 << 20

type Options struct {
	Backoff Backoff
	// MaxReconnects bounds consecutive failed connections; 0 retries forever.
	MaxReconnects int
	PingInterval  time.Duration
}

// Hooks observe the connection lifecycle. Any of them may be nil.
type Hooks struct {
	Dialing      func(attempt int)
	Subscribed   func()
	Disconnected func(err error)
}

type Client struct {
	url  string
	opts Options
	log  *zap.Logger

	mu    sync.Mutex
	conn  *websocket.Conn
	subs  []any
	hooks Hooks
}

func New(url string, opts Options, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{url: url, opts: opts, log: log}
}

func (c *Client) Observe(h Hooks) {
	c.mu.Lock()
	c.hooks = h
	c.mu.Unlock()
}

func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}
	conn, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		return err
	}
	conn.SetReadLimit(readLimit)
	c.conn = conn
	return nil
}

// Subscribe records sub so it is replayed after every reconnect and sends it
// right away when a connection is open.
func (c *Client) Subscribe(ctx context.Context, sub any) error {
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return writeJSON(ctx, conn, sub)
}

// Run reads frames until ctx is done or reconnects are exhausted. handler is
// called from the read goroutine only.
func (c *Client) Run(ctx context.Context, handler func([]byte)) error {
	failures := 0
	for {
		c.currentHooks().dialing(failures + 1)
		received, err := c.session(ctx, handler)
		c.resetConn()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logReadLoopError(err)
		c.currentHooks().disconnected(err)
		if received {
			failures = 0
		}
		failures++
		if c.opts.MaxReconnects > 0 && failures > c.opts.MaxReconnects {
			return fmt.Errorf("%w after %d attempts: %v", ErrReconnectsExhausted, failures, err)
		}
		wait := c.opts.Backoff.Next(failures)
		c.log.Info("ws reconnecting", zap.Int("attempt", failures), zap.Duration("wait", wait))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// session runs one connection. received reports whether any frame arrived.
func (c *Client) session(ctx context.Context, handler func([]byte)) (bool, error) {
	if err := c.ensureConnected(ctx); err != nil {
		return false, err
	}
	c.currentHooks().subscribed()
	pingCtx, cancel := context.WithCancel(ctx)
	pingDone := make(chan struct{})
	go func() {
		defer close(pingDone)
		c.pingLoop(pingCtx)
	}()
	received, err := c.readLoop(ctx, handler)
	cancel()
	<-pingDone
	return received, err
}

func (c *Client) ensureConnected(ctx context.Context) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	subs := append([]any(nil), c.subs...)
	c.mu.Unlock()
	for _, sub := range subs {
		if err := writeJSON(ctx, conn, sub); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context, handler func([]byte)) (bool, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return false, errors.New("ws not connected")
	}
	received := false
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return received, err
		}
		received = true
		if handler != nil {
			handler(data)
		}
	}
}

func (c *Client) pingLoop(ctx context.Context) {
	c.mu.Lock()
	conn := c.conn
	interval := c.opts.PingInterval
	c.mu.Unlock()
	if conn == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, interval)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					c.log.Warn("ws ping failed", zap.Error(err))
					_ = conn.Close(websocket.StatusGoingAway, "ping timeout")
				}
				return
			}
		}
	}
}

func (c *Client) logReadLoopError(err error) {
	status := websocket.CloseStatus(err)
	if status == websocket.StatusNormalClosure {
		var closeErr websocket.CloseError
		if errors.As(err, &closeErr) {
			c.log.Info("ws read loop ended", zap.Int("status", int(closeErr.Code)), zap.String("reason", closeErr.Reason))
			return
		}
		c.log.Info("ws read loop ended", zap.Error(err))
		return
	}
	c.log.Warn("ws read loop ended", zap.Error(err))
}

func (c *Client) resetConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "reset")
		c.conn = nil
	}
}

func (c *Client) currentHooks() Hooks {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hooks
}

func (h Hooks) dialing(attempt int) {
	if h.Dialing != nil {
		h.Dialing(attempt)
	}
}

func (h Hooks) subscribed() {
	if h.Subscribed != nil {
		h.Subscribed()
	}
}

func (h Hooks) disconnected(err error) {
	if h.Disconnected != nil {
		h.Disconnected(err)
	}
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
