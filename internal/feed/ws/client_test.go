package ws

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func fastOptions(maxReconnects int) Options {
	return Options{
		Backoff:       Backoff{Min: 5 * time.Millisecond, Max: 20 * time.Millisecond, Factor: 2},
		MaxReconnects: maxReconnects,
	}
}

func TestClientResubscribesAfterReconnect(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var connections atomic.Int32
	subs := make(chan string, 8)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept ws: %v", err)
			return
		}
		n := connections.Add(1)
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		subs <- string(data)
		_ = conn.Write(ctx, websocket.MessageText, []byte("frame"))
		if n == 1 {
			_ = conn.Close(websocket.StatusGoingAway, "restart")
			return
		}
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	client := New(wsURL(server), fastOptions(3), zap.NewNop())
	if err := client.Subscribe(ctx, map[string]any{"type": "sub", "topic": "quotes"}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	var dials atomic.Int32
	client.Observe(Hooks{Dialing: func(int) { dials.Add(1) }})

	frames := make(chan string, 8)
	runCtx, runCancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- client.Run(runCtx, func(b []byte) { frames <- string(b) })
	}()

	for i := 0; i < 2; i++ {
		select {
		case sub := <-subs:
			if !strings.Contains(sub, `"topic":"quotes"`) {
				t.Fatalf("unexpected subscription %s", sub)
			}
		case <-ctx.Done():
			t.Fatalf("timed out waiting for subscription %d", i+1)
		}
		select {
		case <-frames:
		case <-ctx.Done():
			t.Fatalf("timed out waiting for frame %d", i+1)
		}
	}
	runCancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if dials.Load() < 2 {
		t.Fatalf("expected a reconnect, got %d dials", dials.Load())
	}
}

func TestClientGivesUpAfterMaxReconnects(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	var disconnects atomic.Int32
	client := New(wsURL(server), fastOptions(2), zap.NewNop())
	client.Observe(Hooks{Disconnected: func(error) { disconnects.Add(1) }})
	err := client.Run(ctx, nil)
	if !errors.Is(err, ErrReconnectsExhausted) {
		t.Fatalf("expected ErrReconnectsExhausted, got %v", err)
	}
	if disconnects.Load() != 3 {
		t.Fatalf("expected 3 failed attempts, got %d", disconnects.Load())
	}
}

func TestBackoffGrowsToMax(t *testing.T) {
	b := Backoff{Min: 100 * time.Millisecond, Max: time.Second, Factor: 2}
	if got := b.Next(1); got != 100*time.Millisecond {
		t.Fatalf("expected min on first attempt, got %v", got)
	}
	if got := b.Next(3); got != 400*time.Millisecond {
		t.Fatalf("expected 400ms on third attempt, got %v", got)
	}
	if got := b.Next(10); got != time.Second {
		t.Fatalf("expected cap at max, got %v", got)
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	b := Backoff{Min: time.Second, Max: time.Second, Factor: 2, Jitter: 0.2}
	for i := 0; i < 50; i++ {
		got := b.Next(1)
		if got < 800*time.Millisecond || got > 1200*time.Millisecond {
			t.Fatalf("jittered delay %v out of bounds", got)
		}
	}
}
