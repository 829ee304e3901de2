package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestServer serves one Channel per connection and hands it to setup
// before it starts.
func newTestServer(t *testing.T, cfg Config, setup func(*WebSocket)) string {
	t.Helper()
	upgrader := &websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ch, err := Accept(w, r, upgrader, cfg, testLogger())
		if err != nil {
			return
		}
		setup(ch)
		if err := ch.Start(r.Context()); err != nil {
			return
		}
		<-ch.Done()
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func echo(ch *WebSocket) {
	ch.Subscribe(func(ev Event) {
		switch {
		case ev.Kind == EventFrame:
			ch.Send(context.Background(), ev.Frame)
		case ev.Kind == EventState && ev.State == StateClosing:
			ch.CloseSend(context.Background())
		}
	})
}

func TestWebSocketEchoAndCleanClose(t *testing.T) {
	url := newTestServer(t, Config{}, echo)

	client := NewClient(url, Config{HandshakeTimeout: time.Second}, testLogger())
	rec := newRecorder()
	client.Subscribe(rec.handle)

	ctx := context.Background()
	if err := client.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	for i := 0; i < 20; i++ {
		if err := client.Send(ctx, []byte(fmt.Sprintf("chunk-%02d", i))); err != nil {
			t.Fatalf("Send %d failed: %v", i, err)
		}
	}
	if err := client.CloseSend(ctx); err != nil {
		t.Fatalf("CloseSend failed: %v", err)
	}
	rec.wait(t)

	if client.State() != StateClosed {
		t.Fatalf("Expected closed, got %v (err %v)", client.State(), client.Err())
	}
	frames := rec.frames()
	if len(frames) != 20 {
		t.Fatalf("Expected 20 echoed frames, got %d", len(frames))
	}
	for i, f := range frames {
		if want := fmt.Sprintf("chunk-%02d", i); string(f) != want {
			t.Errorf("frame %d = %q, want %q", i, f, want)
		}
	}
	stats := client.Stats()
	if stats.FramesSent != 20 || stats.FramesReceived != 20 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if err := client.Send(ctx, []byte("late")); !errors.Is(err, ErrNotOpen) {
		t.Errorf("Send after close: expected ErrNotOpen, got %v", err)
	}
	if n := rec.terminalCount(); n != 1 {
		t.Errorf("terminal event delivered %d times", n)
	}
}

func TestWebSocketServerAbortCode(t *testing.T) {
	url := newTestServer(t, Config{}, func(ch *WebSocket) {
		ch.Subscribe(func(ev Event) {
			if ev.Kind == EventFrame {
				ch.Abort(&AbortError{Code: CodeInternal, Err: errors.New("encoder exited")})
			}
		})
	})

	client := NewClient(url, Config{}, testLogger())
	rec := newRecorder()
	client.Subscribe(rec.handle)
	ctx := context.Background()
	if err := client.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := client.Send(ctx, []byte("x")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	rec.wait(t)

	if client.State() != StateFailed {
		t.Fatalf("Expected failed, got %v", client.State())
	}
	if !errors.Is(client.Err(), ErrRemoteClosed) {
		t.Errorf("Expected ErrRemoteClosed, got %v", client.Err())
	}
	if code := CloseCodeOf(client.Err()); code != CodeInternal {
		t.Errorf("Expected close code %d, got %d", CodeInternal, code)
	}
}

func TestWebSocketRejectsTextMessages(t *testing.T) {
	result := make(chan error, 1)
	url := newTestServer(t, Config{}, func(ch *WebSocket) {
		ch.Subscribe(func(ev Event) {
			if ev.Terminal() {
				result <- ev.Err
			}
		})
	})

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()
	if err := conn.WriteMessage(websocket.TextMessage, []byte("hello")); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}

	select {
	case err := <-result:
		if !errors.Is(err, ErrProtocol) {
			t.Errorf("Expected ErrProtocol, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server channel never failed")
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) || ce.Code != CodeUnsupportedData {
		t.Errorf("Expected close %d, got %v", CodeUnsupportedData, err)
	}
}

func TestWebSocketReadLimit(t *testing.T) {
	url := newTestServer(t, Config{ReadLimit: 16}, func(ch *WebSocket) {})

	client := NewClient(url, Config{}, testLogger())
	rec := newRecorder()
	client.Subscribe(rec.handle)
	ctx := context.Background()
	if err := client.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	client.Send(ctx, make([]byte, 64))
	rec.wait(t)

	if code := CloseCodeOf(client.Err()); code != CodeTooBig {
		t.Errorf("Expected close code %d, got %d (%v)", CodeTooBig, code, client.Err())
	}
}

func TestWebSocketDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	client := NewClient(url, Config{HandshakeTimeout: time.Second}, testLogger())
	if err := client.Start(context.Background()); err == nil {
		t.Fatal("Expected dial error")
	}
	if client.State() != StateFailed {
		t.Errorf("Expected failed, got %v", client.State())
	}
	if err := client.Send(context.Background(), []byte("x")); !errors.Is(err, ErrNotOpen) {
		t.Errorf("Expected ErrNotOpen, got %v", err)
	}
}
