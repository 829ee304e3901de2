package transport

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func startPair(t *testing.T, maxPending int) (*PipeEnd, *PipeEnd, *recorder, *recorder) {
	t.Helper()
	a, b := Pipe(maxPending)
	recA, recB := newRecorder(), newRecorder()
	a.Subscribe(recA.handle)
	b.Subscribe(recB.handle)
	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("start a: %v", err)
	}
	if err := b.Start(ctx); err != nil {
		t.Fatalf("start b: %v", err)
	}
	return a, b, recA, recB
}

func TestPipePreservesOrder(t *testing.T) {
	a, b, _, recB := startPair(t, 0)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		if err := a.Send(ctx, []byte(fmt.Sprintf("frame-%03d", i))); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	if err := a.CloseSend(ctx); err != nil {
		t.Fatalf("CloseSend: %v", err)
	}
	if err := b.CloseSend(ctx); err != nil {
		t.Fatalf("peer CloseSend: %v", err)
	}
	recB.wait(t)

	frames := recB.frames()
	if len(frames) != 100 {
		t.Fatalf("Expected 100 frames, got %d", len(frames))
	}
	for i, f := range frames {
		if want := fmt.Sprintf("frame-%03d", i); string(f) != want {
			t.Fatalf("frame %d = %q, want %q", i, f, want)
		}
	}
	if a.State() != StateClosed || b.State() != StateClosed {
		t.Errorf("Expected both ends closed, got %v / %v", a.State(), b.State())
	}
	if stats := a.Stats(); stats.FramesSent != 100 {
		t.Errorf("Expected 100 frames sent, got %d", stats.FramesSent)
	}
}

func TestPipeHalfClose(t *testing.T) {
	a, b, recA, recB := startPair(t, 0)
	ctx := context.Background()

	if err := a.CloseSend(ctx); err != nil {
		t.Fatalf("CloseSend: %v", err)
	}
	if a.State() != StateClosing || b.State() != StateClosing {
		t.Fatalf("Expected both ends closing, got %v / %v", a.State(), b.State())
	}
	if err := a.Send(ctx, []byte("x")); !errors.Is(err, ErrNotOpen) {
		t.Errorf("Send after CloseSend: expected ErrNotOpen, got %v", err)
	}

	// The remote direction stays writable
	if err := b.Send(ctx, []byte("reply")); err != nil {
		t.Fatalf("peer Send after remote close: %v", err)
	}
	if err := b.CloseSend(ctx); err != nil {
		t.Fatalf("peer CloseSend: %v", err)
	}
	recA.wait(t)
	recB.wait(t)

	if got := recA.frames(); len(got) != 1 || string(got[0]) != "reply" {
		t.Errorf("Expected reply frame, got %q", got)
	}
	want := []State{StateOpen, StateClosing, StateClosed}
	got := recA.states()
	if len(got) != len(want) {
		t.Fatalf("states = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("state %d = %v, want %v", i, got[i], want[i])
		}
	}
	if a.Err() != nil {
		t.Errorf("clean close should leave Err nil, got %v", a.Err())
	}
}

func TestPipeAbortFailsPeer(t *testing.T) {
	a, b, recA, recB := startPair(t, 0)

	a.Abort(&AbortError{Code: CodeUnsupportedData, Err: ErrProtocol})
	recA.wait(t)
	recB.wait(t)

	if b.State() != StateFailed {
		t.Fatalf("Expected peer failed, got %v", b.State())
	}
	if !errors.Is(b.Err(), ErrRemoteClosed) {
		t.Errorf("Expected ErrRemoteClosed, got %v", b.Err())
	}
	if code := CloseCodeOf(b.Err()); code != CodeUnsupportedData {
		t.Errorf("Expected close code %d, got %d", CodeUnsupportedData, code)
	}
	if err := b.Send(context.Background(), []byte("x")); !errors.Is(err, ErrNotOpen) {
		t.Errorf("Send on failed channel: expected ErrNotOpen, got %v", err)
	}
}

func TestPipeSendWaitsForOpen(t *testing.T) {
	a, b := Pipe(0)
	recB := newRecorder()
	b.Subscribe(recB.handle)
	b.Start(context.Background())

	sent := make(chan error, 1)
	go func() {
		sent <- a.Send(context.Background(), []byte("hello"))
	}()

	select {
	case err := <-sent:
		t.Fatalf("Send returned before the channel was open: %v", err)
	case <-time.After(30 * time.Millisecond):
	}

	a.Start(context.Background())
	if err := <-sent; err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	a.Close()
	recB.wait(t)
	if got := recB.frames(); len(got) != 1 {
		t.Errorf("Expected 1 frame, got %d", len(got))
	}
}

func TestPipeBackpressure(t *testing.T) {
	a, b := Pipe(1)
	release := make(chan struct{})
	received := make(chan []byte, 10)
	b.Subscribe(func(ev Event) {
		if ev.Kind == EventFrame {
			<-release
			received <- ev.Frame
		}
	})
	ctx := context.Background()
	a.Start(ctx)
	b.Start(ctx)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 4; i++ {
			a.Send(ctx, []byte{byte(i)})
		}
	}()

	select {
	case <-done:
		t.Fatal("sender should block while the subscriber is stalled")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	<-done
	for i := 0; i < 4; i++ {
		if f := <-received; f[0] != byte(i) {
			t.Fatalf("frame %d out of order: %v", i, f)
		}
	}
	a.Close()
}

func TestPipeCloseIsIdempotent(t *testing.T) {
	a, b, recA, _ := startPair(t, 0)
	a.Close()
	a.Close()
	b.Close()
	recA.wait(t)
	if n := recA.terminalCount(); n != 1 {
		t.Errorf("terminal delivered %d times", n)
	}
	if !errors.Is(a.Err(), ErrAborted) {
		t.Errorf("Expected ErrAborted, got %v", a.Err())
	}
}
