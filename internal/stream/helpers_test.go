package stream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/skypro1111/wav-stream-converter/internal/audio"
	"github.com/skypro1111/wav-stream-converter/internal/sink"
	"github.com/skypro1111/wav-stream-converter/internal/transport"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testWAV builds a mono 8 kHz WAV file of exactly size bytes
func testWAV(t *testing.T, size int) []byte {
	t.Helper()
	samples := make([]int16, (size-audio.CanonicalHeaderSize)/2)
	for i := range samples {
		samples[i] = int16(i % 512)
	}
	data, err := audio.EncodeWAV(samples, 8000, 1)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}
	if len(data) != size {
		t.Fatalf("Expected %d byte WAV, got %d", size, len(data))
	}
	return data
}

type serverMode int

const (
	modeEcho serverMode = iota
	modeSilent
	modeAbort
	modeDeclared // echoes and closes once the RIFF-declared length arrived
)

// fakeServer plays the remote transcoder over in-memory pipes: it echoes
// frames back and closes its direction once the client closed.
type fakeServer struct {
	mode serverMode

	mu       sync.Mutex
	channels []*transport.PipeEnd
	frames   [][]int
	closedAt []int // frames received when the client half-closed, -1 if never
	bytes    []int64
}

func (f *fakeServer) newChannel() transport.Channel {
	client, server := transport.Pipe(0)

	f.mu.Lock()
	idx := len(f.channels)
	f.channels = append(f.channels, server)
	f.frames = append(f.frames, nil)
	f.closedAt = append(f.closedAt, -1)
	f.bytes = append(f.bytes, 0)
	f.mu.Unlock()

	var declared int64

	ctx := context.Background()
	server.Subscribe(func(ev transport.Event) {
		switch {
		case ev.Kind == transport.EventFrame:
			f.mu.Lock()
			f.frames[idx] = append(f.frames[idx], len(ev.Frame))
			f.bytes[idx] += int64(len(ev.Frame))
			received := f.bytes[idx]
			f.mu.Unlock()
			switch f.mode {
			case modeEcho:
				server.Send(ctx, ev.Frame)
			case modeDeclared:
				if declared == 0 {
					declared, _ = audio.StreamLength(ev.Frame)
				}
				server.Send(ctx, ev.Frame)
				if declared > 0 && received == declared {
					server.CloseSend(ctx)
				}
			case modeAbort:
				server.Abort(&transport.AbortError{Code: transport.CodeInternal, Err: errors.New("transcoder exited")})
			}
		case ev.Kind == transport.EventState && ev.State == transport.StateClosing:
			f.mu.Lock()
			f.closedAt[idx] = len(f.frames[idx])
			f.mu.Unlock()
			if f.mode == modeEcho {
				server.CloseSend(ctx)
			}
		}
	})
	server.Start(ctx)
	return client
}

func (f *fakeServer) received(idx int) ([]int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.frames[idx]...), f.closedAt[idx]
}

func (f *fakeServer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.channels)
}

// bufferCloser collects pipe sink output
type bufferCloser struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

func (b *bufferCloser) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *bufferCloser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *bufferCloser) snapshot() ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bytes.Clone(b.buf.Bytes()), b.closed
}

// scriptedSink completes appends on its own goroutine and can reject one
type scriptedSink struct {
	rejectAt int
	delay    time.Duration
	hold     chan struct{} // completions wait for it when set

	mu       sync.Mutex
	notify   sink.Notify
	appended int
	written  int64
	eos      int
	detached bool
}

func (s *scriptedSink) Start(notify sink.Notify) {
	s.mu.Lock()
	s.notify = notify
	s.mu.Unlock()
}

func (s *scriptedSink) Append(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.detached {
		return sink.ErrDetached
	}
	s.appended++
	if s.appended == s.rejectAt {
		return errors.New("sink in invalid state")
	}
	s.written += int64(len(frame))
	written, notify, hold := s.written, s.notify, s.hold
	go func() {
		if hold != nil {
			<-hold
		}
		time.Sleep(s.delay)
		notify(written, nil)
	}()
	return nil
}

func (s *scriptedSink) EndOfStream() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eos++
	return nil
}

func (s *scriptedSink) Detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detached = true
}

func (s *scriptedSink) Written() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

func (s *scriptedSink) Describe() string { return "scripted" }

func (s *scriptedSink) stats() (appended, eos int, detached bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appended, s.eos, s.detached
}

func waitSession(t *testing.T, s *Session) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("session did not finish")
	}
	return err
}
