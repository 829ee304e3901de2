package transcode

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/skypro1111/wav-stream-converter/internal/audio"
	"github.com/skypro1111/wav-stream-converter/internal/config"
	"github.com/skypro1111/wav-stream-converter/internal/metrics"
	"github.com/skypro1111/wav-stream-converter/internal/transport"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testMetrics() *metrics.Metrics {
	return metrics.NewMetrics(prometheus.NewRegistry())
}

var echo = Func{Label: "echo", Fn: func(ctx context.Context, in io.Reader, out io.Writer) error {
	_, err := io.Copy(out, in)
	return err
}}

func testWAV(t *testing.T, samples int) []byte {
	t.Helper()
	pcm := make([]int16, samples)
	for i := range pcm {
		pcm[i] = int16((i * 37) % 2000)
	}
	data, err := audio.EncodeWAV(pcm, 16000, 1)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}
	return data
}

// client is the test side of a conversion channel
type client struct {
	ch       *transport.PipeEnd
	finished chan struct{}

	mu  sync.Mutex
	out bytes.Buffer
}

func newClient(t *testing.T) (*client, *transport.PipeEnd) {
	t.Helper()
	local, remote := transport.Pipe(0)
	c := &client{ch: local, finished: make(chan struct{})}
	local.Subscribe(func(ev transport.Event) {
		if ev.Kind == transport.EventFrame {
			c.mu.Lock()
			c.out.Write(ev.Frame)
			c.mu.Unlock()
		}
		if ev.Terminal() {
			close(c.finished)
		}
	})
	if err := local.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return c, remote
}

// send writes data in frameSize pieces and half-closes. Errors after the
// server aborted are expected and ignored.
func (c *client) send(data []byte, frameSize int) {
	ctx := context.Background()
	for len(data) > 0 {
		n := min(frameSize, len(data))
		if err := c.ch.Send(ctx, data[:n]); err != nil {
			return
		}
		data = data[n:]
	}
	c.ch.CloseSend(ctx)
}

func (c *client) output() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return bytes.Clone(c.out.Bytes())
}

func (c *client) wait(t *testing.T) {
	t.Helper()
	select {
	case <-c.finished:
	case <-time.After(5 * time.Second):
		t.Fatal("client channel never finished")
	}
}

func runConversion(t *testing.T, tc Transcoder, opts Options, input []byte, frameSize int) (*client, *Conversion, error) {
	t.Helper()
	c, remote := newClient(t)
	conv := NewConversion("test", remote, tc, opts, testMetrics(), testLogger())

	errCh := make(chan error, 1)
	go func() { errCh <- conv.Run(context.Background()) }()
	go c.send(input, frameSize)

	select {
	case err := <-errCh:
		c.wait(t)
		return c, conv, err
	case <-time.After(5 * time.Second):
		t.Fatal("conversion did not finish")
		return nil, nil, nil
	}
}

func TestConversionStreamsOutputAndCloses(t *testing.T) {
	input := testWAV(t, 20000)
	c, conv, err := runConversion(t, echo, Options{ReadBufferSize: 1024}, input, 4096)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if !bytes.Equal(c.output(), input) {
		t.Errorf("Expected %d output bytes equal to the input, got %d", len(input), len(c.output()))
	}
	if c.ch.State() != transport.StateClosed {
		t.Errorf("Expected client channel closed, got %v (%v)", c.ch.State(), c.ch.Err())
	}

	info := conv.Info()
	if info.State != StateFinished || info.CloseCode != transport.CodeNormal {
		t.Errorf("unexpected info %+v", info)
	}
	if info.BytesIn != int64(len(input)) || info.FramesIn != uint64(audio.FrameCount(int64(len(input)), 4096)) {
		t.Errorf("Expected %d bytes in, got %d in %d frames", len(input), info.BytesIn, info.FramesIn)
	}
}

func TestConversionHeaderSplitAcrossFrames(t *testing.T) {
	input := testWAV(t, 500)
	c, _, err := runConversion(t, echo, Options{}, input, 5)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !bytes.Equal(c.output(), input) {
		t.Errorf("Expected the buffered header to be forwarded intact")
	}
}

func TestConversionEndsAtDeclaredLength(t *testing.T) {
	input := testWAV(t, 6000)
	c, remote := newClient(t)
	conv := NewConversion("open", remote, echo, Options{ReadBufferSize: 1024}, testMetrics(), testLogger())

	errCh := make(chan error, 1)
	go func() { errCh <- conv.Run(context.Background()) }()

	// The client keeps its direction open after the last frame
	ctx := context.Background()
	for data := input; len(data) > 0; {
		n := min(4096, len(data))
		if err := c.ch.Send(ctx, data[:n]); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
		data = data[n:]
	}

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("conversion did not finish without a client close")
	}

	// The server's close arrives after every output frame
	deadline := time.Now().Add(5 * time.Second)
	for c.ch.State() != transport.StateClosing && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if c.ch.State() != transport.StateClosing {
		t.Fatalf("Expected client channel closing, got %v", c.ch.State())
	}
	if err := c.ch.CloseSend(ctx); err != nil {
		t.Fatalf("CloseSend failed: %v", err)
	}
	c.wait(t)

	if !bytes.Equal(c.output(), input) {
		t.Errorf("Expected %d output bytes equal to the input, got %d", len(input), len(c.output()))
	}
	if info := conv.Info(); info.State != StateFinished {
		t.Errorf("Expected finished conversion, got %+v", info)
	}
}

func TestConversionDropsBytesPastDeclaredLength(t *testing.T) {
	input := testWAV(t, 2000)
	padded := append(bytes.Clone(input), []byte("trailing junk")...)

	c, _, err := runConversion(t, echo, Options{}, padded, 1000)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !bytes.Equal(c.output(), input) {
		t.Errorf("Expected only the %d declared bytes forwarded, got %d", len(input), len(c.output()))
	}
}

func TestConversionFailures(t *testing.T) {
	failing := Func{Label: "failing", Fn: func(ctx context.Context, in io.Reader, out io.Writer) error {
		io.CopyN(io.Discard, in, 100)
		return errors.New("exit status 1")
	}}

	tests := []struct {
		name  string
		tc    Transcoder
		opts  Options
		input []byte
		want  error
		code  int
	}{
		{"not a wav", echo, Options{}, []byte("this is certainly not a RIFF stream"), ErrInvalidInput, transport.CodeUnsupportedData},
		{"truncated header", echo, Options{}, []byte("RIFF"), ErrInvalidInput, transport.CodeUnsupportedData},
		{"empty input", echo, Options{}, nil, ErrInvalidInput, transport.CodeUnsupportedData},
		{"input too large", echo, Options{MaxInputBytes: 1000}, testWAV(t, 4000), ErrInputTooLarge, transport.CodeTooBig},
		{"transcoder exits", failing, Options{}, testWAV(t, 40000), ErrTranscoder, transport.CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, conv, err := runConversion(t, tt.tc, tt.opts, tt.input, 1024)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Expected %v, got %v", tt.want, err)
			}
			if c.ch.State() != transport.StateFailed {
				t.Fatalf("Expected client channel failed, got %v", c.ch.State())
			}
			if code := transport.CloseCodeOf(c.ch.Err()); code != tt.code {
				t.Errorf("Expected close code %d, got %d", tt.code, code)
			}
			if info := conv.Info(); info.State != StateFailed || info.CloseCode != tt.code {
				t.Errorf("unexpected info %+v", info)
			}
		})
	}
}

func TestConversionClientAbort(t *testing.T) {
	c, remote := newClient(t)
	conv := NewConversion("abort", remote, echo, Options{}, testMetrics(), testLogger())

	errCh := make(chan error, 1)
	go func() { errCh <- conv.Run(context.Background()) }()

	c.ch.Send(context.Background(), testWAV(t, 100))
	c.ch.Abort(errors.New("user quit"))

	select {
	case err := <-errCh:
		if !errors.Is(err, transport.ErrRemoteClosed) {
			t.Errorf("Expected the client abort to surface, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("conversion did not finish")
	}
}

func TestConversionMetrics(t *testing.T) {
	m := testMetrics()
	c, remote := newClient(t)
	conv := NewConversion("metrics", remote, echo, Options{}, m, testLogger())

	input := testWAV(t, 3000)
	go c.send(input, 2048)
	if err := conv.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if got := testutil.ToFloat64(m.ConversionsFinished); got != 1 {
		t.Errorf("Expected 1 finished conversion, got %v", got)
	}
	if got := testutil.ToFloat64(m.BytesReceived); got != float64(len(input)) {
		t.Errorf("Expected %d bytes received, got %v", len(input), got)
	}
	if got := testutil.ToFloat64(m.ActiveConversions); got != 0 {
		t.Errorf("Expected no active conversions, got %v", got)
	}
}

func TestFFmpegArgs(t *testing.T) {
	cfg := config.Default().Transcode
	aac := NewFFmpeg(cfg, testLogger()).Args()
	for _, want := range []string{"aac", "128k", "frag_keyframe+empty_moov+default_base_moof", "500000", "pipe:0", "pipe:1"} {
		if !containsArg(aac, want) {
			t.Errorf("aac args %v missing %q", aac, want)
		}
	}

	cfg.Profile = "flac"
	flac := NewFFmpeg(cfg, testLogger()).Args()
	if !containsArg(flac, "flac") || containsArg(flac, "aac") {
		t.Errorf("unexpected flac args %v", flac)
	}
	if flac[len(flac)-1] != "pipe:1" {
		t.Errorf("Expected output on stdout, got %v", flac)
	}
}

func containsArg(args []string, want string) bool {
	for _, a := range args {
		if a == want {
			return true
		}
	}
	return false
}

func TestFFmpegFLAC(t *testing.T) {
	path, err := exec.LookPath("ffmpeg")
	if err != nil {
		t.Skip("ffmpeg not installed")
	}
	cfg := config.Default().Transcode
	cfg.FFmpegPath = path
	cfg.Profile = "flac"

	c, _, err := runConversion(t, NewFFmpeg(cfg, testLogger()), Options{ReadBufferSize: 4096}, testWAV(t, 16000), 4096)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if out := c.output(); !bytes.HasPrefix(out, []byte("fLaC")) {
		t.Errorf("Expected FLAC stream, got %d bytes", len(out))
	}
}
