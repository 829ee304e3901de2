package transcode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/skypro1111/wav-stream-converter/internal/audio"
	"github.com/skypro1111/wav-stream-converter/internal/metrics"
	"github.com/skypro1111/wav-stream-converter/internal/transport"
)

var (
	// ErrInvalidInput wraps a stream that does not start with a RIFF/WAVE header.
	ErrInvalidInput = errors.New("transcode: invalid input")

	// ErrInputTooLarge is returned once a client sends more than the input limit.
	ErrInputTooLarge = errors.New("transcode: input too large")
)

// Conversion states reported by Info
const (
	StateRunning  = "running"
	StateFinished = "finished"
	StateFailed   = "failed"
)

// Options tune a single conversion
type Options struct {
	MaxInputBytes  int64 // 0 = unlimited
	ReadBufferSize int
}

// Conversion pumps one client connection through one transcoder process
type Conversion struct {
	ID         string
	RemoteAddr string

	ch      transport.Channel
	tc      Transcoder
	opts    Options
	metrics *metrics.Metrics
	logger  *slog.Logger
	started time.Time

	// touched only by the channel dispatcher
	header   []byte
	sniffed  bool
	received int64
	declared int64 // stream length from the RIFF header, 0 when open

	inputOnce   sync.Once
	inputDone   chan error
	inputClosed atomic.Bool

	framesIn  atomic.Uint64
	framesOut atomic.Uint64
	bytesIn   atomic.Int64
	bytesOut  atomic.Int64

	mu       sync.Mutex
	state    string
	err      error
	code     int
	finished time.Time
}

// ConversionInfo is a snapshot of a conversion for the HTTP API
type ConversionInfo struct {
	ID         string        `json:"id"`
	RemoteAddr string        `json:"remote_addr"`
	Transcoder string        `json:"transcoder"`
	State      string        `json:"state"`
	StartTime  time.Time     `json:"start_time"`
	Duration   time.Duration `json:"duration"`
	FramesIn   uint64        `json:"frames_in"`
	FramesOut  uint64        `json:"frames_out"`
	BytesIn    int64         `json:"bytes_in"`
	BytesOut   int64         `json:"bytes_out"`
	CloseCode  int           `json:"close_code,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// NewConversion binds ch to tc. The channel must not be started yet.
func NewConversion(id string, ch transport.Channel, tc Transcoder, opts Options, m *metrics.Metrics, logger *slog.Logger) *Conversion {
	if opts.ReadBufferSize <= 0 {
		opts.ReadBufferSize = 32 * 1024
	}
	return &Conversion{
		ID:        id,
		ch:        ch,
		tc:        tc,
		opts:      opts,
		metrics:   m,
		logger:    logger.With(slog.String("conversion_id", id)),
		inputDone: make(chan error, 1),
		state:     StateRunning,
	}
}

// Run starts the channel and the transcoder and blocks until the
// conversion ends. A clean run closes the channel with 1000 after the last
// output frame; failures abort it with a code describing the cause.
func (c *Conversion) Run(ctx context.Context) error {
	c.started = time.Now()
	c.metrics.RecordConversionStarted()

	g, gctx := errgroup.WithContext(ctx)
	proc, err := c.tc.Start(gctx)
	if err != nil {
		c.ch.Start(ctx)
		return c.end(err)
	}

	unsubscribe := c.ch.Subscribe(func(ev transport.Event) {
		c.onEvent(ev, proc.Stdin())
	})
	defer unsubscribe()

	if err := c.ch.Start(ctx); err != nil {
		proc.Stdin().Close()
		io.Copy(io.Discard, proc.Stdout())
		proc.Wait()
		if chErr := c.ch.Err(); chErr != nil {
			// The client went away before the conversion started
			err = chErr
		}
		return c.end(fmt.Errorf("start channel: %w", err))
	}

	c.logger.Info("Conversion started",
		slog.String("remote_addr", c.RemoteAddr),
		slog.String("transcoder", c.tc.Name()),
	)

	var procErr error
	outputDone := make(chan struct{})
	g.Go(func() error {
		select {
		case err := <-c.inputDone:
			return err
		case <-gctx.Done():
			return nil
		}
	})
	g.Go(func() error {
		defer close(outputDone)
		return c.pumpOutput(gctx, proc.Stdout())
	})
	g.Go(func() error {
		// The pipe must be drained before the process is reaped
		<-outputDone
		procErr = proc.Wait()
		return procErr
	})

	err = g.Wait()
	if procErr != nil && errors.Is(err, ErrTranscoder) {
		// A broken pipe is reported by whichever pump saw it first; the
		// exit status says more
		err = procErr
	}
	if ctx.Err() != nil {
		// A killed transcoder is a consequence of the cancellation
		err = ctx.Err()
	}
	if err != nil {
		return c.end(err)
	}
	if err := c.ch.CloseSend(ctx); err != nil {
		return c.end(fmt.Errorf("close channel: %w", err))
	}
	return c.end(nil)
}

func (c *Conversion) onEvent(ev transport.Event, stdin io.WriteCloser) {
	if ev.Kind == transport.EventFrame {
		c.framesIn.Add(1)
		c.bytesIn.Add(int64(len(ev.Frame)))
		c.metrics.RecordFrameReceived(len(ev.Frame))
		complete, err := c.consume(ev.Frame, stdin)
		if err != nil {
			stdin.Close()
			c.finishInput(err)
			return
		}
		if complete {
			c.logger.Debug("Input complete at declared length",
				slog.Int64("declared_bytes", c.declared),
			)
			c.closeInput(stdin)
		}
		return
	}

	switch ev.State {
	case transport.StateClosing, transport.StateClosed:
		// The client finished sending
		if c.inputClosed.Load() {
			return
		}
		if !c.sniffed {
			c.finishInput(fmt.Errorf("%w: %w", ErrInvalidInput, audio.Sniff(c.header)))
			stdin.Close()
			return
		}
		c.closeInput(stdin)
	case transport.StateFailed:
		stdin.Close()
		c.finishInput(fmt.Errorf("transport failed: %w", ev.Err))
	}
}

// consume validates the stream head and writes frame to the transcoder.
// The write blocks while the transcoder is busy, which stalls the channel
// dispatcher and pushes back on the client. complete reports that the
// length declared by the RIFF header has been written; bytes past it are
// not forwarded.
func (c *Conversion) consume(frame []byte, stdin io.Writer) (complete bool, err error) {
	if c.inputClosed.Load() {
		return false, nil
	}

	c.received += int64(len(frame))
	if c.opts.MaxInputBytes > 0 && c.received > c.opts.MaxInputBytes {
		return false, fmt.Errorf("%w: more than %d bytes", ErrInputTooLarge, c.opts.MaxInputBytes)
	}

	if !c.sniffed {
		c.header = append(c.header, frame...)
		if len(c.header) < audio.SniffSize {
			return false, nil
		}
		if err := audio.Sniff(c.header); err != nil {
			return false, fmt.Errorf("%w: %w", ErrInvalidInput, err)
		}
		c.declared, _ = audio.StreamLength(c.header)
		c.sniffed = true
		frame, c.header = c.header, nil
	}

	if c.declared > 0 && c.received >= c.declared {
		frame = frame[:int64(len(frame))-(c.received-c.declared)]
		complete = true
	}
	if len(frame) > 0 {
		if _, err := stdin.Write(frame); err != nil {
			return false, fmt.Errorf("%w: write input: %w", ErrTranscoder, err)
		}
	}
	return complete, nil
}

// closeInput ends the transcoder input after the last byte was written
func (c *Conversion) closeInput(stdin io.Closer) {
	if err := stdin.Close(); err != nil {
		c.finishInput(fmt.Errorf("close transcoder input: %w", err))
		return
	}
	c.finishInput(nil)
}

func (c *Conversion) finishInput(err error) {
	c.inputOnce.Do(func() {
		c.inputClosed.Store(true)
		c.inputDone <- err
	})
}

func (c *Conversion) pumpOutput(ctx context.Context, stdout io.Reader) error {
	buf := make([]byte, c.opts.ReadBufferSize)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			if sendErr := c.ch.Send(ctx, buf[:n]); sendErr != nil {
				return fmt.Errorf("send output: %w", sendErr)
			}
			c.framesOut.Add(1)
			c.bytesOut.Add(int64(n))
			c.metrics.RecordFrameSent(n)
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: read output: %w", ErrTranscoder, err)
		}
	}
}

// closeCode maps a conversion failure to the code sent to the client
func closeCode(err error) int {
	switch {
	case err == nil:
		return transport.CodeNormal
	case errors.Is(err, ErrInvalidInput):
		return transport.CodeUnsupportedData
	case errors.Is(err, ErrInputTooLarge):
		return transport.CodeTooBig
	case errors.Is(err, context.Canceled):
		return transport.CodeGoingAway
	default:
		return transport.CodeInternal
	}
}

func (c *Conversion) end(err error) error {
	code := closeCode(err)
	if err != nil {
		if chErr := c.ch.Err(); chErr != nil && c.ch.State() == transport.StateFailed {
			// The channel failed first, keep the code it ended with
			code = transport.CloseCodeOf(chErr)
		}
		c.ch.Abort(&transport.AbortError{Code: code, Err: err})
	}

	duration := time.Since(c.started)
	c.mu.Lock()
	c.err = err
	c.code = code
	c.finished = time.Now()
	if err != nil {
		c.state = StateFailed
	} else {
		c.state = StateFinished
	}
	c.mu.Unlock()

	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidInput):
			c.metrics.RecordWAVError()
		case errors.Is(err, ErrTranscoder):
			c.metrics.RecordTranscoderError()
		}
		c.metrics.RecordConversionFailed(strconv.Itoa(code), duration.Seconds())
		c.logger.Warn("Conversion failed",
			slog.String("error", err.Error()),
			slog.Int("close_code", code),
			slog.Int64("bytes_in", c.bytesIn.Load()),
		)
		return err
	}

	c.metrics.RecordConversionFinished(duration.Seconds(), c.bytesIn.Load())
	c.logger.Info("Conversion finished",
		slog.Int64("bytes_in", c.bytesIn.Load()),
		slog.Int64("bytes_out", c.bytesOut.Load()),
		slog.Uint64("frames_out", c.framesOut.Load()),
		slog.Duration("duration", duration),
	)
	return nil
}

// Info returns a snapshot of the conversion
func (c *Conversion) Info() ConversionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	end := c.finished
	if end.IsZero() {
		end = time.Now()
	}
	info := ConversionInfo{
		ID:         c.ID,
		RemoteAddr: c.RemoteAddr,
		Transcoder: c.tc.Name(),
		State:      c.state,
		StartTime:  c.started,
		FramesIn:   c.framesIn.Load(),
		FramesOut:  c.framesOut.Load(),
		BytesIn:    c.bytesIn.Load(),
		BytesOut:   c.bytesOut.Load(),
	}
	if !c.started.IsZero() {
		info.Duration = end.Sub(c.started)
	}
	if c.state != StateRunning {
		info.CloseCode = c.code
	}
	if c.err != nil {
		info.Error = c.err.Error()
	}
	return info
}
