package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/skypro1111/wav-stream-converter/internal/audio"
	"github.com/skypro1111/wav-stream-converter/internal/transport"
)

// ErrSourceRead marks a failure to read the next slice of the source.
var ErrSourceRead = errors.New("stream: source read failed")

// SenderConfig controls a Sender
type SenderConfig struct {
	// CloseAfterLast half-closes the channel once the last frame is accepted.
	CloseAfterLast bool

	// OnSent is called with the cumulative byte count after every accepted frame.
	OnSent func(sent int64)
}

// Sender transmits a chunked source over a channel strictly in order
type Sender struct {
	ch      transport.Channel
	chunker *audio.Chunker
	cfg     SenderConfig
	logger  *slog.Logger

	frames atomic.Uint64
	bytes  atomic.Int64
}

// NewSender creates a sender for chunker's frames
func NewSender(ch transport.Channel, chunker *audio.Chunker, cfg SenderConfig, logger *slog.Logger) *Sender {
	return &Sender{ch: ch, chunker: chunker, cfg: cfg, logger: logger}
}

// Run sends every frame, waiting for the channel to accept each one before
// reading the next. Any error is terminal: nothing is retried and a slice
// that failed to read is never sent.
func (s *Sender) Run(ctx context.Context) error {
	for frame, err := range s.chunker.Frames() {
		if err != nil {
			return fmt.Errorf("%w: %w", ErrSourceRead, err)
		}
		if err := s.ch.Send(ctx, frame); err != nil {
			return fmt.Errorf("send frame %d: %w", s.frames.Load()+1, err)
		}

		s.frames.Add(1)
		sent := s.bytes.Add(int64(len(frame)))
		if s.cfg.OnSent != nil {
			s.cfg.OnSent(sent)
		}
	}

	s.logger.Debug("Source fully sent",
		slog.Uint64("frames", s.frames.Load()),
		slog.Int64("bytes", s.bytes.Load()),
	)

	if s.cfg.CloseAfterLast {
		if err := s.ch.CloseSend(ctx); err != nil {
			return fmt.Errorf("close send: %w", err)
		}
	}
	return nil
}

// FramesSent returns the number of accepted frames
func (s *Sender) FramesSent() uint64 {
	return s.frames.Load()
}

// Remaining returns the number of frames not yet read from the source
func (s *Sender) Remaining() int {
	return s.chunker.GetStats().Remaining
}

// BytesSent returns the number of accepted bytes
func (s *Sender) BytesSent() int64 {
	return s.bytes.Load()
}
