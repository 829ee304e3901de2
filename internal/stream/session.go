package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/skypro1111/wav-stream-converter/internal/audio"
	"github.com/skypro1111/wav-stream-converter/internal/progress"
	"github.com/skypro1111/wav-stream-converter/internal/segment"
	"github.com/skypro1111/wav-stream-converter/internal/sink"
	"github.com/skypro1111/wav-stream-converter/internal/transport"
)

var (
	// ErrSinkRejected wraps a sink failure that ended a session.
	ErrSinkRejected = errors.New("stream: sink rejected segment")

	// ErrQueueOverflow wraps a session that received more segments than
	// the queue limit while the sink was busy.
	ErrQueueOverflow = errors.New("stream: segment queue overflow")

	// ErrTornDown is the result of a session replaced or closed before it finished.
	ErrTornDown = errors.New("stream: session torn down")
)

// Session phases reported by Info
const (
	PhaseRunning  = "running"
	PhaseFinished = "finished"
	PhaseFailed   = "failed"
)

// Session is one conversion: a channel, its sender, a segment controller,
// the bound sink and a progress estimator. Everything but the read-only
// accessors runs on the manager's event loop.
type Session struct {
	ID string

	gen     uint64
	logger  *slog.Logger
	started time.Time

	ch     transport.Channel
	sender *Sender
	ctrl   *segment.Controller[[]byte]
	sink   sink.Sink
	info   *audio.WAVInfo

	tracker       progress.Tracker
	sourceTracker *progress.SourceBased
	sinkTracker   *progress.SinkBased
	outputBitrate int

	// closeAfterLast is false when the sender keeps its direction open and
	// the peer's clean close alone ends the input
	closeAfterLast bool
	senderDone     bool
	peerClosed     bool

	stopCancel func() bool

	// guarded by mu
	mu               sync.Mutex
	phase            string
	err              error
	finished         time.Time
	segmentsReceived uint64
	bytesReceived    int64
	queued           int
	appended         int

	done chan struct{}
}

// SessionInfo is a snapshot of a session for logs and monitoring
type SessionInfo struct {
	ID               string        `json:"id"`
	Phase            string        `json:"phase"`
	Destination      string        `json:"destination"`
	StartTime        time.Time     `json:"start_time"`
	Duration         time.Duration `json:"duration"`
	MediaDuration    time.Duration `json:"media_duration"`
	SourceBytes      int64         `json:"source_bytes"`
	FramesSent       uint64        `json:"frames_sent"`
	FramesRemaining  int           `json:"frames_remaining"`
	BytesSent        int64         `json:"bytes_sent"`
	SegmentsReceived uint64        `json:"segments_received"`
	BytesReceived    int64         `json:"bytes_received"`
	QueuedSegments   int           `json:"queued_segments"`
	SegmentsAppended int           `json:"segments_appended"`
	Progress         float64       `json:"progress"`
	Error            string        `json:"error,omitempty"`
}

// Done is closed when the session ends
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the session ends and returns its result
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the failure cause, nil while running or after success
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Progress returns the completion percentage
func (s *Session) Progress() float64 {
	return s.tracker.Value()
}

// Sink returns the bound sink
func (s *Session) Sink() sink.Sink {
	return s.sink
}

// Info returns a snapshot of the session
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	end := s.finished
	if end.IsZero() {
		end = time.Now()
	}
	info := SessionInfo{
		ID:               s.ID,
		Phase:            s.phase,
		Destination:      s.sink.Describe(),
		StartTime:        s.started,
		Duration:         end.Sub(s.started),
		MediaDuration:    s.info.Duration,
		SourceBytes:      s.info.DataOffset + s.info.DataSize,
		FramesSent:       s.sender.FramesSent(),
		FramesRemaining:  s.sender.Remaining(),
		BytesSent:        s.sender.BytesSent(),
		SegmentsReceived: s.segmentsReceived,
		BytesReceived:    s.bytesReceived,
		QueuedSegments:   s.queued,
		SegmentsAppended: s.appended,
		Progress:         s.tracker.Value(),
	}
	if s.err != nil {
		info.Error = s.err.Error()
	}
	return info
}

func (s *Session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// handle applies one inbox message. It runs on the event loop.
func (s *Session) handle(msg message) {
	if s.closed() {
		return
	}

	switch msg.kind {
	case msgFrame:
		s.mu.Lock()
		s.segmentsReceived++
		s.bytesReceived += int64(len(msg.frame))
		s.mu.Unlock()
		s.ctrl.Push(msg.frame)

	case msgAppended:
		s.ctrl.Complete(msg.err)
		if msg.err == nil && s.sinkTracker != nil && s.outputBitrate > 0 {
			pos := time.Duration(float64(msg.written*8) / float64(s.outputBitrate) * float64(time.Second))
			s.sinkTracker.ObservePosition(pos, s.info.Duration)
		}

	case msgSent:
		if s.sourceTracker != nil {
			s.sourceTracker.ObserveBytes(msg.sent)
		}

	case msgSenderDone:
		if msg.err != nil {
			s.fail(msg.err)
			return
		}
		s.senderDone = true
		s.peerFinished()

	case msgState:
		switch msg.state {
		case transport.StateClosing:
			// With the local direction kept open, Closing can only come from the peer
			if !s.closeAfterLast {
				s.peerClosed = true
				s.peerFinished()
			}
		case transport.StateClosed:
			// The peer finished cleanly: flush what is queued, then finalize
			s.ctrl.EndOfStream()
		case transport.StateFailed:
			s.fail(fmt.Errorf("transport failed: %w", msg.err))
			return
		}

	case msgCancel:
		s.fail(msg.err)
		return
	}

	s.mu.Lock()
	s.queued = s.ctrl.Len()
	s.appended = s.ctrl.Appended()
	s.mu.Unlock()
	s.settle()
}

// peerFinished ends the input once the peer closed cleanly and every frame
// of a sender that never half-closes has been accepted
func (s *Session) peerFinished() {
	if s.peerClosed && s.senderDone {
		s.ctrl.EndOfStream()
	}
}

// settle finishes the session once the controller reached a final state
func (s *Session) settle() {
	switch s.ctrl.State() {
	case segment.StateError:
		err := s.ctrl.Err()
		if errors.Is(err, segment.ErrQueueFull) {
			s.fail(fmt.Errorf("%w: %w", ErrQueueOverflow, err))
			return
		}
		s.fail(fmt.Errorf("%w: %w", ErrSinkRejected, err))
	case segment.StateClosed:
		if s.ctrl.EndOfStreamSent() {
			s.finish()
		}
	}
}

func (s *Session) finish() {
	if s.sourceTracker != nil {
		s.sourceTracker.ObserveBytes(s.sourceTracker.Total())
	}
	if s.sinkTracker != nil {
		s.sinkTracker.ObservePosition(s.info.Duration, s.info.Duration)
	}
	s.end(PhaseFinished, nil)
	if s.peerClosed {
		// Complete the closing handshake the peer started
		if err := s.ch.CloseSend(context.Background()); err != nil {
			s.ch.Close()
		}
	} else {
		s.ch.Close()
	}

	s.logger.Info("Conversion finished",
		slog.String("session_id", s.ID),
		slog.String("destination", s.sink.Describe()),
		slog.Int64("bytes_received", s.bytesReceived),
		slog.Duration("duration", time.Since(s.started)),
	)
}

// fail tears the session down with err. A sink rejection also aborts the
// transport so no further frames are transferred for nothing.
func (s *Session) fail(err error) {
	if s.closed() {
		return
	}
	s.ctrl.Fail(err)
	s.ch.Abort(err)
	s.end(PhaseFailed, err)

	s.logger.Error("Conversion failed",
		slog.String("session_id", s.ID),
		slog.String("error", err.Error()),
		slog.Int("close_code", transport.CloseCodeOf(s.ch.Err())),
	)
}

// teardown releases a session that is being replaced or closed
func (s *Session) teardown() {
	if s.closed() {
		return
	}
	s.ctrl.Close()
	s.ch.Abort(&transport.AbortError{Code: transport.CodeGoingAway, Err: ErrTornDown})
	s.end(PhaseFailed, ErrTornDown)

	s.logger.Info("Session torn down", slog.String("session_id", s.ID))
}

func (s *Session) end(phase string, err error) {
	if s.stopCancel != nil {
		s.stopCancel()
	}
	s.tracker.Close()

	s.mu.Lock()
	s.phase = phase
	s.err = err
	s.finished = time.Now()
	s.mu.Unlock()
	close(s.done)
}
