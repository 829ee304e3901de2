package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// pipe holds the state shared by the two ends of an in-memory channel
type pipe struct {
	mu   sync.Mutex
	ends [2]*PipeEnd
}

// PipeEnd is one side of an in-memory Channel pair created by Pipe. Frames
// sent on one end arrive, in order, at the other end's subscribers.
type PipeEnd struct {
	*lifecycle

	p    *pipe
	side int

	// guarded by p.mu
	sendClosed bool
	recvClosed bool

	startOnce sync.Once
	writeMu   sync.Mutex

	framesSent     atomic.Uint64
	framesReceived atomic.Uint64
	bytesSent      atomic.Uint64
	bytesReceived  atomic.Uint64
}

// Pipe creates a connected pair of in-memory channels. maxPending bounds the
// frames buffered ahead of each end's subscribers (0 = unbounded); a full
// buffer blocks the peer's Send.
func Pipe(maxPending int) (*PipeEnd, *PipeEnd) {
	p := &pipe{}
	for i := range p.ends {
		p.ends[i] = &PipeEnd{lifecycle: newLifecycle(maxPending), p: p, side: i}
	}
	return p.ends[0], p.ends[1]
}

func (e *PipeEnd) peer() *PipeEnd {
	return e.p.ends[1-e.side]
}

// Start opens this end. Frames the peer sends before Start are buffered.
func (e *PipeEnd) Start(ctx context.Context) error {
	var err error
	e.startOnce.Do(func() {
		e.startDispatch()
		if !e.transition(StateOpen, nil) {
			err = ErrNotOpen
			return
		}
		e.p.mu.Lock()
		closed := e.recvClosed
		e.p.mu.Unlock()
		if closed {
			e.transition(StateClosing, nil)
		}
	})
	return err
}

func (e *PipeEnd) canSend() bool {
	st := e.State()
	e.p.mu.Lock()
	defer e.p.mu.Unlock()
	return !e.sendClosed && (st == StateOpen || st == StateClosing)
}

func (e *PipeEnd) waitSendable(ctx context.Context) error {
	return e.waitFor(ctx, func(st State) (bool, error) {
		if st == StateConnecting {
			return false, nil
		}
		if !e.canSend() {
			return false, ErrNotOpen
		}
		return true, nil
	})
}

// Send copies frame to the peer
func (e *PipeEnd) Send(ctx context.Context, frame []byte) error {
	if err := e.waitSendable(ctx); err != nil {
		return err
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if !e.canSend() {
		return ErrNotOpen
	}

	data := make([]byte, len(frame))
	copy(data, frame)

	peer := e.peer()
	if !peer.emitFrame(data) {
		return fmt.Errorf("%w: peer is gone", ErrNotOpen)
	}
	peer.framesReceived.Add(1)
	peer.bytesReceived.Add(uint64(len(data)))
	e.framesSent.Add(1)
	e.bytesSent.Add(uint64(len(data)))
	return nil
}

// CloseSend half-closes this end's direction
func (e *PipeEnd) CloseSend(ctx context.Context) error {
	if err := e.waitSendable(ctx); err != nil {
		return err
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	peer := e.peer()
	e.p.mu.Lock()
	if e.sendClosed {
		e.p.mu.Unlock()
		return ErrNotOpen
	}
	e.sendClosed = true
	peer.recvClosed = true
	selfDone := e.recvClosed
	peerDone := peer.sendClosed
	e.p.mu.Unlock()

	// Peer observes the close after every frame already sent
	if peerDone {
		peer.transition(StateClosed, nil)
	} else {
		peer.transition(StateClosing, nil)
	}
	if selfDone {
		e.transition(StateClosed, nil)
	} else {
		e.transition(StateClosing, nil)
	}
	return nil
}

// Abort fails both ends
func (e *PipeEnd) Abort(err error) error {
	if err == nil {
		err = ErrAborted
	}
	if !e.transition(StateFailed, err) {
		return nil
	}
	code := CloseCodeOf(err)
	if code == CodeAbnormal || code == CodeNormal {
		code = CodeInternal
	}
	e.peer().transition(StateFailed, &AbortError{
		Code: code,
		Err:  fmt.Errorf("%w: %v", ErrRemoteClosed, err),
	})
	return nil
}

// Close aborts the pair unless this end already finished
func (e *PipeEnd) Close() error {
	if e.State().Terminal() {
		return nil
	}
	return e.Abort(&AbortError{Code: CodeGoingAway, Err: ErrAborted})
}

// Stats returns frame counters
func (e *PipeEnd) Stats() Stats {
	return Stats{
		FramesSent:     e.framesSent.Load(),
		FramesReceived: e.framesReceived.Load(),
		BytesSent:      e.bytesSent.Load(),
		BytesReceived:  e.bytesReceived.Load(),
	}
}

var _ Channel = (*PipeEnd)(nil)
