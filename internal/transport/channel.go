package transport

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
)

// State is the lifecycle state of a Channel
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible from s
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

var (
	// ErrNotOpen is returned by Send and CloseSend once the local direction can no longer carry frames.
	ErrNotOpen = errors.New("transport: channel not open")

	// ErrAborted is the failure cause of a channel closed locally before a clean close.
	ErrAborted = errors.New("transport: channel aborted")

	// ErrProtocol marks a framing violation such as a text message.
	ErrProtocol = errors.New("transport: protocol violation")

	// ErrRemoteClosed wraps an abnormal close initiated by the peer.
	ErrRemoteClosed = errors.New("transport: remote closed abnormally")
)

// Close codes carried in the closing handshake
const (
	CodeNormal          = 1000
	CodeGoingAway       = 1001
	CodeUnsupportedData = 1003
	CodeAbnormal        = 1006
	CodeTooBig          = 1009
	CodeInternal        = 1011
)

// AbortError attaches a close code to the reason a channel is being aborted
type AbortError struct {
	Code int
	Err  error
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("close %d: %v", e.Code, e.Err)
}

func (e *AbortError) Unwrap() error {
	return e.Err
}

// EventKind distinguishes frame arrivals from state transitions
type EventKind int

const (
	EventFrame EventKind = iota
	EventState
)

// Event is one entry of a channel's ordered event stream
type Event struct {
	Kind  EventKind
	Frame []byte // set for EventFrame
	Prev  State  // set for EventState
	State State  // set for EventState
	Err   error  // failure cause for StateFailed
}

// Terminal reports whether the event is the channel's final transition
func (e Event) Terminal() bool {
	return e.Kind == EventState && e.State.Terminal()
}

// Stats holds per-channel frame counters
type Stats struct {
	FramesSent     uint64 `json:"frames_sent"`
	FramesReceived uint64 `json:"frames_received"`
	BytesSent      uint64 `json:"bytes_sent"`
	BytesReceived  uint64 `json:"bytes_received"`
}

// Channel is a full-duplex, order-preserving binary frame connection
type Channel interface {
	// Start opens the channel (dialing when required) and begins delivering events.
	// Subscribers registered before Start observe every event.
	Start(ctx context.Context) error

	// Send blocks until the channel is open and the frame has been accepted for transmission.
	Send(ctx context.Context, frame []byte) error

	// CloseSend ends the local direction with a normal close.
	CloseSend(ctx context.Context) error

	// Abort fails the channel with err and notifies the peer.
	Abort(err error) error

	// Close aborts the channel unless it already reached a terminal state.
	Close() error

	// Subscribe registers fn for the event stream and returns a cancel func.
	Subscribe(fn func(Event)) func()

	State() State
	Done() <-chan struct{}
	Err() error
	Stats() Stats
}

// CloseCodeOf maps a terminal channel error to the close code that ended it
func CloseCodeOf(err error) int {
	if err == nil {
		return CodeNormal
	}
	var ae *AbortError
	if errors.As(err, &ae) {
		return ae.Code
	}
	var coded interface{ closeCode() int }
	if errors.As(err, &coded) {
		return coded.closeCode()
	}
	return CodeAbnormal
}

var validTransitions = map[State][]State{
	StateConnecting: {StateOpen, StateFailed},
	StateOpen:       {StateClosing, StateFailed},
	StateClosing:    {StateClosed, StateFailed},
}

// lifecycle is the state machine and ordered event dispatcher shared by
// every Channel implementation.
type lifecycle struct {
	mu      sync.Mutex
	state   State
	err     error
	changed chan struct{} // closed and replaced on every transition
	done    chan struct{}

	subs    map[int]func(Event)
	nextSub int
	pending []Event

	// Frames queued but not yet taken by the dispatcher; emitFrame blocks
	// at maxPending so a slow subscriber pushes back on the reader.
	pendingFrames int
	maxPending    int
	space         *sync.Cond
	notify        chan struct{}
	finalized     bool // terminal event queued
	delivered     bool // terminal event handed to subscribers
	terminal      Event

	dispatchOnce sync.Once
}

func newLifecycle(maxPending int) *lifecycle {
	l := &lifecycle{
		state:      StateConnecting,
		changed:    make(chan struct{}),
		done:       make(chan struct{}),
		subs:       make(map[int]func(Event)),
		notify:     make(chan struct{}, 1),
		maxPending: maxPending,
	}
	l.space = sync.NewCond(&l.mu)
	return l
}

// State returns the current lifecycle state
func (l *lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Done is closed when the channel reaches Closed or Failed
func (l *lifecycle) Done() <-chan struct{} {
	return l.done
}

// Err returns the failure cause, or nil while healthy or after a clean close
func (l *lifecycle) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Subscribe registers fn. A subscriber added after the terminal event was
// dispatched receives that event immediately on the calling goroutine.
func (l *lifecycle) Subscribe(fn func(Event)) func() {
	l.mu.Lock()
	if l.delivered {
		ev := l.terminal
		l.mu.Unlock()
		fn(ev)
		return func() {}
	}
	id := l.nextSub
	l.nextSub++
	l.subs[id] = fn
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		delete(l.subs, id)
		l.mu.Unlock()
	}
}

// transition moves to `to` if the edge is valid and queues the state event.
func (l *lifecycle) transition(to State, cause error) bool {
	l.mu.Lock()
	from := l.state
	if !allowed(from, to) {
		l.mu.Unlock()
		return false
	}

	l.state = to
	close(l.changed)
	l.changed = make(chan struct{})

	ev := Event{Kind: EventState, Prev: from, State: to}
	if to == StateFailed {
		l.err = cause
		ev.Err = cause
	}
	l.pending = append(l.pending, ev)
	if to.Terminal() {
		l.finalized = true
		l.terminal = ev
		close(l.done)
		l.space.Broadcast()
	}
	l.mu.Unlock()

	if to.Terminal() {
		l.startDispatch()
	}
	l.wake()
	return true
}

// emitFrame queues a received frame unless the channel is already terminal.
func (l *lifecycle) emitFrame(frame []byte) bool {
	l.mu.Lock()
	for l.maxPending > 0 && l.pendingFrames >= l.maxPending && !l.finalized {
		l.space.Wait()
	}
	if l.finalized {
		l.mu.Unlock()
		return false
	}
	l.pending = append(l.pending, Event{Kind: EventFrame, Frame: frame})
	l.pendingFrames++
	l.mu.Unlock()
	l.wake()
	return true
}

// waitFor blocks until pred accepts the current state or ctx ends.
func (l *lifecycle) waitFor(ctx context.Context, pred func(State) (bool, error)) error {
	for {
		l.mu.Lock()
		st, changed := l.state, l.changed
		l.mu.Unlock()

		ok, err := pred(st)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

func (l *lifecycle) startDispatch() {
	l.dispatchOnce.Do(func() {
		go l.dispatch()
	})
}

func (l *lifecycle) wake() {
	select {
	case l.notify <- struct{}{}:
	default:
	}
}

func (l *lifecycle) dispatch() {
	for {
		<-l.notify

		l.mu.Lock()
		batch := l.pending
		l.pending = nil
		l.pendingFrames = 0
		l.space.Broadcast()
		subs := l.snapshotLocked()
		l.mu.Unlock()

		for _, ev := range batch {
			if ev.Terminal() {
				// Re-snapshot together with the delivered flag so a concurrent
				// Subscribe either lands in this list or gets the event itself.
				l.mu.Lock()
				l.delivered = true
				subs = l.snapshotLocked()
				l.mu.Unlock()

				for _, fn := range subs {
					fn(ev)
				}
				return
			}
			for _, fn := range subs {
				fn(ev)
			}
		}
	}
}

func (l *lifecycle) snapshotLocked() []func(Event) {
	ids := make([]int, 0, len(l.subs))
	for id := range l.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func(Event), len(ids))
	for i, id := range ids {
		fns[i] = l.subs[id]
	}
	return fns
}

func allowed(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
