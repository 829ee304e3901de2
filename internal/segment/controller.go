package segment

import (
	"errors"
	"fmt"
)

// ErrSinkBusy is returned by a Sink asked to append while an earlier append
// is still in flight.
var ErrSinkBusy = errors.New("segment: sink busy")

// ErrAlreadyBound is returned by Bind on a controller that has a sink.
var ErrAlreadyBound = errors.New("segment: controller already bound")

// State is the controller state
type State int

const (
	StateUnbound State = iota
	StateIdle
	StateAppending
	StateClosed
	StateError
)

func (s State) String() string {
	switch s {
	case StateUnbound:
		return "unbound"
	case StateIdle:
		return "idle"
	case StateAppending:
		return "appending"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether s accepts no further segments
func (s State) Terminal() bool {
	return s == StateClosed || s == StateError
}

// Sink consumes segments one at a time.
//
// Append starts an append and returns without waiting for it; the owner
// reports its completion with Controller.Complete. An error returned by
// Append is a rejection and is terminal. Append and EndOfStream must not call
// back into the controller synchronously.
type Sink[T any] interface {
	Append(item T) error
	EndOfStream() error
	Detach()
}

// Controller feeds segments into a Sink, queueing arrivals while an append
// is in flight.
type Controller[T any] struct {
	state   State
	sink    Sink[T]
	queue   *Queue[T]
	err     error
	eos     bool // end of stream requested
	eosSent bool

	appended int
	onChange func(from, to State)
}

// NewController creates an unbound controller whose queue holds at most
// limit segments (0 = unbounded).
func NewController[T any](limit int) *Controller[T] {
	return &Controller[T]{queue: NewQueue[T](limit)}
}

// OnTransition registers fn to observe every state change
func (c *Controller[T]) OnTransition(fn func(from, to State)) {
	c.onChange = fn
}

// State returns the current state
func (c *Controller[T]) State() State {
	return c.state
}

// Err returns the error that moved the controller to StateError
func (c *Controller[T]) Err() error {
	return c.err
}

// Len returns the number of queued segments
func (c *Controller[T]) Len() int {
	return c.queue.Len()
}

// Appended returns how many segments were handed to the sink
func (c *Controller[T]) Appended() int {
	return c.appended
}

// EndOfStreamSent reports whether the sink was told the stream ended
func (c *Controller[T]) EndOfStreamSent() bool {
	return c.eosSent
}

// Bind attaches sink and starts draining segments queued while unbound
func (c *Controller[T]) Bind(sink Sink[T]) error {
	if c.state != StateUnbound {
		return ErrAlreadyBound
	}
	c.sink = sink
	c.setState(StateIdle)
	return c.advance()
}

// Push hands item to the sink when idle and queues it otherwise. Items
// pushed after the controller finished are dropped.
func (c *Controller[T]) Push(item T) error {
	switch c.state {
	case StateIdle:
		return c.appendItem(item)
	case StateUnbound, StateAppending:
		if err := c.queue.Push(item); err != nil {
			c.fail(fmt.Errorf("enqueue segment: %w", err))
			return c.err
		}
		return nil
	default:
		return nil
	}
}

// Complete reports that the in-flight append finished. A non-nil err is a
// sink failure and moves the controller to StateError.
func (c *Controller[T]) Complete(err error) error {
	if c.state != StateAppending {
		return nil
	}
	if err != nil {
		c.fail(fmt.Errorf("append segment: %w", err))
		return c.err
	}
	c.setState(StateIdle)
	return c.advance()
}

// EndOfStream marks the input as finished. The sink is told once the
// in-flight append completes and the queue is empty.
func (c *Controller[T]) EndOfStream() error {
	if c.state.Terminal() {
		return nil
	}
	c.eos = true
	if c.state == StateIdle {
		return c.advance()
	}
	return nil
}

// Fail detaches the sink, discards queued segments and records err
func (c *Controller[T]) Fail(err error) {
	if c.state.Terminal() {
		return
	}
	if err == nil {
		err = errors.New("segment: controller failed")
	}
	c.fail(err)
}

// Close detaches the sink and discards queued segments. A controller that
// already finished is left untouched.
func (c *Controller[T]) Close() {
	if c.state.Terminal() {
		return
	}
	c.release()
	c.setState(StateClosed)
}

// advance drains the queue while idle and delivers a pending end of stream
func (c *Controller[T]) advance() error {
	if c.state != StateIdle {
		return nil
	}
	if item, ok := c.queue.Pop(); ok {
		return c.appendItem(item)
	}
	if c.eos && !c.eosSent {
		c.eosSent = true
		if err := c.sink.EndOfStream(); err != nil {
			c.fail(fmt.Errorf("end of stream: %w", err))
			return c.err
		}
		c.setState(StateClosed)
	}
	return nil
}

func (c *Controller[T]) appendItem(item T) error {
	c.setState(StateAppending)
	c.appended++
	if err := c.sink.Append(item); err != nil {
		c.fail(fmt.Errorf("sink rejected segment %d: %w", c.appended, err))
		return c.err
	}
	return nil
}

func (c *Controller[T]) fail(err error) {
	c.err = err
	c.release()
	c.setState(StateError)
}

func (c *Controller[T]) release() {
	c.queue.Discard()
	if c.sink != nil {
		c.sink.Detach()
		c.sink = nil
	}
}

func (c *Controller[T]) setState(to State) {
	from := c.state
	c.state = to
	if c.onChange != nil && from != to {
		c.onChange(from, to)
	}
}
