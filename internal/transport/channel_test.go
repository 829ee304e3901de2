package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// recorder collects a channel's event stream
type recorder struct {
	mu     sync.Mutex
	events []Event
	done   chan struct{}
	once   sync.Once
}

func newRecorder() *recorder {
	return &recorder{done: make(chan struct{})}
}

func (r *recorder) handle(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	if ev.Terminal() {
		r.once.Do(func() { close(r.done) })
	}
}

func (r *recorder) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for terminal event")
	}
}

func (r *recorder) frames() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out [][]byte
	for _, ev := range r.events {
		if ev.Kind == EventFrame {
			out = append(out, ev.Frame)
		}
	}
	return out
}

func (r *recorder) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []State
	for _, ev := range r.events {
		if ev.Kind == EventState {
			out = append(out, ev.State)
		}
	}
	return out
}

func (r *recorder) terminalCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Terminal() {
			n++
		}
	}
	return n
}

func TestStateString(t *testing.T) {
	tests := map[State]string{
		StateConnecting: "connecting",
		StateOpen:       "open",
		StateClosing:    "closing",
		StateClosed:     "closed",
		StateFailed:     "failed",
		State(42):       "state(42)",
	}
	for st, want := range tests {
		if st.String() != want {
			t.Errorf("State(%d).String() = %q, want %q", int(st), st.String(), want)
		}
	}
}

func TestLifecycleTransitions(t *testing.T) {
	tests := []struct {
		name  string
		path  []State
		valid []bool
	}{
		{"clean lifecycle", []State{StateOpen, StateClosing, StateClosed}, []bool{true, true, true}},
		{"fail while connecting", []State{StateFailed}, []bool{true}},
		{"fail while open", []State{StateOpen, StateFailed}, []bool{true, true}},
		{"skip open", []State{StateClosing}, []bool{false}},
		{"no exit from closed", []State{StateOpen, StateClosing, StateClosed, StateFailed, StateOpen}, []bool{true, true, true, false, false}},
		{"no exit from failed", []State{StateFailed, StateOpen, StateClosed}, []bool{true, false, false}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newLifecycle(0)
			for i, to := range tt.path {
				if got := l.transition(to, errors.New("cause")); got != tt.valid[i] {
					t.Errorf("transition %d to %v: got %v, want %v", i, to, got, tt.valid[i])
				}
			}
		})
	}
}

func TestLifecycleTerminalDeliveredOnce(t *testing.T) {
	l := newLifecycle(0)
	rec := newRecorder()
	l.Subscribe(rec.handle)
	l.startDispatch()

	l.transition(StateOpen, nil)
	l.emitFrame([]byte("a"))
	l.transition(StateFailed, errors.New("boom"))
	l.transition(StateClosed, nil)
	l.emitFrame([]byte("late"))
	rec.wait(t)

	// Give a stray second delivery a chance to show up
	time.Sleep(20 * time.Millisecond)
	if n := rec.terminalCount(); n != 1 {
		t.Errorf("terminal event delivered %d times, want 1", n)
	}
	if frames := rec.frames(); len(frames) != 1 || string(frames[0]) != "a" {
		t.Errorf("unexpected frames %q", frames)
	}
	if l.Err() == nil || l.Err().Error() != "boom" {
		t.Errorf("Err() = %v, want boom", l.Err())
	}
	select {
	case <-l.Done():
	default:
		t.Error("Done should be closed after a terminal transition")
	}
}

func TestLifecycleLateSubscriber(t *testing.T) {
	l := newLifecycle(0)
	first := newRecorder()
	l.Subscribe(first.handle)
	l.startDispatch()
	l.transition(StateOpen, nil)
	l.transition(StateClosing, nil)
	l.transition(StateClosed, nil)
	first.wait(t)

	late := newRecorder()
	l.Subscribe(late.handle)
	late.wait(t)
	if got := late.states(); len(got) != 1 || got[0] != StateClosed {
		t.Errorf("late subscriber got %v, want [closed]", got)
	}
}

func TestLifecycleEventsBufferedUntilDispatch(t *testing.T) {
	l := newLifecycle(0)
	l.transition(StateOpen, nil)
	l.emitFrame([]byte("1"))
	l.emitFrame([]byte("2"))

	rec := newRecorder()
	l.Subscribe(rec.handle)
	l.startDispatch()
	l.transition(StateClosing, nil)
	l.transition(StateClosed, nil)
	rec.wait(t)

	frames := rec.frames()
	if len(frames) != 2 || string(frames[0]) != "1" || string(frames[1]) != "2" {
		t.Errorf("frames queued before dispatch were lost or reordered: %q", frames)
	}
}

func TestLifecycleUnsubscribe(t *testing.T) {
	l := newLifecycle(0)
	rec := newRecorder()
	cancel := l.Subscribe(rec.handle)
	cancel()
	l.startDispatch()
	l.transition(StateFailed, errors.New("x"))
	<-l.Done()
	time.Sleep(20 * time.Millisecond)
	if n := len(rec.states()); n != 0 {
		t.Errorf("unsubscribed handler received %d events", n)
	}
}

func TestWaitForRespectsContext(t *testing.T) {
	l := newLifecycle(0)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := l.waitFor(ctx, func(st State) (bool, error) {
		return st == StateOpen, nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
}

func TestCloseCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"clean", nil, CodeNormal},
		{"abort error", &AbortError{Code: CodeTooBig, Err: errors.New("big")}, CodeTooBig},
		{"wrapped abort", errors.Join(errors.New("ctx"), &AbortError{Code: CodeUnsupportedData, Err: ErrProtocol}), CodeUnsupportedData},
		{"plain error", errors.New("reset by peer"), CodeAbnormal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CloseCodeOf(tt.err); got != tt.want {
				t.Errorf("CloseCodeOf() = %d, want %d", got, tt.want)
			}
		})
	}
}
