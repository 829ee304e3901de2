// Package sink implements the consumers that converted segments are fed
// into: an artifact written to a storage.FileStore for download, and a
// pipe into a player process for immediate playback.
//
// Every sink accepts one append at a time. The write happens on the sink's
// worker goroutine and its outcome is reported through the Notify callback
// passed to Start.
package sink

import (
	"errors"
	"io"
	"sync"

	"github.com/skypro1111/wav-stream-converter/internal/segment"
)

// ErrDetached is returned by a sink that was detached or already finalized.
var ErrDetached = errors.New("sink: detached")

// Notify receives the outcome of an append together with the cumulative
// number of bytes the sink has written.
type Notify func(written int64, err error)

// Sink is a segment sink with asynchronous append completion
type Sink interface {
	segment.Sink[[]byte]

	// Start launches the worker. It must be called before the first Append.
	Start(notify Notify)

	// Written returns the number of bytes written so far.
	Written() int64

	// Describe names the destination for logs and CLI output.
	Describe() string
}

// worker performs appends one at a time on its own goroutine
type worker struct {
	w io.Writer

	mu      sync.Mutex
	started bool
	busy    bool
	stopped bool
	written int64

	jobs chan []byte
	done chan struct{}
}

func newWorker(w io.Writer) *worker {
	return &worker{
		w:    w,
		jobs: make(chan []byte, 1),
		done: make(chan struct{}),
	}
}

func (wk *worker) start(notify Notify) {
	wk.mu.Lock()
	if wk.started || wk.stopped {
		wk.mu.Unlock()
		return
	}
	wk.started = true
	wk.mu.Unlock()

	go func() {
		defer close(wk.done)
		for frame := range wk.jobs {
			n, err := wk.w.Write(frame)
			if err == nil && n < len(frame) {
				err = io.ErrShortWrite
			}

			wk.mu.Lock()
			wk.written += int64(n)
			written := wk.written
			wk.busy = false
			wk.mu.Unlock()

			if notify != nil {
				notify(written, err)
			}
		}
	}()
}

func (wk *worker) submit(frame []byte) error {
	wk.mu.Lock()
	defer wk.mu.Unlock()
	if wk.stopped || !wk.started {
		return ErrDetached
	}
	if wk.busy {
		return segment.ErrSinkBusy
	}
	wk.busy = true
	wk.jobs <- frame
	return nil
}

// stop ends the worker and waits for the in-flight write, if any
func (wk *worker) stop() {
	wk.mu.Lock()
	if wk.stopped {
		wk.mu.Unlock()
		return
	}
	wk.stopped = true
	started := wk.started
	close(wk.jobs)
	wk.mu.Unlock()

	if started {
		<-wk.done
	}
}

func (wk *worker) bytesWritten() int64 {
	wk.mu.Lock()
	defer wk.mu.Unlock()
	return wk.written
}
