package stream

import (
	"sync"

	"github.com/skypro1111/wav-stream-converter/internal/transport"
)

type messageKind int

const (
	msgCall messageKind = iota
	msgFrame
	msgState
	msgAppended
	msgSent
	msgSenderDone
	msgCancel
)

// message is one entry of the manager's event loop inbox
type message struct {
	kind messageKind
	gen  uint64

	frame   []byte
	state   transport.State
	written int64
	sent    int64
	err     error

	call  func()
	reply chan struct{}
}

// mailbox is an unbounded FIFO. Posting never blocks, so channel
// dispatchers and sink workers can report while the loop is busy.
type mailbox struct {
	mu     sync.Mutex
	items  []message
	closed bool
	signal chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{signal: make(chan struct{}, 1)}
}

func (mb *mailbox) post(msg message) bool {
	mb.mu.Lock()
	if mb.closed {
		mb.mu.Unlock()
		return false
	}
	mb.items = append(mb.items, msg)
	mb.mu.Unlock()

	select {
	case mb.signal <- struct{}{}:
	default:
	}
	return true
}

func (mb *mailbox) drain() []message {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	items := mb.items
	mb.items = nil
	return items
}

func (mb *mailbox) close() {
	mb.mu.Lock()
	mb.closed = true
	mb.items = nil
	mb.mu.Unlock()
}
