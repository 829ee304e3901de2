package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skypro1111/wav-stream-converter/internal/audio"
	"github.com/skypro1111/wav-stream-converter/internal/progress"
	"github.com/skypro1111/wav-stream-converter/internal/segment"
	"github.com/skypro1111/wav-stream-converter/internal/sink"
	"github.com/skypro1111/wav-stream-converter/internal/transport"
)

var (
	// ErrNoSource is returned by Start when no input was selected.
	ErrNoSource = errors.New("stream: no source selected")

	// ErrManagerClosed is returned by Start after Close.
	ErrManagerClosed = errors.New("stream: manager closed")
)

// ChannelFactory creates the unstarted channel for a new session
type ChannelFactory func() transport.Channel

// SinkFactory creates the sink a session's segments are fed into
type SinkFactory func(ctx context.Context, id string, info *audio.WAVInfo) (sink.Sink, error)

// Config contains session parameters shared by every conversion
type Config struct {
	FrameSize         int
	CloseAfterLast    bool
	Progress          string // "source" or "sink"
	MaxQueuedSegments int
	OutputBitrate     int // bits per second, for sink progress

	NewChannel ChannelFactory
	NewSink    SinkFactory
}

// Request selects the input of a conversion. Either Path or Source with
// Size must be set.
type Request struct {
	Path   string
	Source io.ReaderAt
	Size   int64

	// OnProgress observes every progress increase. It runs on the event loop
	// and must not call back into the Manager synchronously: Start, Current,
	// Teardown and Close wait for that loop and would deadlock. Call them from
	// a new goroutine instead.
	OnProgress func(percent float64)
}

// Manager runs at most one live Session and the event loop that drives it
type Manager struct {
	cfg    Config
	logger *slog.Logger

	inbox *mailbox
	quit  chan struct{}
	loop  chan struct{}

	startMu   sync.Mutex
	closeOnce sync.Once
	nextGen   uint64

	// owned by the event loop
	current *Session
}

// NewManager creates a manager and starts its event loop
func NewManager(cfg Config, logger *slog.Logger) (*Manager, error) {
	if cfg.NewChannel == nil {
		return nil, fmt.Errorf("channel factory cannot be nil")
	}
	if cfg.NewSink == nil {
		return nil, fmt.Errorf("sink factory cannot be nil")
	}
	if cfg.FrameSize <= 0 {
		cfg.FrameSize = audio.FrameSize64KB
	}
	if cfg.Progress == "" {
		cfg.Progress = "source"
	}

	m := &Manager{
		cfg:    cfg,
		logger: logger,
		inbox:  newMailbox(),
		quit:   make(chan struct{}),
		loop:   make(chan struct{}),
	}
	go m.run()
	return m, nil
}

func (m *Manager) run() {
	defer close(m.loop)
	for {
		select {
		case <-m.quit:
			return
		case <-m.inbox.signal:
			for _, msg := range m.inbox.drain() {
				m.dispatch(msg)
			}
		}
	}
}

func (m *Manager) dispatch(msg message) {
	if msg.kind == msgCall {
		msg.call()
		close(msg.reply)
		return
	}

	s := m.current
	if s == nil || s.gen != msg.gen {
		m.logger.Debug("Dropping event from a previous session",
			slog.Uint64("generation", msg.gen),
		)
		return
	}
	s.handle(msg)
}

// do runs fn on the event loop and waits for it
func (m *Manager) do(fn func()) error {
	reply := make(chan struct{})
	if !m.inbox.post(message{kind: msgCall, call: fn, reply: reply}) {
		return ErrManagerClosed
	}
	select {
	case <-reply:
		return nil
	case <-m.quit:
		return ErrManagerClosed
	}
}

func (m *Manager) post(gen uint64, msg message) {
	msg.gen = gen
	m.inbox.post(msg)
}

// Start validates req, tears down the previous session and starts a new
// one. Input errors are reported before any channel or sink is created.
func (m *Manager) Start(ctx context.Context, req Request) (*Session, error) {
	m.startMu.Lock()
	defer m.startMu.Unlock()

	src, size, closeSrc, err := openSource(req)
	if err != nil {
		return nil, err
	}
	info, err := audio.ReadInfo(src, size)
	if err != nil {
		closeSrc()
		return nil, err
	}
	chunker, err := audio.NewChunker(src, size, m.cfg.FrameSize)
	if err != nil {
		closeSrc()
		return nil, err
	}

	// The previous session lets go of its sink before a new one exists
	if err := m.do(func() {
		if m.current != nil {
			m.current.teardown()
		}
	}); err != nil {
		closeSrc()
		return nil, err
	}

	id := uuid.NewString()
	out, err := m.cfg.NewSink(ctx, id, info)
	if err != nil {
		closeSrc()
		return nil, fmt.Errorf("create sink: %w", err)
	}

	m.nextGen++
	gen := m.nextGen
	ch := m.cfg.NewChannel()
	s := &Session{
		ID:             id,
		gen:            gen,
		logger:         m.logger.With(slog.String("session_id", id)),
		started:        time.Now(),
		ch:             ch,
		ctrl:           segment.NewController[[]byte](m.cfg.MaxQueuedSegments),
		sink:           out,
		info:           info,
		outputBitrate:  m.cfg.OutputBitrate,
		closeAfterLast: m.cfg.CloseAfterLast,
		phase:          PhaseRunning,
		done:           make(chan struct{}),
	}
	if m.cfg.Progress == "sink" {
		s.sinkTracker = progress.NewSinkBased()
		s.tracker = s.sinkTracker
	} else {
		s.sourceTracker = progress.NewSourceBased(size)
		s.tracker = s.sourceTracker
	}
	if req.OnProgress != nil {
		s.tracker.OnChange(req.OnProgress)
	}
	s.sender = NewSender(ch, chunker, SenderConfig{
		CloseAfterLast: m.cfg.CloseAfterLast,
		OnSent: func(sent int64) {
			m.post(gen, message{kind: msgSent, sent: sent})
		},
	}, s.logger)

	ch.Subscribe(func(ev transport.Event) {
		if ev.Kind == transport.EventFrame {
			m.post(gen, message{kind: msgFrame, frame: ev.Frame})
			return
		}
		m.post(gen, message{kind: msgState, state: ev.State, err: ev.Err})
	})
	out.Start(func(written int64, err error) {
		m.post(gen, message{kind: msgAppended, written: written, err: err})
	})

	var bindErr error
	if err := m.do(func() {
		m.current = s
		bindErr = s.ctrl.Bind(out)
		if bindErr == nil {
			s.stopCancel = context.AfterFunc(ctx, func() {
				m.post(gen, message{kind: msgCancel, err: ctx.Err()})
			})
		}
	}); err != nil {
		out.Detach()
		closeSrc()
		return nil, err
	}
	if bindErr != nil {
		out.Detach()
		closeSrc()
		return nil, bindErr
	}

	go func() {
		defer closeSrc()
		err := ch.Start(ctx)
		if err == nil {
			err = s.sender.Run(ctx)
		}
		m.post(gen, message{kind: msgSenderDone, err: err})
	}()

	m.logger.Info("Conversion started",
		slog.String("session_id", id),
		slog.String("destination", out.Describe()),
		slog.Int64("source_bytes", size),
		slog.Duration("media_duration", info.Duration),
		slog.Int("frame_size", m.cfg.FrameSize),
		slog.Int("frames", audio.FrameCount(size, m.cfg.FrameSize)),
	)
	return s, nil
}

func openSource(req Request) (io.ReaderAt, int64, func(), error) {
	if req.Source != nil {
		return req.Source, req.Size, func() {}, nil
	}
	if req.Path == "" {
		return nil, 0, nil, ErrNoSource
	}

	f, err := os.Open(req.Path)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("open source: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, nil, fmt.Errorf("stat source: %w", err)
	}
	if st.IsDir() {
		f.Close()
		return nil, 0, nil, fmt.Errorf("%w: %s is a directory", ErrNoSource, req.Path)
	}
	var once sync.Once
	return f, st.Size(), func() { once.Do(func() { f.Close() }) }, nil
}

// Current returns the most recent session, or nil
func (m *Manager) Current() *Session {
	var s *Session
	if err := m.do(func() { s = m.current }); err != nil {
		return nil
	}
	return s
}

// Teardown releases the current session if it is still running
func (m *Manager) Teardown() error {
	return m.do(func() {
		if m.current != nil {
			m.current.teardown()
		}
	})
}

// Close tears down the current session and stops the event loop
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		err = m.Teardown()
		close(m.quit)
		<-m.loop
		m.inbox.close()
	})
	return err
}
