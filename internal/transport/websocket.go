package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// closeGracePeriod bounds how long a close control frame may take to write.
const closeGracePeriod = 5 * time.Second

// Config contains WebSocket channel parameters
type Config struct {
	ReadBufferSize   int
	WriteBufferSize  int
	ReadLimit        int64 // maximum accepted message size, 0 = unlimited
	MaxPendingFrames int   // received frames buffered ahead of subscribers, 0 = unbounded
	HandshakeTimeout time.Duration
	Header           http.Header // extra handshake headers (client only)
}

// WebSocket is a Channel carried by a gorilla/websocket connection
type WebSocket struct {
	*lifecycle

	cfg    Config
	url    string
	logger *slog.Logger

	conn *websocket.Conn

	// Half-close bookkeeping, guarded by flagsMu
	flagsMu    sync.Mutex
	sendClosed bool
	recvClosed bool

	writeMu   sync.Mutex
	startOnce sync.Once
	startErr  error

	framesSent     atomic.Uint64
	framesReceived atomic.Uint64
	bytesSent      atomic.Uint64
	bytesReceived  atomic.Uint64
}

// NewClient creates a channel that dials url when started
func NewClient(url string, cfg Config, logger *slog.Logger) *WebSocket {
	return &WebSocket{
		lifecycle: newLifecycle(cfg.MaxPendingFrames),
		cfg:       cfg,
		url:       url,
		logger:    logger,
	}
}

// Accept upgrades an HTTP request and wraps the connection. The channel
// stays Connecting until Start so subscribers can be registered first.
func Accept(w http.ResponseWriter, r *http.Request, upgrader *websocket.Upgrader, cfg Config, logger *slog.Logger) (*WebSocket, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket upgrade: %w", err)
	}
	ws := &WebSocket{
		lifecycle: newLifecycle(cfg.MaxPendingFrames),
		cfg:       cfg,
		logger:    logger,
	}
	ws.setConn(conn)
	return ws, nil
}

func (ws *WebSocket) setConn(conn *websocket.Conn) {
	if ws.cfg.ReadLimit > 0 {
		conn.SetReadLimit(ws.cfg.ReadLimit)
	}
	// Surface the peer's close frame to the read loop instead of answering it
	// immediately; the local direction may still have frames to flush.
	conn.SetCloseHandler(func(code int, text string) error {
		return nil
	})
	ws.conn = conn
}

// Start dials (client channels) and begins reading frames
func (ws *WebSocket) Start(ctx context.Context) error {
	ws.startOnce.Do(func() {
		ws.startDispatch()
		ws.startErr = ws.open(ctx)
	})
	return ws.startErr
}

func (ws *WebSocket) open(ctx context.Context) error {
	if ws.conn == nil {
		dialer := websocket.Dialer{
			HandshakeTimeout: ws.cfg.HandshakeTimeout,
			ReadBufferSize:   ws.cfg.ReadBufferSize,
			WriteBufferSize:  ws.cfg.WriteBufferSize,
		}

		conn, resp, err := dialer.DialContext(ctx, ws.url, ws.cfg.Header)
		if err != nil {
			if resp != nil {
				err = fmt.Errorf("dial %s: %w (status %d)", ws.url, err, resp.StatusCode)
			} else {
				err = fmt.Errorf("dial %s: %w", ws.url, err)
			}
			ws.transition(StateFailed, err)
			return err
		}
		ws.setConn(conn)
	}

	if !ws.transition(StateOpen, nil) {
		ws.conn.Close()
		return ErrNotOpen
	}

	ws.logger.Debug("WebSocket channel open",
		slog.String("remote_addr", ws.RemoteAddr()),
	)

	go ws.readLoop()
	return nil
}

func (ws *WebSocket) readLoop() {
	for {
		messageType, data, err := ws.conn.ReadMessage()
		if err != nil {
			ws.handleReadError(err)
			return
		}

		if messageType != websocket.BinaryMessage {
			ws.Abort(&AbortError{
				Code: CodeUnsupportedData,
				Err:  fmt.Errorf("%w: unexpected message type %d", ErrProtocol, messageType),
			})
			return
		}

		ws.framesReceived.Add(1)
		ws.bytesReceived.Add(uint64(len(data)))
		ws.emitFrame(data)
	}
}

func (ws *WebSocket) handleReadError(err error) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) && ce.Code == websocket.CloseNormalClosure {
		ws.flagsMu.Lock()
		ws.recvClosed = true
		sent := ws.sendClosed
		ws.flagsMu.Unlock()

		if sent {
			ws.finish()
		} else {
			ws.transition(StateClosing, nil)
		}
		return
	}

	if ws.State().Terminal() {
		// Local teardown closed the socket under the reader
		return
	}

	if ce != nil {
		err = &AbortError{Code: ce.Code, Err: fmt.Errorf("%w: %s", ErrRemoteClosed, ce.Error())}
	} else {
		err = fmt.Errorf("read frame: %w", err)
	}
	ws.fail(err)
}

// canSend reports whether the local direction is still writable
func (ws *WebSocket) canSend() bool {
	st := ws.State()
	ws.flagsMu.Lock()
	defer ws.flagsMu.Unlock()
	return !ws.sendClosed && (st == StateOpen || st == StateClosing)
}

func (ws *WebSocket) waitSendable(ctx context.Context) error {
	return ws.waitFor(ctx, func(st State) (bool, error) {
		if st == StateConnecting {
			return false, nil
		}
		if !ws.canSend() {
			return false, ErrNotOpen
		}
		return true, nil
	})
}

// Send writes one binary frame. It blocks while the channel is connecting
// and while the socket writer applies flow control.
func (ws *WebSocket) Send(ctx context.Context, frame []byte) error {
	if err := ws.waitSendable(ctx); err != nil {
		return err
	}

	ws.writeMu.Lock()
	defer ws.writeMu.Unlock()

	if !ws.canSend() {
		return ErrNotOpen
	}

	deadline, _ := ctx.Deadline()
	ws.conn.SetWriteDeadline(deadline)
	// Unblock a write stuck on a full socket when ctx is cancelled
	stop := context.AfterFunc(ctx, func() {
		ws.conn.NetConn().SetWriteDeadline(time.Now())
	})
	err := ws.conn.WriteMessage(websocket.BinaryMessage, frame)
	stop()

	if err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		ws.fail(fmt.Errorf("write frame: %w", err))
		return fmt.Errorf("%w: %v", ErrNotOpen, err)
	}

	ws.framesSent.Add(1)
	ws.bytesSent.Add(uint64(len(frame)))
	return nil
}

// CloseSend sends a normal close frame. Frames from the peer keep arriving
// until the peer closes its own direction.
func (ws *WebSocket) CloseSend(ctx context.Context) error {
	if err := ws.waitSendable(ctx); err != nil {
		return err
	}

	ws.writeMu.Lock()
	defer ws.writeMu.Unlock()

	if !ws.canSend() {
		return ErrNotOpen
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(closeGracePeriod)
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := ws.conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
		ws.fail(fmt.Errorf("write close: %w", err))
		return fmt.Errorf("%w: %v", ErrNotOpen, err)
	}

	ws.flagsMu.Lock()
	ws.sendClosed = true
	recv := ws.recvClosed
	ws.flagsMu.Unlock()

	if recv {
		ws.finish()
	} else {
		ws.transition(StateClosing, nil)
	}
	return nil
}

// Abort sends a close frame carrying err's code (1011 by default), closes
// the socket and fails the channel.
func (ws *WebSocket) Abort(err error) error {
	if ws.State().Terminal() {
		return nil
	}
	if err == nil {
		err = ErrAborted
	}

	code := CloseCodeOf(err)
	if code == CodeAbnormal || code == CodeNormal {
		code = CodeInternal
	}

	if ws.conn != nil {
		reason := err.Error()
		// Control frame payloads are limited to 125 bytes
		if len(reason) > 120 {
			reason = reason[:120]
		}
		msg := websocket.FormatCloseMessage(code, reason)
		ws.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
	}
	ws.fail(err)
	return nil
}

// Close aborts the channel with ErrAborted unless it already finished
func (ws *WebSocket) Close() error {
	return ws.Abort(&AbortError{Code: CodeGoingAway, Err: ErrAborted})
}

// Stats returns frame counters
func (ws *WebSocket) Stats() Stats {
	return Stats{
		FramesSent:     ws.framesSent.Load(),
		FramesReceived: ws.framesReceived.Load(),
		BytesSent:      ws.bytesSent.Load(),
		BytesReceived:  ws.bytesReceived.Load(),
	}
}

// RemoteAddr returns the peer address, or "" before the connection exists
func (ws *WebSocket) RemoteAddr() string {
	if ws.conn == nil {
		return ""
	}
	return ws.conn.RemoteAddr().String()
}

func (ws *WebSocket) finish() {
	if ws.transition(StateClosed, nil) {
		ws.logger.Debug("WebSocket channel closed cleanly")
	}
	if ws.conn != nil {
		ws.conn.Close()
	}
}

func (ws *WebSocket) fail(err error) {
	if ws.transition(StateFailed, err) {
		ws.logger.Debug("WebSocket channel failed", slog.String("error", err.Error()))
	}
	if ws.conn != nil {
		ws.conn.Close()
	}
}

var _ Channel = (*WebSocket)(nil)
