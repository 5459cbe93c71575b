package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSConfig configures a WebSocket-backed Transport.
type WSConfig struct {
	Headers map[string]string

	WriteTimeout time.Duration
	ReadTimeout  time.Duration

	ReadBufferSize  int
	WriteBufferSize int
}

// DefaultWSConfig returns sensible defaults, grounded on the teacher's
// wss.DefaultConfig.
func DefaultWSConfig() WSConfig {
	return WSConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
}

// WS is a gorilla/websocket-backed Transport. One instance is good for
// exactly one Connect attempt sequence: once a dial has failed, the
// instance is marked disposed and a fresh one must be constructed (this
// is what lets socket.Socket's connect loop decide whether to reuse or
// replace its Transport, per spec §4.D).
type WS struct {
	cfg WSConfig

	mu       sync.Mutex
	conn     *websocket.Conn
	disposed bool
	closed   bool

	messages chan []byte
	closedCh chan error
	once     sync.Once
}

// NewWS returns a Factory that constructs WebSocket transports with cfg.
func NewWS(cfg WSConfig) Factory {
	return func() Transport {
		return &WS{
			cfg:      cfg,
			messages: make(chan []byte, 64),
			closedCh: make(chan error, 1),
		}
	}
}

func (w *WS) Connect(ctx context.Context, uri string) error {
	w.mu.Lock()
	if w.disposed {
		w.mu.Unlock()
		return ErrDisposed
	}
	w.mu.Unlock()

	dialer := websocket.Dialer{
		ReadBufferSize:  w.cfg.ReadBufferSize,
		WriteBufferSize: w.cfg.WriteBufferSize,
	}

	headers := make(map[string][]string, len(w.cfg.Headers))
	for k, v := range w.cfg.Headers {
		headers[k] = []string{v}
	}

	conn, _, err := dialer.DialContext(ctx, uri, headers)
	if err != nil {
		// A *websocket.Conn that never came into being cannot be redialed;
		// mark this instance disposed so the caller constructs anew.
		w.mu.Lock()
		w.disposed = true
		w.mu.Unlock()
		return fmt.Errorf("transport: dial: %w: %w", err, ErrDisposed)
	}

	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()

	go w.readLoop()
	return nil
}

func (w *WS) Send(ctx context.Context, data []byte) error {
	w.mu.Lock()
	conn := w.conn
	closed := w.closed
	w.mu.Unlock()

	if conn == nil || closed {
		return ErrNotConnected
	}

	if w.cfg.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(w.cfg.WriteTimeout))
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (w *WS) Close(code uint16, reason string) {
	w.mu.Lock()
	conn := w.conn
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.mu.Unlock()

	if conn != nil {
		deadline := time.Now().Add(2 * time.Second)
		msg := websocket.FormatCloseMessage(int(code), reason)
		conn.WriteControl(websocket.CloseMessage, msg, deadline)
		conn.Close()
	}

	w.finish(nil)
}

func (w *WS) Messages() <-chan []byte {
	return w.messages
}

func (w *WS) Closed() <-chan error {
	return w.closedCh
}

func (w *WS) readLoop() {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()

	for {
		if w.cfg.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(w.cfg.ReadTimeout))
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			w.mu.Lock()
			localClose := w.closed
			w.mu.Unlock()
			if localClose {
				// Close shut the socket under us; that is a clean shutdown.
				w.finish(nil)
				return
			}
			if isConnectionAborted(err) {
				w.finish(ErrConnectionAborted)
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				w.finish(nil)
				return
			}
			w.finish(err)
			return
		}

		select {
		case w.messages <- data:
		default:
			// Slow consumer: drop rather than block the read loop and
			// stall the underlying TCP connection's flow control.
		}
	}
}

func (w *WS) finish(err error) {
	w.once.Do(func() {
		close(w.messages)
		w.closedCh <- err
		close(w.closedCh)
	})
}

// isConnectionAborted reports whether err reflects the connection dying
// mid-read without a clean WebSocket close frame (peer reset, broken
// pipe, or reading after the local side already closed the socket) as
// opposed to a deadline or an honest protocol-level close error.
func isConnectionAborted(err error) bool {
	if errors.Is(err, net.ErrClosed) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return false
	}

	var opErr *net.OpError
	return errors.As(err, &opErr)
}
