// Package transport defines the narrow WebSocket contract the socket
// package depends on, and a gorilla/websocket-backed implementation of
// it. Keeping the interface separate from socket mirrors the
// transport-agnostic split used by the Bayeux clients in the retrieval
// pack this module is grounded on: the session/reconnect logic never
// imports gorilla/websocket directly, only this interface.
package transport

import (
	"context"
	"errors"
)

// Close codes used locally, per the Bayeux wire contract.
const (
	CloseNormal          uint16 = 1000
	CloseProtocolAbnormal uint16 = 1002
)

// ErrDisposed is returned by Connect when the underlying connection
// object failed a previous dial attempt and cannot be reused — the
// caller must discard this Transport and construct a new one.
var ErrDisposed = errors.New("transport: disposed, construct a new instance")

// ErrConnectionAborted is delivered on Closed() when the platform reports
// the connection died mid-read without a clean close frame.
var ErrConnectionAborted = errors.New("transport: connection aborted")

// ErrNotConnected is returned by Send when called before a successful
// Connect or after Close.
var ErrNotConnected = errors.New("transport: not connected")

// Transport is the opaque WebSocket contract of the spec: connect to a
// URI, send frames, close with a code/reason, and deliver inbound text
// frames and a terminal closed signal.
type Transport interface {
	// Connect dials uri. Returns ErrDisposed if this instance cannot be
	// reused after a prior failed Connect.
	Connect(ctx context.Context, uri string) error

	// Send writes one complete text frame.
	Send(ctx context.Context, data []byte) error

	// Close tears the connection down with the given WebSocket close
	// code and reason. Fire-and-forget: the eventual teardown is
	// observed via Closed().
	Close(code uint16, reason string)

	// Messages delivers each inbound text frame's payload, in order.
	// Closed when the connection is no longer usable.
	Messages() <-chan []byte

	// Closed delivers exactly one value (nil on a clean shutdown, whether
	// initiated by Close or by the peer's normal close frame; a non-nil
	// error otherwise) and is then closed.
	Closed() <-chan error
}

// Factory constructs a fresh Transport instance. socket.Socket calls this
// whenever it needs a new connection object (initially, or after an
// ErrDisposed).
type Factory func() Transport
