// Package transport defines the pluggable bidirectional frame stream
// (spec §4 C1) and a default implementation over gorilla/websocket, the
// library the other_examples OCPP reference server builds its upgrade
// loop on. Transport is deliberately the thinnest layer in the module:
// everything above it (Connection, RPC engine) depends only on this
// interface, never on gorilla/websocket directly.
package transport

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// FrameType distinguishes text from binary data frames. Control frames
// have no FrameType: pongs are surfaced only via SetPongHandler, and a
// close shows up as ErrClosed from ReadMessage.
type FrameType int

const (
	FrameText FrameType = iota
	FrameBinary
)

// Conn is a bidirectional message stream: read/write full messages (not
// raw socket bytes), with ping/pong liveness and a close handshake.
// Implementations must be safe for concurrent ReadMessage and
// WriteMessage calls from different goroutines, and for concurrent
// WriteMessage calls with each other: the Connection state machine
// writes replies from its read loop while its outbound queue (up to
// CallConcurrency sends at once) writes CALLs.
type Conn interface {
	// ReadMessage blocks for the next inbound message. Returns
	// ErrClosed once the peer or local side has closed the connection.
	ReadMessage(ctx context.Context) (FrameType, []byte, error)

	// WriteMessage sends a single message frame.
	WriteMessage(ctx context.Context, ft FrameType, data []byte) error

	// Ping sends a WebSocket ping control frame.
	Ping(ctx context.Context) error

	// SetPongHandler registers a callback invoked whenever a pong
	// control frame arrives.
	SetPongHandler(fn func())

	// Close sends a close frame with the given code/reason (normalized
	// per spec's close-code validation) and tears down the connection.
	Close(code int, reason string) error

	// RemoteAddr returns the peer's address as reported by the
	// underlying socket.
	RemoteAddr() string
}

// ErrClosed is returned by ReadMessage/WriteMessage once the connection
// is no longer usable.
var ErrClosed = errors.New("transport: connection closed")

// Dialer opens an outbound transport connection (station/client role).
type Dialer interface {
	Dial(ctx context.Context, url string, subprotocols []string, headers http.Header) (Conn, string, error)
}

// Upgrader completes an inbound HTTP upgrade request into a Conn
// (CSMS/server role). This is the interface §6's "HTTP upgrade handoff"
// binds against: any host HTTP server can drive it.
type Upgrader interface {
	Upgrade(w http.ResponseWriter, r *http.Request, subprotocol string, responseHeader http.Header) (Conn, error)
}

// MaxMessageBytes is the default inbound message size limit (spec §6).
// Frames larger than this close the connection with code 1009.
const MaxMessageBytes = 128 * 1024

// DefaultPingInterval and DefaultPongWait are the default liveness
// timing. The station ping loop runs on the ping interval alone and
// forces a disconnect on the first tick after two pings went unanswered
// (spec §4.8); it does not read PongWait.
const (
	DefaultPingInterval = 30 * time.Second
	DefaultPongWait     = 35 * time.Second
)
