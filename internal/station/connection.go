// Package station implements the connection state machine (spec §4.8,
// component C9): CONNECTING/OPEN/CLOSING/CLOSED, exponential backoff
// with jitter, outbound buffering while (re)connecting, ping/pong
// liveness, and close-code validation. It wraps an rpcengine.Engine on
// top of a transport.Conn and is used on both ends - a station/charge
// point dialing out with reconnect, and the CSMS server's per-socket
// connection record (which skips dialing and attaches an
// already-upgraded transport directly).
//
// The fine-grained locking (one mutex per independently-mutated field
// group, rather than one big lock) and the explicit status-enum-plus-
// transition-method shape follow the donor's ActiveSession
// (internal/session/active.go); the ordered outbound buffer used while
// CONNECTING is grounded on the donor's EventBuffer
// (internal/session/event_buffer.go). Unlike that buffer it has no size
// cap: every write made while not OPEN is held until flush or CLOSED.
package station

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ocppware/ocppws-go/internal/logger"
	"github.com/ocppware/ocppws-go/internal/metrics"
	"github.com/ocppware/ocppws-go/internal/ocpp"
	"github.com/ocppware/ocppws-go/internal/parsepool"
	"github.com/ocppware/ocppws-go/internal/rpcengine"
	"github.com/ocppware/ocppws-go/internal/transport"
	"github.com/ocppware/ocppws-go/internal/validator"
)

// State is one of the four connection lifecycle states (spec §4.8).
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// EventType names the three connection-lifecycle events a Connection
// emits (spec §4.8 "Events").
type EventType string

const (
	EventOpen       EventType = "open"
	EventDisconnect EventType = "disconnect"
	EventClose      EventType = "close"
)

// Event is delivered to every registered Listener.
type Event struct {
	Type   EventType
	Code   int
	Reason string
	Err    error
}

// Listener observes connection lifecycle events.
type Listener func(Event)

// ErrConnectionClosed is returned by any send attempted after the
// connection has reached CLOSED.
var ErrConnectionClosed = errors.New("station: connection is closed")

// Config configures a Connection. Dialer/URL/Protocols/Reconnect* are
// only meaningful for the client (dialing) role; server-side
// connections are constructed via Attach and ignore them.
type Config struct {
	Variant                   ocpp.Variant
	Validator                 *validator.Registry
	Strict                    bool
	ValidateResponses         bool
	CallConcurrency           int
	MaxBadMessages            int
	CallTimeout               time.Duration
	RespondWithDetailedErrors bool

	PingInterval time.Duration
	PongWait     time.Duration

	// Bind, when set, runs against the freshly built engine before any
	// read loop starts: the one safe window to register handlers
	// without racing the first inbound message.
	Bind func(e *rpcengine.Engine)

	// ParsePool, when set, offloads inbound frame parsing to a shared
	// worker pool. Dispatch stays in this connection's read loop, so
	// per-connection ordering is unchanged; a full or stopped pool
	// falls back to inline parsing with identical semantics.
	ParsePool *parsepool.Pool

	// Client-only (Dial):
	Dialer        transport.Dialer
	URL           string
	Protocols     []string
	Headers       map[string][]string
	Reconnect     bool
	MaxReconnects int
	BackoffMin    time.Duration
	BackoffMax    time.Duration
}

func (c *Config) applyDefaults() {
	if c.CallConcurrency < 1 {
		c.CallConcurrency = 1
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = transport.DefaultPingInterval
	}
	if c.PongWait <= 0 {
		c.PongWait = transport.DefaultPongWait
	}
	if c.BackoffMin <= 0 {
		c.BackoffMin = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
}

// bufEntry is one raw write buffered while the connection is not OPEN.
type bufEntry struct {
	data []byte
	done chan error
}

// Connection is the state machine described in spec §4.8. Create one
// with New (client, dials out and reconnects) or Attach (server,
// already-upgraded transport, no reconnect).
type Connection struct {
	cfg    Config
	engine *rpcengine.Engine

	stateMu sync.RWMutex
	state   State

	connMu sync.Mutex
	conn   transport.Conn

	bufMu sync.Mutex
	buf   []*bufEntry

	listenMu  sync.Mutex
	listeners []Listener

	handshakeMu sync.RWMutex
	handshake   *ocpp.Handshake

	negotiatedMu sync.Mutex
	negotiated   string // protocol agreed on first connect; narrows Protocols on reconnect

	attempts int32
	missed   int32 // consecutive missed pongs, reset by SetPongHandler

	pingStop    chan struct{}
	readLoopGen int64 // increments each (re)connect so stale read loops exit cleanly

	closeOnce sync.Once
	stopped   chan struct{} // closed once the connection reaches terminal CLOSED
}

// New creates a client-role Connection. Call Connect to start dialing.
func New(cfg Config) *Connection {
	cfg.applyDefaults()
	c := &Connection{cfg: cfg, state: StateClosed, stopped: make(chan struct{})}
	c.engine = rpcengine.New(rpcengine.Config{
		Variant:                   cfg.Variant,
		Validator:                 cfg.Validator,
		Strict:                    cfg.Strict,
		ValidateResponses:         cfg.ValidateResponses,
		CallConcurrency:           cfg.CallConcurrency,
		MaxBadMessages:            cfg.MaxBadMessages,
		DefaultCallTimeout:        cfg.CallTimeout,
		RespondWithDetailedErrors: cfg.RespondWithDetailedErrors,
		Send:                      c.send,
	})
	if cfg.Bind != nil {
		cfg.Bind(c.engine)
	}
	return c
}

// Attach creates a server-role Connection wrapping an already-upgraded
// transport, entering OPEN immediately and starting its ping loop and
// read loop. There is no reconnect: a transport loss here goes straight
// to CLOSED.
func Attach(cfg Config, conn transport.Conn, hs *ocpp.Handshake, protocol string) *Connection {
	cfg.applyDefaults()
	c := &Connection{cfg: cfg, conn: conn, handshake: hs, state: StateConnecting, stopped: make(chan struct{})}
	c.negotiated = protocol
	c.engine = rpcengine.New(rpcengine.Config{
		Variant:                   cfg.Variant,
		Validator:                 cfg.Validator,
		Strict:                    cfg.Strict,
		ValidateResponses:         cfg.ValidateResponses,
		CallConcurrency:           cfg.CallConcurrency,
		MaxBadMessages:            cfg.MaxBadMessages,
		DefaultCallTimeout:        cfg.CallTimeout,
		RespondWithDetailedErrors: cfg.RespondWithDetailedErrors,
		Send:                      c.send,
	})
	if cfg.Bind != nil {
		cfg.Bind(c.engine)
	}
	conn.SetPongHandler(c.onPong)
	c.transitionTo(StateOpen, Event{Type: EventOpen})
	c.startPing()
	gen := atomic.AddInt64(&c.readLoopGen, 1)
	go func() {
		c.readLoop(conn, gen)
		// Server-role connections never reconnect: once the transport is
		// gone for good, finalize CLOSED unless an explicit Close already
		// did so.
		if c.State() != StateClosed {
			c.transitionTo(StateClosed, Event{Type: EventClose, Code: ocpp.CloseNormal, Reason: "transport closed"})
		}
	}()
	return c
}

// Engine returns the RPC engine driving this connection.
func (c *Connection) Engine() *rpcengine.Engine { return c.engine }

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// Handshake returns the immutable handshake info, or nil before the
// first OPEN.
func (c *Connection) Handshake() *ocpp.Handshake {
	c.handshakeMu.RLock()
	defer c.handshakeMu.RUnlock()
	return c.handshake
}

// OnEvent registers a lifecycle listener, called synchronously in the
// goroutine driving the transition. Listeners must not block.
func (c *Connection) OnEvent(l Listener) {
	c.listenMu.Lock()
	c.listeners = append(c.listeners, l)
	c.listenMu.Unlock()
}

func (c *Connection) emit(ev Event) {
	c.listenMu.Lock()
	ls := append([]Listener(nil), c.listeners...)
	c.listenMu.Unlock()
	for _, l := range ls {
		l(ev)
	}
}

// Done returns a channel closed once the connection reaches its final
// CLOSED (no further reconnects will occur).
func (c *Connection) Done() <-chan struct{} { return c.stopped }

// transitionTo updates state under lock and emits ev unless ev.Type is
// empty. CLOSED transitions reject pending calls and wake stopped.
func (c *Connection) transitionTo(s State, ev Event) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()

	if s == StateClosed {
		c.engine.RejectAllPending(&ocpp.ConnectionClosed{Code: ev.Code, Reason: ev.Reason})
		c.flushBuffer(ErrConnectionClosed)
		c.closeOnce.Do(func() { close(c.stopped) })
	}
	if ev.Type != "" {
		c.emit(ev)
	}
}

// Connect dials out (client role only). Only valid from CLOSED.
func (c *Connection) Connect(ctx context.Context) error {
	if c.cfg.Dialer == nil {
		return errors.New("station: Connect requires Config.Dialer")
	}
	if c.State() != StateClosed {
		return errors.New("station: Connect is only valid from CLOSED")
	}
	c.transitionTo(StateConnecting, Event{})
	go c.dialLoop(ctx)
	return nil
}

func (c *Connection) protocolsToOffer() []string {
	c.negotiatedMu.Lock()
	defer c.negotiatedMu.Unlock()
	if c.negotiated != "" {
		return []string{c.negotiated}
	}
	return c.cfg.Protocols
}

// dialLoop attempts to connect, retrying with backoff on failure until
// MaxReconnects is exhausted, at which point it transitions to CLOSED
// and emits "close" (spec §4.8 CONNECTING -> CLOSED).
func (c *Connection) dialLoop(ctx context.Context) {
	for {
		if c.State() != StateConnecting {
			return
		}
		headers := map[string][]string{}
		for k, v := range c.cfg.Headers {
			headers[k] = v
		}
		conn, protocol, err := c.cfg.Dialer.Dial(ctx, c.cfg.URL, c.protocolsToOffer(), http.Header(headers))
		if err != nil {
			if !c.scheduleRetry(ctx) {
				return
			}
			continue
		}

		c.negotiatedMu.Lock()
		c.negotiated = protocol
		c.negotiatedMu.Unlock()

		c.connMu.Lock()
		c.conn = conn
		c.connMu.Unlock()
		conn.SetPongHandler(c.onPong)
		atomic.StoreInt32(&c.attempts, 0)

		c.transitionTo(StateOpen, Event{Type: EventOpen})
		c.flushBuffer(nil)
		c.startPing()
		c.readLoop(conn, atomic.AddInt64(&c.readLoopGen, 1))
		// readLoop returns once the transport drops; fall through to
		// decide whether to reconnect or close for good.
		if !c.afterDisconnect(ctx) {
			return
		}
	}
}

// scheduleRetry waits the backoff delay (or ctx/Close) then reports
// whether the caller should keep trying.
func (c *Connection) scheduleRetry(ctx context.Context) bool {
	attempt := atomic.AddInt32(&c.attempts, 1)
	if int(attempt) > c.cfg.MaxReconnects {
		c.transitionTo(StateClosed, Event{Type: EventClose, Code: ocpp.CloseNormal, Reason: "reconnect attempts exhausted"})
		return false
	}
	delay := backoffDelay(c.cfg.BackoffMin, c.cfg.BackoffMax, int(attempt))
	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		c.transitionTo(StateClosed, Event{Type: EventClose, Code: ocpp.CloseNormal, Reason: "context canceled"})
		return false
	case <-c.stopped:
		return false
	}
}

// backoffDelay implements delay = min(backoffMax, backoffMin*2^attempts*jitter)
// (spec §4.8), jitter uniform in [0.5, 1.5).
func backoffDelay(min, max time.Duration, attempt int) time.Duration {
	jitter := 0.5 + rand.Float64()
	d := time.Duration(float64(min) * float64(uint64(1)<<uint(attempt)) * jitter)
	if d > max {
		d = max
	}
	return d
}

// afterDisconnect runs once the read loop exits on an OPEN connection:
// decides reconnect vs terminal close and reports whether dialLoop
// should continue.
func (c *Connection) afterDisconnect(ctx context.Context) bool {
	if c.State() == StateClosed {
		return false // explicit Close(force) already finalized things
	}
	if !c.cfg.Reconnect {
		c.transitionTo(StateClosed, Event{Type: EventClose, Code: ocpp.CloseNormal, Reason: "transport closed"})
		return false
	}
	c.transitionTo(StateConnecting, Event{Type: EventDisconnect})
	return c.scheduleRetry(ctx)
}

func (c *Connection) startPing() {
	c.pingStop = make(chan struct{})
	stop := c.pingStop
	interval := c.cfg.PingInterval
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if c.State() != StateOpen {
					return
				}
				missed := atomic.AddInt32(&c.missed, 1)
				if missed > 2 {
					logger.Info("station: %d missed pongs, forcing disconnect", missed)
					c.forceDisconnect()
					return
				}
				c.connMu.Lock()
				conn := c.conn
				c.connMu.Unlock()
				if conn != nil {
					_ = conn.Ping(context.Background())
				}
			}
		}
	}()
}

func (c *Connection) onPong() {
	atomic.StoreInt32(&c.missed, 0)
}

// forceDisconnect closes the underlying transport, which causes the
// read loop to return and the normal reconnect/close decision in
// afterDisconnect (client) or direct CLOSED (server) to take over.
func (c *Connection) forceDisconnect() {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn != nil {
		_ = conn.Close(ocpp.CloseNormal, "ping timeout")
	}
}

// send implements rpcengine.SendFunc. While CONNECTING it buffers and
// blocks (spec §4.8: CALLs remain queued, deadlines keep counting);
// once CLOSED it fails every buffered and future write immediately.
func (c *Connection) send(ctx context.Context, data []byte) error {
	for {
		switch c.State() {
		case StateOpen:
			c.connMu.Lock()
			conn := c.conn
			c.connMu.Unlock()
			if conn == nil {
				return ErrConnectionClosed
			}
			err := conn.WriteMessage(ctx, transport.FrameText, data)
			if err == nil {
				metrics.RecordMessage("outbound", "frame")
			}
			return err
		case StateClosed:
			return ErrConnectionClosed
		default: // CONNECTING, CLOSING
			entry := &bufEntry{data: data, done: make(chan error, 1)}
			c.bufMu.Lock()
			// Re-check state under the buffer lock: a transition to OPEN
			// racing with this append would otherwise strand the entry.
			if c.State() == StateOpen {
				c.bufMu.Unlock()
				continue
			}
			c.buf = append(c.buf, entry)
			c.bufMu.Unlock()
			select {
			case err := <-entry.done:
				return err
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// flushBuffer drains the outbound buffer in order. If err is nil, each
// entry is actually written to the current transport; otherwise every
// entry is failed with err (used on transition to CLOSED).
func (c *Connection) flushBuffer(err error) {
	c.bufMu.Lock()
	entries := c.buf
	c.buf = nil
	c.bufMu.Unlock()

	for _, e := range entries {
		if err != nil {
			e.done <- err
			continue
		}
		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()
		if conn == nil {
			e.done <- ErrConnectionClosed
			continue
		}
		e.done <- conn.WriteMessage(context.Background(), transport.FrameText, e.data)
	}
}

// readLoop pumps inbound frames into the engine until the transport
// closes or this generation is superseded by a newer connect attempt.
func (c *Connection) readLoop(conn transport.Conn, gen int64) {
	for {
		if atomic.LoadInt64(&c.readLoopGen) != gen {
			return
		}
		_, data, err := conn.ReadMessage(context.Background())
		if err != nil {
			return
		}
		metrics.RecordMessage("inbound", "frame")
		res := parsepool.SubmitOrInline(c.cfg.ParsePool, func() (any, error) {
			return ocpp.ParseFrame(data)
		})
		frame, _ := res.Value.(*ocpp.Frame)
		if herr := c.engine.HandleFrame(context.Background(), frame, res.Err); herr != nil {
			if herr == rpcengine.ErrTooManyBadMessages {
				_ = conn.Close(ocpp.CloseTooManyBad, "too many bad messages")
				return
			}
			// A send failure inside HandleInbound means the transport is
			// already gone; the loop exits on the next ReadMessage error.
			logger.Info("station: error handling inbound frame: %v", herr)
		}
	}
}

// CloseOpts configures an explicit Close.
type CloseOpts struct {
	Code   int
	Reason string
	// Force cancels every pending call synchronously and skips the
	// graceful CLOSING handshake wait (spec §5 cancellation).
	Force bool
}

// Close explicitly closes the connection (spec §4.8 OPEN/CONNECTING ->
// CLOSING/CLOSED). Safe to call more than once.
func (c *Connection) Close(opts CloseOpts) error {
	code := ocpp.NormalizeCloseCode(opts.Code)
	if code == 0 {
		code = ocpp.CloseNormal
	}

	if c.pingStop != nil {
		select {
		case <-c.pingStop:
		default:
			close(c.pingStop)
		}
	}

	if opts.Force {
		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()
		if conn != nil {
			_ = conn.Close(code, opts.Reason)
		}
		c.transitionTo(StateClosed, Event{Type: EventClose, Code: code, Reason: opts.Reason})
		return nil
	}

	if c.State() == StateClosed {
		return nil
	}
	c.transitionTo(StateClosing, Event{})
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn != nil {
		if err := conn.Close(code, opts.Reason); err != nil {
			return err
		}
	}
	c.transitionTo(StateClosed, Event{Type: EventClose, Code: code, Reason: opts.Reason})
	return nil
}
