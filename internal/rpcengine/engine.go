// Package rpcengine implements the per-connection OCPP-J RPC state
// machine (spec §4.7): framing dispatch, msgId correlation, the typed
// plus wildcard handler registry, strict-mode schema validation, and
// the bad-message counter that feeds the 1007 close path.
//
// The correlation shape - a map keyed by a generated id, each entry
// holding a channel the dispatcher resolves - is the donor's
// handleCallerTool request/response pattern
// (internal/mcp/socket_handler.go), generalized from a single
// caller-tools use case to every outbound CALL this engine makes.
package rpcengine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ocppware/ocppws-go/internal/logger"
	"github.com/ocppware/ocppws-go/internal/ocpp"
	"github.com/ocppware/ocppws-go/internal/queue"
	"github.com/ocppware/ocppws-go/internal/validator"
)

// NoReply, returned as the result value from a Handler, suppresses any
// CALLRESULT/CALLERROR reply for that CALL (spec §4.7).
var NoReply = &struct{ noReply bool }{noReply: true}

// Handler processes one inbound CALL and returns the payload to encode
// into the CALLRESULT, or an error to encode into a CALLERROR. Return
// NoReply to suppress any reply entirely.
type Handler func(ctx context.Context, action string, payload json.RawMessage) (any, error)

// handlerKey indexes the typed handler table by (variant, action).
type handlerKey struct {
	variant ocpp.Variant
	action  string
}

// SendFunc transmits one already-framed OCPP-J message. Implementations
// (internal/station's Connection) are expected to block while the
// connection is CONNECTING and return a non-nil error once it reaches
// CLOSED - that blocking behavior is what makes "CALLs issued while
// CONNECTING remain queued with their deadline still counting" true
// (spec §4.8) without the engine needing to know about connection
// state at all.
type SendFunc func(ctx context.Context, data []byte) error

// Config configures one Engine instance, one per connection.
type Config struct {
	Variant                   ocpp.Variant
	Validator                 *validator.Registry // nil disables strict-mode validation
	Strict                    bool
	ValidateResponses         bool // validate CALLRESULT payloads against urn:<action>.conf (spec §9 open question 3)
	CallConcurrency           int
	MaxBadMessages            int
	DefaultCallTimeout        time.Duration
	RespondWithDetailedErrors bool
	Send                      SendFunc
}

// pendingCall is one outbound CALL awaiting its CALLRESULT/CALLERROR.
// result is only safe to read after done is closed.
type pendingCall struct {
	action string
	done   chan struct{}
	once   sync.Once
	result pendingResult
	timer  *time.Timer
}

type pendingResult struct {
	payload json.RawMessage
	err     error
}

func newPendingCall(action string) *pendingCall {
	return &pendingCall{action: action, done: make(chan struct{})}
}

func (p *pendingCall) resolve(r pendingResult) {
	p.once.Do(func() {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.result = r
		close(p.done)
	})
}

// Engine is the RPC state machine for a single connection. Safe for
// concurrent use: inbound dispatch and outbound Call may run
// concurrently with each other.
type Engine struct {
	cfg Config

	mu       sync.RWMutex
	handlers map[handlerKey]Handler
	wildcard Handler

	pendingMu sync.Mutex
	pending   map[string]*pendingCall

	queue *queue.Queue

	badMu    sync.Mutex
	badCount int
}

// New creates an Engine. cfg.CallConcurrency < 1 is treated as 1.
func New(cfg Config) *Engine {
	if cfg.CallConcurrency < 1 {
		cfg.CallConcurrency = 1
	}
	if cfg.DefaultCallTimeout <= 0 {
		cfg.DefaultCallTimeout = 30 * time.Second
	}
	return &Engine{
		cfg:      cfg,
		handlers: make(map[handlerKey]Handler),
		pending:  make(map[string]*pendingCall),
		queue:    queue.New(cfg.CallConcurrency),
	}
}

// SetConcurrency adjusts the outbound concurrency cap at runtime.
func (e *Engine) SetConcurrency(n int) { e.queue.SetConcurrency(n) }

// RegisterHandler binds a typed handler for (variant, action). Exact
// match always wins over the wildcard (spec §3 handler registry, §9
// design notes: Typed | Wildcard, no reflection-based dispatch).
func (e *Engine) RegisterHandler(variant ocpp.Variant, action string, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[handlerKey{variant, action}] = h
}

// RegisterWildcard installs the single fallback handler invoked when no
// typed handler matches.
func (e *Engine) RegisterWildcard(h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.wildcard = h
}

func (e *Engine) lookup(variant ocpp.Variant, action string) Handler {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if h, ok := e.handlers[handlerKey{variant, action}]; ok {
		return h
	}
	return e.wildcard
}

// BadMessageCount returns the running count of framing violations seen
// on this connection.
func (e *Engine) BadMessageCount() int {
	e.badMu.Lock()
	defer e.badMu.Unlock()
	return e.badCount
}

// ErrTooManyBadMessages is returned by HandleInbound once the bad
// message count has exceeded cfg.MaxBadMessages; the caller (Connection)
// must close with code 1007 on receiving it (spec §5 backpressure).
var ErrTooManyBadMessages = fmt.Errorf("rpcengine: exceeded max bad messages")

func (e *Engine) recordBadMessage() error {
	if e.cfg.MaxBadMessages <= 0 {
		return nil
	}
	e.badMu.Lock()
	e.badCount++
	exceeded := e.badCount > e.cfg.MaxBadMessages
	e.badMu.Unlock()
	if exceeded {
		return ErrTooManyBadMessages
	}
	return nil
}

// HandleInbound parses and dispatches one raw inbound frame, writing
// any reply via cfg.Send. It returns ErrTooManyBadMessages once the bad
// message budget is exhausted; any other non-nil error is a send
// failure from cfg.Send and should be treated as connection loss by the
// caller.
func (e *Engine) HandleInbound(ctx context.Context, raw []byte) error {
	frame, parseErr := ocpp.ParseFrame(raw)
	return e.HandleFrame(ctx, frame, parseErr)
}

// HandleFrame dispatches an already-parsed frame. Callers that offload
// parsing (the connection's parse-pool path) parse elsewhere and feed
// the result here; the behavior is identical to HandleInbound.
func (e *Engine) HandleFrame(ctx context.Context, frame *ocpp.Frame, parseErr error) error {
	if parseErr != nil {
		if closeErr := e.recordBadMessage(); closeErr != nil {
			return closeErr
		}
		return e.sendFrameError(ctx, frame, parseErr)
	}

	switch frame.TypeID {
	case ocpp.TypeCall:
		return e.dispatchCall(ctx, frame)
	case ocpp.TypeCallResult:
		e.resolvePending(frame.MsgID, pendingResult{payload: frame.Payload})
		return nil
	case ocpp.TypeCallError:
		e.resolvePending(frame.MsgID, pendingResult{err: ocpp.NewRPCErrorDetails(
			frame.ErrorCode, frame.ErrorDescription, frame.ErrorDetails)})
		return nil
	default:
		// ParseFrame already classifies unknown typeIds as
		// MessageTypeNotSupported via its default case, so this branch
		// is unreachable in practice; kept for exhaustiveness.
		if closeErr := e.recordBadMessage(); closeErr != nil {
			return closeErr
		}
		return e.sendFrameError(ctx, frame, ocpp.NewRPCError(ocpp.ErrMessageTypeNotSupported, "unknown frame type"))
	}
}

func (e *Engine) sendFrameError(ctx context.Context, frame *ocpp.Frame, err error) error {
	rpcErr, ok := err.(*ocpp.RPCError)
	if !ok {
		rpcErr = ocpp.NewRPCError(ocpp.ErrRpcFrameworkError, err.Error())
	}
	var rawID json.RawMessage
	msgID := ""
	if frame != nil {
		rawID = frame.RawMsgID
		msgID = frame.MsgID
	}
	if rawID == nil {
		// Nothing recoverable to echo; nothing to send (spec §3: "no
		// msgId echo if unparseable").
		return nil
	}
	data, encErr := ocpp.EncodeCallError(rawID, msgID, rpcErr.Code, rpcErr.Description, rpcErr.Details)
	if encErr != nil {
		return encErr
	}
	return e.cfg.Send(ctx, data)
}

func (e *Engine) dispatchCall(ctx context.Context, frame *ocpp.Frame) error {
	handler := e.lookup(e.cfg.Variant, frame.Action)
	if handler == nil {
		return e.reply(ctx, frame, nil, ocpp.NewRPCErrorDetails(
			ocpp.ErrNotImplemented, "Requested method is not known", map[string]any{}))
	}

	if e.cfg.Strict && e.cfg.Validator != nil {
		reqID := validator.RequestSchemaID(frame.Action)
		if has, verr := e.cfg.Validator.Validate(reqID, frame.Payload); has && verr != nil {
			return e.reply(ctx, frame, nil, verr)
		}
	}

	result, err := e.invoke(ctx, handler, frame)
	if err != nil {
		return e.reply(ctx, frame, nil, ocpp.ToCallError(err, frame.Action, e.cfg.RespondWithDetailedErrors))
	}
	if result == NoReply {
		return nil
	}

	if e.cfg.ValidateResponses && e.cfg.Validator != nil {
		confID := validator.ConfSchemaID(frame.Action)
		payload, merr := json.Marshal(result)
		if merr == nil {
			if has, verr := e.cfg.Validator.Validate(confID, payload); has && verr != nil {
				logger.Error("response from %s failed conf-schema validation: %v", frame.Action, verr)
			}
		}
	}

	return e.reply(ctx, frame, result, nil)
}

// invoke runs handler, converting a panic into an InternalError so one
// bad handler never takes the connection's read loop down with it.
func (e *Engine) invoke(ctx context.Context, h Handler, frame *ocpp.Frame) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = ocpp.RecoverAsError(r)
		}
	}()
	return h(ctx, frame.Action, frame.Payload)
}

func (e *Engine) reply(ctx context.Context, frame *ocpp.Frame, result any, callErr error) error {
	if callErr != nil {
		rpcErr, ok := callErr.(*ocpp.RPCError)
		if !ok {
			rpcErr = ocpp.NewRPCError(ocpp.ErrInternalError, callErr.Error())
		}
		data, err := ocpp.EncodeCallError(nil, frame.MsgID, rpcErr.Code, rpcErr.Description, rpcErr.Details)
		if err != nil {
			return err
		}
		return e.cfg.Send(ctx, data)
	}
	data, err := ocpp.EncodeCallResult(frame.MsgID, result)
	if err != nil {
		return err
	}
	return e.cfg.Send(ctx, data)
}

func (e *Engine) resolvePending(msgID string, r pendingResult) {
	e.pendingMu.Lock()
	p, ok := e.pending[msgID]
	if ok {
		delete(e.pending, msgID)
	}
	e.pendingMu.Unlock()
	if !ok {
		// Unmatched CALLRESULT/CALLERROR is logged and discarded, never
		// closes the connection (spec §4.7 step 2).
		logger.Info("rpcengine: discarding unmatched reply for msgId %s", msgID)
		return
	}
	p.resolve(r)
}

// CallOpts configures one outbound CALL.
type CallOpts struct {
	TimeoutMs int64
	Cancel    <-chan struct{}
}

// Call sends a CALL and waits for its CALLRESULT/CALLERROR, a timeout,
// a cancel signal, or the rejection delivered by RejectAllPending on
// connection loss - exactly one of which resolves it (spec §3 pending
// call invariant, §8 testable property).
func (e *Engine) Call(ctx context.Context, action string, payload any, opts CallOpts) (json.RawMessage, error) {
	if e.cfg.Strict && e.cfg.Validator != nil {
		reqID := validator.RequestSchemaID(action)
		body, err := json.Marshal(payload)
		if err != nil {
			return nil, ocpp.NewRPCError(ocpp.ErrFormationViolation, "payload does not marshal to JSON")
		}
		if has, verr := e.cfg.Validator.Validate(reqID, body); has && verr != nil {
			return nil, verr
		}
	}

	msgID := uuid.NewString()
	data, err := ocpp.EncodeCall(msgID, action, payload)
	if err != nil {
		return nil, err
	}

	timeout := time.Duration(opts.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = e.cfg.DefaultCallTimeout
	}

	p := newPendingCall(action)
	p.timer = time.AfterFunc(timeout, func() {
		e.pendingMu.Lock()
		if e.pending[msgID] == p {
			delete(e.pending, msgID)
		}
		e.pendingMu.Unlock()
		p.resolve(pendingResult{err: &ocpp.TimeoutError{Msg: fmt.Sprintf("CALL %s (%s) timed out", action, msgID)}})
	})

	e.pendingMu.Lock()
	e.pending[msgID] = p
	e.pendingMu.Unlock()

	future := e.queue.Push(ctx, func(ctx context.Context) (any, error) {
		return nil, e.cfg.Send(ctx, data)
	})

	go func() {
		_, sendErr := future.Wait(ctx)
		if sendErr != nil {
			e.pendingMu.Lock()
			if e.pending[msgID] == p {
				delete(e.pending, msgID)
			}
			e.pendingMu.Unlock()
			p.resolve(pendingResult{err: sendErr})
		}
	}()

	if opts.Cancel != nil {
		go func() {
			select {
			case <-opts.Cancel:
				e.pendingMu.Lock()
				if e.pending[msgID] == p {
					delete(e.pending, msgID)
				}
				e.pendingMu.Unlock()
				p.resolve(pendingResult{err: fmt.Errorf("rpcengine: call %s canceled", msgID)})
			case <-p.done:
				// resolved through another path; nothing to do.
			}
		}()
	}

	<-p.done
	return p.result.payload, p.result.err
}

// RejectAllPending rejects every outstanding pending call with err -
// called once by the owning Connection on transition to CLOSED (spec
// §3 invariant: no pending call silently resolves past connection
// close).
func (e *Engine) RejectAllPending(err error) {
	e.pendingMu.Lock()
	all := e.pending
	e.pending = make(map[string]*pendingCall)
	e.pendingMu.Unlock()
	for _, p := range all {
		p.resolve(pendingResult{err: err})
	}
}

// PendingCount reports the number of outstanding pending calls.
func (e *Engine) PendingCount() int {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	return len(e.pending)
}
