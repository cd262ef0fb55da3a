// Package router implements the upgrade-time middleware/auth layer
// (spec §4.9, component C10): an ordered middleware chain bound to a
// path pattern, a pluggable auth callback, and route-local CORS/config
// overrides. Control flow uses an explicit Abort value instead of a
// panic or exception, so Reject can carry a status/reason/headers
// triple back to the dispatcher without any HTTP response having been
// written yet - this runs purely at the upgrade-decision stage.
//
// The chain shape is grounded on the other_examples chi router's
// nested route-group + ordered middleware stack
// (internal/httpapi/router.go in the retrieval pack), reworked from
// chi's panic-free next.ServeHTTP chaining into an explicit ctx.Next
// call, since chi itself is not in any go.mod in the pack.
package router

import (
	"context"
	"encoding/json"

	"github.com/ocppware/ocppws-go/internal/auth"
)

// Abort is a value-typed control-flow signal a Middleware returns via
// Context.Reject to abort the upgrade before auth/matching completes
// (spec §9 design notes: "Abort{status, reason, headers} is a value,
// not an exception").
type Abort struct {
	Status  int
	Reason  string
	Headers map[string]string
}

// Context is threaded through one upgrade attempt's middleware chain.
type Context struct {
	context.Context

	Identity string
	Pathname string
	Params   map[string]string
	Query    map[string][]string
	Headers  map[string][]string
	RemoteIP string

	// State accumulates values middlewares pass forward via Next's extra
	// argument (shallow-merged, spec §4.9).
	State map[string]any

	nextCalled bool
	aborted    *Abort
}

// NewContext creates a Context for one upgrade attempt.
func NewContext(ctx context.Context, identity, pathname string, params map[string]string, query, headers map[string][]string, remoteIP string) *Context {
	return &Context{
		Context:  ctx,
		Identity: identity,
		Pathname: pathname,
		Params:   params,
		Query:    query,
		Headers:  headers,
		RemoteIP: remoteIP,
		State:    map[string]any{},
	}
}

// Next must be called exactly once by a Middleware to continue the
// chain; extra is shallow-merged into ctx.State. Calling it twice is
// an error the dispatcher surfaces to the caller (spec §4.9).
func (c *Context) Next(extra map[string]any) error {
	if c.nextCalled {
		return ErrNextCalledTwice
	}
	c.nextCalled = true
	for k, v := range extra {
		c.State[k] = v
	}
	return nil
}

// Reject aborts the upgrade with an HTTP status/reason, recorded on the
// Context for the dispatcher to act on once the current Middleware
// returns.
func (c *Context) Reject(status int, reason string, headers map[string]string) {
	c.aborted = &Abort{Status: status, Reason: reason, Headers: headers}
}

// Aborted reports the recorded Abort, if Reject was called.
func (c *Context) Aborted() *Abort { return c.aborted }

// ErrNextCalledTwice is returned by Next on a second call from the
// same middleware invocation.
var ErrNextCalledTwice = nextCalledTwiceError{}

type nextCalledTwiceError struct{}

func (nextCalledTwiceError) Error() string { return "router: ctx.Next called twice" }

// Middleware is one link in a Router's chain. It must call ctx.Next to
// continue, or ctx.Reject to abort.
type Middleware func(ctx *Context) error

// AcceptFunc is called by an Authenticator on success; protocol must be
// one the client advertised. session seeds the connection's session
// bag (merged with, not replacing, any LRU-restored session).
type AcceptFunc func(protocol string, session map[string]any)

// RejectFunc is called by an Authenticator to abort the upgrade.
type RejectFunc func(code int, reason string, extraHeaders map[string]string)

// Authenticator receives exactly one Accept or Reject call (spec §4.9).
// Its return value is ignored by the dispatcher.
type Authenticator func(accept AcceptFunc, reject RejectFunc, handshake HandshakeView)

// HandshakeView is the subset of the immutable handshake info available
// to an Authenticator at auth time.
type HandshakeView struct {
	Identity           string
	Pathname           string
	Params             map[string]string
	Query              map[string][]string
	Headers            map[string][]string
	RemoteAddress      string
	RequestedProtocols []string
	Auth               *auth.AuthContext
}

// CORSOptions configures the origin/scheme/IP allowlists checked by the
// server's upgrade pipeline for this router (spec §4.10 step 5).
type CORSOptions struct {
	AllowedOrigins []string // empty means allow-all; "" entry allows a missing Origin header
	AllowedSchemes []string // default ws, wss
	AllowedIPs     []string // IPv4 exact/CIDR, IPv6 exact, IPv4-mapped IPv6
}

// Route holds one registered pattern's full configuration, the unit
// inserted into the radix trie (spec §3 "Route registration").
type Route struct {
	Pattern     string
	Middlewares []Middleware
	Auth        Authenticator
	CORS        *CORSOptions
	Config      map[string]any

	// Owner is the Router that registered this Route, used to fan a
	// newly accepted client out to every OnClient listener registered
	// on it (spec §4.9).
	Owner *Router
}

// NotifyClient tells this route's owning Router that identity has
// just been accepted on it.
func (r *Route) NotifyClient(identity string) {
	if r.Owner != nil {
		r.Owner.NotifyClient(identity)
	}
}

// Router is an ordered collection of route registrations sharing one
// set of global middlewares. Multiple Router instances may be mounted
// on a Server at different patterns, and the same pattern may be
// registered by more than one Router (spec §4.4 "Multiple routers may
// register the same pattern").
type Router struct {
	middlewares []Middleware
	auth        Authenticator
	cors        *CORSOptions
	config      map[string]any
	routes      []*Route
	handlers    []HandlerRegistration

	clientListeners []func(clientEvent)
}

// New creates an empty Router.
func New() *Router { return &Router{config: map[string]any{}} }

// Use appends a middleware to the router's own chain, run for every
// pattern this router registers, before its route-local middlewares.
func (r *Router) Use(m Middleware) *Router {
	r.middlewares = append(r.middlewares, m)
	return r
}

// SetAuth installs this router's auth callback, overriding the
// server-level default for patterns it registers (spec §4.10 step 7:
// "route-level overrides server-level").
func (r *Router) SetAuth(a Authenticator) *Router {
	r.auth = a
	return r
}

// SetCORS installs route-local CORS overrides.
func (r *Router) SetCORS(c CORSOptions) *Router {
	r.cors = &c
	return r
}

// SetConfig stores arbitrary route-local configuration retrievable by
// handlers via Route.Config.
func (r *Router) SetConfig(k string, v any) *Router {
	r.config[k] = v
	return r
}

// Register declares pattern as matched by this router, with its own
// additional middlewares layered after the router-level ones.
func (r *Router) Register(pattern string, middlewares ...Middleware) *Route {
	route := &Route{
		Pattern:     pattern,
		Middlewares: append(append([]Middleware(nil), r.middlewares...), middlewares...),
		Auth:        r.auth,
		CORS:        r.cors,
		Config:      r.config,
		Owner:       r,
	}
	r.routes = append(r.routes, route)
	return route
}

// Routes returns every route this router has registered, for the
// Server to insert into its radix trie.
func (r *Router) Routes() []*Route { return r.routes }

// clientEvent is fired once per client accepted on one of this
// router's matched patterns.
type clientEvent struct {
	Identity string
}

// RPCHandler processes one inbound CALL on a client matched by this
// router. It has the same shape as the connection engine's handler
// type; the server copies router-bound handlers into each matched
// connection's (variant, action) table before its first inbound
// message.
type RPCHandler func(ctx context.Context, action string, payload json.RawMessage) (any, error)

// HandlerRegistration is one Handle/HandleWildcard entry.
type HandlerRegistration struct {
	Variant  string // empty means the connection's negotiated variant
	Action   string
	Wildcard bool
	Fn       RPCHandler
}

// Handle binds a typed handler for (variant, action) on every client
// this router matches (spec §4.9 "handlers bound on a router via
// handle(...) are attached to every matched client"). An empty variant
// binds to whatever variant each connection negotiates.
func (r *Router) Handle(variant, action string, fn RPCHandler) *Router {
	r.handlers = append(r.handlers, HandlerRegistration{Variant: variant, Action: action, Fn: fn})
	return r
}

// HandleWildcard binds the fallback handler invoked when no typed
// handler matches on a client this router matches.
func (r *Router) HandleWildcard(fn RPCHandler) *Router {
	r.handlers = append(r.handlers, HandlerRegistration{Wildcard: true, Fn: fn})
	return r
}

// Handlers returns every handler bound on this router, in registration
// order.
func (r *Router) Handlers() []HandlerRegistration { return r.handlers }

// OnClient registers fn to run for every connection accepted against
// any pattern this router owns. The server invokes this after auth
// succeeds, before the connection is handed to user code directly.
func (r *Router) OnClient(fn func(identity string)) {
	r.clientListeners = append(r.clientListeners, func(ev clientEvent) { fn(ev.Identity) })
}

// NotifyClient invokes every OnClient listener for a newly accepted
// identity matched by this router.
func (r *Router) NotifyClient(identity string) {
	for _, fn := range r.clientListeners {
		fn(clientEvent{Identity: identity})
	}
}

// RunChain executes route's middleware chain in order, stopping at the
// first middleware that rejects or fails to call Next. It returns the
// recorded Abort (if any) and the first chain-integrity error (a
// middleware that returned without calling Next, or called Next
// twice).
func RunChain(ctx *Context, chains ...[]Middleware) (*Abort, error) {
	for _, chain := range chains {
		for _, mw := range chain {
			ctx.nextCalled = false
			if err := mw(ctx); err != nil {
				return nil, err
			}
			if ctx.aborted != nil {
				return ctx.aborted, nil
			}
			if !ctx.nextCalled {
				return nil, ErrMiddlewareDidNotCallNext
			}
		}
	}
	return nil, nil
}

// ErrMiddlewareDidNotCallNext is returned by RunChain when a middleware
// returns without calling ctx.Next or ctx.Reject.
var ErrMiddlewareDidNotCallNext = middlewareIncompleteError{}

type middlewareIncompleteError struct{}

func (middlewareIncompleteError) Error() string {
	return "router: middleware returned without calling ctx.Next or ctx.Reject"
}
