// Package csms assembles the CSMS-side HTTP/WebSocket upgrade pipeline
// (spec §4.10, component C11): connection-rate limiting, subprotocol
// negotiation, identity extraction, radix-trie route matching, CORS,
// the ordered middleware/auth chain, Basic Auth for security profile
// >=1, identity eviction, and the session LRU that survives a
// reconnect.
//
// The overall assembly - one http.ServeMux, health/ready/metrics wired
// in before anything auth-gated, a generated request id threaded
// through context, everything else layered as http.Handler middleware
// - is grounded on the donor's internal/mcp/server.go Serve method,
// with its MCP streamable-HTTP handler replaced end to end by the
// WebSocket upgrade handler built on internal/transport.
package csms

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/ocppware/ocppws-go/internal/auth"
	"github.com/ocppware/ocppws-go/internal/cluster"
	"github.com/ocppware/ocppws-go/internal/config"
	"github.com/ocppware/ocppws-go/internal/lockmap"
	"github.com/ocppware/ocppws-go/internal/logger"
	"github.com/ocppware/ocppws-go/internal/lrucache"
	"github.com/ocppware/ocppws-go/internal/metrics"
	"github.com/ocppware/ocppws-go/internal/ocpp"
	"github.com/ocppware/ocppws-go/internal/parsepool"
	"github.com/ocppware/ocppws-go/internal/radix"
	"github.com/ocppware/ocppws-go/internal/ratelimit"
	"github.com/ocppware/ocppws-go/internal/router"
	"github.com/ocppware/ocppws-go/internal/rpcengine"
	"github.com/ocppware/ocppws-go/internal/station"
	"github.com/ocppware/ocppws-go/internal/transport"
)

// ClusterAdapter is the subset of the cluster adapter (C12) the server
// needs: presence claiming for identity eviction across nodes, relaying
// a CALL to whichever node currently owns an identity, and the two
// callbacks New wires up (local delivery for relayed calls, eviction
// when a presence refresh observes another owner). A single-process
// deployment runs with this nil.
type ClusterAdapter interface {
	Enabled() bool
	NodeID() string
	ClaimPresence(ctx context.Context, identity string, ttl time.Duration) (bool, error)
	ReleasePresence(ctx context.Context, identity string)
	RelayCall(ctx context.Context, identity string, action string, payload any, timeout time.Duration) (any, error)
	SetDispatcher(fn cluster.Dispatcher)
	OnPresenceLost(fn func(identity string))
}

// ClientSession is one accepted station connection, keyed by identity
// in the server's live-connection map. Session points into the session
// LRU: the bag outlives the connection itself (spec §4.10, scenario
// S4 - data written while a prior connection was live is readable on
// its replacement).
type ClientSession struct {
	Identity string
	Conn     *station.Connection
	Route    *router.Route
	Session  *SessionBag
}

// Plugin is the passive observer contract (C13) the server notifies at
// each connection lifecycle point. Defined here (not imported from
// internal/plugin) to keep this package import-cycle-free; the
// concrete internal/plugin.Registry implements it.
type Plugin interface {
	OnConnection(ctx context.Context, identity string)
	OnDisconnect(ctx context.Context, identity string, reason error)
}

// Options configures a Server.
type Options struct {
	Config      *config.LoadedConfig
	Variants    *config.VariantRegistry
	AuthStore   *auth.Store
	Cluster     ClusterAdapter
	Plugins     []Plugin
	Upgrader    transport.Upgrader
	MaxSessions int
}

// Server is the CSMS listener: one per configured address, owning the
// radix trie of registered routers, the session LRU, and the upgrade
// pipeline.
type Server struct {
	opts     Options
	trie     *radix.Trie
	sessions *lrucache.Cache
	connRL   *ratelimit.Limiter
	authRL   *auth.AttemptLimiter
	pool     *parsepool.Pool
	upgrader transport.Upgrader
	idLocks  lockmap.KeyedMutex // serializes evict-then-replace per identity

	connMu sync.RWMutex
	conns  map[string]*ClientSession

	mu      sync.RWMutex
	routers []*router.Router
	started time.Time
}

// New builds a Server. Call Mount for each Router before ListenAndServe.
func New(opts Options) *Server {
	maxSessions := opts.MaxSessions
	if maxSessions <= 0 {
		maxSessions = 50_000
	}
	upgrader := opts.Upgrader
	if upgrader == nil {
		upgrader = transport.NewGorillaUpgrader()
	}

	rl := ratelimit.DefaultConnectionRateLimiter()
	if opts.Config != nil {
		rlCfg := opts.Config.ConfigDefaults.RateLimit
		if rlCfg.Limit > 0 {
			rl = ratelimit.New(ratelimit.Config{Limit: rlCfg.Limit, WindowMs: rlCfg.WindowMs})
		}
	}

	workers, queueSize := 0, parsepool.DefaultMaxQueueSize
	if opts.Config != nil {
		workers = opts.Config.ConfigDefaults.ParsePool.Workers
		if opts.Config.ConfigDefaults.ParsePool.MaxQueueSize > 0 {
			queueSize = opts.Config.ConfigDefaults.ParsePool.MaxQueueSize
		}
	}
	if workers <= 0 {
		workers = max(2, runtime.NumCPU()-2)
	}

	s := &Server{
		opts:     opts,
		trie:     radix.New(),
		sessions: lrucache.New(maxSessions),
		conns:    make(map[string]*ClientSession),
		connRL:   rl,
		authRL:   auth.DefaultAttemptLimiter(),
		pool:     parsepool.New(workers, queueSize),
		upgrader: upgrader,
	}
	// A bag falling out of the LRU while its connection is still live
	// takes the connection down with it: the session invariant is
	// "every live connection has a bag", not the other way around.
	s.sessions.OnEvict(func(key string, value any) {
		metrics.RecordEviction()
		if sess, ok := s.Session(key); ok {
			sess.Conn.Close(station.CloseOpts{Code: ocpp.CloseEviction, Reason: "evicted from session cache", Force: true})
		}
	})
	s.connRL.StartCleanup(time.Minute, 10*time.Minute)
	s.authRL.StartCleanup(time.Minute, 10*time.Minute)

	if opts.Cluster != nil && opts.Cluster.Enabled() {
		opts.Cluster.OnPresenceLost(func(identity string) {
			if sess, ok := s.Session(identity); ok {
				logger.WarnContext(logger.WithIdentity(context.Background(), identity),
					"closing connection: identity claimed by another node")
				sess.Conn.Close(station.CloseOpts{Code: ocpp.CloseEviction, Reason: "identity claimed by another node", Force: true})
			}
		})
		opts.Cluster.SetDispatcher(func(ctx context.Context, identity, action string, payload json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
			sess, ok := s.Session(identity)
			if !ok {
				return nil, ocpp.NewRPCError(ocpp.ErrGenericError, "identity not connected to this node")
			}
			return sess.Conn.Engine().Call(ctx, action, payload, rpcengine.CallOpts{TimeoutMs: timeout.Milliseconds()})
		})
	}
	return s
}

// Mount registers every route a Router has declared into the trie.
func (s *Server) Mount(r *router.Router) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, route := range r.Routes() {
		if err := s.trie.Insert(route.Pattern, route); err != nil {
			return fmt.Errorf("csms: mounting %q: %w", route.Pattern, err)
		}
	}
	s.routers = append(s.routers, r)
	return nil
}

// Session returns the live ClientSession for identity, if any.
func (s *Server) Session(identity string) (*ClientSession, bool) {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	sess, ok := s.conns[identity]
	return sess, ok
}

// SessionData returns identity's bag from the session LRU, whether or
// not a connection is currently live, promoting it to MRU.
func (s *Server) SessionData(identity string) (*SessionBag, bool) {
	v, ok := s.sessions.Get(identity)
	if !ok {
		return nil, false
	}
	return v.(*SessionBag), true
}

// ClearSession drops identity's bag explicitly (spec §3 session
// lifetime: evicted on capacity or explicit clear).
func (s *Server) ClearSession(identity string) {
	s.sessions.Delete(identity)
}

// ConnectionCount returns the number of live station connections.
func (s *Server) ConnectionCount() int {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	return len(s.conns)
}

// Call addresses a CALL to identity, whether it is attached to this
// node or, when a ClusterAdapter is configured, owned by a peer node
// (spec §4.10 "get_local_client/call addressing with cluster
// fallback").
func (s *Server) Call(ctx context.Context, identity, action string, payload any, timeoutMs int64) (any, error) {
	if sess, ok := s.Session(identity); ok {
		raw, err := sess.Conn.Engine().Call(ctx, action, payload, rpcengine.CallOpts{TimeoutMs: timeoutMs})
		metrics.RecordClusterCall("local")
		return raw, err
	}
	if s.opts.Cluster != nil && s.opts.Cluster.Enabled() {
		timeout := 30 * time.Second
		if timeoutMs > 0 {
			timeout = time.Duration(timeoutMs) * time.Millisecond
		}
		result, err := s.opts.Cluster.RelayCall(ctx, identity, action, payload, timeout)
		if err != nil {
			metrics.RecordClusterCall("error")
		} else {
			metrics.RecordClusterCall("relayed")
		}
		return result, err
	}
	return nil, fmt.Errorf("csms: no local or cluster-addressable connection for identity %q", identity)
}

// HandleUpgrade completes a WebSocket upgrade for a request received by
// any host HTTP server - direct listen or an Express/Fastify-style
// framework handing the raw upgrade over (spec §6 "HTTP upgrade
// handoff").
func (s *Server) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	s.handleUpgrade(w, r)
}

// Mux builds the full HTTP handler: health/ready/metrics unauthenticated,
// everything else routed through the upgrade pipeline.
func (s *Server) Mux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/", metrics.Middleware(http.HandlerFunc(s.handleUpgrade)))
	return s.withRequestID(mux)
}

// ListenAndServe starts serving on addr, blocking until it returns an
// error (mirrors the donor's Serve(addr string) error shape).
func (s *Server) ListenAndServe(addr string) error {
	s.started = time.Now()
	logger.Info("csms: listening on %s", addr)
	return http.ListenAndServe(addr, s.Mux())
}

// Shutdown closes every live connection with 1001, stops the rate
// limiter's cleanup loop and the parse pool; it does not close the
// http.Server itself (callers typically wrap ListenAndServe's
// net/http.Server to get graceful shutdown, per the standard library's
// own pattern).
func (s *Server) Shutdown(ctx context.Context) {
	s.connMu.RLock()
	conns := make([]*ClientSession, 0, len(s.conns))
	for _, sess := range s.conns {
		conns = append(conns, sess)
	}
	s.connMu.RUnlock()
	for _, sess := range conns {
		sess.Conn.Close(station.CloseOpts{Code: ocpp.CloseEviction, Reason: "server shutting down", Force: true})
	}

	s.connRL.Stop()
	s.authRL.Stop()
	s.pool.Stop(5 * time.Second)
}

func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}
		w.Header().Set("X-Request-ID", requestID)
		ctx := context.WithValue(r.Context(), logger.ContextKeyRequestID, requestID)
		r = r.WithContext(ctx)
		logger.InfoContext(ctx, "http request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}

func generateRequestID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(fmt.Sprintf(`{"status":"ready","connections":%d,"sessions":%d}`, s.ConnectionCount(), s.sessions.Len())))
}
