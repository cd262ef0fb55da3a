package csms

import (
	"bytes"
	"context"
	"encoding/base64"
	"net/http"
	"strings"
	"time"

	"github.com/ocppware/ocppws-go/internal/auth"
	"github.com/ocppware/ocppws-go/internal/config"
	"github.com/ocppware/ocppws-go/internal/cors"
	"github.com/ocppware/ocppws-go/internal/logger"
	"github.com/ocppware/ocppws-go/internal/metrics"
	"github.com/ocppware/ocppws-go/internal/ocpp"
	"github.com/ocppware/ocppws-go/internal/router"
	"github.com/ocppware/ocppws-go/internal/rpcengine"
	"github.com/ocppware/ocppws-go/internal/station"
	"github.com/ocppware/ocppws-go/internal/transport"
	"github.com/ocppware/ocppws-go/internal/validation"
	"github.com/ocppware/ocppws-go/internal/validator"
)

// handleUpgrade runs the full upgrade pipeline (spec §4.10): rate
// limit, subprotocol header parsing, identity extraction, radix match,
// protocol negotiation, CORS, middleware chain, auth, and finalize.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	remoteIP := clientIP(r)

	if !s.connRL.Allow(remoteIP) {
		metrics.RecordRateLimitRejection()
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	requested, err := validation.ParseSubprotocols(r.Header.Get("Sec-WebSocket-Protocol"))
	if err != nil || len(requested) == 0 {
		http.Error(w, "missing or malformed Sec-WebSocket-Protocol", http.StatusBadRequest)
		return
	}

	identity, err := validation.ExtractIdentity(r.URL.Path)
	if err != nil {
		if segs, perr := validation.NormalizePath(r.URL.Path); perr == nil && len(segs) == 0 {
			http.NotFound(w, r)
			return
		}
		http.Error(w, "malformed connection path", http.StatusBadRequest)
		return
	}

	match, ok := s.trie.Match(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}
	route, ok := pickRoute(match.Routers)
	if !ok {
		http.NotFound(w, r)
		return
	}

	protocol, ok := negotiateProtocol(requested, s.opts.Variants)
	if !ok {
		http.Error(w, "no mutually supported subprotocol", http.StatusUpgradeRequired)
		return
	}
	logger.DebugContext(r.Context(), "subprotocol negotiated", "protocol", protocol, "requested", requested)

	corsOpts := cors.Options{}
	if route.CORS != nil {
		corsOpts = cors.Options{AllowedOrigins: route.CORS.AllowedOrigins, AllowedSchemes: route.CORS.AllowedSchemes, AllowedIPs: route.CORS.AllowedIPs}
	}
	if d := cors.CheckOrigin(corsOpts, r.Header.Get("Origin")); !d.Allowed {
		http.Error(w, "origin rejected: "+d.Reason, http.StatusForbidden)
		return
	}
	if d := cors.CheckRemoteIP(corsOpts, r.RemoteAddr); !d.Allowed {
		http.Error(w, "remote address rejected: "+d.Reason, http.StatusForbidden)
		return
	}

	query := map[string][]string(r.URL.Query())
	headers := map[string][]string(r.Header)

	ctx := router.NewContext(r.Context(), identity, r.URL.Path, match.Params, query, headers, remoteIP)
	abort, chainErr := router.RunChain(ctx, route.Middlewares)
	if chainErr != nil {
		logger.ErrorContext(r.Context(), "middleware chain failed", "error", chainErr)
		http.Error(w, "middleware error: "+chainErr.Error(), http.StatusInternalServerError)
		return
	}
	if abort != nil {
		for k, v := range abort.Headers {
			w.Header().Set(k, v)
		}
		status := abort.Status
		if status == 0 {
			status = http.StatusForbidden
		}
		http.Error(w, abort.Reason, status)
		return
	}

	outcome, authErr := s.runAuth(route, identity, r, protocol, requested, match.Params, query, headers, remoteIP)
	if authErr != nil {
		metrics.RecordConnectionRejected(protocol, authErr.Error())
		http.Error(w, authErr.Error(), http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, outcome.protocol, nil)
	if err != nil {
		metrics.RecordConnectionRejected(outcome.protocol, "upgrade failed")
		return
	}

	s.finalizeConnection(r.Context(), identity, outcome.protocol, conn, outcome, route)
}

// pickRoute deterministically resolves multiple routers registered
// against the same pattern (spec §4.4) by taking the first in
// registration order.
func pickRoute(routers []any) (*router.Route, bool) {
	for _, r := range routers {
		if route, ok := r.(*router.Route); ok {
			return route, true
		}
	}
	return nil, false
}

// negotiateProtocol picks the first client-requested subprotocol the
// server recognizes, either a built-in variant or a registered custom
// one (spec §4.2).
func negotiateProtocol(requested []string, variants *config.VariantRegistry) (string, bool) {
	for _, p := range requested {
		switch ocpp.Variant(p) {
		case ocpp.Variant16, ocpp.Variant201, ocpp.Variant21:
			return p, true
		}
		if variants != nil && variants.HasVariant(p) {
			return p, true
		}
	}
	return "", false
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}

// authOutcome is what a successful auth step hands to finalize: the
// auth result, the subprotocol to complete the upgrade with (an
// Authenticator's accept may narrow it), and the session seed from
// accept's second argument.
type authOutcome struct {
	auth     *auth.AuthContext
	protocol string
	session  map[string]any
	password []byte
	tls      *ocpp.TLSInfo
}

// basicAuthPassword decodes an Authorization: Basic header and, when
// the decoded credential begins with "<identity>:", returns the
// remainder as raw bytes. Splitting on the identity prefix rather than
// the first colon supports binary keys and colons inside the identity
// (spec §4.10 step 8).
func basicAuthPassword(header, identity string) []byte {
	const prefix = "Basic "
	if !strings.HasPrefix(header, prefix) {
		return nil
	}
	decoded, err := base64.StdEncoding.DecodeString(header[len(prefix):])
	if err != nil {
		return nil
	}
	want := []byte(identity + ":")
	if !bytes.HasPrefix(decoded, want) {
		return nil
	}
	return decoded[len(want):]
}

// runAuth invokes the effective Authenticator (route-level overrides
// server default), falling back to Basic Auth against the configured
// credential store when the server's security profile requires it and
// no custom Authenticator is registered.
func (s *Server) runAuth(route *router.Route, identity string, r *http.Request, protocol string, requested []string, params map[string]string, query, headers map[string][]string, remoteIP string) (*authOutcome, error) {
	securityProfile := 0
	if s.opts.Config != nil {
		securityProfile = s.opts.Config.Server.SecurityProfile
	}

	var tlsInfo *ocpp.TLSInfo
	if r.TLS != nil {
		tlsInfo = &ocpp.TLSInfo{Authorized: len(r.TLS.PeerCertificates) > 0}
	}
	// Profile 3 is mTLS: the upgrade dies here without an authorized
	// client certificate (spec §6 security profiles).
	if securityProfile == 3 && (tlsInfo == nil || !tlsInfo.Authorized) {
		return nil, errUnauthorized("client certificate required")
	}

	password := basicAuthPassword(r.Header.Get("Authorization"), identity)
	var basicAuth *auth.AuthContext
	if password != nil && s.opts.AuthStore != nil {
		// Throttle before touching the store, so a credential-guessing
		// flood against one identity never reaches it.
		if !s.authRL.Allow(identity) {
			return nil, errUnauthorized("too many authentication attempts")
		}
		if cred, err := s.opts.AuthStore.Validate(identity, string(password)); err == nil && cred != nil {
			basicAuth = &auth.AuthContext{Identity: identity, Method: auth.MethodBasic, Credential: cred}
		}
	}

	if route.Auth == nil {
		if securityProfile >= 1 && s.opts.AuthStore != nil {
			if basicAuth == nil {
				return nil, errUnauthorized("invalid or missing HTTP Basic credentials")
			}
			return &authOutcome{auth: basicAuth, protocol: protocol, password: password, tls: tlsInfo}, nil
		}
		return &authOutcome{auth: &auth.AuthContext{Identity: identity, Method: auth.MethodNone}, protocol: protocol, password: password, tls: tlsInfo}, nil
	}

	hv := router.HandshakeView{
		Identity:           identity,
		Pathname:           r.URL.Path,
		Params:             params,
		Query:              query,
		Headers:            headers,
		RemoteAddress:      remoteIP,
		RequestedProtocols: requested,
		Auth:               basicAuth,
	}
	var outcome *authOutcome
	var rejectErr error
	route.Auth(
		func(acceptedProtocol string, session map[string]any) {
			chosen := protocol
			if acceptedProtocol != "" {
				// accept's protocol must be one the client advertised.
				for _, p := range requested {
					if p == acceptedProtocol {
						chosen = acceptedProtocol
						break
					}
				}
			}
			ac := basicAuth
			if ac == nil {
				ac = &auth.AuthContext{Identity: identity, Method: auth.MethodNone}
			}
			outcome = &authOutcome{auth: ac, protocol: chosen, session: session, password: password, tls: tlsInfo}
		},
		func(code int, reason string, extraHeaders map[string]string) {
			rejectErr = errUnauthorized(reason)
		},
		hv,
	)
	if rejectErr != nil {
		return nil, rejectErr
	}
	if outcome == nil {
		return nil, errUnauthorized("authenticator returned without accept or reject")
	}
	return outcome, nil
}

type unauthorizedError string

func (e unauthorizedError) Error() string { return string(e) }
func errUnauthorized(reason string) error { return unauthorizedError(reason) }

// finalizeConnection attaches the station.Connection, evicts any prior
// session for the same identity, registers the new one in the session
// LRU, and notifies the owning router's client listeners and any
// configured plugins (spec §4.10 step 8, §4.11 eviction).
func (s *Server) finalizeConnection(ctx context.Context, identity, protocol string, conn transport.Conn, outcome *authOutcome, route *router.Route) {
	// Two simultaneous upgrades for the same identity must evict and
	// replace one at a time, or both could survive in the live map.
	s.idLocks.Lock(identity)
	defer s.idLocks.Unlock(identity)

	if prior, ok := s.Session(identity); ok {
		prior.Conn.Close(station.CloseOpts{Code: ocpp.CloseEviction, Reason: "replaced by new connection", Force: true})
	}

	// The bag survives the eviction above and any earlier disconnect:
	// reuse it if the LRU still has it, seed it from accept(session)
	// either way.
	bag, ok := s.SessionData(identity)
	if !ok {
		bag = NewSessionBag(nil)
	}
	if outcome.session != nil {
		bag.Merge(outcome.session)
	}
	s.sessions.Set(identity, bag)

	variantName := protocol
	if s.opts.Variants != nil {
		variantName = s.opts.Variants.ResolveSchemaSet(protocol)
	}
	reg := validator.ForSubprotocol(variantName)

	cfg := station.Config{
		Variant:           ocpp.Variant(protocol),
		Validator:         reg,
		Strict:            true,
		ValidateResponses: false,
		ParsePool:         s.pool,
	}
	if s.opts.Config != nil {
		cc := s.opts.Config.ConfigDefaults.Connection
		cfg.CallTimeout = time.Duration(cc.CallTimeoutMs) * time.Millisecond
		cfg.PingInterval = time.Duration(cc.PingIntervalMs) * time.Millisecond
		cfg.MaxBadMessages = s.opts.Config.Server.MaxBadMessages
		cfg.CallConcurrency = s.opts.Config.Server.CallConcurrency
	}

	// Handlers bound on the owning router attach to every matched
	// client, inside the engine's pre-read-loop window.
	if route.Owner != nil {
		handlers := route.Owner.Handlers()
		cfg.Bind = func(e *rpcengine.Engine) {
			for _, h := range handlers {
				fn := rpcengine.Handler(h.Fn)
				if h.Wildcard {
					e.RegisterWildcard(fn)
					continue
				}
				variant := ocpp.Variant(h.Variant)
				if h.Variant == "" {
					variant = ocpp.Variant(protocol)
				}
				e.RegisterHandler(variant, h.Action, fn)
			}
		}
	}

	hs := &ocpp.Handshake{
		Identity:           identity,
		Pathname:           route.Pattern,
		RemoteAddress:      conn.RemoteAddr(),
		Password:           outcome.password,
		TLS:                outcome.tls,
		RequestedProtocols: []string{protocol},
	}

	sc := station.Attach(cfg, conn, hs, protocol)
	sess := &ClientSession{Identity: identity, Conn: sc, Route: route, Session: bag}
	s.connMu.Lock()
	s.conns[identity] = sess
	s.connMu.Unlock()

	connCtx := logger.WithConnection(ctx, identity, protocol)
	logger.InfoContext(connCtx, "station connected", "remote", conn.RemoteAddr())
	metrics.RecordConnectionOpened(protocol)
	metrics.SetSessionCacheSize(float64(s.sessions.Len()))
	route.NotifyClient(identity)

	// Register the close listener before kicking off anything that might
	// close the connection, so the cleanup below never races a close
	// against its own registration. The bag stays in the LRU: it is the
	// durability layer a reconnect picks back up.
	sc.OnEvent(func(ev station.Event) {
		if ev.Type != station.EventClose {
			return
		}
		s.connMu.Lock()
		if s.conns[identity] == sess {
			delete(s.conns, identity)
		}
		s.connMu.Unlock()
		logger.InfoContext(connCtx, "station disconnected", "code", ev.Code, "reason", ev.Reason)
		metrics.RecordConnectionClosed(protocol)
		if s.opts.Cluster != nil && s.opts.Cluster.Enabled() {
			s.opts.Cluster.ReleasePresence(context.Background(), identity)
		}
		for _, p := range s.opts.Plugins {
			p.OnDisconnect(ctx, identity, ev.Err)
		}
	})

	if s.opts.Cluster != nil && s.opts.Cluster.Enabled() {
		ttl := 3 * cfg.PingInterval
		if s.opts.Config != nil && s.opts.Config.ConfigDefaults.Cluster.PresenceTTLMultiplier > 0 {
			ttl = time.Duration(s.opts.Config.ConfigDefaults.Cluster.PresenceTTLMultiplier) * cfg.PingInterval
		}
		go func() {
			claimed, err := s.opts.Cluster.ClaimPresence(context.Background(), identity, ttl)
			if err != nil || !claimed {
				logger.WarnContext(connCtx, "presence claim failed", "error", err)
				sc.Close(station.CloseOpts{Code: ocpp.ClosePolicy, Reason: "presence claim lost to another node", Force: true})
			}
		}()
	}

	for _, p := range s.opts.Plugins {
		p.OnConnection(ctx, identity)
	}
}
