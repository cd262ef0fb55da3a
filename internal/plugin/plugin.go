// Package plugin implements the passive-observer lifecycle surface
// (spec §4.12, component C13). Plugins see init/connect/disconnect/
// close and may attach handlers to connections they are told about,
// but they never sit on the upgrade path: hook invocation is
// fire-and-observe, shielded by recover so a misbehaving observer
// cannot take the server down with it. Shutdown waits for OnClose
// with a bounded grace window, the donor's cancel-plus-WaitGroup
// Stop shape with a deadline on the wait.
package plugin

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ocppware/ocppws-go/internal/logger"
)

// DefaultCloseGrace bounds how long shutdown waits for OnClose hooks.
const DefaultCloseGrace = 5 * time.Second

// Plugin is the observer contract. OnInit runs once at registration;
// its error fails Register (a misconfigured plugin must surface
// loudly). The remaining hooks are notifications and must not block.
type Plugin interface {
	OnInit(ctx context.Context) error
	OnConnection(ctx context.Context, identity string)
	OnDisconnect(ctx context.Context, identity string, reason error)
	OnClose(ctx context.Context) error
}

// Funcs adapts plain functions to Plugin; nil fields are no-ops.
type Funcs struct {
	Init       func(ctx context.Context) error
	Connection func(ctx context.Context, identity string)
	Disconnect func(ctx context.Context, identity string, reason error)
	Close      func(ctx context.Context) error
}

func (f Funcs) OnInit(ctx context.Context) error {
	if f.Init == nil {
		return nil
	}
	return f.Init(ctx)
}

func (f Funcs) OnConnection(ctx context.Context, identity string) {
	if f.Connection != nil {
		f.Connection(ctx, identity)
	}
}

func (f Funcs) OnDisconnect(ctx context.Context, identity string, reason error) {
	if f.Disconnect != nil {
		f.Disconnect(ctx, identity, reason)
	}
}

func (f Funcs) OnClose(ctx context.Context) error {
	if f.Close == nil {
		return nil
	}
	return f.Close(ctx)
}

// Registry holds the ordered plugin list and fans lifecycle
// notifications out to it. It satisfies the server's Plugin view
// (OnConnection/OnDisconnect), so a whole Registry is handed to the
// server as one observer.
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin
	grace   time.Duration
}

// NewRegistry builds an empty Registry with the default close grace.
func NewRegistry() *Registry {
	return &Registry{grace: DefaultCloseGrace}
}

// SetCloseGrace overrides the bounded shutdown wait.
func (r *Registry) SetCloseGrace(d time.Duration) {
	r.mu.Lock()
	r.grace = d
	r.mu.Unlock()
}

// Register appends p and invokes its OnInit. A synchronous OnInit
// error (or panic) propagates to the caller; work a plugin detaches
// into its own goroutines is its own to supervise.
func (r *Registry) Register(ctx context.Context, p Plugin) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("plugin: OnInit panicked: %v", rec)
		}
	}()
	if err := p.OnInit(ctx); err != nil {
		return fmt.Errorf("plugin: OnInit: %w", err)
	}
	r.mu.Lock()
	r.plugins = append(r.plugins, p)
	r.mu.Unlock()
	return nil
}

func (r *Registry) snapshot() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Plugin(nil), r.plugins...)
}

// OnConnection notifies every plugin, in registration order, that a
// station connection was accepted. A panicking plugin is logged and
// skipped; it never disturbs the connection.
func (r *Registry) OnConnection(ctx context.Context, identity string) {
	for _, p := range r.snapshot() {
		notify(func() { p.OnConnection(ctx, identity) }, "OnConnection", identity)
	}
}

// OnDisconnect notifies every plugin that a station connection ended.
func (r *Registry) OnDisconnect(ctx context.Context, identity string, reason error) {
	for _, p := range r.snapshot() {
		notify(func() { p.OnDisconnect(ctx, identity, reason) }, "OnDisconnect", identity)
	}
}

func notify(fn func(), hook, identity string) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("plugin: %s(%s) panicked: %v", hook, identity, rec)
		}
	}()
	fn()
}

// Close runs every plugin's OnClose concurrently and waits for all of
// them, bounded by the grace window. Hooks still running when the
// grace elapses are abandoned; their errors, if any, are logged when
// they eventually land.
func (r *Registry) Close(ctx context.Context) {
	r.mu.RLock()
	grace := r.grace
	r.mu.RUnlock()

	plugins := r.snapshot()
	done := make(chan struct{})
	var wg sync.WaitGroup
	for _, p := range plugins {
		wg.Add(1)
		go func(p Plugin) {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("plugin: OnClose panicked: %v", rec)
				}
			}()
			if err := p.OnClose(ctx); err != nil {
				logger.Error("plugin: OnClose: %v", err)
			}
		}(p)
	}
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		logger.Error("plugin: OnClose grace of %s elapsed with hooks still running", grace)
	}
}
