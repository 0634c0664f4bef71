// Package registry maps canonical message types to their handlers.
//
// Handlers are registered during startup only. Freeze publishes an immutable
// snapshot that Resolve reads without locking.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/amurg-ai/conduit/hub/internal/execctx"
)

var (
	// ErrDuplicateHandler is returned when a message type is registered twice.
	ErrDuplicateHandler = errors.New("handler already registered")
	// ErrFrozen is returned when registering after the registry was frozen.
	ErrFrozen = errors.New("registry is frozen")
)

// Request is everything a handler receives for one inbound message.
type Request struct {
	UserID       string
	ConnectionID string
	// Type is the canonical message type; OriginalType is what the client sent.
	Type         string
	OriginalType string
	ThreadID     string
	RunID        string
	// Payload is a per-request copy; handlers may keep it.
	Payload map[string]any
	// Exec is set only for handlers registered WithExecutionContext.
	Exec *execctx.Context
}

// Handler processes one message type.
type Handler interface {
	Handle(ctx context.Context, req *Request) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req *Request) error

// Handle calls f(ctx, req).
func (f HandlerFunc) Handle(ctx context.Context, req *Request) error { return f(ctx, req) }

// Registration is a resolved handler entry.
type Registration struct {
	Type    string
	Handler Handler
	// NeedsContext tells the router to build an execution context first.
	NeedsContext bool
	// Owned means the handler takes ownership of the execution context on
	// success and releases it itself.
	Owned bool
	// Precheck, when set, runs before the execution context is built. An
	// error rejects the request with no context created.
	Precheck func(ctx context.Context, req *Request) error
}

// Option customizes a registration.
type Option func(*Registration)

// WithExecutionContext marks a handler as needing a user execution context.
func WithExecutionContext() Option {
	return func(r *Registration) { r.NeedsContext = true }
}

// WithOwnedContext marks a context-bearing handler that keeps the context
// alive past its return (long-running runs). Implies WithExecutionContext.
func WithOwnedContext() Option {
	return func(r *Registration) {
		r.NeedsContext = true
		r.Owned = true
	}
}

// WithPrecheck installs a check the router runs before building the
// execution context.
func WithPrecheck(fn func(ctx context.Context, req *Request) error) Option {
	return func(r *Registration) { r.Precheck = fn }
}

// Registry holds the startup registration table.
type Registry struct {
	mu      sync.Mutex
	pending map[string]Registration
	frozen  atomic.Pointer[map[string]Registration]
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{pending: make(map[string]Registration)}
}

// Register adds a handler for a canonical message type.
func (r *Registry) Register(msgType string, h Handler, opts ...Option) error {
	if msgType == "" || h == nil {
		return fmt.Errorf("register %q: type and handler are required", msgType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen.Load() != nil {
		return fmt.Errorf("register %q: %w", msgType, ErrFrozen)
	}
	if _, exists := r.pending[msgType]; exists {
		return fmt.Errorf("register %q: %w", msgType, ErrDuplicateHandler)
	}
	reg := Registration{Type: msgType, Handler: h}
	for _, o := range opts {
		o(&reg)
	}
	r.pending[msgType] = reg
	return nil
}

// MustRegister is Register that panics on error. Use only during startup.
func (r *Registry) MustRegister(msgType string, h Handler, opts ...Option) {
	if err := r.Register(msgType, h, opts...); err != nil {
		panic(err)
	}
}

// Freeze ends the startup phase. Calling it more than once is harmless.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen.Load() != nil {
		return
	}
	snapshot := make(map[string]Registration, len(r.pending))
	for k, v := range r.pending {
		snapshot[k] = v
	}
	r.frozen.Store(&snapshot)
}

// Frozen reports whether Freeze has been called.
func (r *Registry) Frozen() bool {
	return r.frozen.Load() != nil
}

// Resolve looks up the handler for a canonical type. Before Freeze it always misses.
func (r *Registry) Resolve(msgType string) (Registration, bool) {
	m := r.frozen.Load()
	if m == nil {
		return Registration{}, false
	}
	reg, ok := (*m)[msgType]
	return reg, ok
}

// Discriminants returns the registered message types, sorted.
func (r *Registry) Discriminants() []string {
	var src map[string]Registration
	if m := r.frozen.Load(); m != nil {
		src = *m
	} else {
		r.mu.Lock()
		src = make(map[string]Registration, len(r.pending))
		for k, v := range r.pending {
			src[k] = v
		}
		r.mu.Unlock()
	}
	names := make([]string, 0, len(src))
	for name := range src {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
