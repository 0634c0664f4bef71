// Package dispatch executes tools on behalf of one execution context.
//
// A Dispatcher is created per context and never shared: every call it makes
// carries that context's identity, and permissions are checked before a tool
// is allowed to run.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/amurg-ai/conduit/hub/internal/execctx"
	"github.com/amurg-ai/conduit/hub/internal/workpool"
)

var (
	// ErrPermissionDenied matches every *PermissionDeniedError.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrUnknownTool is returned for a tool name that is not in the toolset.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrToolTimeout is returned when a tool exceeds its time budget.
	ErrToolTimeout = errors.New("tool timed out")
)

// PermissionDeniedError reports a tool call the user is not allowed to make.
type PermissionDeniedError struct {
	UserID     string
	Tool       string
	Permission string
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("user %q lacks permission %q for tool %q", e.UserID, e.Permission, e.Tool)
}

func (e *PermissionDeniedError) Is(target error) bool { return target == ErrPermissionDenied }

// Tool is one executable capability.
type Tool interface {
	Name() string
	Execute(ctx context.Context, ec *execctx.Context, params map[string]any) (any, error)
}

// Permissioned tools name the permission they require. Tools that do not
// implement it require a permission equal to their name.
type Permissioned interface {
	Permission() string
}

// RequiredPermission returns the permission a tool call needs.
func RequiredPermission(t Tool) string {
	if p, ok := t.(Permissioned); ok {
		return p.Permission()
	}
	return t.Name()
}

// Toolset is an immutable name → tool table.
type Toolset struct {
	tools map[string]Tool
}

// NewToolset builds a toolset. Duplicate names are an error.
func NewToolset(tools ...Tool) (*Toolset, error) {
	m := make(map[string]Tool, len(tools))
	for _, t := range tools {
		if _, dup := m[t.Name()]; dup {
			return nil, fmt.Errorf("duplicate tool %q", t.Name())
		}
		m[t.Name()] = t
	}
	return &Toolset{tools: m}, nil
}

// Lookup returns a tool by name.
func (s *Toolset) Lookup(name string) (Tool, bool) {
	t, ok := s.tools[name]
	return t, ok
}

// Names returns the tool names, sorted.
func (s *Toolset) Names() []string {
	out := make([]string, 0, len(s.tools))
	for n := range s.tools {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Result is the outcome of one tool call.
type Result struct {
	Tool     string        `json:"tool"`
	Output   any           `json:"output,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Options tune a Dispatcher.
type Options struct {
	// Timeout bounds each tool call. Zero means no timeout.
	Timeout time.Duration
	Logger  *slog.Logger
}

// Dispatcher runs tools for exactly one execution context.
type Dispatcher struct {
	ec      *execctx.Context
	tools   *Toolset
	pool    *workpool.Pool
	timeout time.Duration
	logger  *slog.Logger
}

// New creates a dispatcher bound to ec.
func New(ec *execctx.Context, tools *Toolset, pool *workpool.Pool, opts Options) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		ec:      ec,
		tools:   tools,
		pool:    pool,
		timeout: opts.Timeout,
		logger:  logger.With(append([]any{"component", "dispatch"}, ec.LogAttrs()...)...),
	}
}

// Context returns the execution context the dispatcher acts for.
func (d *Dispatcher) Context() *execctx.Context { return d.ec }

// Execute runs the named tool. The tool must exist and the context must hold
// its permission; a rejected call has no side effect.
func (d *Dispatcher) Execute(ctx context.Context, name string, params map[string]any) (Result, error) {
	tool, ok := d.tools.Lookup(name)
	if !ok {
		return Result{Tool: name}, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}

	perm := RequiredPermission(tool)
	if !d.ec.HasPermission(perm) {
		d.logger.Warn("tool call denied", "tool", name, "permission", perm)
		return Result{Tool: name}, &PermissionDeniedError{UserID: d.ec.UserID(), Tool: name, Permission: perm}
	}

	callCtx := ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	start := time.Now()
	out, err := d.pool.Submit(callCtx, func(ctx context.Context) (any, error) {
		return tool.Execute(ctx, d.ec, params)
	})
	res := Result{Tool: name, Output: out, Duration: time.Since(start)}

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w: %q after %s", ErrToolTimeout, name, d.timeout)
		}
		d.logger.Warn("tool failed", "tool", name, "duration", res.Duration, "error", err)
		return res, err
	}
	d.logger.Debug("tool completed", "tool", name, "duration", res.Duration)
	return res, nil
}
