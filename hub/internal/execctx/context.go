// Package execctx builds the per-request user execution context: the
// immutable (user, thread, run, permissions) identity every downstream
// component receives, plus a persistence handle scoped to that identity.
package execctx

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/amurg-ai/conduit/hub/internal/store"
)

// Context is the identity a handler, engine and dispatcher act on behalf of.
// It cannot be modified after construction.
type Context struct {
	userID    string
	threadID  string
	runID     string
	perms     map[string]struct{}
	createdAt time.Time
	scope     store.Scope

	releaseOnce sync.Once
	releaseErr  error
}

func (c *Context) UserID() string       { return c.userID }
func (c *Context) ThreadID() string     { return c.threadID }
func (c *Context) RunID() string        { return c.runID }
func (c *Context) CreatedAt() time.Time { return c.createdAt }

// Scope returns the persistence handle bound to this context.
func (c *Context) Scope() store.Scope { return c.scope }

// HasPermission reports whether the user holds perm.
func (c *Context) HasPermission(perm string) bool {
	_, ok := c.perms[perm]
	return ok
}

// Permissions returns a sorted copy of the permission set.
func (c *Context) Permissions() []string {
	out := make([]string, 0, len(c.perms))
	for p := range c.perms {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Equal compares the full identity tuple.
func (c *Context) Equal(o *Context) bool {
	if c == nil || o == nil {
		return c == o
	}
	return c.userID == o.userID && c.threadID == o.threadID && c.runID == o.runID
}

// Release closes the persistence handle. Calling it more than once is harmless.
func (c *Context) Release() error {
	c.releaseOnce.Do(func() {
		if c.scope != nil {
			c.releaseErr = c.scope.Close()
		}
	})
	return c.releaseErr
}

// LogAttrs returns the slog attributes identifying this context.
func (c *Context) LogAttrs() []any {
	return []any{"user_id", c.userID, "thread_id", c.threadID, "run_id", c.runID}
}

func (c *Context) String() string {
	return fmt.Sprintf("%s/%s/%s", c.userID, c.threadID, c.runID)
}

// ContextCreationError reports why a context could not be built.
type ContextCreationError struct {
	UserID string
	Stage  string // "validate", "permissions" or "scope"
	Err    error
}

func (e *ContextCreationError) Error() string {
	return fmt.Sprintf("create execution context for %q (%s): %v", e.UserID, e.Stage, e.Err)
}

func (e *ContextCreationError) Unwrap() error { return e.Err }

// PermissionResolver supplies a user's permissions when the caller did not.
type PermissionResolver interface {
	Permissions(ctx context.Context, userID string) ([]string, error)
}

// StaticPermissions grants the same permission list to every user.
type StaticPermissions []string

func (s StaticPermissions) Permissions(context.Context, string) ([]string, error) {
	return append([]string(nil), s...), nil
}

// Factory creates execution contexts.
type Factory struct {
	store    store.Store
	resolver PermissionResolver
	logger   *slog.Logger
	now      func() time.Time
}

// NewFactory creates a Factory. A nil resolver grants no permissions when none are supplied.
func NewFactory(s store.Store, resolver PermissionResolver, logger *slog.Logger) *Factory {
	if resolver == nil {
		resolver = StaticPermissions(nil)
	}
	return &Factory{
		store:    s,
		resolver: resolver,
		logger:   logger.With("component", "execctx"),
		now:      time.Now,
	}
}

// Create builds a context for userID. Empty thread or run ids are generated;
// supplied ids are reused. A nil permission slice is resolved through the
// factory's PermissionResolver.
func (f *Factory) Create(ctx context.Context, userID, threadID, runID string, permissions []string) (*Context, error) {
	if userID == "" {
		return nil, &ContextCreationError{Stage: "validate", Err: fmt.Errorf("user id is required")}
	}
	if threadID == "" {
		threadID = uuid.New().String()
	}
	if runID == "" {
		runID = uuid.New().String()
	}

	if permissions == nil {
		resolved, err := f.resolver.Permissions(ctx, userID)
		if err != nil {
			return nil, &ContextCreationError{UserID: userID, Stage: "permissions", Err: err}
		}
		permissions = resolved
	}
	perms := make(map[string]struct{}, len(permissions))
	for _, p := range permissions {
		perms[p] = struct{}{}
	}

	scope, err := f.store.OpenScope(ctx, store.ScopeKey{UserID: userID, ThreadID: threadID, RunID: runID})
	if err != nil {
		return nil, &ContextCreationError{UserID: userID, Stage: "scope", Err: err}
	}

	c := &Context{
		userID:    userID,
		threadID:  threadID,
		runID:     runID,
		perms:     perms,
		createdAt: f.now(),
		scope:     scope,
	}
	f.logger.Debug("execution context created", c.LogAttrs()...)
	return c, nil
}
