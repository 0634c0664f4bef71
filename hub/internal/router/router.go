// Package router turns inbound client frames into handler invocations.
//
// A Router holds only immutable dependencies. Every call to Route decodes
// and validates the envelope, normalizes the message type, resolves the
// handler from the frozen registry, builds an execution context when the
// handler asks for one, and invokes the handler. Failures are answered with
// an error envelope to the originating connection; none of them are fatal.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel/attribute"

	"github.com/amurg-ai/conduit/hub/internal/execctx"
	"github.com/amurg-ai/conduit/hub/internal/observability"
	"github.com/amurg-ai/conduit/hub/internal/registry"
	"github.com/amurg-ai/conduit/pkg/protocol"
)

// ErrUnknownMessageType is reported when no handler is registered for a type.
var ErrUnknownMessageType = errors.New("unknown message type")

// Outcome is the result of routing one frame.
type Outcome string

const (
	OutcomeOK           Outcome = "ok"
	OutcomeInvalid      Outcome = "invalid"
	OutcomeUnknownType  Outcome = "unknown_type"
	OutcomeContextError Outcome = "context_error"
	OutcomeHandlerError Outcome = "handler_error"
)

// HandlerExecutionError wraps an error or panic raised by a handler.
type HandlerExecutionError struct {
	Type   string
	UserID string
	Err    error
}

func (e *HandlerExecutionError) Error() string {
	return fmt.Sprintf("handler %q for user %q: %v", e.Type, e.UserID, e.Err)
}

func (e *HandlerExecutionError) Unwrap() error { return e.Err }

// ContextFactory builds execution contexts. *execctx.Factory implements it.
type ContextFactory interface {
	Create(ctx context.Context, userID, threadID, runID string, permissions []string) (*execctx.Context, error)
}

// Replier answers the originating connection. *emitter.Directory implements it.
type Replier interface {
	DeliverTo(userID, connID string, msg any) error
}

// Options holds the Router's optional collaborators.
type Options struct {
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
	Logger  *slog.Logger
}

// Router dispatches inbound frames to registered handlers.
type Router struct {
	registry *registry.Registry
	factory  ContextFactory
	replies  Replier
	schema   *jsonschema.Schema
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	logger   *slog.Logger
}

// New creates a Router. It freezes reg: no handler can be registered once
// routing begins.
func New(reg *registry.Registry, factory ContextFactory, replies Replier, opts Options) (*Router, error) {
	schema, err := compileEnvelope()
	if err != nil {
		return nil, fmt.Errorf("compile envelope schema: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reg.Freeze()
	return &Router{
		registry: reg,
		factory:  factory,
		replies:  replies,
		schema:   schema,
		metrics:  opts.Metrics,
		tracer:   opts.Tracer,
		logger:   logger.With("component", "router"),
	}, nil
}

type permissionsKey struct{}

// WithPermissions attaches the caller's permissions to ctx. Route passes
// them to the context factory. A nil slice attaches nothing, so the factory's
// resolver is used; an empty one grants no permissions.
func WithPermissions(ctx context.Context, perms []string) context.Context {
	if perms == nil {
		return ctx
	}
	out := make([]string, len(perms))
	copy(out, perms)
	return context.WithValue(ctx, permissionsKey{}, out)
}

// PermissionsFrom returns the permissions attached by WithPermissions, or nil
// when none were attached.
func PermissionsFrom(ctx context.Context) []string {
	perms, ok := ctx.Value(permissionsKey{}).([]string)
	if !ok {
		return nil
	}
	return perms
}

// Route handles one raw frame from connID, authenticated as userID.
func (r *Router) Route(ctx context.Context, userID, connID string, raw []byte) Outcome {
	start := time.Now()
	ctx, span := r.tracer.Start(ctx, "router.Route",
		attribute.String("user_id", userID),
		attribute.String("conn_id", connID),
	)
	defer span.End()

	msgType, outcome, err := r.route(ctx, userID, connID, raw)

	span.SetAttributes(attribute.String("message.type", msgType), attribute.String("outcome", string(outcome)))
	observability.RecordError(span, err)
	r.metrics.MessageRouted(msgType, string(outcome), time.Since(start))
	return outcome
}

// route returns the canonical type for metrics (empty when unknown), the
// outcome and the error that caused a non-ok outcome.
func (r *Router) route(ctx context.Context, userID, connID string, raw []byte) (string, Outcome, error) {
	msg, err := decode(r.schema, raw)
	if err != nil {
		r.logger.Debug("invalid message", "user_id", userID, "conn_id", connID, "error", err)
		r.replyError(userID, connID, "Invalid message: "+err.Error())
		return "", OutcomeInvalid, err
	}

	canonical := Normalize(msg.Type)
	reg, ok := r.registry.Resolve(canonical)
	if !ok {
		err := fmt.Errorf("%w: %s", ErrUnknownMessageType, msg.Type)
		r.logger.Warn("unknown message type", "user_id", userID, "conn_id", connID, "type", msg.Type)
		r.replyError(userID, connID, "Unknown message type: "+msg.Type)
		return "", OutcomeUnknownType, err
	}

	payload := copyPayload(msg.Payload)
	req := &registry.Request{
		UserID:       userID,
		ConnectionID: connID,
		Type:         canonical,
		OriginalType: msg.Type,
		ThreadID:     firstNonEmpty(msg.ThreadID, stringField(payload, "thread_id")),
		RunID:        firstNonEmpty(msg.RunID, stringField(payload, "run_id")),
		Payload:      payload,
	}

	if reg.Precheck != nil {
		if err := reg.Precheck(ctx, req); err != nil {
			herr := &HandlerExecutionError{Type: canonical, UserID: userID, Err: err}
			r.logger.Warn("request rejected before context creation", "user_id", userID, "conn_id", connID, "type", canonical, "error", err)
			r.replyError(userID, connID, fmt.Sprintf("Failed to handle %s: %v", canonical, err))
			return canonical, OutcomeHandlerError, herr
		}
	}

	if reg.NeedsContext {
		ec, err := r.factory.Create(ctx, userID, req.ThreadID, req.RunID, PermissionsFrom(ctx))
		if err != nil {
			r.logger.Error("execution context creation failed", "user_id", userID, "type", canonical, "error", err)
			r.replyError(userID, connID, "Failed to create execution context")
			return canonical, OutcomeContextError, err
		}
		req.Exec = ec
		req.ThreadID = ec.ThreadID()
		req.RunID = ec.RunID()
		// The context's ids win over anything the client put in the payload.
		payload["thread_id"] = ec.ThreadID()
		payload["run_id"] = ec.RunID()
	}

	err = invoke(ctx, reg.Handler, req)
	if req.Exec != nil && (err != nil || !reg.Owned) {
		if rerr := req.Exec.Release(); rerr != nil {
			r.logger.Warn("failed to release execution context", append(req.Exec.LogAttrs(), "error", rerr)...)
		}
	}
	if err != nil {
		herr := &HandlerExecutionError{Type: canonical, UserID: userID, Err: err}
		r.logger.Error("handler failed", "user_id", userID, "conn_id", connID, "type", canonical, "error", err)
		r.replyError(userID, connID, fmt.Sprintf("Failed to handle %s: %v", canonical, err))
		return canonical, OutcomeHandlerError, herr
	}
	return canonical, OutcomeOK, nil
}

func invoke(ctx context.Context, h registry.Handler, req *registry.Request) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return h.Handle(ctx, req)
}

func (r *Router) replyError(userID, connID, message string) {
	if err := r.replies.DeliverTo(userID, connID, protocol.NewError(message)); err != nil {
		r.logger.Warn("failed to deliver error response", "user_id", userID, "conn_id", connID, "error", err)
	}
}

func copyPayload(p map[string]any) map[string]any {
	out := make(map[string]any, len(p)+2)
	for k, v := range p {
		out[k] = v
	}
	return out
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
