// Package engine drives one agent run through its lifecycle and emits the
// lifecycle events to the run's owner.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/amurg-ai/conduit/hub/internal/dispatch"
	"github.com/amurg-ai/conduit/hub/internal/execctx"
	"github.com/amurg-ai/conduit/pkg/protocol"
)

// State represents a run's lifecycle state.
type State string

const (
	StateCreated       State = "created"
	StateStarted       State = "started"
	StateThinking      State = "thinking"
	StateToolExecuting State = "tool_executing"
	StateToolCompleted State = "tool_completed"
	StateCompleted     State = "completed"
	StateFailed        State = "failed"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s == StateCompleted || s == StateFailed }

// ErrInvalidTransition is returned for a transition the state machine forbids.
var ErrInvalidTransition = errors.New("invalid state transition")

// Failure reasons carried on agent_failed.
const (
	ReasonCancelled  = "cancelled"
	ReasonTimeout    = "timeout"
	ReasonToolError  = "tool_error"
	ReasonPermission = "permission_denied"
	ReasonPlanning   = "planning_error"
)

var (
	errCancelled  = errors.New("run cancelled")
	errRunTimeout = errors.New("run timed out")
)

// transitions lists the legal successors of each non-terminal state.
// StateFailed is reachable from all of them and is handled separately.
var transitions = map[State][]State{
	StateCreated:       {StateStarted},
	StateStarted:       {StateThinking},
	StateThinking:      {StateToolExecuting, StateCompleted},
	StateToolExecuting: {StateToolCompleted},
	StateToolCompleted: {StateToolExecuting, StateCompleted},
}

var eventFor = map[State]string{
	StateStarted:       protocol.TypeAgentStarted,
	StateThinking:      protocol.TypeAgentThinking,
	StateToolExecuting: protocol.TypeToolExecuting,
	StateToolCompleted: protocol.TypeToolCompleted,
	StateCompleted:     protocol.TypeAgentCompleted,
	StateFailed:        protocol.TypeAgentFailed,
}

// Sender delivers events to the run's owner.
type Sender interface {
	Send(v any) error
}

// Observer receives run and tool outcomes, e.g. for metrics.
type Observer interface {
	RunStarted()
	RunFinished(state string, d time.Duration)
	ToolFinished(tool, status string, d time.Duration)
}

// Run is one execution. It is owned by a single goroutine and never shared
// between requests.
type Run struct {
	ec         *execctx.Context
	sender     Sender
	dispatcher *dispatch.Dispatcher
	observer   Observer
	logger     *slog.Logger
	now        func() time.Time

	mu        sync.Mutex
	state     State
	reason    string
	toolCalls int
	failures  int
	startedAt time.Time
	done      chan struct{}
}

// NewRun creates a run in the created state.
func NewRun(ec *execctx.Context, sender Sender, dispatcher *dispatch.Dispatcher, observer Observer, logger *slog.Logger) *Run {
	return &Run{
		ec:         ec,
		sender:     sender,
		dispatcher: dispatcher,
		observer:   observer,
		logger:     logger.With(append([]any{"component", "engine"}, ec.LogAttrs()...)...),
		now:        time.Now,
		state:      StateCreated,
		done:       make(chan struct{}),
	}
}

// Context returns the run's execution context.
func (r *Run) Context() *execctx.Context { return r.ec }

// State returns the current state.
func (r *Run) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Reason returns the failure reason of a failed run.
func (r *Run) Reason() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reason
}

// DeliveryFailures returns how many lifecycle events could not be delivered.
func (r *Run) DeliveryFailures() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failures
}

// Done is closed when the run reaches a terminal state.
func (r *Run) Done() <-chan struct{} { return r.done }

// transition moves the run to next and emits the matching event. Delivery
// failures are logged and counted; they never stop the run.
func (r *Run) transition(ctx context.Context, next State, data map[string]any) error {
	r.mu.Lock()
	cur := r.state
	if !allowed(cur, next) {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur, next)
	}
	r.state = next
	if next == StateStarted {
		r.startedAt = r.now()
	}
	if next == StateFailed {
		if reason, ok := data["reason"].(string); ok {
			r.reason = reason
		}
	}
	// Emit under the lock so concurrent callers cannot reorder events.
	r.emitLocked(ctx, eventFor[next], data)
	terminal := next.Terminal()
	r.mu.Unlock()

	if terminal {
		close(r.done)
	}
	return nil
}

func allowed(cur, next State) bool {
	if cur.Terminal() {
		return false
	}
	if next == StateFailed {
		return true
	}
	for _, s := range transitions[cur] {
		if s == next {
			return true
		}
	}
	return false
}

func (r *Run) emitLocked(ctx context.Context, eventType string, data map[string]any) {
	ev := protocol.Event{
		Type:      eventType,
		UserID:    r.ec.UserID(),
		ThreadID:  r.ec.ThreadID(),
		RunID:     r.ec.RunID(),
		Timestamp: r.now(),
		Data:      data,
	}
	if err := r.sender.Send(ev); err != nil {
		r.failures++
		r.logger.Warn("event delivery failed", "type", eventType, "error", err)
	}
	if sc := r.ec.Scope(); sc != nil {
		if _, err := sc.Append(ctx, eventType, data); err != nil {
			r.logger.Warn("failed to journal event", "type", eventType, "error", err)
		}
	}
}

// Start moves created → started.
func (r *Run) Start(ctx context.Context) error {
	return r.transition(ctx, StateStarted, map[string]any{"status": "started"})
}

// Think moves started → thinking.
func (r *Run) Think(ctx context.Context, message string) error {
	data := map[string]any{"status": "thinking"}
	if message != "" {
		data["message"] = message
	}
	return r.transition(ctx, StateThinking, data)
}

// BeginTool moves into tool_executing.
func (r *Run) BeginTool(ctx context.Context, call ToolCall) error {
	return r.transition(ctx, StateToolExecuting, map[string]any{
		"tool":       call.Name,
		"parameters": call.Parameters,
	})
}

// EndTool moves tool_executing → tool_completed. A non-nil err is reported
// with status "error"; the caller decides whether the run fails.
func (r *Run) EndTool(ctx context.Context, res dispatch.Result, err error) error {
	data := map[string]any{
		"tool":        res.Tool,
		"duration_ms": res.Duration.Milliseconds(),
	}
	status := "success"
	if err != nil {
		status = "error"
		data["error"] = err.Error()
	} else {
		data["result"] = res.Output
	}
	data["status"] = status

	r.mu.Lock()
	r.toolCalls++
	r.mu.Unlock()
	if r.observer != nil {
		r.observer.ToolFinished(res.Tool, status, res.Duration)
	}
	return r.transition(ctx, StateToolCompleted, data)
}

// Complete moves to completed.
func (r *Run) Complete(ctx context.Context, result map[string]any) error {
	return r.transition(ctx, StateCompleted, map[string]any{"status": "completed", "result": result})
}

// Fail moves to failed from any non-terminal state.
func (r *Run) Fail(ctx context.Context, cause error, reason string) error {
	data := map[string]any{"status": "failed", "reason": reason}
	if cause != nil {
		data["error"] = cause.Error()
	}
	return r.transition(ctx, StateFailed, data)
}

// Execute drives the run from created to a terminal state. It returns the
// error that failed the run, or nil on completion.
func (r *Run) Execute(ctx context.Context, planner Planner, payload map[string]any) error {
	// The journal must still be written when ctx is cancelled.
	jctx := context.WithoutCancel(ctx)

	if err := r.Start(jctx); err != nil {
		return err
	}
	if r.observer != nil {
		r.observer.RunStarted()
	}
	defer func() {
		if r.observer != nil {
			r.observer.RunFinished(string(r.State()), r.now().Sub(r.startedAt))
		}
	}()

	plan, err := planner.Plan(ctx, r.ec, payload)
	if err != nil {
		if ctx.Err() != nil {
			return r.failCancelled(jctx, ctx)
		}
		_ = r.Fail(jctx, err, ReasonPlanning)
		return err
	}
	if err := r.Think(jctx, plan.Message); err != nil {
		return err
	}

	results := make([]map[string]any, 0, len(plan.ToolCalls))
	for _, call := range plan.ToolCalls {
		if ctx.Err() != nil {
			return r.failCancelled(jctx, ctx)
		}
		if err := r.BeginTool(jctx, call); err != nil {
			return err
		}
		res, err := r.dispatcher.Execute(ctx, call.Name, call.Parameters)
		_ = r.EndTool(jctx, res, err)
		if err != nil {
			if ctx.Err() != nil {
				return r.failCancelled(jctx, ctx)
			}
			reason := ReasonToolError
			if errors.Is(err, dispatch.ErrPermissionDenied) {
				reason = ReasonPermission
			}
			_ = r.Fail(jctx, err, reason)
			return err
		}
		results = append(results, map[string]any{"tool": res.Tool, "result": res.Output})
	}

	if ctx.Err() != nil {
		return r.failCancelled(jctx, ctx)
	}

	result := map[string]any{"tool_results": results}
	if plan.Message != "" {
		result["message"] = plan.Message
	}
	return r.Complete(jctx, result)
}

func (r *Run) failCancelled(jctx, ctx context.Context) error {
	reason := ReasonCancelled
	cause := context.Cause(ctx)
	if errors.Is(cause, errRunTimeout) {
		reason = ReasonTimeout
	}
	_ = r.Fail(jctx, cause, reason)
	return cause
}

// Summary is a point-in-time view of a run.
type Summary struct {
	UserID    string    `json:"user_id"`
	ThreadID  string    `json:"thread_id"`
	RunID     string    `json:"run_id"`
	State     State     `json:"state"`
	Reason    string    `json:"reason,omitempty"`
	ToolCalls int       `json:"tool_calls"`
	StartedAt time.Time `json:"started_at"`
}

// Summary returns the run's current summary.
func (r *Run) Summary() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Summary{
		UserID:    r.ec.UserID(),
		ThreadID:  r.ec.ThreadID(),
		RunID:     r.ec.RunID(),
		State:     r.state,
		Reason:    r.reason,
		ToolCalls: r.toolCalls,
		StartedAt: r.startedAt,
	}
}
