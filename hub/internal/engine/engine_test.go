package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/amurg-ai/conduit/hub/internal/dispatch"
	"github.com/amurg-ai/conduit/hub/internal/execctx"
	"github.com/amurg-ai/conduit/hub/internal/store"
	"github.com/amurg-ai/conduit/hub/internal/workpool"
	"github.com/amurg-ai/conduit/pkg/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recorder captures every event sent to one user.
type recorder struct {
	mu     sync.Mutex
	events []protocol.Event
	err    error
}

func (r *recorder) Send(v any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ev, ok := v.(protocol.Event); ok {
		r.events = append(r.events, ev)
	}
	return r.err
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func (r *recorder) last() protocol.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

// blockingTool waits for ctx to end.
type blockingTool struct{ started chan struct{} }

func (b *blockingTool) Name() string { return "wait" }

func (b *blockingTool) Execute(ctx context.Context, _ *execctx.Context, _ map[string]any) (any, error) {
	select {
	case b.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

type failingTool struct{}

func (failingTool) Name() string { return "flaky" }

func (failingTool) Execute(context.Context, *execctx.Context, map[string]any) (any, error) {
	return nil, errors.New("upstream unavailable")
}

type harness struct {
	runs    *Runs
	factory *execctx.Factory
	store   *store.SQLiteStore
}

func newHarness(t *testing.T, opts Options, tools ...dispatch.Tool) *harness {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	ts, err := dispatch.NewToolset(append(tools, dispatch.Echo{})...)
	if err != nil {
		t.Fatal(err)
	}
	logger := testLogger()
	runs := NewRuns(ts, workpool.New(4), nil, nil, store.NewAuditor(s, logger), opts, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = runs.Shutdown(ctx)
	})
	return &harness{
		runs:    runs,
		factory: execctx.NewFactory(s, execctx.StaticPermissions{"tools:echo", "wait", "flaky"}, logger),
		store:   s,
	}
}

func (h *harness) context(t *testing.T, userID, threadID, runID string) *execctx.Context {
	t.Helper()
	ec, err := h.factory.Create(context.Background(), userID, threadID, runID, nil)
	if err != nil {
		t.Fatal(err)
	}
	return ec
}

func waitDone(t *testing.T, r *Run) {
	t.Helper()
	select {
	case <-r.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not finish, state %s", r.State())
	}
}

func equalTypes(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestRun_CompletesWithOrderedEvents(t *testing.T) {
	h := newHarness(t, Options{})
	rec := &recorder{}
	ec := h.context(t, "u1", "thread-ordered", "run-ordered")

	run, err := h.runs.Start(ec, "c1", rec, map[string]any{
		"message":    "hello",
		"tool_calls": []any{map[string]any{"name": "echo", "parameters": map[string]any{"x": 1.0}}},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, run)
	h.runs.Wait()

	want := []string{"agent_started", "agent_thinking", "tool_executing", "tool_completed", "agent_completed"}
	if got := rec.types(); !equalTypes(got, want) {
		t.Fatalf("events: got %v, want %v", got, want)
	}
	for _, ev := range rec.events {
		if ev.UserID != "u1" || ev.ThreadID != "thread-ordered" || ev.RunID != "run-ordered" {
			t.Errorf("event %s carries wrong ids: %+v", ev.Type, ev)
		}
		if ev.Timestamp.IsZero() {
			t.Errorf("event %s has no timestamp", ev.Type)
		}
	}
	if rec.events[3].Data["status"] != "success" {
		t.Errorf("tool_completed status: %v", rec.events[3].Data["status"])
	}

	// Journal mirrors the emitted events.
	journal, err := h.store.ListRunEvents(context.Background(), "u1", "thread-ordered", "run-ordered", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(journal) != 5 || journal[4].Type != "agent_completed" {
		t.Errorf("journal: %+v", journal)
	}
	row, err := h.store.GetRun(context.Background(), "u1", "thread-ordered", "run-ordered")
	if err != nil {
		t.Fatal(err)
	}
	if row.State != store.RunCompleted {
		t.Errorf("run row state: %q", row.State)
	}

	st := h.runs.Stats("u1")
	if st.Started != 1 || st.Completed != 1 || st.ToolCalls != 1 || st.Active != 0 {
		t.Errorf("stats: %+v", st)
	}
}

func TestRun_NoToolsGoesStraightToCompleted(t *testing.T) {
	h := newHarness(t, Options{})
	rec := &recorder{}
	run, err := h.runs.Start(h.context(t, "u1", "", ""), "c1", rec, map[string]any{"message": "hi"})
	if err != nil {
		t.Fatal(err)
	}
	waitDone(t, run)

	want := []string{"agent_started", "agent_thinking", "agent_completed"}
	if got := rec.types(); !equalTypes(got, want) {
		t.Fatalf("events: got %v, want %v", got, want)
	}
	result := rec.last().Data["result"].(map[string]any)
	if result["message"] != "hi" {
		t.Errorf("result: %+v", result)
	}
}

func TestRun_ToolFailure(t *testing.T) {
	h := newHarness(t, Options{}, failingTool{})
	rec := &recorder{}
	run, err := h.runs.Start(h.context(t, "u1", "", ""), "c1", rec, map[string]any{
		"tool_calls": []any{map[string]any{"name": "flaky"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	waitDone(t, run)

	want := []string{"agent_started", "agent_thinking", "tool_executing", "tool_completed", "agent_failed"}
	if got := rec.types(); !equalTypes(got, want) {
		t.Fatalf("events: got %v, want %v", got, want)
	}
	if rec.events[3].Data["status"] != "error" {
		t.Errorf("tool_completed status: %v", rec.events[3].Data["status"])
	}
	failed := rec.last()
	if failed.Data["reason"] != ReasonToolError || failed.Data["error"] == nil {
		t.Errorf("agent_failed data: %+v", failed.Data)
	}
	if run.State() != StateFailed {
		t.Errorf("state: %s", run.State())
	}
}

func TestRun_PermissionDenied(t *testing.T) {
	h := newHarness(t, Options{})
	rec := &recorder{}
	ec, err := h.factory.Create(context.Background(), "u1", "", "", []string{})
	if err != nil {
		t.Fatal(err)
	}
	run, err := h.runs.Start(ec, "c1", rec, map[string]any{
		"tool_calls": []any{map[string]any{"name": "echo"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	waitDone(t, run)
	if run.Reason() != ReasonPermission {
		t.Errorf("reason: %q", run.Reason())
	}
}

func TestRun_PlanningError(t *testing.T) {
	h := newHarness(t, Options{})
	rec := &recorder{}
	run, err := h.runs.Start(h.context(t, "u1", "", ""), "c1", rec, map[string]any{"tool_calls": "nope"})
	if err != nil {
		t.Fatal(err)
	}
	waitDone(t, run)

	want := []string{"agent_started", "agent_failed"}
	if got := rec.types(); !equalTypes(got, want) {
		t.Fatalf("events: got %v, want %v", got, want)
	}
	if run.Reason() != ReasonPlanning {
		t.Errorf("reason: %q", run.Reason())
	}
}

func TestRun_Cancel(t *testing.T) {
	tool := &blockingTool{started: make(chan struct{}, 1)}
	h := newHarness(t, Options{}, tool)
	rec := &recorder{}
	run, err := h.runs.Start(h.context(t, "u1", "t1", "r1"), "c1", rec, map[string]any{
		"tool_calls": []any{map[string]any{"name": "wait"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	<-tool.started

	if err := h.runs.Cancel("u2", "t1", "r1"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("another user cancelled the run: %v", err)
	}
	if err := h.runs.Cancel("u1", "t1", "r1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	waitDone(t, run)
	h.runs.Wait()

	if run.Reason() != ReasonCancelled {
		t.Errorf("reason: %q", run.Reason())
	}
	types := rec.types()
	if types[len(types)-2] != "tool_completed" || types[len(types)-1] != "agent_failed" {
		t.Errorf("events: %v", types)
	}
	if st := h.runs.Stats("u1"); st.Cancelled != 1 || st.Active != 0 {
		t.Errorf("stats: %+v", st)
	}
	if _, ok := h.runs.Lookup("u1", "t1", "r1"); ok {
		t.Error("cancelled run still live")
	}
}

func TestRuns_RejectsDuplicateLiveRun(t *testing.T) {
	tool := &blockingTool{started: make(chan struct{}, 1)}
	h := newHarness(t, Options{}, tool)
	payload := map[string]any{"tool_calls": []any{map[string]any{"name": "wait"}}}

	first, err := h.runs.Start(h.context(t, "u1", "t1", "r1"), "c1", &recorder{}, payload)
	if err != nil {
		t.Fatal(err)
	}
	<-tool.started

	dup := h.context(t, "u1", "t1", "r1")
	defer dup.Release()
	if _, err := h.runs.Start(dup, "c1", &recorder{}, payload); !errors.Is(err, ErrRunActive) {
		t.Fatalf("expected ErrRunActive, got %v", err)
	}

	// Same ids for a different user are an independent run.
	other, err := h.runs.Start(h.context(t, "u2", "t1", "r1"), "c2", &recorder{}, map[string]any{})
	if err != nil {
		t.Fatalf("u2 start: %v", err)
	}
	waitDone(t, other)

	_ = h.runs.Cancel("u1", "t1", "r1")
	waitDone(t, first)
}

func TestRuns_MaxRunsPerUser(t *testing.T) {
	tool := &blockingTool{started: make(chan struct{}, 1)}
	h := newHarness(t, Options{MaxRunsPerUser: 1}, tool)
	payload := map[string]any{"tool_calls": []any{map[string]any{"name": "wait"}}}

	first, err := h.runs.Start(h.context(t, "u1", "", ""), "c1", &recorder{}, payload)
	if err != nil {
		t.Fatal(err)
	}
	second := h.context(t, "u1", "", "")
	defer second.Release()
	if _, err := h.runs.Start(second, "c1", &recorder{}, payload); !errors.Is(err, ErrTooManyRuns) {
		t.Fatalf("expected ErrTooManyRuns, got %v", err)
	}
	if n := h.runs.CancelConnection("u1", "c1"); n != 1 {
		t.Errorf("CancelConnection: %d", n)
	}
	waitDone(t, first)
}

func TestRuns_CancelConnectionOnlyThatConnection(t *testing.T) {
	tool := &blockingTool{started: make(chan struct{}, 2)}
	h := newHarness(t, Options{}, tool)
	payload := map[string]any{"tool_calls": []any{map[string]any{"name": "wait"}}}

	a, err := h.runs.Start(h.context(t, "u1", "", ""), "c1", &recorder{}, payload)
	if err != nil {
		t.Fatal(err)
	}
	b, err := h.runs.Start(h.context(t, "u1", "", ""), "c2", &recorder{}, payload)
	if err != nil {
		t.Fatal(err)
	}
	<-tool.started
	<-tool.started

	if n := h.runs.CancelConnection("u1", "c1"); n != 1 {
		t.Fatalf("cancelled %d runs", n)
	}
	waitDone(t, a)
	if b.State().Terminal() {
		t.Error("run of another connection was cancelled")
	}
	if len(h.runs.Active("u1")) != 1 {
		t.Errorf("active: %+v", h.runs.Active("u1"))
	}
	_ = h.runs.Cancel("u1", b.Context().ThreadID(), b.Context().RunID())
	waitDone(t, b)
}

func TestRun_Timeout(t *testing.T) {
	tool := &blockingTool{started: make(chan struct{}, 1)}
	h := newHarness(t, Options{RunTimeout: 30 * time.Millisecond}, tool)
	run, err := h.runs.Start(h.context(t, "u1", "", ""), "c1", &recorder{}, map[string]any{
		"tool_calls": []any{map[string]any{"name": "wait"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	waitDone(t, run)
	if run.Reason() != ReasonTimeout {
		t.Errorf("reason: %q", run.Reason())
	}
}

func TestRun_DeliveryFailuresDoNotStopRun(t *testing.T) {
	h := newHarness(t, Options{})
	rec := &recorder{err: errors.New("socket gone")}
	run, err := h.runs.Start(h.context(t, "u1", "", ""), "c1", rec, map[string]any{
		"tool_calls": []any{map[string]any{"name": "echo"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	waitDone(t, run)

	if run.State() != StateCompleted {
		t.Errorf("state: %s", run.State())
	}
	if run.DeliveryFailures() != 5 {
		t.Errorf("delivery failures: %d", run.DeliveryFailures())
	}
	if len(rec.types()) != 5 {
		t.Errorf("attempted deliveries: %d", len(rec.types()))
	}
}

func TestRun_ConcurrentUsersIsolated(t *testing.T) {
	h := newHarness(t, Options{})
	users := []string{"u1", "u2", "u3", "u4"}
	recs := make(map[string]*recorder, len(users))

	var wg sync.WaitGroup
	for _, u := range users {
		rec := &recorder{}
		recs[u] = rec
		ec := h.context(t, u, "shared-thread", "shared-run")
		wg.Add(1)
		go func() {
			defer wg.Done()
			run, err := h.runs.Start(ec, "conn-"+ec.UserID(), rec, map[string]any{
				"tool_calls": []any{
					map[string]any{"name": "echo", "parameters": map[string]any{"who": ec.UserID()}},
					map[string]any{"name": "echo"},
				},
			})
			if err != nil {
				t.Errorf("start %s: %v", ec.UserID(), err)
				return
			}
			<-run.Done()
		}()
	}
	wg.Wait()
	h.runs.Wait()

	want := []string{"agent_started", "agent_thinking", "tool_executing", "tool_completed", "tool_executing", "tool_completed", "agent_completed"}
	for u, rec := range recs {
		if got := rec.types(); !equalTypes(got, want) {
			t.Errorf("%s events: %v", u, got)
		}
		for _, ev := range rec.events {
			if ev.UserID != u {
				t.Errorf("%s received event for %s", u, ev.UserID)
			}
		}
	}
}

func TestRun_InvalidTransitions(t *testing.T) {
	h := newHarness(t, Options{})
	ec := h.context(t, "u1", "", "")
	defer ec.Release()
	ts, _ := dispatch.NewToolset()
	run := NewRun(ec, &recorder{}, dispatch.New(ec, ts, workpool.New(1), dispatch.Options{}), nil, testLogger())
	ctx := context.Background()

	if err := run.Complete(ctx, nil); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("created -> completed: %v", err)
	}
	if err := run.Think(ctx, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("created -> thinking: %v", err)
	}
	if err := run.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := run.BeginTool(ctx, ToolCall{Name: "x"}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("started -> tool_executing: %v", err)
	}
	if err := run.Think(ctx, ""); err != nil {
		t.Fatal(err)
	}
	if err := run.EndTool(ctx, dispatch.Result{Tool: "x"}, nil); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("thinking -> tool_completed: %v", err)
	}
	if err := run.Fail(ctx, errors.New("x"), ReasonToolError); err != nil {
		t.Fatalf("thinking -> failed: %v", err)
	}
	if err := run.Fail(ctx, nil, ReasonToolError); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("failed -> failed: %v", err)
	}
	if err := run.Start(ctx); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("failed -> started: %v", err)
	}
}

func TestRuns_ShutdownRejectsNewRuns(t *testing.T) {
	h := newHarness(t, Options{})
	if err := h.runs.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	ec := h.context(t, "u1", "", "")
	defer ec.Release()
	if _, err := h.runs.Start(ec, "c1", &recorder{}, nil); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("expected ErrShuttingDown, got %v", err)
	}
}

func TestPayloadPlanner(t *testing.T) {
	p := PayloadPlanner{}
	plan, err := p.Plan(context.Background(), nil, map[string]any{
		"message": "find docs",
		"tool_calls": []any{
			map[string]any{"name": "search", "parameters": map[string]any{"q": "go"}},
			map[string]any{"name": "clock"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if plan.Message != "find docs" || len(plan.ToolCalls) != 2 || plan.ToolCalls[0].Parameters["q"] != "go" {
		t.Errorf("plan: %+v", plan)
	}

	bad := []map[string]any{
		{"message": 5},
		{"tool_calls": "x"},
		{"tool_calls": []any{"x"}},
		{"tool_calls": []any{map[string]any{}}},
		{"tool_calls": []any{map[string]any{"name": "a", "parameters": 3}}},
	}
	for _, payload := range bad {
		if _, err := p.Plan(context.Background(), nil, payload); err == nil {
			t.Errorf("expected error for %v", payload)
		}
	}
}
