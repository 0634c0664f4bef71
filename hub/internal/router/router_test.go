package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/amurg-ai/conduit/hub/internal/emitter"
	"github.com/amurg-ai/conduit/hub/internal/execctx"
	"github.com/amurg-ai/conduit/hub/internal/registry"
	"github.com/amurg-ai/conduit/hub/internal/store"
	"github.com/amurg-ai/conduit/pkg/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeConn records every frame written to it.
type fakeConn struct {
	id string

	mu     sync.Mutex
	frames []map[string]any
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) WriteMessage(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	c.mu.Lock()
	c.frames = append(c.frames, m)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) received() []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]map[string]any(nil), c.frames...)
}

// capture is a handler that records the requests it sees.
type capture struct {
	mu   sync.Mutex
	reqs []*registry.Request
	err  error
}

func (c *capture) Handle(_ context.Context, req *registry.Request) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reqs = append(c.reqs, req)
	return c.err
}

func (c *capture) last(t *testing.T) *registry.Request {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.reqs) == 0 {
		t.Fatal("handler was not invoked")
	}
	return c.reqs[len(c.reqs)-1]
}

type failingFactory struct{}

// refusingFactory counts calls and never builds a context.
type refusingFactory struct {
	mu    sync.Mutex
	calls int
}

func (f *refusingFactory) Create(context.Context, string, string, string, []string) (*execctx.Context, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return nil, errors.New("unexpected context creation")
}

func (failingFactory) Create(_ context.Context, userID, _, _ string, _ []string) (*execctx.Context, error) {
	return nil, &execctx.ContextCreationError{UserID: userID, Stage: "scope", Err: errors.New("database is locked")}
}

type fixture struct {
	router *Router
	dir    *emitter.Directory
	conns  map[string]*fakeConn
}

func newFixture(t *testing.T, factory ContextFactory, register func(*registry.Registry)) *fixture {
	t.Helper()
	if factory == nil {
		s, err := store.NewSQLite(":memory:")
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { s.Close() })
		factory = execctx.NewFactory(s, execctx.StaticPermissions{"tools:echo"}, testLogger())
	}

	reg := registry.New()
	register(reg)

	dir := emitter.NewDirectory(testLogger(), nil)
	f := &fixture{dir: dir, conns: make(map[string]*fakeConn)}
	for _, u := range []string{"u1", "u2"} {
		c := &fakeConn{id: "conn-" + u}
		f.conns[u] = c
		dir.Attach(u, c)
	}

	r, err := New(reg, factory, dir, Options{Logger: testLogger()})
	if err != nil {
		t.Fatal(err)
	}
	f.router = r
	return f
}

func (f *fixture) route(userID, frame string) Outcome {
	return f.router.Route(context.Background(), userID, "conn-"+userID, []byte(frame))
}

func errorMessage(t *testing.T, c *fakeConn) string {
	t.Helper()
	frames := c.received()
	if len(frames) == 0 {
		t.Fatal("no frame delivered")
	}
	last := frames[len(frames)-1]
	if last["type"] != protocol.TypeError {
		t.Fatalf("expected error envelope, got %v", last)
	}
	msg, _ := last["message"].(string)
	return msg
}

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"start_agent":               "start_agent",
		"  Agent-Start ":            "start_agent",
		"agent.start":               "start_agent",
		"CHAT":                      "user_message",
		"message":                   "user_message",
		"agent_stop":                "stop_agent",
		"heartbeat":                 "ping",
		"metrics":                   "get_metrics",
		"subscribe-alerts":          "subscribe_quality_alerts",
		"Unsubscribe Alerts":        "unsubscribe_quality_alerts",
		"content.validate":          "validate_content",
		"report generate":           "generate_report",
		"Get-Metrics":               "get_metrics",
		"something_else":            "something_else",
		"":                          "",
		"subscribe_quality-updates": "subscribe_quality_updates",
	}
	for in, want := range cases {
		if got := Normalize(in); got != want {
			t.Errorf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	inputs := []string{"Agent-Start", "chat", "x.y z", "HEARTBEAT", "report_generate"}
	for legacy := range Aliases() {
		inputs = append(inputs, legacy)
	}
	for _, in := range inputs {
		once := Normalize(in)
		if twice := Normalize(once); twice != once {
			t.Errorf("Normalize not idempotent for %q: %q then %q", in, once, twice)
		}
	}
}

func TestRoute_UnknownType(t *testing.T) {
	f := newFixture(t, nil, func(*registry.Registry) {})

	if got := f.route("u1", `{"type":"Teleport.Now","payload":{}}`); got != OutcomeUnknownType {
		t.Fatalf("outcome: %s", got)
	}
	if msg := errorMessage(t, f.conns["u1"]); msg != "Unknown message type: Teleport.Now" {
		t.Errorf("message: %q", msg)
	}
	if n := len(f.conns["u2"].received()); n != 0 {
		t.Errorf("other user received %d frames", n)
	}
}

func TestRoute_InvalidFrames(t *testing.T) {
	f := newFixture(t, nil, func(reg *registry.Registry) {
		reg.MustRegister("ping", &capture{})
	})

	frames := []string{
		`not json`,
		`[]`,
		`{"payload":{}}`,
		`{"type":""}`,
		`{"type":42}`,
		`{"type":"ping","payload":"text"}`,
		`{"type":"ping","thread_id":7}`,
		`{"type":"ping"} {"type":"ping"}`,
	}
	for _, frame := range frames {
		if got := f.route("u1", frame); got != OutcomeInvalid {
			t.Errorf("%s: outcome %s", frame, got)
			continue
		}
		if msg := errorMessage(t, f.conns["u1"]); !strings.HasPrefix(msg, "Invalid message: ") {
			t.Errorf("%s: message %q", frame, msg)
		}
	}
}

func TestRoute_PlainHandler(t *testing.T) {
	h := &capture{}
	f := newFixture(t, nil, func(reg *registry.Registry) {
		reg.MustRegister(protocol.TypePing, h)
	})

	if got := f.route("u1", `{"type":"HeartBeat","thread_id":"t9","payload":{"n":1}}`); got != OutcomeOK {
		t.Fatalf("outcome: %s", got)
	}
	req := h.last(t)
	if req.Type != protocol.TypePing || req.OriginalType != "HeartBeat" {
		t.Errorf("types: %q %q", req.Type, req.OriginalType)
	}
	if req.UserID != "u1" || req.ConnectionID != "conn-u1" || req.ThreadID != "t9" {
		t.Errorf("request: %+v", req)
	}
	if req.Exec != nil {
		t.Error("plain handler received an execution context")
	}
}

func TestRoute_ContextWinsOnMerge(t *testing.T) {
	h := &capture{}
	f := newFixture(t, nil, func(reg *registry.Registry) {
		reg.MustRegister(protocol.TypeUserMessage, h, registry.WithExecutionContext())
	})

	frame := `{"type":"chat","thread_id":"t1","run_id":"r1","payload":{"thread_id":"spoofed","run_id":"spoofed","text":"hi"}}`
	if got := f.route("u1", frame); got != OutcomeOK {
		t.Fatalf("outcome: %s", got)
	}
	req := h.last(t)
	if req.Exec == nil {
		t.Fatal("no execution context")
	}
	if req.Exec.UserID() != "u1" || req.Exec.ThreadID() != "t1" || req.Exec.RunID() != "r1" {
		t.Errorf("context: %s", req.Exec)
	}
	if req.Payload["thread_id"] != "t1" || req.Payload["run_id"] != "r1" || req.Payload["text"] != "hi" {
		t.Errorf("payload: %v", req.Payload)
	}
	// Not owned: released once the handler returned.
	if _, err := req.Exec.Scope().Append(context.Background(), "late_event", nil); !errors.Is(err, store.ErrScopeClosed) {
		t.Errorf("context not released: %v", err)
	}
}

func TestRoute_GeneratesIDs(t *testing.T) {
	h := &capture{}
	f := newFixture(t, nil, func(reg *registry.Registry) {
		reg.MustRegister(protocol.TypeStartAgent, h, registry.WithOwnedContext())
	})

	if got := f.route("u1", `{"type":"start_agent"}`); got != OutcomeOK {
		t.Fatalf("outcome: %s", got)
	}
	req := h.last(t)
	if req.Exec.ThreadID() == "" || req.Exec.RunID() == "" {
		t.Errorf("ids not generated: %s", req.Exec)
	}
	if req.Payload["thread_id"] != req.Exec.ThreadID() {
		t.Errorf("payload thread id: %v", req.Payload["thread_id"])
	}
	// Owned: still usable after the handler returned.
	if _, err := req.Exec.Scope().Append(context.Background(), "late_event", nil); err != nil {
		t.Errorf("owned context was released: %v", err)
	}
	req.Exec.Release()
}

func TestRoute_IDsFromPayload(t *testing.T) {
	h := &capture{}
	f := newFixture(t, nil, func(reg *registry.Registry) {
		reg.MustRegister(protocol.TypeStopAgent, h)
	})

	f.route("u1", `{"type":"stop_agent","payload":{"thread_id":"t3","run_id":"r3"}}`)
	req := h.last(t)
	if req.ThreadID != "t3" || req.RunID != "r3" {
		t.Errorf("ids: %q %q", req.ThreadID, req.RunID)
	}
}

func TestRoute_PermissionsFromContext(t *testing.T) {
	h := &capture{}
	f := newFixture(t, nil, func(reg *registry.Registry) {
		reg.MustRegister(protocol.TypeStartAgent, h, registry.WithExecutionContext())
	})

	ctx := WithPermissions(context.Background(), []string{"tools:clock"})
	f.router.Route(ctx, "u1", "conn-u1", []byte(`{"type":"start_agent"}`))
	req := h.last(t)
	if !req.Exec.HasPermission("tools:clock") || req.Exec.HasPermission("tools:echo") {
		t.Errorf("permissions: %v", req.Exec.Permissions())
	}

	f.route("u1", `{"type":"start_agent"}`)
	if req := h.last(t); !req.Exec.HasPermission("tools:echo") {
		t.Errorf("resolver permissions: %v", req.Exec.Permissions())
	}
}

func TestRoute_EmptyPermissionsGrantNothing(t *testing.T) {
	h := &capture{}
	f := newFixture(t, nil, func(reg *registry.Registry) {
		reg.MustRegister(protocol.TypeStartAgent, h, registry.WithExecutionContext())
	})

	ctx := WithPermissions(context.Background(), []string{})
	f.router.Route(ctx, "u1", "conn-u1", []byte(`{"type":"start_agent"}`))
	req := h.last(t)
	if perms := req.Exec.Permissions(); len(perms) != 0 {
		t.Errorf("explicit empty set resolved to %v", perms)
	}
	if req.Exec.HasPermission("tools:echo") {
		t.Error("resolver default granted over an explicit empty set")
	}

	ctx = WithPermissions(context.Background(), nil)
	f.router.Route(ctx, "u1", "conn-u1", []byte(`{"type":"start_agent"}`))
	if req := h.last(t); !req.Exec.HasPermission("tools:echo") {
		t.Errorf("nil permissions should use the resolver: %v", req.Exec.Permissions())
	}
}

func TestWithPermissionsCopies(t *testing.T) {
	perms := []string{"tools:echo"}
	ctx := WithPermissions(context.Background(), perms)
	perms[0] = "admin"
	if got := PermissionsFrom(ctx); len(got) != 1 || got[0] != "tools:echo" {
		t.Errorf("PermissionsFrom = %v", got)
	}
	if got := PermissionsFrom(context.Background()); got != nil {
		t.Errorf("PermissionsFrom(empty ctx) = %v, want nil", got)
	}
}

func TestRoute_PrecheckRejectsBeforeContext(t *testing.T) {
	h := &capture{}
	factory := &refusingFactory{}
	f := newFixture(t, factory, func(reg *registry.Registry) {
		reg.MustRegister(protocol.TypeStartAgent, h, registry.WithOwnedContext(),
			registry.WithPrecheck(func(_ context.Context, req *registry.Request) error {
				if req.RunID == "busy" {
					return errors.New("run busy")
				}
				return nil
			}))
	})

	if got := f.route("u1", `{"type":"start_agent","thread_id":"t1","run_id":"busy"}`); got != OutcomeHandlerError {
		t.Fatalf("outcome: %s", got)
	}
	if msg := errorMessage(t, f.conns["u1"]); !strings.Contains(msg, "run busy") {
		t.Errorf("message: %q", msg)
	}
	factory.mu.Lock()
	calls := factory.calls
	factory.mu.Unlock()
	if calls != 0 {
		t.Errorf("factory called %d times after a rejected precheck", calls)
	}
	h.mu.Lock()
	invoked := len(h.reqs)
	h.mu.Unlock()
	if invoked != 0 {
		t.Error("handler ran after a rejected precheck")
	}

	// A passing precheck proceeds to context creation.
	if got := f.route("u1", `{"type":"start_agent","thread_id":"t1","run_id":"free"}`); got != OutcomeContextError {
		t.Errorf("outcome after passing precheck: %s", got)
	}
}

func TestRoute_HandlerErrorReleasesContext(t *testing.T) {
	h := &capture{err: errors.New("engine unavailable")}
	f := newFixture(t, nil, func(reg *registry.Registry) {
		reg.MustRegister(protocol.TypeStartAgent, h, registry.WithOwnedContext())
	})

	if got := f.route("u1", `{"type":"start_agent"}`); got != OutcomeHandlerError {
		t.Fatalf("outcome: %s", got)
	}
	if msg := errorMessage(t, f.conns["u1"]); !strings.Contains(msg, "engine unavailable") {
		t.Errorf("message: %q", msg)
	}
	req := h.last(t)
	if _, err := req.Exec.Scope().Append(context.Background(), "late_event", nil); !errors.Is(err, store.ErrScopeClosed) {
		t.Errorf("context not released after failure: %v", err)
	}
}

func TestRoute_HandlerPanic(t *testing.T) {
	f := newFixture(t, nil, func(reg *registry.Registry) {
		reg.MustRegister(protocol.TypeGetMetrics, registry.HandlerFunc(func(context.Context, *registry.Request) error {
			panic("nil map write")
		}))
	})

	if got := f.route("u1", `{"type":"get_metrics"}`); got != OutcomeHandlerError {
		t.Fatalf("outcome: %s", got)
	}
	if msg := errorMessage(t, f.conns["u1"]); !strings.Contains(msg, "nil map write") {
		t.Errorf("message: %q", msg)
	}
	// The router keeps serving after a panic.
	if got := f.route("u1", `{"type":"nope"}`); got != OutcomeUnknownType {
		t.Errorf("outcome after panic: %s", got)
	}
}

func TestRoute_ContextCreationFailure(t *testing.T) {
	h := &capture{}
	f := newFixture(t, failingFactory{}, func(reg *registry.Registry) {
		reg.MustRegister(protocol.TypeStartAgent, h, registry.WithExecutionContext())
	})

	if got := f.route("u1", `{"type":"start_agent"}`); got != OutcomeContextError {
		t.Fatalf("outcome: %s", got)
	}
	if msg := errorMessage(t, f.conns["u1"]); msg != "Failed to create execution context" {
		t.Errorf("message: %q", msg)
	}
	if len(h.reqs) != 0 {
		t.Error("handler invoked without a context")
	}
}

func TestRoute_FreezesRegistry(t *testing.T) {
	var reg *registry.Registry
	newFixture(t, nil, func(r *registry.Registry) { reg = r })
	if err := reg.Register("late", &capture{}); !errors.Is(err, registry.ErrFrozen) {
		t.Errorf("expected ErrFrozen, got %v", err)
	}
}

func TestRoute_ConcurrentUsersIsolated(t *testing.T) {
	h := &capture{}
	f := newFixture(t, nil, func(reg *registry.Registry) {
		reg.MustRegister(protocol.TypeStartAgent, h, registry.WithOwnedContext())
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		for _, u := range []string{"u1", "u2"} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				frame := fmt.Sprintf(`{"type":"start_agent","thread_id":"t%d","run_id":"r%d"}`, i, i)
				if got := f.route(u, frame); got != OutcomeOK {
					t.Errorf("%s: outcome %s", u, got)
				}
			}()
		}
	}
	wg.Wait()

	seen := make(map[string]bool)
	for _, req := range h.reqs {
		if req.Exec.UserID() != req.UserID {
			t.Errorf("request for %s carries context of %s", req.UserID, req.Exec.UserID())
		}
		seen[req.Exec.String()] = true
		req.Exec.Release()
	}
	if len(seen) != 100 {
		t.Errorf("distinct contexts: %d", len(seen))
	}
}
