package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// newKey returns a fresh run key for userID so tests sharing the in-memory
// database never collide.
func newKey(userID string) ScopeKey {
	return ScopeKey{UserID: userID, ThreadID: "t-" + uuid.New().String(), RunID: "r-" + uuid.New().String()}
}

func TestSQLite_Ping(t *testing.T) {
	s := newTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestSQLite_RunLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := newKey("u1")

	now := time.Now()
	run := &Run{UserID: key.UserID, ThreadID: key.ThreadID, RunID: key.RunID, State: RunCreated, CreatedAt: now, UpdatedAt: now}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	// Creating the same run twice is a no-op.
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun (again): %v", err)
	}

	if err := s.FinishRun(ctx, key.UserID, key.ThreadID, key.RunID, RunFailed, "cancelled"); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}
	got, err := s.GetRun(ctx, key.UserID, key.ThreadID, key.RunID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.State != RunFailed || got.Reason != "cancelled" {
		t.Errorf("run: got state=%q reason=%q", got.State, got.Reason)
	}

	// Another user cannot see the run under the same ids.
	if _, err := s.GetRun(ctx, "u2", key.ThreadID, key.RunID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for other user, got %v", err)
	}
	if err := s.FinishRun(ctx, "u2", key.ThreadID, key.RunID, RunCompleted, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound finishing other user's run, got %v", err)
	}
}

func TestSQLite_RunJournal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := newKey("u1")

	sc, err := s.OpenScope(ctx, key)
	if err != nil {
		t.Fatalf("OpenScope: %v", err)
	}

	for i, typ := range []string{"agent_started", "agent_thinking", "agent_completed"} {
		seq, err := sc.Append(ctx, typ, map[string]any{"i": i})
		if err != nil {
			t.Fatalf("Append %s: %v", typ, err)
		}
		if seq != int64(i+1) {
			t.Errorf("seq for %s: got %d, want %d", typ, seq, i+1)
		}
	}

	events, err := sc.Events(ctx)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("events: got %d, want 3", len(events))
	}
	if events[0].Type != "agent_started" || events[2].Type != "agent_completed" {
		t.Errorf("unexpected order: %s .. %s", events[0].Type, events[2].Type)
	}
	var data map[string]any
	if err := json.Unmarshal(events[1].Data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if data["i"] != float64(1) {
		t.Errorf("data: got %v", data)
	}

	after, err := s.ListRunEvents(ctx, key.UserID, key.ThreadID, key.RunID, 2, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(after) != 1 || after[0].Seq != 3 {
		t.Errorf("ListRunEvents after 2: got %+v", after)
	}

	other, err := s.ListRunEvents(ctx, "u2", key.ThreadID, key.RunID, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(other) != 0 {
		t.Errorf("other user read %d events", len(other))
	}
}

func TestSQLite_ScopeClose(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sc, err := s.OpenScope(ctx, newKey("u1"))
	if err != nil {
		t.Fatal(err)
	}
	if err := sc.Close(); err != nil {
		t.Fatal(err)
	}
	if err := sc.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := sc.Append(ctx, "agent_started", nil); !errors.Is(err, ErrScopeClosed) {
		t.Errorf("Append after close: got %v", err)
	}
	if err := sc.Finish(ctx, RunCompleted, ""); !errors.Is(err, ErrScopeClosed) {
		t.Errorf("Finish after close: got %v", err)
	}
}

func TestSQLite_OpenScope_RequiresIDs(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.OpenScope(context.Background(), ScopeKey{UserID: "u1"}); err == nil {
		t.Fatal("expected error for incomplete key")
	}
}

func TestSQLite_ListRunsByUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	user := "list-" + uuid.New().String()

	for i := 0; i < 3; i++ {
		if _, err := s.OpenScope(ctx, newKey(user)); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.OpenScope(ctx, newKey("someone-else")); err != nil {
		t.Fatal(err)
	}

	runs, err := s.ListRunsByUser(ctx, user, time.Now().Add(-time.Hour), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 3 {
		t.Errorf("runs: got %d, want 3", len(runs))
	}
	for _, r := range runs {
		if r.UserID != user {
			t.Errorf("foreign run returned: %+v", r)
		}
	}
}

func TestSQLite_Audit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	user := "audit-" + uuid.New().String()

	for _, action := range []string{AuditConnectionOpen, AuditRunStarted, AuditRunFinished} {
		err := s.LogAuditEvent(ctx, &AuditEvent{
			ID:        uuid.New().String(),
			Action:    action,
			UserID:    user,
			Detail:    json.RawMessage(`{"k":"v"}`),
			CreatedAt: time.Now(),
		})
		if err != nil {
			t.Fatalf("LogAuditEvent: %v", err)
		}
	}

	all, err := s.ListAuditEvents(ctx, AuditFilter{UserID: user})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("audit events: got %d, want 3", len(all))
	}

	runs, err := s.ListAuditEvents(ctx, AuditFilter{UserID: user, Action: "run."})
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Errorf("run.* events: got %d, want 2", len(runs))
	}
	if string(runs[0].Detail) != `{"k":"v"}` {
		t.Errorf("detail: got %s", runs[0].Detail)
	}
}

func TestSQLite_Purge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := newKey("purge-user")

	sc, err := s.OpenScope(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := sc.Append(ctx, "agent_started", nil); err != nil {
		t.Fatal(err)
	}
	if err := s.LogAuditEvent(ctx, &AuditEvent{ID: uuid.New().String(), Action: AuditRunStarted, UserID: "purge-user", CreatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}

	future := time.Now().Add(time.Hour)
	n, err := s.PurgeOldRunEvents(ctx, future)
	if err != nil {
		t.Fatal(err)
	}
	if n < 1 {
		t.Errorf("PurgeOldRunEvents: removed %d rows", n)
	}
	n, err = s.PurgeOldAuditEvents(ctx, future)
	if err != nil {
		t.Fatal(err)
	}
	if n < 1 {
		t.Errorf("PurgeOldAuditEvents: removed %d rows", n)
	}

	events, _ := s.ListRunEvents(ctx, key.UserID, key.ThreadID, key.RunID, 0, 10)
	if len(events) != 0 {
		t.Errorf("events remain after purge: %d", len(events))
	}
}
