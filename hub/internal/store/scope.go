package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ErrScopeClosed is returned when writing through a released scope.
var ErrScopeClosed = errors.New("scope closed")

// ScopeKey identifies the run a scope writes to.
type ScopeKey struct {
	UserID   string
	ThreadID string
	RunID    string
}

// Scope is a persistence handle bound to one (user, thread, run). It can only
// read and write rows belonging to that tuple.
type Scope interface {
	Key() ScopeKey
	// Append writes one journal entry and returns its sequence number.
	Append(ctx context.Context, eventType string, data any) (int64, error)
	// Events returns the journal written so far.
	Events(ctx context.Context) ([]RunEvent, error)
	// Finish records the run's final state.
	Finish(ctx context.Context, state, reason string) error
	// Close releases the handle. Calling it more than once is harmless.
	Close() error
}

type scope struct {
	s      Store
	key    ScopeKey
	closed atomic.Bool
}

// openScope registers the run (if new) and returns a handle bound to it.
// Supplied ids that already name a run of the same user reuse that row.
func openScope(ctx context.Context, s Store, key ScopeKey) (Scope, error) {
	if key.UserID == "" || key.ThreadID == "" || key.RunID == "" {
		return nil, fmt.Errorf("open scope: user, thread and run ids are required")
	}
	now := time.Now()
	err := s.CreateRun(ctx, &Run{
		UserID:    key.UserID,
		ThreadID:  key.ThreadID,
		RunID:     key.RunID,
		State:     RunCreated,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return nil, fmt.Errorf("open scope: %w", err)
	}
	return &scope{s: s, key: key}, nil
}

func (sc *scope) Key() ScopeKey { return sc.key }

func (sc *scope) Append(ctx context.Context, eventType string, data any) (int64, error) {
	if sc.closed.Load() {
		return 0, ErrScopeClosed
	}
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return 0, fmt.Errorf("marshal journal data: %w", err)
		}
		raw = b
	}
	return sc.s.AppendRunEvent(ctx, &RunEvent{
		ID:        uuid.New().String(),
		UserID:    sc.key.UserID,
		ThreadID:  sc.key.ThreadID,
		RunID:     sc.key.RunID,
		Type:      eventType,
		Data:      raw,
		CreatedAt: time.Now(),
	})
}

func (sc *scope) Events(ctx context.Context) ([]RunEvent, error) {
	return sc.s.ListRunEvents(ctx, sc.key.UserID, sc.key.ThreadID, sc.key.RunID, 0, 10000)
}

func (sc *scope) Finish(ctx context.Context, state, reason string) error {
	if sc.closed.Load() {
		return ErrScopeClosed
	}
	return sc.s.FinishRun(ctx, sc.key.UserID, sc.key.ThreadID, sc.key.RunID, state, reason)
}

func (sc *scope) Close() error {
	sc.closed.Store(true)
	return nil
}
