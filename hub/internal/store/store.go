// Package store defines the storage interface for the hub and provides SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store is the persistence interface for the hub.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, userID, threadID, runID string) (*Run, error)
	ListRunsByUser(ctx context.Context, userID string, since time.Time, limit int) ([]Run, error)
	FinishRun(ctx context.Context, userID, threadID, runID, state, reason string) error

	// Run journal
	AppendRunEvent(ctx context.Context, ev *RunEvent) (int64, error)
	ListRunEvents(ctx context.Context, userID, threadID, runID string, afterSeq int64, limit int) ([]RunEvent, error)

	// Scopes
	OpenScope(ctx context.Context, key ScopeKey) (Scope, error)

	// Audit
	LogAuditEvent(ctx context.Context, event *AuditEvent) error
	ListAuditEvents(ctx context.Context, filter AuditFilter) ([]AuditEvent, error)

	// Data retention
	PurgeOldRunEvents(ctx context.Context, before time.Time) (int64, error)
	PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Run states as persisted.
const (
	RunCreated   = "created"
	RunActive    = "active"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// Run is one execution of the agent for a (user, thread, run) tuple.
type Run struct {
	UserID    string    `json:"user_id"`
	ThreadID  string    `json:"thread_id"`
	RunID     string    `json:"run_id"`
	State     string    `json:"state"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RunEvent is one journal entry of a run.
type RunEvent struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	ThreadID  string          `json:"thread_id"`
	RunID     string          `json:"run_id"`
	Seq       int64           `json:"seq"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// AuditEvent is a log entry for audit purposes.
type AuditEvent struct {
	ID           string          `json:"id"`
	Action       string          `json:"action"`
	UserID       string          `json:"user_id,omitempty"`
	ConnectionID string          `json:"connection_id,omitempty"`
	ThreadID     string          `json:"thread_id,omitempty"`
	RunID        string          `json:"run_id,omitempty"`
	Detail       json.RawMessage `json:"detail,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// AuditFilter specifies criteria for filtering audit events.
type AuditFilter struct {
	Action string
	UserID string
	Limit  int
	Offset int
}

// Audit actions.
const (
	AuditConnectionOpen   = "connection.open"
	AuditConnectionClose  = "connection.close"
	AuditRunStarted       = "run.started"
	AuditRunFinished      = "run.finished"
	AuditBroadcastPublish = "broadcast.publish"
)
