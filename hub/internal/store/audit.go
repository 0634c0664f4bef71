package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Auditor records audit events without failing the caller. Write errors are
// logged and dropped.
type Auditor struct {
	store  Store
	logger *slog.Logger
}

// NewAuditor creates an Auditor. A nil store makes every call a no-op.
func NewAuditor(s Store, logger *slog.Logger) *Auditor {
	return &Auditor{store: s, logger: logger.With("component", "audit")}
}

// Record writes one audit event. detail is JSON-encoded when non-nil.
func (a *Auditor) Record(ctx context.Context, ev AuditEvent, detail any) {
	if a == nil || a.store == nil {
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	if detail != nil && ev.Detail == nil {
		if b, err := json.Marshal(detail); err == nil {
			ev.Detail = b
		}
	}
	if err := a.store.LogAuditEvent(ctx, &ev); err != nil {
		a.logger.Warn("failed to log audit event", "action", ev.Action, "user_id", ev.UserID, "error", err)
	}
}
