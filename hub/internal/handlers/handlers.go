// Package handlers holds the hub's static message-type registration table.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/amurg-ai/conduit/hub/internal/broadcast"
	"github.com/amurg-ai/conduit/hub/internal/emitter"
	"github.com/amurg-ai/conduit/hub/internal/engine"
	"github.com/amurg-ai/conduit/hub/internal/quality"
	"github.com/amurg-ai/conduit/hub/internal/registry"
	"github.com/amurg-ai/conduit/pkg/protocol"
)

// Deps are the collaborators the handlers act through.
type Deps struct {
	Runs      *engine.Runs
	Emitters  *emitter.Directory
	Broadcast *broadcast.Manager
	Quality   *quality.Service
	Logger    *slog.Logger
}

type set struct {
	Deps
	logger *slog.Logger
	now    func() time.Time
}

// Register installs every handler into reg. A duplicate registration panics;
// it is a programming error caught at startup.
func Register(reg *registry.Registry, d Deps) {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &set{Deps: d, logger: logger.With("component", "handlers"), now: time.Now}

	// Connection lifecycle
	reg.MustRegister(protocol.TypeConnect, registry.HandlerFunc(h.connect))
	reg.MustRegister(protocol.TypeDisconnect, registry.HandlerFunc(h.disconnect))
	reg.MustRegister(protocol.TypePing, registry.HandlerFunc(h.ping))

	// Conversational
	reg.MustRegister(protocol.TypeUserMessage, registry.HandlerFunc(h.startRun), registry.WithOwnedContext(), registry.WithPrecheck(h.runAvailable))
	reg.MustRegister(protocol.TypeStartAgent, registry.HandlerFunc(h.startRun), registry.WithOwnedContext(), registry.WithPrecheck(h.runAvailable))
	reg.MustRegister(protocol.TypeStopAgent, registry.HandlerFunc(h.stopRun))

	// Extensions
	reg.MustRegister(protocol.TypeGetMetrics, registry.HandlerFunc(h.metrics))
	reg.MustRegister(protocol.TypeSubscribeQualityAlerts, h.subscribe(protocol.GroupQualityAlerts))
	reg.MustRegister(protocol.TypeUnsubscribeQualityAlerts, h.unsubscribe(protocol.GroupQualityAlerts))
	reg.MustRegister(protocol.TypeSubscribeQualityUpdates, h.subscribe(protocol.GroupQualityUpdates))
	reg.MustRegister(protocol.TypeUnsubscribeQualityUpdates, h.unsubscribe(protocol.GroupQualityUpdates))
	reg.MustRegister(protocol.TypeValidateContent, registry.HandlerFunc(h.validateContent))
	reg.MustRegister(protocol.TypeGenerateReport, registry.HandlerFunc(h.generateReport))
}

// reply answers the connection the request came from. A failed reply is
// logged; the connection is usually already gone.
func (h *set) reply(req *registry.Request, msgType string, payload map[string]any) {
	msg := protocol.Reply{Type: msgType, ThreadID: req.ThreadID, RunID: req.RunID, Payload: payload}
	if err := h.Emitters.DeliverTo(req.UserID, req.ConnectionID, msg); err != nil {
		h.logger.Warn("reply not delivered", "user_id", req.UserID, "conn_id", req.ConnectionID, "type", msgType, "error", err)
	}
}

func (h *set) connect(_ context.Context, req *registry.Request) error {
	h.reply(req, protocol.TypeConnectionEstablished, map[string]any{
		"user_id":       req.UserID,
		"connection_id": req.ConnectionID,
		"server_time":   h.now().UTC(),
	})
	return nil
}

func (h *set) disconnect(_ context.Context, req *registry.Request) error {
	cancelled := h.Runs.CancelConnection(req.UserID, req.ConnectionID)
	h.reply(req, protocol.TypeConnectionClosing, map[string]any{"cancelled_runs": cancelled})
	return nil
}

func (h *set) ping(_ context.Context, req *registry.Request) error {
	h.reply(req, protocol.TypePong, map[string]any{"timestamp": h.now().UTC()})
	return nil
}

// runAvailable rejects a start naming a (thread, run) that is already live,
// before a second context is built for it. Runs.Start repeats the check
// under its lock for starts racing from two connections.
func (h *set) runAvailable(_ context.Context, req *registry.Request) error {
	if h.Runs == nil || req.ThreadID == "" || req.RunID == "" {
		return nil
	}
	if _, live := h.Runs.Lookup(req.UserID, req.ThreadID, req.RunID); live {
		return fmt.Errorf("%w: thread %s run %s", engine.ErrRunActive, req.ThreadID, req.RunID)
	}
	return nil
}

// startRun hands the execution context to the engine. On success the run
// owns the context; on error the router releases it.
func (h *set) startRun(_ context.Context, req *registry.Request) error {
	if req.Exec == nil {
		return errors.New("missing execution context")
	}
	payload := req.Payload
	if _, ok := payload["message"]; !ok {
		// Conversational clients send the text under "content" or "text".
		for _, k := range []string{"content", "text"} {
			if v, ok := payload[k].(string); ok {
				payload["message"] = v
				break
			}
		}
	}
	_, err := h.Runs.Start(req.Exec, req.ConnectionID, h.Emitters.For(req.UserID), payload)
	return err
}

func (h *set) stopRun(_ context.Context, req *registry.Request) error {
	if req.ThreadID == "" || req.RunID == "" {
		return errors.New("thread_id and run_id are required")
	}
	if err := h.Runs.Cancel(req.UserID, req.ThreadID, req.RunID); err != nil {
		return err
	}
	h.reply(req, protocol.TypeAgentStopped, map[string]any{"status": "cancelling"})
	return nil
}

func (h *set) metrics(_ context.Context, req *registry.Request) error {
	payload := map[string]any{
		"runs":        h.Runs.Stats(req.UserID),
		"active_runs": h.Runs.Active(req.UserID),
		"connections": h.Emitters.ConnectionCount(req.UserID),
	}
	if e, ok := h.Emitters.Lookup(req.UserID); ok {
		payload["delivery"] = e.Stats()
	}
	h.reply(req, protocol.TypeMetrics, payload)
	return nil
}

func (h *set) subscribe(group string) registry.HandlerFunc {
	return func(_ context.Context, req *registry.Request) error {
		if err := h.Broadcast.Subscribe(group, req.UserID); err != nil {
			return err
		}
		h.reply(req, protocol.TypeSubscribed, map[string]any{"group": group})
		return nil
	}
}

func (h *set) unsubscribe(group string) registry.HandlerFunc {
	return func(_ context.Context, req *registry.Request) error {
		was := h.Broadcast.Unsubscribe(group, req.UserID)
		h.reply(req, protocol.TypeUnsubscribed, map[string]any{"group": group, "was_subscribed": was})
		return nil
	}
}

func (h *set) validateContent(ctx context.Context, req *registry.Request) error {
	res, err := h.Quality.Validate(ctx, req.UserID, req.Payload["content"])
	if err != nil {
		return err
	}
	payload, err := toMap(res)
	if err != nil {
		return err
	}
	h.reply(req, protocol.TypeValidationResult, payload)
	return nil
}

func (h *set) generateReport(ctx context.Context, req *registry.Request) error {
	window, err := parseWindow(req.Payload["window"])
	if err != nil {
		return err
	}
	rep, err := h.Quality.Report(ctx, req.UserID, window)
	if err != nil {
		return err
	}
	payload, err := toMap(rep)
	if err != nil {
		return err
	}
	h.reply(req, protocol.TypeReport, payload)
	return nil
}

// parseWindow accepts a Go duration string ("6h") or a number of seconds.
func parseWindow(v any) (time.Duration, error) {
	switch w := v.(type) {
	case nil:
		return 0, nil
	case string:
		d, err := time.ParseDuration(w)
		if err != nil {
			return 0, fmt.Errorf("invalid window %q: %w", w, err)
		}
		if d < 0 {
			return 0, fmt.Errorf("invalid window %q: must be positive", w)
		}
		return d, nil
	case float64:
		if w < 0 {
			return 0, fmt.Errorf("invalid window %v: must be positive", w)
		}
		return time.Duration(w * float64(time.Second)), nil
	default:
		return 0, fmt.Errorf("invalid window: expected string or number, got %T", v)
	}
}

func toMap(v any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}
