// Package protocol defines the wire protocol exchanged between Conduit clients
// and the hub over WebSocket.
//
// All messages are JSON-encoded and share a common envelope with a "type" field
// that selects the handler on the hub and the payload structure on the client.
package protocol

import "time"

// Message is the inbound wire envelope sent by clients.
type Message struct {
	Type     string         `json:"type"`
	ThreadID string         `json:"thread_id,omitempty"`
	RunID    string         `json:"run_id,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// ErrorResponse is the canonical error envelope sent back to a client.
type ErrorResponse struct {
	Type    string `json:"type"` // always "error"
	Message string `json:"message"`
}

// NewError builds an error envelope.
func NewError(message string) ErrorResponse {
	return ErrorResponse{Type: TypeError, Message: message}
}

// Reply is a generic typed response to a client request (pong, acks, metrics, reports).
type Reply struct {
	Type     string         `json:"type"`
	ThreadID string         `json:"thread_id,omitempty"`
	RunID    string         `json:"run_id,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// --- Lifecycle events (hub → client) ---

// Event is a lifecycle event for one run. Every lifecycle event carries the
// owning user and the run's correlation ids.
type Event struct {
	Type      string         `json:"type"`
	UserID    string         `json:"user_id"`
	ThreadID  string         `json:"thread_id"`
	RunID     string         `json:"run_id"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Owner returns the user the event belongs to.
func (e Event) Owner() string { return e.UserID }

func (e Event) MessageType() string         { return e.Type }
func (e ErrorResponse) MessageType() string { return e.Type }
func (r Reply) MessageType() string         { return r.Type }
func (b Broadcast) MessageType() string     { return b.Type }

// --- Broadcast envelopes ---

// Broadcast is a message fanned out to every member of a subscriber group.
type Broadcast struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

// Quality alert severities.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// NewQualityUpdate builds a quality_update broadcast.
func NewQualityUpdate(payload map[string]any) Broadcast {
	return Broadcast{Type: TypeQualityUpdate, Payload: payload}
}

// NewQualityAlert builds a quality_alert broadcast. The severity is always set
// on the payload; an empty severity defaults to warning.
func NewQualityAlert(severity string, payload map[string]any) Broadcast {
	if severity == "" {
		severity = SeverityWarning
	}
	p := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		p[k] = v
	}
	p["severity"] = severity
	return Broadcast{Type: TypeQualityAlert, Payload: p}
}

// --- Message type constants ---

const (
	// Connection lifecycle (client → hub)
	TypeConnect    = "connect"
	TypeDisconnect = "disconnect"
	TypePing       = "ping"

	// Conversational (client → hub)
	TypeUserMessage = "user_message"
	TypeStartAgent  = "start_agent"
	TypeStopAgent   = "stop_agent"

	// Extensions (client → hub)
	TypeGetMetrics                = "get_metrics"
	TypeSubscribeQualityAlerts    = "subscribe_quality_alerts"
	TypeUnsubscribeQualityAlerts  = "unsubscribe_quality_alerts"
	TypeSubscribeQualityUpdates   = "subscribe_quality_updates"
	TypeUnsubscribeQualityUpdates = "unsubscribe_quality_updates"
	TypeValidateContent           = "validate_content"
	TypeGenerateReport            = "generate_report"

	// Replies (hub → client)
	TypeError                 = "error"
	TypePong                  = "pong"
	TypeConnectionEstablished = "connection_established"
	TypeConnectionClosing     = "connection_closing"
	TypeAgentStopped          = "agent_stopped"
	TypeMetrics               = "metrics"
	TypeSubscribed            = "subscribed"
	TypeUnsubscribed          = "unsubscribed"
	TypeValidationResult      = "validation_result"
	TypeReport                = "report"

	// Lifecycle events (hub → client)
	TypeAgentStarted   = "agent_started"
	TypeAgentThinking  = "agent_thinking"
	TypeToolExecuting  = "tool_executing"
	TypeToolCompleted  = "tool_completed"
	TypeAgentCompleted = "agent_completed"
	TypeAgentFailed    = "agent_failed"

	// Broadcasts (hub → subscribers)
	TypeQualityUpdate = "quality_update"
	TypeQualityAlert  = "quality_alert"
)

// Subscriber groups.
const (
	GroupQualityAlerts  = "quality_alerts"
	GroupQualityUpdates = "quality_updates"
)

// LifecycleEvents lists the fixed set of lifecycle event names in state-machine order.
var LifecycleEvents = []string{
	TypeAgentStarted,
	TypeAgentThinking,
	TypeToolExecuting,
	TypeToolCompleted,
	TypeAgentCompleted,
}

// IsTerminal reports whether an event type ends a run.
func IsTerminal(eventType string) bool {
	return eventType == TypeAgentCompleted || eventType == TypeAgentFailed
}
