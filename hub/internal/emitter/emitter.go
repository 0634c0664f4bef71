// Package emitter delivers outbound messages to exactly one user's connections.
//
// Each Emitter is bound to a single user id at construction. Sends are
// serialized, so messages submitted in order are written to every attached
// connection in that order.
package emitter

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

var (
	// ErrCrossUser is returned when a message is owned by a different user.
	ErrCrossUser = errors.New("message belongs to another user")
	// ErrNoConnections is returned when the user has no attached connection.
	ErrNoConnections = errors.New("no live connection")
	// ErrTooManyConnections is returned when a user is at the connection limit.
	ErrTooManyConnections = errors.New("too many connections")

	errRetired = errors.New("emitter retired")
)

// Conn is one live client connection. WriteMessage must be safe to call
// concurrently with the connection's other writers (keepalive pings).
type Conn interface {
	ID() string
	WriteMessage(data []byte) error
}

// Owned is implemented by messages that name the user they belong to.
type Owned interface {
	Owner() string
}

// typed is implemented by messages that expose their wire type.
type typed interface {
	MessageType() string
}

// DeliveryError reports a message that reached none of the user's connections.
type DeliveryError struct {
	UserID string
	Type   string
	Err    error
}

func (e *DeliveryError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("deliver %q to user %q: %v", e.Type, e.UserID, e.Err)
	}
	return fmt.Sprintf("deliver to user %q: %v", e.UserID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Observer is notified of every delivery outcome.
type Observer interface {
	ObserveDelivery(delivered bool)
}

// Stats are running delivery counters.
type Stats struct {
	Sent   int64 `json:"sent"`
	Failed int64 `json:"failed"`
}

// Emitter sends to one user's connections.
type Emitter struct {
	userID   string
	logger   *slog.Logger
	observer Observer

	mu      sync.Mutex
	conns   []Conn
	retired bool // removed from its directory; takes no new connections

	sent   atomic.Int64
	failed atomic.Int64
}

// New creates an emitter bound to userID.
func New(userID string, logger *slog.Logger, observer Observer) *Emitter {
	return &Emitter{
		userID:   userID,
		logger:   logger.With("component", "emitter", "user_id", userID),
		observer: observer,
	}
}

// UserID returns the user this emitter is bound to.
func (e *Emitter) UserID() string { return e.userID }

// Attach adds a connection and returns the number now attached.
func (e *Emitter) Attach(c Conn) int {
	n, _ := e.attach(c, 0)
	return n
}

// attach adds c unless the emitter is retired or already holds limit
// connections. limit <= 0 means no limit.
func (e *Emitter) attach(c Conn, limit int) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.retired {
		return 0, errRetired
	}
	for _, existing := range e.conns {
		if existing.ID() == c.ID() {
			return len(e.conns), nil
		}
	}
	if limit > 0 && len(e.conns) >= limit {
		return len(e.conns), ErrTooManyConnections
	}
	e.conns = append(e.conns, c)
	return len(e.conns), nil
}

// Detach removes a connection and returns the number still attached.
func (e *Emitter) Detach(connID string) int {
	n, _ := e.release(connID, false)
	return n
}

// release removes a connection. With retire set, an emitter left without
// connections is retired in the same step.
func (e *Emitter) release(connID string, retire bool) (int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, c := range e.conns {
		if c.ID() == connID {
			e.conns = append(e.conns[:i], e.conns[i+1:]...)
			break
		}
	}
	if retire && len(e.conns) == 0 {
		e.retired = true
	}
	return len(e.conns), e.retired
}

// ConnectionCount returns the number of attached connections.
func (e *Emitter) ConnectionCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.conns)
}

// Send delivers v to every connection of the user. It returns nil when at
// least one connection accepted the message and *DeliveryError otherwise.
func (e *Emitter) Send(v any) error {
	return e.send("", v)
}

// SendTo delivers v to a single connection of the user.
func (e *Emitter) SendTo(connID string, v any) error {
	return e.send(connID, v)
}

func (e *Emitter) send(connID string, v any) error {
	msgType := messageType(v)
	if o, ok := v.(Owned); ok && o.Owner() != e.userID {
		e.logger.Error("refusing cross-user message", "type", msgType, "owner", o.Owner())
		return e.fail(&DeliveryError{UserID: e.userID, Type: msgType, Err: ErrCrossUser})
	}

	data, err := json.Marshal(v)
	if err != nil {
		return e.fail(&DeliveryError{UserID: e.userID, Type: msgType, Err: fmt.Errorf("marshal: %w", err)})
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var errs []error
	delivered := 0
	for _, c := range e.conns {
		if connID != "" && c.ID() != connID {
			continue
		}
		if err := c.WriteMessage(data); err != nil {
			e.logger.Warn("write failed", "conn_id", c.ID(), "type", msgType, "error", err)
			errs = append(errs, err)
			continue
		}
		delivered++
	}

	if delivered == 0 {
		cause := ErrNoConnections
		if len(errs) > 0 {
			cause = errors.Join(errs...)
		}
		return e.fail(&DeliveryError{UserID: e.userID, Type: msgType, Err: cause})
	}

	e.sent.Add(1)
	if e.observer != nil {
		e.observer.ObserveDelivery(true)
	}
	return nil
}

func (e *Emitter) fail(err *DeliveryError) error {
	e.failed.Add(1)
	if e.observer != nil {
		e.observer.ObserveDelivery(false)
	}
	return err
}

// Stats returns the delivery counters.
func (e *Emitter) Stats() Stats {
	return Stats{Sent: e.sent.Load(), Failed: e.failed.Load()}
}

// messageType extracts the "type" of the common outbound shapes for logging.
func messageType(v any) string {
	if t, ok := v.(typed); ok {
		return t.MessageType()
	}
	if m, ok := v.(map[string]any); ok {
		if s, ok := m["type"].(string); ok {
			return s
		}
	}
	return fmt.Sprintf("%T", v)
}
