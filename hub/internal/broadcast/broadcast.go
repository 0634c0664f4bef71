// Package broadcast manages named subscriber groups and fans messages out to
// their members.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/amurg-ai/conduit/hub/internal/store"
)

// ErrUnknownGroup is returned for a group that was not configured.
var ErrUnknownGroup = errors.New("unknown group")

// Deliverer sends a message to every connection of one user.
type Deliverer interface {
	Deliver(userID string, msg any) error
}

// Failure is one member a publish could not reach.
type Failure struct {
	UserID string `json:"user_id"`
	Error  string `json:"error"`
}

// PublishResult summarizes one publish.
type PublishResult struct {
	Group     string    `json:"group"`
	Delivered int       `json:"delivered"`
	Failures  []Failure `json:"failures,omitempty"`
}

// Observer is notified of every publish outcome.
type Observer interface {
	BroadcastPublished(group string, delivered, failed int)
}

// Manager owns group membership. Membership only changes through explicit
// Subscribe and Unsubscribe calls.
type Manager struct {
	deliverer Deliverer
	auditor   *store.Auditor
	observer  Observer
	logger    *slog.Logger

	mu     sync.RWMutex
	groups map[string]map[string]struct{}
	open   bool
}

// New creates a manager. When groups is non-empty only those groups exist;
// otherwise any group name is accepted.
func New(deliverer Deliverer, groups []string, auditor *store.Auditor, logger *slog.Logger) *Manager {
	m := &Manager{
		deliverer: deliverer,
		auditor:   auditor,
		logger:    logger.With("component", "broadcast"),
		groups:    make(map[string]map[string]struct{}),
		open:      len(groups) == 0,
	}
	for _, g := range groups {
		m.groups[g] = make(map[string]struct{})
	}
	return m
}

// SetObserver installs o. It must be called before the first Publish.
func (m *Manager) SetObserver(o Observer) { m.observer = o }

// Subscribe adds userID to group. Subscribing twice is a no-op.
func (m *Manager) Subscribe(group, userID string) error {
	if group == "" || userID == "" {
		return fmt.Errorf("subscribe: group and user id are required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	members, ok := m.groups[group]
	if !ok {
		if !m.open {
			return fmt.Errorf("%w: %q", ErrUnknownGroup, group)
		}
		members = make(map[string]struct{})
		m.groups[group] = members
	}
	members[userID] = struct{}{}
	m.logger.Debug("subscribed", "group", group, "user_id", userID)
	return nil
}

// Unsubscribe removes userID from group and reports whether it was a member.
func (m *Manager) Unsubscribe(group, userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	members, ok := m.groups[group]
	if !ok {
		return false
	}
	if _, ok := members[userID]; !ok {
		return false
	}
	delete(members, userID)
	m.logger.Debug("unsubscribed", "group", group, "user_id", userID)
	return true
}

// UnsubscribeAll removes userID from every group and returns the groups it
// left, sorted.
func (m *Manager) UnsubscribeAll(userID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var left []string
	for name, members := range m.groups {
		if _, ok := members[userID]; ok {
			delete(members, userID)
			left = append(left, name)
		}
	}
	sort.Strings(left)
	return left
}

// Members returns the group's members, sorted.
func (m *Manager) Members(group string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.membersLocked(group)
}

func (m *Manager) membersLocked(group string) []string {
	members := m.groups[group]
	out := make([]string, 0, len(members))
	for id := range members {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Groups returns the known group names, sorted.
func (m *Manager) Groups() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.groups))
	for name := range m.groups {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Accepts reports whether group can be subscribed to and published to.
func (m *Manager) Accepts(group string) bool {
	if group == "" {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.groups[group]
	return ok || m.open
}

// IsMember reports whether userID is subscribed to group.
func (m *Manager) IsMember(group, userID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.groups[group][userID]
	return ok
}

// Publish delivers msg to every member of group. Membership is snapshotted
// first; each member is delivered to independently and failures are
// recorded in the result, never returned.
func (m *Manager) Publish(ctx context.Context, group string, msg any) PublishResult {
	m.mu.RLock()
	members := m.membersLocked(group)
	m.mu.RUnlock()

	res := PublishResult{Group: group}
	for _, userID := range members {
		if err := ctx.Err(); err != nil {
			res.Failures = append(res.Failures, Failure{UserID: userID, Error: err.Error()})
			continue
		}
		if err := m.deliverer.Deliver(userID, msg); err != nil {
			m.logger.Warn("broadcast delivery failed", "group", group, "user_id", userID, "error", err)
			res.Failures = append(res.Failures, Failure{UserID: userID, Error: err.Error()})
			continue
		}
		res.Delivered++
	}

	if m.observer != nil {
		m.observer.BroadcastPublished(group, res.Delivered, len(res.Failures))
	}
	m.auditor.Record(context.WithoutCancel(ctx), store.AuditEvent{Action: store.AuditBroadcastPublish},
		map[string]any{"group": group, "members": len(members), "delivered": res.Delivered, "failed": len(res.Failures)})
	return res
}
