package emitter

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
)

// Directory maps user ids to their emitters.
type Directory struct {
	logger   *slog.Logger
	observer Observer

	mu       sync.RWMutex
	emitters map[string]*Emitter
}

// NewDirectory creates an empty directory. observer may be nil.
func NewDirectory(logger *slog.Logger, observer Observer) *Directory {
	return &Directory{
		logger:   logger,
		observer: observer,
		emitters: make(map[string]*Emitter),
	}
}

// Get returns the user's emitter, creating it if needed.
func (d *Directory) Get(userID string) *Emitter {
	d.mu.RLock()
	e, ok := d.emitters[userID]
	d.mu.RUnlock()
	if ok {
		return e
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.emitters[userID]; ok {
		return e
	}
	e = New(userID, d.logger, d.observer)
	d.emitters[userID] = e
	return e
}

// Lookup returns the user's emitter if one exists.
func (d *Directory) Lookup(userID string) (*Emitter, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.emitters[userID]
	return e, ok
}

// Attach binds a connection to the user's emitter and returns the number of
// connections the user now has.
func (d *Directory) Attach(userID string, c Conn) int {
	n, _ := d.AttachLimit(userID, c, 0)
	return n
}

// AttachLimit binds a connection unless the user already holds limit
// connections, in which case it returns ErrTooManyConnections and c never
// joins the emitter. limit <= 0 means no limit.
//
// The directory lock is never held while waiting on an emitter, since an
// emitter stays locked for as long as a write to one of its connections.
func (d *Directory) AttachLimit(userID string, c Conn, limit int) (int, error) {
	for {
		e := d.Get(userID)
		n, err := e.attach(c, limit)
		if !errors.Is(err, errRetired) {
			return n, err
		}
		d.drop(userID, e)
	}
}

// Detach unbinds a connection. When the user's last connection goes away the
// emitter is dropped; it returns the number of connections still attached.
func (d *Directory) Detach(userID, connID string) int {
	e, ok := d.Lookup(userID)
	if !ok {
		return 0
	}
	n, retired := e.release(connID, true)
	if retired {
		d.drop(userID, e)
	}
	return n
}

// drop removes e if it is still the user's current emitter.
func (d *Directory) drop(userID string, e *Emitter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.emitters[userID] == e {
		delete(d.emitters, userID)
	}
}

// ConnectionCount returns how many connections userID has attached.
func (d *Directory) ConnectionCount(userID string) int {
	e, ok := d.Lookup(userID)
	if !ok {
		return 0
	}
	return e.ConnectionCount()
}

// Deliver sends msg to userID. Users without a live connection get a
// *DeliveryError wrapping ErrNoConnections.
func (d *Directory) Deliver(userID string, msg any) error {
	e, ok := d.Lookup(userID)
	if !ok {
		if d.observer != nil {
			d.observer.ObserveDelivery(false)
		}
		return &DeliveryError{UserID: userID, Type: messageType(msg), Err: ErrNoConnections}
	}
	return e.Send(msg)
}

// DeliverTo sends msg to one connection of userID.
func (d *Directory) DeliverTo(userID, connID string, msg any) error {
	e, ok := d.Lookup(userID)
	if !ok {
		if d.observer != nil {
			d.observer.ObserveDelivery(false)
		}
		return &DeliveryError{UserID: userID, Type: messageType(msg), Err: ErrNoConnections}
	}
	return e.SendTo(connID, msg)
}

// Users returns the ids of users with an emitter, sorted.
func (d *Directory) Users() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.emitters))
	for id := range d.emitters {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// UserSender sends to one user through the directory, so it always reaches
// the user's current connections even across reconnects.
type UserSender struct {
	d      *Directory
	userID string
}

// For returns a sender bound to userID.
func (d *Directory) For(userID string) UserSender {
	return UserSender{d: d, userID: userID}
}

// UserID returns the bound user.
func (s UserSender) UserID() string { return s.userID }

// Send delivers v to the bound user.
func (s UserSender) Send(v any) error { return s.d.Deliver(s.userID, v) }
