// Package gateway accepts client WebSocket connections, authenticates them,
// and feeds their frames to the message router.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/amurg-ai/conduit/hub/internal/auth"
	"github.com/amurg-ai/conduit/hub/internal/emitter"
	"github.com/amurg-ai/conduit/hub/internal/observability"
	"github.com/amurg-ai/conduit/hub/internal/router"
	"github.com/amurg-ai/conduit/hub/internal/store"
	"github.com/amurg-ai/conduit/pkg/protocol"
)

// Router routes one raw frame.
type Router interface {
	Route(ctx context.Context, userID, connID string, raw []byte) router.Outcome
}

// Canceller cancels the runs started from a connection.
type Canceller interface {
	CancelConnection(userID, connID string) int
}

// Unsubscriber drops a user from every broadcast group.
type Unsubscriber interface {
	UnsubscribeAll(userID string) []string
}

// Options configures a Gateway.
type Options struct {
	AllowedOrigins    []string
	MaxMessageBytes   int64
	MaxConnsPerUser   int
	PingInterval      time.Duration
	WriteWait         time.Duration
	MessagesPerSecond float64
	MessageBurst      int
}

// Gateway serves the client WebSocket endpoint.
type Gateway struct {
	auth     auth.Provider
	emitters *emitter.Directory
	router   Router
	runs     Canceller
	groups   Unsubscriber
	metrics  *observability.Metrics
	auditor  *store.Auditor
	logger   *slog.Logger

	upgrader websocket.Upgrader
	opts     Options
}

// New creates a Gateway. runs, groups, metrics and auditor may be nil.
func New(provider auth.Provider, emitters *emitter.Directory, r Router, runs Canceller, groups Unsubscriber,
	metrics *observability.Metrics, auditor *store.Auditor, opts Options, logger *slog.Logger) *Gateway {
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = 64 * 1024
	}
	if opts.MaxConnsPerUser <= 0 {
		opts.MaxConnsPerUser = 10
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = 10 * time.Second
	}
	if opts.MessagesPerSecond <= 0 {
		opts.MessagesPerSecond = 20
	}
	if opts.MessageBurst <= 0 {
		opts.MessageBurst = 40
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		auth:     provider,
		emitters: emitters,
		router:   r,
		runs:     runs,
		groups:   groups,
		metrics:  metrics,
		auditor:  auditor,
		logger:   logger.With("component", "gateway"),
		upgrader: makeUpgrader(opts.AllowedOrigins),
		opts:     opts,
	}
}

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// ServeHTTP authenticates the request, upgrades it and runs the read loop
// until the client goes away.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	// Tokens may arrive in the query string; keep access logs free of it.
	identity, err := g.auth.ValidateToken(req.Context(), auth.TokenFromRequest(req))
	if err != nil {
		g.metrics.ConnectionRejected("unauthorized")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := g.upgrader.Upgrade(w, req, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "user_id", identity.UserID, "error", err)
		return
	}
	defer ws.Close()

	c := &wsConn{id: uuid.New().String(), conn: ws, writeWait: g.opts.WriteWait}
	userID := identity.UserID

	if _, err := g.emitters.AttachLimit(userID, c, g.opts.MaxConnsPerUser); err != nil {
		g.logger.Warn("too many WebSocket connections for user", "user_id", userID, "limit", g.opts.MaxConnsPerUser)
		g.metrics.ConnectionRejected("too_many_connections")
		c.closeWith(websocket.ClosePolicyViolation, "too many connections")
		return
	}
	g.metrics.ConnectionOpened()
	g.auditor.Record(context.WithoutCancel(req.Context()), store.AuditEvent{
		Action: store.AuditConnectionOpen, UserID: userID, ConnectionID: c.id,
	}, map[string]any{"remote_addr": req.RemoteAddr})
	g.logger.Info("client connected", "user_id", userID, "conn_id", c.id)

	ctx, cancel := context.WithCancel(router.WithPermissions(context.Background(), identity.Permissions))
	defer cancel()
	defer g.cleanup(userID, c.id)

	ws.SetReadLimit(g.opts.MaxMessageBytes)
	stopKeepalive := startKeepalive(ws, &c.mu, g.opts.PingInterval)
	defer stopKeepalive()

	g.router.Route(ctx, userID, c.id, connectFrame)

	limiter := rate.NewLimiter(rate.Limit(g.opts.MessagesPerSecond), g.opts.MessageBurst)
	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.logger.Debug("client read error", "conn_id", c.id, "error", err)
			}
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		if !limiter.Allow() {
			g.metrics.FrameRateLimited()
			g.logger.Debug("client message rate limited", "user_id", userID, "conn_id", c.id)
			continue
		}
		g.router.Route(ctx, userID, c.id, data)
	}
}

var connectFrame = []byte(`{"type":"` + protocol.TypeConnect + `"}`)

// cleanup releases everything the connection held. Broadcast membership
// follows the user, not the connection, so it is dropped only with the
// user's last connection.
func (g *Gateway) cleanup(userID, connID string) {
	cancelled := 0
	if g.runs != nil {
		cancelled = g.runs.CancelConnection(userID, connID)
	}
	remaining := g.emitters.Detach(userID, connID)
	var dropped []string
	if remaining == 0 && g.groups != nil {
		dropped = g.groups.UnsubscribeAll(userID)
	}
	g.metrics.ConnectionClosed()
	g.auditor.Record(context.Background(), store.AuditEvent{
		Action: store.AuditConnectionClose, UserID: userID, ConnectionID: connID,
	}, map[string]any{"cancelled_runs": cancelled, "unsubscribed": dropped})
	g.logger.Info("client disconnected", "user_id", userID, "conn_id", connID,
		"cancelled_runs", cancelled, "remaining_connections", remaining)
}
