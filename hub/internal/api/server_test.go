package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/amurg-ai/conduit/hub/internal/auth"
	"github.com/amurg-ai/conduit/hub/internal/broadcast"
	"github.com/amurg-ai/conduit/hub/internal/config"
	"github.com/amurg-ai/conduit/hub/internal/observability"
	"github.com/amurg-ai/conduit/hub/internal/store"
	"github.com/amurg-ai/conduit/pkg/protocol"
)

const serviceToken = "svc-token-0123456789abcdef"

type recordingDeliverer struct {
	mu   sync.Mutex
	msgs map[string][]any
}

func (d *recordingDeliverer) Deliver(userID string, msg any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.msgs == nil {
		d.msgs = make(map[string][]any)
	}
	d.msgs[userID] = append(d.msgs[userID], msg)
	return nil
}

func (d *recordingDeliverer) received(userID string) []any {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]any(nil), d.msgs[userID]...)
}

type testEnv struct {
	srv       *Server
	jwt       *auth.JWTProvider
	store     store.Store
	broadcast *broadcast.Manager
	delivered *recordingDeliverer
}

func setupTestServer(t *testing.T) *testEnv {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	hash, err := bcrypt.GenerateFromPassword([]byte(serviceToken), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	cfg := &config.Config{
		Server: config.ServerConfig{
			Addr:           ":0",
			AllowedOrigins: []string{"*"},
			MaxBodyBytes:   1024 * 1024,
		},
		Auth: config.AuthConfig{
			JWTSecret: "test-secret-at-least-32-chars-long",
			ServiceTokens: []config.ServiceTokenEntry{
				{Name: "quality-svc", TokenHash: string(hash), Groups: []string{protocol.GroupQualityAlerts}},
			},
		},
		RateLimit: config.RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
		},
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	jwtp, err := auth.NewJWTProvider(auth.JWTOptions{Secret: cfg.Auth.JWTSecret})
	if err != nil {
		t.Fatal(err)
	}
	d := &recordingDeliverer{}
	bc := broadcast.New(d, []string{protocol.GroupQualityAlerts, protocol.GroupQualityUpdates}, nil, logger)
	ws := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTeapot) })
	srv := NewServer(s, jwtp, auth.NewServiceTokens(cfg.Auth.ServiceTokens), bc, ws, observability.NewMetrics(), cfg, logger)
	return &testEnv{srv: srv, jwt: jwtp, store: s, broadcast: bc, delivered: d}
}

func (e *testEnv) token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := e.jwt.Issue(userID, []string{"tools:echo"}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func (e *testEnv) do(method, path, token string, body []byte) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, req)
	return w
}

func seedRun(t *testing.T, s store.Store, userID, threadID, runID string, events ...string) {
	t.Helper()
	ctx := context.Background()
	now := time.Now()
	if err := s.CreateRun(ctx, &store.Run{
		UserID: userID, ThreadID: threadID, RunID: runID, State: store.RunActive, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatal(err)
	}
	for _, typ := range events {
		if _, err := s.AppendRunEvent(ctx, &store.RunEvent{
			ID: uuid.New().String(), UserID: userID, ThreadID: threadID, RunID: runID,
			Type: typ, Data: json.RawMessage(`{}`), CreatedAt: now,
		}); err != nil {
			t.Fatal(err)
		}
	}
}

func TestHealthEndpoints(t *testing.T) {
	env := setupTestServer(t)

	if w := env.do("GET", "/healthz", "", nil); w.Code != http.StatusOK {
		t.Errorf("healthz: %d", w.Code)
	}
	w := env.do("GET", "/readyz", "", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "ready") {
		t.Errorf("readyz: %d %s", w.Code, w.Body.String())
	}
	if w := env.do("GET", "/metrics", "", nil); w.Code != http.StatusOK {
		t.Errorf("metrics: %d", w.Code)
	}
	if w := env.do("GET", "/ws", "", nil); w.Code != http.StatusTeapot {
		t.Errorf("ws route not mounted: %d", w.Code)
	}
}

func TestSecurityHeaders(t *testing.T) {
	env := setupTestServer(t)
	w := env.do("GET", "/healthz", "", nil)
	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
}

func TestGetMe(t *testing.T) {
	env := setupTestServer(t)

	if w := env.do("GET", "/api/me", "", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("no token: %d", w.Code)
	}
	if w := env.do("GET", "/api/me", "garbage", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("bad token: %d", w.Code)
	}

	w := env.do("GET", "/api/me", env.token(t, "api-user-1"), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("me: %d %s", w.Code, w.Body.String())
	}
	var me struct {
		UserID      string   `json:"user_id"`
		Permissions []string `json:"permissions"`
	}
	if err := json.NewDecoder(w.Body).Decode(&me); err != nil {
		t.Fatal(err)
	}
	if me.UserID != "api-user-1" || len(me.Permissions) != 1 {
		t.Errorf("me = %+v", me)
	}
}

func TestRunEventsOwnerOnly(t *testing.T) {
	env := setupTestServer(t)
	thread, run := "thread-"+uuid.NewString(), "run-"+uuid.NewString()
	seedRun(t, env.store, "owner", thread, run, protocol.TypeAgentStarted, protocol.TypeAgentCompleted)

	path := fmt.Sprintf("/api/threads/%s/runs/%s/events", thread, run)
	w := env.do("GET", path, env.token(t, "owner"), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("owner: %d %s", w.Code, w.Body.String())
	}
	var events []store.RunEvent
	if err := json.NewDecoder(w.Body).Decode(&events); err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 || events[0].Type != protocol.TypeAgentStarted || events[1].Seq != 2 {
		t.Errorf("events = %+v", events)
	}

	w = env.do("GET", path+"?after_seq=1", env.token(t, "owner"), nil)
	events = nil
	_ = json.NewDecoder(w.Body).Decode(&events)
	if len(events) != 1 || events[0].Type != protocol.TypeAgentCompleted {
		t.Errorf("after_seq=1: %+v", events)
	}

	if w := env.do("GET", path, env.token(t, "intruder"), nil); w.Code != http.StatusNotFound {
		t.Errorf("other user: %d, want 404", w.Code)
	}
	if w := env.do("GET", fmt.Sprintf("/api/threads/%s/runs/%s", thread, run), env.token(t, "owner"), nil); w.Code != http.StatusOK {
		t.Errorf("get run: %d", w.Code)
	}
}

func TestListRuns(t *testing.T) {
	env := setupTestServer(t)
	user := "lister-" + uuid.NewString()
	seedRun(t, env.store, user, "t1", "r1")
	seedRun(t, env.store, user, "t1", "r2")
	seedRun(t, env.store, "someone-else-"+uuid.NewString(), "t1", "r1")

	w := env.do("GET", "/api/runs", env.token(t, user), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list runs: %d", w.Code)
	}
	var runs []store.Run
	if err := json.NewDecoder(w.Body).Decode(&runs); err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Fatalf("got %d runs, want 2", len(runs))
	}
	for _, r := range runs {
		if r.UserID != user {
			t.Errorf("leaked run of %q", r.UserID)
		}
	}

	if w := env.do("GET", "/api/runs?since=yesterday", env.token(t, user), nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad since: %d", w.Code)
	}
}

func TestListAuditEventsScopedToCaller(t *testing.T) {
	env := setupTestServer(t)
	user := "audited-" + uuid.NewString()
	ctx := context.Background()
	for _, u := range []string{user, "other-" + uuid.NewString()} {
		if err := env.store.LogAuditEvent(ctx, &store.AuditEvent{
			ID: uuid.New().String(), Action: store.AuditConnectionOpen, UserID: u, CreatedAt: time.Now(),
		}); err != nil {
			t.Fatal(err)
		}
	}

	w := env.do("GET", "/api/audit", env.token(t, user), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("audit: %d", w.Code)
	}
	var events []store.AuditEvent
	if err := json.NewDecoder(w.Body).Decode(&events); err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].UserID != user {
		t.Errorf("events = %+v", events)
	}
}

func TestPublish(t *testing.T) {
	env := setupTestServer(t)
	if err := env.broadcast.Subscribe(protocol.GroupQualityAlerts, "u1"); err != nil {
		t.Fatal(err)
	}
	_ = env.broadcast.Subscribe(protocol.GroupQualityUpdates, "u2")

	body := []byte(`{"type":"quality_alert","payload":{"score":0.1,"severity":"critical"}}`)
	w := env.do("POST", "/api/groups/quality_alerts/publish", serviceToken, body)
	if w.Code != http.StatusOK {
		t.Fatalf("publish: %d %s", w.Code, w.Body.String())
	}
	var res broadcast.PublishResult
	if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if res.Delivered != 1 {
		t.Errorf("delivered = %d", res.Delivered)
	}
	got := env.delivered.received("u1")
	if len(got) != 1 {
		t.Fatalf("u1 received %d messages", len(got))
	}
	msg := got[0].(protocol.Broadcast)
	if msg.Type != protocol.TypeQualityAlert || msg.Payload["severity"] != "critical" {
		t.Errorf("message = %+v", msg)
	}
	if len(env.delivered.received("u2")) != 0 {
		t.Error("member of another group received the alert")
	}
}

func TestPublishRejects(t *testing.T) {
	env := setupTestServer(t)
	good := []byte(`{"type":"quality_update","payload":{}}`)

	cases := []struct {
		name  string
		path  string
		token string
		body  []byte
		want  int
	}{
		{"no token", "/api/groups/quality_alerts/publish", "", good, http.StatusUnauthorized},
		{"user token", "/api/groups/quality_alerts/publish", env.token(t, "u1"), good, http.StatusUnauthorized},
		{"unknown group", "/api/groups/nope/publish", serviceToken, good, http.StatusNotFound},
		{"group not allowed", "/api/groups/quality_updates/publish", serviceToken, good, http.StatusForbidden},
		{"missing type", "/api/groups/quality_alerts/publish", serviceToken, []byte(`{"payload":{}}`), http.StatusBadRequest},
		{"bad json", "/api/groups/quality_alerts/publish", serviceToken, []byte(`{`), http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if w := env.do("POST", tc.path, tc.token, tc.body); w.Code != tc.want {
				t.Errorf("status = %d, want %d (%s)", w.Code, tc.want, w.Body.String())
			}
		})
	}
}

func TestListGroups(t *testing.T) {
	env := setupTestServer(t)
	_ = env.broadcast.Subscribe(protocol.GroupQualityAlerts, "u1")

	w := env.do("GET", "/api/groups", serviceToken, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("groups: %d", w.Code)
	}
	var groups []struct {
		Name    string `json:"name"`
		Members int    `json:"members"`
	}
	if err := json.NewDecoder(w.Body).Decode(&groups); err != nil {
		t.Fatal(err)
	}
	// The service is limited to quality_alerts.
	if len(groups) != 1 || groups[0].Name != protocol.GroupQualityAlerts || groups[0].Members != 1 {
		t.Errorf("groups = %+v", groups)
	}
}

func TestRateLimiter(t *testing.T) {
	rl := newRateLimiter(0.001, 2)
	if !rl.allow("a") || !rl.allow("a") {
		t.Fatal("burst should be allowed")
	}
	if rl.allow("a") {
		t.Error("third request should be limited")
	}
	if !rl.allow("b") {
		t.Error("keys are independent")
	}
	rl.cleanup(-time.Second)
	if n := rl.size(); n != 0 {
		t.Errorf("cleanup left %d buckets", n)
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	env := setupTestServer(t)
	cfg := &config.Config{
		Server:    config.ServerConfig{AllowedOrigins: []string{"*"}, MaxBodyBytes: 1024},
		RateLimit: config.RateLimitConfig{RequestsPerSecond: 0.001, Burst: 1},
	}
	srv := NewServer(env.store, env.jwt, nil, nil, nil, nil, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	tok := env.token(t, "limited")

	codes := make([]int, 0, 2)
	for range 2 {
		req := httptest.NewRequest("GET", "/api/me", nil)
		req.Header.Set("Authorization", "Bearer "+tok)
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusTooManyRequests {
		t.Errorf("codes = %v, want [200 429]", codes)
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"bearer abc", "abc", true},
		{"Basic abc", "", false},
		{"Bearer ", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest("GET", "/api/me?token=query-token", nil)
		if tt.header != "" {
			r.Header.Set("Authorization", tt.header)
		}
		got, ok := bearerToken(r)
		if got != tt.want || ok != tt.ok {
			t.Errorf("bearerToken(%q) = %q, %v; want %q, %v", tt.header, got, ok, tt.want, tt.ok)
		}
	}
}
