// Package hub is the main orchestrator that ties all hub components together.
package hub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/amurg-ai/conduit/hub/internal/api"
	"github.com/amurg-ai/conduit/hub/internal/auth"
	"github.com/amurg-ai/conduit/hub/internal/broadcast"
	"github.com/amurg-ai/conduit/hub/internal/config"
	"github.com/amurg-ai/conduit/hub/internal/dispatch"
	"github.com/amurg-ai/conduit/hub/internal/emitter"
	"github.com/amurg-ai/conduit/hub/internal/engine"
	"github.com/amurg-ai/conduit/hub/internal/execctx"
	"github.com/amurg-ai/conduit/hub/internal/gateway"
	"github.com/amurg-ai/conduit/hub/internal/handlers"
	"github.com/amurg-ai/conduit/hub/internal/observability"
	"github.com/amurg-ai/conduit/hub/internal/quality"
	"github.com/amurg-ai/conduit/hub/internal/registry"
	"github.com/amurg-ai/conduit/hub/internal/router"
	"github.com/amurg-ai/conduit/hub/internal/store"
	"github.com/amurg-ai/conduit/hub/internal/workpool"
)

// shutdownTimeout bounds the whole graceful shutdown.
const shutdownTimeout = 30 * time.Second

// Hub is the main hub process.
type Hub struct {
	cfg            *config.Config
	store          store.Store
	authProvider   auth.Provider
	pool           *workpool.Pool
	runs           *engine.Runs
	api            *api.Server
	shutdownTracer func(context.Context) error
	logger         *slog.Logger
}

// New creates a new hub from configuration.
func New(cfg *config.Config, version string, logger *slog.Logger) (*Hub, error) {
	// Initialize storage.
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	authProvider, err := auth.NewProvider(cfg.Auth)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init auth provider: %w", err)
	}

	metrics := observability.NewMetrics()
	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Insecure:       cfg.Tracing.Insecure,
	})

	auditor := store.NewAuditor(db, logger)
	emitters := emitter.NewDirectory(logger, metrics)

	bc := broadcast.New(emitters, cfg.Broadcast.Groups, auditor, logger)
	bc.SetObserver(metrics)

	tools, err := dispatch.NewToolset(dispatch.Builtins()...)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init tools: %w", err)
	}
	pool := workpool.New(cfg.Execution.Workers)
	runs := engine.NewRuns(tools, pool, engine.PayloadPlanner{}, metrics, auditor, engine.Options{
		ToolTimeout:    cfg.Execution.ToolTimeout.Duration,
		RunTimeout:     cfg.Execution.RunTimeout.Duration,
		MaxRunsPerUser: cfg.Execution.MaxRunsPerUser,
	}, logger)

	qs, err := quality.New(quality.Options{
		ContentSchema: cfg.Quality.ContentSchema,
		SchemaFile:    cfg.Quality.SchemaFile,
		MinLength:     cfg.Quality.MinLength,
		MaxLength:     cfg.Quality.MaxLength,
		ReportWindow:  cfg.Quality.ReportWindow.Duration,
	}, bc, db, logger)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init quality service: %w", err)
	}

	reg := registry.New()
	handlers.Register(reg, handlers.Deps{
		Runs:      runs,
		Emitters:  emitters,
		Broadcast: bc,
		Quality:   qs,
		Logger:    logger,
	})

	factory := execctx.NewFactory(db, execctx.StaticPermissions(cfg.Auth.DefaultPermissions), logger)
	rt, err := router.New(reg, factory, emitters, router.Options{
		Metrics: metrics,
		Tracer:  tracer,
		Logger:  logger,
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init router: %w", err)
	}

	gw := gateway.New(authProvider, emitters, rt, runs, bc, metrics, auditor, gateway.Options{
		AllowedOrigins:    cfg.Server.AllowedOrigins,
		MaxMessageBytes:   cfg.Server.MaxMessageBytes,
		MaxConnsPerUser:   cfg.Server.MaxConnsPerUser,
		PingInterval:      cfg.Server.PingInterval.Duration,
		MessagesPerSecond: cfg.RateLimit.MessagesPerSecond,
		MessageBurst:      cfg.RateLimit.MessageBurst,
	}, logger)

	apiSrv := api.NewServer(db, authProvider, auth.NewServiceTokens(cfg.Auth.ServiceTokens), bc, gw, metrics, cfg, logger)

	h := &Hub{
		cfg:            cfg,
		store:          db,
		authProvider:   authProvider,
		pool:           pool,
		runs:           runs,
		api:            apiSrv,
		shutdownTracer: shutdownTracer,
		logger:         logger.With("component", "hub"),
	}

	if authProvider.Name() == "jwt" && len(cfg.Auth.JWTSecret) < 32 {
		h.logger.Warn("JWT secret is shorter than 32 characters, use a stronger secret in production")
	}
	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			h.logger.Warn("CORS allowed_origins contains wildcard '*', restrict to specific origins in production")
			break
		}
	}
	h.logger.Info("handlers registered", "types", reg.Discriminants(), "tools", tools.Names())

	return h, nil
}

// Handler returns the hub's HTTP handler.
func (h *Hub) Handler() http.Handler {
	return h.api.Handler()
}

// Run starts the hub HTTP server and blocks until the context is canceled.
func (h *Hub) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              h.cfg.Server.Addr,
		Handler:           h.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start rate limiter cleanup tasks.
	h.api.StartBackgroundTasks(ctx)

	// Start retention purger.
	if h.cfg.Storage.Retention.Duration > 0 {
		go h.runRetentionPurger(ctx, h.cfg.Storage.Retention.Duration, h.cfg.Storage.AuditRetention.Duration)
	}

	errCh := make(chan error, 1)
	go func() {
		h.logger.Info("hub listening", "addr", h.cfg.Server.Addr)
		if h.cfg.Server.TLSCert != "" && h.cfg.Server.TLSKey != "" {
			errCh <- srv.ListenAndServeTLS(h.cfg.Server.TLSCert, h.cfg.Server.TLSKey)
		} else {
			h.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		h.logger.Info("shutting down hub gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			h.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			h.logger.Info("http server stopped gracefully")
		}

		h.close(shutdownCtx)
		h.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		h.close(shutdownCtx)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// close stops runs, then the tool pool, then exporters and storage. Runs go
// first so their final events still reach the journal.
func (h *Hub) close(ctx context.Context) {
	if err := h.runs.Shutdown(ctx); err != nil {
		h.logger.Warn("runs did not finish before shutdown deadline", "error", err)
	}
	if err := h.pool.Close(ctx); err != nil {
		h.logger.Warn("tool pool did not drain", "error", err)
	}
	if err := h.shutdownTracer(ctx); err != nil {
		h.logger.Warn("tracer shutdown failed", "error", err)
	}
	if c, ok := h.authProvider.(io.Closer); ok {
		_ = c.Close()
	}
	h.logger.Info("closing store")
	_ = h.store.Close()
}

func (h *Hub) runRetentionPurger(ctx context.Context, retention, auditRetention time.Duration) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.purge(ctx, time.Now().Add(-retention), time.Now().Add(-auditRetention))
		}
	}
}

func (h *Hub) purge(ctx context.Context, runCutoff, auditCutoff time.Time) {
	if n, err := h.store.PurgeOldRunEvents(ctx, runCutoff); err != nil {
		h.logger.Warn("retention purge: run events failed", "error", err)
	} else if n > 0 {
		h.logger.Info("retention purge: deleted old run events", "count", n)
	}
	if n, err := h.store.PurgeOldAuditEvents(ctx, auditCutoff); err != nil {
		h.logger.Warn("retention purge: audit events failed", "error", err)
	} else if n > 0 {
		h.logger.Info("retention purge: deleted old audit events", "count", n)
	}
}
