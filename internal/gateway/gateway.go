// ABOUTME: Orchestrator server that coordinates the HTTP API and agent websocket endpoint.
// ABOUTME: Wires store, registries, dispatcher, and engine; manages background loop lifecycle.

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/warmfleet/orchestrator/internal/auth"
	"github.com/warmfleet/orchestrator/internal/automation"
	"github.com/warmfleet/orchestrator/internal/barrier"
	"github.com/warmfleet/orchestrator/internal/config"
	"github.com/warmfleet/orchestrator/internal/dispatch"
	"github.com/warmfleet/orchestrator/internal/registry"
	"github.com/warmfleet/orchestrator/internal/store"
)

// DefaultReconcileInterval is how often persisted computer status is diffed
// against the live connection set.
const DefaultReconcileInterval = 15 * time.Second

// Gateway is the orchestrator server. It owns the HTTP listener, the agent
// connection registry, and every background maintenance loop.
type Gateway struct {
	config     *config.Config
	store      store.Store
	registry   *registry.Registry
	barriers   *barrier.Registry
	dispatcher *dispatch.Dispatcher
	engine     *automation.Engine
	verifier   *auth.JWTVerifier
	httpServer *http.Server
	logger     *slog.Logger

	reconcileInterval time.Duration

	// loopCtx bounds the background goroutines and every agent read loop;
	// cancelLoops ends them on shutdown.
	loopCtx     context.Context
	cancelLoops context.CancelFunc
	loops       sync.WaitGroup
}

// New builds a gateway from config. The store is opened here; callers own
// nothing until New returns successfully.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dbPath := cfg.Database.Path
	if envPath := os.Getenv("ORCHESTRATOR_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	st, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	reg := registry.New(registry.Params{
		CheckInterval:   cfg.Agents.HeartbeatCheckInterval,
		LivenessTimeout: cfg.Agents.LivenessTimeout,
		Logger:          logger,
	})

	barriers := barrier.NewRegistry(barrier.RegistryParams{
		StepTimeout:   cfg.Barriers.StepTimeout,
		SweepInterval: cfg.Barriers.SweepInterval,
		Expiry:        cfg.Barriers.Expiry,
		Logger:        logger,
	})

	dispatcher := dispatch.New(st, reg, barriers, logger)

	engine := automation.NewEngine(automation.Params{
		MaxParallel: cfg.Automation.MaxParallel,
		BarrierWait: cfg.Automation.PhaseTimeout,
		Logger:      logger,
	})

	reconcile := cfg.Agents.ReconcileInterval
	if reconcile <= 0 {
		reconcile = DefaultReconcileInterval
	}

	gw := &Gateway{
		config:            cfg,
		store:             st,
		registry:          reg,
		barriers:          barriers,
		dispatcher:        dispatcher,
		engine:            engine,
		verifier:          auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)),
		logger:            logger.With("component", "gateway"),
		reconcileInterval: reconcile,
	}
	gw.loopCtx, gw.cancelLoops = context.WithCancel(context.Background())

	mux := http.NewServeMux()
	gw.registerRoutes(mux)
	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// registerRoutes wires the agent websocket endpoint and the operator API.
func (g *Gateway) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/{computer_id}", g.handleAgentSocket)

	mux.HandleFunc("POST /api/warming/execute", g.handleWarmingExecute)
	mux.HandleFunc("GET /api/warming/executions/{id}", g.handleExecutionGet)
	mux.HandleFunc("GET /api/warming/batches/{id}", g.handleBatchGet)
	mux.HandleFunc("POST /api/warming/executions/{id}/stop", g.handleExecutionStop)

	mux.HandleFunc("GET /api/agents/status", g.handleAgentsStatus)
	mux.HandleFunc("POST /api/agents/status/refresh", g.handleAgentsRefresh)

	mux.HandleFunc("POST /api/automation/search", g.handleAutomationSearch)
	mux.HandleFunc("POST /api/automation/navigate", g.handleAutomationNavigate)

	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)
}

// startLoops launches the background maintenance goroutines.
func (g *Gateway) startLoops() {
	ctx := g.loopCtx

	g.loops.Add(3)
	go func() {
		defer g.loops.Done()
		g.registry.RunHeartbeatMonitor(ctx)
	}()
	go func() {
		defer g.loops.Done()
		g.barriers.Run(ctx)
	}()
	go func() {
		defer g.loops.Done()
		g.RunReconciler(ctx)
	}()
}

// Run serves until ctx is cancelled or the server fails, then shuts down
// gracefully.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", g.httpServer.Addr, err)
	}

	g.startLoops()

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown stops the HTTP server, the background loops, and the store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down orchestrator")

	var errs []error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}

	// Cancelling the loop context also ends every agent read loop, so open
	// sockets close instead of outliving the shutdown window.
	g.cancelLoops()
	g.loops.Wait()

	if err := g.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// Store exposes the persistence layer, used by the CLI subcommands.
func (g *Gateway) Store() store.Store {
	return g.store
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if at least one agent is connected.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	agents := g.registry.ConnectedAgents()
	if len(agents) == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no agents connected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents)", len(agents))
}
