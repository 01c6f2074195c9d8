package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/toolgate/toolgate/internal/adapter/httpapi"
	tgnats "github.com/toolgate/toolgate/internal/adapter/nats"
	otelad "github.com/toolgate/toolgate/internal/adapter/otel"
	"github.com/toolgate/toolgate/internal/adapter/postgres"
	"github.com/toolgate/toolgate/internal/adapter/ristretto"
	"github.com/toolgate/toolgate/internal/adapter/ws"
	"github.com/toolgate/toolgate/internal/config"
	"github.com/toolgate/toolgate/internal/domain/policy"
	"github.com/toolgate/toolgate/internal/logger"
	"github.com/toolgate/toolgate/internal/resilience"
	"github.com/toolgate/toolgate/internal/secrets"
	"github.com/toolgate/toolgate/internal/service"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log := logger.New(cfg.Logging)
	slog.SetDefault(log)

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"policy_dir", cfg.Policy.RulesDir,
	)

	ctx := context.Background()

	// --- Infrastructure ---

	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	slog.Info("postgres connected")

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	slog.Info("migrations applied")

	bus, err := tgnats.Connect(ctx, cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	defer func() { _ = bus.Close() }()

	declCache, err := ristretto.New(cfg.Cache.MaxSizeMB << 20)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}

	// --- Policy and tools ---

	ruleset, err := policy.NewRuleset(func() ([]policy.Rule, error) {
		return policy.LoadDir(cfg.Policy.RulesDir)
	})
	if err != nil {
		return fmt.Errorf("policy: %w", err)
	}
	slog.Info("policy rules loaded", "count", len(ruleset.Rules()))

	catalog, err := builtinCatalog()
	if err != nil {
		return fmt.Errorf("catalog: %w", err)
	}
	slog.Info("tool catalog ready", "tools", catalog.Len(), "signature", catalog.Signature()[:12])

	vlt, err := secrets.NewVault(secrets.EnvLoader("TOOLGATE_SECRET_"))
	if err != nil {
		return fmt.Errorf("vault: %w", err)
	}

	// --- Services ---

	metrics, err := otelad.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	hub := ws.NewHub()
	st := postgres.NewStore(pool)
	breaker := resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)

	creds := service.NewCredentialResolver(vlt, breaker, cfg.Runtime, log)
	approvals := service.NewApprovalService(st, bus, hub, metrics, cfg.Runtime, log)
	gateway := service.NewGateway(st, bus, approvals, creds, declCache, hub, metrics, *cfg, log)
	dispatch := service.NewDispatchService(gateway, bus, cfg.Server.CallbackBaseURL, log)

	// --- HTTP ---

	handlers := &httpapi.Handlers{
		Dispatch:  dispatch,
		Gateway:   gateway,
		Approvals: approvals,
		Catalog:   catalog,
		Rules:     ruleset,
	}

	r := chi.NewRouter()

	r.Use(httpapi.CORS(cfg.Server.CORSOrigin))
	r.Use(httpapi.Logger)
	r.Use(httpapi.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(5 * time.Minute))

	r.Get("/health", healthHandler(pool, bus, declCache))
	r.Get("/health/ready", readyHandler(pool, bus))
	r.Get("/ws", hub.HandleWS)

	httpapi.MountRoutes(r, handlers)

	addr := ":" + cfg.Server.Port

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       120 * time.Second,
	}

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(sigCtx)
	g.Go(func() error {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	// SIGHUP reloads policy rules and secrets without a restart. Rule
	// changes apply to future calls, live runs included.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
				if err := ruleset.Reload(); err != nil {
					slog.Error("reload policy rules", "error", err)
				} else {
					slog.Info("policy rules reloaded", "count", len(ruleset.Rules()))
				}
				if err := vlt.Reload(); err != nil {
					slog.Error("reload secrets", "error", err)
				}
			}
		}
	})
	return g.Wait()
}

// healthHandler reports component health without failing the request.
func healthHandler(pool *pgxpool.Pool, bus *tgnats.Bus, declCache *ristretto.Cache) http.HandlerFunc {
	type healthStatus struct {
		Status      string `json:"status"`
		Postgres    string `json:"postgres"`
		NATS        string `json:"nats"`
		CacheHits   uint64 `json:"cache_hits"`
		CacheMisses uint64 `json:"cache_misses"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		status := healthStatus{Status: "ok", Postgres: "ok", NATS: "ok"}
		status.CacheHits, status.CacheMisses = declCache.Stats()

		pingCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := pool.Ping(pingCtx); err != nil {
			status.Status = "degraded"
			status.Postgres = "unreachable"
		}
		if !bus.IsConnected() {
			status.Status = "degraded"
			status.NATS = "disconnected"
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(status)
	}
}

// readyHandler returns 503 until all backing services are reachable.
func readyHandler(pool *pgxpool.Pool, bus *tgnats.Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pingCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := pool.Ping(pingCtx); err != nil || !bus.IsConnected() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}
