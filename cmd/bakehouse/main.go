// Package main is the entry point for the bakehouse console server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/bakehouse/internal/backend"
	"github.com/pitabwire/bakehouse/internal/capability"
	"github.com/pitabwire/bakehouse/internal/config"
	"github.com/pitabwire/bakehouse/internal/definition"
	"github.com/pitabwire/bakehouse/internal/observability"
	"github.com/pitabwire/bakehouse/internal/social"
	"github.com/pitabwire/bakehouse/internal/transport"
	"github.com/pitabwire/bakehouse/internal/workflow"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Step 1: Parse CLI flags.
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	// Step 2: Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	// Step 3: Initialize telemetry (logger, tracer, metrics).
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "bakehouse", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Step 4: Load definitions, validate, build registry.
	registry := definition.NewRegistry(nil)
	reloader := definition.NewReloader(registry, cfg.Definitions.Directories, metrics, logger)
	if err := reloader.Reload(); err != nil {
		logger.Error("definition loading failed", zap.Error(err))
		return 1
	}

	// Step 5: Initialize capability resolver.
	policy, err := capability.NewStaticPolicy(cfg.Capability.StaticPolicyFile)
	if err != nil {
		logger.Error("capability policy initialization failed", zap.Error(err))
		return 1
	}
	capResolver := capability.NewResolver(policy, cfg.Capability.CacheTTL)

	// Step 6: Backend client and data service.
	backendClient := backend.NewClient(cfg.Backend, metrics, logger)
	var mock *backend.MockSource
	if cfg.Backend.MockFallback {
		mock = backend.NewMockSource(cfg.Backend.MockSeed)
	}
	backendSvc := backend.NewService(backendClient, mock, cfg.Backend.MockFallback, metrics, logger)

	// Step 7: Workflow store and engine.
	var wfEngine *workflow.Engine
	var wfStore workflow.WorkflowStore
	var wfStoreCloser func()
	if cfg.Workflow.Enabled {
		wfStore, wfStoreCloser, err = buildWorkflowStore(ctx, cfg.Workflow, backendClient, logger)
		if err != nil {
			logger.Error("workflow store initialization failed", zap.Error(err))
			return 1
		}
		wfEngine = workflow.NewEngine(wfStore, registry,
			workflow.WithMetrics(metrics),
			workflow.WithLogger(logger),
		)
	}

	// Step 8: Social image renderer and render cache.
	renderer := social.NewRenderer(cfg.Render,
		social.WithMetrics(metrics),
		social.WithLogger(logger),
		social.WithBrand(cfg.Theme.Brand),
	)
	renderCache, err := social.OpenCache(cfg.Render.Cache)
	if err != nil {
		logger.Error("render cache initialization failed", zap.Error(err))
		return 1
	}
	var imageRenderer social.ImageRenderer = renderer
	if renderCache != nil {
		imageRenderer = social.NewCachedRenderer(renderer, renderCache)
		logger.Info("render cache enabled", zap.String("driver", renderCache.Driver()))
	}

	// Step 9: Identity.
	authenticate, err := transport.NewAuthenticator(cfg.Identity, os.Getenv(cfg.Identity.SecretEnv), cfg.Theme)
	if err != nil {
		logger.Error("identity initialization failed", zap.Error(err))
		return 1
	}

	// Step 10: Build HTTP router.
	readinessChecks := observability.ReadinessChecks{
		DefinitionsLoaded: registry.Loaded,
	}
	if hc, ok := wfStore.(observability.HealthChecker); ok {
		readinessChecks.WorkflowStore = hc
	}
	if renderCache != nil {
		readinessChecks.RenderCache = renderCache
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:         cfg,
		Logger:         logger,
		Metrics:        metrics,
		MetricsHandler: observability.Handler(),
		Authenticate:   authenticate,
		Capabilities:   capResolver,
		Engine:         wfEngine,
		Templates:      registry,
		Renderer:       imageRenderer,
		Backend:        backendSvc,
		Readiness:      readinessChecks,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 11: Start background tasks.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()
	go watchReload(bgCtx, reloader, policy, logger)

	// Step 12: Start HTTP server.
	production, socialCount := registry.Counts()
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Int("production_templates", production),
		zap.Int("social_templates", socialCount),
		zap.String("identity_mode", cfg.Identity.Mode),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	// Graceful shutdown sequence.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	bgCancel()

	if wfStoreCloser != nil {
		wfStoreCloser()
	}
	if closer, ok := renderCache.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			logger.Warn("render cache close error", zap.Error(err))
		}
	}

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// buildWorkflowStore creates the workflow store selected by cfg.Store.Driver.
func buildWorkflowStore(ctx context.Context, cfg config.WorkflowConfig, client *backend.Client, logger *zap.Logger) (workflow.WorkflowStore, func(), error) {
	switch cfg.Store.Driver {
	case config.StoreMemory, "":
		logger.Info("using in-memory workflow store")
		return workflow.NewMemoryWorkflowStore(), nil, nil
	case config.StoreBackend:
		if !client.Configured() {
			return nil, nil, fmt.Errorf("workflow store: backend driver requires backend.base_url")
		}
		logger.Info("using backend workflow store")
		return workflow.NewBackendWorkflowStore(client), nil, nil
	case config.StorePostgres:
		dsn := os.Getenv(cfg.Store.DSNEnv)
		if dsn == "" {
			return nil, nil, fmt.Errorf("workflow store: %s environment variable not set", cfg.Store.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("workflow store: parse DSN: %w", err)
		}
		if cfg.Store.MaxOpenConns > 0 {
			poolCfg.MaxConns = int32(cfg.Store.MaxOpenConns)
		}
		if cfg.Store.MaxIdleConns > 0 {
			poolCfg.MinConns = int32(cfg.Store.MaxIdleConns)
		}
		if cfg.Store.ConnMaxLifetime > 0 {
			poolCfg.MaxConnLifetime = cfg.Store.ConnMaxLifetime
		}

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("workflow store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("workflow store: ping: %w", err)
		}

		store := workflow.NewPgWorkflowStore(pool)
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		logger.Info("using postgres workflow store")
		return store, pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported workflow store driver: %q", cfg.Store.Driver)
	}
}

// watchReload reloads definitions and the capability policy on SIGHUP.
func watchReload(ctx context.Context, reloader *definition.Reloader, policy *capability.StaticPolicy, logger *zap.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := reloader.Reload(); err != nil {
				logger.Error("definition reload failed, keeping previous templates", zap.Error(err))
			}
			if err := policy.Sync(); err != nil {
				logger.Error("capability policy reload failed, keeping previous policy", zap.Error(err))
			}
		}
	}
}
