package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pitabwire/tabula/internal/config"
	"github.com/pitabwire/tabula/internal/definition"
	"github.com/pitabwire/tabula/internal/invoker"
	"github.com/pitabwire/tabula/internal/observability"
	"github.com/pitabwire/tabula/internal/openapi"
	"github.com/pitabwire/tabula/internal/reorder"
	"github.com/pitabwire/tabula/internal/sorting"
	"github.com/pitabwire/tabula/internal/store"
	"github.com/pitabwire/tabula/internal/table"
	"github.com/pitabwire/tabula/internal/transport"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts.configPath)
		},
	}
}

func runServe(parent context.Context, configPath string) error {
	if parent == nil {
		parent = context.Background()
	}

	// Step 1: Load configuration.
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	// Step 2: Initialize telemetry (logger, tracer, metrics).
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		return fmt.Errorf("logger error: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "tabula", version)
	if err != nil {
		return fmt.Errorf("tracing initialization failed: %w", err)
	}

	var metrics *observability.Metrics
	if cfg.Observability.Metrics.Enabled {
		metrics = observability.InitMetrics(prometheus.DefaultRegisterer)
	}

	// Step 3: Load OpenAPI specs and build index.
	oaIndex := openapi.NewIndex()
	specSources := buildSpecSources(cfg)
	if err := oaIndex.Load(specSources); err != nil {
		return fmt.Errorf("OpenAPI index load failed: %w", err)
	}

	// Step 4: Open the row store.
	sorter := sorting.NewEngine(
		sorting.WithLogger(logger),
		sorting.WithLocale(cfg.Tables.Locale),
		sorting.WithCollation(cfg.Tables.Collation),
	)
	rowStore, closeStore, err := store.Open(ctx, cfg.Store, sorter, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	if cfg.Store.SeedFile != "" {
		n, err := store.Seed(ctx, rowStore, cfg.Store.SeedFile)
		if err != nil {
			return err
		}
		logger.Info("store seeded", zap.String("file", cfg.Store.SeedFile), zap.Int("rows", n))
	}

	// Step 5: Build row sources.
	clientOpts := []invoker.ClientOption{invoker.WithClientLogger(logger)}
	if metrics != nil {
		clientOpts = append(clientOpts, invoker.WithRecorder(metrics))
	}
	client := invoker.NewClient(oaIndex, cfg.Services, clientOpts...)

	sources := invoker.NewRegistry()
	sources.Register(invoker.StoreFactory{Store: rowStore})
	sources.Register(invoker.BackendFactory{Client: client, Logger: logger})

	// Step 6: Load and validate definitions, then build the session manager.
	registry := definition.NewRegistry(nil)
	reloader := &definition.Reloader{
		Loader:      definition.NewLoader(cfg.Tables),
		Validator:   definition.NewValidator(),
		Registry:    registry,
		Index:       oaIndex,
		Directories: cfg.Definitions.Directories,
		Logger:      logger,
	}
	if metrics != nil {
		reloader.Recorder = metrics
	}
	if err := reloader.Reload(); err != nil {
		return fmt.Errorf("definition loading failed: %w", err)
	}

	managerOpts := []table.ManagerOption{table.WithManagerLogger(logger)}
	if metrics != nil {
		managerOpts = append(managerOpts,
			table.WithSessionRecorder(metrics),
			table.WithTableRecorder(metrics),
			table.WithReorderRecorders(func(tableID string) reorder.Recorder {
				return metrics.ReorderRecorder(tableID)
			}),
		)
	}
	manager := table.NewManager(registry, sources, cfg.Tables, cfg.Sessions, managerOpts...)
	reloader.OnChange = manager.Invalidate

	// Step 7: Start background tasks.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	go manager.Run(bgCtx)

	if cfg.Definitions.HotReload {
		watcher, err := definition.NewWatcher(reloader, cfg.Definitions.ReloadDebounce)
		if err != nil {
			return err
		}
		go func() {
			if err := watcher.Run(bgCtx); err != nil {
				logger.Error("definition watcher stopped", zap.Error(err))
			}
		}()
	}

	// Step 8: Build HTTP router.
	jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL, logger)

	readiness := observability.ReadinessChecks{
		DefinitionsLoaded: registry.Loaded,
		RowStore:          rowStore,
	}
	if len(specSources) > 0 {
		readiness.OpenAPILoaded = func() bool { return oaIndex.Len() > 0 }
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:         cfg,
		Logger:         logger,
		Authenticate:   transport.JWTAuthenticator(cfg.Identity, jwks),
		Tables:         manager,
		Catalog:        registry,
		Metrics:        metrics,
		MetricsHandler: observability.Handler(),
		Readiness:      readiness,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 9: Start HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Int("tables", registry.Len()),
		zap.String("store", cfg.Store.Driver),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		serveErr = err
	}

	// Graceful shutdown sequence.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new connections and drain in-flight requests.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	bgCancel()

	// Let in-flight reorders settle before the store closes.
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Error("table sessions did not settle", zap.Error(err))
	}

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return serveErr
}

// buildSpecSources resolves configured spec files against the specs
// directory and attaches each service's base URL.
func buildSpecSources(cfg *config.Config) []openapi.SpecSource {
	sources := make([]openapi.SpecSource, len(cfg.Specs.Sources))
	for i, s := range cfg.Specs.Sources {
		specPath := s.SpecFile
		if cfg.Specs.Directory != "" && !filepath.IsAbs(specPath) {
			specPath = filepath.Join(cfg.Specs.Directory, specPath)
		}
		sources[i] = openapi.SpecSource{
			ServiceID: s.ServiceID,
			BaseURL:   cfg.Services[s.ServiceID].BaseURL,
			SpecPath:  specPath,
		}
	}
	return sources
}
