package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/dgraph-io/badger/v3"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"plugin-engine/api/pkg/config"
	"plugin-engine/api/pkg/db"
	"plugin-engine/api/pkg/storage"
	"plugin-engine/api/services/export"
	"plugin-engine/api/services/exposure"
	"plugin-engine/api/services/jobs"
	"plugin-engine/api/services/listing"
	"plugin-engine/api/services/workflow"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and the analysis workers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg)
	},
}

// repositories are the persistence backends selected by configuration.
type repositories struct {
	plugins  workflow.PluginRepo
	listings listing.Repository
	analyses jobs.AnalysisRepository
}

func openRepositories(ctx context.Context, pool *pgxpool.Pool) (*repositories, error) {
	if pool == nil {
		return &repositories{
			plugins:  workflow.NewMemoryRepository(),
			listings: listing.NewMemoryRepository(),
			analyses: jobs.NewMemoryAnalysisRepository(),
		}, nil
	}

	if err := workflow.InitDB(ctx, pool); err != nil {
		return nil, fmt.Errorf("initialize plugin schema: %w", err)
	}
	listings := listing.NewPgRepository(pool)
	if err := listings.InitSchema(ctx); err != nil {
		return nil, fmt.Errorf("initialize listing schema: %w", err)
	}
	analyses := jobs.NewPgAnalysisRepository(pool)
	if err := analyses.InitSchema(ctx); err != nil {
		return nil, fmt.Errorf("initialize analysis schema: %w", err)
	}
	return &repositories{
		plugins:  workflow.NewRepository(pool),
		listings: listings,
		analyses: analyses,
	}, nil
}

func openBadger(dir string) (*badger.DB, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts.WithLoggingLevel(badger.WARNING))
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}
	return db, nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	level, err := config.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	var pool *pgxpool.Pool
	if cfg.Database.URL != "" {
		pool, err = db.Connect(ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer pool.Close()
	} else {
		slog.Warn("No database configured, using in-memory repositories")
	}

	repos, err := openRepositories(ctx, pool)
	if err != nil {
		return err
	}

	jobDB, err := openBadger(cfg.Badger.Dir)
	if err != nil {
		return err
	}
	defer jobDB.Close()

	objects, err := storage.NewLocalStore(cfg.Storage.Root)
	if err != nil {
		return err
	}
	dumpObjects, err := storage.NewLocalStore(cfg.Storage.DumpRoot)
	if err != nil {
		return err
	}

	exposures := exposure.NewStore(objects, cfg.Storage.ChunkSize, logger)
	modifiers := workflow.BuiltinModifiers()
	exporters := export.Builtin()
	engine := workflow.NewEngine(workflow.NewRegistry(workflow.Dependencies{
		Runner:         workflow.NewExecRunner(cfg.Storage.BinaryRoot),
		Modifiers:      modifiers,
		Exposures:      exposures,
		Artifacts:      exposures,
		Exporters:      exporters,
		ProcessTimeout: cfg.Plugins.ProcessTimeout,
	}), logger)
	cache := workflow.NewPluginCache(repos.plugins, cfg.Plugins.CacheSize, cfg.Plugins.CacheTTL)

	hub := jobs.NewHub(logger)
	statuses := jobs.NewStatusStore(jobDB, cfg.Workers.Queue)
	queue := jobs.NewQueue(jobDB, cfg.Workers.Queue, logger)
	dumps := jobs.NewLocalDumpStore(dumpObjects)

	scheduler := jobs.NewScheduler(cache, dumps, repos.analyses, statuses, queue, hub, logger)
	workers := jobs.NewPool(jobs.PoolConfig{
		Workers:          cfg.Workers.Count,
		PollInterval:     cfg.Workers.PollInterval,
		UploadRetryDelay: cfg.Workers.UploadRetryDelay,
		MaxUploadWaits:   cfg.Workers.MaxUploadWaits,
		WorkDir:          cfg.Storage.WorkDir,
	}, jobs.PoolDeps{
		Queue:       queue,
		Statuses:    statuses,
		Analyses:    repos.analyses,
		Plugins:     cache,
		Dumps:       dumps,
		Engine:      engine,
		Precomputer: listing.NewPrecomputer(repos.listings, logger),
		Hub:         hub,
	}, logger)
	bulk := jobs.NewBulk(jobs.NewLocker(jobDB, cfg.Workers.LockTTL, logger), statuses, queue, repos.analyses, exposures, repos.listings, hub, logger)

	// setup router
	mainRouter := mux.NewRouter()
	apiRouter := mainRouter.PathPrefix("/api/v1").Subrouter()

	workflow.NewService(repos.plugins, cache, modifiers, exporters).LoadRoutes(apiRouter)
	listing.NewService(repos.listings).LoadRoutes(apiRouter)
	jobs.NewService(scheduler, statuses, repos.analyses, bulk, exposures, hub).LoadRoutes(apiRouter)

	corsHandler := handlers.CORS(
		handlers.AllowedOrigins(cfg.HTTP.AllowedOrigins),
		handlers.AllowedMethods([]string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
		handlers.AllowCredentials(),
	)(mainRouter)

	srv := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: corsHandler,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return workers.Run(gctx)
	})
	g.Go(func() error {
		slog.Info("Starting server", "addr", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Could not stop server gracefully", "error", err)
			srv.Close()
		}
		return nil
	})

	return g.Wait()
}
