package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/conductor-labs/conductor-go/internal/config"
	"github.com/conductor-labs/conductor-go/internal/dispatch"
	"github.com/conductor-labs/conductor-go/internal/engine"
	"github.com/conductor-labs/conductor-go/internal/handoff"
	"github.com/conductor-labs/conductor-go/internal/platform/env"
	"github.com/conductor-labs/conductor-go/internal/platform/httpserver"
	"github.com/conductor-labs/conductor-go/internal/platform/objectstore"
	"github.com/conductor-labs/conductor-go/internal/platform/postgres"
	repopg "github.com/conductor-labs/conductor-go/internal/repo/postgres"
	"github.com/conductor-labs/conductor-go/internal/retry"
	"github.com/conductor-labs/conductor-go/internal/router"
	"github.com/conductor-labs/conductor-go/internal/skillclient"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("CONDUCTOR_HTTP_ADDR", ":8080")
	shutdownTimeout, err := env.Duration("CONDUCTOR_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	stepTimeout, err := env.Duration("CONDUCTOR_STEP_TIMEOUT", engine.DefaultStepTimeout)
	if err != nil {
		logger.Error("invalid step timeout", "error", err)
		os.Exit(2)
	}
	maxRetries, err := env.Int("CONDUCTOR_MAX_RETRIES", retry.DefaultMaxRetries)
	if err != nil {
		logger.Error("invalid max retries", "error", err)
		os.Exit(2)
	}
	initialBackoff, err := env.Duration("CONDUCTOR_RETRY_INITIAL_BACKOFF", retry.DefaultInitialBackoff)
	if err != nil {
		logger.Error("invalid initial backoff", "error", err)
		os.Exit(2)
	}
	maxBackoff, err := env.Duration("CONDUCTOR_RETRY_MAX_BACKOFF", retry.DefaultMaxBackoff)
	if err != nil {
		logger.Error("invalid max backoff", "error", err)
		os.Exit(2)
	}
	maxChainDepth, err := env.Int("CONDUCTOR_MAX_CHAIN_DEPTH", handoff.DefaultMaxChainDepth)
	if err != nil {
		logger.Error("invalid max chain depth", "error", err)
		os.Exit(2)
	}
	queueSize, err := env.Int("CONDUCTOR_QUEUE_SIZE", dispatch.DefaultQueueSize)
	if err != nil {
		logger.Error("invalid queue size", "error", err)
		os.Exit(2)
	}
	workers, err := env.Int("CONDUCTOR_WORKERS", dispatch.DefaultWorkers)
	if err != nil {
		logger.Error("invalid worker count", "error", err)
		os.Exit(2)
	}
	sweepInterval, err := env.Duration("CONDUCTOR_SWEEP_INTERVAL", time.Minute)
	if err != nil {
		logger.Error("invalid sweep interval", "error", err)
		os.Exit(2)
	}

	skillsBaseURL := strings.TrimSpace(env.String("CONDUCTOR_SKILLS_BASE_URL", ""))
	if skillsBaseURL == "" {
		logger.Error("missing skills base url", "env", "CONDUCTOR_SKILLS_BASE_URL")
		os.Exit(2)
	}

	dbCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid database config", "error", err)
		os.Exit(2)
	}
	db, err := postgres.Open(ctx, dbCfg)
	if err != nil {
		logger.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	storeCfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid object store config", "error", err)
		os.Exit(2)
	}
	storeClient, err := objectstore.NewMinIOClient(storeCfg)
	if err != nil {
		logger.Error("object store client init failed", "error", err)
		os.Exit(2)
	}
	startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := objectstore.EnsureBuckets(startupCtx, storeClient, storeCfg); err != nil {
		cancel()
		logger.Error("object store unavailable", "error", err)
		os.Exit(1)
	}
	cancel()

	routeStore := repopg.NewRouteStore(db)
	definitionStore := repopg.NewDefinitionStore(db)
	executionStore := repopg.NewExecutionStore(db)
	deadLetterStore := repopg.NewDeadLetterStore(db)
	handoffStore := repopg.NewHandoffStore(db)

	skills := skillclient.New(skillsBaseURL, logger)
	if skills == nil {
		logger.Error("skill client init failed", "base_url", skillsBaseURL)
		os.Exit(2)
	}

	eng := engine.New(executionStore, definitionStore, skills, logger, engine.Config{
		DefaultStepTimeout: stepTimeout,
	})
	matcher := router.New(routeStore, definitionStore, logger)
	dispatcher := dispatch.New(matcher, eng, logger, dispatch.Config{
		QueueSize: queueSize,
		Workers:   workers,
	})

	retries := retry.New(deadLetterStore, retry.Policy{
		MaxRetries:     maxRetries,
		InitialBackoff: initialBackoff,
		MaxBackoff:     maxBackoff,
	}, logger)
	retries.SetRetrier(eng)
	retries.SetEmitter(dispatcher)
	retries.SetScheduler(dispatcher.EmitAfter)
	retries.SetArchiver(objectstore.NewArchive(storeClient, storeCfg))

	handoffs := handoff.New(handoffStore, logger, maxChainDepth)
	handoffs.SetEmitter(dispatcher)
	handoffs.SetScheduler(dispatcher.EmitAfter)

	eng.SetFailureSink(retries)
	eng.SetSuccessSink(handoffs)

	if seedPath := strings.TrimSpace(env.String("CONDUCTOR_SEED_FILE", "")); seedPath != "" {
		seed, err := config.Load(seedPath)
		if err != nil {
			logger.Error("seed load failed", "path", seedPath, "error", err)
			os.Exit(2)
		}
		if err := config.Apply(ctx, seed, routeStore, definitionStore, handoffStore, logger); err != nil {
			logger.Error("seed apply failed", "path", seedPath, "error", err)
			os.Exit(2)
		}
	}

	go dispatcher.Run(ctx)
	go retries.RunSweeper(ctx, sweepInterval, 50)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz("conductor"))
	mux.HandleFunc(
		"/readyz",
		httpserver.ReadyzWithChecks(
			"conductor",
			httpserver.ReadinessCheck{
				Name: "postgres",
				Check: func(ctx context.Context) error {
					checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
					defer cancel()
					return db.PingContext(checkCtx)
				},
			},
			httpserver.ReadinessCheck{
				Name: "minio",
				Check: func(ctx context.Context) error {
					checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
					defer cancel()
					return objectstore.CheckBuckets(checkCtx, storeClient, storeCfg)
				},
			},
		),
	)

	api := newConductorAPI(
		logger,
		db,
		routeStore,
		definitionStore,
		executionStore,
		deadLetterStore,
		handoffStore,
		dispatcher,
		eng,
		retries,
	)
	api.register(mux)

	cfg := httpserver.Config{
		Service:         "conductor",
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}
	if err := httpserver.Run(ctx, logger, cfg, httpserver.Wrap(logger, "conductor", mux)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}
