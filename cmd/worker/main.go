// Package main provides the entry point for the enrichment worker. The
// worker consumes job dispatch messages from Kafka, runs jobs to a
// terminal state, and sweeps for jobs orphaned by crashed workers.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/helixir/enrichment-service/internal/biblio/crossref"
	"github.com/helixir/enrichment-service/internal/biblio/openalex"
	"github.com/helixir/enrichment-service/internal/biblio/semanticscholar"
	"github.com/helixir/enrichment-service/internal/config"
	"github.com/helixir/enrichment-service/internal/database"
	"github.com/helixir/enrichment-service/internal/embed"
	"github.com/helixir/enrichment-service/internal/engine"
	"github.com/helixir/enrichment-service/internal/events"
	"github.com/helixir/enrichment-service/internal/jobs"
	"github.com/helixir/enrichment-service/internal/observability"
	"github.com/helixir/enrichment-service/internal/repository"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration.
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Set up structured logging.
	logger := observability.NewLogger(observability.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		AddSource:  cfg.Logging.AddSource,
		TimeFormat: cfg.Logging.TimeFormat,
	})
	logger = logger.With().Str("component", "worker").Logger()
	logger.Info().Msg("enrichment-service worker starting")

	// Set up context with graceful shutdown via OS signals.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect to PostgreSQL.
	db, err := database.New(ctx, &cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()
	logger.Info().Msg("database connection established")

	// Create repositories.
	jobRepo := repository.NewPgJobRepository(db)
	recordRepo := repository.NewPgRecordRepository(db)
	cacheRepo := repository.NewPgCacheRepository(db)

	// Create metrics.
	metrics := observability.NewMetrics("enrich")

	// Create the Kafka event publisher for job progress events.
	publisher := events.NewPublisher(events.PublisherConfig{
		Brokers:      cfg.Kafka.Brokers,
		Topic:        cfg.Kafka.EventsTopic,
		BatchSize:    cfg.Kafka.BatchSize,
		BatchTimeout: cfg.Kafka.BatchTimeout,
	}, logger)
	defer func() {
		if closeErr := publisher.Close(); closeErr != nil {
			logger.Error().Err(closeErr).Msg("failed to close event publisher")
		}
	}()

	// Create the embedding provider. A missing key is only fatal when an
	// embedding job actually runs.
	embedder := embed.NewOpenAIEmbedder(embed.OpenAIConfig{
		APIKey:  cfg.Embedding.APIKey,
		Model:   cfg.Embedding.Model,
		BaseURL: cfg.Embedding.BaseURL,
		Timeout: cfg.Embedding.Timeout,
		Metrics: metrics,
	})
	if cfg.Embedding.APIKey == "" {
		logger.Warn().Msg("no embedding API key configured; embedding jobs will fail")
	}

	// Create bibliographic source clients.
	graphSource := semanticscholar.NewClient(semanticscholar.Config{
		BaseURL:   cfg.Biblio.SemanticScholar.BaseURL,
		APIKey:    cfg.Biblio.SemanticScholar.APIKey,
		Timeout:   cfg.Biblio.SemanticScholar.Timeout,
		RateLimit: cfg.Biblio.SemanticScholar.EffectiveRateLimit(),
		Metrics:   metrics,
	}, nil)
	countSource := openalex.NewClient(openalex.Config{
		BaseURL:   cfg.Biblio.OpenAlex.BaseURL,
		Timeout:   cfg.Biblio.OpenAlex.Timeout,
		RateLimit: cfg.Biblio.OpenAlex.EffectiveRateLimit(),
		Metrics:   metrics,
	}, nil)
	fallbackSource := crossref.NewClient(crossref.Config{
		BaseURL:   cfg.Biblio.Crossref.BaseURL,
		Timeout:   cfg.Biblio.Crossref.Timeout,
		RateLimit: cfg.Biblio.Crossref.EffectiveRateLimit(),
		Metrics:   metrics,
	}, nil)
	logger.Info().Msg("bibliographic source clients created")

	// Create the batch executor shared by all job definitions.
	executor := engine.NewExecutor(engine.ExecutorConfig{
		BatchSize:     cfg.Engine.BatchSize,
		Concurrency:   cfg.Engine.Concurrency,
		GroupDelay:    cfg.Engine.GroupDelay,
		StaggerOffset: cfg.Engine.StaggerOffset,
	}, logger)

	// Create the job runner and register job definitions.
	runner := engine.NewRunner(jobRepo, publisher, metrics, logger, engine.RunnerConfig{
		MaxJobDuration: cfg.Engine.MaxJobDuration,
		StallThreshold: cfg.Engine.StallThreshold,
		ProgressEvery:  cfg.Engine.ProgressEvery,
	})
	runner.Register(jobs.NewEmbeddingJob(recordRepo, embedder, executor, metrics, logger))
	runner.Register(jobs.NewGraphFetchJob(
		recordRepo,
		cacheRepo,
		graphSource,
		countSource,
		fallbackSource,
		executor,
		metrics,
		logger,
		jobs.GraphFetchConfig{
			CacheTTL:         cfg.Engine.CacheTTL,
			CitationCountCap: cfg.Engine.CitationCountCap,
		},
	))

	// Create the dispatch listener.
	listener := events.NewListener(events.ListenerConfig{
		Brokers: cfg.Kafka.Brokers,
		Topic:   cfg.Kafka.DispatchTopic,
		GroupID: cfg.Kafka.DispatchGroupID,
	}, runner, logger)
	defer func() {
		if closeErr := listener.Close(); closeErr != nil {
			logger.Error().Err(closeErr).Msg("failed to close dispatch listener")
		}
	}()

	// Create the stuck-job watchdog.
	watchdog := engine.NewWatchdog(db, jobRepo, publisher, metrics, logger, engine.WatchdogConfig{
		Interval:       cfg.Engine.WatchdogInterval,
		StallThreshold: cfg.Engine.StallThreshold,
		MaxJobDuration: cfg.Engine.MaxJobDuration,
	})

	// Set up Prometheus metrics handler if configured.
	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		metricsMux := http.NewServeMux()
		metricsMux.Handle(cfg.Metrics.Path, promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress(),
			Handler:      metricsMux,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().
			Str("topic", cfg.Kafka.DispatchTopic).
			Str("group_id", cfg.Kafka.DispatchGroupID).
			Msg("dispatch listener starting")
		return listener.Run(gctx)
	})

	g.Go(func() error {
		logger.Info().
			Dur("interval", cfg.Engine.WatchdogInterval).
			Msg("stuck-job watchdog starting")
		return watchdog.Run(gctx)
	})

	if metricsServer != nil {
		g.Go(func() error {
			logger.Info().Str("address", metricsServer.Addr).Msg("metrics server starting")
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server error: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			return metricsServer.Shutdown(shutdownCtx)
		})
	}

	logger.Info().Msg("enrichment-service worker is ready")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("worker error: %w", err)
	}

	logger.Info().Msg("enrichment-service worker shutdown complete")
	return nil
}
