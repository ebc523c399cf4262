// Package main provides the worker application entry point.
// The worker claims jobs from the durable queue and runs them through the
// five-stage document enrichment pipeline.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/clausepipe/internal/adapter/objectstore"
	"github.com/fairyhunter13/clausepipe/internal/adapter/observability"
	"github.com/fairyhunter13/clausepipe/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/clausepipe/internal/adapter/textextractor/tika"
	"github.com/fairyhunter13/clausepipe/internal/config"
	"github.com/fairyhunter13/clausepipe/internal/pipeline"
	"github.com/fairyhunter13/clausepipe/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":9090", mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting worker", slog.String("env", cfg.AppEnv), slog.Int("parallelism", cfg.WorkerParallelism))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	schema := postgres.NewSchema(cfg.DBSchema)
	if err := postgres.EnsureSchema(ctx, pool, schema); err != nil {
		slog.Error("schema bootstrap failed", slog.Any("error", err))
		os.Exit(1)
	}

	store, err := objectstore.New(objectstore.Config{
		Endpoint:        cfg.ObjectStoreEndpoint,
		Region:          cfg.ObjectStoreRegion,
		Bucket:          cfg.ObjectStoreBucket,
		AccessKeyID:     cfg.ObjectStoreAccessKey,
		SecretAccessKey: cfg.ObjectStoreSecretKey,
		PathStyle:       cfg.ObjectStorePathStyle,
	})
	if err != nil {
		slog.Error("object store init failed", slog.Any("error", err))
		os.Exit(1)
	}

	jobRepo := postgres.NewJobRepo(pool, schema)
	docRepo := postgres.NewDocumentRepo(pool, schema)
	clauseRepo := postgres.NewClauseRepo(pool, schema)
	chunkRepo := postgres.NewChunkRepo(pool, schema)
	analysisRepo := postgres.NewAnalysisRepo(pool, schema)
	txManager := postgres.NewTxManager(pool)

	naiveParser := pipeline.NewNaiveParser()
	if cfg.TikaURL != "" {
		tikaClient := tika.New(cfg.TikaURL)
		naiveParser.Structured = tikaClient.ParseStructured
	}

	handlers := &pipeline.Handlers{
		Docs:              docRepo,
		Clauses:           clauseRepo,
		Chunks:            chunkRepo,
		Analyses:          analysisRepo,
		Jobs:              jobRepo,
		Tx:                txManager,
		Store:             store,
		Parser:            naiveParser,
		Extractor:         pipeline.NewRegexExtractor(),
		Graph:             pipeline.NewSimpleGraphBuilder(),
		Analyzer:          pipeline.NewLeverageAnalyzer(),
		EmbeddingsEnabled: cfg.EmbeddingsEnabled,
	}

	claimer := worker.NewClaimer(jobRepo)
	retryCtl := worker.NewRetryController(jobRepo, cfg.MaxAttempts)
	pool2 := worker.NewPool(claimer, jobRepo, handlers, retryCtl, cfg.WorkerParallelism, cfg.PollInterval(), cfg.IdleWarnThreshold())
	reaper := worker.NewReaper(jobRepo, cfg.StaleJobThreshold(), cfg.ReaperInterval())

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		pool2.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		reaper.Run(ctx)
	}()

	slog.Info("worker started successfully, waiting for shutdown signal")
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	slog.Info("signal received, shutting down", slog.String("signal", sig.String()))

	cancel()
	wg.Wait()
	slog.Info("worker stopped")
}
