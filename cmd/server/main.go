// Package main provides the HTTP API entry point: document upload and
// read-side endpoints for status and clause retrieval.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/clausepipe/internal/adapter/httpserver"
	"github.com/fairyhunter13/clausepipe/internal/adapter/objectstore"
	"github.com/fairyhunter13/clausepipe/internal/adapter/observability"
	"github.com/fairyhunter13/clausepipe/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/clausepipe/internal/app"
	"github.com/fairyhunter13/clausepipe/internal/config"
	"github.com/fairyhunter13/clausepipe/internal/service/ratelimiter"
	"github.com/fairyhunter13/clausepipe/internal/usecase"
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

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

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

	docRepo := postgres.NewDocumentRepo(pool, schema)
	jobRepo := postgres.NewJobRepo(pool, schema)
	clauseRepo := postgres.NewClauseRepo(pool, schema)

	ingestSvc := usecase.NewIngestService(docRepo, jobRepo, store)

	// Single bucket keyed to the demo user: there is no auth layer, so every
	// upload request is rate-limited as the same caller.
	uploadBucketKey := "upload:" + cfg.DemoUserID
	var limiter *ratelimiter.RedisLuaLimiter
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Warn("invalid redis url, rate limiting disabled", slog.Any("error", err))
	} else {
		rdb := redis.NewClient(opt)
		limiter = ratelimiter.NewRedisLuaLimiter(rdb, pool, map[string]ratelimiter.BucketConfig{
			uploadBucketKey: ratelimiter.NewBucketConfigFromPerMinute(cfg.RateLimitPerMin),
		})
		if err := limiter.WarmFromPostgres(ctx); err != nil {
			slog.Warn("rate limiter warm-up failed", slog.Any("error", err))
		}
	}

	dbCheck, tikaCheck := app.BuildReadinessChecks(cfg, pool)

	router := &httpserver.Router{
		Ingest:       ingestSvc,
		Documents:    docRepo,
		Clauses:      clauseRepo,
		Limiter:      limiter,
		MaxUploadMB:  cfg.MaxUploadMB,
		DemoUserID:   cfg.DemoUserID,
		AllowOrigins: strings.Split(cfg.CORSAllowOrigins, ","),
		DBCheck:      dbCheck,
		TikaCheck:    tikaCheck,
	}

	mux := http.NewServeMux()
	mux.Handle("/", router.NewRouter())
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Port),
		Handler:      mux,
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	go func() {
		slog.Info("starting server", slog.Int("port", cfg.Port), slog.String("env", cfg.AppEnv))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	slog.Info("signal received, shutting down", slog.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("graceful shutdown failed", slog.Any("error", err))
	}
	cancel()
	slog.Info("server stopped")
}
