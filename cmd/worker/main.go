package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noah-isme/toko-pricing/internal/app"
	"github.com/noah-isme/toko-pricing/internal/catalogrule"
	"github.com/noah-isme/toko-pricing/internal/config"
	"github.com/noah-isme/toko-pricing/internal/obs"
	"github.com/noah-isme/toko-pricing/internal/queue"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger := obs.NewLogger(cfg.LogFormat, cfg.LogLevel).With().Str("component", "worker").Logger()

	obs.MustRegisterDomainMetrics(cfg.MetricsNamespace, nil)
	queue.MustRegisterMetrics(prometheus.DefaultRegisterer)

	shutdownTracer, err := obs.InitTracer(context.Background(), obs.TracingConfig{
		ServiceName:   "toko-pricing-worker",
		Endpoint:      cfg.OTLPEndpoint,
		Exporter:      exporter(cfg.OTLPEndpoint),
		SamplingRatio: cfg.SamplingRatio,
		Environment:   cfg.AppEnv,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise tracing")
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error().Err(err).Msg("shutdown tracer")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := app.Open(ctx, cfg, logger, "toko-pricing-worker")
	if err != nil {
		logger.Fatal().Err(err).Msg("open dependencies")
	}
	defer deps.Close()
	if deps.Redis == nil {
		logger.Fatal().Msg("REDIS_URL is required by the worker")
	}

	if addr := strings.TrimSpace(os.Getenv("WORKER_METRICS_ADDR")); addr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("metrics server stopped")
			}
		}()
	}

	compileWorker := queue.Worker{
		R:                 deps.Redis,
		Prefix:            cfg.QueuePrefix,
		Kind:              catalogrule.TaskKind,
		Concurrency:       cfg.QueueConcurrency,
		VisibilityTimeout: cfg.QueueVisibilityTimeout,
		RetryBase:         cfg.QueueBackoffBase,
		RetryJitter:       0.2,
		Store:             deps.DLQStore(),
		Logger:            &logger,
		Handler:           deps.Sweeper().HandleTask,
	}

	logger.Info().Str("kind", catalogrule.TaskKind).Int("concurrency", cfg.QueueConcurrency).Msg("worker starting")
	if err := compileWorker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("worker stopped with error")
	} else {
		logger.Info().Msg("worker shutdown complete")
	}
}

func exporter(endpoint string) string {
	if endpoint == "" {
		return "none"
	}
	return "otlp"
}
