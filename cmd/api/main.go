package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/noah-isme/toko-pricing/internal/app"
	"github.com/noah-isme/toko-pricing/internal/checkout"
	"github.com/noah-isme/toko-pricing/internal/common"
	"github.com/noah-isme/toko-pricing/internal/config"
	"github.com/noah-isme/toko-pricing/internal/health"
	"github.com/noah-isme/toko-pricing/internal/lock"
	"github.com/noah-isme/toko-pricing/internal/obs"
	"github.com/noah-isme/toko-pricing/internal/queue"
	"github.com/noah-isme/toko-pricing/internal/ratelimit"
	"github.com/noah-isme/toko-pricing/internal/security"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger := obs.NewLogger(cfg.LogFormat, cfg.LogLevel).With().Str("env", cfg.AppEnv).Str("service", "toko-pricing-api").Logger()

	obs.MustRegisterDomainMetrics(cfg.MetricsNamespace, nil)
	queue.MustRegisterMetrics(prometheus.DefaultRegisterer)
	httpMetrics := obs.NewHTTPMetrics(cfg.MetricsNamespace, obs.ParseBucketsCSV(os.Getenv("OBS_METRICS_BUCKETS_MS")), nil)

	shutdownTracer, err := obs.InitTracer(context.Background(), obs.TracingConfig{
		ServiceName:   "toko-pricing-api",
		Endpoint:      cfg.OTLPEndpoint,
		Exporter:      tracingExporter(cfg),
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := app.Open(ctx, cfg, logger, "toko-pricing-api")
	if err != nil {
		logger.Fatal().Err(err).Msg("open dependencies")
	}
	defer deps.Close()

	checkoutSvc, err := deps.Checkout()
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise checkout service")
	}
	checkoutHandler := &checkout.Handler{Svc: checkoutSvc}
	if deps.Redis != nil {
		checkoutHandler.CouponGuard = ratelimit.Handler{
			Limiter: ratelimit.Limiter{Client: deps.Redis, Prefix: cfg.QueuePrefix + ":ratelimit:"},
			Key:     ratelimit.ByClientIP("coupon"),
			Window:  cfg.CouponRateWindow,
			Max:     cfg.CouponRateLimit,
			OnError: func(err error) { logger.Warn().Err(err).Msg("coupon rate limit unavailable") },
		}.Middleware
	}
	healthHandler := health.Handler{Probes: deps.Probes()}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(obs.RoutePatternMiddleware)
	r.Use(obs.HTTPObs{Metrics: httpMetrics}.Middleware)
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	r.Use(security.Headers{HSTSMaxAge: cfg.HSTSMaxAge}.Middleware)
	r.Use(security.BodyLimit{Max: cfg.MaxBodyBytes}.Middleware)

	r.Handle("/metrics", promhttp.Handler())
	r.Mount("/debug/pprof", protectPprof(newPprofMux(), os.Getenv("SECURE_PPROF_BASIC_AUTH_USER"), os.Getenv("SECURE_PPROF_BASIC_AUTH_PASS")))
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	r.Route("/api/v1", func(v chi.Router) {
		if deps.Redis != nil && cfg.APIRateLimit != "" {
			store, err := ratelimit.NewRedisStore(deps.Redis, cfg.QueuePrefix+":api")
			if err != nil {
				logger.Fatal().Err(err).Msg("initialise api rate limit store")
			}
			budget, err := ratelimit.NewFixedWindow(store, cfg.APIRateLimit, ratelimit.ByClientIP("api"))
			if err != nil {
				logger.Fatal().Err(err).Str("rate", cfg.APIRateLimit).Msg("parse API_RATE_LIMIT")
			}
			budget.OnError = func(err error) { logger.Warn().Err(err).Msg("api rate limit unavailable") }
			v.Use(budget.Middleware)
		}
		checkoutHandler.Routes(v)

		v.Route("/admin", func(admin chi.Router) {
			admin.Use(requireToken(os.Getenv("ADMIN_TOKEN")))
			admin.Post("/catalog/recompile", recompileHandler(deps))
			admin.Post("/cache/reset", func(w http.ResponseWriter, _ *http.Request) {
				deps.ResetCaches()
				common.JSON(w, http.StatusOK, map[string]any{"status": "reset"})
			})
			if deps.Redis != nil {
				enq, _ := deps.Enqueuer()
				admin.Mount("/queue", (&queue.AdminHandler{
					Store:             deps.DLQStore(),
					Queue:             enq,
					Logger:            obs.Component(logger, "queue-admin"),
					VisibilityTimeout: cfg.QueueVisibilityTimeout,
				}).Routes())
			}
		})
	})

	srv := &http.Server{
		Addr:    cfg.HTTPAddr(),
		Handler: otelhttp.NewHandler(r, "http.server"),
	}

	go func() {
		<-ctx.Done()
		health.SetReady(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), app.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown server")
		}
	}()

	logger.Info().Str("addr", srv.Addr).Bool("fixture", deps.DB == nil).Msg("server starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("server exited unexpectedly")
	}
}

// recompileHandler enqueues a full catalog sweep.
func recompileHandler(deps *app.Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		planner, err := deps.Planner()
		if err != nil {
			common.JSONError(w, http.StatusServiceUnavailable, "UNAVAILABLE", err.Error(), nil)
			return
		}
		sweepID, chunks, err := planner.Sweep(r.Context())
		if errors.Is(err, lock.ErrHeld) {
			common.JSONError(w, http.StatusConflict, "SWEEP_IN_PROGRESS", "a catalog sweep is already being planned", nil)
			return
		}
		if err != nil {
			common.JSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
			return
		}
		common.JSON(w, http.StatusAccepted, map[string]any{"sweep_id": sweepID, "chunks": chunks})
	}
}

func tracingExporter(cfg *config.Config) string {
	if cfg.OTLPEndpoint == "" {
		return "none"
	}
	return "otlp"
}

func requireToken(token string) func(http.Handler) http.Handler {
	token = strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				common.JSONError(w, http.StatusForbidden, "FORBIDDEN", "admin endpoints disabled", nil)
				return
			}
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid admin token", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func newPprofMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", pprof.Index)
	mux.HandleFunc("/cmdline", pprof.Cmdline)
	mux.HandleFunc("/profile", pprof.Profile)
	mux.HandleFunc("/symbol", pprof.Symbol)
	mux.HandleFunc("/trace", pprof.Trace)
	mux.Handle("/heap", pprof.Handler("heap"))
	mux.Handle("/goroutine", pprof.Handler("goroutine"))
	return mux
}

func protectPprof(handler http.Handler, user, pass string) http.Handler {
	user = strings.TrimSpace(user)
	pass = strings.TrimSpace(pass)
	if user == "" {
		return http.NotFoundHandler()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 || subtle.ConstantTimeCompare([]byte(p), []byte(pass)) != 1 {
			w.Header().Set("WWW-Authenticate", "Basic realm=restricted")
			http.Error(w, "unauthorised", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
