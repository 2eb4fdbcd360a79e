package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/robinkiplangat/metrrik-llm-gateway/config"
	"github.com/robinkiplangat/metrrik-llm-gateway/internal/cache"
	"github.com/robinkiplangat/metrrik-llm-gateway/internal/gateway"
	"github.com/robinkiplangat/metrrik-llm-gateway/internal/httpapi"
	"github.com/robinkiplangat/metrrik-llm-gateway/internal/logger"
	"github.com/robinkiplangat/metrrik-llm-gateway/internal/registry"
	"github.com/robinkiplangat/metrrik-llm-gateway/internal/telemetry"
	"github.com/robinkiplangat/metrrik-llm-gateway/internal/tracker"
	"github.com/robinkiplangat/metrrik-llm-gateway/pkg/ratelimit"
)

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	zlog := logger.New(cfg.LogLevel, cfg.LogFormat)
	defer func() { _ = zlog.Sync() }()

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer("llm-gateway", cfg)
	if err != nil {
		log.Fatalf("failed to init tracer: %v", err)
	}
	defer shutdownTracer()

	ctx := context.Background()

	// 3. Optional Redis (shared cache backend + rate limiter store)
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("failed to ping redis: %v", err)
		}
		zlog.Info("redis connected", zap.String("addr", cfg.RedisAddr))
	}

	// 4. Usage store: Postgres when configured, in-memory otherwise
	var usageStore tracker.Store
	if cfg.PostgresDSN != "" {
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("failed to connect postgres: %v", err)
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			log.Fatalf("failed to ping postgres: %v", err)
		}
		zlog.Info("postgres connected")
		usageStore = tracker.NewPostgresStore(pool)
	} else {
		zlog.Warn("no POSTGRES_DSN set; usage records are held in memory")
		usageStore = tracker.NewMemoryStore()
	}
	costTracker := tracker.New(usageStore, cfg.TrackingEnabled, cfg.CostAlertUSD, zlog)

	// 5. Response cache
	var respCache cache.ResponseCache
	if cfg.CacheBackend == "redis" {
		respCache = cache.NewRedis(rdb, zlog)
	} else {
		respCache = cache.NewMemory(cfg.CacheMaxEntries, cfg.CacheSweepEvery, zlog)
	}
	defer respCache.Close()

	// 6. Providers from declarative config
	reg, err := registry.FromConfig(cfg, zlog)
	if err != nil {
		log.Fatalf("failed to build provider registry: %v", err)
	}
	if len(reg.Names()) == 0 {
		log.Fatalf("no providers configured: set at least one provider credential or OLLAMA_BASE_URL")
	}

	// 7. Gateway service
	strategies := gateway.BuildStrategies(reg.Names(), cfg.DefaultPrimary, cfg.DefaultFallbacks)
	tracer := otel.GetTracerProvider().Tracer("llm-gateway")
	gw := gateway.New(reg, respCache, costTracker, strategies, cfg.CacheEnabled, tracer, zlog)

	// 8. Optional rate limiter
	var limiter *ratelimit.Limiter
	if cfg.RateLimitEnabled && rdb != nil {
		limiter = ratelimit.NewLimiter(rdb, cfg.DefaultRateLimitTPM)
	}

	handler := httpapi.NewHandler(gw, limiter, zlog)

	// 9. Routes
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"llm-gateway"}`))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/generate", handler.HandleGenerate)
		r.Post("/generate/stream", handler.HandleGenerateStream)
		r.Post("/estimate", handler.HandleEstimate)
		r.Get("/models", handler.HandleModels)
		r.Get("/health", handler.HandleHealth)
		r.Get("/usage/stats", handler.HandleUsageStats)
		r.Get("/usage/by-user", handler.HandleCostByUser)
		r.Get("/usage/by-project", handler.HandleCostByProject)
		r.Get("/usage/threshold", handler.HandleCostThreshold)
	})

	// 10. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		zlog.Info("gateway starting", zap.String("port", cfg.Port), zap.Strings("providers", reg.Names()))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-quit
	zlog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("forced shutdown: %v", err)
	}
	zlog.Info("server stopped")
}
