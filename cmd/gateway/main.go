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
	"github.com/redis/go-redis/v9"

	"github.com/vnmchuo/llm-governor/config"
	"github.com/vnmchuo/llm-governor/internal/client"
	"github.com/vnmchuo/llm-governor/internal/cost"
	"github.com/vnmchuo/llm-governor/internal/identity"
	"github.com/vnmchuo/llm-governor/internal/provider/deepseek"
	"github.com/vnmchuo/llm-governor/internal/proxy"
	"github.com/vnmchuo/llm-governor/internal/registry"
	"github.com/vnmchuo/llm-governor/internal/telemetry"
	"github.com/vnmchuo/llm-governor/internal/timeout"
	"github.com/vnmchuo/llm-governor/internal/worker"
	"github.com/vnmchuo/llm-governor/pkg/ratelimit"
)

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer("llm-governor", cfg)
	if err != nil {
		log.Fatalf("failed to init tracer: %v", err)
	}
	defer shutdownTracer()

	ctx := context.Background()

	// 3. Capability registry (+ optional shared Redis cache)
	reg := registry.New()

	var limiter *ratelimit.Limiter
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()

		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("failed to ping redis: %v", err)
		}
		log.Println("Redis connected")

		cache := registry.NewCache(rdb)
		if os.Getenv("RUN_SEED") == "true" {
			cache.Warm(ctx, reg)
		}
		if err := cache.Refresh(ctx, reg); err != nil {
			log.Printf("capability refresh failed, using built-ins: %v", err)
		}

		limiter = ratelimit.NewLimiter(rdb, cfg.DefaultRateLimitTPM)
	} else {
		log.Println("REDIS_ADDR not set: rate limiting and capability sharing disabled")
	}

	// 4. Cost guardian
	guardian := cost.NewGuardian(cost.Limits{
		MaxPerRequestUSD:  cfg.MaxCostPerRequestUSD,
		MaxUserPerDayUSD:  cfg.MaxUserCostPerDayUSD,
		MaxSitePerHourUSD: cfg.MaxSiteCostPerHourUSD,
	})

	// 5. Timeout controller
	timeouts := timeout.NewController(timeout.Config{
		Initial:       cfg.InitialTimeout,
		Streaming:     cfg.StreamingTimeout,
		Continuation:  cfg.ContinuationTimeout,
		MaxRetries:    cfg.MaxRetries,
		BackoffFactor: 1.5,
		MaxTimeout:    5 * time.Minute,
	})
	defer timeouts.Cleanup()

	// 6. Completion client
	transport := deepseek.New(cfg.DeepSeekAPIKey)
	completions := client.New(reg, guardian, timeouts, transport, telemetry.Tracer())

	// 7. Optional usage archive (postgres)
	if cfg.PostgresDSN != "" {
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("failed to connect postgres: %v", err)
		}
		defer pool.Close()

		if err := pool.Ping(ctx); err != nil {
			log.Fatalf("failed to ping postgres: %v", err)
		}
		log.Println("PostgreSQL connected")

		queue := worker.NewArchiveQueue(cost.NewPostgresStore(pool), 256)
		workerCtx, cancelWorker := context.WithCancel(ctx)
		defer cancelWorker()
		go queue.Process(workerCtx)
		completions.SetArchive(queue)
	}

	// 8. Init handler
	handler := proxy.NewHandler(completions, guardian, limiter, telemetry.Tracer())

	// 9. Init Chi router
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	// Public routes
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"llm-governor"}`))
	})

	// Governed routes
	r.Group(func(r chi.Router) {
		r.Use(identity.NewMiddleware())
		r.Post("/v1/chat/completions", handler.HandleComplete)
		r.Post("/v1/chat/completions/stream", handler.HandleCompleteStream)
		r.Get("/v1/budget", handler.HandleBudget)
		r.Get("/v1/stats", handler.HandleStats)
	})

	// 10. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming responses manage their own deadlines
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("LLM governor starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-quit
	log.Println("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("forced shutdown: %v", err)
	}
	log.Println("Server stopped")
}
