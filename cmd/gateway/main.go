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
	"go.opentelemetry.io/otel"

	"github.com/unilingo/ai-gateway/config"
	"github.com/unilingo/ai-gateway/internal/api"
	"github.com/unilingo/ai-gateway/internal/auth"
	"github.com/unilingo/ai-gateway/internal/cost"
	"github.com/unilingo/ai-gateway/internal/gateway"
	"github.com/unilingo/ai-gateway/internal/ledger"
	"github.com/unilingo/ai-gateway/internal/pdfextract"
	"github.com/unilingo/ai-gateway/internal/provider/openai"
	"github.com/unilingo/ai-gateway/internal/queue"
	"github.com/unilingo/ai-gateway/internal/seeder"
	"github.com/unilingo/ai-gateway/internal/telemetry"
	"github.com/unilingo/ai-gateway/pkg/ratelimit"
)

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer("unilingo-ai-gateway", cfg)
	if err != nil {
		log.Fatalf("failed to init tracer: %v", err)
	}
	defer shutdownTracer()

	// 3. Connect PostgreSQL
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("failed to connect postgres: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("failed to ping postgres: %v", err)
	}
	log.Println("PostgreSQL connected")

	// 4. Connect Redis
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("failed to ping redis: %v", err)
	}
	log.Println("Redis connected")

	// 5. Init auth
	authStore := auth.NewPostgresStore(pool)
	authMiddleware := auth.NewMiddleware(authStore, rdb)

	// 6. Init usage ledger
	usageLedger := ledger.New(ledger.NewPostgresStore(pool), ledger.Rates{
		InputCostPerMTok:  cfg.InputCostPerMTok,
		OutputCostPerMTok: cfg.OutputCostPerMTok,
		SpendingCapUSD:    cfg.SpendingCapUSD,
	})

	// 7. Init cost estimator
	estimator := cost.NewEstimator(usageLedger)

	// 8. Init per-user limiter and the provider request queue
	limiter := ratelimit.NewLimiter(rdb, cfg.DefaultRateLimitTPM)
	requestQueue := queue.New(queue.Config{
		RequestsPerMinute: cfg.QueueRequestsPerMinute,
		TokensPerMinute:   cfg.QueueTokensPerMinute,
		MaxConcurrent:     cfg.QueueMaxConcurrent,
		BreakerCooldown:   cfg.BreakerCooldown,
	})
	defer requestQueue.Close()

	// 9. Init provider and gateway
	openAI := openai.New(cfg.OpenAIAPIKey, cfg.OpenAITimeout)
	aiGateway := gateway.New(openAI, requestQueue, usageLedger)

	// 10. Init PDF extractor client
	extractor := pdfextract.New(cfg.PDFExtractorURL)

	// 11. Init handler
	tracer := otel.GetTracerProvider().Tracer("unilingo-ai-gateway")
	handler := api.NewHandler(aiGateway, estimator, usageLedger, extractor, limiter, requestQueue, tracer)

	// 12. Seed test API key if RUN_SEED=true
	if os.Getenv("RUN_SEED") == "true" {
		seeder.SeedTestAPIKey(ctx, authStore)
	}

	// 13. Init Chi router
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	// Public routes
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"unilingo-ai-gateway"}`))
	})

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		r.Post("/v1/chat/completions", handler.HandleChatCompletion)
		r.Post("/v1/chat/estimate", handler.HandleEstimate)
		r.Post("/v1/lessons/generate", handler.HandleGenerateLesson)
		r.Post("/v1/pdf/analyze", handler.HandleAnalyzePDF)
		r.Get("/v1/usage", handler.HandleUsage)
	})

	// 14. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.OpenAITimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("UniLingo AI Gateway starting on port %s", cfg.Port)
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
