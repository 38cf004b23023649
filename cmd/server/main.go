// Package main provides the API server entry point for the citation checker service.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/citation-checker/internal/api"
	"github.com/citation-checker/internal/circuitbreaker"
	"github.com/citation-checker/internal/config"
	"github.com/citation-checker/internal/entitlement"
	"github.com/citation-checker/internal/events"
	"github.com/citation-checker/internal/job"
	"github.com/citation-checker/internal/logging"
	"github.com/citation-checker/internal/provider"
	"github.com/citation-checker/internal/retry"
	"github.com/citation-checker/internal/service"
	"github.com/citation-checker/internal/storage"
	"github.com/citation-checker/internal/types"
)

const (
	eventBatchSize     = 200
	eventFlushInterval = 5 * time.Second
	shutdownTimeout    = 2 * time.Minute
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Initialize structured logging
	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()
	logger.WithFields(map[string]interface{}{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
	}).Info("Structured logging initialized")

	ctx, stop := context.WithCancel(logging.WithLogger(context.Background(), logger))
	defer stop()

	// Redis backs the default ledger and the shared job store
	var redisClient *redis.Client
	if cfg.Ledger.Backend == "redis" || cfg.Jobs.Store == "redis" {
		rs, err := storage.NewRedisStore(ctx, &cfg.Database.Redis)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to Redis")
		}
		defer rs.Close()
		redisClient = rs.Client()
	}

	ledger, closeLedger := buildLedger(ctx, cfg, redisClient, logger)
	defer closeLedger()

	var store job.Store
	switch cfg.Jobs.Store {
	case "redis":
		store = job.NewRedisStore(redisClient, cfg.Jobs.TTL)
	default:
		store = job.NewMemoryStore(cfg.Jobs.TTL)
	}
	registry := job.NewRegistry(store)
	registry.StartJanitor(ctx, cfg.Jobs.JanitorInterval)
	defer registry.Stop()

	router, err := buildRouter(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize provider router")
	}

	sink, closeSink := buildSink(ctx, cfg, logger)
	defer closeSink()

	svc := service.NewValidationService(ledger, router, registry, sink, service.Config{
		BatchSize:              cfg.Pipeline.BatchSize,
		MaxCitationsPerRequest: cfg.Pipeline.MaxCitationsPerRequest,
		MaxConcurrentJobs:      cfg.Jobs.MaxConcurrent,
	})

	server := api.NewServer(&api.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    cfg.Retry.Ceiling*2 + 30*time.Second, // sync validation waits on providers
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: shutdownTimeout,
		RateLimitRPS:    cfg.Server.RateLimitRPS,
		RateLimitBurst:  cfg.Server.RateLimitBurst,
		WebhookSecret:   cfg.Server.WebhookSecret,
	}, svc)

	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	logger.WithFields(map[string]interface{}{
		"host":          cfg.Server.Host,
		"port":          cfg.Server.Port,
		"ledger":        cfg.Ledger.Backend,
		"job_store":     cfg.Jobs.Store,
		"default":       cfg.Providers.Default,
		"fallback":      cfg.Providers.Fallback,
		"batch_size":    cfg.Pipeline.BatchSize,
		"max_citations": cfg.Pipeline.MaxCitationsPerRequest,
	}).Info("Server started successfully")

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Stop taking requests first, then drain running jobs
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("HTTP server forced to shutdown")
	}
	if err := svc.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Jobs still running at shutdown were failed")
	}

	logger.Info("Server exited")
}

func buildLedger(ctx context.Context, cfg *config.Config, redisClient *redis.Client, logger *logging.Logger) (entitlement.Ledger, func()) {
	switch cfg.Ledger.Backend {
	case "postgres":
		pg, err := storage.NewPostgresDB(ctx, &cfg.Database.Postgres)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to Postgres")
		}
		return entitlement.NewPostgresLedger(pg.Pool(), cfg.Ledger.FreeCitationLimit, cfg.Ledger.PassDailyLimit), pg.Close
	default:
		ledger, err := entitlement.NewRedisLedger(&entitlement.RedisLedgerConfig{
			Redis:             redisClient,
			FreeCitationLimit: cfg.Ledger.FreeCitationLimit,
			PassDailyLimit:    cfg.Ledger.PassDailyLimit,
		})
		if err != nil {
			logger.WithError(err).Fatal("Failed to initialize Redis ledger")
		}
		return ledger, func() {}
	}
}

func buildRouter(cfg *config.Config, logger *logging.Logger) (*provider.Router, error) {
	var adapters []provider.Adapter

	if cfg.Providers.OpenAI.APIKey != "" {
		a, err := provider.NewOpenAIAdapter(types.ProviderA, provider.OpenAIConfig{
			APIKey:  cfg.Providers.OpenAI.APIKey,
			Model:   cfg.Providers.OpenAI.Model,
			BaseURL: cfg.Providers.OpenAI.BaseURL,
		})
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, a)
		logger.WithFields(map[string]interface{}{"provider": types.ProviderA, "model": cfg.Providers.OpenAI.Model}).Info("Provider adapter initialized")
	} else {
		logger.WithField("provider", types.ProviderA).Warn("OPENAI_API_KEY not set, provider disabled")
	}

	if cfg.Providers.Gemini.APIKey != "" {
		b, err := provider.NewGeminiAdapter(types.ProviderB, provider.GeminiConfig{
			APIKey:  cfg.Providers.Gemini.APIKey,
			Model:   cfg.Providers.Gemini.Model,
			BaseURL: cfg.Providers.Gemini.BaseURL,
		})
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, b)
		logger.WithFields(map[string]interface{}{"provider": types.ProviderB, "model": cfg.Providers.Gemini.Model}).Info("Provider adapter initialized")
	} else {
		logger.WithField("provider", types.ProviderB).Warn("GEMINI_API_KEY not set, provider disabled")
	}

	return provider.NewRouter(provider.RouterConfig{
		Adapters: adapters,
		Default:  cfg.Providers.Default,
		Fallback: cfg.Providers.Fallback,
		Policy: &retry.Policy{
			MaxAttempts:    cfg.Retry.MaxAttempts,
			BaseDelay:      cfg.Retry.BaseDelay,
			MaxDelay:       cfg.Retry.MaxDelay,
			RateLimitPause: cfg.Retry.RateLimitPause,
			Ceiling:        cfg.Retry.Ceiling,
			CallTimeout:    cfg.Retry.CallTimeout,
		},
		MaxInflight: int64(cfg.Pipeline.MaxInflightProviderCall),
		Breakers:    circuitbreaker.NewManager(circuitbreaker.DefaultConfig()),
	})
}

func buildSink(ctx context.Context, cfg *config.Config, logger *logging.Logger) (events.Sink, func()) {
	logSink := events.NewLogSink(logger)
	if !cfg.Analytics.ClickHouseEnabled {
		return logSink, func() {}
	}

	ch, err := storage.NewClickHouseDB(ctx, &cfg.Database.ClickHouse)
	if err != nil {
		logger.WithError(err).Warn("ClickHouse unavailable, job events go to the log only")
		return logSink, func() {}
	}

	chSink := events.NewClickHouseSink(ch.Conn(), eventBatchSize)
	chSink.Start(ctx, eventFlushInterval)

	return events.MultiSink{logSink, chSink}, func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := chSink.Close(flushCtx); err != nil {
			logger.WithError(err).Warn("Failed to flush job events on shutdown")
		}
		_ = ch.Close()
	}
}
