package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/user/sitewatch/internal/analysis"
	"github.com/user/sitewatch/internal/api"
	"github.com/user/sitewatch/internal/config"
	"github.com/user/sitewatch/internal/crawler"
	"github.com/user/sitewatch/internal/diff"
	"github.com/user/sitewatch/internal/monitoring"
	"github.com/user/sitewatch/internal/notify"
	"github.com/user/sitewatch/internal/scheduler"
	"github.com/user/sitewatch/internal/secrets"
	"github.com/user/sitewatch/internal/storage"
)

func main() {
	// Initialize structured logger
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("could not load config", zap.Error(err))
	}

	// Initialize Storage Layer
	pgStore, err := storage.NewPostgresStore(cfg.PostgresURL)
	if err != nil {
		logger.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pgStore.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := pgStore.EnsureSchema(ctx); err != nil {
		cancel()
		logger.Fatal("failed to apply schema", zap.Error(err))
	}
	cancel()

	redisStore := storage.NewRedisStore(cfg.RedisAddr)

	// Monitoring + secrets
	metrics := monitoring.NewMetrics()
	cipher, err := secrets.NewAESGCM(cfg.EncryptionKey)
	if err != nil {
		logger.Fatal("invalid encryption key", zap.Error(err))
	}

	// Pipeline components
	var fetcher crawler.Fetcher = crawler.NewHTTPFetcher(cfg.FetchTimeout())
	if cfg.UseHeadlessFetcher {
		fetcher = crawler.NewRenderedFetcher(cfg.FetchTimeout())
	}
	differ := diff.NewEngine()
	scorer := analysis.NewScorer(cipher, logger, cfg.AIDefaultModel, cfg.AIDefaultBaseURL,
		cfg.AIDefaultThreshold, cfg.FetchTimeout())
	dispatcher := notify.NewDispatcher(
		pgStore,
		&notify.SMTPSender{Addr: cfg.SMTPAddr, From: cfg.SMTPFrom},
		notify.NewHTTPWebhookPoster(cfg.FetchTimeout()),
		redisStore,
		metrics,
		logger,
	)
	orchestrator := crawler.NewOrchestrator(pgStore, redisStore, fetcher, differ, scorer, dispatcher,
		crawler.Limits{
			DefaultCrawlLimit: cfg.DefaultCrawlLimit,
			DefaultCrawlDepth: cfg.DefaultCrawlDepth,
			HashTTL:           cfg.ContentHashTTL(),
		}, metrics, logger)

	// Scheduler: the single admitter of website checks
	sched := scheduler.New(pgStore, orchestrator, cfg.MaxConcurrentChecks,
		cfg.SchedulerTick(), cfg.CheckTimeout(), metrics, logger)
	sched.Start()

	// Initialize API Server
	server := api.NewServer(cfg, sched, pgStore, redisStore, cipher, metrics, logger)

	// Graceful Shutdown
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("could not start server", zap.Error(err))
		}
	}()

	logger.Info("server started", zap.String("port", cfg.ServerPort))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	sched.Stop()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server exiting")
}
