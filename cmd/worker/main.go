package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/scrybeapp/scrybe/internal/billing"
	"github.com/scrybeapp/scrybe/internal/config"
	"github.com/scrybeapp/scrybe/internal/database"
	"github.com/scrybeapp/scrybe/internal/dispatch"
	"github.com/scrybeapp/scrybe/internal/jobs"
	"github.com/scrybeapp/scrybe/internal/ledger"
	"github.com/scrybeapp/scrybe/internal/logging"
	"github.com/scrybeapp/scrybe/internal/metrics"
	"github.com/scrybeapp/scrybe/internal/provider"
	"github.com/scrybeapp/scrybe/internal/queue"
	"github.com/scrybeapp/scrybe/internal/storage"
)

const metricsPort = 9091

func main() {
	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.NewDefaultLogger()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}

	// Initialize database
	db, err := database.New(cfg.Database)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	jobRepo := database.NewJobRepository(db)
	accounts := ledger.NewPostgresStore(db.Pool)

	// Initialize storage
	stor, err := storage.New(cfg.Storage)
	if err != nil {
		logger.Fatalf("Failed to initialize storage: %v", err)
	}

	// Initialize queue
	q, err := queue.New(cfg.Queue)
	if err != nil {
		logger.Fatalf("Failed to connect to queue: %v", err)
	}
	defer q.Close()

	// Wire the billing and job pipeline
	engine := billing.NewEngine(accounts)
	reconciler := billing.NewReconciler(accounts)
	providerClient := provider.NewClient(cfg.Provider)
	dispatcher := dispatch.New(providerClient, stor, jobRepo, cfg.Provider, cfg.Billing)
	svc := jobs.NewService(jobRepo, engine, reconciler, dispatcher, q, stor, logger, cfg.Billing.DefaultEstimatedMinutes)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown gracefully
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Shutting down worker gracefully...")
		cancel()
	}()

	// Start metrics server
	metricsServer := metrics.NewServer(metricsPort, logger)
	go func() {
		if err := metricsServer.Start(); err != nil {
			logger.ErrorWithErr("metrics server stopped", err)
		}
	}()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	// Start stuck-job sweeper
	sweeper := jobs.NewSweeper(svc, jobRepo, cfg.Billing.SweepInterval, cfg.Billing.StuckJobMaxAge, logger)
	go sweeper.Run(ctx)

	// Report queue depth periodically
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if depth, err := q.GetQueueDepth(); err == nil {
					metrics.JobsQueueDepth.Set(float64(depth))
				}
			}
		}
	}()

	// Start consuming submissions
	logger.Info("Worker started, waiting for submissions...")
	if err := q.ConsumeSubmissions(ctx, func(jobID string) error {
		logger.WithJobID(jobID).Info("Submitting job to provider")

		if err := svc.DispatchQueued(ctx, jobID); err != nil {
			logger.WithJobID(jobID).ErrorWithErr("failed to dispatch job", err)
			return err
		}
		return nil
	}); err != nil {
		logger.Fatalf("Failed to consume submissions: %v", err)
	}

	// Wait for shutdown
	<-ctx.Done()
	logger.Info("Worker stopped")
}
