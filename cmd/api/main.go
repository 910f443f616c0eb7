package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/scrybeapp/scrybe/internal/billing"
	"github.com/scrybeapp/scrybe/internal/cache"
	"github.com/scrybeapp/scrybe/internal/config"
	"github.com/scrybeapp/scrybe/internal/database"
	"github.com/scrybeapp/scrybe/internal/dispatch"
	"github.com/scrybeapp/scrybe/internal/jobs"
	"github.com/scrybeapp/scrybe/internal/ledger"
	"github.com/scrybeapp/scrybe/internal/logging"
	"github.com/scrybeapp/scrybe/internal/middleware"
	"github.com/scrybeapp/scrybe/internal/provider"
	"github.com/scrybeapp/scrybe/internal/queue"
	"github.com/scrybeapp/scrybe/internal/storage"
	"github.com/scrybeapp/scrybe/internal/tracing"
)

type API struct {
	jobRepo    *database.JobRepository
	usageRepo  *database.UsageRepository
	accounts   ledger.Store
	reconciler *billing.Reconciler
	svc        *jobs.Service
	storage    *storage.Storage
	cache      *cache.Cache
	logger     *logging.Logger

	callbackSecret string
}

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

	// Initialize JWT secret from config
	middleware.SetJWTSecret(cfg.Auth.JWTSecret)

	// Initialize tracing
	if cfg.Tracing.Enabled {
		tracer, closer, err := tracing.InitTracer(cfg.Tracing.ServiceName, cfg.Tracing.JaegerEndpoint)
		if err != nil {
			logger.Fatalf("Failed to initialize tracer: %v", err)
		}
		defer closer.Close()
		_ = tracer
	}

	// Initialize database
	db, err := database.New(cfg.Database)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	jobRepo := database.NewJobRepository(db)
	usageRepo := database.NewUsageRepository(db)
	accounts := ledger.NewPostgresStore(db.Pool)

	// Initialize cache
	c, err := cache.NewCache(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer c.Close()

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

	api := &API{
		jobRepo:        jobRepo,
		usageRepo:      usageRepo,
		accounts:       accounts,
		reconciler:     reconciler,
		svc:            svc,
		storage:        stor,
		cache:          c,
		logger:         logger,
		callbackSecret: cfg.Provider.CallbackSecret,
	}

	router := setupRouter(api, logger)

	// Create HTTP server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in goroutine
	go func() {
		logger.Infof("Starting API server on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatalf("Server forced to shutdown: %v", err)
	}

	logger.Info("Server stopped")
}

func setupRouter(api *API, logger *logging.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(logger))

	rl := middleware.NewRateLimiter(10, 20)

	// Health check
	router.GET("/health", api.healthCheck)

	// Provider callbacks authenticate with the URL token, not a JWT
	router.POST("/api/v1/callbacks/transcription", api.transcriptionCallback)

	// API routes
	v1 := router.Group("/api/v1")
	v1.Use(middleware.JWTAuth(), middleware.RateLimit(rl))
	{
		// Jobs
		v1.POST("/jobs", api.submitJob)
		v1.GET("/jobs", api.listJobs)
		v1.GET("/jobs/:id", api.getJob)
		v1.GET("/jobs/:id/transcript", api.getTranscript)
		v1.POST("/jobs/:id/cancel", api.cancelJob)
		v1.POST("/jobs/:id/retry", api.retryJob)
		v1.POST("/jobs/:id/process", api.retryJob)

		// Account
		v1.GET("/account", api.getAccount)
		v1.GET("/account/usage", api.getUsage)
		v1.GET("/account/transactions", api.getTransactions)
	}

	// Admin routes
	admin := router.Group("/api/v1/admin")
	admin.Use(middleware.JWTAuth(), middleware.RequireAdmin())
	{
		admin.POST("/accounts", api.createAccount)
		admin.POST("/accounts/:user_id/credits", api.grantCredits)
		admin.POST("/jobs/:id/approve", api.approveReview)
		admin.POST("/jobs/:id/reject", api.rejectReview)
		admin.POST("/jobs/:id/transcript", api.completeTranscription)
	}

	return router
}

// Health check endpoint
func (api *API) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if err := api.jobRepo.Health(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}

	if err := api.cache.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
	})
}
