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

	"github.com/joho/godotenv"
	"gorm.io/gorm/logger"

	"github.com/flakeguard/flakeguard/internal/config"
	"github.com/flakeguard/flakeguard/internal/database"
	"github.com/flakeguard/flakeguard/internal/handlers"
	"github.com/flakeguard/flakeguard/internal/jobs"
	"github.com/flakeguard/flakeguard/internal/middleware"
	"github.com/flakeguard/flakeguard/internal/notify"
	"github.com/flakeguard/flakeguard/internal/services"
)

func main() {
	// Load .env file if it exists (ignore error if file doesn't exist)
	if err := godotenv.Load(); err != nil {
		log.Printf("No .env file found or error loading it (this is fine if using environment variables): %v", err)
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Starting Flakeguard...")

	// Initialize JWT authentication middleware
	if cfg.AdminPassword == "" {
		log.Fatalf("ADMIN_PASSWORD is not set")
	}

	// Hash the admin password
	passwordHash, err := middleware.HashPassword(cfg.AdminPassword)
	if err != nil {
		log.Fatalf("Failed to hash admin password: %v", err)
	}

	jwtAuthMiddleware := middleware.NewJWTAuthMiddleware(&middleware.JWTAuthConfig{
		Enabled:           true,
		AdminUsername:     cfg.AdminUsername,
		AdminPasswordHash: passwordHash,
		JWTSecret:         cfg.JWTSecret,
		JWTExpiryHours:    cfg.JWTExpiryHours,
		SkipPaths: []string{
			"/health",
			"/ingest/*",
			"/auth/login",
		},
	})
	log.Printf("JWT authentication enabled for user: %s", cfg.AdminUsername)

	// Initialize database connection
	if err := database.Connect(cfg.DatabaseURL, logger.Warn); err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	log.Printf("Database connection established")

	db := database.GetDB()

	// Run database migrations
	if err := database.AutoMigrate(db); err != nil {
		log.Fatalf("Failed to run database migrations: %v", err)
	}

	// Initialize default database records
	if err := database.InitializeDefaults(db); err != nil {
		log.Fatalf("Failed to initialize database defaults: %v", err)
	}

	// Build services around the real clock
	clock := services.SystemClock()
	patternService := services.NewPatternService(db, clock)
	policyService := services.NewPolicyService(db, clock)
	quarantineService := services.NewQuarantineService(db, patternService, policyService, clock)
	impactService := services.NewImpactService(db, clock)
	log.Printf("Services initialized")

	// Apply policy seed file if configured
	if cfg.PolicySeedFile != "" {
		if applied, err := policyService.LoadSeedFile(cfg.PolicySeedFile); err != nil {
			log.Printf("Warning: Failed to load policy seed file %s: %v", cfg.PolicySeedFile, err)
		} else {
			log.Printf("Applied %d policies from seed file %s", applied, cfg.PolicySeedFile)
		}
	}

	// Slack notifier with hot-reload support (configure in Settings)
	slackNotifier := notify.NewSlackNotifier(db)
	quarantineService.AddNotifier(slackNotifier)

	// WebSocket events hub
	eventsHandler := handlers.NewEventsWSHandler()
	quarantineService.AddNotifier(eventsHandler)

	// Scheduler for timed quarantine and unquarantine sweeps
	scheduler := jobs.NewScheduler(db, patternService, policyService, quarantineService, jobs.Options{
		DailyInterval:  cfg.QuarantineSweepInterval,
		HourlyInterval: cfg.UnquarantineSweepInterval,
		Workers:        cfg.SweepWorkers,
		EvalTimeout:    cfg.EvaluationTimeout,
	})

	// Ingest authentication from stored API keys
	ingestAuth := middleware.NewIngestAuthMiddleware()
	reloadIngestKeys := func() {
		keys, err := database.GetActiveIngestKeys(db)
		if err != nil {
			log.Printf("Warning: Could not load ingest keys: %v", err)
			return
		}
		ingestAuth.SetKeys(keys)
	}
	reloadIngestKeys()

	// Initialize handlers
	httpHandler := handlers.NewHTTPHandler(db)
	ingestHandler := handlers.NewIngestHandler(patternService)
	apiHandler := handlers.NewAPIHandler(db, patternService, policyService, quarantineService, impactService, scheduler, slackNotifier)
	apiHandler.SetKeysReloader(reloadIngestKeys)
	authHandler := handlers.NewAuthHandler(jwtAuthMiddleware)

	// Set up HTTP server routes
	mux := http.NewServeMux()
	httpHandler.SetupRoutes(mux)
	ingestHandler.SetupRoutes(mux, ingestAuth)
	apiHandler.SetupRoutes(mux)
	authHandler.SetupRoutes(mux)
	eventsHandler.SetupRoutes(mux)

	// Wrap all routes with CORS and request IDs first, then JWT authentication
	corsMiddleware := middleware.NewCORSMiddleware() // Allow all origins
	handler := corsMiddleware.Wrap(middleware.RequestIDMiddleware(jwtAuthMiddleware.Wrap(mux)))

	// Start HTTP server in goroutine
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: handler,
	}

	go func() {
		log.Printf("Starting HTTP server on port %d", cfg.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	// Start the sweep scheduler
	ctx, ctxCancel := context.WithCancel(context.Background())
	defer ctxCancel()
	scheduler.Start(ctx)
	log.Printf("Scheduler started (quarantine sweep every %s, unquarantine sweep every %s)",
		cfg.QuarantineSweepInterval, cfg.UnquarantineSweepInterval)

	// Set up graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Handle shutdown in a goroutine
	go func() {
		<-sigChan
		log.Println("\nReceived shutdown signal, cleaning up...")

		ctxCancel()

		log.Println("Shutting down HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Error shutting down HTTP server: %v", err)
		}

		if err := database.Close(); err != nil {
			log.Printf("Error closing database: %v", err)
		}

		log.Println("Shutdown complete")
		os.Exit(0)
	}()

	log.Println("Flakeguard is running! Press Ctrl+C to exit.")
	log.Printf("Ingest endpoint: http://localhost:%d/ingest/results", cfg.HTTPPort)
	log.Printf("Health check endpoint: http://localhost:%d/health", cfg.HTTPPort)
	log.Printf("API base URL: http://localhost:%d/api", cfg.HTTPPort)

	// Keep the main goroutine alive
	for {
		time.Sleep(time.Hour)
	}
}
