package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"notification_service/internal/app"
	"notification_service/internal/infra/config"
	idb "notification_service/internal/infra/database"
	"notification_service/internal/infra/email"
	"notification_service/internal/infra/httpapi"
	"notification_service/internal/infra/logger"
	"notification_service/internal/infra/metrics"
	"notification_service/internal/infra/queue"
	"notification_service/internal/infra/scheduler"
)

func main() {
	fmt.Println("Notification Dispatch Service starting...")

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Could not load application configuration: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg)
	log := logger.Get()
	log.Infof("Configuration loaded. LogLevel: %s, Environment: %s, EmailProvider: %s", cfg.LogLevel, cfg.Environment, cfg.EmailProvider)

	metrics.Init()

	// Initialize Database Connection
	db, err := idb.NewPostgresConnection(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("FATAL: Could not connect to database: %v", err)
	}
	defer db.Close()
	log.Info("Database connection established successfully.")

	// Initialize Repositories
	notificationRepo := idb.NewPostgresNotificationRepository(db)
	log.Info("Notification repository initialized.")

	// Initialize Job Queue
	rdb := queue.NewRedisClient(cfg.RedisAddr)
	defer rdb.Close()
	jobQueue := queue.New(rdb, "notifications", cfg.JobAttempts, cfg.JobBackoffBase, log)
	log.Info("Job queue initialized.")

	// Initialize Email Provider
	provider, err := email.NewProvider(cfg, log)
	if err != nil {
		log.Fatalf("FATAL: Could not initialize email provider: %v", err)
	}
	log.Infof("Email provider initialized: %s", provider.Name())

	// Initialize NotificationService
	notifService := app.NewNotificationServiceImpl(
		notificationRepo,
		jobQueue,
		log,
		cfg.BatchMaxSize,
		cfg.BatchMaxWait,
		cfg.QueueRetention,
	)
	log.Info("Notification service initialized.")

	// Initialize DispatchProcessor and Worker
	processor := app.NewDispatchProcessor(notificationRepo, provider, app.NewEmailCombiner(), log)
	worker := queue.NewWorker(jobQueue, processor.Process, cfg.WorkerConcurrency, log)
	worker.Start()

	// Re-arm batches whose timeout jobs were lost before this start.
	recoverCtx, cancelRecover := context.WithTimeout(context.Background(), 30*time.Second)
	if err := notifService.RecoverPendingBatches(recoverCtx); err != nil {
		log.Errorf("Startup batch recovery failed: %v", err)
	}
	cancelRecover()

	// Initialize MaintenanceScheduler
	maintScheduler := scheduler.NewMaintenanceScheduler(
		notifService,
		log,
		cfg.CronSpecRecoverySweep,
		cfg.CronSpecQueueCleanup,
	)
	maintScheduler.Start()

	// Initialize HTTP API
	server := httpapi.NewServer(cfg.HTTPPort, notifService, log)
	log.Infof("Application setup complete. HTTP API listening on port %s.", cfg.HTTPPort)

	go func() {
		if err := server.Run(); err != nil {
			log.Fatalf("FATAL: HTTP server stopped: %v", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down application...")
	maintScheduler.Stop()
	worker.Stop()
	log.Info("Application shut down gracefully.")
}
