package main

import (
	"github.com/tokengate/tokengate/internal/config"
	"github.com/tokengate/tokengate/internal/models"
	"github.com/tokengate/tokengate/internal/services"
	"github.com/tokengate/tokengate/internal/utils"
	"github.com/tokengate/tokengate/pkg/logger"
)

// appServices holds the initialized services the application needs.
type appServices struct {
	cfg       *config.Config
	taskQueue services.TaskQueue
	worker    *services.Worker
	scheduler *services.UsageScheduler
	collector *services.UsageCollectorService
	listener  *services.ForwardListener
}

// bootstrap initializes all application dependencies: database, pipeline, schedulers.
func bootstrap(cfg *config.Config) *appServices {
	utils.SetJWTSecret(cfg.JWT.Secret)

	// Initialize database
	if err := models.InitDB(&cfg.Database); err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}

	// Auto migrate database
	if err := models.AutoMigrate(); err != nil {
		logger.Fatalf("Failed to migrate database: %v", err)
	}

	// Initialize system logger
	services.InitSystemLogger(models.GetDB())

	// Start system log cleanup scheduler
	services.StartLogCleanupScheduler(models.GetDB())

	// Usage pipeline: queue -> ingestion -> aggregation
	ingestion := services.NewUsageIngestionService(models.GetDB())

	// Task queue uses Redis if enabled, otherwise processes inline
	taskQueue := services.InitTaskQueue(cfg)
	if syncQueue, ok := taskQueue.(*services.SyncQueue); ok {
		syncQueue.SetProcessor(ingestion.Process)
	}

	// Start async worker if Redis is enabled
	var worker *services.Worker
	if cfg.Redis.Enabled {
		worker = services.InitWorker(&cfg.Redis)
		if worker != nil {
			worker.SetProcessor(ingestion.Process)
			if err := worker.Start(); err != nil {
				logger.Fatalf("Failed to start usage worker: %v", err)
			}
		}
	}

	collector := services.NewUsageCollectorService(taskQueue, ingestion, cfg.Collector.MaxBatchSize)
	listener := services.NewForwardListener(collector)

	// Aggregation scheduler
	aggregator := services.NewUsageAggregatorService(models.GetDB())
	scheduler := services.NewUsageScheduler(models.GetDB(), aggregator, &cfg.Aggregation)
	if err := scheduler.Start(); err != nil {
		logger.Fatalf("Failed to start aggregation scheduler: %v", err)
	}

	// Create default admin user
	authService := services.NewAuthService(models.GetDB(), &cfg.JWT)
	if err := authService.CreateAdminIfNotExists(); err != nil {
		logger.Warn().Err(err).Msg("Failed to create admin user")
	}

	return &appServices{
		cfg:       cfg,
		taskQueue: taskQueue,
		worker:    worker,
		scheduler: scheduler,
		collector: collector,
		listener:  listener,
	}
}

// shutdown gracefully stops all services.
func (s *appServices) shutdown() {
	s.scheduler.Stop()
	services.StopLogCleanupScheduler()
	logger.Info().Msg("All schedulers stopped")

	if s.worker != nil {
		s.worker.Stop()
	}
	if s.taskQueue != nil {
		s.taskQueue.Close()
	}
}
