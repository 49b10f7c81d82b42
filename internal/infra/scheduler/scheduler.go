package scheduler

import (
	"context"
	"time"

	"notification_service/internal/app"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// MaintenanceScheduler runs the periodic sweeps of the dispatch engine: the
// pending-batch recovery sweep (re-arms timeout dispatch after restarts) and
// the queue retention cleanup.
type MaintenanceScheduler struct {
	cronEngine            *cron.Cron
	notifService          app.NotificationService
	logger                *logrus.Logger
	cronSpecRecoverySweep string
	cronSpecQueueCleanup  string
}

func NewMaintenanceScheduler(
	notifService app.NotificationService,
	logger *logrus.Logger,
	cronSpecRecoverySweep string, // e.g. "*/10 * * * *"
	cronSpecQueueCleanup string, // e.g. "0 * * * *"
) *MaintenanceScheduler {
	return &MaintenanceScheduler{
		cronEngine:            cron.New(cron.WithLocation(time.Local)),
		notifService:          notifService,
		logger:                logger,
		cronSpecRecoverySweep: cronSpecRecoverySweep,
		cronSpecQueueCleanup:  cronSpecQueueCleanup,
	}
}

func (s *MaintenanceScheduler) Start() {
	s.logger.Info("Starting maintenance scheduler...")

	_, err := s.cronEngine.AddFunc(s.cronSpecRecoverySweep, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 1*time.Minute)
		defer cancel()
		if err := s.notifService.RecoverPendingBatches(ctx); err != nil {
			s.logger.Errorf("Pending batch recovery sweep failed: %v", err)
		}
	})
	if err != nil {
		s.logger.Fatalf("Could not add recovery sweep cron job: %v", err)
	}

	_, err = s.cronEngine.AddFunc(s.cronSpecQueueCleanup, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 1*time.Minute)
		defer cancel()
		if _, err := s.notifService.CleanQueue(ctx); err != nil {
			s.logger.Errorf("Queue cleanup failed: %v", err)
		}
	})
	if err != nil {
		s.logger.Fatalf("Could not add queue cleanup cron job: %v", err)
	}

	s.cronEngine.Start()
	s.logger.Info("Maintenance scheduler started with jobs.")
}

func (s *MaintenanceScheduler) Stop() {
	s.logger.Info("Stopping maintenance scheduler...")
	ctx := s.cronEngine.Stop() // stops scheduling, waits for running jobs
	<-ctx.Done()
	s.logger.Info("Maintenance scheduler gracefully stopped.")
}
