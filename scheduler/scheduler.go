package scheduler

import (
	"context"
	"time"

	"github.com/go-co-op/gocron"
	log "github.com/sirupsen/logrus"

	"github.com/umi1970/TradeMatrix-sub001/services/pipeline"
)

// Scheduler triggers the daily ingestion run after market close. It owns no
// pipeline logic: it invokes the entry point and logs the outcome summary.
type Scheduler struct {
	cron   *gocron.Scheduler
	runner *pipeline.Runner
	at     string // HH:MM, server local time
}

// NewScheduler creates a scheduler firing daily at the given time.
func NewScheduler(runner *pipeline.Runner, at string) *Scheduler {
	return &Scheduler{
		cron:   gocron.NewScheduler(time.Local),
		runner: runner,
		at:     at,
	}
}

// Start registers and starts the daily job.
func (s *Scheduler) Start() {
	log.WithField("at", s.at).Info("Starting ingestion scheduler")

	s.cron.Every(1).Day().At(s.at).Do(func() {
		s.runDaily()
	})

	s.cron.StartAsync()
}

// Stop stops the scheduler.
func (s *Scheduler) Stop() {
	s.cron.Stop()
	log.Info("Ingestion scheduler stopped")
}

// runDaily runs the pipeline for today's trade date, skipping weekends.
func (s *Scheduler) runDaily() {
	now := time.Now()
	if now.Weekday() == time.Saturday || now.Weekday() == time.Sunday {
		log.Info("Weekend, skipping scheduled ingestion")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Minute)
	defer cancel()

	outcomes, err := s.runner.RunDailyIngestion(ctx, nil, now.UTC())
	if err != nil {
		log.WithField("error", err.Error()).Error("Scheduled ingestion failed to start")
		return
	}

	completed, partial, skipped, failed := 0, 0, 0, 0
	for _, outcome := range outcomes {
		switch outcome.State {
		case pipeline.StateCompleted:
			completed++
		case pipeline.StateCompletedPartial:
			partial++
		case pipeline.StateSkipped:
			skipped++
		default:
			failed++
		}
	}
	log.WithFields(log.Fields{
		"completed": completed,
		"partial":   partial,
		"skipped":   skipped,
		"failed":    failed,
	}).Info("Scheduled ingestion finished")
}
