package main

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-sync/internal/jobs"
	"github.com/dvloznov/finance-sync/internal/logger"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// scheduler is the part of service.Service driven by cron.
type scheduler interface {
	ScheduleSyncs(ctx context.Context, pub jobs.Publisher, trigger jobs.Trigger) (int, error)
	TakeDailySnapshots(ctx context.Context, date civil.Date) (int, error)
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}

func newCron(log zerolog.Logger) *cron.Cron {
	cl := cronLogger{log: log}
	return cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
}

// registerJobs adds the periodic sync and snapshot jobs. An empty spec
// disables that job.
func registerJobs(ctx context.Context, c *cron.Cron, svc scheduler, pub jobs.Publisher, syncSpec, snapshotSpec string, now func() time.Time) error {
	log := logger.FromContext(ctx)

	if syncSpec != "" {
		_, err := c.AddFunc(syncSpec, func() {
			n, err := svc.ScheduleSyncs(ctx, pub, jobs.TriggerScheduled)
			if err != nil {
				log.Error().Err(err).Int("published", n).Msg("Scheduled sync run incomplete")
			}
		})
		if err != nil {
			return fmt.Errorf("sync schedule %q: %w", syncSpec, err)
		}
		log.Info().Str("schedule", syncSpec).Msg("Sync job scheduled")
	}

	if snapshotSpec != "" {
		_, err := c.AddFunc(snapshotSpec, func() {
			date := civil.DateOf(now().UTC())
			n, err := svc.TakeDailySnapshots(ctx, date)
			if err != nil {
				log.Error().Err(err).Str("date", date.String()).Int("taken", n).Msg("Daily snapshots incomplete")
				return
			}
			log.Info().Str("date", date.String()).Int("taken", n).Msg("Daily snapshots taken")
		})
		if err != nil {
			return fmt.Errorf("snapshot schedule %q: %w", snapshotSpec, err)
		}
		log.Info().Str("schedule", snapshotSpec).Msg("Snapshot job scheduled")
	}
	return nil
}
