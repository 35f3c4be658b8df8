package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dvloznov/finance-sync/internal/app"
	"github.com/dvloznov/finance-sync/internal/config"
	"github.com/dvloznov/finance-sync/internal/jobs"
	"github.com/dvloznov/finance-sync/internal/logger"
)

func main() {
	cfg, _, err := config.Load()
	if err != nil {
		log := logger.New()
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	syncSpec := flag.String("sync-schedule", cfg.SyncSchedule, "Cron spec for syncing every active connection (empty disables)")
	snapshotSpec := flag.String("snapshot-schedule", cfg.SnapshotSchedule, "Cron spec for daily net-worth snapshots (empty disables)")
	syncNow := flag.Bool("sync-now", false, "Enqueue a sync of every active connection at startup")
	flag.Parse()

	log, err := app.NewLogger(cfg)
	if err != nil {
		log := logger.New()
		log.Fatal().Err(err).Msg("Failed to create logger")
	}
	ctx, cancel := context.WithCancel(logger.WithContext(context.Background(), log))
	defer cancel()

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize application")
	}
	defer a.Close()

	log.Info().Msg("Starting worker service")

	if err := a.Queue.Start(ctx, a.Service.HandleSyncJob); err != nil {
		log.Fatal().Err(err).Msg("Failed to start job consumer")
	}

	c := newCron(logger.Component(log, "cron"))
	if err := registerJobs(ctx, c, a.Service, a.Queue, *syncSpec, *snapshotSpec, time.Now); err != nil {
		log.Fatal().Err(err).Msg("Failed to register scheduled jobs")
	}
	c.Start()

	if *syncNow {
		if n, err := a.Service.ScheduleSyncs(ctx, a.Queue, jobs.TriggerManual); err != nil {
			log.Error().Err(err).Int("published", n).Msg("Startup sync incomplete")
		}
	}

	log.Info().Msg("Worker service started, waiting for jobs...")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down worker service...")

	// Cancelling first unblocks cron callbacks waiting on a full queue.
	cancel()
	<-c.Stop().Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := a.Queue.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error stopping job queue")
	}

	log.Info().Msg("Worker service stopped")
}
