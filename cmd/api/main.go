package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dvloznov/finance-sync/internal/api/handlers"
	"github.com/dvloznov/finance-sync/internal/api/middleware"
	"github.com/dvloznov/finance-sync/internal/app"
	"github.com/dvloznov/finance-sync/internal/config"
	"github.com/dvloznov/finance-sync/internal/logger"
)

func main() {
	cfg, envLoaded, err := config.Load()
	if err != nil {
		log := logger.New()
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	port := flag.String("port", cfg.Port, "HTTP server port (or set PORT env)")
	runWorker := flag.Bool("worker", true, "Process queued sync jobs in this process")
	flag.Parse()

	log, err := app.NewLogger(cfg)
	if err != nil {
		log := logger.New()
		log.Fatal().Err(err).Msg("Failed to create logger")
	}
	if envLoaded {
		log.Debug().Msg("Loaded .env file")
	}

	ctx := logger.WithContext(context.Background(), log)

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize application")
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close application")
		}
	}()

	workerCtx, cancelWorker := context.WithCancel(logger.WithContext(ctx, logger.Component(log, "worker")))
	defer cancelWorker()

	if *runWorker {
		if err := a.Queue.Start(workerCtx, a.Service.HandleSyncJob); err != nil {
			log.Fatal().Err(err).Msg("Failed to start job worker")
		}
	}

	router := handlers.NewRouter(a.Service, a.Queue, a.JobStore)
	server := &http.Server{
		Addr:         ":" + *port,
		Handler:      middleware.Chain(log, router),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("port", *port).Msg("Starting API server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	// Jobs observe cancellation at page boundaries only.
	cancelWorker()
	if err := a.Queue.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error stopping job queue")
	}

	log.Info().Msg("Server exited")
}
