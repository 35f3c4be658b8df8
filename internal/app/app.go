// Package app assembles the sync service from configuration. The api, worker
// and cli binaries share it.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/dvloznov/finance-sync/internal/aggregate"
	"github.com/dvloznov/finance-sync/internal/archive"
	"github.com/dvloznov/finance-sync/internal/categorize"
	"github.com/dvloznov/finance-sync/internal/config"
	infraBQ "github.com/dvloznov/finance-sync/internal/infra/bigquery"
	"github.com/dvloznov/finance-sync/internal/jobs/inmemory"
	"github.com/dvloznov/finance-sync/internal/logger"
	"github.com/dvloznov/finance-sync/internal/notionsync"
	"github.com/dvloznov/finance-sync/internal/provider"
	"github.com/dvloznov/finance-sync/internal/review"
	"github.com/dvloznov/finance-sync/internal/service"
	"github.com/dvloznov/finance-sync/internal/store"
	storeMem "github.com/dvloznov/finance-sync/internal/store/inmemory"
	pgstore "github.com/dvloznov/finance-sync/internal/store/postgres"
	"github.com/dvloznov/finance-sync/internal/syncer"
	"github.com/rs/zerolog"
)

// ArchivePrefix is the object prefix of sync cycle archives.
const ArchivePrefix = "sync-cycles"

// App holds the wired components. Optional components are nil when their
// settings are absent.
type App struct {
	Config  *config.Config
	Store   store.Store
	Service *service.Service

	Queue    *inmemory.Queue
	JobStore *inmemory.Store

	Archiver *archive.Archiver
	Exporter *infraBQ.Exporter
	Notion   *notionsync.Publisher

	closers []func() error
}

// NewLogger builds the process logger from cfg.
func NewLogger(cfg *config.Config) (zerolog.Logger, error) {
	return logger.NewFromConfig(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
}

// New wires every component cfg enables. The logger in ctx is used for
// startup messages.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	log := logger.FromContext(ctx)
	a := &App{Config: cfg}

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}

	var syncOpts []syncer.Option
	if cfg.ArchiveBucket != "" {
		gcs, err := archive.NewGCSStore(ctx, cfg.ArchiveBucket)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("app: %w", err)
		}
		a.closers = append(a.closers, gcs.Close)
		a.Archiver = archive.New(gcs, ArchivePrefix)
		syncOpts = append(syncOpts, syncer.WithArchiver(a.Archiver))
		log.Info().Str("bucket", cfg.ArchiveBucket).Msg("Sync cycle archive enabled")
	}

	client := provider.NewHTTPClient(provider.HTTPConfig{
		BaseURL:  cfg.ProviderBaseURL,
		ClientID: cfg.ProviderClientID,
		Secret:   cfg.ProviderSecret,
		PageSize: cfg.SyncPageSize,
		Timeout:  cfg.ProviderTimeout,
	})
	categorizer := categorize.NewEngine(a.Store)
	coordinator := syncer.NewCoordinator(client, a.Store, categorizer, cfg.SyncConfig(), syncOpts...)
	aggregator := aggregate.NewEngine(a.Store, aggregate.WithBalanceRefresher(coordinator))

	svcOpts := []service.Option{service.WithSyncWorkers(cfg.SyncWorkers)}

	if cfg.GCPProject != "" {
		exp, err := infraBQ.NewExporter(ctx, cfg.GCPProject, cfg.BQDataset)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("app: %w", err)
		}
		a.closers = append(a.closers, exp.Close)
		a.Exporter = exp
		svcOpts = append(svcOpts, service.WithSummarySinks(exp), service.WithSnapshotSinks(exp))
		log.Info().Str("project", cfg.GCPProject).Str("dataset", cfg.BQDataset).Msg("BigQuery export enabled")
	}

	if cfg.NotionToken != "" {
		a.Notion = notionsync.NewPublisher(notionsync.NewNotionClient(cfg.NotionToken), cfg.NotionSummaryDBID, cfg.NotionSnapshotDBID)
		svcOpts = append(svcOpts, service.WithSummarySinks(a.Notion), service.WithSnapshotSinks(a.Notion))
		log.Info().Msg("Notion publishing enabled")
	}

	if cfg.ReviewSuggestions {
		sg, err := review.NewGeminiSuggester(ctx, cfg.GeminiModel)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("app: %w", err)
		}
		svcOpts = append(svcOpts, service.WithSuggester(sg))
		log.Info().Str("model", cfg.GeminiModel).Msg("Review suggestions enabled")
	}

	a.Service = service.New(a.Store, coordinator, categorizer, aggregator, svcOpts...)

	qcfg := inmemory.DefaultQueueConfig()
	qcfg.Workers = cfg.SyncWorkers
	a.JobStore = inmemory.NewStore()
	a.Queue = inmemory.NewQueue(qcfg, a.JobStore)
	a.closers = append(a.closers, a.Queue.Close)

	return a, nil
}

func (a *App) openStore(ctx context.Context) error {
	switch a.Config.Store {
	case config.StoreMemory:
		a.Store = storeMem.New()
		log := logger.FromContext(ctx)
		log.Warn().Msg("Using in-memory store; data is lost on exit")
	case config.StorePostgres:
		pool, err := pgstore.Connect(ctx, a.Config.DatabaseURL, pgstore.DefaultPoolConfig())
		if err != nil {
			return fmt.Errorf("app: %w", err)
		}
		pg := pgstore.New(pool)
		a.Store = pg
		a.closers = append(a.closers, func() error { pg.Close(); return nil })
	default:
		return fmt.Errorf("app: unknown store %q", a.Config.Store)
	}
	return nil
}

// Close releases clients in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
