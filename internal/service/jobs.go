package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/dvloznov/finance-sync/internal/jobs"
	"github.com/dvloznov/finance-sync/internal/logger"
	"github.com/dvloznov/finance-sync/internal/provider"
	"github.com/dvloznov/finance-sync/internal/store"
	"github.com/dvloznov/finance-sync/internal/syncer"
)

// HandleSyncJob is the jobs.JobHandler for sync jobs. Failures that another
// attempt cannot fix are marked permanent so the queue does not retry them.
func (s *Service) HandleSyncJob(ctx context.Context, job *jobs.SyncConnectionJob) error {
	res, err := s.SyncConnectionByID(ctx, job.ConnectionID)
	if res != nil {
		job.Outcome = &jobs.SyncOutcome{
			Added:    res.Added,
			Modified: res.Modified,
			Removed:  res.Removed,
			Skipped:  len(res.Errors),
			State:    string(res.State),
			Cursor:   res.Cursor,
			NotReady: res.NotReady,
		}
	}
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, provider.ErrCredentialExpired),
		errors.Is(err, syncer.ErrConnectionInactive),
		errors.Is(err, store.ErrNotFound):
		return jobs.Permanent(err)
	default:
		return err
	}
}

// ScheduleSyncs publishes one sync job per active connection. It returns
// how many jobs were published.
func (s *Service) ScheduleSyncs(ctx context.Context, pub jobs.Publisher, trigger jobs.Trigger) (int, error) {
	conns, err := s.store.ListConnections(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("ScheduleSyncs: listing connections: %w", err)
	}

	n := 0
	var errs []error
	for _, c := range conns {
		if !c.IsActive {
			continue
		}
		job := &jobs.SyncConnectionJob{
			ConnectionID: c.ConnectionID,
			OwnerID:      c.OwnerID,
			Trigger:      trigger,
		}
		if err := pub.PublishSyncConnection(ctx, job); err != nil {
			errs = append(errs, fmt.Errorf("connection %s: %w", c.ConnectionID, err))
			continue
		}
		n++
	}

	log := logger.FromContext(ctx)
	log.Info().
		Str("trigger", string(trigger)).
		Int("published", n).
		Int("failed", len(errs)).
		Msg("Sync jobs scheduled")

	return n, errors.Join(errs...)
}

// EnqueueConnectionSync publishes a manual sync job for one of the owner's
// connections.
func (s *Service) EnqueueConnectionSync(ctx context.Context, pub jobs.Publisher, ownerID, connectionID string) (*jobs.SyncConnectionJob, error) {
	conn, err := s.store.GetConnection(ctx, connectionID)
	if err != nil {
		return nil, fmt.Errorf("EnqueueConnectionSync: %w", err)
	}
	if conn.OwnerID != ownerID {
		return nil, fmt.Errorf("EnqueueConnectionSync %s: %w", connectionID, store.ErrNotFound)
	}
	if !conn.IsActive {
		return nil, fmt.Errorf("EnqueueConnectionSync %s: %w: connection is inactive", connectionID, ErrInvalidArgument)
	}

	job := &jobs.SyncConnectionJob{
		ConnectionID: conn.ConnectionID,
		OwnerID:      conn.OwnerID,
		Trigger:      jobs.TriggerManual,
	}
	if err := pub.PublishSyncConnection(ctx, job); err != nil {
		return nil, fmt.Errorf("EnqueueConnectionSync: %w", err)
	}
	return job, nil
}
