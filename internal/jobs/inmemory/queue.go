package inmemory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dvloznov/finance-sync/internal/jobs"
	"github.com/dvloznov/finance-sync/internal/logger"
	"github.com/google/uuid"
)

// QueueConfig sizes the queue.
type QueueConfig struct {
	// BufferSize is how many jobs can wait before Publish blocks.
	BufferSize int
	// Workers is the number of jobs processed concurrently.
	Workers int
	// MaxRetries is applied to jobs published without one.
	MaxRetries int
	// RetryBackoff is multiplied by the retry number before re-enqueueing.
	RetryBackoff time.Duration
}

// DefaultQueueConfig returns the settings used by the worker binary.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		BufferSize:   100,
		Workers:      4,
		MaxRetries:   3,
		RetryBackoff: time.Second,
	}
}

// Queue is a channel-backed job publisher and consumer for a single
// instance. It is safe for concurrent use.
type Queue struct {
	cfg       QueueConfig
	jobChan   chan *jobs.SyncConnectionJob
	closeChan chan struct{}
	wg        sync.WaitGroup
	mu        sync.RWMutex
	store     jobs.JobStore
	closed    bool
}

// NewQueue creates a new in-memory job queue. store may be nil.
func NewQueue(cfg QueueConfig, store jobs.JobStore) *Queue {
	if cfg.BufferSize < 1 {
		cfg.BufferSize = 1
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Queue{
		cfg:       cfg,
		jobChan:   make(chan *jobs.SyncConnectionJob, cfg.BufferSize),
		closeChan: make(chan struct{}),
		store:     store,
	}
}

// PublishSyncConnection implements the Publisher interface. Defaults are
// filled in on job; workers receive a copy, so the caller may keep reading it.
func (q *Queue) PublishSyncConnection(ctx context.Context, job *jobs.SyncConnectionJob) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return fmt.Errorf("queue is closed")
	}
	if job.ConnectionID == "" {
		return fmt.Errorf("PublishSyncConnection: connection ID is required")
	}

	if job.JobID == "" {
		job.JobID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = jobs.JobStatusPending
	}
	if job.Trigger == "" {
		job.Trigger = jobs.TriggerManual
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	if job.MaxRetries == 0 {
		job.MaxRetries = q.cfg.MaxRetries
	}

	if q.store != nil {
		if err := q.store.SaveJob(ctx, job); err != nil {
			return fmt.Errorf("failed to save job: %w", err)
		}
	}

	select {
	case q.jobChan <- copyJob(job):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.closeChan:
		return fmt.Errorf("queue is closed")
	}
}

// Start implements the Consumer interface. It starts cfg.Workers workers.
func (q *Queue) Start(ctx context.Context, handler jobs.JobHandler) error {
	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return fmt.Errorf("queue is closed")
	}
	q.mu.RUnlock()

	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, handler)
	}

	log := logger.FromContext(ctx)
	log.Info().Int("workers", q.cfg.Workers).Msg("Job queue started")
	return nil
}

func (q *Queue) worker(ctx context.Context, handler jobs.JobHandler) {
	defer q.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.closeChan:
			return
		case job := <-q.jobChan:
			if job == nil {
				return
			}
			q.processJob(ctx, job, handler)
		}
	}
}

// processJob runs one job and decides whether to retry it.
func (q *Queue) processJob(ctx context.Context, job *jobs.SyncConnectionJob, handler jobs.JobHandler) {
	log := logger.FromContext(ctx).With().
		Str("job_id", job.JobID).
		Str("connection_id", job.ConnectionID).
		Logger()

	job.Status = jobs.JobStatusRunning
	now := time.Now()
	job.StartedAt = &now
	q.save(ctx, job)

	err := handler(logger.WithContext(ctx, log), job)

	completedAt := time.Now()
	job.CompletedAt = &completedAt

	switch {
	case err == nil:
		job.Status = jobs.JobStatusCompleted
		job.Error = ""
		log.Info().Msg("Job completed")
	case jobs.IsPermanent(err) || job.RetryCount >= job.MaxRetries:
		job.Status = jobs.JobStatusFailed
		job.Error = err.Error()
		log.Error().Err(err).Int("retry_count", job.RetryCount).Msg("Job failed")
	default:
		job.Error = err.Error()
		job.RetryCount++
		job.Status = jobs.JobStatusRetrying

		backoff := time.Duration(job.RetryCount) * q.cfg.RetryBackoff
		log.Warn().Err(err).Int("retry_count", job.RetryCount).Dur("backoff", backoff).Msg("Job failed, retrying")

		// Saved before the timer is armed; the job belongs to the timer afterwards.
		q.save(ctx, job)
		time.AfterFunc(backoff, func() {
			job.Status = jobs.JobStatusPending
			job.StartedAt = nil
			job.CompletedAt = nil
			if err := q.PublishSyncConnection(ctx, job); err != nil {
				log.Warn().Err(err).Msg("Failed to re-enqueue job")
			}
		})
		return
	}

	q.save(ctx, job)
}

func (q *Queue) save(ctx context.Context, job *jobs.SyncConnectionJob) {
	if q.store == nil {
		return
	}
	if err := q.store.SaveJob(ctx, job); err != nil {
		log := logger.FromContext(ctx)
		log.Warn().Err(err).Str("job_id", job.JobID).Msg("Failed to save job state")
	}
}

// Stop implements the Consumer interface.
// It stops the queue and waits for all in-flight jobs to complete.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.closeChan)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close implements the Publisher interface.
func (q *Queue) Close() error {
	return q.Stop(context.Background())
}

var _ jobs.Publisher = (*Queue)(nil)
var _ jobs.Consumer = (*Queue)(nil)
