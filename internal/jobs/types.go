package jobs

import (
	"context"
	"errors"
	"time"
)

// JobType represents the type of job to be executed.
type JobType string

const (
	// JobTypeSyncConnection runs one sync cycle for a connection.
	JobTypeSyncConnection JobType = "sync_connection"
)

// JobStatus represents the current status of a job.
type JobStatus string

const (
	// JobStatusPending indicates the job is waiting to be processed.
	JobStatusPending JobStatus = "pending"
	// JobStatusRunning indicates the job is currently being processed.
	JobStatusRunning JobStatus = "running"
	// JobStatusCompleted indicates the job completed successfully.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates the job failed.
	JobStatusFailed JobStatus = "failed"
	// JobStatusRetrying indicates the job failed and is being retried.
	JobStatusRetrying JobStatus = "retrying"
)

// Trigger records why a sync job was created.
type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
)

// ErrJobNotFound is returned by JobStore lookups for unknown ids.
var ErrJobNotFound = errors.New("job not found")

// SyncOutcome is the part of a sync result kept on the job record.
type SyncOutcome struct {
	Added    int    `json:"added"`
	Modified int    `json:"modified"`
	Removed  int    `json:"removed"`
	Skipped  int    `json:"skipped"`
	State    string `json:"state"`
	Cursor   string `json:"cursor,omitempty"`
	NotReady bool   `json:"not_ready,omitempty"`
}

// SyncConnectionJob asks a worker to sync one connection.
type SyncConnectionJob struct {
	JobID        string  `json:"job_id"`
	ConnectionID string  `json:"connection_id"`
	OwnerID      string  `json:"owner_id"`
	Trigger      Trigger `json:"trigger"`

	Status      JobStatus  `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Error contains error details if the last attempt failed.
	Error   string       `json:"error,omitempty"`
	Outcome *SyncOutcome `json:"outcome,omitempty"`

	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`
}

// GetID returns the job identifier.
func (j *SyncConnectionJob) GetID() string {
	return j.JobID
}

// GetType returns JobTypeSyncConnection.
func (j *SyncConnectionJob) GetType() JobType {
	return JobTypeSyncConnection
}

// Publisher enqueues sync jobs.
type Publisher interface {
	PublishSyncConnection(ctx context.Context, job *SyncConnectionJob) error
	Close() error
}

// Consumer runs queued jobs.
type Consumer interface {
	// Start begins consuming jobs from the queue.
	// The handler function is called for each job received.
	Start(ctx context.Context, handler JobHandler) error

	// Stop stops consuming jobs and waits for in-flight jobs to complete.
	Stop(ctx context.Context) error
}

// JobHandler processes one job. It may set job.Outcome. Returning an error
// schedules a retry unless the error is wrapped with Permanent.
type JobHandler func(ctx context.Context, job *SyncConnectionJob) error

// PermanentError marks a job failure that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the queue fails the job without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// JobStore keeps job status for inspection.
type JobStore interface {
	// SaveJob saves or updates a job's state.
	SaveJob(ctx context.Context, job *SyncConnectionJob) error

	// GetJob returns ErrJobNotFound for unknown ids.
	GetJob(ctx context.Context, jobID string) (*SyncConnectionJob, error)

	// ListJobs returns jobs newest first.
	ListJobs(ctx context.Context, filter JobFilter) ([]*SyncConnectionJob, error)

	UpdateJobStatus(ctx context.Context, jobID string, status JobStatus, errorMsg string) error
}

// JobFilter defines filtering criteria for listing jobs.
type JobFilter struct {
	ConnectionID string
	OwnerID      string
	Status       JobStatus

	// Limit limits the number of results.
	Limit int

	// Offset for pagination.
	Offset int
}
