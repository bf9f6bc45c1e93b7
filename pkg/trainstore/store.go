package trainstore

import (
	"context"
	"errors"
	"time"

	"github.com/vyvo/trainconsole/pkg/trainjob"
)

// ErrNotFound is returned when a job or result does not exist.
var ErrNotFound = errors.New("not found")

// Store persists training jobs, their logs and the saved hyperparameters.
type Store interface {
	// CreateJob records a new job and makes it the current one.
	CreateJob(ctx context.Context, job trainjob.Job) error
	GetJob(ctx context.Context, id string) (trainjob.Job, error)
	// CurrentJob returns the most recently created job.
	CurrentJob(ctx context.Context) (trainjob.Job, error)
	UpdateStatus(ctx context.Context, id string, status trainjob.Status, progress int, message string) error
	AppendLog(ctx context.Context, id string, entry trainjob.LogEntry) error
	// Logs returns a 1-based page of the job's log; pageSize <= 0 returns all.
	Logs(ctx context.Context, id string, page, pageSize int) ([]trainjob.LogEntry, error)
	SetResult(ctx context.Context, id string, result trainjob.Result, weightsURI string) error
	Config(ctx context.Context) (trainjob.Config, error)
	SaveConfig(ctx context.Context, cfg trainjob.Config) error
	// ListJobs returns every job, newest first.
	ListJobs(ctx context.Context) ([]trainjob.Job, error)
	Close() error
}

func applyStatus(job *trainjob.Job, status trainjob.Status, progress int, message string, now time.Time) {
	job.Status = status
	job.Progress = progress
	job.Message = message
	job.UpdatedAt = now
	if status.IsTerminal() || status == trainjob.StatusStopped {
		finished := now
		job.FinishedAt = &finished
	}
}
