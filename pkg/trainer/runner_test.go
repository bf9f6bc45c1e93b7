package trainer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/vyvo/trainconsole/pkg/artifact"
	"github.com/vyvo/trainconsole/pkg/trainjob"
	"github.com/vyvo/trainconsole/pkg/trainstore"
)

func newJob(t *testing.T, store trainstore.Store, id string) {
	t.Helper()
	now := time.Now().UTC()
	err := store.CreateJob(context.Background(), trainjob.Job{
		ID:        id,
		Status:    trainjob.StatusPreparing,
		Config:    trainjob.Config{"epochs": 3},
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("CreateJob returned error: %v", err)
	}
}

func waitForStatus(t *testing.T, store trainstore.Store, id string, want trainjob.Status) trainjob.Job {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		job, err := store.GetJob(context.Background(), id)
		if err == nil && job.Status == want {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never reached %s", id, want)
	return trainjob.Job{}
}

func TestRunnerCompletesJob(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := trainstore.NewMemStore()
	dir := t.TempDir()
	r := NewRunner(store, Options{Clock: clock, PrepareDelay: time.Second, EpochDuration: time.Second, ArtifactDir: dir})
	newJob(t, store, "job-1")

	if err := r.Start("job-1", trainjob.Config{"epochs": 3}); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	clock.BlockUntil(1)
	clock.Advance(time.Second)
	waitForStatus(t, store, "job-1", trainjob.StatusTraining)
	for i := 0; i < 3; i++ {
		clock.BlockUntil(1)
		clock.Advance(time.Second)
	}

	job := waitForStatus(t, store, "job-1", trainjob.StatusCompleted)
	r.Shutdown()

	if job.Progress != 100 || job.FinishedAt == nil {
		t.Fatalf("unexpected completed job: %#v", job)
	}
	if job.Result == nil || job.Result.Accuracy <= 0.5 || job.Result.Loss <= 0 {
		t.Fatalf("unexpected result: %#v", job.Result)
	}
	if job.Result.TrainingTime != 4 {
		t.Fatalf("expected 4s of simulated training, got %v", job.Result.TrainingTime)
	}
	if job.WeightsURI != filepath.Join(dir, "job-1", artifact.WeightsFile) {
		t.Fatalf("unexpected weights uri: %s", job.WeightsURI)
	}
	if _, err := os.Stat(job.WeightsURI); err != nil {
		t.Fatalf("weights file missing: %v", err)
	}

	logs, err := store.Logs(context.Background(), "job-1", 1, 0)
	if err != nil {
		t.Fatalf("Logs returned error: %v", err)
	}
	if len(logs) != 6 {
		t.Fatalf("expected 6 log entries, got %d: %#v", len(logs), logs)
	}
	if logs[0].Message != "preparing dataset" || logs[5].Message != "training completed" {
		t.Fatalf("unexpected log order: %#v", logs)
	}
	if _, ok := r.Active(); ok {
		t.Fatalf("runner should be idle after completion")
	}
}

func TestRunnerStop(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := trainstore.NewMemStore()
	r := NewRunner(store, Options{Clock: clock, PrepareDelay: time.Second, EpochDuration: time.Second})
	newJob(t, store, "job-2")

	if err := r.Start("job-2", trainjob.Config{"epochs": 10}); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if err := r.Start("job-3", trainjob.Config{}); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy for concurrent start, got %v", err)
	}

	clock.BlockUntil(1)
	clock.Advance(time.Second)
	clock.BlockUntil(1)

	if r.Stop("other-job") {
		t.Fatalf("Stop must ignore a job that is not running")
	}
	if !r.Stop("job-2") {
		t.Fatalf("expected Stop to find the running job")
	}
	job := waitForStatus(t, store, "job-2", trainjob.StatusStopped)
	r.Shutdown()

	if job.Result != nil {
		t.Fatalf("stopped job must not have a result")
	}
	if id, ok := r.Active(); ok {
		t.Fatalf("runner still reports %s active", id)
	}
	if err := r.Start("job-4", trainjob.Config{}); err != nil {
		t.Fatalf("runner should accept a new job after stop: %v", err)
	}
	r.Shutdown()
}

func TestRunnerStopDuringLastEpoch(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := trainstore.NewMemStore()
	r := NewRunner(store, Options{Clock: clock, PrepareDelay: time.Second, EpochDuration: time.Second, ArtifactDir: t.TempDir()})
	newJob(t, store, "job-5")

	if err := r.Start("job-5", trainjob.Config{"epochs": 1}); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	clock.BlockUntil(1)
	clock.Advance(time.Second)
	clock.BlockUntil(1)

	// The epoch timer and the stop race; an acknowledged stop must win.
	if !r.Stop("job-5") {
		t.Fatalf("expected Stop to find the running job")
	}
	clock.Advance(time.Second)

	job := waitForStatus(t, store, "job-5", trainjob.StatusStopped)
	r.Shutdown()
	got, _ := store.GetJob(context.Background(), "job-5")
	if got.Status != trainjob.StatusStopped || job.Result != nil || got.Result != nil {
		t.Fatalf("acknowledged stop ended as %s with result %#v", got.Status, got.Result)
	}
}

func TestRunnerStopRefusedOnceFinishing(t *testing.T) {
	store := trainstore.NewMemStore()
	r := NewRunner(store, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r.mu.Lock()
	r.active = &activeRun{jobID: "job-6", cancel: cancel}
	r.mu.Unlock()

	if !r.commit(ctx, "job-6") {
		t.Fatalf("commit should succeed before any stop")
	}
	if r.Stop("job-6") {
		t.Fatalf("Stop must report false once the job is finishing")
	}
	if ctx.Err() != nil {
		t.Fatalf("a refused stop must not cancel the run")
	}

	cancelled, cancel2 := context.WithCancel(context.Background())
	cancel2()
	r.mu.Lock()
	r.active = &activeRun{jobID: "job-7", cancel: cancel2}
	r.mu.Unlock()
	if r.commit(cancelled, "job-7") {
		t.Fatalf("commit must fail after a stop request")
	}
}

func TestRunnerRecordsStoreFailure(t *testing.T) {
	store := trainstore.NewMemStore()
	r := NewRunner(store, Options{})

	// The job was never created, so the first store write fails.
	if err := r.Start("ghost", trainjob.Config{}); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	r.Shutdown()
	if _, err := store.GetJob(context.Background(), "ghost"); !errors.Is(err, trainstore.ErrNotFound) {
		t.Fatalf("expected no record for ghost job, got %v", err)
	}
}

func TestEpochMetricsImprove(t *testing.T) {
	prevLoss, prevAcc := epochMetrics(1, 10)
	for epoch := 2; epoch <= 10; epoch++ {
		loss, acc := epochMetrics(epoch, 10)
		if loss >= prevLoss || acc <= prevAcc {
			t.Fatalf("metrics did not improve at epoch %d", epoch)
		}
		prevLoss, prevAcc = loss, acc
	}
}
