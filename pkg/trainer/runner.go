// Package trainer runs simulated training jobs against a trainstore.Store.
// A run walks preparing → training → completed, writing one log entry per
// phase and per epoch, and can be stopped between steps.
package trainer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/vyvo/trainconsole/pkg/artifact"
	"github.com/vyvo/trainconsole/pkg/trainjob"
	"github.com/vyvo/trainconsole/pkg/trainstore"
)

// ErrBusy is returned when a job is already preparing or training.
var ErrBusy = errors.New("training already in progress")

type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Options configure a Runner.
type Options struct {
	Clock         clockwork.Clock
	PrepareDelay  time.Duration
	EpochDuration time.Duration
	ArtifactDir   string
	Logger        Logger
}

type activeRun struct {
	jobID  string
	cancel context.CancelFunc
	// finishing is set once the run is past its last stop point.
	finishing bool
}

// Runner executes at most one job at a time.
type Runner struct {
	store         trainstore.Store
	clock         clockwork.Clock
	prepareDelay  time.Duration
	epochDuration time.Duration
	artifactDir   string
	logger        Logger

	mu     sync.Mutex
	active *activeRun
	wg     sync.WaitGroup
}

func NewRunner(store trainstore.Store, opts Options) *Runner {
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := opts.Logger
	if logger == nil {
		logger = nopLogger{}
	}
	return &Runner{
		store:         store,
		clock:         clock,
		prepareDelay:  opts.PrepareDelay,
		epochDuration: opts.EpochDuration,
		artifactDir:   opts.ArtifactDir,
		logger:        logger,
	}
}

// Start launches job in the background. The job must already exist in the store.
func (r *Runner) Start(jobID string, cfg trainjob.Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != nil {
		return ErrBusy
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.active = &activeRun{jobID: jobID, cancel: cancel}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.release(jobID)
		r.run(ctx, jobID, cfg.WithDefaults())
	}()
	return nil
}

// Stop requests the active job to stop. It reports whether jobID was running
// and could still be stopped; a job that is already writing its result
// completes. An empty jobID targets whichever job is active.
func (r *Runner) Stop(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil || r.active.finishing || (jobID != "" && r.active.jobID != jobID) {
		return false
	}
	r.active.cancel()
	return true
}

// Active returns the running job, if any.
func (r *Runner) Active() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return "", false
	}
	return r.active.jobID, true
}

// Shutdown stops the active job and waits for it to record its final state.
func (r *Runner) Shutdown() {
	r.Stop("")
	r.wg.Wait()
}

// commit marks the run as finishing unless a stop already arrived.
func (r *Runner) commit(ctx context.Context, jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ctx.Err() != nil || r.active == nil || r.active.jobID != jobID {
		return false
	}
	r.active.finishing = true
	return true
}

func (r *Runner) release(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != nil && r.active.jobID == jobID {
		r.active.cancel()
		r.active = nil
	}
}

func (r *Runner) run(ctx context.Context, jobID string, cfg trainjob.Config) {
	// Store writes outlive ctx so a stopped job can still record its state.
	store := context.Background()
	started := r.clock.Now()

	if err := r.step(store, jobID, trainjob.StatusPreparing, 0, "preparing dataset"); err != nil {
		r.fail(store, jobID, err)
		return
	}
	if !r.sleep(ctx, r.prepareDelay) {
		r.stopped(store, jobID, 0)
		return
	}

	epochs, _ := cfg.Int(trainjob.KeyEpochs)
	arch, _ := cfg.StringValue(trainjob.KeyModelArch)
	if err := r.step(store, jobID, trainjob.StatusTraining, 0, fmt.Sprintf("loaded pretrained model %s", arch)); err != nil {
		r.fail(store, jobID, err)
		return
	}

	var loss, accuracy float64
	progress := 0
	for epoch := 1; epoch <= epochs; epoch++ {
		if !r.sleep(ctx, r.epochDuration) {
			r.stopped(store, jobID, progress)
			return
		}
		loss, accuracy = epochMetrics(epoch, epochs)
		progress = epoch * 100 / epochs
		msg := fmt.Sprintf("epoch %d/%d loss=%.4f accuracy=%.4f", epoch, epochs, loss, accuracy)
		if err := r.step(store, jobID, trainjob.StatusTraining, progress, msg); err != nil {
			r.fail(store, jobID, err)
			return
		}
	}
	if !r.commit(ctx, jobID) {
		r.stopped(store, jobID, progress)
		return
	}

	result := trainjob.Result{
		Accuracy:     round4(accuracy),
		Loss:         round4(loss),
		TrainingTime: r.clock.Since(started).Seconds(),
	}
	weightsURI, err := r.writeWeights(jobID, cfg, result)
	if err != nil {
		r.fail(store, jobID, err)
		return
	}
	if err := r.store.SetResult(store, jobID, result, weightsURI); err != nil {
		r.fail(store, jobID, err)
		return
	}
	if err := r.step(store, jobID, trainjob.StatusCompleted, 100, "training completed"); err != nil {
		r.fail(store, jobID, err)
		return
	}
	r.logger.Info("training completed", "job_id", jobID, "accuracy", result.Accuracy, "loss", result.Loss)
}

func (r *Runner) step(ctx context.Context, jobID string, status trainjob.Status, progress int, message string) error {
	if err := r.store.AppendLog(ctx, jobID, trainjob.NewLogEntry(r.clock.Now(), message)); err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	if err := r.store.UpdateStatus(ctx, jobID, status, progress, message); err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	return nil
}

func (r *Runner) stopped(ctx context.Context, jobID string, progress int) {
	if err := r.step(ctx, jobID, trainjob.StatusStopped, progress, "training stopped"); err != nil {
		r.logger.Error("record stop", "job_id", jobID, "error", err)
		return
	}
	r.logger.Info("training stopped", "job_id", jobID)
}

func (r *Runner) fail(ctx context.Context, jobID string, err error) {
	r.logger.Error("training failed", "job_id", jobID, "error", err)
	_ = r.store.AppendLog(ctx, jobID, trainjob.NewLogEntry(r.clock.Now(), "training failed: "+err.Error()))
	if updateErr := r.store.UpdateStatus(ctx, jobID, trainjob.StatusError, 0, err.Error()); updateErr != nil {
		r.logger.Error("record failure", "job_id", jobID, "error", updateErr)
	}
}

func (r *Runner) sleep(ctx context.Context, d time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	if d <= 0 {
		return true
	}
	select {
	case <-ctx.Done():
		return false
	case <-r.clock.After(d):
		return true
	}
}

// writeWeights stores a placeholder weights artifact and returns its path.
func (r *Runner) writeWeights(jobID string, cfg trainjob.Config, result trainjob.Result) (string, error) {
	if r.artifactDir == "" {
		return "", nil
	}
	dir := filepath.Join(r.artifactDir, jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}
	payload, err := json.Marshal(map[string]any{
		"job_id":          jobID,
		"hyperparameters": cfg,
		"metrics":         result,
	})
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, artifact.WeightsFile)
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return "", fmt.Errorf("write weights: %w", err)
	}
	return path, nil
}

// epochMetrics produces a smooth, deterministic learning curve.
func epochMetrics(epoch, epochs int) (loss, accuracy float64) {
	x := float64(epoch) / float64(epochs)
	loss = 2.0*math.Exp(-3*x) + 0.05
	accuracy = 0.5 + 0.45*(1-math.Exp(-3*x))
	return loss, accuracy
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}

type nopLogger struct{}

func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
