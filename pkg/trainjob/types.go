package trainjob

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status enumerates the lifecycle states of a training job.
type Status string

const (
	// StatusIdle indicates no job has been started.
	StatusIdle Status = "idle"
	// StatusPreparing indicates the server is organising the dataset.
	StatusPreparing Status = "preparing"
	// StatusTraining indicates epochs are running.
	StatusTraining Status = "training"
	// StatusCompleted indicates the job finished and metrics are available.
	StatusCompleted Status = "completed"
	// StatusStopped indicates the job was stopped on request.
	StatusStopped Status = "stopped"
	// StatusError indicates the job failed.
	StatusError Status = "error"
)

var knownStatuses = map[Status]struct{}{
	StatusIdle:      {},
	StatusPreparing: {},
	StatusTraining:  {},
	StatusCompleted: {},
	StatusStopped:   {},
	StatusError:     {},
}

// ParseStatus validates a wire status string.
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if _, ok := knownStatuses[s]; !ok {
		return "", fmt.Errorf("unknown job status %q", raw)
	}
	return s, nil
}

// UnmarshalJSON rejects statuses outside the known set.
func (s *Status) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseStatus(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// IsTerminal reports whether no client action other than a new start applies.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError
}

// IsActive reports whether the server is still working on the job.
func (s Status) IsActive() bool {
	return s == StatusPreparing || s == StatusTraining
}

// LogEntry is one line of training output.
type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Message   string `json:"message"`
}

// NewLogEntry stamps message with t in RFC3339.
func NewLogEntry(t time.Time, message string) LogEntry {
	return LogEntry{Timestamp: t.UTC().Format(time.RFC3339), Message: message}
}

// Result carries the final metrics of a completed job.
type Result struct {
	Accuracy     float64 `json:"accuracy"`
	Loss         float64 `json:"loss"`
	TrainingTime float64 `json:"training_time"`
}

// StatusResponse is returned by the status endpoint.
type StatusResponse struct {
	Status   Status `json:"status"`
	Message  string `json:"message,omitempty"`
	Progress int    `json:"progress"`
}

// Ack is the success envelope returned by mutating endpoints.
type Ack struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	JobID   string `json:"job_id,omitempty"`
}

// Job is the server-side record of a training run.
type Job struct {
	ID         string     `json:"id"`
	Status     Status     `json:"status"`
	Message    string     `json:"message,omitempty"`
	Progress   int        `json:"progress"`
	Config     Config     `json:"hyperparameters"`
	Result     *Result    `json:"result,omitempty"`
	WeightsURI string     `json:"weights_uri,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// PageWindow returns the [start, end) slice bounds for a 1-based page.
// A non-positive size selects everything.
func PageWindow(total, page, size int) (int, int) {
	if size <= 0 {
		return 0, total
	}
	if page < 1 {
		page = 1
	}
	start := (page - 1) * size
	if start >= total {
		return total, total
	}
	end := start + size
	if end > total {
		end = total
	}
	return start, end
}
