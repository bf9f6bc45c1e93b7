// Package monitor keeps a local, eventually consistent view of one training
// job: its status, hyperparameters, log window and final metrics. It mediates
// start/stop/save requests against a training API and refreshes the log
// window on a fixed interval while the job is training.
package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/vyvo/trainconsole/pkg/trainjob"
)

// DefaultPollInterval is the log refresh period while training.
const DefaultPollInterval = 3 * time.Second

// ErrClosed is returned by operations on a monitor after Close.
var ErrClosed = errors.New("monitor closed")

// API is the subset of the training API the monitor depends on.
type API interface {
	GetStatus(ctx context.Context) (trainjob.StatusResponse, error)
	Start(ctx context.Context, cfg trainjob.Config) (trainjob.Ack, error)
	Stop(ctx context.Context) (trainjob.Ack, error)
	GetResult(ctx context.Context) (trainjob.Result, error)
	GetConfig(ctx context.Context) (trainjob.Config, error)
	UpdateConfig(ctx context.Context, cfg trainjob.Config) (trainjob.Ack, error)
	GetLogs(ctx context.Context, page, pageSize int) ([]trainjob.LogEntry, error)
}

// Logger is the observability sink for failures that are not returned.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// State is a point-in-time copy of the monitor's view.
type State struct {
	Status   trainjob.Status     `json:"status"`
	Message  string              `json:"message,omitempty"`
	Progress int                 `json:"progress"`
	Config   trainjob.Config     `json:"config"`
	Logs     []trainjob.LogEntry `json:"logs"`
	Result   *trainjob.Result    `json:"result,omitempty"`
	Polling  bool                `json:"polling"`
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock replaces the wall clock driving the poll ticker.
func WithClock(clock clockwork.Clock) Option {
	return func(m *Monitor) { m.clock = clock }
}

// WithPollInterval overrides DefaultPollInterval.
func WithPollInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithLogPage selects the log window fetched on every refresh.
// A non-positive size fetches the whole log.
func WithLogPage(page, size int) Option {
	return func(m *Monitor) {
		m.logPage = page
		m.logPageSize = size
	}
}

// WithLogger sets the observability sink.
func WithLogger(logger Logger) Option {
	return func(m *Monitor) { m.logger = logger }
}

// Monitor owns the state of one observed job. All methods are safe for
// concurrent use.
type Monitor struct {
	api         API
	clock       clockwork.Clock
	interval    time.Duration
	logPage     int
	logPageSize int
	logger      Logger

	mu       sync.Mutex
	status   trainjob.Status
	message  string
	progress int
	config   trainjob.Config
	logs     []trainjob.LogEntry
	result   *trainjob.Result
	poll     *poller
	closed   bool
}

// poller is the single owned timer resource. done is closed exactly once by
// StopPolling or Close.
type poller struct {
	ticker clockwork.Ticker
	done   chan struct{}
}

// New creates a monitor in the idle state. Call Initialize to load the
// server's view and Close when the observing view goes away.
func New(api API, opts ...Option) *Monitor {
	m := &Monitor{
		api:      api,
		clock:    clockwork.NewRealClock(),
		interval: DefaultPollInterval,
		logPage:  1,
		logger:   nopLogger{},
		status:   trainjob.StatusIdle,
		config:   trainjob.Config{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Initialize fetches status and config concurrently. Failures are logged and
// leave the corresponding field at its previous value. When the job is
// already training, polling starts.
func (m *Monitor) Initialize(ctx context.Context) {
	var g errgroup.Group
	g.Go(func() error {
		if err := m.Refresh(ctx); err != nil && !errors.Is(err, ErrClosed) {
			m.logger.Error("fetch training status failed", "error", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := m.FetchConfig(ctx); err != nil && !errors.Is(err, ErrClosed) {
			m.logger.Error("fetch training config failed", "error", err)
		}
		return nil
	})
	_ = g.Wait()
}

// Refresh re-reads the server's status. When it reports training, polling
// starts; other statuses leave polling as it is.
func (m *Monitor) Refresh(ctx context.Context) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	resp, err := m.api.GetStatus(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.logger.Debug("discarding status response after close")
		return nil
	}
	m.status = resp.Status
	m.message = resp.Message
	m.progress = resp.Progress
	m.mu.Unlock()

	if resp.Status == trainjob.StatusTraining {
		m.StartPolling()
	}
	return nil
}

// FetchConfig re-reads the stored hyperparameters.
func (m *Monitor) FetchConfig(ctx context.Context) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	cfg, err := m.api.GetConfig(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.config = cfg.Clone()
	return nil
}

// Start submits cfg. The status becomes training only after the server
// accepts; a failed request leaves it unchanged.
//
// Start does not deduplicate concurrent calls. Callers must gate their start
// control while a call is in flight.
func (m *Monitor) Start(ctx context.Context, cfg trainjob.Config) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	if _, err := m.api.Start(ctx, cfg.Clone()); err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.status = trainjob.StatusTraining
	m.message = ""
	m.progress = 0
	m.mu.Unlock()

	m.StartPolling()
	return nil
}

// Stop requests the job to stop. Polling is cancelled whether or not the
// request succeeds.
func (m *Monitor) Stop(ctx context.Context) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	defer m.StopPolling()

	if _, err := m.api.Stop(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.status = trainjob.StatusStopped
	}
	return nil
}

// FetchLogs replaces the log window with the server's current one. The last
// response to arrive wins.
func (m *Monitor) FetchLogs(ctx context.Context) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	logs, err := m.api.GetLogs(ctx, m.logPage, m.logPageSize)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		m.logger.Debug("discarding log response after close", "entries", len(logs))
		return nil
	}
	m.logs = append([]trainjob.LogEntry(nil), logs...)
	return nil
}

// FetchResult stores whatever metrics the server returns, regardless of status.
func (m *Monitor) FetchResult(ctx context.Context) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	res, err := m.api.GetResult(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.result = &res
	return nil
}

// SaveConfig persists cfg and adopts it locally once the server accepts.
func (m *Monitor) SaveConfig(ctx context.Context, cfg trainjob.Config) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	if _, err := m.api.UpdateConfig(ctx, cfg.Clone()); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.config = cfg.Clone()
	return nil
}

// StartPolling begins refreshing logs every interval. It is a no-op when a
// poll timer already exists or the monitor is closed.
func (m *Monitor) StartPolling() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.poll != nil {
		return
	}
	p := &poller{
		ticker: m.clock.NewTicker(m.interval),
		done:   make(chan struct{}),
	}
	m.poll = p
	go m.runPoller(p)
	m.logger.Debug("log polling started", "interval", m.interval)
}

// StopPolling releases the poll timer if one exists.
func (m *Monitor) StopPolling() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releasePollLocked()
}

// Close tears the monitor down: the poll timer is released and responses
// that arrive afterwards are discarded. Close is idempotent.
func (m *Monitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releasePollLocked()
	m.closed = true
}

// Polling reports whether a poll timer is active.
func (m *Monitor) Polling() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.poll != nil
}

// Status returns the cached job status.
func (m *Monitor) Status() trainjob.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Snapshot copies the current view.
func (m *Monitor) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := State{
		Status:   m.status,
		Message:  m.message,
		Progress: m.progress,
		Config:   m.config.Clone(),
		Logs:     append([]trainjob.LogEntry(nil), m.logs...),
		Polling:  m.poll != nil,
	}
	if m.result != nil {
		res := *m.result
		st.Result = &res
	}
	return st
}

func (m *Monitor) releasePollLocked() {
	if m.poll == nil {
		return
	}
	m.poll.ticker.Stop()
	close(m.poll.done)
	m.poll = nil
	m.logger.Debug("log polling stopped")
}

func (m *Monitor) runPoller(p *poller) {
	for {
		select {
		case <-p.done:
			return
		case <-p.ticker.Chan():
			// Ticks never wait on each other.
			go m.tick(p)
		}
	}
}

func (m *Monitor) tick(p *poller) {
	m.mu.Lock()
	current := m.poll == p
	m.mu.Unlock()
	if !current {
		return
	}
	if err := m.FetchLogs(context.Background()); err != nil && !errors.Is(err, ErrClosed) {
		m.logger.Error("poll training logs failed", "error", err)
	}
}

func (m *Monitor) checkOpen() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
