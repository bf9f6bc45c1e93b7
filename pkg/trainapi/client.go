package trainapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyvo/trainconsole/pkg/auth"
	"github.com/vyvo/trainconsole/pkg/trainjob"
)

const tracerName = "github.com/vyvo/trainconsole/pkg/trainapi"

var (
	// ErrNotFound is returned when the server reports a missing job or result.
	ErrNotFound = errors.New("resource not found")
	// ErrRejected is returned when the server answers {"success": false}.
	ErrRejected = errors.New("request rejected")
)

// APIError describes a non-success HTTP response.
type APIError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s failed: HTTP %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s failed: HTTP %d: %s", e.Op, e.StatusCode, e.Message)
}

// Options tune a Client.
type Options struct {
	// JobID selects a job; empty addresses the server's current job.
	JobID      string
	AuthScheme string
	AuthToken  string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client talks to the training API over HTTP.
type Client struct {
	baseURL    string
	jobID      string
	authHeader string
	httpClient *http.Client
}

// NewClient creates a new training API client with sane defaults.
func NewClient(baseURL string, opts Options) *Client {
	trimmed := strings.TrimSuffix(baseURL, "/")
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	c := &Client{
		baseURL:    trimmed,
		jobID:      opts.JobID,
		httpClient: httpClient,
	}
	if opts.AuthToken != "" {
		scheme := opts.AuthScheme
		if scheme == "" {
			scheme = "Bearer"
		}
		c.authHeader = auth.HeaderValue(scheme, opts.AuthToken)
	}
	return c
}

// GetStatus fetches the job status.
func (c *Client) GetStatus(ctx context.Context) (trainjob.StatusResponse, error) {
	var out trainjob.StatusResponse
	err := c.do(ctx, "get status", http.MethodGet, "/train/status", nil, nil, &out)
	return out, err
}

// Start submits a config and starts training.
func (c *Client) Start(ctx context.Context, cfg trainjob.Config) (trainjob.Ack, error) {
	return c.ack(ctx, "start training", http.MethodPost, "/train/start", cfg)
}

// Stop requests the running job to stop.
func (c *Client) Stop(ctx context.Context) (trainjob.Ack, error) {
	return c.ack(ctx, "stop training", http.MethodPost, "/train/stop", nil)
}

// GetResult fetches the final metrics.
func (c *Client) GetResult(ctx context.Context) (trainjob.Result, error) {
	var out trainjob.Result
	err := c.do(ctx, "get result", http.MethodGet, "/train/result", nil, nil, &out)
	return out, err
}

// GetConfig fetches the stored hyperparameters.
func (c *Client) GetConfig(ctx context.Context) (trainjob.Config, error) {
	var out trainjob.Config
	if err := c.do(ctx, "get config", http.MethodGet, "/train/config", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateConfig persists hyperparameters.
func (c *Client) UpdateConfig(ctx context.Context, cfg trainjob.Config) (trainjob.Ack, error) {
	return c.ack(ctx, "update config", http.MethodPut, "/train/config", cfg)
}

// GetLogs fetches one page of the log window. pageSize <= 0 requests the whole log.
func (c *Client) GetLogs(ctx context.Context, page, pageSize int) ([]trainjob.LogEntry, error) {
	query := url.Values{}
	if pageSize > 0 {
		query.Set("page", strconv.Itoa(page))
		query.Set("page_size", strconv.Itoa(pageSize))
	}
	var out []trainjob.LogEntry
	if err := c.do(ctx, "get logs", http.MethodGet, "/train/logs", query, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListJobs fetches the job history.
func (c *Client) ListJobs(ctx context.Context) ([]trainjob.Job, error) {
	var out []trainjob.Job
	if err := c.do(ctx, "list jobs", http.MethodGet, "/train/jobs", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ack(ctx context.Context, op, method, path string, body any) (trainjob.Ack, error) {
	var out trainjob.Ack
	if err := c.do(ctx, op, method, path, nil, body, &out); err != nil {
		return trainjob.Ack{}, err
	}
	if !out.Success {
		if out.Message == "" {
			return out, fmt.Errorf("%s: %w", op, ErrRejected)
		}
		return out, fmt.Errorf("%s: %w: %s", op, ErrRejected, out.Message)
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body any, out any) (err error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "trainapi."+strings.ReplaceAll(op, " ", "_"),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("http.method", method), attribute.String("http.route", path)),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if c.jobID != "" {
		if query == nil {
			query = url.Values{}
		}
		query.Set("job_id", c.jobID)
	}
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s request: %w", op, err)
		}
		reader = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create %s request: %w", op, err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	if c.authHeader != "" {
		httpReq.Header.Set("Authorization", c.authHeader)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return &APIError{Op: op, StatusCode: resp.StatusCode, Message: errorMessage(payload)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", op, err)
	}
	return nil
}

// errorMessage prefers the server's "message" field over the raw body.
func errorMessage(payload []byte) string {
	var envelope struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(payload, &envelope); err == nil {
		if envelope.Message != "" {
			return envelope.Message
		}
		if envelope.Error != "" {
			return envelope.Error
		}
	}
	return strings.TrimSpace(string(payload))
}
