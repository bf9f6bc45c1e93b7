package trainstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/vyvo/trainconsole/pkg/trainjob"
)

// PostgresStore persists jobs, logs and config to Postgres.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(conn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", conn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	db.SetMaxIdleConns(5)
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(time.Hour)

	s := &PostgresStore{db: db}
	if err := s.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS training_jobs (
    id TEXT PRIMARY KEY,
    status TEXT NOT NULL,
    message TEXT NOT NULL DEFAULT '',
    progress INTEGER NOT NULL DEFAULT 0,
    hyperparameters JSONB NOT NULL,
    result JSONB,
    weights_uri TEXT,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    finished_at TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS training_job_logs (
    id BIGSERIAL PRIMARY KEY,
    job_id TEXT NOT NULL REFERENCES training_jobs(id) ON DELETE CASCADE,
    logged_at TEXT NOT NULL,
    message TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS training_job_logs_job_idx ON training_job_logs (job_id, id);
CREATE TABLE IF NOT EXISTS training_config (
    id SMALLINT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
    data JSONB NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
`
	_, err := s.db.Exec(schema)
	return err
}

func (s *PostgresStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

const jobColumns = `id, status, message, progress, hyperparameters, result, weights_uri, created_at, updated_at, finished_at`

func (s *PostgresStore) CreateJob(ctx context.Context, job trainjob.Job) error {
	cfg, err := json.Marshal(job.Config)
	if err != nil {
		return fmt.Errorf("marshal hyperparameters: %w", err)
	}
	query := `INSERT INTO training_jobs (id, status, message, progress, hyperparameters, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)`
	_, err = s.db.ExecContext(ctx, query,
		job.ID,
		job.Status,
		job.Message,
		job.Progress,
		cfg,
		job.CreatedAt,
		job.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (trainjob.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM training_jobs WHERE id=$1`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return trainjob.Job{}, ErrNotFound
	}
	return job, err
}

func (s *PostgresStore) CurrentJob(ctx context.Context) (trainjob.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM training_jobs ORDER BY created_at DESC LIMIT 1`)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return trainjob.Job{}, ErrNotFound
	}
	return job, err
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, status trainjob.Status, progress int, message string) error {
	job := trainjob.Job{}
	applyStatus(&job, status, progress, message, time.Now().UTC())
	query := `UPDATE training_jobs SET status=$1, progress=$2, message=$3, updated_at=$4, finished_at=COALESCE($5, finished_at) WHERE id=$6`
	res, err := s.db.ExecContext(ctx, query, job.Status, job.Progress, job.Message, job.UpdatedAt, job.FinishedAt, id)
	if err != nil {
		return err
	}
	return requireRow(res, id)
}

func (s *PostgresStore) AppendLog(ctx context.Context, id string, entry trainjob.LogEntry) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO training_job_logs (job_id, logged_at, message) VALUES ($1,$2,$3)`, id, entry.Timestamp, entry.Message)
	return err
}

func (s *PostgresStore) Logs(ctx context.Context, id string, page, pageSize int) ([]trainjob.LogEntry, error) {
	if _, err := s.GetJob(ctx, id); err != nil {
		return nil, err
	}
	query := `SELECT logged_at, message FROM training_job_logs WHERE job_id=$1 ORDER BY id ASC`
	args := []any{id}
	if pageSize > 0 {
		if page < 1 {
			page = 1
		}
		query += ` LIMIT $2 OFFSET $3`
		args = append(args, pageSize, (page-1)*pageSize)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []trainjob.LogEntry{}
	for rows.Next() {
		var e trainjob.LogEntry
		if err := rows.Scan(&e.Timestamp, &e.Message); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) SetResult(ctx context.Context, id string, result trainjob.Result, weightsURI string) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE training_jobs SET result=$1, weights_uri=$2, updated_at=$3 WHERE id=$4`, payload, weightsURI, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(res, id)
}

func (s *PostgresStore) Config(ctx context.Context) (trainjob.Config, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM training_config WHERE id=1`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg trainjob.Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

func (s *PostgresStore) SaveConfig(ctx context.Context, cfg trainjob.Config) error {
	payload, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	query := `INSERT INTO training_config (id, data, updated_at) VALUES (1, $1, $2)
ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`
	_, err = s.db.ExecContext(ctx, query, payload, time.Now().UTC())
	return err
}

func (s *PostgresStore) ListJobs(ctx context.Context) ([]trainjob.Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM training_jobs ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []trainjob.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (trainjob.Job, error) {
	var (
		job        trainjob.Job
		status     string
		cfgRaw     []byte
		resultRaw  []byte
		weights    sql.NullString
		finishedAt sql.NullTime
	)
	if err := row.Scan(&job.ID, &status, &job.Message, &job.Progress, &cfgRaw, &resultRaw, &weights, &job.CreatedAt, &job.UpdatedAt, &finishedAt); err != nil {
		return trainjob.Job{}, err
	}
	parsed, err := trainjob.ParseStatus(status)
	if err != nil {
		return trainjob.Job{}, err
	}
	job.Status = parsed
	if err := json.Unmarshal(cfgRaw, &job.Config); err != nil {
		return trainjob.Job{}, fmt.Errorf("decode hyperparameters: %w", err)
	}
	if len(resultRaw) > 0 {
		var res trainjob.Result
		if err := json.Unmarshal(resultRaw, &res); err != nil {
			return trainjob.Job{}, fmt.Errorf("decode result: %w", err)
		}
		job.Result = &res
	}
	if weights.Valid {
		job.WeightsURI = weights.String
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		job.FinishedAt = &t
	}
	return job, nil
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return nil
}

var _ Store = (*PostgresStore)(nil)
