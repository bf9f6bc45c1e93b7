package trainstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vyvo/trainconsole/pkg/trainjob"
)

const (
	jobTTL        = 30 * 24 * time.Hour
	keyJobIndex   = "train:jobs"
	keyCurrentJob = "train:current"
	keyConfig     = "train:config"
)

// RedisStore keeps jobs as JSON documents with a list per job log.
type RedisStore struct {
	redis *redis.Client
}

func NewRedisStore(redisURL string) (*RedisStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStore{redis: client}, nil
}

func jobKey(id string) string  { return fmt.Sprintf("train:job:%s", id) }
func logsKey(id string) string { return fmt.Sprintf("train:job:%s:logs", id) }

func (s *RedisStore) CreateJob(ctx context.Context, job trainjob.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	ok, err := s.redis.SetNX(ctx, jobKey(job.ID), data, jobTTL).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("job %s already exists", job.ID)
	}

	pipe := s.redis.TxPipeline()
	pipe.ZAdd(ctx, keyJobIndex, redis.Z{Score: float64(job.CreatedAt.UnixNano()), Member: job.ID})
	pipe.Set(ctx, keyCurrentJob, job.ID, 0)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) GetJob(ctx context.Context, id string) (trainjob.Job, error) {
	data, err := s.redis.Get(ctx, jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return trainjob.Job{}, ErrNotFound
	}
	if err != nil {
		return trainjob.Job{}, err
	}

	var job trainjob.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return trainjob.Job{}, fmt.Errorf("decode job %s: %w", id, err)
	}
	return job, nil
}

func (s *RedisStore) CurrentJob(ctx context.Context) (trainjob.Job, error) {
	id, err := s.redis.Get(ctx, keyCurrentJob).Result()
	if errors.Is(err, redis.Nil) {
		return trainjob.Job{}, ErrNotFound
	}
	if err != nil {
		return trainjob.Job{}, err
	}
	return s.GetJob(ctx, id)
}

func (s *RedisStore) UpdateStatus(ctx context.Context, id string, status trainjob.Status, progress int, message string) error {
	return s.update(ctx, id, func(job *trainjob.Job) {
		applyStatus(job, status, progress, message, time.Now().UTC())
	})
}

func (s *RedisStore) AppendLog(ctx context.Context, id string, entry trainjob.LogEntry) error {
	if n, err := s.redis.Exists(ctx, jobKey(id)).Result(); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	pipe := s.redis.TxPipeline()
	pipe.RPush(ctx, logsKey(id), data)
	pipe.Expire(ctx, logsKey(id), jobTTL)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Logs(ctx context.Context, id string, page, pageSize int) ([]trainjob.LogEntry, error) {
	if n, err := s.redis.Exists(ctx, jobKey(id)).Result(); err != nil {
		return nil, err
	} else if n == 0 {
		return nil, ErrNotFound
	}
	total, err := s.redis.LLen(ctx, logsKey(id)).Result()
	if err != nil {
		return nil, err
	}
	start, end := trainjob.PageWindow(int(total), page, pageSize)
	out := []trainjob.LogEntry{}
	if start == end {
		return out, nil
	}
	raw, err := s.redis.LRange(ctx, logsKey(id), int64(start), int64(end-1)).Result()
	if err != nil {
		return nil, err
	}
	for _, item := range raw {
		var entry trainjob.LogEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			return nil, fmt.Errorf("decode log entry: %w", err)
		}
		out = append(out, entry)
	}
	return out, nil
}

func (s *RedisStore) SetResult(ctx context.Context, id string, result trainjob.Result, weightsURI string) error {
	return s.update(ctx, id, func(job *trainjob.Job) {
		res := result
		job.Result = &res
		job.WeightsURI = weightsURI
		job.UpdatedAt = time.Now().UTC()
	})
}

func (s *RedisStore) Config(ctx context.Context) (trainjob.Config, error) {
	data, err := s.redis.Get(ctx, keyConfig).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg trainjob.Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

func (s *RedisStore) SaveConfig(ctx context.Context, cfg trainjob.Config) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	return s.redis.Set(ctx, keyConfig, data, 0).Err()
}

func (s *RedisStore) ListJobs(ctx context.Context) ([]trainjob.Job, error) {
	ids, err := s.redis.ZRevRange(ctx, keyJobIndex, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	jobs := make([]trainjob.Job, 0, len(ids))
	for _, id := range ids {
		job, err := s.GetJob(ctx, id)
		if errors.Is(err, ErrNotFound) {
			// expired; the index entry outlived the document
			continue
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (s *RedisStore) Close() error {
	return s.redis.Close()
}

func (s *RedisStore) update(ctx context.Context, id string, fn func(job *trainjob.Job)) error {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		return err
	}
	fn(&job)
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return s.redis.Set(ctx, jobKey(id), data, jobTTL).Err()
}

var _ Store = (*RedisStore)(nil)
