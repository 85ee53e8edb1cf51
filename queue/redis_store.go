package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisStore keeps jobs in three keys under a prefix: a sorted set of ready
// job ids scored by RunAt, a sorted set of claimed ids scored by their
// visibility deadline, and a hash of encoded jobs. Claimed jobs whose deadline
// passes without an ack are returned to the ready set.
type RedisStore struct {
	client     *redis.Client
	prefix     string
	visibility time.Duration
}

func NewRedisStore(client *redis.Client, prefix string, visibility time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "crmflow:jobs"
	}
	if visibility <= 0 {
		visibility = 5 * time.Minute
	}
	return &RedisStore{
		client:     client,
		prefix:     prefix,
		visibility: visibility,
	}
}

func (s *RedisStore) readyKey() string      { return s.prefix + ":ready" }
func (s *RedisStore) processingKey() string { return s.prefix + ":processing" }
func (s *RedisStore) dataKey() string       { return s.prefix + ":data" }

func (s *RedisStore) Push(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.dataKey(), job.ID, data)
		pipe.ZAdd(ctx, s.readyKey(), &redis.Z{Score: float64(job.RunAt), Member: job.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("push job %s: %w", job.ID, err)
	}
	return nil
}

// claimScript releases claims whose visibility deadline has passed, then moves
// up to ARGV[3] due ids from the ready set to the processing set and returns
// them as id, data pairs. Ids without data are dropped. Running as one script
// means a job is always in exactly one of the two sets.
//
// KEYS: ready, processing, data. ARGV: now ms, deadline ms, limit (0 = all).
var claimScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local stalled = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', now)
for _, id in ipairs(stalled) do
  redis.call('ZREM', KEYS[2], id)
  redis.call('ZADD', KEYS[1], now, id)
end

local limit = tonumber(ARGV[3])
local ids
if limit > 0 then
  ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', now, 'LIMIT', 0, limit)
else
  ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', now)
end

local out = {}
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  local data = redis.call('HGET', KEYS[3], id)
  if data then
    redis.call('ZADD', KEYS[2], ARGV[2], id)
    table.insert(out, id)
    table.insert(out, data)
  end
end
return out
`)

func (s *RedisStore) Claim(ctx context.Context, now time.Time, limit int) ([]*Job, error) {
	if limit < 0 {
		limit = 0
	}
	keys := []string{s.readyKey(), s.processingKey(), s.dataKey()}
	res, err := claimScript.Run(ctx, s.client, keys,
		now.UnixMilli(),
		now.Add(s.visibility).UnixMilli(),
		limit,
	).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}

	jobs := make([]*Job, 0, len(res)/2)
	for i := 0; i+1 < len(res); i += 2 {
		id, _ := res[i].(string)
		data, _ := res[i+1].(string)

		var job Job
		if err := json.Unmarshal([]byte(data), &job); err != nil {
			return jobs, fmt.Errorf("decode job %s: %w", id, err)
		}
		jobs = append(jobs, &job)
	}
	return jobs, nil
}

func (s *RedisStore) Ack(ctx context.Context, job *Job) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, s.processingKey(), job.ID)
		pipe.HDel(ctx, s.dataKey(), job.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("ack job %s: %w", job.ID, err)
	}
	return nil
}

func (s *RedisStore) Retry(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, s.processingKey(), job.ID)
		pipe.HSet(ctx, s.dataKey(), job.ID, data)
		pipe.ZAdd(ctx, s.readyKey(), &redis.Z{Score: float64(job.RunAt), Member: job.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("retry job %s: %w", job.ID, err)
	}
	return nil
}

// Len counts waiting and in-flight jobs
func (s *RedisStore) Len(ctx context.Context) (int, error) {
	n, err := s.client.HLen(ctx, s.dataKey()).Result()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *RedisStore) Clear(ctx context.Context) error {
	return s.client.Del(ctx, s.readyKey(), s.processingKey(), s.dataKey()).Err()
}
