// Package queue hands build job ids from the API producer to the runner.
// Redis holds three structures: a ready list, a scheduled zset for deferred
// retries, and an in-flight zset scored by lease deadline.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"appfactory/internal/config"
)

const (
	readyKey     = "builds:ready"
	scheduledKey = "builds:scheduled"
	inflightKey  = "builds:inflight"
)

// BuildQueue coordinates ready, in-flight, and scheduled build jobs in Redis.
type BuildQueue struct {
	client        *redis.Client
	visibilityTTL time.Duration
}

// New builds a queue client from config.
func New(cfg config.Config) *BuildQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewWithClient(client, cfg.VisibilityTimeout)
}

// NewWithClient wraps an existing client, mainly for tests.
func NewWithClient(client *redis.Client, visibility time.Duration) *BuildQueue {
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	return &BuildQueue{client: client, visibilityTTL: visibility}
}

// Enqueue makes a job available to the runner, immediately or at runAt.
func (q *BuildQueue) Enqueue(ctx context.Context, jobID string, runAt time.Time) error {
	if runAt.After(time.Now()) {
		return q.client.ZAdd(ctx, scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: jobID}).Err()
	}
	return q.client.RPush(ctx, readyKey, jobID).Err()
}

// PromoteScheduled moves due scheduled jobs into the ready list and returns
// how many were promoted.
func (q *BuildQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, scheduledKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, scheduledKey, id)
		pipe.RPush(ctx, readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// DequeueWithLease pops the next ready job and places it into the in-flight
// set with a visibility timeout. Returns "" when nothing is ready.
func (q *BuildQueue) DequeueWithLease(ctx context.Context) (string, error) {
	res, err := dequeueScript.Run(ctx, q.client,
		[]string{readyKey, inflightKey},
		time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	jobID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return jobID, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight job.
func (q *BuildQueue) ExtendLease(ctx context.Context, jobID string, extension time.Duration) error {
	return q.client.ZAdd(ctx, inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: jobID,
	}).Err()
}

// Ack removes a job from in-flight tracking.
func (q *BuildQueue) Ack(ctx context.Context, jobID string) error {
	return q.client.ZRem(ctx, inflightKey, jobID).Err()
}

// RequeueExpired reclaims leases that timed out, re-enqueuing their jobs.
func (q *BuildQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, inflightKey, id)
		pipe.RPush(ctx, readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// ReadyDepth returns the number of jobs waiting for a runner.
func (q *BuildQueue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, readyKey).Result()
}

var dequeueScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('ZADD', KEYS[2], ARGV[1], job)
  return job
end
return nil
`)
