// Package queue provides the Redis-backed job queue and worker pool.
//
// Jobs are added with LPUSH and retrieved with BRPOP for reliable FIFO
// processing with blocking wait support. Each topic fans out into one
// list per priority band; BRPOP's key ordering gives strict priority
// dequeue. Delayed jobs wait in a sorted set scored by visibility time
// until PromoteDelayed moves them into the lists.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/driptide/driptide/core"
)

// Priority bands. Lower values dequeue first.
const (
	PriorityHigh   = 0
	PriorityNormal = 1
	PriorityLow    = 2

	priorityBands = 3
)

// RedisQueue implements core.Queue using Redis lists and sorted sets.
//
// Key layout per topic:
//
//	queue:{topic}:p{0..2}     priority lists (LPUSH / BRPOP)
//	queue:{topic}:delayed     zset of JSON jobs scored by visibility time
//	queue:{topic}:paused      flag key, present while paused
//	queue:{topic}:counters    hash of processed/failed/retried totals
type RedisQueue struct {
	client *redis.Client
	config RedisQueueConfig
	clock  core.Clock
	logger core.Logger
}

// RedisQueueConfig configures the Redis queue.
type RedisQueueConfig struct {
	// KeyPrefix namespaces all keys.
	// Default: "driptide:"
	KeyPrefix string `json:"key_prefix"`

	// Clock is injected for determinism in tests.
	Clock core.Clock `json:"-"`

	// Logger is an optional logger for queue operations.
	Logger core.Logger `json:"-"`
}

// NewRedisQueue creates a Redis-backed queue.
// The client should already be connected to Redis.
func NewRedisQueue(client *redis.Client, config *RedisQueueConfig) *RedisQueue {
	if config == nil {
		config = &RedisQueueConfig{}
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "driptide:"
	}
	if config.Clock == nil {
		config.Clock = core.NewRealClock()
	}

	return &RedisQueue{
		client: client,
		config: *config,
		clock:  config.Clock,
		logger: core.ComponentLogger(config.Logger, "queue"),
	}
}

func (q *RedisQueue) listKey(topic string, priority int) string {
	return fmt.Sprintf("%squeue:%s:p%d", q.config.KeyPrefix, topic, priority)
}

func (q *RedisQueue) delayedKey(topic string) string {
	return q.config.KeyPrefix + "queue:" + topic + ":delayed"
}

func (q *RedisQueue) pausedKey(topic string) string {
	return q.config.KeyPrefix + "queue:" + topic + ":paused"
}

func (q *RedisQueue) countersKey(topic string) string {
	return q.config.KeyPrefix + "queue:" + topic + ":counters"
}

func clampPriority(p int) int {
	if p < PriorityHigh {
		return PriorityHigh
	}
	if p > PriorityLow {
		return PriorityLow
	}
	return p
}

// Enqueue appends a job to the topic at its priority band.
func (q *RedisQueue) Enqueue(ctx context.Context, topic string, job *core.Job) error {
	data, err := q.prepare(topic, job)
	if err != nil {
		return err
	}

	if err := q.client.LPush(ctx, q.listKey(topic, clampPriority(job.Priority)), data).Err(); err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	if job.Attempts > 0 {
		q.client.HIncrBy(ctx, q.countersKey(topic), "retried", 1)
	}

	q.logger.Debug("Job enqueued", map[string]interface{}{
		"job_id":   job.ID,
		"job_type": job.Type,
		"topic":    topic,
		"priority": job.Priority,
	})
	return nil
}

// EnqueueDelayed holds the job invisible until visibleAt. A later
// PromoteDelayed call moves it into the priority lists.
func (q *RedisQueue) EnqueueDelayed(ctx context.Context, topic string, job *core.Job, visibleAt time.Time) error {
	data, err := q.prepare(topic, job)
	if err != nil {
		return err
	}

	err = q.client.ZAdd(ctx, q.delayedKey(topic), &redis.Z{
		Score:  float64(visibleAt.UnixMilli()),
		Member: data,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to enqueue delayed job: %w", err)
	}
	if job.Attempts > 0 {
		q.client.HIncrBy(ctx, q.countersKey(topic), "retried", 1)
	}

	q.logger.Debug("Job enqueued with delay", map[string]interface{}{
		"job_id":     job.ID,
		"job_type":   job.Type,
		"topic":      topic,
		"visible_at": visibleAt.Format(time.RFC3339),
	})
	return nil
}

func (q *RedisQueue) prepare(topic string, job *core.Job) ([]byte, error) {
	if job == nil {
		return nil, fmt.Errorf("job cannot be nil")
	}
	if job.ID == "" {
		return nil, fmt.Errorf("job ID cannot be empty")
	}
	if topic == "" {
		return nil, fmt.Errorf("topic cannot be empty")
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = q.clock.Now()
	}

	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize job: %w", err)
	}
	return data, nil
}

// Dequeue blocks up to timeout for the next job, highest priority band
// first. Returns nil, nil if the timeout expires with no job, and
// ErrQueuePaused while the topic is paused.
func (q *RedisQueue) Dequeue(ctx context.Context, topic string, timeout time.Duration) (*core.Job, error) {
	paused, err := q.client.Exists(ctx, q.pausedKey(topic)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to check pause flag: %w", err)
	}
	if paused > 0 {
		return nil, core.ErrQueuePaused
	}

	// BRPOP serves the first non-empty key in argument order, which is
	// exactly the priority ordering we want.
	keys := make([]string, 0, priorityBands)
	for p := PriorityHigh; p <= PriorityLow; p++ {
		keys = append(keys, q.listKey(topic, p))
	}

	result, err := q.client.BRPop(ctx, timeout, keys...).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to dequeue job: %w", err)
	}
	if len(result) < 2 {
		return nil, fmt.Errorf("unexpected BRPOP result format")
	}

	var job core.Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		return nil, fmt.Errorf("failed to deserialize job: %w", err)
	}

	q.client.HIncrBy(ctx, q.countersKey(topic), "processed", 1)

	q.logger.Debug("Job dequeued", map[string]interface{}{
		"job_id":   job.ID,
		"job_type": job.Type,
		"topic":    topic,
	})
	return &job, nil
}

// PromoteDelayed moves jobs whose visibility time has passed into the
// priority lists. ZRem decides the winner when several replicas promote
// the same topic, so each job surfaces exactly once.
func (q *RedisQueue) PromoteDelayed(ctx context.Context, topic string, now time.Time) (int, error) {
	members, err := q.client.ZRangeByScore(ctx, q.delayedKey(topic), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to scan delayed jobs: %w", err)
	}

	promoted := 0
	for _, member := range members {
		won, err := q.client.ZRem(ctx, q.delayedKey(topic), member).Result()
		if err != nil {
			return promoted, fmt.Errorf("failed to claim delayed job: %w", err)
		}
		if won == 0 {
			continue
		}

		var job core.Job
		if err := json.Unmarshal([]byte(member), &job); err != nil {
			q.logger.Error("Dropping undecodable delayed job", map[string]interface{}{
				"topic": topic,
				"error": err.Error(),
			})
			continue
		}
		if err := q.client.LPush(ctx, q.listKey(topic, clampPriority(job.Priority)), member).Err(); err != nil {
			return promoted, fmt.Errorf("failed to promote job %s: %w", job.ID, err)
		}
		promoted++
	}

	if promoted > 0 {
		q.logger.Info("Delayed jobs promoted", map[string]interface{}{
			"topic":    topic,
			"promoted": promoted,
		})
	}
	return promoted, nil
}

// Pause stops Dequeue on the topic until Resume. Enqueue keeps working,
// so backlog accumulates rather than being lost.
func (q *RedisQueue) Pause(ctx context.Context, topic string) error {
	if err := q.client.Set(ctx, q.pausedKey(topic), "1", 0).Err(); err != nil {
		return fmt.Errorf("failed to pause topic: %w", err)
	}
	q.logger.Info("Topic paused", map[string]interface{}{"topic": topic})
	return nil
}

// Resume lifts a pause.
func (q *RedisQueue) Resume(ctx context.Context, topic string) error {
	if err := q.client.Del(ctx, q.pausedKey(topic)).Err(); err != nil {
		return fmt.Errorf("failed to resume topic: %w", err)
	}
	q.logger.Info("Topic resumed", map[string]interface{}{"topic": topic})
	return nil
}

// RecordFailure counts a job that exhausted its retries. Workers call
// this through an optional interface check.
func (q *RedisQueue) RecordFailure(ctx context.Context, topic string) {
	q.client.HIncrBy(ctx, q.countersKey(topic), "failed", 1)
}

// Stats returns a point-in-time snapshot of the topic.
func (q *RedisQueue) Stats(ctx context.Context, topic string) (*core.QueueStats, error) {
	stats := &core.QueueStats{Topic: topic}

	for p := PriorityHigh; p <= PriorityLow; p++ {
		n, err := q.client.LLen(ctx, q.listKey(topic, p)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to get queue depth: %w", err)
		}
		stats.Depth += n
	}

	delayed, err := q.client.ZCard(ctx, q.delayedKey(topic)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get delayed count: %w", err)
	}
	stats.Delayed = delayed

	paused, err := q.client.Exists(ctx, q.pausedKey(topic)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to check pause flag: %w", err)
	}
	stats.Paused = paused > 0

	counters, err := q.client.HGetAll(ctx, q.countersKey(topic)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get counters: %w", err)
	}
	stats.Processed, _ = strconv.ParseInt(counters["processed"], 10, 64)
	stats.Failed, _ = strconv.ParseInt(counters["failed"], 10, 64)
	stats.Retried, _ = strconv.ParseInt(counters["retried"], 10, 64)

	return stats, nil
}

var _ core.Queue = (*RedisQueue)(nil)
