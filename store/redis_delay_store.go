package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/driptide/driptide/core"
)

// RedisDelayStore implements core.DelayStore.
//
// Key layout (all under the configured prefix):
//
//	delays:{id}                       JSON record
//	delays:pending                    zset by ExecuteAt; the promotion queue
//	delays:failed                     zset by failure time, for retention
//	delays:exec:{executionID}         set of delay IDs per execution
//	delays:active:{executionID}:{stepID}  delay ID; enforces the unique
//	                                  non-executed (executionID, stepID) pair
//
// The promotion claim is the ZREM on delays:pending: with K concurrent
// claimers, exactly one sees ZREM return 1 for a member. That is the CAS
// this store is built around; losing it means another replica took the
// delay and the loser skips.
type RedisDelayStore struct {
	client *redis.Client
	config DelayStoreConfig
	clock  core.Clock
	logger core.Logger
}

// DelayStoreConfig configures the Redis delay store.
type DelayStoreConfig struct {
	// KeyPrefix namespaces all keys.
	// Default: "driptide:"
	KeyPrefix string `json:"key_prefix"`

	// Clock is injected for determinism in tests.
	Clock core.Clock `json:"-"`

	// Logger is an optional logger for store operations.
	Logger core.Logger `json:"-"`
}

// DefaultDelayStoreConfig returns default configuration.
func DefaultDelayStoreConfig() DelayStoreConfig {
	return DelayStoreConfig{KeyPrefix: "driptide:"}
}

// NewRedisDelayStore creates a Redis-backed delay store.
func NewRedisDelayStore(client *redis.Client, config *DelayStoreConfig) *RedisDelayStore {
	if config == nil {
		defaultConfig := DefaultDelayStoreConfig()
		config = &defaultConfig
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "driptide:"
	}
	if config.Clock == nil {
		config.Clock = core.NewRealClock()
	}

	return &RedisDelayStore{
		client: client,
		config: *config,
		clock:  config.Clock,
		logger: core.ComponentLogger(config.Logger, "store/delays"),
	}
}

func (s *RedisDelayStore) recordKey(id string) string {
	return s.config.KeyPrefix + "delays:" + id
}

func (s *RedisDelayStore) pendingKey() string {
	return s.config.KeyPrefix + "delays:pending"
}

func (s *RedisDelayStore) failedKey() string {
	return s.config.KeyPrefix + "delays:failed"
}

func (s *RedisDelayStore) execKey(executionID string) string {
	return s.config.KeyPrefix + "delays:exec:" + executionID
}

func (s *RedisDelayStore) activeKey(executionID, stepID string) string {
	return fmt.Sprintf("%sdelays:active:%s:%s", s.config.KeyPrefix, executionID, stepID)
}

// Create persists a new pending delay. The SETNX on the active
// (executionID, stepID) key enforces uniqueness among non-executed delays.
func (s *RedisDelayStore) Create(ctx context.Context, delay *core.Delay) error {
	if delay == nil {
		return fmt.Errorf("delay cannot be nil")
	}
	if delay.ID == "" || delay.ExecutionID == "" || delay.StepID == "" {
		return fmt.Errorf("delay ID, execution ID and step ID are required")
	}

	if delay.Status == "" {
		delay.Status = core.DelayPending
	}
	if delay.ScheduledAt.IsZero() {
		delay.ScheduledAt = s.clock.Now()
	}

	activeKey := s.activeKey(delay.ExecutionID, delay.StepID)
	set, err := s.client.SetNX(ctx, activeKey, delay.ID, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to reserve delay slot: %w", err)
	}
	if !set {
		existingID, _ := s.client.Get(ctx, activeKey).Result()
		return core.NewEngineError("store.CreateDelay", "delay", core.ErrAlreadyExists).WithID(existingID)
	}

	data, err := json.Marshal(delay)
	if err != nil {
		_ = s.client.Del(ctx, activeKey).Err()
		return fmt.Errorf("failed to serialize delay: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.recordKey(delay.ID), data, 0)
	pipe.ZAdd(ctx, s.pendingKey(), &redis.Z{Score: float64(delay.ExecuteAt.UnixMilli()), Member: delay.ID})
	pipe.SAdd(ctx, s.execKey(delay.ExecutionID), delay.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		_ = s.client.Del(ctx, activeKey).Err()
		return fmt.Errorf("failed to persist delay: %w", err)
	}

	s.logger.Info("Delay created", map[string]interface{}{
		"delay_id":     delay.ID,
		"execution_id": delay.ExecutionID,
		"step_id":      delay.StepID,
		"execute_at":   delay.ExecuteAt.Format(time.RFC3339),
	})
	return nil
}

// Get retrieves a delay by ID.
func (s *RedisDelayStore) Get(ctx context.Context, id string) (*core.Delay, error) {
	if id == "" {
		return nil, fmt.Errorf("delay ID cannot be empty")
	}
	data, err := s.client.Get(ctx, s.recordKey(id)).Bytes()
	if err == redis.Nil {
		return nil, core.NewEngineError("store.GetDelay", "delay", core.ErrNotFound).WithID(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get delay: %w", err)
	}

	var delay core.Delay
	if err := json.Unmarshal(data, &delay); err != nil {
		return nil, fmt.Errorf("failed to deserialize delay: %w", err)
	}
	return &delay, nil
}

// ClaimDue atomically moves up to limit due pending delays into processing,
// ascending by ExecuteAt. The ZREM per member is the claim: a zero result
// means another replica won that delay and it is skipped.
func (s *RedisDelayStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*core.Delay, error) {
	if limit <= 0 {
		limit = 50
	}

	ids, err := s.client.ZRangeByScore(ctx, s.pendingKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.UnixMilli()),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to scan due delays: %w", err)
	}

	claimed := make([]*core.Delay, 0, len(ids))
	for _, id := range ids {
		won, err := s.client.ZRem(ctx, s.pendingKey(), id).Result()
		if err != nil {
			return claimed, fmt.Errorf("failed to claim delay %s: %w", id, err)
		}
		if won == 0 {
			// Another replica took it.
			continue
		}

		delay, err := s.Get(ctx, id)
		if errors.Is(err, core.ErrNotFound) {
			continue
		}
		if err != nil {
			return claimed, err
		}
		if delay.Status != core.DelayPending {
			// Cancelled between the scan and the claim.
			continue
		}

		delay.Status = core.DelayProcessing
		if err := s.persist(ctx, delay); err != nil {
			return claimed, err
		}
		claimed = append(claimed, delay)
	}

	if len(claimed) > 0 {
		s.logger.Debug("Delays claimed for promotion", map[string]interface{}{
			"count": len(claimed),
		})
	}
	return claimed, nil
}

// MarkExecuted moves a claimed delay processing -> executed.
func (s *RedisDelayStore) MarkExecuted(ctx context.Context, id string, at time.Time) error {
	return s.finish(ctx, id, func(delay *core.Delay) error {
		if delay.Status != core.DelayProcessing {
			return core.NewEngineError("store.MarkDelayExecuted", "delay", core.ErrStatusConflict).WithID(id)
		}
		delay.Status = core.DelayExecuted
		delay.ExecutedAt = &at
		return nil
	})
}

// MarkFailed moves a claimed delay processing -> failed, recording the
// cause for post-mortem.
func (s *RedisDelayStore) MarkFailed(ctx context.Context, id string, cause string, at time.Time) error {
	err := s.finish(ctx, id, func(delay *core.Delay) error {
		if delay.Status != core.DelayProcessing {
			return core.NewEngineError("store.MarkDelayFailed", "delay", core.ErrStatusConflict).WithID(id)
		}
		delay.Status = core.DelayFailed
		delay.Error = cause
		delay.RetryCount++
		return nil
	})
	if err != nil {
		return err
	}
	return s.client.ZAdd(ctx, s.failedKey(), &redis.Z{Score: float64(at.UnixMilli()), Member: id}).Err()
}

// CancelForExecution cancels every pending or processing delay of an
// execution. Returns how many were cancelled.
func (s *RedisDelayStore) CancelForExecution(ctx context.Context, executionID string) (int, error) {
	ids, err := s.client.SMembers(ctx, s.execKey(executionID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list delays for execution: %w", err)
	}

	cancelled := 0
	for _, id := range ids {
		delay, err := s.Get(ctx, id)
		if errors.Is(err, core.ErrNotFound) {
			continue
		}
		if err != nil {
			return cancelled, err
		}
		if !delay.Status.CanTransitionTo(core.DelayCancelled) {
			continue
		}

		delay.Status = core.DelayCancelled
		pipe := s.client.TxPipeline()
		pipe.ZRem(ctx, s.pendingKey(), id)
		pipe.Del(ctx, s.activeKey(delay.ExecutionID, delay.StepID))
		if _, err := pipe.Exec(ctx); err != nil {
			return cancelled, fmt.Errorf("failed to cancel delay %s: %w", id, err)
		}
		if err := s.persist(ctx, delay); err != nil {
			return cancelled, err
		}
		cancelled++
	}

	if cancelled > 0 {
		s.logger.Info("Delays cancelled", map[string]interface{}{
			"execution_id": executionID,
			"cancelled":    cancelled,
		})
	}
	return cancelled, nil
}

// PendingCount reports how many delays await promotion.
func (s *RedisDelayStore) PendingCount(ctx context.Context) (int64, error) {
	n, err := s.client.ZCard(ctx, s.pendingKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count pending delays: %w", err)
	}
	return n, nil
}

// DeleteFailedOlderThan removes failed delays whose failure time precedes
// the cutoff.
func (s *RedisDelayStore) DeleteFailedOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.failedKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", cutoff.UnixMilli()),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to scan failed delays: %w", err)
	}

	removed := 0
	for _, id := range ids {
		delay, err := s.Get(ctx, id)
		if err != nil && !errors.Is(err, core.ErrNotFound) {
			return removed, err
		}

		pipe := s.client.TxPipeline()
		pipe.Del(ctx, s.recordKey(id))
		pipe.ZRem(ctx, s.failedKey(), id)
		if delay != nil {
			pipe.SRem(ctx, s.execKey(delay.ExecutionID), id)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return removed, fmt.Errorf("failed to delete delay %s: %w", id, err)
		}
		removed++
	}
	return removed, nil
}

// finish applies a terminal mutation and clears the active-slot key so the
// (executionID, stepID) pair becomes reusable.
func (s *RedisDelayStore) finish(ctx context.Context, id string, mutate func(*core.Delay) error) error {
	delay, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := mutate(delay); err != nil {
		return err
	}
	if err := s.persist(ctx, delay); err != nil {
		return err
	}
	return s.client.Del(ctx, s.activeKey(delay.ExecutionID, delay.StepID)).Err()
}

func (s *RedisDelayStore) persist(ctx context.Context, delay *core.Delay) error {
	data, err := json.Marshal(delay)
	if err != nil {
		return fmt.Errorf("failed to serialize delay: %w", err)
	}
	if err := s.client.Set(ctx, s.recordKey(delay.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to persist delay: %w", err)
	}
	return nil
}

var _ core.DelayStore = (*RedisDelayStore)(nil)
