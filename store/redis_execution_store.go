// Package store provides the Redis-backed persistence layer of the engine:
// executions, delays, trigger cursors, and compiled workflow definitions.
//
// Every state-advancing write is protected either by a key-unique atomic
// primitive (SETNX, ZREM) or an optimistic WATCH transaction: a concurrent
// writer winning a race surfaces as core.ErrStatusConflict, which callers
// treat as "another replica won", never as failure.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/driptide/driptide/core"
)

// RedisExecutionStore implements core.ExecutionStore.
//
// Key layout (all under the configured prefix):
//
//	executions:{id}            JSON record
//	executions:nk:{naturalKey} execution ID; present while status != completed
//	executions:index           zset by CreatedAt, for listing
//	executions:updated         zset by UpdatedAt, for stale-run recovery
//	executions:status:{status}  set of IDs per status
type RedisExecutionStore struct {
	client *redis.Client
	config ExecutionStoreConfig
	clock  core.Clock
	logger core.Logger
}

// ExecutionStoreConfig configures the Redis execution store.
type ExecutionStoreConfig struct {
	// KeyPrefix namespaces all keys.
	// Default: "driptide:"
	KeyPrefix string `json:"key_prefix"`

	// Clock is injected for determinism in tests.
	Clock core.Clock `json:"-"`

	// Logger is an optional logger for store operations.
	Logger core.Logger `json:"-"`
}

// DefaultExecutionStoreConfig returns default configuration.
func DefaultExecutionStoreConfig() ExecutionStoreConfig {
	return ExecutionStoreConfig{KeyPrefix: "driptide:"}
}

// NewRedisExecutionStore creates a Redis-backed execution store.
// The client should already be connected to Redis.
func NewRedisExecutionStore(client *redis.Client, config *ExecutionStoreConfig) *RedisExecutionStore {
	if config == nil {
		defaultConfig := DefaultExecutionStoreConfig()
		config = &defaultConfig
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "driptide:"
	}
	if config.Clock == nil {
		config.Clock = core.NewRealClock()
	}

	return &RedisExecutionStore{
		client: client,
		config: *config,
		clock:  config.Clock,
		logger: core.ComponentLogger(config.Logger, "store/executions"),
	}
}

func (s *RedisExecutionStore) recordKey(id string) string {
	return s.config.KeyPrefix + "executions:" + id
}

func (s *RedisExecutionStore) naturalKeyKey(nk string) string {
	return s.config.KeyPrefix + "executions:nk:" + nk
}

func (s *RedisExecutionStore) indexKey() string {
	return s.config.KeyPrefix + "executions:index"
}

func (s *RedisExecutionStore) updatedKey() string {
	return s.config.KeyPrefix + "executions:updated"
}

func (s *RedisExecutionStore) statusKey(status core.ExecutionStatus) string {
	return s.config.KeyPrefix + "executions:status:" + string(status)
}

// Create persists a new execution, enforcing natural-key uniqueness among
// non-completed rows. The SETNX on the natural-key mapping is the decisive
// atomic step: the loser of a concurrent duplicate firing gets
// ErrDuplicateExecution carrying the winner's ID.
func (s *RedisExecutionStore) Create(ctx context.Context, execution *core.Execution) error {
	if execution == nil {
		return fmt.Errorf("execution cannot be nil")
	}
	if execution.ID == "" {
		return fmt.Errorf("execution ID cannot be empty")
	}

	now := s.clock.Now()
	if execution.CreatedAt.IsZero() {
		execution.CreatedAt = now
	}
	execution.UpdatedAt = now
	if execution.Status == "" {
		execution.Status = core.ExecutionPending
	}

	nkKey := s.naturalKeyKey(execution.NaturalKey())
	set, err := s.client.SetNX(ctx, nkKey, execution.ID, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to reserve natural key: %w", err)
	}
	if !set {
		existingID, err := s.client.Get(ctx, nkKey).Result()
		if err != nil && err != redis.Nil {
			return fmt.Errorf("failed to read existing natural key: %w", err)
		}
		s.logger.Debug("Duplicate execution suppressed", map[string]interface{}{
			"natural_key": execution.NaturalKey(),
			"existing_id": existingID,
		})
		return core.NewEngineError("store.CreateExecution", "execution", core.ErrDuplicateExecution).WithID(existingID)
	}

	data, err := json.Marshal(execution)
	if err != nil {
		// Roll back the reservation so a retry can succeed.
		_ = s.client.Del(ctx, nkKey).Err()
		return fmt.Errorf("failed to serialize execution: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.recordKey(execution.ID), data, 0)
	pipe.ZAdd(ctx, s.indexKey(), &redis.Z{Score: float64(execution.CreatedAt.UnixMilli()), Member: execution.ID})
	pipe.ZAdd(ctx, s.updatedKey(), &redis.Z{Score: float64(execution.UpdatedAt.UnixMilli()), Member: execution.ID})
	pipe.SAdd(ctx, s.statusKey(execution.Status), execution.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		_ = s.client.Del(ctx, nkKey).Err()
		return fmt.Errorf("failed to persist execution: %w", err)
	}

	s.logger.Info("Execution created", map[string]interface{}{
		"execution_id": execution.ID,
		"workflow_id":  execution.WorkflowID,
		"trigger_type": execution.TriggerType,
		"user_id":      execution.UserID,
	})
	return nil
}

// Get retrieves an execution by ID.
func (s *RedisExecutionStore) Get(ctx context.Context, id string) (*core.Execution, error) {
	if id == "" {
		return nil, fmt.Errorf("execution ID cannot be empty")
	}
	data, err := s.client.Get(ctx, s.recordKey(id)).Bytes()
	if err == redis.Nil {
		return nil, core.NewEngineError("store.GetExecution", "execution", core.ErrNotFound).WithID(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}

	var execution core.Execution
	if err := json.Unmarshal(data, &execution); err != nil {
		return nil, fmt.Errorf("failed to deserialize execution: %w", err)
	}
	return &execution, nil
}

// Update persists mutated fields (state, history, error, current step) and
// bumps UpdatedAt. Status changes must go through TransitionStatus; Update
// preserves whatever status is already persisted.
func (s *RedisExecutionStore) Update(ctx context.Context, execution *core.Execution) error {
	if execution == nil || execution.ID == "" {
		return fmt.Errorf("execution with ID required")
	}

	key := s.recordKey(execution.ID)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return core.NewEngineError("store.UpdateExecution", "execution", core.ErrNotFound).WithID(execution.ID)
		}
		if err != nil {
			return err
		}
		var current core.Execution
		if err := json.Unmarshal(data, &current); err != nil {
			return fmt.Errorf("failed to deserialize execution: %w", err)
		}

		execution.Status = current.Status
		execution.UpdatedAt = s.clock.Now()

		out, err := json.Marshal(execution)
		if err != nil {
			return fmt.Errorf("failed to serialize execution: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, 0)
			pipe.ZAdd(ctx, s.updatedKey(), &redis.Z{Score: float64(execution.UpdatedAt.UnixMilli()), Member: execution.ID})
			return nil
		})
		return err
	}, key)

	if err == redis.TxFailedErr {
		return core.NewEngineError("store.UpdateExecution", "execution", core.ErrStatusConflict).WithID(execution.ID)
	}
	return err
}

// FindActive returns the non-completed execution matching the natural key.
func (s *RedisExecutionStore) FindActive(ctx context.Context, workflowID, userID, triggerType, triggerID string) (*core.Execution, error) {
	nk := core.NaturalKey(workflowID, userID, triggerType, triggerID)
	id, err := s.client.Get(ctx, s.naturalKeyKey(nk)).Result()
	if err == redis.Nil {
		return nil, core.NewEngineError("store.FindActive", "execution", core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve natural key: %w", err)
	}

	execution, err := s.Get(ctx, id)
	if errors.Is(err, core.ErrNotFound) {
		// Stale mapping left behind by an interrupted cleanup.
		_ = s.client.Del(ctx, s.naturalKeyKey(nk)).Err()
		return nil, core.NewEngineError("store.FindActive", "execution", core.ErrNotFound)
	}
	return execution, err
}

// TransitionStatus atomically moves the execution between statuses under an
// optimistic WATCH transaction. Zero-effect outcomes (current status not in
// the expected set, or a concurrent writer changed the record) surface as
// ErrStatusConflict.
func (s *RedisExecutionStore) TransitionStatus(ctx context.Context, id string, from []core.ExecutionStatus, to core.ExecutionStatus) (*core.Execution, error) {
	if id == "" {
		return nil, fmt.Errorf("execution ID cannot be empty")
	}

	key := s.recordKey(id)
	var result *core.Execution

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return core.NewEngineError("store.TransitionStatus", "execution", core.ErrNotFound).WithID(id)
		}
		if err != nil {
			return err
		}
		var current core.Execution
		if err := json.Unmarshal(data, &current); err != nil {
			return fmt.Errorf("failed to deserialize execution: %w", err)
		}

		allowed := false
		for _, f := range from {
			if current.Status == f {
				allowed = true
				break
			}
		}
		if !allowed {
			return core.NewEngineError("store.TransitionStatus", "execution", core.ErrStatusConflict).WithID(id)
		}
		if !current.Status.CanTransitionTo(to) {
			return core.NewEngineError("store.TransitionStatus", "execution", core.ErrStatusConflict).WithID(id)
		}

		previous := current.Status
		now := s.clock.Now()
		current.Status = to
		current.UpdatedAt = now
		switch to {
		case core.ExecutionCompleted:
			current.CompletedAt = &now
		case core.ExecutionFailed:
			current.FailedAt = &now
		}

		out, err := json.Marshal(&current)
		if err != nil {
			return fmt.Errorf("failed to serialize execution: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, 0)
			pipe.SRem(ctx, s.statusKey(previous), id)
			pipe.SAdd(ctx, s.statusKey(to), id)
			pipe.ZAdd(ctx, s.updatedKey(), &redis.Z{Score: float64(now.UnixMilli()), Member: id})
			if to == core.ExecutionCompleted {
				// Completed rows leave the natural-key uniqueness scope.
				pipe.Del(ctx, s.naturalKeyKey(current.NaturalKey()))
			}
			return nil
		})
		if err != nil {
			return err
		}
		result = &current
		return nil
	}, key)

	if err == redis.TxFailedErr {
		return nil, core.NewEngineError("store.TransitionStatus", "execution", core.ErrStatusConflict).WithID(id)
	}
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Execution status transitioned", map[string]interface{}{
		"execution_id": id,
		"to":           string(to),
	})
	return result, nil
}

// List returns executions matching the filter, newest first.
func (s *RedisExecutionStore) List(ctx context.Context, filter core.ExecutionFilter) ([]*core.Execution, error) {
	var ids []string
	var err error

	if filter.Status != "" {
		ids, err = s.client.SMembers(ctx, s.statusKey(filter.Status)).Result()
	} else {
		ids, err = s.client.ZRevRange(ctx, s.indexKey(), 0, -1).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}

	matches := make([]*core.Execution, 0, len(ids))
	for _, id := range ids {
		execution, err := s.Get(ctx, id)
		if errors.Is(err, core.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if filter.WorkflowID != "" && execution.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.UserID != "" && execution.UserID != filter.UserID {
			continue
		}
		if filter.TriggerType != "" && execution.TriggerType != filter.TriggerType {
			continue
		}
		matches = append(matches, execution)
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].CreatedAt.After(matches[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(matches) {
			return nil, nil
		}
		matches = matches[filter.Offset:]
	}
	if filter.Limit > 0 && len(matches) > filter.Limit {
		matches = matches[:filter.Limit]
	}
	return matches, nil
}

// ListStale returns running executions whose UpdatedAt is older than the
// cutoff, oldest first, for recovery.
func (s *RedisExecutionStore) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*core.Execution, error) {
	opt := &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", cutoff.UnixMilli()),
	}
	if limit > 0 {
		opt.Count = int64(limit)
	}
	ids, err := s.client.ZRangeByScore(ctx, s.updatedKey(), opt).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to scan stale executions: %w", err)
	}

	var stale []*core.Execution
	for _, id := range ids {
		execution, err := s.Get(ctx, id)
		if errors.Is(err, core.ErrNotFound) {
			_ = s.client.ZRem(ctx, s.updatedKey(), id).Err()
			continue
		}
		if err != nil {
			return nil, err
		}
		if execution.Status == core.ExecutionRunning {
			stale = append(stale, execution)
		}
	}
	return stale, nil
}

// DeleteTerminalOlderThan removes completed and cancelled executions whose
// last update precedes the cutoff. Returns the number removed.
func (s *RedisExecutionStore) DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	removed := 0
	for _, status := range []core.ExecutionStatus{core.ExecutionCompleted, core.ExecutionCancelled} {
		ids, err := s.client.SMembers(ctx, s.statusKey(status)).Result()
		if err != nil {
			return removed, fmt.Errorf("failed to list %s executions: %w", status, err)
		}
		for _, id := range ids {
			execution, err := s.Get(ctx, id)
			if errors.Is(err, core.ErrNotFound) {
				_ = s.client.SRem(ctx, s.statusKey(status), id).Err()
				continue
			}
			if err != nil {
				return removed, err
			}
			if execution.UpdatedAt.After(cutoff) {
				continue
			}

			pipe := s.client.TxPipeline()
			pipe.Del(ctx, s.recordKey(id))
			pipe.ZRem(ctx, s.indexKey(), id)
			pipe.ZRem(ctx, s.updatedKey(), id)
			pipe.SRem(ctx, s.statusKey(status), id)
			pipe.Del(ctx, s.naturalKeyKey(execution.NaturalKey()))
			if _, err := pipe.Exec(ctx); err != nil {
				return removed, fmt.Errorf("failed to delete execution %s: %w", id, err)
			}
			removed++
		}
	}

	if removed > 0 {
		s.logger.Info("Terminal executions pruned", map[string]interface{}{
			"removed": removed,
			"cutoff":  cutoff.Format(time.RFC3339),
		})
	}
	return removed, nil
}

var _ core.ExecutionStore = (*RedisExecutionStore)(nil)
