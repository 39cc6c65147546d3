package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/go-redis/redis/v8"

	"github.com/driptide/driptide/core"
)

// RedisWorkflowStore implements core.WorkflowStore.
//
// Key layout:
//
//	workflows:{id}             JSON compiled definition
//	workflows:index            set of all IDs
//	workflows:trigger:{type}   set of IDs bound to a trigger type
type RedisWorkflowStore struct {
	client *redis.Client
	config WorkflowStoreConfig
	clock  core.Clock
	logger core.Logger
}

// WorkflowStoreConfig configures the Redis workflow store.
type WorkflowStoreConfig struct {
	// KeyPrefix namespaces all keys.
	// Default: "driptide:"
	KeyPrefix string `json:"key_prefix"`

	// Clock is injected for determinism in tests.
	Clock core.Clock `json:"-"`

	// Logger is an optional logger for store operations.
	Logger core.Logger `json:"-"`
}

// NewRedisWorkflowStore creates a Redis-backed workflow store.
func NewRedisWorkflowStore(client *redis.Client, config *WorkflowStoreConfig) *RedisWorkflowStore {
	if config == nil {
		config = &WorkflowStoreConfig{}
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "driptide:"
	}
	if config.Clock == nil {
		config.Clock = core.NewRealClock()
	}

	return &RedisWorkflowStore{
		client: client,
		config: *config,
		clock:  config.Clock,
		logger: core.ComponentLogger(config.Logger, "store/workflows"),
	}
}

func (s *RedisWorkflowStore) recordKey(id string) string {
	return s.config.KeyPrefix + "workflows:" + id
}

func (s *RedisWorkflowStore) indexKey() string {
	return s.config.KeyPrefix + "workflows:index"
}

func (s *RedisWorkflowStore) triggerKey(triggerType string) string {
	return s.config.KeyPrefix + "workflows:trigger:" + triggerType
}

// Save persists a compiled workflow definition. Saving an existing ID
// replaces the definition and re-homes its trigger binding.
func (s *RedisWorkflowStore) Save(ctx context.Context, def *core.WorkflowDefinition) error {
	if def == nil || def.ID == "" {
		return fmt.Errorf("workflow definition with ID required")
	}

	now := s.clock.Now()
	if def.CreatedAt.IsZero() {
		def.CreatedAt = now
	}
	def.UpdatedAt = now

	// Drop a previous trigger binding if the type changed.
	if prev, err := s.Get(ctx, def.ID); err == nil && prev.TriggerType != def.TriggerType {
		_ = s.client.SRem(ctx, s.triggerKey(prev.TriggerType), def.ID).Err()
	}

	data, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to serialize workflow: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.recordKey(def.ID), data, 0)
	pipe.SAdd(ctx, s.indexKey(), def.ID)
	if def.TriggerType != "" {
		pipe.SAdd(ctx, s.triggerKey(def.TriggerType), def.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to persist workflow: %w", err)
	}

	s.logger.Info("Workflow saved", map[string]interface{}{
		"workflow_id":  def.ID,
		"name":         def.Name,
		"trigger_type": def.TriggerType,
		"steps":        len(def.Steps),
	})
	return nil
}

// Get retrieves a workflow definition by ID.
func (s *RedisWorkflowStore) Get(ctx context.Context, id string) (*core.WorkflowDefinition, error) {
	if id == "" {
		return nil, fmt.Errorf("workflow ID cannot be empty")
	}
	data, err := s.client.Get(ctx, s.recordKey(id)).Bytes()
	if err == redis.Nil {
		return nil, core.NewEngineError("store.GetWorkflow", "workflow", core.ErrNotFound).WithID(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}

	var def core.WorkflowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to deserialize workflow: %w", err)
	}
	return &def, nil
}

// ListByTrigger returns workflows bound to a trigger type, by name.
func (s *RedisWorkflowStore) ListByTrigger(ctx context.Context, triggerType string) ([]*core.WorkflowDefinition, error) {
	return s.collect(ctx, s.triggerKey(triggerType))
}

// List returns every stored workflow, by name.
func (s *RedisWorkflowStore) List(ctx context.Context) ([]*core.WorkflowDefinition, error) {
	return s.collect(ctx, s.indexKey())
}

func (s *RedisWorkflowStore) collect(ctx context.Context, setKey string) ([]*core.WorkflowDefinition, error) {
	ids, err := s.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}

	defs := make([]*core.WorkflowDefinition, 0, len(ids))
	for _, id := range ids {
		def, err := s.Get(ctx, id)
		if errors.Is(err, core.ErrNotFound) {
			_ = s.client.SRem(ctx, setKey, id).Err()
			continue
		}
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs, nil
}

// Delete removes a workflow definition and its index entries.
func (s *RedisWorkflowStore) Delete(ctx context.Context, id string) error {
	def, err := s.Get(ctx, id)
	if errors.Is(err, core.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.recordKey(id))
	pipe.SRem(ctx, s.indexKey(), id)
	if def.TriggerType != "" {
		pipe.SRem(ctx, s.triggerKey(def.TriggerType), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete workflow: %w", err)
	}
	return nil
}

var _ core.WorkflowStore = (*RedisWorkflowStore)(nil)
