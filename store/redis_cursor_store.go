package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/driptide/driptide/core"
)

// RedisCursorStore implements core.CursorStore.
//
// One key per (workflowID, triggerType) pair:
//
//	cursors:{workflowID}:{triggerType}  JSON TriggerCursor
//
// Advance is forward-only; the scheduler calls it under the leader lock, so
// a plain read-compare-write is sufficient.
type RedisCursorStore struct {
	client *redis.Client
	config CursorStoreConfig
	clock  core.Clock
	logger core.Logger
}

// CursorStoreConfig configures the Redis cursor store.
type CursorStoreConfig struct {
	// KeyPrefix namespaces all keys.
	// Default: "driptide:"
	KeyPrefix string `json:"key_prefix"`

	// Clock is injected for determinism in tests.
	Clock core.Clock `json:"-"`

	// Logger is an optional logger for store operations.
	Logger core.Logger `json:"-"`
}

// NewRedisCursorStore creates a Redis-backed cursor store.
func NewRedisCursorStore(client *redis.Client, config *CursorStoreConfig) *RedisCursorStore {
	if config == nil {
		config = &CursorStoreConfig{}
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "driptide:"
	}
	if config.Clock == nil {
		config.Clock = core.NewRealClock()
	}

	return &RedisCursorStore{
		client: client,
		config: *config,
		clock:  config.Clock,
		logger: core.ComponentLogger(config.Logger, "store/cursors"),
	}
}

func (s *RedisCursorStore) key(workflowID, triggerType string) string {
	return fmt.Sprintf("%scursors:%s:%s", s.config.KeyPrefix, workflowID, triggerType)
}

// Get returns the cursor for the pair, or one with a zero
// LastExecutionTime if it has never been advanced.
func (s *RedisCursorStore) Get(ctx context.Context, workflowID, triggerType string) (*core.TriggerCursor, error) {
	data, err := s.client.Get(ctx, s.key(workflowID, triggerType)).Bytes()
	if err == redis.Nil {
		return &core.TriggerCursor{
			WorkflowID:  workflowID,
			TriggerType: triggerType,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cursor: %w", err)
	}

	var cursor core.TriggerCursor
	if err := json.Unmarshal(data, &cursor); err != nil {
		return nil, fmt.Errorf("failed to deserialize cursor: %w", err)
	}
	return &cursor, nil
}

// Advance moves the watermark forward. Moving it backwards is a no-op:
// at-least-once delivery relies on the watermark never regressing.
func (s *RedisCursorStore) Advance(ctx context.Context, workflowID, triggerType string, to time.Time) error {
	cursor, err := s.Get(ctx, workflowID, triggerType)
	if err != nil {
		return err
	}
	if !to.After(cursor.LastExecutionTime) {
		return nil
	}

	cursor.LastExecutionTime = to
	cursor.UpdatedAt = s.clock.Now()

	data, err := json.Marshal(cursor)
	if err != nil {
		return fmt.Errorf("failed to serialize cursor: %w", err)
	}
	if err := s.client.Set(ctx, s.key(workflowID, triggerType), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to persist cursor: %w", err)
	}

	s.logger.Debug("Cursor advanced", map[string]interface{}{
		"workflow_id":  workflowID,
		"trigger_type": triggerType,
		"to":           to.Format(time.RFC3339),
	})
	return nil
}

var _ core.CursorStore = (*RedisCursorStore)(nil)
