// Package lock provides best-effort cluster-wide mutual exclusion on Redis.
//
// A lock is a single key written with SET NX PX and a per-holder token.
// Release and Extend compare the token in a Lua script so an expired lock
// that another replica re-acquired is never deleted or extended by the old
// holder. Losing a lock is not an error condition for callers: the replica
// yields its tick and tries again next time.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/driptide/driptide/core"
)

// Well-known lock keys used by the scheduler and recovery.
const (
	KeySchedulerMain  = "workflow_scheduler_main"
	KeyDelayedDelays  = "delayed_executions_processing"
	KeyStartupCleanup = "workflow_startup_cleanup"
)

// releaseScript deletes the key only while this holder's token is in place.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript pushes the TTL forward only while this holder's token is in
// place.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Manager hands out named distributed locks backed by one Redis client.
type Manager struct {
	client *redis.Client
	config ManagerConfig
	clock  core.Clock
	logger core.Logger
}

// ManagerConfig configures lock acquisition behavior.
type ManagerConfig struct {
	// KeyPrefix namespaces lock keys.
	// Default: "driptide:locks:"
	KeyPrefix string `json:"key_prefix"`

	// AcquireRetries bounds how many times Acquire re-attempts after an
	// initial miss. Default: 3
	AcquireRetries int `json:"acquire_retries"`

	// AcquireRetryDelay is the base pause between acquire attempts,
	// jittered to avoid replica herding. Default: 150ms
	AcquireRetryDelay time.Duration `json:"acquire_retry_delay"`

	// Clock is injected for determinism in tests.
	Clock core.Clock `json:"-"`

	// Logger is an optional logger for lock operations.
	Logger core.Logger `json:"-"`
}

// DefaultManagerConfig returns default configuration.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		KeyPrefix:         "driptide:locks:",
		AcquireRetries:    3,
		AcquireRetryDelay: 150 * time.Millisecond,
	}
}

// NewManager creates a lock manager. The client should already be
// connected to Redis.
func NewManager(client *redis.Client, config *ManagerConfig) *Manager {
	if config == nil {
		defaultConfig := DefaultManagerConfig()
		config = &defaultConfig
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "driptide:locks:"
	}
	if config.AcquireRetries < 0 {
		config.AcquireRetries = 3
	}
	if config.AcquireRetryDelay <= 0 {
		config.AcquireRetryDelay = 150 * time.Millisecond
	}
	if config.Clock == nil {
		config.Clock = core.NewRealClock()
	}

	return &Manager{
		client: client,
		config: *config,
		clock:  config.Clock,
		logger: core.ComponentLogger(config.Logger, "lock"),
	}
}

// TryAcquire attempts to take the named lock exactly once.
func (m *Manager) TryAcquire(ctx context.Context, key string, ttl time.Duration) (core.Lock, error) {
	if key == "" {
		return nil, fmt.Errorf("lock key cannot be empty")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("lock ttl must be positive")
	}

	token := uuid.New().String()
	fullKey := m.config.KeyPrefix + key

	ok, err := m.client.SetNX(ctx, fullKey, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, core.ErrLockNotAcquired
	}

	m.logger.Debug("Lock acquired", map[string]interface{}{
		"key": key,
		"ttl": ttl.String(),
	})

	return &redisLock{
		manager: m,
		key:     key,
		fullKey: fullKey,
		token:   token,
	}, nil
}

// Acquire attempts to take the named lock with bounded, jittered retries.
// Returns ErrLockNotAcquired once the retry budget is spent; callers treat
// that as "another replica holds leadership" and yield.
func (m *Manager) Acquire(ctx context.Context, key string, ttl time.Duration) (core.Lock, error) {
	attempts := m.config.AcquireRetries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		l, err := m.TryAcquire(ctx, key, ttl)
		if err == nil {
			return l, nil
		}
		if err != core.ErrLockNotAcquired {
			return nil, err
		}
		if attempt == attempts {
			break
		}
		delay := m.clock.Jitter(m.config.AcquireRetryDelay, 0.5)
		if err := m.clock.Sleep(ctx, delay); err != nil {
			return nil, err
		}
	}

	m.logger.Debug("Lock contended, yielding", map[string]interface{}{
		"key":      key,
		"attempts": attempts,
	})
	return nil, core.ErrLockNotAcquired
}

// redisLock is one held lock instance.
type redisLock struct {
	manager *Manager
	key     string
	fullKey string
	token   string
}

// Extend pushes the TTL forward while this holder still owns the key.
func (l *redisLock) Extend(ctx context.Context, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("lock ttl must be positive")
	}
	res, err := extendScript.Run(ctx, l.manager.client, []string{l.fullKey}, l.token, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("failed to extend lock %s: %w", l.key, err)
	}
	if res == 0 {
		return core.ErrLockNotHeld
	}
	return nil
}

// Release frees the lock by compare-and-delete on the holder token.
// Deleting the key blindly would be unsafe under TTL expiry: the key may
// already belong to another replica.
func (l *redisLock) Release(ctx context.Context) error {
	res, err := releaseScript.Run(ctx, l.manager.client, []string{l.fullKey}, l.token).Int64()
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", l.key, err)
	}
	if res == 0 {
		// Expired and possibly re-acquired elsewhere. Nothing to free.
		l.manager.logger.Warn("Lock already released or expired", map[string]interface{}{
			"key": l.key,
		})
	}
	return nil
}

var _ core.LockManager = (*Manager)(nil)
var _ core.Lock = (*redisLock)(nil)
