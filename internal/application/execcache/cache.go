// Package execcache implements ExecutionCache (§4.3): the durable home for
// execution state, the per-node result cache, heartbeats, the DLQ, and the
// distributed lock every decide iteration serializes on. It facades two
// store shapes: a Redis-backed durable mode, and an in-process fallback
// used when Redis is unreachable, so a cache outage degrades the system
// rather than crashing it (§4.3 "Failure semantics").
package execcache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/flowmesh/core/internal/infrastructure/cache"
	"github.com/flowmesh/core/internal/infrastructure/logger"
	"github.com/flowmesh/core/pkg/models"
)

const (
	// DefaultResultTTL is how long a cached node result is honored (§4.3).
	DefaultResultTTL = time.Hour
	// DefaultHeartbeatTTL bounds how long a heartbeat key survives unrefreshed.
	DefaultHeartbeatTTL = 5 * time.Minute
	// DefaultTerminalTTL is applied to execution state once it reaches a
	// terminal status, bounding how long finished runs occupy the cache.
	DefaultTerminalTTL = 24 * time.Hour
	// DefaultEventStreamCap bounds the per-execution event stream (§4.3
	// "bounded length ~1000").
	DefaultEventStreamCap = 1000
)

// Cache is the ExecutionCache facade. A nil redis client puts it into
// fallback (degraded) mode transparently; callers never need to know which
// mode is active.
type Cache struct {
	redis    *cache.RedisCache
	fallback *memoryStore
	logger   *logger.Logger

	resultTTL    time.Duration
	heartbeatTTL time.Duration
	terminalTTL  time.Duration
	streamCap    int64
}

// Option configures a Cache.
type Option func(*Cache)

// WithResultTTL overrides DefaultResultTTL.
func WithResultTTL(ttl time.Duration) Option { return func(c *Cache) { c.resultTTL = ttl } }

// WithLogger attaches a logger used for fail-closed diagnostics.
func WithLogger(l *logger.Logger) Option { return func(c *Cache) { c.logger = l } }

// New creates a Cache. redisCache may be nil, which selects fallback mode.
func New(redisCache *cache.RedisCache, opts ...Option) *Cache {
	c := &Cache{
		redis:        redisCache,
		fallback:     newMemoryStore(),
		resultTTL:    DefaultResultTTL,
		heartbeatTTL: DefaultHeartbeatTTL,
		terminalTTL:  DefaultTerminalTTL,
		streamCap:    DefaultEventStreamCap,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Mode reports which backend is currently serving requests, for
// observability (§4.3 "the selected mode must be exposed").
func (c *Cache) Mode() string {
	if c.redis != nil {
		return "redis"
	}
	return "fallback"
}

func (c *Cache) logFail(ctx context.Context, op string, err error) {
	if c.logger != nil {
		c.logger.WarnContext(ctx, "execcache: operation failed closed", "op", op, "error", err)
	}
}

// SaveExecutionState atomically replaces the persisted state for ctx.ExecutionID.
// On terminal status it trims executions:active and applies DefaultTerminalTTL.
func (c *Cache) SaveExecutionState(ctx context.Context, ec *models.ExecutionContext) error {
	data, err := json.Marshal(ec)
	if err != nil {
		c.logFail(ctx, "save_execution_state.marshal", err)
		return nil
	}

	terminal := ec.Status.IsTerminal()

	if c.redis == nil {
		c.fallback.setState(ec.ExecutionID, data, terminal)
		return nil
	}

	client := c.redis.Client()
	key := stateKey(ec.ExecutionID)
	ttl := time.Duration(0)
	if terminal {
		ttl = c.terminalTTL
	}
	if err := client.Set(ctx, key, data, ttl).Err(); err != nil {
		c.logFail(ctx, "save_execution_state", err)
		return nil
	}

	if terminal {
		client.SRem(ctx, activeSetKey, ec.ExecutionID)
	} else {
		client.SAdd(ctx, activeSetKey, ec.ExecutionID)
	}
	return nil
}

// LoadExecutionState returns the persisted state for executionID, or
// ok=false if absent (cache miss or cache failure, both fail closed).
func (c *Cache) LoadExecutionState(ctx context.Context, executionID string) (*models.ExecutionContext, bool) {
	var data []byte

	if c.redis == nil {
		data = c.fallback.getState(executionID)
	} else {
		raw, err := c.redis.Client().Get(ctx, stateKey(executionID)).Bytes()
		if err != nil {
			if err != redis.Nil {
				c.logFail(ctx, "load_execution_state", err)
			}
			return nil, false
		}
		data = raw
	}

	if data == nil {
		return nil, false
	}

	var ec models.ExecutionContext
	if err := json.Unmarshal(data, &ec); err != nil {
		c.logFail(ctx, "load_execution_state.unmarshal", err)
		return nil, false
	}
	return &ec, true
}

// ActiveExecutionIDs returns the current contents of executions:active.
func (c *Cache) ActiveExecutionIDs(ctx context.Context) []string {
	if c.redis == nil {
		return c.fallback.activeIDs()
	}
	ids, err := c.redis.Client().SMembers(ctx, activeSetKey).Result()
	if err != nil {
		c.logFail(ctx, "active_execution_ids", err)
		return nil
	}
	return ids
}

// GetCachedResult returns a previously stored node result for
// (executionID, nodeID, inputHash), or ok=false on miss.
func (c *Cache) GetCachedResult(ctx context.Context, executionID, nodeID, inputHash string) (map[string]interface{}, bool) {
	key := resultKey(executionID, nodeID, inputHash)

	var data []byte
	if c.redis == nil {
		data = c.fallback.get(key)
	} else {
		raw, err := c.redis.Client().Get(ctx, key).Bytes()
		if err != nil {
			if err != redis.Nil {
				c.logFail(ctx, "get_cached_result", err)
			}
			return nil, false
		}
		data = raw
	}
	if data == nil {
		return nil, false
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		c.logFail(ctx, "get_cached_result.unmarshal", err)
		return nil, false
	}
	return result, true
}

// SetCachedResult stores a node result under the standard TTL.
func (c *Cache) SetCachedResult(ctx context.Context, executionID, nodeID, inputHash string, result map[string]interface{}) {
	data, err := json.Marshal(result)
	if err != nil {
		c.logFail(ctx, "set_cached_result.marshal", err)
		return
	}
	key := resultKey(executionID, nodeID, inputHash)

	if c.redis == nil {
		c.fallback.set(key, data, c.resultTTL)
		return
	}
	if err := c.redis.Client().Set(ctx, key, data, c.resultTTL).Err(); err != nil {
		c.logFail(ctx, "set_cached_result", err)
	}
}

// UpdateHeartbeat refreshes the liveness timestamp for a running node.
func (c *Cache) UpdateHeartbeat(ctx context.Context, executionID, nodeID string, at time.Time) {
	key := heartbeatKey(executionID, nodeID)
	data := []byte(at.Format(time.RFC3339Nano))

	if c.redis == nil {
		c.fallback.set(key, data, c.heartbeatTTL)
		return
	}
	if err := c.redis.Client().Set(ctx, key, data, c.heartbeatTTL).Err(); err != nil {
		c.logFail(ctx, "update_heartbeat", err)
	}
}

// GetHeartbeat returns the last recorded heartbeat for (executionID, nodeID).
func (c *Cache) GetHeartbeat(ctx context.Context, executionID, nodeID string) (time.Time, bool) {
	key := heartbeatKey(executionID, nodeID)

	var data []byte
	if c.redis == nil {
		data = c.fallback.get(key)
	} else {
		raw, err := c.redis.Client().Get(ctx, key).Bytes()
		if err != nil {
			if err != redis.Nil {
				c.logFail(ctx, "get_heartbeat", err)
			}
			return time.Time{}, false
		}
		data = raw
	}
	if data == nil {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, string(data))
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// AddEvent appends an event onto the execution's bounded stream. Best
// effort: failures are logged, never returned.
func (c *Cache) AddEvent(ctx context.Context, executionID, eventType string, data map[string]interface{}) {
	payload, err := json.Marshal(data)
	if err != nil {
		c.logFail(ctx, "add_event.marshal", err)
		return
	}

	if c.redis == nil {
		c.fallback.appendEvent(executionID, eventType, payload, int(c.streamCap))
		return
	}

	client := c.redis.Client()
	key := eventsKey(executionID)
	args := &redis.XAddArgs{
		Stream: key,
		MaxLen: c.streamCap,
		Approx: true,
		Values: map[string]interface{}{"type": eventType, "data": string(payload)},
	}
	if err := client.XAdd(ctx, args).Err(); err != nil {
		c.logFail(ctx, "add_event", err)
	}
}
