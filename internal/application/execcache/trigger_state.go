package execcache

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"github.com/flowmesh/core/pkg/models"
)

// SaveTriggerState persists a deployment trigger's firing bookkeeping
// (last/next execution, count) with no expiry, so a restarted
// TriggerManager can resume counting instead of starting from zero.
// Grounded on the teacher's trigger.TriggerState.Save, ported onto the
// fail-closed Cache facade so the same call works in fallback mode.
func (c *Cache) SaveTriggerState(ctx context.Context, state *models.TriggerState) error {
	data, err := json.Marshal(state)
	if err != nil {
		c.logFail(ctx, "save_trigger_state.marshal", err)
		return nil
	}

	key := triggerStateKey(state.DeploymentID, state.TriggerID)
	if c.redis == nil {
		c.fallback.set(key, data, 0)
		return nil
	}
	if err := c.redis.Client().Set(ctx, key, data, 0).Err(); err != nil {
		c.logFail(ctx, "save_trigger_state", err)
	}
	return nil
}

// LoadTriggerState returns the persisted state for a deployment's trigger,
// or ok=false if absent.
func (c *Cache) LoadTriggerState(ctx context.Context, deploymentID, triggerID string) (*models.TriggerState, bool) {
	key := triggerStateKey(deploymentID, triggerID)

	var data []byte
	if c.redis == nil {
		data = c.fallback.get(key)
	} else {
		raw, err := c.redis.Client().Get(ctx, key).Bytes()
		if err != nil {
			if err != redis.Nil {
				c.logFail(ctx, "load_trigger_state", err)
			}
			return nil, false
		}
		data = raw
	}

	if data == nil {
		return nil, false
	}

	var state models.TriggerState
	if err := json.Unmarshal(data, &state); err != nil {
		c.logFail(ctx, "load_trigger_state.unmarshal", err)
		return nil, false
	}
	return &state, true
}

// DeleteTriggerState removes a deployment's trigger state, called when its
// deployment is cancelled.
func (c *Cache) DeleteTriggerState(ctx context.Context, deploymentID, triggerID string) error {
	key := triggerStateKey(deploymentID, triggerID)
	if c.redis == nil {
		c.fallback.delete(key)
		return nil
	}
	if err := c.redis.Client().Del(ctx, key).Err(); err != nil {
		c.logFail(ctx, "delete_trigger_state", err)
	}
	return nil
}
