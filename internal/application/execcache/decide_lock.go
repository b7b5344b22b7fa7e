package execcache

import (
	"context"
	"time"

	"github.com/flowmesh/core/pkg/engine"
)

// AcquireDecideLock adapts AcquireLock/Lock.Release to engine.DecideLocker:
// pkg/engine cannot import this package (it stays a dependency-free public
// library), so it depends only on the narrow interface this method
// satisfies. name is typically "execution:{id}:decide" (§5).
func (c *Cache) AcquireDecideLock(ctx context.Context, name string, ttl, wait time.Duration) (engine.ReleaseFunc, error) {
	lock, err := c.AcquireLock(ctx, name, ttl, wait)
	if err != nil {
		return nil, err
	}
	return lock.Release, nil
}
