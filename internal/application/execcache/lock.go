package execcache

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/flowmesh/core/pkg/models"
)

// releaseScript releases a lock only if the caller still holds it,
// preventing a holder whose lease already expired (and was reacquired by
// someone else) from deleting another holder's lock.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// Lock is a held distributed lock. Release must be called exactly once.
type Lock struct {
	name  string
	token string
	cache *Cache
}

// AcquireLock attempts to take the named lock, retrying with backoff until
// wait elapses. It raises ErrLockTimeout rather than failing closed, since a
// caller blocked waiting on a lock needs to know it never proceeded (§4.3
// "the one exception to fail-closed: lock acquisition that exceeds its
// timeout must raise").
func (c *Cache) AcquireLock(ctx context.Context, name string, ttl, wait time.Duration) (*Lock, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(wait)
	backoff := 25 * time.Millisecond

	for {
		ok, err := c.tryLock(ctx, name, token, ttl)
		if err == nil && ok {
			return &Lock{name: name, token: token, cache: c}, nil
		}

		if time.Now().After(deadline) {
			return nil, models.ErrLockTimeout
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 250*time.Millisecond {
			backoff *= 2
		}
	}
}

func (c *Cache) tryLock(ctx context.Context, name, token string, ttl time.Duration) (bool, error) {
	key := lockKey(name)

	if c.redis == nil {
		return c.fallback.tryLock(key, token, ttl), nil
	}

	ok, err := c.redis.Client().SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		c.logFail(ctx, "acquire_lock", err)
		return false, err
	}
	return ok, nil
}

// Release frees the lock, if still held by this token.
func (l *Lock) Release(ctx context.Context) error {
	key := lockKey(l.name)

	if l.cache.redis == nil {
		l.cache.fallback.releaseLock(key, l.token)
		return nil
	}

	res, err := releaseScript.Run(ctx, l.cache.redis.Client(), []string{key}, l.token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		l.cache.logFail(ctx, "release_lock", err)
		return err
	}
	if n, ok := res.(int64); ok && n == 0 {
		return models.ErrLockHeldByOther
	}
	return nil
}

func (m *memoryStore) tryLock(key, token string, ttl time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.values[key]; ok && !m.expired(e) {
		return false
	}
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}
	m.values[key] = valueEntry{data: []byte(token), expiresAt: expiresAt}
	return true
}

func (m *memoryStore) releaseLock(key, token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.values[key]; ok && string(e.data) == token {
		delete(m.values, key)
	}
}
