package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld is returned when a lock could not be acquired within the wait
// budget.
var ErrLockHeld = errors.New("lock held")

// releaseScript deletes the lock only if the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Unlock releases a held lock. Safe to call more than once.
type Unlock func()

// acquireLock spins on SET NX with bounded backoff until the wait budget is
// exhausted.
func (m *Manager) acquireLock(ctx context.Context, key string, ttl, wait time.Duration) (Unlock, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(wait)
	backoff := 10 * time.Millisecond

	for {
		ok, err := m.rdb.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			return func() {
				// Release compares the token so an expired-and-stolen lock
				// is never deleted out from under its new owner.
				rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := releaseScript.Run(rctx, m.rdb, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
					m.logger.Warn("lock release failed", "key", key, "error", err)
				}
			}, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("lock %s: %w", key, ErrLockHeld)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 500*time.Millisecond {
			backoff *= 2
		}
	}
}

// LockJob acquires the distributed job lock. Job-level mutations (status,
// global results, resource lists) must hold it.
func (m *Manager) LockJob(ctx context.Context, jobID string) (Unlock, error) {
	return m.acquireLock(ctx, jobLockKey(jobID), m.jobLockTTL, 10*time.Second)
}

// LockUnit acquires the distributed unit lock. All unit mutations must hold it.
func (m *Manager) LockUnit(ctx context.Context, jobID, unitID string) (Unlock, error) {
	return m.acquireLock(ctx, unitLockKey(jobID, unitID), m.unitLockTTL, 10*time.Second)
}

// TryLockUnit attempts a single non-blocking unit lock acquisition.
func (m *Manager) TryLockUnit(ctx context.Context, jobID, unitID string) (Unlock, error) {
	return m.acquireLock(ctx, unitLockKey(jobID, unitID), m.unitLockTTL, 0)
}
