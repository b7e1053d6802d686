package engine

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const lockPrefix = "drift:lock:"

// Locker hands out named non-blocking locks. The engine keys them per
// agent and per concern: one for retrieval, one for consolidation, so a
// wake never waits on a pipeline still digesting the previous session.
// Redis backs the lock when available so multiple engine processes stay
// mutually exclusive; a process-local map covers the single-process
// case and the degraded path when redis is down.
type Locker struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger

	mu    sync.Mutex
	local map[string]time.Time
}

// NewLocker builds a locker. rdb may be nil.
func NewLocker(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *Locker {
	return &Locker{
		rdb:    rdb,
		ttl:    ttl,
		logger: logger,
		local:  make(map[string]time.Time),
	}
}

// TryAcquire attempts the named lock without blocking. Returns false
// when another holder has it. The TTL bounds how long a crashed holder
// can wedge the key.
func (l *Locker) TryAcquire(ctx context.Context, key string) (bool, error) {
	l.mu.Lock()
	if expiry, held := l.local[key]; held && time.Now().Before(expiry) {
		l.mu.Unlock()
		return false, nil
	}
	l.local[key] = time.Now().Add(l.ttl)
	l.mu.Unlock()

	if l.rdb == nil {
		return true, nil
	}
	ok, err := l.rdb.SetNX(ctx, lockPrefix+key, time.Now().Format(time.RFC3339), l.ttl).Result()
	if err != nil {
		// Redis outage degrades to local-only exclusion rather than
		// blocking the session.
		l.logger.Warn("lock backend unavailable, local exclusion only",
			zap.String("key", key), zap.Error(err))
		return true, nil
	}
	if !ok {
		l.mu.Lock()
		delete(l.local, key)
		l.mu.Unlock()
	}
	return ok, nil
}

// Release drops the lock. Safe to call when not held.
func (l *Locker) Release(ctx context.Context, key string) {
	l.mu.Lock()
	delete(l.local, key)
	l.mu.Unlock()

	if l.rdb != nil {
		if err := l.rdb.Del(ctx, lockPrefix+key).Err(); err != nil {
			l.logger.Warn("lock release failed, TTL will reclaim",
				zap.String("key", key), zap.Error(err))
		}
	}
}
