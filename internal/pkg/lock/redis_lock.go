// internal/pkg/lock/redis_lock.go
package lock

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only when the stored token matches, so a
// holder that outlived its TTL cannot delete the next holder's lock.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

// RedisLocker provides best-effort mutual exclusion across instances via
// SET NX with a TTL. The TTL bounds how long a crashed holder can block
// others; there is no fencing, so the guarded work must itself be
// idempotent.
type RedisLocker struct {
	client redis.UniversalClient
	now    func() time.Time

	mu     sync.Mutex
	tokens map[string]string
}

func NewRedisLocker(client redis.UniversalClient) *RedisLocker {
	return &RedisLocker{
		client: client,
		now:    time.Now,
		tokens: map[string]string{},
	}
}

// Acquire takes the named lock. Returns false when another holder has it.
func (l *RedisLocker) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	token := strconv.FormatInt(l.now().UnixNano(), 10)
	ok, err := l.client.SetNX(ctx, "lock:"+name, token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}
	if ok {
		l.mu.Lock()
		l.tokens[name] = token
		l.mu.Unlock()
	}
	return ok, nil
}

// Release drops the lock if this locker still owns it. Safe to call when
// not held; an expired holder's release leaves the current holder's lock
// alone.
func (l *RedisLocker) Release(ctx context.Context, name string) error {
	l.mu.Lock()
	token, ok := l.tokens[name]
	delete(l.tokens, name)
	l.mu.Unlock()
	if !ok {
		return nil
	}

	if err := releaseScript.Run(ctx, l.client, []string{"lock:" + name}, token).Err(); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", name, err)
	}
	return nil
}
