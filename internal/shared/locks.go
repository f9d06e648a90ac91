package shared

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// BackfillLockKey builds the redis key guarding a historical backfill range.
func BackfillLockKey(start, end time.Time) string {
	return fmt.Sprintf("curb:backfill:%s:%s:lock", start.UTC().Format("20060102T150405"), end.UTC().Format("20060102T150405"))
}

// unlockScript releases a lock only when the caller still owns it.
var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Mutex is a best-effort advisory lock backed by redis. It does not provide
// exactly-once guarantees; callers must stay idempotent regardless.
type Mutex struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration
}

// NewMutex constructs a mutex for the given key. The TTL must exceed the
// longest expected hold so a crashed holder cannot wedge the key forever.
func NewMutex(client *redis.Client, key string, ttl time.Duration) *Mutex {
	return &Mutex{
		client: client,
		key:    key,
		token:  uuid.NewString(),
		ttl:    ttl,
	}
}

// TryLock attempts to acquire the lock without blocking. It reports false when
// another holder owns the key.
func (m *Mutex) TryLock(ctx context.Context) (bool, error) {
	ok, err := m.client.SetNX(ctx, m.key, m.token, m.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("shared: acquire lock %s: %w", m.key, err)
	}
	return ok, nil
}

// Unlock releases the lock if this mutex still owns it. Releasing a lock that
// expired or was taken over is a no-op.
func (m *Mutex) Unlock(ctx context.Context) error {
	if err := unlockScript.Run(ctx, m.client, []string{m.key}, m.token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("shared: release lock %s: %w", m.key, err)
	}
	return nil
}
