package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultLockTTL = 10 * time.Minute

var (
	ErrLockNotAcquired = errors.New("merge lock held by another merge")
	// ErrLockNotHeld means the ttl lapsed before release and the key may belong to someone else now.
	ErrLockNotHeld = errors.New("merge lock no longer held")
)

// compareAndDelete removes KEYS[1] only while it still carries our token.
var compareAndDelete = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lock is one held merge lock.
type Lock struct {
	client *Client
	key    string
	token  string
}

// Locker hands out merge locks. A crashed holder's lock expires after ttl.
type Locker struct {
	client *Client
	ttl    time.Duration
}

func NewLocker(client *Client, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &Locker{client: client, ttl: ttl}
}

// Acquire takes key without waiting.
func (l *Locker) Acquire(ctx context.Context, key string) (*Lock, error) {
	token := uuid.NewString()
	acquired, err := l.client.rdb.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire %s: %w", key, err)
	}
	if !acquired {
		return nil, fmt.Errorf("%w: %s", ErrLockNotAcquired, key)
	}

	l.client.logger.WithContext(ctx).WithField("key", key).Debug("merge lock acquired")
	return &Lock{client: l.client, key: key, token: token}, nil
}

// Lock is Acquire shaped for the merge engine.
func (l *Locker) Lock(ctx context.Context, key string) (func(context.Context) error, error) {
	lock, err := l.Acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	return lock.Release, nil
}

func (lock *Lock) Release(ctx context.Context) error {
	deleted, err := compareAndDelete.Run(ctx, lock.client.rdb, []string{lock.key}, lock.token).Int64()
	if err != nil {
		return fmt.Errorf("failed to release %s: %w", lock.key, err)
	}
	if deleted == 0 {
		return ErrLockNotHeld
	}

	lock.client.logger.WithContext(ctx).WithField("key", lock.key).Debug("merge lock released")
	return nil
}
