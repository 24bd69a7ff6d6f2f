package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

const defaultLockExpiry = 5 * time.Minute

// Locker serializes network actions across controllers sharing a store.
// Lock fails at once when another controller holds the network.
type Locker interface {
	Lock(ctx context.Context, networkID string) (unlock func(), err error)
}

// RedisLocker is a Locker backed by redsync mutexes.
type RedisLocker struct {
	rs     *redsync.Redsync
	expiry time.Duration
}

// NewRedisLocker returns a RedisLocker. A held lock expires after expiry
// if its controller dies without releasing it.
func NewRedisLocker(client *redis.Client, expiry time.Duration) *RedisLocker {
	if expiry <= 0 {
		expiry = defaultLockExpiry
	}
	return &RedisLocker{
		rs:     redsync.New(goredis.NewPool(client)),
		expiry: expiry,
	}
}

// Lock implements Locker.
func (l *RedisLocker) Lock(ctx context.Context, networkID string) (func(), error) {
	mutex := l.rs.NewMutex("torlab:action:"+networkID,
		redsync.WithExpiry(l.expiry),
		redsync.WithTries(1),
	)
	if err := mutex.TryLockContext(ctx); err != nil {
		return nil, fmt.Errorf("%w: network %s is locked by another controller: %v", ErrActionConflict, networkID, err)
	}
	return func() {
		mutex.UnlockContext(context.Background()) //nolint:errcheck // the lock expires on its own
	}, nil
}
