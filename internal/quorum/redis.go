package quorum

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

// Redis is a Barrier stored in redis. Each network keeps its lines in one
// list. Announcements run under a redsync mutex named after the network:
// the list is read, checked for the authority and appended with a single
// RPUSH, so an interrupted announce leaves nothing half written.
type Redis struct {
	client *redis.Client
	rs     *redsync.Redsync
	owned  bool
}

// NewRedis connects to the redis server at addr.
func NewRedis(addr string) *Redis {
	b := NewRedisFromClient(redis.NewClient(&redis.Options{Addr: addr}))
	b.owned = true
	return b
}

// NewRedisFromClient wraps an existing client. Close does not close it.
func NewRedisFromClient(client *redis.Client) *Redis {
	return &Redis{
		client: client,
		rs:     redsync.New(goredis.NewPool(client)),
	}
}

// Close releases the redis connection if the barrier opened it.
func (r *Redis) Close() error {
	if !r.owned {
		return nil
	}
	return r.client.Close()
}

func redisListKey(network string) string { return "torlab:quorum:" + network + ":lines" }
func redisLockName(network string) string {
	return "torlab:quorum:" + network + ":lock"
}

// Announce implements Barrier.
func (r *Redis) Announce(ctx context.Context, network, line string) (bool, error) {
	if err := checkNetwork(network); err != nil {
		return false, err
	}
	line, err := checkLine(line)
	if err != nil {
		return false, err
	}

	mutex := r.rs.NewMutex(redisLockName(network),
		redsync.WithExpiry(10*time.Second),
		redsync.WithTries(32),
		redsync.WithRetryDelay(100*time.Millisecond),
	)
	if err := mutex.LockContext(ctx); err != nil {
		return false, fmt.Errorf("lock quorum registry: %w", err)
	}
	defer mutex.UnlockContext(context.WithoutCancel(ctx)) //nolint:errcheck // the lock expires on its own

	lines, err := r.client.LRange(ctx, redisListKey(network), 0, -1).Result()
	if err != nil {
		return false, fmt.Errorf("redis lrange: %w", err)
	}
	if registered(lines, line) {
		return false, nil
	}
	if err := r.client.RPush(ctx, redisListKey(network), line).Err(); err != nil {
		return false, fmt.Errorf("redis rpush: %w", err)
	}
	return true, nil
}

// Lines implements Barrier.
func (r *Redis) Lines(ctx context.Context, network string) ([]string, error) {
	if err := checkNetwork(network); err != nil {
		return nil, err
	}
	lines, err := r.client.LRange(ctx, redisListKey(network), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange: %w", err)
	}
	return lines, nil
}

// Reset implements Barrier.
func (r *Redis) Reset(ctx context.Context, network string) error {
	if err := checkNetwork(network); err != nil {
		return err
	}
	if err := r.client.Del(ctx, redisListKey(network)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
