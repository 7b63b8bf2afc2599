// Package runlock is a Redis lease that keeps scheduled jobs from running on
// more than one replica at a time.
package runlock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotAcquired means another holder owns the lease.
var ErrNotAcquired = errors.New("lock held elsewhere")

const keyPrefix = "arena:ledger:lock:"

// releaseScript deletes the key only if it still holds our token, so a lease
// that expired and was taken over is never released by its old owner.
var releaseScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

// Locker hands out leases.
type Locker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewLocker connects to redisURL and verifies the server answers.
func NewLocker(redisURL string, ttl time.Duration) (*Locker, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return NewLockerWithClient(client, ttl), nil
}

// NewLockerWithClient wraps an existing client.
func NewLockerWithClient(client *redis.Client, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Locker{client: client, ttl: ttl}
}

// Lease is a held lock.
type Lease struct {
	locker *Locker
	key    string
	token  string
}

// Acquire takes the lock named name, or fails with ErrNotAcquired.
func (l *Locker) Acquire(ctx context.Context, name string) (*Lease, error) {
	key := keyPrefix + name
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", name, err)
	}
	if !ok {
		return nil, ErrNotAcquired
	}
	return &Lease{locker: l, key: key, token: token}, nil
}

// Release gives the lock back if this lease still owns it.
func (ls *Lease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, ls.locker.client, []string{ls.key}, ls.token).Err(); err != nil {
		return fmt.Errorf("release %s: %w", ls.key, err)
	}
	return nil
}

// Close closes the client.
func (l *Locker) Close() error {
	return l.client.Close()
}
