package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	lockTTL   = 30 * time.Second
	lockRetry = 50 * time.Millisecond
)

// Locker guards a session against concurrent passes across processes.
type Locker interface {
	Acquire(ctx context.Context, sessionID string) (release func(), err error)
}

// LocalLocker is used without Redis. Passes are already serialised in-process.
type LocalLocker struct{}

func (LocalLocker) Acquire(context.Context, string) (func(), error) {
	return func() {}, nil
}

// Only delete if we own the lock
var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// Extend only while we still own the lock
var extendScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	else
		return 0
	end
`)

// RedisLocker holds session-lock:<id> with SETNX so two API replicas never
// run the same session at once. The key is refreshed every ttl/3 while held,
// so a pass may outlive the TTL. It serialises passes only: each replica
// still keeps its own in-memory world.
type RedisLocker struct {
	client *redis.Client
	owner  string
	ttl    time.Duration
	retry  time.Duration
	logger *slog.Logger
}

func NewRedisLocker(client *redis.Client, logger *slog.Logger) *RedisLocker {
	return &RedisLocker{
		client: client,
		owner:  fmt.Sprintf("api-%s", uuid.New().String()[:8]),
		ttl:    lockTTL,
		retry:  lockRetry,
		logger: logger,
	}
}

func lockKey(sessionID string) string {
	return fmt.Sprintf("session-lock:%s", sessionID)
}

// Acquire polls until the lock is taken or ctx is done.
func (l *RedisLocker) Acquire(ctx context.Context, sessionID string) (func(), error) {
	key := lockKey(sessionID)
	token := l.owner + ":" + uuid.NewString()

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire %s: %w", key, err)
		}
		if ok {
			stop := make(chan struct{})
			done := make(chan struct{})
			go l.keepAlive(key, token, stop, done)
			var once sync.Once
			return func() {
				once.Do(func() {
					close(stop)
					<-done
					l.release(key, token)
				})
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("session %s is locked by another process: %w", sessionID, ctx.Err())
		case <-time.After(l.retry):
		}
	}
}

func (l *RedisLocker) keepAlive(key, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
		n, err := extendScript.Run(ctx, l.client, []string{key}, token, l.ttl.Milliseconds()).Int()
		cancel()
		switch {
		case err != nil:
			l.logger.Warn("Failed to extend session lock", "error", err, "key", key)
		case n == 0:
			l.logger.Warn("Session lock lost before the pass finished", "key", key)
			return
		}
	}
}

func (l *RedisLocker) release(key, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil {
		l.logger.Error("Failed to release session lock", "error", err, "key", key)
	}
}
