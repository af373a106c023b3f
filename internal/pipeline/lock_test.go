package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func TestRedisLocker_ExclusiveAcrossOwners(t *testing.T) {
	client, mr := setupTestRedis(t)
	a := NewRedisLocker(client, testLogger())
	b := NewRedisLocker(client, testLogger())
	b.retry = 5 * time.Millisecond

	release, err := a.Acquire(context.Background(), "s-1")
	require.NoError(t, err)
	assert.True(t, mr.Exists("session-lock:s-1"))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = b.Acquire(ctx, "s-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	assert.False(t, mr.Exists("session-lock:s-1"))

	releaseB, err := b.Acquire(context.Background(), "s-1")
	require.NoError(t, err)
	releaseB()
}

func TestRedisLocker_ReleaseKeepsForeignLock(t *testing.T) {
	client, mr := setupTestRedis(t)
	l := NewRedisLocker(client, testLogger())

	release, err := l.Acquire(context.Background(), "s-1")
	require.NoError(t, err)

	// The TTL ran out and another replica took over.
	require.NoError(t, mr.Set("session-lock:s-1", "someone-else"))
	release()

	got, err := mr.Get("session-lock:s-1")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", got)
}

func TestRedisLocker_RefreshesWhileHeld(t *testing.T) {
	client, mr := setupTestRedis(t)
	l := NewRedisLocker(client, testLogger())
	l.ttl = 300 * time.Millisecond

	release, err := l.Acquire(context.Background(), "s-1")
	require.NoError(t, err)

	// Simulate a pass running close to expiry.
	mr.SetTTL("session-lock:s-1", time.Millisecond)
	assert.Eventually(t, func() bool {
		return mr.TTL("session-lock:s-1") == l.ttl
	}, 2*time.Second, 10*time.Millisecond, "the held lock is extended back to its full TTL")

	release()
	release()
	assert.False(t, mr.Exists("session-lock:s-1"))
}

func TestRedisLocker_SerialisesPipeline(t *testing.T) {
	client, _ := setupTestRedis(t)
	h := newHarness(t, func(c *Config) { c.Locker = NewRedisLocker(client, testLogger()) })

	_, err := h.pipeline.Process(context.Background(), "I would like 3 apples")
	require.NoError(t, err)
	_, err = h.pipeline.Process(context.Background(), "I would like 3 apples")
	require.NoError(t, err)

	snap, _ := h.store.Snapshot("s-1")
	assert.Equal(t, 2, snap.Turn)
}

func TestCollaboratorError_Unwrap(t *testing.T) {
	_, err := call(context.Background(), time.Second, StageVerify, func(context.Context) (int, error) {
		return 0, context.Canceled
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "verify failed: context canceled", err.Error())
}
