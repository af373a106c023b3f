package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jwebster45206/bazaar-engine/pkg/world"
)

const snapshotPrefix = "session:"

// Snapshot is what survives a restart for one session.
type Snapshot struct {
	SessionID string            `json:"session_id"`
	World     *world.WorldState `json:"world"`
	SavedAt   time.Time         `json:"saved_at"`
}

// RedisStorage keeps session world snapshots in Redis.
type RedisStorage struct {
	client *redis.Client
	logger *slog.Logger
	ttl    time.Duration
}

// NewRedisStorage parses a redis:// URL. It does not dial; use Ping or
// WaitForConnection.
func NewRedisStorage(redisURL string, ttl time.Duration, logger *slog.Logger) (*RedisStorage, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	return NewRedisStorageFromClient(redis.NewClient(opt), ttl, logger), nil
}

func NewRedisStorageFromClient(client *redis.Client, ttl time.Duration, logger *slog.Logger) *RedisStorage {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStorage{client: client, logger: logger, ttl: ttl}
}

// Client exposes the connection for the broadcaster and session lock.
func (r *RedisStorage) Client() *redis.Client {
	return r.client
}

// Health and lifecycle methods

func (r *RedisStorage) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

func (r *RedisStorage) Close() error {
	if err := r.client.Close(); err != nil {
		r.logger.Error("Failed to close Redis connection", "error", err)
		return err
	}
	r.logger.Info("Redis connection closed")
	return nil
}

// WaitForConnection waits for Redis to become available (used during startup)
func (r *RedisStorage) WaitForConnection(ctx context.Context) error {
	maxRetries := 30
	retryDelay := 2 * time.Second

	for i := 0; i < maxRetries; i++ {
		if err := r.Ping(ctx); err != nil {
			r.logger.Debug("Redis not ready yet", "error", err, "attempt", i+1)

			select {
			case <-ctx.Done():
				return fmt.Errorf("context cancelled while waiting for redis: %w", ctx.Err())
			case <-time.After(retryDelay):
				continue
			}
		}

		r.logger.Info("Redis connection established")
		return nil
	}

	return fmt.Errorf("redis did not become available after %d attempts", maxRetries)
}

// Snapshot operations

func (r *RedisStorage) SaveSnapshot(ctx context.Context, sessionID string, ws *world.WorldState) error {
	data, err := json.Marshal(Snapshot{SessionID: sessionID, World: ws, SavedAt: time.Now().UTC()})
	if err != nil {
		r.logger.Error("Failed to marshal snapshot", "session_id", sessionID, "error", err)
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if err := r.client.Set(ctx, snapshotPrefix+sessionID, data, r.ttl).Err(); err != nil {
		r.logger.Error("Failed to save snapshot", "session_id", sessionID, "error", err)
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot returns nil, nil when no snapshot exists.
func (r *RedisStorage) LoadSnapshot(ctx context.Context, sessionID string) (*Snapshot, error) {
	data, err := r.client.Get(ctx, snapshotPrefix+sessionID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		r.logger.Error("Failed to load snapshot", "session_id", sessionID, "error", err)
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		r.logger.Error("Failed to unmarshal snapshot", "session_id", sessionID, "error", err)
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	if snap.World == nil {
		return nil, fmt.Errorf("snapshot for %s has no world", sessionID)
	}
	return &snap, nil
}

func (r *RedisStorage) DeleteSnapshot(ctx context.Context, sessionID string) error {
	if err := r.client.Del(ctx, snapshotPrefix+sessionID).Err(); err != nil {
		r.logger.Error("Failed to delete snapshot", "session_id", sessionID, "error", err)
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	return nil
}
