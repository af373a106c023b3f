package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// EventType represents the type of event being broadcast
type EventType string

const (
	EventTypeSessionCreated     EventType = "session.created"
	EventTypeSessionDeleted     EventType = "session.deleted"
	EventTypeUtteranceQueued    EventType = "utterance.queued"
	EventTypeUtteranceDropped   EventType = "utterance.dropped"
	EventTypePipelineProcessing EventType = "pipeline.processing"
	EventTypePipelineCompleted  EventType = "pipeline.completed"
	EventTypePipelineFailed     EventType = "pipeline.failed"
	EventTypeWorldStateUpdated  EventType = "world.state_updated"
	EventTypeMissionCompleted   EventType = "mission.completed"
)

// Event represents a generic event structure
type Event struct {
	Type      EventType      `json:"type"`
	SessionID string         `json:"session_id"`
	Data      map[string]any `json:"data,omitempty"`
}

// Channel is the pub/sub channel for one session.
func Channel(sessionID string) string {
	return fmt.Sprintf("session-events:%s", sessionID)
}

// Broadcaster publishes session events to Redis Pub/Sub for SSE observers.
type Broadcaster struct {
	redisClient *redis.Client
	logger      *slog.Logger
}

// NewBroadcaster creates a new event broadcaster
func NewBroadcaster(redisClient *redis.Client, logger *slog.Logger) *Broadcaster {
	return &Broadcaster{
		redisClient: redisClient,
		logger:      logger,
	}
}

func (b *Broadcaster) PublishSessionCreated(ctx context.Context, sessionID string) error {
	return b.Publish(ctx, Event{Type: EventTypeSessionCreated, SessionID: sessionID})
}

func (b *Broadcaster) PublishSessionDeleted(ctx context.Context, sessionID string) error {
	return b.Publish(ctx, Event{Type: EventTypeSessionDeleted, SessionID: sessionID})
}

// PublishUtteranceQueued reports the queue depth after a submit.
func (b *Broadcaster) PublishUtteranceQueued(ctx context.Context, sessionID string, depth int) error {
	return b.Publish(ctx, Event{
		Type:      EventTypeUtteranceQueued,
		SessionID: sessionID,
		Data:      map[string]any{"status": "queued", "depth": depth},
	})
}

func (b *Broadcaster) PublishUtteranceDropped(ctx context.Context, sessionID, transcript string) error {
	return b.Publish(ctx, Event{
		Type:      EventTypeUtteranceDropped,
		SessionID: sessionID,
		Data:      map[string]any{"status": "dropped", "transcript": transcript},
	})
}

func (b *Broadcaster) PublishPipelineProcessing(ctx context.Context, sessionID, transcript string) error {
	return b.Publish(ctx, Event{
		Type:      EventTypePipelineProcessing,
		SessionID: sessionID,
		Data:      map[string]any{"status": "processing", "transcript": transcript},
	})
}

func (b *Broadcaster) PublishPipelineCompleted(ctx context.Context, sessionID string, result map[string]any) error {
	return b.Publish(ctx, Event{
		Type:      EventTypePipelineCompleted,
		SessionID: sessionID,
		Data:      map[string]any{"status": "completed", "result": result},
	})
}

func (b *Broadcaster) PublishPipelineFailed(ctx context.Context, sessionID, stage, errorMsg string) error {
	return b.Publish(ctx, Event{
		Type:      EventTypePipelineFailed,
		SessionID: sessionID,
		Data:      map[string]any{"status": "failed", "stage": stage, "error": errorMsg},
	})
}

func (b *Broadcaster) PublishWorldStateUpdated(ctx context.Context, sessionID string, turn int, worldTime string) error {
	return b.Publish(ctx, Event{
		Type:      EventTypeWorldStateUpdated,
		SessionID: sessionID,
		Data:      map[string]any{"turn": turn, "world_time": worldTime},
	})
}

func (b *Broadcaster) PublishMissionCompleted(ctx context.Context, sessionID, missionID string) error {
	return b.Publish(ctx, Event{
		Type:      EventTypeMissionCompleted,
		SessionID: sessionID,
		Data:      map[string]any{"mission_id": missionID},
	})
}

// Publish sends an event to the session channel.
func (b *Broadcaster) Publish(ctx context.Context, event Event) error {
	channel := Channel(event.SessionID)

	data, err := json.Marshal(event)
	if err != nil {
		b.logger.Error("Failed to marshal event", "error", err, "event_type", event.Type)
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := b.redisClient.Publish(ctx, channel, data).Err(); err != nil {
		b.logger.Error("Failed to publish event", "error", err, "channel", channel)
		return fmt.Errorf("failed to publish event: %w", err)
	}

	b.logger.Debug("Event published",
		"channel", channel,
		"event_type", event.Type,
	)

	return nil
}

// Subscribe opens a subscription to one session's channel. The caller closes it.
func (b *Broadcaster) Subscribe(ctx context.Context, sessionID string) (*redis.PubSub, error) {
	sub := b.redisClient.Subscribe(ctx, Channel(sessionID))
	// Wait for the subscription confirmation so no event published after this returns is missed.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}
	return sub, nil
}
