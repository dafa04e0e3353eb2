package distributed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"huddle/internal/core/domain"
	"huddle/internal/core/ports"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type EventType string

const (
	EventPeerJoined EventType = "peer.joined"
	EventPeerLeft   EventType = "peer.left"
	EventRoomClosed EventType = "room.closed"
)

const DefaultChannel = "huddle:events"

// Event is a room presence change announced to other signaling instances.
type Event struct {
	Type       EventType     `json:"type"`
	InstanceID string        `json:"instance_id"`
	Timestamp  time.Time     `json:"timestamp"`
	RoomID     domain.RoomID `json:"room_id"`
	ConnID     domain.ConnID `json:"conn_id,omitempty"`
}

// EventBus publishes and receives Events over Redis pub/sub.
type EventBus struct {
	client     *redis.Client
	instanceID string
	logger     *zap.SugaredLogger
	channel    string

	mu     sync.Mutex
	pubsub *redis.PubSub
}

var _ ports.EventPublisher = (*EventBus)(nil)

func NewEventBus(client *redis.Client, instanceID string, logger *zap.SugaredLogger) *EventBus {
	return &EventBus{
		client:     client,
		instanceID: instanceID,
		logger:     logger,
		channel:    DefaultChannel,
	}
}

func (eb *EventBus) Publish(ctx context.Context, event *Event) error {
	event.InstanceID = eb.instanceID
	event.Timestamp = time.Now()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := eb.client.Publish(ctx, eb.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.Debugw("published event",
		"type", event.Type,
		"room_id", event.RoomID,
		"conn_id", event.ConnID,
	)
	return nil
}

// Subscribe delivers events from other instances to handler until ctx ends.
func (eb *EventBus) Subscribe(ctx context.Context, handler func(*Event) error) error {
	eb.mu.Lock()
	if eb.pubsub != nil {
		eb.mu.Unlock()
		return fmt.Errorf("already subscribed")
	}
	pubsub := eb.client.Subscribe(ctx, eb.channel)
	eb.pubsub = pubsub
	eb.mu.Unlock()
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			event, err := decodeEvent(msg.Payload)
			if err != nil {
				eb.logger.Warnw("failed to unmarshal event",
					"error", err,
					"payload", msg.Payload,
				)
				continue
			}
			if event.InstanceID == eb.instanceID {
				continue
			}
			if err := handler(event); err != nil {
				eb.logger.Warnw("error handling event",
					"type", event.Type,
					"error", err,
				)
			}
		}
	}
}

func decodeEvent(payload string) (*Event, error) {
	var event Event
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		return nil, err
	}
	if event.Type == "" {
		return nil, fmt.Errorf("event without type")
	}
	return &event, nil
}

func (eb *EventBus) PublishPeerJoined(ctx context.Context, roomID domain.RoomID, connID domain.ConnID) error {
	return eb.Publish(ctx, &Event{Type: EventPeerJoined, RoomID: roomID, ConnID: connID})
}

func (eb *EventBus) PublishPeerLeft(ctx context.Context, roomID domain.RoomID, connID domain.ConnID) error {
	return eb.Publish(ctx, &Event{Type: EventPeerLeft, RoomID: roomID, ConnID: connID})
}

func (eb *EventBus) PublishRoomClosed(ctx context.Context, roomID domain.RoomID) error {
	return eb.Publish(ctx, &Event{Type: EventRoomClosed, RoomID: roomID})
}

func (eb *EventBus) Close() error {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.pubsub == nil {
		return nil
	}
	// The subscriber closes its own PubSub when its context ends.
	if err := eb.pubsub.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		return err
	}
	return nil
}
