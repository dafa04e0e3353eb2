package ports

import (
	"context"
	"time"

	"huddle/internal/core/domain"
)

// Notifier delivers a fire-and-forget event to one connection.
type Notifier interface {
	Notify(connID domain.ConnID, event string, payload interface{})
}

// EventPublisher announces room presence changes outside this process.
type EventPublisher interface {
	PublishPeerJoined(ctx context.Context, roomID domain.RoomID, connID domain.ConnID) error
	PublishPeerLeft(ctx context.Context, roomID domain.RoomID, connID domain.ConnID) error
	PublishRoomClosed(ctx context.Context, roomID domain.RoomID) error
}

// SessionMetrics records coordinator activity.
type SessionMetrics interface {
	RecordEvent(event string, duration time.Duration, err error)
	RecordPeerConnected()
	RecordPeerDisconnected()
	RecordRoomCreated()
	RecordRoomClosed()
	RecordEngineError(operation string)
	RecordRoutersReaped(n int)
	SetResourceCounts(counts ResourceCounts)
}
