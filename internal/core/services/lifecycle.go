package services

import (
	"context"
	"errors"

	"huddle/internal/core/domain"
)

// ConnectionLifecycle opens and tears down the per-connection session state
// the coordinator works on.
type ConnectionLifecycle struct {
	coordinator *SessionCoordinator
}

func NewConnectionLifecycle(coordinator *SessionCoordinator) *ConnectionLifecycle {
	return &ConnectionLifecycle{coordinator: coordinator}
}

// Connect registers a new connection and greets it with its socket id. The
// connection must already be reachable through the notifier.
func (l *ConnectionLifecycle) Connect(ctx context.Context, connID domain.ConnID) {
	c := l.coordinator
	c.resources.Open(connID)
	c.notifier.Notify(connID, NotifyConnected, map[string]domain.ConnID{"socketId": connID})

	c.log.WithContext(ctx).Debugw("connection opened")
}

// Heartbeat keeps the peer registry entry of a live connection from
// expiring. Connections that have not joined a room are ignored.
func (l *ConnectionLifecycle) Heartbeat(ctx context.Context, connID domain.ConnID) {
	c := l.coordinator
	if err := c.peers.Touch(ctx, connID); err != nil && !errors.Is(err, domain.ErrPeerNotFound) {
		c.log.WithContext(ctx).Warnw("failed to refresh peer entry", "error", err)
	}
}

// Disconnect releases every engine handle of connID, removes it from its
// room and the peer registry, and tells the remaining members. Room and
// name come from the room registry, not the peer registry. Calling it again
// for the same connection does nothing.
func (l *ConnectionLifecycle) Disconnect(ctx context.Context, connID domain.ConnID) {
	c := l.coordinator
	log := c.log.WithContext(ctx)

	if err := c.resources.ReleaseAll(connID); err != nil {
		log.Warnw("failed to release some engine resources", "error", err)
	}
	c.metrics.SetResourceCounts(c.resources.Counts())

	if err := c.peers.Remove(ctx, connID); err != nil && !errors.Is(err, domain.ErrPeerNotFound) {
		log.Errorw("failed to remove peer", "error", err)
	}

	roomID, name, joined := c.rooms.RoomOf(connID)
	if !joined {
		return
	}

	left := c.rooms.Leave(roomID, connID)
	c.metrics.RecordPeerDisconnected()

	if left {
		c.metrics.RecordRoomClosed()
		if err := c.publisher.PublishRoomClosed(ctx, roomID); err != nil {
			log.Warnw("failed to publish room closed", "room_id", roomID, "error", err)
		}
	}
	c.broadcast(roomID, connID, NotifyUserLeft, UserPresence{
		UserName: name,
		SocketID: connID,
	})
	if err := c.publisher.PublishPeerLeft(ctx, roomID, connID); err != nil {
		log.Warnw("failed to publish peer left", "room_id", roomID, "error", err)
	}

	log.Infow("peer disconnected",
		"room_id", roomID,
		"user_name", name,
		"room_closed", left,
	)
}
