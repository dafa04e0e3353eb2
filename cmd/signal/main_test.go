package main

import (
	"context"
	"testing"

	"huddle/internal/core/services"
	"huddle/internal/infrastructure/distributed"
	"huddle/internal/infrastructure/repositories/memory"
	"huddle/internal/testutils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestEventPublisher_NilBus(t *testing.T) {
	var bus *distributed.EventBus
	publisher := eventPublisher(bus)
	require.Nil(t, publisher)

	// Without Redis the coordinator drops room events itself.
	logger := zaptest.NewLogger(t).Sugar()
	engine := testutils.NewFakeEngine()
	peers := memory.NewPeerRegistry()
	rooms := memory.NewRoomRegistry(engine, memory.RoomRegistryOptions{Codecs: testutils.DefaultCodecs()}, logger)
	coord := services.NewSessionCoordinator(peers, rooms, memory.NewResourceRegistry(peers),
		testutils.NewRecordingNotifier(), publisher, nil, services.CoordinatorOptions{}, logger)
	lifecycle := services.NewConnectionLifecycle(coord)

	ctx := context.Background()
	lifecycle.Connect(ctx, "A")
	_, err := coord.Handle(ctx, "A", services.EventJoinRoom, []byte(`{"roomId":"abc","userName":"alice"}`))
	require.NoError(t, err)
	lifecycle.Disconnect(ctx, "A")
	assert.False(t, rooms.Exists("abc"))
}
