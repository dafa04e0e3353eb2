package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"huddle/internal/core/ports"
	"huddle/internal/infrastructure/repositories/memory"
	"huddle/internal/testutils"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewPrometheusCollector(reg)

	c.RecordEvent("join-room", 3*time.Millisecond, nil)
	c.RecordEvent("consume", time.Millisecond, errors.New("boom"))
	c.RecordPeerConnected()
	c.RecordPeerConnected()
	c.RecordPeerDisconnected()
	c.RecordRoomCreated()
	c.RecordEngineError("produce")
	c.RecordRoutersReaped(2)
	c.SetResourceCounts(ports.ResourceCounts{Transports: 4, Producers: 2, Consumers: 1})
	c.ConnectionOpened()
	c.MessageDropped()

	assert.Equal(t, 1.0, testutil.ToFloat64(c.eventsTotal.WithLabelValues("join-room", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.eventsTotal.WithLabelValues("consume", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.peersConnected))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.roomsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.engineErrors.WithLabelValues("produce")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.routersReaped))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.resources.WithLabelValues("transport")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.connections))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.droppedMessages))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestHealthChecker(t *testing.T) {
	engine := testutils.NewFakeEngine()
	h := NewHealthChecker()
	h.AddEngineCheck(engine)
	h.AddPeerRegistryCheck(memory.NewPeerRegistry(), time.Second)

	status := h.CheckAll(context.Background())
	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, "healthy", status.Checks["engine"])
	assert.True(t, h.IsReady(context.Background()))

	engine.Kill(errors.New("worker died"))
	status = h.CheckAll(context.Background())
	assert.Equal(t, "unhealthy", status.Status)
	assert.Equal(t, "worker died", status.Checks["engine"])
	assert.Equal(t, "healthy", status.Checks["peer_registry"])
}
