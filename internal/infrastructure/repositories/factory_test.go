package repositories

import (
	"context"
	"testing"

	"huddle/internal/core/domain"
	"huddle/internal/infrastructure/repositories/memory"
	redisrepo "huddle/internal/infrastructure/repositories/redis"
	"huddle/pkg/config"
	"huddle/pkg/retry"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestRepositoryFactory_MemoryWhenRedisDisabled(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Redis.Enabled = false

	f := NewRepositoryFactory(context.Background(), cfg, retry.DefaultConfig(), zaptest.NewLogger(t).Sugar())
	defer f.Close()

	assert.False(t, f.UsingRedis())
	assert.Nil(t, f.RedisClient())
	assert.Nil(t, f.CreateEventBus("node-1"))
	assert.NoError(t, f.HealthCheck(context.Background()))

	_, ok := f.CreatePeerRegistry().(*memory.PeerRegistry)
	assert.True(t, ok)
}

func TestRepositoryFactory_FallsBackWhenRedisUnreachable(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Redis.Enabled = true
	cfg.Redis.Address = "127.0.0.1:1"

	f := NewRepositoryFactory(context.Background(), cfg, retry.Config{Enabled: false}, zaptest.NewLogger(t).Sugar())
	defer f.Close()

	assert.False(t, f.UsingRedis())
	_, ok := f.CreatePeerRegistry().(*memory.PeerRegistry)
	assert.True(t, ok)
}

func TestRepositoryFactory_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := config.DefaultConfig()
	cfg.Redis.Enabled = true
	cfg.Redis.Address = mr.Addr()

	f := NewRepositoryFactory(context.Background(), cfg, retry.Config{Enabled: false}, zaptest.NewLogger(t).Sugar())
	defer f.Close()

	require.True(t, f.UsingRedis())
	assert.NoError(t, f.HealthCheck(context.Background()))
	assert.NotNil(t, f.CreateEventBus("node-1"))

	peers := f.CreatePeerRegistry()
	_, ok := peers.(*redisrepo.PeerRegistry)
	require.True(t, ok)
	require.NoError(t, peers.Register(context.Background(), domain.NewPeer("c1", "alice", "abc")))
	assert.True(t, mr.Exists("huddle:peer:c1"))
}
