package repositories

import (
	"context"
	"time"

	"huddle/internal/core/ports"
	"huddle/internal/infrastructure/distributed"
	"huddle/internal/infrastructure/repositories/memory"
	redisrepo "huddle/internal/infrastructure/repositories/redis"
	"huddle/pkg/config"
	"huddle/pkg/retry"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory hands out Redis-backed implementations when Redis is
// enabled and reachable, and in-memory ones otherwise.
type RepositoryFactory struct {
	redisClient *redis.Client
	peerTTL     time.Duration
	logger      *zap.SugaredLogger
}

func NewRepositoryFactory(ctx context.Context, cfg *config.Config, retryCfg retry.Config, logger *zap.SugaredLogger) *RepositoryFactory {
	factory := &RepositoryFactory{
		peerTTL: cfg.Redis.PeerTTL,
		logger:  logger,
	}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(ctx, redisrepo.ClientOptions{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
			Retry:    retryCfg,
		}, logger)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory registries",
				"error", err,
			)
		} else {
			factory.redisClient = client
		}
	}

	if factory.redisClient != nil {
		logger.Info("using Redis peer registry")
	} else {
		logger.Info("using memory peer registry")
	}
	return factory
}

func (f *RepositoryFactory) UsingRedis() bool {
	return f.redisClient != nil
}

// RedisClient is nil when Redis is not in use.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	return f.redisClient
}

func (f *RepositoryFactory) CreatePeerRegistry() ports.PeerRegistry {
	if f.redisClient != nil {
		return redisrepo.NewPeerRegistry(f.redisClient, f.peerTTL)
	}
	return memory.NewPeerRegistry()
}

// CreateEventBus returns nil without Redis; events then stay in process.
func (f *RepositoryFactory) CreateEventBus(instanceID string) *distributed.EventBus {
	if f.redisClient == nil {
		return nil
	}
	return distributed.NewEventBus(f.redisClient, instanceID, f.logger)
}

func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.redisClient == nil {
		return nil
	}
	return f.redisClient.Ping(ctx).Err()
}

func (f *RepositoryFactory) Close() error {
	return redisrepo.CloseRedisClient(f.redisClient)
}
