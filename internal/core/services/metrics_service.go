package services

import (
	"context"
	"time"

	"huddle/internal/core/ports"

	"go.uber.org/zap"
)

// MetricsService samples registry sizes into the session metrics on an
// interval. Event-driven updates can drift when a handler fails half way;
// the sample puts the gauges back in line.
type MetricsService struct {
	peers     ports.PeerRegistry
	resources ports.ResourceRegistry
	metrics   ports.SessionMetrics
	interval  time.Duration
	logger    *zap.SugaredLogger
}

func NewMetricsService(peers ports.PeerRegistry, resources ports.ResourceRegistry, metrics ports.SessionMetrics, interval time.Duration, logger *zap.SugaredLogger) *MetricsService {
	return &MetricsService{
		peers:     peers,
		resources: resources,
		metrics:   metrics,
		interval:  interval,
		logger:    logger,
	}
}

func (m *MetricsService) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sample(ctx)
		}
	}
}

func (m *MetricsService) Sample(ctx context.Context) {
	counts := m.resources.Counts()
	m.metrics.SetResourceCounts(counts)

	peers, err := m.peers.Count(ctx)
	if err != nil {
		m.logger.Warnw("failed to count peers", "error", err)
		return
	}
	m.logger.Debugw("session snapshot",
		"peers", peers,
		"connections", counts.Peers,
		"transports", counts.Transports,
		"producers", counts.Producers,
		"consumers", counts.Consumers,
	)
}
