package services

import (
	"context"
	"time"

	"huddle/internal/core/ports"

	"go.uber.org/zap"
)

// RoomReaper periodically closes routers of rooms nobody joined.
type RoomReaper struct {
	rooms    ports.RoomRegistry
	grace    time.Duration
	interval time.Duration
	metrics  ports.SessionMetrics
	logger   *zap.SugaredLogger
}

func NewRoomReaper(rooms ports.RoomRegistry, grace, interval time.Duration, metrics ports.SessionMetrics, logger *zap.SugaredLogger) *RoomReaper {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &RoomReaper{
		rooms:    rooms,
		grace:    grace,
		interval: interval,
		metrics:  metrics,
		logger:   logger,
	}
}

// Run reaps every interval until ctx is done.
func (r *RoomReaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.ReapOnce()
		}
	}
}

func (r *RoomReaper) ReapOnce() int {
	n := r.rooms.ReapIdleRouters(r.grace)
	if n > 0 {
		r.metrics.RecordRoutersReaped(n)
		r.logger.Infow("reaped idle routers",
			"count", n,
			"grace_period", r.grace,
		)
	}
	return n
}
