package signal

import (
	"encoding/json"
	"sync"

	"huddle/internal/core/domain"
	"huddle/internal/core/ports"

	"go.uber.org/zap"
)

// ConnectionMetrics records transport-level signaling activity.
type ConnectionMetrics interface {
	ConnectionOpened()
	ConnectionClosed()
	MessageDropped()
	RateLimited()
}

// Hub tracks live connections and delivers notifications to them. It is the
// coordinator's ports.Notifier.
type Hub struct {
	mu      sync.RWMutex
	clients map[domain.ConnID]*client

	metrics ConnectionMetrics
	logger  *zap.SugaredLogger
}

var _ ports.Notifier = (*Hub)(nil)

func NewHub(metrics ConnectionMetrics, logger *zap.SugaredLogger) *Hub {
	if metrics == nil {
		metrics = nopConnectionMetrics{}
	}
	return &Hub{
		clients: make(map[domain.ConnID]*client),
		metrics: metrics,
		logger:  logger,
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.id] = c
}

// unregister removes the client; after it returns no notification can reach
// the client's send queue.
func (h *Hub) unregister(id domain.ConnID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, id)
}

// Notify queues an event for connID. Unknown connections are ignored; a full
// queue drops the event.
func (h *Hub) Notify(connID domain.ConnID, event string, payload interface{}) {
	data, err := json.Marshal(eventMessage(event, payload))
	if err != nil {
		h.logger.Errorw("failed to encode notification",
			"conn_id", connID,
			"event", event,
			"error", err,
		)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	c, ok := h.clients[connID]
	if !ok {
		return
	}
	if !c.enqueue(data) {
		h.metrics.MessageDropped()
		h.logger.Warnw("send queue full, dropping event",
			"conn_id", connID,
			"event", event,
		)
	}
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) ConnIDs() []domain.ConnID {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]domain.ConnID, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	return ids
}

func (h *Hub) snapshot() []*client {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		out = append(out, c)
	}
	return out
}

type nopConnectionMetrics struct{}

func (nopConnectionMetrics) ConnectionOpened() {}
func (nopConnectionMetrics) ConnectionClosed() {}
func (nopConnectionMetrics) MessageDropped()   {}
func (nopConnectionMetrics) RateLimited()      {}
