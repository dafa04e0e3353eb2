package webrtc

import (
	"context"
	"sync"

	"huddle/internal/core/domain"
	"huddle/internal/core/ports"

	"go.uber.org/zap"
)

// Router groups the transports of one room and routes producers to
// consumers among them.
type Router struct {
	id     domain.RouterID
	engine *Engine
	codecs []domain.RTPCodecCapability
	logger *zap.SugaredLogger

	mu         sync.RWMutex
	closed     bool
	transports map[domain.TransportID]*Transport
	producers  map[domain.ProducerID]*Producer
}

var _ ports.Router = (*Router)(nil)

func (r *Router) ID() domain.RouterID { return r.id }

func (r *Router) RTPCapabilities() domain.RTPCapabilities {
	codecs := make([]domain.RTPCodecCapability, len(r.codecs))
	copy(codecs, r.codecs)
	return domain.RTPCapabilities{Codecs: codecs}
}

func (r *Router) CreateWebRTCTransport(ctx context.Context, opts ports.TransportOptions) (ports.Transport, error) {
	if r.isClosed() {
		return nil, domain.ErrRouterClosed
	}

	t, err := newTransport(ctx, r, opts.Direction)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = t.Close()
		return nil, domain.ErrRouterClosed
	}
	r.transports[t.id] = t
	r.mu.Unlock()

	r.logger.Debugw("transport created",
		"router_id", r.id,
		"transport_id", t.id,
		"direction", opts.Direction,
	)
	return t, nil
}

// CanConsume reports whether the producer exists on this router and caps can
// receive its codec.
func (r *Router) CanConsume(producerID domain.ProducerID, caps domain.RTPCapabilities) bool {
	p, ok := r.producer(producerID)
	if !ok {
		return false
	}
	return capabilitiesAllow(caps, p.routerCodec)
}

func (r *Router) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	transports := make([]*Transport, 0, len(r.transports))
	for _, t := range r.transports {
		transports = append(transports, t)
	}
	r.mu.Unlock()

	for _, t := range transports {
		_ = t.Close()
	}
	r.engine.removeRouter(r.id)
	r.logger.Debugw("router closed", "router_id", r.id)
	return nil
}

func (r *Router) isClosed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

func (r *Router) producer(id domain.ProducerID) (*Producer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.producers[id]
	return p, ok
}

func (r *Router) addProducer(p *Producer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.producers[p.id] = p
	return true
}

func (r *Router) removeProducer(id domain.ProducerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.producers, id)
}

func (r *Router) removeTransport(id domain.TransportID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.transports, id)
}
