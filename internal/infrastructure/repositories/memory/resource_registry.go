package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"huddle/internal/core/domain"
	"huddle/internal/core/ports"
)

type peerResources struct {
	transports []ports.TransportEntry
	producers  []ports.Producer
	consumers  []ports.Consumer
}

// ResourceRegistry owns the engine handles of every open connection. Entries
// live from Open until ReleaseAll; adding to a released connection fails with
// domain.ErrPeerGone so late engine results are closed by the caller.
type ResourceRegistry struct {
	peers ports.PeerRegistry

	mu        sync.RWMutex
	resources map[domain.ConnID]*peerResources
	owners    map[domain.ProducerID]domain.ConnID
}

func NewResourceRegistry(peers ports.PeerRegistry) *ResourceRegistry {
	return &ResourceRegistry{
		peers:     peers,
		resources: make(map[domain.ConnID]*peerResources),
		owners:    make(map[domain.ProducerID]domain.ConnID),
	}
}

func (r *ResourceRegistry) Open(connID domain.ConnID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.resources[connID]; !ok {
		r.resources[connID] = &peerResources{}
	}
}

func (r *ResourceRegistry) AddTransport(connID domain.ConnID, entry ports.TransportEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, ok := r.resources[connID]
	if !ok {
		return domain.ErrPeerGone
	}
	for _, t := range res.transports {
		if t.Direction == entry.Direction {
			return domain.ErrTransportExists
		}
	}
	res.transports = append(res.transports, entry)
	return nil
}

func (r *ResourceRegistry) AddProducer(connID domain.ConnID, producer ports.Producer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, ok := r.resources[connID]
	if !ok {
		return domain.ErrPeerGone
	}
	for _, p := range res.producers {
		if p.Kind() == producer.Kind() {
			return domain.ErrProducerExists
		}
	}
	res.producers = append(res.producers, producer)
	r.owners[producer.ID()] = connID
	return nil
}

func (r *ResourceRegistry) AddConsumer(connID domain.ConnID, consumer ports.Consumer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, ok := r.resources[connID]
	if !ok {
		return domain.ErrPeerGone
	}
	res.consumers = append(res.consumers, consumer)
	return nil
}

// HasTransport reports whether the connection already holds a transport for
// the direction.
func (r *ResourceRegistry) HasTransport(connID domain.ConnID, direction domain.Direction) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	res, ok := r.resources[connID]
	if !ok {
		return false
	}
	for _, t := range res.transports {
		if t.Direction == direction {
			return true
		}
	}
	return false
}

func (r *ResourceRegistry) HasProducer(connID domain.ConnID, kind domain.MediaKind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	res, ok := r.resources[connID]
	if !ok {
		return false
	}
	for _, p := range res.producers {
		if p.Kind() == kind {
			return true
		}
	}
	return false
}

func (r *ResourceRegistry) FindTransport(connID domain.ConnID, transportID domain.TransportID) (ports.Transport, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	res, ok := r.resources[connID]
	if !ok {
		return nil, domain.ErrTransportNotFound
	}
	for _, t := range res.transports {
		if t.Transport.ID() == transportID {
			return t.Transport, nil
		}
	}
	return nil, domain.ErrTransportNotFound
}

func (r *ResourceRegistry) FindRecvTransport(connID domain.ConnID) (ports.Transport, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	res, ok := r.resources[connID]
	if !ok {
		return nil, domain.ErrRecvTransportNotFound
	}
	for _, t := range res.transports {
		if t.Direction == domain.DirectionRecv {
			return t.Transport, nil
		}
	}
	return nil, domain.ErrRecvTransportNotFound
}

func (r *ResourceRegistry) FindProducer(producerID domain.ProducerID) (ports.OwnedProducer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	owner, ok := r.owners[producerID]
	if !ok {
		return ports.OwnedProducer{}, domain.ErrProducerNotFound
	}
	for _, p := range r.resources[owner].producers {
		if p.ID() == producerID {
			return ports.OwnedProducer{Owner: owner, Producer: p}, nil
		}
	}
	return ports.OwnedProducer{}, domain.ErrProducerNotFound
}

func (r *ResourceRegistry) ProducersOf(connID domain.ConnID) []ports.Producer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	res, ok := r.resources[connID]
	if !ok {
		return nil
	}
	return append([]ports.Producer(nil), res.producers...)
}

// AllProducersExcept lists the producers of every other peer in roomID.
func (r *ResourceRegistry) AllProducersExcept(ctx context.Context, connID domain.ConnID, roomID domain.RoomID) ([]domain.ProducerInfo, error) {
	peers, err := r.peers.FindByRoom(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to list room peers: %w", err)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]domain.ProducerInfo, 0)
	for _, peer := range peers {
		if peer.ConnID == connID {
			continue
		}
		res, ok := r.resources[peer.ConnID]
		if !ok {
			continue
		}
		for _, p := range res.producers {
			infos = append(infos, domain.ProducerInfo{
				ConnID:     peer.ConnID,
				ProducerID: p.ID(),
				Kind:       p.Kind(),
			})
		}
	}
	return infos, nil
}

// ReleaseAll closes consumers, then producers, then transports owned by the
// connection and forgets them. Unknown or already released connections are a
// no-op.
func (r *ResourceRegistry) ReleaseAll(connID domain.ConnID) error {
	r.mu.Lock()
	res, ok := r.resources[connID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.resources, connID)
	for _, p := range res.producers {
		delete(r.owners, p.ID())
	}
	r.mu.Unlock()

	var errs []error
	for _, c := range res.consumers {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close consumer %s: %w", c.ID(), err))
		}
	}
	for _, p := range res.producers {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close producer %s: %w", p.ID(), err))
		}
	}
	for _, t := range res.transports {
		if err := t.Transport.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close transport %s: %w", t.Transport.ID(), err))
		}
	}
	return errors.Join(errs...)
}

func (r *ResourceRegistry) Counts() ports.ResourceCounts {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := ports.ResourceCounts{Peers: len(r.resources)}
	for _, res := range r.resources {
		counts.Transports += len(res.transports)
		counts.Producers += len(res.producers)
		counts.Consumers += len(res.consumers)
	}
	return counts
}
