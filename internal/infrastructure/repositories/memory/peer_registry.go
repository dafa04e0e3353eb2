package memory

import (
	"context"
	"sort"
	"sync"

	"huddle/internal/core/domain"
	"huddle/internal/core/ports"
)

type PeerRegistry struct {
	peers map[domain.ConnID]*domain.Peer
	mu    sync.RWMutex
}

func NewPeerRegistry() ports.PeerRegistry {
	return &PeerRegistry{
		peers: make(map[domain.ConnID]*domain.Peer),
	}
}

func (r *PeerRegistry) Register(ctx context.Context, peer *domain.Peer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.peers[peer.ConnID] = peer.Clone()
	return nil
}

func (r *PeerRegistry) Lookup(ctx context.Context, id domain.ConnID) (*domain.Peer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peer, exists := r.peers[id]
	if !exists {
		return nil, domain.ErrPeerNotFound
	}

	return peer.Clone(), nil
}

func (r *PeerRegistry) SetAudioEnabled(ctx context.Context, id domain.ConnID, enabled bool) error {
	return r.update(id, func(p *domain.Peer) { p.AudioEnabled = enabled })
}

func (r *PeerRegistry) SetVideoEnabled(ctx context.Context, id domain.ConnID, enabled bool) error {
	return r.update(id, func(p *domain.Peer) { p.VideoEnabled = enabled })
}

// Touch only checks existence; in-memory entries do not expire.
func (r *PeerRegistry) Touch(ctx context.Context, id domain.ConnID) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, exists := r.peers[id]; !exists {
		return domain.ErrPeerNotFound
	}
	return nil
}

func (r *PeerRegistry) update(id domain.ConnID, fn func(*domain.Peer)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	peer, exists := r.peers[id]
	if !exists {
		return domain.ErrPeerNotFound
	}
	fn(peer)
	return nil
}

func (r *PeerRegistry) Remove(ctx context.Context, id domain.ConnID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.peers[id]; !exists {
		return domain.ErrPeerNotFound
	}

	delete(r.peers, id)
	return nil
}

// FindByRoom returns the room's peers ordered by join time.
func (r *PeerRegistry) FindByRoom(ctx context.Context, roomID domain.RoomID) ([]*domain.Peer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var roomPeers []*domain.Peer
	for _, peer := range r.peers {
		if peer.RoomID == roomID {
			roomPeers = append(roomPeers, peer.Clone())
		}
	}

	sort.Slice(roomPeers, func(i, j int) bool {
		return roomPeers[i].JoinedAt.Before(roomPeers[j].JoinedAt)
	})

	return roomPeers, nil
}

func (r *PeerRegistry) Count(ctx context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers), nil
}
