package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"huddle/internal/core/domain"
	"huddle/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "huddle:"

// PeerRegistry stores peers as JSON values with a per-room id set, so several
// signaling instances can share one view of who is where.
type PeerRegistry struct {
	client *redis.Client
	ttl    time.Duration
}

// NewPeerRegistry returns a Redis-backed registry. A non-zero ttl bounds how
// long entries of a crashed instance survive.
func NewPeerRegistry(client *redis.Client, ttl time.Duration) ports.PeerRegistry {
	return &PeerRegistry{
		client: client,
		ttl:    ttl,
	}
}

func peerKey(id domain.ConnID) string {
	return keyPrefix + "peer:" + string(id)
}

func roomPeersKey(roomID domain.RoomID) string {
	return fmt.Sprintf("%sroom:%s:peers", keyPrefix, roomID)
}

func allPeersKey() string {
	return keyPrefix + "peers"
}

func (r *PeerRegistry) Register(ctx context.Context, peer *domain.Peer) error {
	data, err := json.Marshal(peer)
	if err != nil {
		return fmt.Errorf("failed to marshal peer: %w", err)
	}

	previous, err := r.Lookup(ctx, peer.ConnID)
	if err != nil && !errors.Is(err, domain.ErrPeerNotFound) {
		return err
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if previous != nil && previous.RoomID != peer.RoomID {
			pipe.SRem(ctx, roomPeersKey(previous.RoomID), string(peer.ConnID))
		}
		pipe.Set(ctx, peerKey(peer.ConnID), data, r.ttl)
		pipe.SAdd(ctx, roomPeersKey(peer.RoomID), string(peer.ConnID))
		pipe.SAdd(ctx, allPeersKey(), string(peer.ConnID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store peer in Redis: %w", err)
	}
	return nil
}

func (r *PeerRegistry) Lookup(ctx context.Context, id domain.ConnID) (*domain.Peer, error) {
	data, err := r.client.Get(ctx, peerKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrPeerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get peer from Redis: %w", err)
	}

	var peer domain.Peer
	if err := json.Unmarshal(data, &peer); err != nil {
		return nil, fmt.Errorf("failed to unmarshal peer: %w", err)
	}
	return &peer, nil
}

func (r *PeerRegistry) SetAudioEnabled(ctx context.Context, id domain.ConnID, enabled bool) error {
	return r.update(ctx, id, func(p *domain.Peer) { p.AudioEnabled = enabled })
}

func (r *PeerRegistry) SetVideoEnabled(ctx context.Context, id domain.ConnID, enabled bool) error {
	return r.update(ctx, id, func(p *domain.Peer) { p.VideoEnabled = enabled })
}

// update applies fn under WATCH so concurrent flag changes are not lost.
func (r *PeerRegistry) update(ctx context.Context, id domain.ConnID, fn func(*domain.Peer)) error {
	key := peerKey(id)
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return domain.ErrPeerNotFound
		}
		if err != nil {
			return err
		}

		var peer domain.Peer
		if err := json.Unmarshal(data, &peer); err != nil {
			return fmt.Errorf("failed to unmarshal peer: %w", err)
		}
		fn(&peer)
		updated, err := json.Marshal(&peer)
		if err != nil {
			return fmt.Errorf("failed to marshal peer: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, r.ttl)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < 3; attempt++ {
		err := r.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("failed to update peer %s: concurrent modification", id)
}

// Touch restarts the entry's TTL. Without a TTL it only checks existence.
func (r *PeerRegistry) Touch(ctx context.Context, id domain.ConnID) error {
	if r.ttl <= 0 {
		n, err := r.client.Exists(ctx, peerKey(id)).Result()
		if err != nil {
			return fmt.Errorf("failed to check peer in Redis: %w", err)
		}
		if n == 0 {
			return domain.ErrPeerNotFound
		}
		return nil
	}

	ok, err := r.client.Expire(ctx, peerKey(id), r.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to refresh peer TTL: %w", err)
	}
	if !ok {
		return domain.ErrPeerNotFound
	}
	return nil
}

func (r *PeerRegistry) Remove(ctx context.Context, id domain.ConnID) error {
	peer, err := r.Lookup(ctx, id)
	if errors.Is(err, domain.ErrPeerNotFound) {
		// The value may have expired while the id stayed indexed.
		if err := r.client.SRem(ctx, allPeersKey(), string(id)).Err(); err != nil {
			return fmt.Errorf("failed to delete peer from Redis: %w", err)
		}
		return domain.ErrPeerNotFound
	}
	if err != nil {
		return err
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, roomPeersKey(peer.RoomID), string(id))
		pipe.SRem(ctx, allPeersKey(), string(id))
		pipe.Del(ctx, peerKey(id))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete peer from Redis: %w", err)
	}
	return nil
}

func (r *PeerRegistry) FindByRoom(ctx context.Context, roomID domain.RoomID) ([]*domain.Peer, error) {
	ids, err := r.client.SMembers(ctx, roomPeersKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get room peers from Redis: %w", err)
	}

	var peers []*domain.Peer
	for _, id := range ids {
		peer, err := r.Lookup(ctx, domain.ConnID(id))
		if err != nil {
			// Expired or removed between SMEMBERS and GET.
			continue
		}
		if peer.RoomID != roomID {
			continue
		}
		peers = append(peers, peer)
	}

	sort.Slice(peers, func(i, j int) bool {
		return peers[i].JoinedAt.Before(peers[j].JoinedAt)
	})
	return peers, nil
}

func (r *PeerRegistry) Count(ctx context.Context) (int, error) {
	n, err := r.client.SCard(ctx, allPeersKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count peers in Redis: %w", err)
	}
	return int(n), nil
}
