package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"huddle/internal/core/domain"
	"huddle/internal/core/ports"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

type roomEntry struct {
	members   map[domain.ConnID]string
	createdAt time.Time
}

type routerEntry struct {
	router    ports.Router
	createdAt time.Time
}

// RoomRegistry keeps room membership and one router per room. A room entry
// exists only while it has members; routers are tracked separately so a
// router requested before anyone joins can be reaped later.
type RoomRegistry struct {
	engine         ports.MediaEngine
	codecs         []domain.RTPCodecCapability
	releaseOnEmpty bool
	logger         *zap.SugaredLogger

	mu       sync.RWMutex
	rooms    map[domain.RoomID]*roomEntry
	memberOf map[domain.ConnID]domain.RoomID
	routers  map[domain.RoomID]*routerEntry
	group    singleflight.Group
	closed   bool
	now      func() time.Time
}

type RoomRegistryOptions struct {
	Codecs               []domain.RTPCodecCapability
	ReleaseRouterOnEmpty bool
}

func NewRoomRegistry(engine ports.MediaEngine, opts RoomRegistryOptions, logger *zap.SugaredLogger) *RoomRegistry {
	return &RoomRegistry{
		engine:         engine,
		codecs:         opts.Codecs,
		releaseOnEmpty: opts.ReleaseRouterOnEmpty,
		logger:         logger,
		rooms:          make(map[domain.RoomID]*roomEntry),
		memberOf:       make(map[domain.ConnID]domain.RoomID),
		routers:        make(map[domain.RoomID]*routerEntry),
		now:            time.Now,
	}
}

// EnsureRouter returns the room's router, creating it through the engine on
// first use. Concurrent first calls share one engine call.
func (r *RoomRegistry) EnsureRouter(ctx context.Context, roomID domain.RoomID) (ports.Router, error) {
	if router, ok := r.Router(roomID); ok {
		return router, nil
	}

	ch := r.group.DoChan(string(roomID), func() (interface{}, error) {
		if router, ok := r.Router(roomID); ok {
			return router, nil
		}

		// The shared call must not die with the first caller's connection.
		router, err := r.engine.CreateRouter(context.WithoutCancel(ctx), r.codecs)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			_ = router.Close()
			return nil, domain.ErrRouterClosed
		}
		if existing, ok := r.routers[roomID]; ok {
			r.mu.Unlock()
			_ = router.Close()
			return existing.router, nil
		}
		r.routers[roomID] = &routerEntry{router: router, createdAt: r.now()}
		r.mu.Unlock()

		r.logger.Infow("router created",
			"room_id", roomID,
			"router_id", router.ID(),
		)
		return router, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(ports.Router), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *RoomRegistry) Router(roomID domain.RoomID) (ports.Router, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.routers[roomID]
	if !ok {
		return nil, false
	}
	return entry.router, true
}

func (r *RoomRegistry) Join(roomID domain.RoomID, connID domain.ConnID, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	if !ok {
		room = &roomEntry{
			members:   make(map[domain.ConnID]string),
			createdAt: r.now(),
		}
		r.rooms[roomID] = room
	}
	room.members[connID] = name
	r.memberOf[connID] = roomID
	return !ok
}

func (r *RoomRegistry) Leave(roomID domain.RoomID, connID domain.ConnID) bool {
	r.mu.Lock()
	room, ok := r.rooms[roomID]
	if !ok {
		r.mu.Unlock()
		return false
	}

	delete(room.members, connID)
	if r.memberOf[connID] == roomID {
		delete(r.memberOf, connID)
	}
	if len(room.members) > 0 {
		r.mu.Unlock()
		return false
	}

	delete(r.rooms, roomID)
	var released ports.Router
	if r.releaseOnEmpty {
		if entry, ok := r.routers[roomID]; ok {
			released = entry.router
			delete(r.routers, roomID)
		}
	}
	r.mu.Unlock()

	if released != nil {
		r.closeRouter(roomID, released)
	}
	return true
}

func (r *RoomRegistry) Exists(roomID domain.RoomID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[roomID]
	return ok
}

// RoomOf returns the room connID last joined and the name it joined with.
func (r *RoomRegistry) RoomOf(connID domain.ConnID) (domain.RoomID, string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	roomID, ok := r.memberOf[connID]
	if !ok {
		return "", "", false
	}
	room, ok := r.rooms[roomID]
	if !ok {
		return "", "", false
	}
	name, ok := room.members[connID]
	return roomID, name, ok
}

func (r *RoomRegistry) Members(roomID domain.RoomID) []domain.Member {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	return sortedMembers(room.members)
}

func (r *RoomRegistry) Rooms() []domain.RoomSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	summaries := make([]domain.RoomSummary, 0, len(r.rooms))
	for id, room := range r.rooms {
		summary := domain.RoomSummary{
			ID:        id,
			Members:   sortedMembers(room.members),
			CreatedAt: room.createdAt,
		}
		if entry, ok := r.routers[id]; ok {
			summary.RouterID = entry.router.ID()
		}
		summaries = append(summaries, summary)
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].ID < summaries[j].ID
	})
	return summaries
}

func (r *RoomRegistry) ReapIdleRouters(grace time.Duration) int {
	cutoff := r.now().Add(-grace)

	r.mu.Lock()
	idle := make(map[domain.RoomID]ports.Router)
	for id, entry := range r.routers {
		if _, active := r.rooms[id]; active {
			continue
		}
		if entry.createdAt.After(cutoff) {
			continue
		}
		idle[id] = entry.router
		delete(r.routers, id)
	}
	r.mu.Unlock()

	for id, router := range idle {
		r.closeRouter(id, router)
	}
	return len(idle)
}

// Close releases every router. Later EnsureRouter calls fail.
func (r *RoomRegistry) Close() error {
	r.mu.Lock()
	r.closed = true
	routers := r.routers
	r.routers = make(map[domain.RoomID]*routerEntry)
	r.mu.Unlock()

	for id, entry := range routers {
		r.closeRouter(id, entry.router)
	}
	return nil
}

func (r *RoomRegistry) closeRouter(roomID domain.RoomID, router ports.Router) {
	if err := router.Close(); err != nil {
		r.logger.Warnw("failed to close router",
			"room_id", roomID,
			"router_id", router.ID(),
			"error", err,
		)
		return
	}
	r.logger.Infow("router released",
		"room_id", roomID,
		"router_id", router.ID(),
	)
}

func sortedMembers(members map[domain.ConnID]string) []domain.Member {
	out := make([]domain.Member, 0, len(members))
	for id, name := range members {
		out = append(out, domain.Member{ConnID: id, Name: name})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ConnID < out[j].ConnID
	})
	return out
}
