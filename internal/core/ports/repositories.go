package ports

import (
	"context"
	"time"

	"huddle/internal/core/domain"
)

// PeerRegistry owns peer identity keyed by connection id. Lookups return
// copies; callers never hold the registry's own peer value.
type PeerRegistry interface {
	Register(ctx context.Context, peer *domain.Peer) error
	Lookup(ctx context.Context, id domain.ConnID) (*domain.Peer, error)
	SetAudioEnabled(ctx context.Context, id domain.ConnID, enabled bool) error
	SetVideoEnabled(ctx context.Context, id domain.ConnID, enabled bool) error
	// Touch extends the entry's lifetime in stores that expire peers.
	Touch(ctx context.Context, id domain.ConnID) error
	Remove(ctx context.Context, id domain.ConnID) error
	FindByRoom(ctx context.Context, roomID domain.RoomID) ([]*domain.Peer, error)
	Count(ctx context.Context) (int, error)
}

// RoomRegistry maps rooms to members and to the room's router.
type RoomRegistry interface {
	EnsureRouter(ctx context.Context, roomID domain.RoomID) (Router, error)
	Router(roomID domain.RoomID) (Router, bool)
	// Join reports whether the room was created by this call.
	Join(roomID domain.RoomID, connID domain.ConnID, name string) bool
	// Leave reports whether the room was deleted because it became empty.
	Leave(roomID domain.RoomID, connID domain.ConnID) bool
	Exists(roomID domain.RoomID) bool
	// RoomOf returns the room connID is a member of and its display name.
	RoomOf(connID domain.ConnID) (domain.RoomID, string, bool)
	Members(roomID domain.RoomID) []domain.Member
	Rooms() []domain.RoomSummary
	// ReapIdleRouters closes routers of member-less rooms created before
	// now-grace and returns how many were closed.
	ReapIdleRouters(grace time.Duration) int
	Close() error
}

// TransportEntry is a transport together with the direction it was created
// for.
type TransportEntry struct {
	Transport Transport
	Direction domain.Direction
}

type OwnedProducer struct {
	Owner    domain.ConnID
	Producer Producer
}

type ResourceCounts struct {
	Peers      int
	Transports int
	Producers  int
	Consumers  int
}

// ResourceRegistry owns every engine handle, keyed by the owning connection.
type ResourceRegistry interface {
	Open(connID domain.ConnID)
	AddTransport(connID domain.ConnID, entry TransportEntry) error
	AddProducer(connID domain.ConnID, producer Producer) error
	AddConsumer(connID domain.ConnID, consumer Consumer) error
	HasTransport(connID domain.ConnID, direction domain.Direction) bool
	HasProducer(connID domain.ConnID, kind domain.MediaKind) bool
	FindTransport(connID domain.ConnID, transportID domain.TransportID) (Transport, error)
	FindRecvTransport(connID domain.ConnID) (Transport, error)
	FindProducer(producerID domain.ProducerID) (OwnedProducer, error)
	ProducersOf(connID domain.ConnID) []Producer
	AllProducersExcept(ctx context.Context, connID domain.ConnID, roomID domain.RoomID) ([]domain.ProducerInfo, error)
	ReleaseAll(connID domain.ConnID) error
	Counts() ResourceCounts
}
