package ports

import (
	"context"

	"huddle/internal/core/domain"
)

// MediaEngine is the external SFU engine. Done is closed when the engine can
// no longer serve any router; the process must not keep running after that.
type MediaEngine interface {
	CreateRouter(ctx context.Context, codecs []domain.RTPCodecCapability) (Router, error)
	Done() <-chan struct{}
	Err() error
	Close() error
}

type TransportOptions struct {
	Direction domain.Direction
}

type Router interface {
	ID() domain.RouterID
	RTPCapabilities() domain.RTPCapabilities
	CreateWebRTCTransport(ctx context.Context, opts TransportOptions) (Transport, error)
	CanConsume(producerID domain.ProducerID, caps domain.RTPCapabilities) bool
	Close() error
}

type Transport interface {
	ID() domain.TransportID
	Parameters() domain.TransportParameters
	Connect(ctx context.Context, params domain.ConnectParameters) error
	Produce(ctx context.Context, kind domain.MediaKind, params domain.RTPParameters) (Producer, error)
	Consume(ctx context.Context, producerID domain.ProducerID, caps domain.RTPCapabilities) (Consumer, error)
	Close() error
}

type Producer interface {
	ID() domain.ProducerID
	Kind() domain.MediaKind
	Pause() error
	Resume() error
	Paused() bool
	Close() error
}

type Consumer interface {
	ID() domain.ConsumerID
	ProducerID() domain.ProducerID
	Kind() domain.MediaKind
	RTPParameters() domain.RTPParameters
	Close() error
}
