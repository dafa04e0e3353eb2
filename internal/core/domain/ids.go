package domain

// ConnID is issued by the transport layer, one per live connection.
type ConnID string

// RoomID is an opaque, caller-supplied room token.
type RoomID string

type RouterID string
type TransportID string
type ProducerID string
type ConsumerID string

type Direction string

const (
	DirectionSend Direction = "send"
	DirectionRecv Direction = "recv"
)

func (d Direction) Valid() bool {
	return d == DirectionSend || d == DirectionRecv
}

type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

func (k MediaKind) Valid() bool {
	return k == KindAudio || k == KindVideo
}
