package domain

import "errors"

var (
	ErrPeerNotFound          = errors.New("peer not found")
	ErrPeerGone              = errors.New("peer disconnected")
	ErrRoomNotFound          = errors.New("room not found")
	ErrTransportNotFound     = errors.New("transport not found")
	ErrRecvTransportNotFound = errors.New("receive transport not found")
	ErrTransportExists       = errors.New("transport already exists for direction")
	ErrProducerNotFound      = errors.New("producer not found")
	ErrProducerExists        = errors.New("producer already exists for kind")
	ErrCannotConsume         = errors.New("cannot consume this producer")
	ErrRouterClosed          = errors.New("router closed")
	ErrNotJoined             = errors.New("peer has not joined a room")
	ErrRoomMismatch          = errors.New("room does not match peer's room")
)
