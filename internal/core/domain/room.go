package domain

import "time"

type Member struct {
	ConnID ConnID
	Name   string
}

// RoomSummary is a read-only view of a room registry entry.
type RoomSummary struct {
	ID        RoomID
	Members   []Member
	RouterID  RouterID
	CreatedAt time.Time
}

// ProducerInfo describes a producer for discovery by other room members.
type ProducerInfo struct {
	ConnID     ConnID
	ProducerID ProducerID
	Kind       MediaKind
}
