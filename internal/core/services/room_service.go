package services

import (
	"context"
	"errors"
	"time"

	"huddle/internal/core/domain"
	"huddle/internal/core/ports"
)

type MemberDetail struct {
	SocketID     domain.ConnID `json:"socketId"`
	UserName     string        `json:"userName"`
	AudioEnabled bool          `json:"audioEnabled"`
	VideoEnabled bool          `json:"videoEnabled"`
	IsSpeaking   bool          `json:"isSpeaking"`
	JoinedAt     time.Time     `json:"joinedAt"`
}

type RoomDetail struct {
	ID            domain.RoomID   `json:"id"`
	RouterID      domain.RouterID `json:"routerId,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	Members       []MemberDetail  `json:"members"`
	ProducerCount int             `json:"producerCount"`
}

// RoomService answers read-only questions about live rooms.
type RoomService struct {
	peers     ports.PeerRegistry
	rooms     ports.RoomRegistry
	resources ports.ResourceRegistry
}

func NewRoomService(peers ports.PeerRegistry, rooms ports.RoomRegistry, resources ports.ResourceRegistry) *RoomService {
	return &RoomService{
		peers:     peers,
		rooms:     rooms,
		resources: resources,
	}
}

func (s *RoomService) ListRooms() []domain.RoomSummary {
	return s.rooms.Rooms()
}

func (s *RoomService) GetRoom(ctx context.Context, roomID domain.RoomID) (*RoomDetail, error) {
	var summary *domain.RoomSummary
	for _, room := range s.rooms.Rooms() {
		if room.ID == roomID {
			room := room
			summary = &room
			break
		}
	}
	if summary == nil {
		return nil, domain.ErrRoomNotFound
	}

	detail := &RoomDetail{
		ID:        summary.ID,
		RouterID:  summary.RouterID,
		CreatedAt: summary.CreatedAt,
		Members:   make([]MemberDetail, 0, len(summary.Members)),
	}
	for _, member := range summary.Members {
		md := MemberDetail{SocketID: member.ConnID, UserName: member.Name}
		peer, err := s.peers.Lookup(ctx, member.ConnID)
		switch {
		case err == nil:
			md.AudioEnabled = peer.AudioEnabled
			md.VideoEnabled = peer.VideoEnabled
			md.IsSpeaking = peer.IsSpeaking
			md.JoinedAt = peer.JoinedAt
		case !errors.Is(err, domain.ErrPeerNotFound):
			return nil, err
		}
		detail.Members = append(detail.Members, md)
		detail.ProducerCount += len(s.resources.ProducersOf(member.ConnID))
	}
	return detail, nil
}
