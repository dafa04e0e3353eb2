package domain

import "time"

type Peer struct {
	ConnID       ConnID    `json:"conn_id"`
	Name         string    `json:"name"`
	RoomID       RoomID    `json:"room_id"`
	AudioEnabled bool      `json:"audio_enabled"`
	VideoEnabled bool      `json:"video_enabled"`
	// IsSpeaking is reserved for a voice-activity signal and is never set.
	IsSpeaking bool      `json:"is_speaking"`
	JoinedAt   time.Time `json:"joined_at"`
}

// NewPeer returns a peer with audio and video enabled, which is how clients
// enter a room.
func NewPeer(connID ConnID, name string, roomID RoomID) *Peer {
	return &Peer{
		ConnID:       connID,
		Name:         name,
		RoomID:       roomID,
		AudioEnabled: true,
		VideoEnabled: true,
		JoinedAt:     time.Now(),
	}
}

func (p *Peer) Clone() *Peer {
	if p == nil {
		return nil
	}
	cp := *p
	return &cp
}
