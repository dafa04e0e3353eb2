package services

import (
	"encoding/json"
	"strings"

	"huddle/internal/core/domain"
)

// Inbound signaling events.
const (
	EventJoinRoom            = "join-room"
	EventGetRTPCapabilities  = "get-rtp-capabilities"
	EventCreateTransport     = "create-transport"
	EventConnectTransport    = "connect-transport"
	EventProduce             = "produce"
	EventConsume             = "consume"
	EventGetAllProducers     = "get-all-producers"
	EventPausedProducerVideo = "paused-producer-video"
	EventResumeProducerVideo = "resume-producer-video"
	EventPausedProducerAudio = "paused-producer-audio"
	EventResumeProducerAudio = "resume-producer-audio"
	EventSendNewMessage      = "send-new-message"
)

// Outbound notifications.
const (
	NotifyConnected         = "connected"
	NotifyUserJoined        = "user-joined"
	NotifyUserLeft          = "user-left"
	NotifyNewProducer       = "new-producer"
	NotifyUserPausedVideo   = "user-paused-video"
	NotifyUserResumeVideo   = "user-resume-video"
	NotifyUserPausedAudio   = "user-paused-audio"
	NotifyUserResumeAudio   = "user-resume-audio"
	NotifyReceiveNewMessage = "receive-new-message"
)

// Consume failures are replied as data, not as protocol errors.
const (
	consumeErrCannotConsume = "Cannot consume this producer"
	consumeErrNoRecv        = "Receive transport not found"
	consumeErrEngine        = "Internal server error during consume"
)

type JoinRoomRequest struct {
	RoomID   string `json:"roomId"`
	UserName string `json:"userName"`
}

type RTPCapabilitiesRequest struct {
	RoomID string `json:"roomId"`
}

type CreateTransportRequest struct {
	RoomID    string           `json:"roomId"`
	Direction domain.Direction `json:"direction"`
}

type ConnectTransportRequest struct {
	TransportID    string                `json:"transportId"`
	DTLSParameters domain.DTLSParameters `json:"dtlsParameters"`
	ICEParameters  *domain.ICEParameters `json:"iceParameters,omitempty"`
	ICECandidates  []domain.ICECandidate `json:"iceCandidates,omitempty"`
}

type ProduceRequest struct {
	TransportID   string               `json:"transportId"`
	Kind          domain.MediaKind     `json:"kind"`
	RTPParameters domain.RTPParameters `json:"rtpParameters"`
}

type ConsumeRequest struct {
	ProducerID      string                 `json:"producerId"`
	RTPCapabilities domain.RTPCapabilities `json:"rtpCapabilities"`
	TargetSocketID  string                 `json:"targetSocketId,omitempty"`
}

type ChatMessageRequest struct {
	RoomID     string          `json:"roomId"`
	UserName   string          `json:"userName"`
	NewMessage string          `json:"newMessage"`
	Message    string          `json:"message"`
	TimeStamp  json.RawMessage `json:"timeStamp,omitempty"`
}

// text returns the chat body; older clients send it as "message".
func (r ChatMessageRequest) text() string {
	if r.NewMessage != "" {
		return r.NewMessage
	}
	return r.Message
}

type ProducerReply struct {
	ID domain.ProducerID `json:"id"`
}

type ProducerEntry struct {
	SocketID   domain.ConnID     `json:"socketId"`
	ProducerID domain.ProducerID `json:"producerId"`
	Kind       domain.MediaKind  `json:"kind"`
}

type ProducersReply struct {
	Producers []ProducerEntry `json:"producers"`
}

type ConsumerInfo struct {
	ID            domain.ConsumerID    `json:"id"`
	ProducerID    domain.ProducerID    `json:"producerId"`
	Kind          domain.MediaKind     `json:"kind"`
	RTPParameters domain.RTPParameters `json:"rtpParameters"`
}

type UserInfo struct {
	SocketID     domain.ConnID `json:"socketId"`
	UserName     string        `json:"userName"`
	VideoEnabled bool          `json:"videoEnabled"`
	AudioEnabled bool          `json:"audioEnabled"`
	IsSpeaking   bool          `json:"isSpeaking"`
}

type ConsumeReply struct {
	ProducerInfo *ConsumerInfo `json:"producerInfo,omitempty"`
	UserInfo     *UserInfo     `json:"userInfo,omitempty"`
	Error        string        `json:"error,omitempty"`
}

type UserPresence struct {
	UserName string        `json:"userName"`
	SocketID domain.ConnID `json:"socketId"`
}

type NewProducerNotice struct {
	SocketID   domain.ConnID     `json:"socketId"`
	ProducerID domain.ProducerID `json:"producerId"`
	Kind       domain.MediaKind  `json:"kind"`
}

type MuteNotice struct {
	SocketID domain.ConnID `json:"socketId"`
}

type ChatNotice struct {
	UserName   string          `json:"userName"`
	NewMessage string          `json:"newMessage"`
	TimeStamp  json.RawMessage `json:"timeStamp"`
}

// decodeConnectionID reads the optional connection id sent with the mute
// events. Clients send either a bare JSON string or {"connectionId": "..."}.
func decodeConnectionID(data json.RawMessage) (domain.ConnID, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		return "", nil
	}

	var id string
	if strings.HasPrefix(trimmed, `"`) {
		if err := json.Unmarshal(data, &id); err != nil {
			return "", err
		}
		return domain.ConnID(id), nil
	}

	var body struct {
		ConnectionID string `json:"connectionId"`
		SocketID     string `json:"socketId"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return "", err
	}
	if body.ConnectionID != "" {
		return domain.ConnID(body.ConnectionID), nil
	}
	return domain.ConnID(body.SocketID), nil
}
