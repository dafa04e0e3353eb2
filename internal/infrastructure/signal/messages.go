package signal

import (
	"encoding/json"

	apperrors "huddle/pkg/errors"
)

const (
	TypeResponse = "response"
	TypeEvent    = "event"
)

// InboundMessage is one client frame. ID is a client-chosen correlation id;
// frames without one get no reply.
type InboundMessage struct {
	ID    string          `json:"id,omitempty"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type OutboundMessage struct {
	Type  string          `json:"type"`
	ID    string          `json:"id,omitempty"`
	Event string          `json:"event,omitempty"`
	Data  interface{}     `json:"data,omitempty"`
	Error *apperrors.Body `json:"error,omitempty"`
}

func eventMessage(event string, payload interface{}) OutboundMessage {
	return OutboundMessage{Type: TypeEvent, Event: event, Data: payload}
}

func responseMessage(id string, data interface{}) OutboundMessage {
	return OutboundMessage{Type: TypeResponse, ID: id, Data: data}
}

func errorMessage(id string, err error) OutboundMessage {
	body := apperrors.Public(err).Body()
	return OutboundMessage{Type: TypeResponse, ID: id, Error: &body}
}
