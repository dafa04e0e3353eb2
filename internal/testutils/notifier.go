package testutils

import (
	"sync"

	"huddle/internal/core/domain"
)

type Notification struct {
	ConnID  domain.ConnID
	Event   string
	Payload interface{}
}

// RecordingNotifier is a ports.Notifier that remembers every notification.
type RecordingNotifier struct {
	mu    sync.Mutex
	notes []Notification
}

func NewRecordingNotifier() *RecordingNotifier {
	return &RecordingNotifier{}
}

func (n *RecordingNotifier) Notify(connID domain.ConnID, event string, payload interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, Notification{ConnID: connID, Event: event, Payload: payload})
}

// For returns the notifications delivered to connID, oldest first.
func (n *RecordingNotifier) For(connID domain.ConnID) []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()

	var out []Notification
	for _, note := range n.notes {
		if note.ConnID == connID {
			out = append(out, note)
		}
	}
	return out
}

// Events returns the event names delivered to connID.
func (n *RecordingNotifier) Events(connID domain.ConnID) []string {
	var out []string
	for _, note := range n.For(connID) {
		out = append(out, note.Event)
	}
	return out
}

// Last returns the most recent notification named event delivered to connID.
func (n *RecordingNotifier) Last(connID domain.ConnID, event string) (Notification, bool) {
	notes := n.For(connID)
	for i := len(notes) - 1; i >= 0; i-- {
		if notes[i].Event == event {
			return notes[i], true
		}
	}
	return Notification{}, false
}

func (n *RecordingNotifier) Reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = nil
}
