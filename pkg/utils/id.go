package utils

import "github.com/google/uuid"

// NewConnID issues the id of a new signaling connection.
func NewConnID() string {
	return uuid.NewString()
}

// NewRequestID generates a request ID
func NewRequestID() string {
	return "req_" + uuid.NewString()
}

// NewInstanceID generates a short ID for this server instance
func NewInstanceID() string {
	return "inst_" + uuid.NewString()[:8]
}
