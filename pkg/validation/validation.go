package validation

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Input limits
const (
	MaxRoomIDLength      = 128
	MaxUserNameRunes     = 64
	MaxChatMessageRunes  = 4096
	MaxCorrelationIDSize = 64
)

// ValidateRoomID accepts any printable token; room ids are chosen by clients.
func ValidateRoomID(roomID string) error {
	if strings.TrimSpace(roomID) == "" {
		return fmt.Errorf("roomId is required")
	}
	if len(roomID) > MaxRoomIDLength {
		return fmt.Errorf("roomId is too long (max %d bytes)", MaxRoomIDLength)
	}
	if !utf8.ValidString(roomID) || strings.IndexFunc(roomID, unicode.IsControl) >= 0 {
		return fmt.Errorf("roomId contains invalid characters")
	}
	return nil
}

// ValidateUserName validates a display name
func ValidateUserName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("userName is required")
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("userName is not valid UTF-8")
	}
	if utf8.RuneCountInString(name) > MaxUserNameRunes {
		return fmt.Errorf("userName is too long (max %d characters)", MaxUserNameRunes)
	}
	return nil
}

// ValidateChatMessage validates a chat message
func ValidateChatMessage(message string) error {
	if message == "" {
		return fmt.Errorf("message is required")
	}
	if utf8.RuneCountInString(message) > MaxChatMessageRunes {
		return fmt.Errorf("message is too long (max %d characters)", MaxChatMessageRunes)
	}
	return nil
}

// ValidateCorrelationID validates a request correlation id
func ValidateCorrelationID(id string) error {
	if len(id) > MaxCorrelationIDSize {
		return fmt.Errorf("id is too long (max %d bytes)", MaxCorrelationIDSize)
	}
	return nil
}

// ValidateNonEmptyString validates that a string is not empty
func ValidateNonEmptyString(s, fieldName string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	return nil
}
