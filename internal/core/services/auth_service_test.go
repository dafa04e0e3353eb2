package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthService_JoinToken(t *testing.T) {
	svc := NewAuthService("secret", time.Hour)

	token, expiresAt, err := svc.IssueJoinToken("abc", "alice")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiresAt, time.Minute)

	claims, err := svc.ValidateJoinToken(token)
	require.NoError(t, err)
	assert.Equal(t, "abc", claims.RoomID)
	assert.Equal(t, "alice", claims.UserName)
}

func TestAuthService_Rejects(t *testing.T) {
	svc := NewAuthService("secret", time.Hour)
	token, _, err := svc.IssueJoinToken("abc", "alice")
	require.NoError(t, err)

	other := NewAuthService("other-secret", time.Hour)
	_, err = other.ValidateJoinToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = svc.ValidateJoinToken("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired := &authService{
		jwtSecret: []byte("secret"),
		tokenTTL:  time.Minute,
		now:       func() time.Time { return time.Now().Add(-time.Hour) },
	}
	old, _, err := expired.IssueJoinToken("abc", "alice")
	require.NoError(t, err)
	_, err = svc.ValidateJoinToken(old)
	assert.ErrorIs(t, err, ErrExpiredToken)
}
