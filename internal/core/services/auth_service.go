package services

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

// JoinClaims grant a connection the right to join one room under one name.
type JoinClaims struct {
	RoomID   string `json:"roomId"`
	UserName string `json:"userName"`
	jwt.RegisteredClaims
}

type AuthService interface {
	IssueJoinToken(roomID, userName string) (string, time.Time, error)
	ValidateJoinToken(tokenString string) (*JoinClaims, error)
}

type authService struct {
	jwtSecret []byte
	tokenTTL  time.Duration
	now       func() time.Time
}

func NewAuthService(jwtSecret string, tokenTTL time.Duration) AuthService {
	return &authService{
		jwtSecret: []byte(jwtSecret),
		tokenTTL:  tokenTTL,
		now:       time.Now,
	}
}

func (s *authService) IssueJoinToken(roomID, userName string) (string, time.Time, error) {
	now := s.now()
	expiresAt := now.Add(s.tokenTTL)

	claims := &JoinClaims{
		RoomID:   roomID,
		UserName: userName,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

func (s *authService) ValidateJoinToken(tokenString string) (*JoinClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JoinClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.jwtSecret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	if claims, ok := token.Claims.(*JoinClaims); ok && token.Valid && claims.RoomID != "" {
		return claims, nil
	}

	return nil, ErrInvalidToken
}

type joinClaimsKey struct{}

// WithJoinClaims attaches the claims a connection was admitted with.
func WithJoinClaims(ctx context.Context, claims *JoinClaims) context.Context {
	return context.WithValue(ctx, joinClaimsKey{}, claims)
}

func JoinClaimsFromContext(ctx context.Context) (*JoinClaims, bool) {
	claims, ok := ctx.Value(joinClaimsKey{}).(*JoinClaims)
	return claims, ok && claims != nil
}
