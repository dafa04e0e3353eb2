package http

import (
	"net/http"
	"strings"
	"time"

	"huddle/internal/core/services"
	"huddle/internal/infrastructure/middleware"
	"huddle/pkg/errors"
	"huddle/pkg/validation"

	"github.com/gin-gonic/gin"
)

// TokenHandler issues join tokens for the signaling endpoint.
type TokenHandler struct {
	authService services.AuthService
	adminToken  string
}

func NewTokenHandler(authService services.AuthService, adminToken string) *TokenHandler {
	return &TokenHandler{
		authService: authService,
		adminToken:  adminToken,
	}
}

func (h *TokenHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	{
		api.POST("/tokens", middleware.AdminTokenMiddleware(h.adminToken), h.IssueToken)
	}
}

type IssueTokenRequest struct {
	RoomID   string `json:"roomId" binding:"required"`
	UserName string `json:"userName" binding:"required"`
}

type IssueTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (h *TokenHandler) IssueToken(c *gin.Context) {
	var req IssueTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("roomId and userName are required"))
		return
	}

	req.RoomID = strings.TrimSpace(req.RoomID)
	req.UserName = strings.TrimSpace(req.UserName)
	if err := validation.ValidateRoomID(req.RoomID); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	if err := validation.ValidateUserName(req.UserName); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	token, expiresAt, err := h.authService.IssueJoinToken(req.RoomID, req.UserName)
	if err != nil {
		c.Error(errors.WrapError(err, errors.ErrCodeInternal, "failed to issue token", http.StatusInternalServerError))
		return
	}

	c.JSON(http.StatusCreated, IssueTokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
	})
}
