package http

import (
	stderrors "errors"
	"net/http"
	"sort"
	"time"

	"huddle/internal/core/domain"
	"huddle/internal/core/services"
	"huddle/pkg/errors"

	"github.com/gin-gonic/gin"
)

type RoomHandler struct {
	roomService *services.RoomService
}

func NewRoomHandler(roomService *services.RoomService) *RoomHandler {
	return &RoomHandler{roomService: roomService}
}

func (h *RoomHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1/rooms")
	{
		api.GET("", h.ListRooms)
		api.GET("/:id", h.GetRoom)
	}
}

type RoomListEntry struct {
	ID          domain.RoomID   `json:"id"`
	RouterID    domain.RouterID `json:"routerId,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	MemberCount int             `json:"memberCount"`
}

func (h *RoomHandler) ListRooms(c *gin.Context) {
	rooms := h.roomService.ListRooms()
	out := make([]RoomListEntry, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, RoomListEntry{
			ID:          r.ID,
			RouterID:    r.RouterID,
			CreatedAt:   r.CreatedAt,
			MemberCount: len(r.Members),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	c.JSON(http.StatusOK, gin.H{
		"rooms": out,
		"total": len(out),
	})
}

func (h *RoomHandler) GetRoom(c *gin.Context) {
	roomID := domain.RoomID(c.Param("id"))

	detail, err := h.roomService.GetRoom(c.Request.Context(), roomID)
	if err != nil {
		if stderrors.Is(err, domain.ErrRoomNotFound) {
			c.Error(errors.NewNotFoundError("room"))
			return
		}
		c.Error(errors.WrapError(err, errors.ErrCodeInternal, "failed to load room", http.StatusInternalServerError))
		return
	}

	c.JSON(http.StatusOK, detail)
}
