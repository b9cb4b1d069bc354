package notification

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"taskstream/internal/logger"
	"taskstream/pkg/errors"
)

type Handler struct {
	repo   Repository
	logger logger.Logger
}

func NewHandler(repo Repository, log logger.Logger) *Handler {
	return &Handler{repo: repo, logger: log}
}

func (h *Handler) RegisterRoutes(router gin.IRouter) {
	api := router.Group("/api/notifications")
	{
		api.GET("/:user_id", h.listForUser)
		api.POST("/:user_id/read", h.markAllRead)
		api.POST("/read/:id", h.markRead)
	}
}

func (h *Handler) listForUser(c *gin.Context) {
	userID := c.Param("user_id")

	unreadOnly := c.Query("unread") == "true"

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			err := errors.ErrValidation.WithDetail("message", "limit must be a non-negative integer")
			c.JSON(errors.ToHTTPStatus(err), errors.ToErrorResponse(err))
			return
		}
		limit = parsed
	}

	offset := 0
	if raw := c.Query("offset"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			err := errors.ErrValidation.WithDetail("message", "offset must be a non-negative integer")
			c.JSON(errors.ToHTTPStatus(err), errors.ToErrorResponse(err))
			return
		}
		offset = parsed
	}

	notifications, err := h.repo.ListByUser(c.Request.Context(), userID, unreadOnly, limit, offset)
	if err != nil {
		h.logger.ErrorwCtx(c.Request.Context(), "Failed to list notifications", "error", err, "user_id", userID)
		c.JSON(errors.ToHTTPStatus(err), errors.ToErrorResponse(err))
		return
	}

	if notifications == nil {
		notifications = []Notification{}
	}

	c.JSON(http.StatusOK, gin.H{
		"notifications": notifications,
		"count":         len(notifications),
	})
}

func (h *Handler) markRead(c *gin.Context) {
	id := c.Param("id")

	if err := h.repo.MarkRead(c.Request.Context(), id); err != nil {
		if !errors.IsNotFound(err) {
			h.logger.ErrorwCtx(c.Request.Context(), "Failed to mark notification read", "error", err, "notification_id", id)
		}
		c.JSON(errors.ToHTTPStatus(err), errors.ToErrorResponse(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "read"})
}

func (h *Handler) markAllRead(c *gin.Context) {
	userID := c.Param("user_id")

	updated, err := h.repo.MarkAllRead(c.Request.Context(), userID)
	if err != nil {
		h.logger.ErrorwCtx(c.Request.Context(), "Failed to mark notifications read", "error", err, "user_id", userID)
		c.JSON(errors.ToHTTPStatus(err), errors.ToErrorResponse(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"updated": updated})
}
