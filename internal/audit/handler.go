package audit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"taskstream/internal/logger"
	"taskstream/pkg/errors"
)

// Handler exposes the read side of the audit log.
type Handler struct {
	service *Service
	logger  logger.Logger
}

func NewHandler(service *Service, log logger.Logger) *Handler {
	return &Handler{service: service, logger: log}
}

func (h *Handler) RegisterRoutes(router gin.IRouter) {
	api := router.Group("/api/audit")
	{
		api.GET("", h.listEntries)
		api.GET("/stats", h.getStats)
	}
}

func (h *Handler) listEntries(c *gin.Context) {
	filter, err := filterFromQuery(c)
	if err != nil {
		c.JSON(errors.ToHTTPStatus(err), errors.ToErrorResponse(err))
		return
	}

	entries, err := h.service.List(c.Request.Context(), filter)
	if err != nil {
		h.logger.ErrorwCtx(c.Request.Context(), "Failed to list audit entries", "error", err)
		c.JSON(errors.ToHTTPStatus(err), errors.ToErrorResponse(err))
		return
	}

	if entries == nil {
		entries = []Entry{}
	}

	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
		"offset":  filter.Offset,
	})
}

func (h *Handler) getStats(c *gin.Context) {
	filter, err := filterFromQuery(c)
	if err != nil {
		c.JSON(errors.ToHTTPStatus(err), errors.ToErrorResponse(err))
		return
	}

	stats, err := h.service.Stats(c.Request.Context(), filter)
	if err != nil {
		h.logger.ErrorwCtx(c.Request.Context(), "Failed to compute audit stats", "error", err)
		c.JSON(errors.ToHTTPStatus(err), errors.ToErrorResponse(err))
		return
	}

	c.JSON(http.StatusOK, stats)
}

func filterFromQuery(c *gin.Context) (Filter, error) {
	filter := Filter{
		UserID:    c.Query("user_id"),
		TaskID:    c.Query("task_id"),
		EventType: c.Query("event_type"),
	}

	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return Filter{}, errors.ErrValidation.WithDetail("message", "limit must be a non-negative integer")
		}
		filter.Limit = limit
	}

	if raw := c.Query("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return Filter{}, errors.ErrValidation.WithDetail("message", "offset must be a non-negative integer")
		}
		filter.Offset = offset
	}

	if raw := c.Query("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return Filter{}, errors.ErrValidation.WithDetail("message", "since must be an RFC3339 timestamp")
		}
		filter.Since = &since
	}

	if raw := c.Query("until"); raw != "" {
		until, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return Filter{}, errors.ErrValidation.WithDetail("message", "until must be an RFC3339 timestamp")
		}
		filter.Until = &until
	}

	return filter, nil
}
