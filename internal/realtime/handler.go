package realtime

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"taskstream/internal/config"
	"taskstream/internal/constants"
	"taskstream/internal/logger"
)

// Handler owns the client-facing side: the WebSocket upgrade endpoint, the
// SSE stream, and a small stats endpoint.
type Handler struct {
	registry *Registry
	cfg      config.RealtimeConfig
	upgrader websocket.Upgrader
	logger   logger.Logger
}

func NewHandler(registry *Registry, cfg config.RealtimeConfig, log logger.Logger) *Handler {
	h := &Handler{
		registry: registry,
		cfg:      cfg,
		logger:   log,
	}

	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}

	return h
}

func (h *Handler) RegisterRoutes(router gin.IRouter) {
	router.GET("/ws/:user_id", h.serveWebSocket)
	router.GET("/api/sse/:user_id", h.serveSSE)
	router.GET("/api/connections/stats", h.connectionStats)
}

// checkOrigin allows everything when no origins are configured; browsers
// are the only clients that send Origin and deployments front this service
// with a gateway in production.
func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (h *Handler) serveWebSocket(c *gin.Context) {
	userID := c.Param("user_id")

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WarnwCtx(c.Request.Context(), "WebSocket upgrade failed",
			"error", err,
			"user_id", userID,
		)
		return
	}

	conn := NewWSConn(ws)
	h.registry.Add(userID, conn)
	h.logger.InfowCtx(c.Request.Context(), "WebSocket client connected", "user_id", userID)

	// Clients never send application data; the read loop exists to notice
	// the close frame and to keep control-frame handling alive.
	go func() {
		defer func() {
			h.registry.Remove(userID, conn)
			_ = conn.Close()
			h.logger.InfowCtx(c.Request.Context(), "WebSocket client disconnected", "user_id", userID)
		}()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *Handler) serveSSE(c *gin.Context) {
	userID := c.Param("user_id")

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}

	bufferSize := h.cfg.SSEBufferSize
	if bufferSize <= 0 {
		bufferSize = constants.DefaultSSEBufferSize
	}

	conn := NewSSEConn(bufferSize).(*sseConn)
	h.registry.Add(userID, conn)
	h.logger.InfowCtx(c.Request.Context(), "SSE client connected", "user_id", userID)

	defer func() {
		h.registry.Remove(userID, conn)
		_ = conn.Close()
		h.logger.InfowCtx(c.Request.Context(), "SSE client disconnected", "user_id", userID)
	}()

	keepAlive := time.Duration(h.cfg.KeepAliveSecond) * time.Second
	if keepAlive <= 0 {
		keepAlive = constants.SSEKeepAlive
	}
	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	// Tell the client it is connected before the first event arrives.
	fmt.Fprintf(c.Writer, ": connected\n\n")
	flusher.Flush()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-conn.Done():
			return
		case payload := <-conn.Messages():
			if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprintf(c.Writer, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (h *Handler) connectionStats(c *gin.Context) {
	counts := h.registry.Counts()
	c.JSON(http.StatusOK, gin.H{
		"users":       h.registry.UserCount(),
		"connections": counts,
	})
}
