package handlers

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Maquiado/queue-bot/internal/service"
	"github.com/Maquiado/queue-bot/internal/websocket"
	"github.com/gin-gonic/gin"
)

const sseHeartbeat = 25 * time.Second

type QueueHandler struct {
	cache *service.QueueCache
	hub   *websocket.Hub
}

func NewQueueHandler(cache *service.QueueCache, hub *websocket.Hub) *QueueHandler {
	return &QueueHandler{
		cache: cache,
		hub:   hub,
	}
}

// FrameRequest 꾸미기 필드 업데이트 요청
type FrameRequest struct {
	ID         string  `json:"id"`
	PlayerID   string  `json:"playerId"`
	FrameColor *string `json:"frameColor"`
	FrameStyle *string `json:"frameStyle"`
}

// GetQueue 현재 큐 스냅샷 (입장 순)
func (h *QueueHandler) GetQueue(c *gin.Context) {
	c.JSON(http.StatusOK, h.cache.View())
}

// Summary 필드별 값 분포
func (h *QueueHandler) Summary(c *gin.Context) {
	var fields []string
	for _, field := range strings.Split(c.Query("by"), ",") {
		if field = strings.TrimSpace(field); field != "" {
			fields = append(fields, field)
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"by": h.cache.Summary(fields),
	})
}

// Events 큐 변경 SSE 스트림 (init 후 변경마다 queue 이벤트)
func (h *QueueHandler) Events(c *gin.Context) {
	sub := h.hub.Subscribe("sse")
	if sub == nil {
		respondError(c, http.StatusServiceUnavailable, CodeUnavailable, "Server is shutting down")
		return
	}
	defer h.hub.Unsubscribe(sub)

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case msg, ok := <-sub.Messages():
			if !ok {
				return false
			}
			c.SSEvent(msg.Type, msg.Payload)
			return true
		case <-heartbeat.C:
			c.SSEvent("ping", time.Now().UnixMilli())
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// Frame 캐시된 항목의 꾸미기 필드 업데이트
func (h *QueueHandler) Frame(c *gin.Context) {
	var req FrameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, CodeInvalidBody, err.Error())
		return
	}

	entry, err := h.cache.ApplyFrame(service.FrameUpdate{
		ID:         req.ID,
		PlayerID:   req.PlayerID,
		FrameColor: req.FrameColor,
		FrameStyle: req.FrameStyle,
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrMissingIdentity):
			respondError(c, http.StatusBadRequest, CodeMissingIdentity, "id or playerId is required")
		case errors.Is(err, service.ErrEntryNotFound):
			respondError(c, http.StatusNotFound, CodeEntryNotFound, "Queue entry not found")
		default:
			respondError(c, http.StatusInternalServerError, CodeInternal, "Failed to update frame")
		}
		return
	}

	c.JSON(http.StatusOK, entry)
}
