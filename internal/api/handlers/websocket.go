package handlers

import (
	"github.com/Maquiado/queue-bot/internal/websocket"
	"github.com/gin-gonic/gin"
)

// WebSocketHandler WebSocket 연결 처리
type WebSocketHandler struct {
	hub *websocket.Hub
}

// NewWebSocketHandler WebSocketHandler 생성
func NewWebSocketHandler(hub *websocket.Hub) *WebSocketHandler {
	return &WebSocketHandler{
		hub: hub,
	}
}

// HandleWebSocket /queue/events와 같은 메시지를 WebSocket으로 전달
func (h *WebSocketHandler) HandleWebSocket(c *gin.Context) {
	websocket.ServeWs(h.hub, c.Writer, c.Request)
}
