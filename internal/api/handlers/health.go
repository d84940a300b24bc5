package handlers

import (
	"net/http"

	"github.com/Maquiado/queue-bot/internal/service"
	"github.com/gin-gonic/gin"
)

type HealthHandler struct {
	cache     *service.QueueCache
	handoff   *service.HandoffService
	scheduler *service.PollScheduler
	workerID  string
}

func NewHealthHandler(cache *service.QueueCache, handoff *service.HandoffService, scheduler *service.PollScheduler, workerID string) *HealthHandler {
	return &HealthHandler{
		cache:     cache,
		handoff:   handoff,
		scheduler: scheduler,
		workerID:  workerID,
	}
}

// HealthCheck 워커 상태
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	var lastSeenTs int64
	if ts := h.cache.LastSeenTs(); !ts.IsZero() {
		lastSeenTs = ts.UnixMilli()
	}

	status := h.scheduler.Status()

	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"cacheSize":      h.cache.Size(),
		"assignedCount":  h.handoff.AssignedCount(),
		"lastSeenTs":     lastSeenTs,
		"leaseHeld":      status.LeaseHeld,
		"pollIntervalMs": status.Interval.Milliseconds(),
		"workerId":       h.workerID,
	})
}
