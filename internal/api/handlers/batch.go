package handlers

import (
	"errors"
	"net/http"

	"github.com/Maquiado/queue-bot/internal/service"
	"github.com/Maquiado/queue-bot/pkg/logger"
	"github.com/gin-gonic/gin"
)

type BatchHandler struct {
	handoff    *service.HandoffService
	readyCheck *service.ReadyCheckService
}

func NewBatchHandler(handoff *service.HandoffService, readyCheck *service.ReadyCheckService) *BatchHandler {
	return &BatchHandler{
		handoff:    handoff,
		readyCheck: readyCheck,
	}
}

// PendingBatches 대기 중인 배치 목록 (최신순)
func (h *BatchHandler) PendingBatches(c *gin.Context) {
	batches, err := h.handoff.PendingBatches(c.Request.Context())
	if err != nil {
		if errors.Is(err, service.ErrNoPendingBatches) {
			respondError(c, http.StatusNotFound, CodeNoPendingBatches, "No pending batches")
			return
		}

		logger.Error("Failed to list pending batches", "error", err)
		respondError(c, http.StatusInternalServerError, CodeInternal, "Failed to get batches")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"batches": batches,
		"total":   len(batches),
	})
}

// RequestReadyCheck 배치를 레디 체크 요청 상태로 전환
func (h *BatchHandler) RequestReadyCheck(c *gin.Context) {
	batchID := c.Param("batchId")

	batch, err := h.handoff.RequestReadyCheck(c.Request.Context(), batchID)
	if err != nil {
		if errors.Is(err, service.ErrBatchNotFound) {
			respondError(c, http.StatusNotFound, CodeBatchNotFound, "Batch not found")
			return
		}

		logger.Error("Failed to request ready check", "batchId", batchID, "error", err)
		respondError(c, http.StatusInternalServerError, CodeInternal, "Failed to update batch")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"batch": batch,
	})
}

// PendingCohorts 대기 중인 레디 체크 코호트 목록
func (h *BatchHandler) PendingCohorts(c *gin.Context) {
	cohorts, err := h.readyCheck.PendingCohorts(c.Request.Context())
	if err != nil {
		logger.Error("Failed to list pending cohorts", "error", err)
		respondError(c, http.StatusInternalServerError, CodeInternal, "Failed to get cohorts")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"cohorts": cohorts,
		"total":   len(cohorts),
	})
}
