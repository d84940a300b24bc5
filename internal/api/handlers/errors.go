package handlers

import "github.com/gin-gonic/gin"

// 응답 에러 코드
const (
	CodeInvalidBody      = "invalid_body"
	CodeMissingIdentity  = "missing_identity"
	CodeEntryNotFound    = "entry_not_found"
	CodeBatchNotFound    = "batch_not_found"
	CodeNoPendingBatches = "no_pending_batches"
	CodeInternal         = "internal_error"
	CodeUnavailable      = "unavailable"
)

func respondError(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{
		"error": message,
		"code":  code,
	})
}
