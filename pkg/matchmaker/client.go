package matchmaker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Maquiado/queue-bot/internal/models"
	"github.com/Maquiado/queue-bot/pkg/logger"
)

// Client 다운스트림 매치메이커 알림 클라이언트
// 배치 레코드가 원본이므로 알림은 best-effort (재시도 없음)
type Client struct {
	url        string
	httpClient *http.Client
}

// NotifyRequest 매치메이커에 보내는 본문
type NotifyRequest struct {
	ID      string              `json:"id"`
	Players []models.QueueEntry `json:"players"`
}

// NewClient 매치메이커 클라이언트 생성 (url이 비어 있으면 nil)
func NewClient(url string, timeout time.Duration) *Client {
	if url == "" {
		return nil
	}

	logger.Info("Matchmaker notifications enabled", "url", url, "timeout", timeout)

	return &Client{
		url: url,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// NotifyBatch 배치 생성 알림 전송
func (c *Client) NotifyBatch(ctx context.Context, batch *models.Batch) error {
	body, err := json.Marshal(NotifyRequest{ID: batch.ID, Players: batch.Players})
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to notify matchmaker: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("matchmaker responded with status %d", resp.StatusCode)
	}
	return nil
}
