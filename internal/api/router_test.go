package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Maquiado/queue-bot/internal/config"
	"github.com/Maquiado/queue-bot/internal/models"
	"github.com/Maquiado/queue-bot/internal/repository"
	"github.com/Maquiado/queue-bot/internal/service"
	"github.com/Maquiado/queue-bot/internal/websocket"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fixture struct {
	store   *repository.MemoryStore
	cache   *service.QueueCache
	handoff *service.HandoffService
	router  *gin.Engine
}

func newFixture(t *testing.T, entries int) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ctx := context.Background()
	store := repository.NewMemoryStore()
	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < entries; i++ {
		entry := models.QueueEntry{
			ID:            fmt.Sprintf("entry-%02d", i),
			ParticipantID: fmt.Sprintf("player-%02d", i),
			EnqueuedAt:    base.Add(time.Duration(i) * time.Second),
			Rank:          "Ouro",
		}
		if i%2 == 0 {
			entry.Region = "br"
		}
		require.NoError(t, store.Enqueue(ctx, &entry))
	}

	logger := zap.NewNop()
	cache := service.NewQueueCache(store, 100, logger)
	_, err := cache.Reconcile(ctx)
	require.NoError(t, err)

	hub := websocket.NewHub(func() interface{} { return cache.View() }, []string{"*"}, logger)
	hubCtx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(hubCtx)
	cache.OnChange(func() { hub.BroadcastSnapshot(websocket.MessageQueue) })

	lease := service.NewLeaseLock(store, "matchmaking", "worker-1", time.Minute, logger)
	handoff := service.NewHandoffService(store, cache, nil, 10, time.Second, logger)
	readyCheck := service.NewReadyCheckService(store, 10, 30*time.Second, time.Second, logger)
	scheduler := service.NewPollScheduler(lease, cache, handoff, time.Second, 30*time.Second, logger)

	cfg := &config.Config{Env: "test", WorkerID: "worker-1", CORSAllowedOrigins: []string{"*"}}
	router := SetupRouter(cfg, Services{
		Cache:      cache,
		Handoff:    handoff,
		ReadyCheck: readyCheck,
		Scheduler:  scheduler,
		Hub:        hub,
	})

	return &fixture{store: store, cache: cache, handoff: handoff, router: router}
}

func (f *fixture) do(method, path string, body interface{}) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v))
}

func TestGetQueue(t *testing.T) {
	f := newFixture(t, 3)

	w := f.do(http.MethodGet, "/queue", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp service.QueueView
	decode(t, w, &resp)
	assert.Equal(t, 3, resp.Size)
	require.Len(t, resp.Players, 3)
	assert.Equal(t, "entry-00", resp.Players[0].ID)
	assert.Equal(t, "entry-02", resp.Players[2].ID)
}

func TestHealth(t *testing.T) {
	f := newFixture(t, 2)

	w := f.do(http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	decode(t, w, &resp)
	assert.Equal(t, float64(2), resp["cacheSize"])
	assert.Equal(t, float64(0), resp["assignedCount"])
	assert.Equal(t, "worker-1", resp["workerId"])
	assert.Equal(t, float64(f.cache.LastSeenTs().UnixMilli()), resp["lastSeenTs"])
}

func TestSummary(t *testing.T) {
	f := newFixture(t, 4)

	w := f.do(http.MethodGet, "/queue/summary?by=region,elo,missing", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		By map[string]map[string]int `json:"by"`
	}
	decode(t, w, &resp)
	assert.Equal(t, map[string]int{"br": 2, "unknown": 2}, resp.By["region"])
	assert.Equal(t, map[string]int{"Ouro": 4}, resp.By["elo"])
	assert.Equal(t, map[string]int{"unknown": 4}, resp.By["missing"])
}

func TestFrame(t *testing.T) {
	f := newFixture(t, 2)

	t.Run("식별자 없으면 400", func(t *testing.T) {
		w := f.do(http.MethodPost, "/queue/frame", map[string]string{"frameColor": "red"})
		assert.Equal(t, http.StatusBadRequest, w.Code)

		var resp map[string]string
		decode(t, w, &resp)
		assert.Equal(t, "missing_identity", resp["code"])
	})

	t.Run("없는 항목은 404", func(t *testing.T) {
		w := f.do(http.MethodPost, "/queue/frame", map[string]string{"id": "ghost", "frameColor": "red"})
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("두 번 보내도 같은 결과", func(t *testing.T) {
		body := map[string]string{"playerId": "player-01", "frameColor": "gold", "frameStyle": "neon"}

		first := f.do(http.MethodPost, "/queue/frame", body)
		require.Equal(t, http.StatusOK, first.Code)
		second := f.do(http.MethodPost, "/queue/frame", body)
		require.Equal(t, http.StatusOK, second.Code)

		assert.JSONEq(t, first.Body.String(), second.Body.String())

		var entry models.QueueEntry
		decode(t, second, &entry)
		assert.Equal(t, "entry-01", entry.ID)
		assert.Equal(t, "gold", entry.FrameColor)
		assert.Equal(t, "neon", entry.FrameStyle)
		assert.Equal(t, 2, f.cache.Size())
	})
}

func TestBatches(t *testing.T) {
	f := newFixture(t, 10)

	t.Run("대기 배치가 없으면 404", func(t *testing.T) {
		w := f.do(http.MethodGet, "/batches/pending", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	batch, err := f.handoff.MaybeFormBatch(context.Background())
	require.NoError(t, err)
	require.NotNil(t, batch)

	t.Run("대기 배치 조회", func(t *testing.T) {
		w := f.do(http.MethodGet, "/batches/pending", nil)
		require.Equal(t, http.StatusOK, w.Code)

		var resp struct {
			Batches []models.Batch `json:"batches"`
		}
		decode(t, w, &resp)
		require.Len(t, resp.Batches, 1)
		assert.Equal(t, batch.ID, resp.Batches[0].ID)
	})

	t.Run("레디 체크 요청", func(t *testing.T) {
		w := f.do(http.MethodPost, "/ready-check/"+batch.ID, nil)
		require.Equal(t, http.StatusOK, w.Code)

		var resp struct {
			Batch models.Batch `json:"batch"`
		}
		decode(t, w, &resp)
		assert.Equal(t, models.BatchStatusReadyRequested, resp.Batch.Status)
	})

	t.Run("없는 배치는 404", func(t *testing.T) {
		w := f.do(http.MethodPost, "/ready-check/missing", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)

		var resp map[string]string
		decode(t, w, &resp)
		assert.Equal(t, "batch_not_found", resp["code"])
	})
}

func TestCohortsPending(t *testing.T) {
	f := newFixture(t, 0)

	w := f.do(http.MethodGet, "/cohorts/pending", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	decode(t, w, &resp)
	assert.Equal(t, float64(0), resp["total"])
}

func TestQueueEvents(t *testing.T) {
	f := newFixture(t, 1)

	server := httptest.NewServer(f.router)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/queue/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	reader := bufio.NewReader(resp.Body)
	readEvent := func() string {
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			if strings.HasPrefix(line, "event:") {
				return strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			}
		}
	}

	assert.Equal(t, "init", readEvent())

	entry := models.QueueEntry{ID: "late", ParticipantID: "late-player", EnqueuedAt: time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)}
	require.NoError(t, f.store.Enqueue(context.Background(), &entry))
	_, err = f.cache.Sync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "queue", readEvent())
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t, 0)

	req := httptest.NewRequest(http.MethodOptions, "/queue/frame", nil)
	req.Header.Set("Origin", "https://app.example.com")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, 3)

	w := f.do(http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "queuebot_synced_entries_total")
	assert.Contains(t, w.Body.String(), "queuebot_cache_size")
}
