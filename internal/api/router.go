package api

import (
	"github.com/Maquiado/queue-bot/internal/api/handlers"
	"github.com/Maquiado/queue-bot/internal/api/middleware"
	"github.com/Maquiado/queue-bot/internal/config"
	"github.com/Maquiado/queue-bot/internal/service"
	"github.com/Maquiado/queue-bot/internal/websocket"
	"github.com/Maquiado/queue-bot/pkg/ratelimit"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Services 라우터가 사용하는 컴포넌트
type Services struct {
	Cache      *service.QueueCache
	Handoff    *service.HandoffService
	ReadyCheck *service.ReadyCheckService
	Scheduler  *service.PollScheduler
	Hub        *websocket.Hub
	Limiter    ratelimit.Limiter
}

// SetupRouter API 라우터 설정
func SetupRouter(cfg *config.Config, svc Services) *gin.Engine {
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	// 전역 미들웨어
	router.Use(gin.Recovery())
	router.Use(middleware.Logger())
	router.Use(middleware.CORS(cfg.CORSAllowedOrigins))

	// Handler 초기화
	healthHandler := handlers.NewHealthHandler(svc.Cache, svc.Handoff, svc.Scheduler, cfg.WorkerID)
	queueHandler := handlers.NewQueueHandler(svc.Cache, svc.Hub)
	batchHandler := handlers.NewBatchHandler(svc.Handoff, svc.ReadyCheck)
	wsHandler := handlers.NewWebSocketHandler(svc.Hub)

	// 쓰기 엔드포인트 Rate Limit
	writeLimit := func(c *gin.Context) { c.Next() }
	if svc.Limiter != nil {
		writeLimit = middleware.RateLimit(svc.Limiter, middleware.IPKeyFunc)
	}

	// Health check
	router.GET("/health", healthHandler.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Queue routes
	queue := router.Group("/queue")
	{
		queue.GET("", queueHandler.GetQueue)
		queue.GET("/events", queueHandler.Events)
		queue.GET("/summary", queueHandler.Summary)
		queue.POST("/frame", writeLimit, queueHandler.Frame)
	}

	// Batch routes
	router.GET("/batches/pending", batchHandler.PendingBatches)
	router.POST("/ready-check/:batchId", writeLimit, batchHandler.RequestReadyCheck)
	router.GET("/cohorts/pending", batchHandler.PendingCohorts)

	// WebSocket route
	router.GET("/ws", wsHandler.HandleWebSocket)

	return router
}
