package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Maquiado/queue-bot/internal/api"
	"github.com/Maquiado/queue-bot/internal/config"
	"github.com/Maquiado/queue-bot/internal/models"
	"github.com/Maquiado/queue-bot/internal/repository"
	"github.com/Maquiado/queue-bot/internal/service"
	"github.com/Maquiado/queue-bot/internal/websocket"
	"github.com/Maquiado/queue-bot/pkg/logger"
	"github.com/Maquiado/queue-bot/pkg/matchmaker"
	"github.com/Maquiado/queue-bot/pkg/ratelimit"
)

func main() {
	// 설정 로드
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 로거 초기화
	logger.Init(cfg.LogLevel, cfg.Env)
	defer logger.Sync()

	logger.Info("Starting queue-bot worker",
		"port", cfg.Port,
		"env", cfg.Env,
		"workerId", cfg.WorkerID,
		"store", cfg.StoreDriver,
	)

	// 공유 저장소 연결
	store, limiter, err := openStore(cfg)
	if err != nil {
		logger.Fatal("Failed to open store", "driver", cfg.StoreDriver, "error", err)
	}
	defer store.Close()

	logger.Info("Store connection established", "driver", cfg.StoreDriver)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 큐 캐시 초기화 (부팅 시 전체 동기화)
	cache := service.NewQueueCache(store, cfg.QueuePageSize, logger.Named("cache"))
	if _, err := cache.Reconcile(ctx); err != nil {
		logger.Error("Initial queue reconciliation failed", "error", err)
	}

	// 브로드캐스트 Hub 시작
	hub := websocket.NewHub(func() interface{} { return cache.View() }, cfg.CORSAllowedOrigins, logger.Named("hub"))
	go hub.Run(ctx)
	cache.OnChange(func() {
		hub.BroadcastSnapshot(websocket.MessageQueue)
	})

	// 핸드오프 (매치메이커 알림은 선택)
	var notifier service.BatchNotifier
	if client := matchmaker.NewClient(cfg.MatchmakerURL, cfg.NotifyTimeout); client != nil {
		notifier = client
	}
	handoff := service.NewHandoffService(store, cache, notifier, cfg.BatchSize, cfg.NotifyTimeout, logger.Named("handoff"))

	// 폴링 스케줄러
	leaseStore, err := repository.OpenLeaseStore(cfg, store, logger.Named("lease_store"))
	if err != nil {
		logger.Fatal("Failed to open lease backend", "backend", cfg.LeaseBackend, "error", err)
	}
	lease := service.NewLeaseLock(leaseStore, cfg.LeaseName, cfg.WorkerID, cfg.LeaseTTL, logger.Named("lease"))
	var scheduler *service.PollScheduler
	if cfg.HandoffEnabled {
		scheduler = service.NewPollScheduler(lease, cache, handoff, cfg.PollMinInterval, cfg.PollMaxInterval, logger.Named("scheduler"))
	} else {
		scheduler = service.NewPollScheduler(lease, cache, nil, cfg.PollMinInterval, cfg.PollMaxInterval, logger.Named("scheduler"))
	}
	scheduler.Start()

	// 레디 체크 (큐 변경 알림 기반)
	readyCheck := service.NewReadyCheckService(store, cfg.CohortSize, cfg.ReadyWindow, cfg.SettingsRefresh, logger.Named("ready_check"))
	readyCheck.OnCohort(func(cohort *models.ReadyCheckCohort) {
		hub.Broadcast(websocket.MessageCohort, cohort)
	})
	readyCheckDone := make(chan struct{})
	go func() {
		defer close(readyCheckDone)
		readyCheck.Run(ctx)
	}()

	// 라우터 설정
	router := api.SetupRouter(cfg, api.Services{
		Cache:      cache,
		Handoff:    handoff,
		ReadyCheck: readyCheck,
		Scheduler:  scheduler,
		Hub:        hub,
		Limiter:    limiter,
	})

	// 서버 설정 (SSE 스트림 때문에 WriteTimeout 없음)
	srv := &http.Server{
		Addr:        fmt.Sprintf(":%s", cfg.Port),
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// 서버 시작 (고루틴)
	go func() {
		logger.Info("Server listening", "address", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", "error", err)
		}
	}()

	// Graceful shutdown 대기
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// 스트림 구독자부터 정리해야 Shutdown이 끝난다
	hub.Close()
	scheduler.Stop()
	cancel()
	<-readyCheckDone
	handoff.Wait()

	// 10초 타임아웃으로 종료
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := lease.Release(shutdownCtx); err != nil {
		logger.Warn("Failed to release lease", "error", err)
	}

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}

	if stopper, ok := limiter.(interface{ Stop() }); ok {
		stopper.Stop()
	}

	logger.Info("Server exited")
}

// openStore STORE_DRIVER에 맞는 저장소와 Rate Limiter 생성
func openStore(cfg *config.Config) (repository.Store, ratelimit.Limiter, error) {
	store, err := repository.Open(cfg, logger.Named("store"))
	if err != nil {
		return nil, nil, err
	}

	// Redis를 쓰면 Rate Limit 카운터도 워커 간에 공유한다
	if rs, ok := store.(*repository.RedisStore); ok {
		limiter := ratelimit.NewRedisLimiter(rs.Client(), cfg.RedisPrefix+"ratelimit:", cfg.RateLimitPerMinute, time.Minute)
		return store, limiter, nil
	}
	if cfg.StoreDriver == config.StoreMemory {
		logger.Warn("Using in-memory store: state is not shared between workers")
	}
	return store, ratelimit.NewMemoryLimiter(cfg.RateLimitPerMinute), nil
}
