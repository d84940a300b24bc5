package service

import (
	"context"
	"sync"
	"time"

	"github.com/Maquiado/queue-bot/internal/metrics"
	"github.com/Maquiado/queue-bot/internal/models"
	"go.uber.org/zap"
)

// batchFormer 폴링 주기마다 호출되는 배치 형성기
type batchFormer interface {
	MaybeFormBatch(ctx context.Context) (*models.Batch, error)
}

// SchedulerStatus 스케줄러 상태 조회용
type SchedulerStatus struct {
	Interval  time.Duration `json:"interval"`
	LeaseHeld bool          `json:"leaseHeld"`
	LastCycle time.Time     `json:"lastCycle"`
}

// PollScheduler 리스를 가진 동안 큐 캐시를 동기화하고 배치를 만든다
// 활동이 있으면 주기를 절반으로, 없으면 두 배로 조정한다
type PollScheduler struct {
	lease       *LeaseLock
	cache       *QueueCache
	former      batchFormer
	minInterval time.Duration
	maxInterval time.Duration
	logger      *zap.Logger

	stateMu   sync.Mutex
	interval  time.Duration
	leaseHeld bool
	lastCycle time.Time

	stopChan chan struct{}
	wg       sync.WaitGroup
	running  bool
	mu       sync.Mutex
}

// NewPollScheduler 폴링 스케줄러 생성 (former는 nil이면 동기화만 수행)
func NewPollScheduler(
	lease *LeaseLock,
	cache *QueueCache,
	former batchFormer,
	minInterval, maxInterval time.Duration,
	logger *zap.Logger,
) *PollScheduler {
	metrics.PollInterval.Set(minInterval.Seconds())

	return &PollScheduler{
		lease:       lease,
		cache:       cache,
		former:      former,
		minInterval: minInterval,
		maxInterval: maxInterval,
		logger:      logger,
		interval:    minInterval,
	}
}

// Start 스케줄러 시작
func (s *PollScheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopChan = make(chan struct{})
	s.mu.Unlock()

	s.logger.Info("Starting PollScheduler",
		zap.Duration("minInterval", s.minInterval),
		zap.Duration("maxInterval", s.maxInterval))

	ctx, cancel := context.WithCancel(context.Background())
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.Run(ctx)
	}()
	go func() {
		defer s.wg.Done()
		<-s.stopChan
		cancel()
	}()
}

// Stop 스케줄러 중지 (진행 중인 주기가 끝날 때까지 대기)
func (s *PollScheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.logger.Info("Stopping PollScheduler")
	close(s.stopChan)
	s.wg.Wait()
	s.logger.Info("PollScheduler stopped")
}

// Run ctx가 취소될 때까지 주기 실행
// 다음 주기는 항상 현재 주기가 끝난 뒤 interval 만큼 지나서 실행된다
func (s *PollScheduler) Run(ctx context.Context) {
	// 시작 시 한번 실행
	s.RunCycle(ctx)

	timer := time.NewTimer(s.Interval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.RunCycle(ctx)
			timer.Reset(s.Interval())
		}
	}
}

// RunCycle 한 주기 실행
func (s *PollScheduler) RunCycle(ctx context.Context) {
	defer s.markCycle()

	held, _ := s.lease.TryAcquireOrRenew(ctx)
	s.setLeaseHeld(held)
	if !held {
		s.backOff()
		return
	}

	fresh, err := s.cache.Sync(ctx)
	if err != nil {
		s.logger.Error("Queue sync failed", zap.Error(err))
		s.backOff()
	} else if fresh > 0 {
		s.logger.Debug("Queue synced", zap.Int("fresh", fresh))
		s.speedUp()
	} else {
		s.backOff()
	}

	if s.former == nil {
		return
	}
	if _, err := s.former.MaybeFormBatch(ctx); err != nil {
		s.logger.Debug("Batch formation skipped", zap.Error(err))
	}
}

func (s *PollScheduler) backOff() {
	s.stateMu.Lock()
	s.interval *= 2
	if s.interval > s.maxInterval {
		s.interval = s.maxInterval
	}
	interval := s.interval
	s.stateMu.Unlock()

	metrics.PollInterval.Set(interval.Seconds())
}

func (s *PollScheduler) speedUp() {
	s.stateMu.Lock()
	s.interval /= 2
	if s.interval < s.minInterval {
		s.interval = s.minInterval
	}
	interval := s.interval
	s.stateMu.Unlock()

	metrics.PollInterval.Set(interval.Seconds())
}

func (s *PollScheduler) setLeaseHeld(held bool) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	if held != s.leaseHeld {
		s.logger.Info("Lease state changed",
			zap.String("lease", s.lease.Name()),
			zap.String("workerId", s.lease.SelfID()),
			zap.Bool("held", held))
	}
	s.leaseHeld = held
}

func (s *PollScheduler) markCycle() {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.lastCycle = time.Now()
}

// Interval 현재 폴링 주기
func (s *PollScheduler) Interval() time.Duration {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.interval
}

// LeaseHeld 마지막 주기에서 리스를 보유했는지
func (s *PollScheduler) LeaseHeld() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.leaseHeld
}

// Status 현재 상태
func (s *PollScheduler) Status() SchedulerStatus {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return SchedulerStatus{
		Interval:  s.interval,
		LeaseHeld: s.leaseHeld,
		LastCycle: s.lastCycle,
	}
}
