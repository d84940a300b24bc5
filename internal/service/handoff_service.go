package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Maquiado/queue-bot/internal/metrics"
	"github.com/Maquiado/queue-bot/internal/models"
	"github.com/Maquiado/queue-bot/internal/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// BatchNotifier 배치 생성 알림 수신자 (다운스트림 매치메이커)
type BatchNotifier interface {
	NotifyBatch(ctx context.Context, batch *models.Batch) error
}

// HandoffService 캐시된 대기열에서 배치를 만들어 원자적으로 넘긴다
type HandoffService struct {
	store         repository.Store
	cache         *QueueCache
	notifier      BatchNotifier
	batchSize     int
	notifyTimeout time.Duration
	logger        *zap.Logger
	now           func() time.Time

	mu       sync.Mutex
	assigned map[string]struct{}

	notifyWG sync.WaitGroup
}

// NewHandoffService 핸드오프 서비스 생성 (notifier는 nil 가능)
func NewHandoffService(
	store repository.Store,
	cache *QueueCache,
	notifier BatchNotifier,
	batchSize int,
	notifyTimeout time.Duration,
	logger *zap.Logger,
) *HandoffService {
	return &HandoffService{
		store:         store,
		cache:         cache,
		notifier:      notifier,
		batchSize:     batchSize,
		notifyTimeout: notifyTimeout,
		logger:        logger,
		now:           time.Now,
		assigned:      make(map[string]struct{}),
	}
}

// MaybeFormBatch 조건을 만족하면 배치 하나를 만든다 (부족하면 nil, nil)
func (s *HandoffService) MaybeFormBatch(ctx context.Context) (*models.Batch, error) {
	selected := s.selectEligible()
	if len(selected) < s.batchSize {
		return nil, nil
	}

	batch := &models.Batch{
		ID:             uuid.New().String(),
		ParticipantIDs: make([]string, 0, len(selected)),
		CreatedAt:      s.now(),
		Status:         models.BatchStatusPending,
	}
	entryIDs := make([]string, 0, len(selected))
	for _, entry := range selected {
		batch.ParticipantIDs = append(batch.ParticipantIDs, entry.ParticipantID)
		entryIDs = append(entryIDs, entry.ID)
	}

	if err := s.store.CreateBatch(ctx, batch, entryIDs); err != nil {
		var conflict *repository.ConflictError
		if errors.As(err, &conflict) {
			metrics.FormationConflictsTotal.WithLabelValues(metrics.PathHandoff).Inc()
			s.logger.Warn("Batch formation abandoned on conflict",
				zap.String("reason", conflict.Reason),
				zap.Strings("missing", conflict.MissingIDs),
				zap.Strings("assigned", conflict.AssignedIDs))

			// 다음 주기에 같은 선택을 반복하지 않도록 정리
			s.cache.Evict(conflict.MissingIDs...)
			s.markAssigned(conflict.AssignedIDs)
		}
		return nil, err
	}

	s.markAssigned(batch.ParticipantIDs)
	s.cache.Evict(entryIDs...)
	metrics.BatchesFormedTotal.Inc()

	s.logger.Info("Batch formed",
		zap.String("batchId", batch.ID),
		zap.Int("players", len(batch.ParticipantIDs)))

	s.notify(batch)
	return batch, nil
}

// selectEligible enqueuedAt 순으로 밴/할당/중복 참가자를 제외하고 batchSize개 선택
func (s *HandoffService) selectEligible() []models.QueueEntry {
	now := s.now()
	snapshot := s.cache.Snapshot()

	s.mu.Lock()
	defer s.mu.Unlock()

	selected := make([]models.QueueEntry, 0, s.batchSize)
	seen := make(map[string]struct{}, s.batchSize)
	for _, entry := range snapshot {
		if entry.IsBanned(now) {
			continue
		}
		if _, ok := s.assigned[entry.ParticipantID]; ok {
			continue
		}
		if _, ok := seen[entry.ParticipantID]; ok {
			continue
		}
		seen[entry.ParticipantID] = struct{}{}
		selected = append(selected, entry)
		if len(selected) == s.batchSize {
			break
		}
	}
	return selected
}

func (s *HandoffService) markAssigned(participantIDs []string) {
	if len(participantIDs) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pid := range participantIDs {
		s.assigned[pid] = struct{}{}
	}
}

// notify 매치메이커 알림 (비동기, 실패는 기록만)
func (s *HandoffService) notify(batch *models.Batch) {
	if s.notifier == nil {
		return
	}

	s.notifyWG.Add(1)
	go func() {
		defer s.notifyWG.Done()

		ctx, cancel := context.WithTimeout(context.Background(), s.notifyTimeout)
		defer cancel()

		if err := s.notifier.NotifyBatch(ctx, batch); err != nil {
			metrics.NotifyFailuresTotal.Inc()
			s.logger.Warn("Matchmaker notification failed",
				zap.String("batchId", batch.ID),
				zap.Error(err))
		}
	}()
}

// Wait 진행 중인 알림이 끝날 때까지 대기
func (s *HandoffService) Wait() {
	s.notifyWG.Wait()
}

// AssignedCount 이 워커가 할당한 참가자 수
func (s *HandoffService) AssignedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.assigned)
}

// IsAssigned 참가자 할당 여부
func (s *HandoffService) IsAssigned(participantID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.assigned[participantID]
	return ok
}

// PendingBatches 대기 중인 배치 (최신순)
func (s *HandoffService) PendingBatches(ctx context.Context) ([]models.Batch, error) {
	batches, err := s.store.ListBatches(ctx, models.BatchStatusPending)
	if err != nil {
		return nil, err
	}
	if len(batches) == 0 {
		return nil, ErrNoPendingBatches
	}
	return batches, nil
}

// RequestReadyCheck 배치를 ready_requested 상태로 전환
func (s *HandoffService) RequestReadyCheck(ctx context.Context, batchID string) (*models.Batch, error) {
	batch, err := s.store.UpdateBatchStatus(ctx, batchID, models.BatchStatusReadyRequested)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrBatchNotFound
		}
		return nil, err
	}

	s.logger.Info("Ready check requested", zap.String("batchId", batchID))
	return batch, nil
}
