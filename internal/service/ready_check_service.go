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

const resubscribeBackoff = 2 * time.Second

// ReadyCheckService 큐 변경 알림을 받아 레디 체크 코호트를 만든다
// 캐시와 독립적으로 공유 저장소 트랜잭션만으로 동작한다
type ReadyCheckService struct {
	store           repository.Store
	cohortSize      int
	readyWindow     time.Duration
	settingsRefresh time.Duration
	logger          *zap.Logger
	now             func() time.Time
	backoff         time.Duration

	mu         sync.Mutex
	working    map[string]models.QueueEntry
	processing bool

	settingsMu sync.Mutex
	autoQueue  bool
	settingsAt time.Time

	onCohort func(*models.ReadyCheckCohort)
}

// NewReadyCheckService 레디 체크 서비스 생성
func NewReadyCheckService(
	store repository.Store,
	cohortSize int,
	readyWindow time.Duration,
	settingsRefresh time.Duration,
	logger *zap.Logger,
) *ReadyCheckService {
	return &ReadyCheckService{
		store:           store,
		cohortSize:      cohortSize,
		readyWindow:     readyWindow,
		settingsRefresh: settingsRefresh,
		logger:          logger,
		now:             time.Now,
		backoff:         resubscribeBackoff,
		working:         make(map[string]models.QueueEntry),
	}
}

// OnCohort 코호트 생성 시 호출할 콜백 등록
func (s *ReadyCheckService) OnCohort(fn func(*models.ReadyCheckCohort)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onCohort = fn
}

// Run ctx가 취소될 때까지 큐 변경을 구독한다 (끊기면 재구독)
func (s *ReadyCheckService) Run(ctx context.Context) {
	s.logger.Info("Starting ReadyCheckService",
		zap.Int("cohortSize", s.cohortSize),
		zap.Duration("readyWindow", s.readyWindow))

	for ctx.Err() == nil {
		changes, err := s.store.WatchQueue(ctx)
		if err != nil {
			s.logger.Error("Queue subscription failed", zap.Error(err))
		} else {
			s.resetWorkingSet()
			s.consume(ctx, changes)
		}

		select {
		case <-ctx.Done():
		case <-time.After(s.backoff):
			s.logger.Info("Resubscribing to queue changes")
		}
	}

	s.logger.Info("ReadyCheckService stopped")
}

func (s *ReadyCheckService) consume(ctx context.Context, changes <-chan models.QueueChange) {
	refresh := s.settingsRefresh
	if refresh <= 0 {
		refresh = time.Second
	}
	// 큐 변경이 없어도 설정이 켜지거나 밴이 끝나면 형성해야 한다
	ticker := time.NewTicker(refresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.formOnTick(ctx)
		case change, ok := <-changes:
			if !ok {
				if ctx.Err() == nil {
					s.logger.Warn("Queue subscription closed")
				}
				return
			}
			s.apply(change)

			// 쌓인 변경을 모두 반영한 뒤 한 번만 형성 시도
			for drained := false; !drained; {
				select {
				case more, ok := <-changes:
					if !ok {
						drained = true
						break
					}
					s.apply(more)
				default:
					drained = true
				}
			}

			if _, err := s.MaybeForm(ctx); err != nil && !errors.Is(err, repository.ErrConflict) {
				s.logger.Error("Ready check formation failed", zap.Error(err))
			}
		}
	}
}

// formOnTick 작업 집합이 충분할 때만 설정을 다시 확인하고 형성 시도
func (s *ReadyCheckService) formOnTick(ctx context.Context) {
	if s.WorkingSetSize() < s.cohortSize {
		return
	}
	if _, err := s.MaybeForm(ctx); err != nil && !errors.Is(err, repository.ErrConflict) {
		s.logger.Error("Ready check formation failed", zap.Error(err))
	}
}

func (s *ReadyCheckService) apply(change models.QueueChange) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch change.Type {
	case models.QueueChangeAdded, models.QueueChangeModified:
		s.working[change.Entry.ID] = change.Entry
	case models.QueueChangeRemoved:
		delete(s.working, change.Entry.ID)
	}
}

func (s *ReadyCheckService) resetWorkingSet() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.working = make(map[string]models.QueueEntry)
}

// MaybeForm 자동 큐가 켜져 있고 대상자가 충분하면 코호트 하나를 만든다
func (s *ReadyCheckService) MaybeForm(ctx context.Context) (*models.ReadyCheckCohort, error) {
	s.mu.Lock()
	if s.processing {
		s.mu.Unlock()
		return nil, nil
	}
	s.processing = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.processing = false
		s.mu.Unlock()
	}()

	if !s.automaticQueueEnabled(ctx) {
		return nil, nil
	}

	ids := s.selectCohort()
	if len(ids) < s.cohortSize {
		return nil, nil
	}

	cohort, err := s.store.CreateCohort(ctx, ids, s.buildCohort)
	if err != nil {
		var conflict *repository.ConflictError
		if errors.As(err, &conflict) {
			metrics.FormationConflictsTotal.WithLabelValues(metrics.PathReadyCheck).Inc()
			s.logger.Error("Ready check aborted: queue changed",
				zap.String("reason", conflict.Reason),
				zap.Strings("missing", conflict.MissingIDs))
			s.evict(conflict.MissingIDs)
		}
		return nil, err
	}

	s.evict(ids)
	metrics.CohortsFormedTotal.Inc()

	s.logger.Info("Ready check cohort created",
		zap.String("cohortId", cohort.ID),
		zap.Int("players", len(cohort.ParticipantIDs)),
		zap.Time("deadline", cohort.Deadline))

	s.mu.Lock()
	fn := s.onCohort
	s.mu.Unlock()
	if fn != nil {
		fn(cohort)
	}
	return cohort, nil
}

// selectCohort 도착 순서대로 밴이 아닌 서로 다른 참가자를 cohortSize명까지 선택
func (s *ReadyCheckService) selectCohort() []string {
	now := s.now()

	s.mu.Lock()
	entries := make([]models.QueueEntry, 0, len(s.working))
	for _, entry := range s.working {
		entries = append(entries, entry)
	}
	s.mu.Unlock()

	repository.SortEntries(entries)

	ids := make([]string, 0, s.cohortSize)
	seen := make(map[string]struct{}, s.cohortSize)
	for _, entry := range entries {
		if entry.IsBanned(now) {
			continue
		}
		if _, ok := seen[entry.ParticipantID]; ok {
			continue
		}
		seen[entry.ParticipantID] = struct{}{}
		ids = append(ids, entry.ID)
		if len(ids) == s.cohortSize {
			break
		}
	}
	return ids
}

// buildCohort 트랜잭션 안에서 다시 읽은 항목으로 코호트 구성
func (s *ReadyCheckService) buildCohort(entries []models.QueueEntry) (*models.ReadyCheckCohort, error) {
	now := s.now()

	cohort := &models.ReadyCheckCohort{
		ID:             uuid.New().String(),
		Status:         models.CohortStatusPending,
		Deadline:       now.Add(s.readyWindow),
		Participants:   entries,
		ParticipantIDs: make([]string, 0, len(entries)),
		Acceptances:    make(map[string]models.Acceptance, len(entries)),
		Teams:          BalanceTeams(entries),
		CreatedAt:      now,
	}
	for _, entry := range entries {
		cohort.ParticipantIDs = append(cohort.ParticipantIDs, entry.ParticipantID)
		if entry.IsManual() {
			cohort.Acceptances[entry.ParticipantID] = models.AcceptanceAccepted
		} else {
			cohort.Acceptances[entry.ParticipantID] = models.AcceptancePending
		}
	}
	return cohort, nil
}

func (s *ReadyCheckService) evict(ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.working, id)
	}
}

// automaticQueueEnabled 설정 레코드 확인 (settingsRefresh 간격으로 갱신)
func (s *ReadyCheckService) automaticQueueEnabled(ctx context.Context) bool {
	s.settingsMu.Lock()
	defer s.settingsMu.Unlock()

	now := s.now()
	if !s.settingsAt.IsZero() && now.Sub(s.settingsAt) < s.settingsRefresh {
		return s.autoQueue
	}

	settings, err := s.store.GetSettings(ctx)
	if err != nil {
		s.logger.Warn("Failed to load matchmaking settings", zap.Error(err))
		return s.autoQueue
	}
	if settings.AutomaticQueueEnabled != s.autoQueue {
		s.logger.Info("Automatic queue setting changed", zap.Bool("enabled", settings.AutomaticQueueEnabled))
	}
	s.autoQueue = settings.AutomaticQueueEnabled
	s.settingsAt = now
	return s.autoQueue
}

// WorkingSetSize 현재 작업 집합 크기
func (s *ReadyCheckService) WorkingSetSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.working)
}

// PendingCohorts 대기 중인 코호트 (최신순)
func (s *ReadyCheckService) PendingCohorts(ctx context.Context) ([]models.ReadyCheckCohort, error) {
	return s.store.ListCohorts(ctx, models.CohortStatusPending)
}
