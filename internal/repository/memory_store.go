package repository

import (
	"context"
	"sync"
	"time"

	"github.com/Maquiado/queue-bot/internal/metrics"
	"github.com/Maquiado/queue-bot/internal/models"
)

// MemoryStore 단일 프로세스용 Store 구현 (개발 모드, 테스트)
// 모든 연산은 하나의 뮤텍스로 직렬화되므로 각 메서드가 곧 트랜잭션이다
type MemoryStore struct {
	mu          sync.Mutex
	now         func() time.Time
	queue       map[string]models.QueueEntry
	leases      map[string]models.Lease
	batches     map[string]models.Batch
	assignments map[string]models.Assignment // participantID -> active assignment
	cohorts     map[string]models.ReadyCheckCohort
	settings    models.MatchmakingSettings
	watchers    map[chan models.QueueChange]struct{}
	closed      bool
}

// NewMemoryStore MemoryStore 생성
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:         time.Now,
		queue:       make(map[string]models.QueueEntry),
		leases:      make(map[string]models.Lease),
		batches:     make(map[string]models.Batch),
		assignments: make(map[string]models.Assignment),
		cohorts:     make(map[string]models.ReadyCheckCohort),
		watchers:    make(map[chan models.QueueChange]struct{}),
	}
}

// SetClock 테스트용 시계 주입
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) TryAcquireOrRenewLease(ctx context.Context, name, ownerID string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	lease, exists := s.leases[name]
	if exists && lease.ExpiresAt.After(now) && lease.OwnerID != ownerID {
		return false, nil
	}

	s.leases[name] = models.Lease{Name: name, OwnerID: ownerID, ExpiresAt: now.Add(ttl)}
	return true, nil
}

func (s *MemoryStore) GetLease(ctx context.Context, name string) (*models.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lease, ok := s.leases[name]
	if !ok {
		return nil, ErrNotFound
	}
	return &lease, nil
}

func (s *MemoryStore) ReleaseLease(ctx context.Context, name, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if lease, ok := s.leases[name]; ok && lease.OwnerID == ownerID {
		delete(s.leases, name)
	}
	return nil
}

func (s *MemoryStore) Enqueue(ctx context.Context, entry *models.QueueEntry) error {
	if err := validateEntry(entry); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.EnqueuedAt.IsZero() {
		entry.EnqueuedAt = s.now()
	}
	changeType := models.QueueChangeAdded
	if _, exists := s.queue[entry.ID]; exists {
		changeType = models.QueueChangeModified
	}
	s.queue[entry.ID] = entry.Clone()
	s.notifyLocked(models.QueueChange{Type: changeType, Entry: entry.Clone()})
	return nil
}

func (s *MemoryStore) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.queue[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.queue, id)
	s.notifyLocked(models.QueueChange{Type: models.QueueChangeRemoved, Entry: entry})
	return nil
}

func (s *MemoryStore) ListQueueSince(ctx context.Context, since time.Time, limit int) ([]models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]models.QueueEntry, 0, len(s.queue))
	for _, entry := range s.queue {
		if entry.EnqueuedAt.Before(since) {
			continue
		}
		entries = append(entries, entry.Clone())
	}
	SortEntries(entries)
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (s *MemoryStore) CreateBatch(ctx context.Context, batch *models.Batch, entryIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	found := make(map[string]models.QueueEntry, len(entryIDs))
	for _, id := range entryIDs {
		if entry, ok := s.queue[id]; ok {
			found[id] = entry
		}
	}
	if missing := missingIDs(entryIDs, found); len(missing) > 0 {
		return &ConflictError{Reason: "queue entries vanished", MissingIDs: missing}
	}
	var assigned []string
	for _, pid := range batch.ParticipantIDs {
		if a, ok := s.assignments[pid]; ok && a.Active {
			assigned = append(assigned, pid)
		}
	}
	if len(assigned) > 0 {
		return &ConflictError{Reason: "participants already assigned", AssignedIDs: assigned}
	}

	if batch.CreatedAt.IsZero() {
		batch.CreatedAt = s.now()
	}
	batch.Players = orderedByIDs(entryIDs, found)
	s.batches[batch.ID] = *batch
	for _, pid := range batch.ParticipantIDs {
		s.assignments[pid] = models.Assignment{
			ParticipantID: pid,
			BatchID:       batch.ID,
			CreatedAt:     batch.CreatedAt,
			Active:        true,
		}
	}
	for _, id := range entryIDs {
		delete(s.queue, id)
		s.notifyLocked(models.QueueChange{Type: models.QueueChangeRemoved, Entry: found[id]})
	}
	return nil
}

// ActiveAssignment 참가자의 활성 할당 조회
func (s *MemoryStore) ActiveAssignment(participantID string) (*models.Assignment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.assignments[participantID]
	if !ok || !a.Active {
		return nil, false
	}
	return &a, true
}

func (s *MemoryStore) ListBatches(ctx context.Context, status models.BatchStatus) ([]models.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var batches []models.Batch
	for _, b := range s.batches {
		if status == "" || b.Status == status {
			batches = append(batches, b)
		}
	}
	sortBatchesLatestFirst(batches)
	return batches, nil
}

func (s *MemoryStore) UpdateBatchStatus(ctx context.Context, id string, status models.BatchStatus) (*models.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[id]
	if !ok {
		return nil, ErrNotFound
	}
	b.Status = status
	s.batches[id] = b
	return &b, nil
}

func (s *MemoryStore) CreateCohort(ctx context.Context, entryIDs []string, build CohortBuilder) (*models.ReadyCheckCohort, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	found := make(map[string]models.QueueEntry, len(entryIDs))
	for _, id := range entryIDs {
		if entry, ok := s.queue[id]; ok {
			found[id] = entry.Clone()
		}
	}
	if missing := missingIDs(entryIDs, found); len(missing) > 0 {
		return nil, &ConflictError{Reason: "queue changed: players missing", MissingIDs: missing}
	}

	cohort, err := build(orderedByIDs(entryIDs, found))
	if err != nil {
		return nil, err
	}
	s.cohorts[cohort.ID] = *cohort
	for _, id := range entryIDs {
		delete(s.queue, id)
		s.notifyLocked(models.QueueChange{Type: models.QueueChangeRemoved, Entry: found[id]})
	}
	return cohort, nil
}

func (s *MemoryStore) ListCohorts(ctx context.Context, status models.CohortStatus) ([]models.ReadyCheckCohort, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cohorts []models.ReadyCheckCohort
	for _, c := range s.cohorts {
		if status == "" || c.Status == status {
			cohorts = append(cohorts, c)
		}
	}
	sortCohortsLatestFirst(cohorts)
	return cohorts, nil
}

func (s *MemoryStore) WatchQueue(ctx context.Context) (<-chan models.QueueChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	snapshot := make([]models.QueueEntry, 0, len(s.queue))
	for _, entry := range s.queue {
		snapshot = append(snapshot, entry.Clone())
	}
	SortEntries(snapshot)
	if len(snapshot) > watchWindow {
		snapshot = snapshot[:watchWindow]
	}

	ch := make(chan models.QueueChange, changeBuffer+len(snapshot))
	for _, entry := range snapshot {
		ch <- models.QueueChange{Type: models.QueueChangeAdded, Entry: entry}
	}
	s.watchers[ch] = struct{}{}

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.watchers[ch]; ok {
			delete(s.watchers, ch)
			close(ch)
		}
	}()

	return ch, nil
}

// notifyLocked 구독자에게 변경 전달
// 버퍼가 가득 찬 구독은 닫는다 (구독자는 재구독해서 스냅샷부터 다시 받는다)
func (s *MemoryStore) notifyLocked(change models.QueueChange) {
	for ch := range s.watchers {
		select {
		case ch <- change:
		default:
			delete(s.watchers, ch)
			close(ch)
			metrics.ChangeFeedOverflowTotal.Inc()
		}
	}
}

func (s *MemoryStore) GetSettings(ctx context.Context) (*models.MatchmakingSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	settings := s.settings
	return &settings, nil
}

func (s *MemoryStore) SaveSettings(ctx context.Context, settings *models.MatchmakingSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.settings = *settings
	return nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	for ch := range s.watchers {
		delete(s.watchers, ch)
		close(ch)
	}
	return nil
}
