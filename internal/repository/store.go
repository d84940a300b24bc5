package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Maquiado/queue-bot/internal/models"
)

var (
	ErrNotFound = errors.New("resource not found")
	ErrConflict = errors.New("transaction conflict")
	ErrClosed   = errors.New("store closed")
)

// ConflictError 트랜잭션 전제 조건 위반 (사라진 큐 항목, 이미 할당된 참가자 등)
type ConflictError struct {
	Reason      string
	MissingIDs  []string
	AssignedIDs []string // 이미 활성 할당이 있는 참가자
}

func (e *ConflictError) Error() string {
	if len(e.MissingIDs) == 0 {
		return fmt.Sprintf("transaction conflict: %s", e.Reason)
	}
	return fmt.Sprintf("transaction conflict: %s (%s)", e.Reason, strings.Join(e.MissingIDs, ","))
}

func (e *ConflictError) Unwrap() error {
	return ErrConflict
}

// CohortBuilder 트랜잭션 안에서 다시 읽은 큐 항목으로 코호트를 만든다
type CohortBuilder func(entries []models.QueueEntry) (*models.ReadyCheckCohort, error)

// LeaseStore 활성 워커 선출용 리스 저장소
type LeaseStore interface {
	TryAcquireOrRenewLease(ctx context.Context, name, ownerID string, ttl time.Duration) (bool, error)
	GetLease(ctx context.Context, name string) (*models.Lease, error)
	// ReleaseLease 보유자일 때만 리스 해제 (종료 시 빠른 인계용)
	ReleaseLease(ctx context.Context, name, ownerID string) error
}

// Store 워커들이 공유하는 트랜잭션 저장소
type Store interface {
	LeaseStore

	Enqueue(ctx context.Context, entry *models.QueueEntry) error
	// Remove 참가자가 큐를 떠난 경우 (외부 작성자)
	Remove(ctx context.Context, id string) error
	ListQueueSince(ctx context.Context, since time.Time, limit int) ([]models.QueueEntry, error)

	// CreateBatch 배치 생성 + 할당 활성화 + 큐 항목 삭제를 하나의 트랜잭션으로 처리
	CreateBatch(ctx context.Context, batch *models.Batch, entryIDs []string) error
	ListBatches(ctx context.Context, status models.BatchStatus) ([]models.Batch, error)
	UpdateBatchStatus(ctx context.Context, id string, status models.BatchStatus) (*models.Batch, error)

	// CreateCohort 코호트 생성 + 큐 항목 삭제를 하나의 트랜잭션으로 처리
	CreateCohort(ctx context.Context, entryIDs []string, build CohortBuilder) (*models.ReadyCheckCohort, error)
	ListCohorts(ctx context.Context, status models.CohortStatus) ([]models.ReadyCheckCohort, error)

	// WatchQueue 현재 큐 스냅샷을 added로 보낸 뒤 변경 사항을 계속 전달한다
	WatchQueue(ctx context.Context) (<-chan models.QueueChange, error)

	GetSettings(ctx context.Context) (*models.MatchmakingSettings, error)
	SaveSettings(ctx context.Context, settings *models.MatchmakingSettings) error

	Ping(ctx context.Context) error
	Close() error
}

const (
	// watchWindow 변경 구독 시 초기 스냅샷 크기
	watchWindow = 100
	// changeBuffer 구독자별 변경 알림 버퍼
	changeBuffer = 256
)

// SortEntries enqueuedAt 오름차순, 동률이면 id 순
func SortEntries(entries []models.QueueEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].EnqueuedAt.Equal(entries[j].EnqueuedAt) {
			return entries[i].EnqueuedAt.Before(entries[j].EnqueuedAt)
		}
		return entries[i].ID < entries[j].ID
	})
}

func sortBatchesLatestFirst(batches []models.Batch) {
	sort.SliceStable(batches, func(i, j int) bool {
		return batches[i].CreatedAt.After(batches[j].CreatedAt)
	})
}

func sortCohortsLatestFirst(cohorts []models.ReadyCheckCohort) {
	sort.SliceStable(cohorts, func(i, j int) bool {
		return cohorts[i].CreatedAt.After(cohorts[j].CreatedAt)
	})
}

func validateEntry(entry *models.QueueEntry) error {
	if entry == nil || entry.ID == "" || entry.ParticipantID == "" {
		return errors.New("queue entry requires id and participant id")
	}
	return nil
}

// missingIDs want 중 found에 없는 id 목록
func missingIDs(want []string, found map[string]models.QueueEntry) []string {
	var missing []string
	for _, id := range want {
		if _, ok := found[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing
}

func orderedByIDs(ids []string, found map[string]models.QueueEntry) []models.QueueEntry {
	entries := make([]models.QueueEntry, 0, len(ids))
	for _, id := range ids {
		entries = append(entries, found[id])
	}
	return entries
}
