package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Maquiado/queue-bot/internal/metrics"
	"github.com/Maquiado/queue-bot/internal/models"
	"github.com/Maquiado/queue-bot/internal/repository"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingNotifier struct {
	mu      sync.Mutex
	batches []string
	err     error
}

func (n *recordingNotifier) NotifyBatch(ctx context.Context, batch *models.Batch) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.batches = append(n.batches, batch.ID)
	return n.err
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.batches)
}

func newHandoffFixture(t *testing.T, n int, mutate func(i int, e *models.QueueEntry)) (*repository.MemoryStore, *QueueCache, *HandoffService, *recordingNotifier) {
	t.Helper()

	store := repository.NewMemoryStore()
	cache := NewQueueCache(store, 100, zap.NewNop())
	notifier := &recordingNotifier{}
	handoff := NewHandoffService(store, cache, notifier, 10, time.Second, zap.NewNop())
	handoff.now = func() time.Time { return baseTime.Add(time.Hour) }

	seedQueue(t, store, n, mutate)
	_, err := cache.Sync(context.Background())
	require.NoError(t, err)

	return store, cache, handoff, notifier
}

func TestHandoff_FormsExactlyOneBatch(t *testing.T) {
	ctx := context.Background()
	store, cache, handoff, notifier := newHandoffFixture(t, 12, nil)
	formedBefore := testutil.ToFloat64(metrics.BatchesFormedTotal)

	batch, err := handoff.MaybeFormBatch(ctx)
	require.NoError(t, err)
	require.NotNil(t, batch)
	handoff.Wait()
	assert.Equal(t, formedBefore+1, testutil.ToFloat64(metrics.BatchesFormedTotal))

	assert.Len(t, batch.ParticipantIDs, 10)
	assert.Len(t, batch.Players, 10)
	assert.Equal(t, models.BatchStatusPending, batch.Status)
	assert.Equal(t, "player-00", batch.ParticipantIDs[0])
	assert.Equal(t, "player-09", batch.ParticipantIDs[9])

	distinct := make(map[string]struct{})
	for _, pid := range batch.ParticipantIDs {
		distinct[pid] = struct{}{}
		a, ok := store.ActiveAssignment(pid)
		require.True(t, ok)
		assert.Equal(t, batch.ID, a.BatchID)
	}
	assert.Len(t, distinct, 10)

	// 소스 항목은 공유 큐와 캐시에서 모두 사라진다
	remaining, err := store.ListQueueSince(ctx, time.Time{}, 100)
	require.NoError(t, err)
	assert.Len(t, remaining, 2)
	assert.Equal(t, 2, cache.Size())
	assert.Equal(t, 10, handoff.AssignedCount())
	assert.Equal(t, 1, notifier.count())

	// 남은 2명으로는 배치를 만들지 않는다
	again, err := handoff.MaybeFormBatch(ctx)
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestHandoff_NineIsNotEnough(t *testing.T) {
	ctx := context.Background()
	store, _, handoff, notifier := newHandoffFixture(t, 9, nil)

	batch, err := handoff.MaybeFormBatch(ctx)
	require.NoError(t, err)
	assert.Nil(t, batch)

	batches, err := store.ListBatches(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, batches)
	assert.Equal(t, 0, notifier.count())
}

func TestHandoff_BanFilter(t *testing.T) {
	ctx := context.Background()
	banEnd := baseTime.Add(2 * time.Hour)
	_, _, handoff, _ := newHandoffFixture(t, 10, func(i int, e *models.QueueEntry) {
		if i == 0 {
			e.BannedUntil = &banEnd
		}
	})

	t.Run("밴 기간 중에는 제외", func(t *testing.T) {
		batch, err := handoff.MaybeFormBatch(ctx)
		require.NoError(t, err)
		assert.Nil(t, batch)
	})

	t.Run("밴이 끝나면 다시 대상", func(t *testing.T) {
		handoff.now = func() time.Time { return banEnd.Add(time.Second) }

		batch, err := handoff.MaybeFormBatch(ctx)
		require.NoError(t, err)
		require.NotNil(t, batch)
		assert.Contains(t, batch.ParticipantIDs, "player-00")
	})
}

func TestHandoff_DistinctParticipants(t *testing.T) {
	ctx := context.Background()
	_, _, handoff, _ := newHandoffFixture(t, 11, func(i int, e *models.QueueEntry) {
		if i == 1 {
			e.ParticipantID = "player-00"
		}
	})

	batch, err := handoff.MaybeFormBatch(ctx)
	require.NoError(t, err)
	require.NotNil(t, batch)

	assert.NotContains(t, batch.ParticipantIDs[1:], "player-00")
	assert.Equal(t, "player-10", batch.ParticipantIDs[9])
}

func TestHandoff_ConflictEvictsVanishedEntries(t *testing.T) {
	ctx := context.Background()
	store, cache, handoff, notifier := newHandoffFixture(t, 10, nil)

	// 다른 경로가 캐시 동기화 이후 항목을 소비한 상황
	require.NoError(t, store.Remove(ctx, "entry-03"))
	conflicts := metrics.FormationConflictsTotal.WithLabelValues(metrics.PathHandoff)
	conflictsBefore := testutil.ToFloat64(conflicts)

	batch, err := handoff.MaybeFormBatch(ctx)
	assert.Nil(t, batch)
	require.Error(t, err)
	assert.True(t, errors.Is(err, repository.ErrConflict))

	var conflict *repository.ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, []string{"entry-03"}, conflict.MissingIDs)
	assert.Equal(t, conflictsBefore+1, testutil.ToFloat64(conflicts))

	assert.Equal(t, 9, cache.Size())
	assert.Equal(t, 0, handoff.AssignedCount())
	assert.Equal(t, 0, notifier.count())

	// 부분 쓰기 없음
	remaining, err := store.ListQueueSince(ctx, time.Time{}, 100)
	require.NoError(t, err)
	assert.Len(t, remaining, 9)
}

func TestHandoff_NotifyFailureIsSwallowed(t *testing.T) {
	ctx := context.Background()
	_, _, handoff, notifier := newHandoffFixture(t, 10, nil)
	notifier.err = errors.New("connection refused")

	batch, err := handoff.MaybeFormBatch(ctx)
	require.NoError(t, err)
	require.NotNil(t, batch)
	handoff.Wait()

	assert.Equal(t, 1, notifier.count())
}

func TestHandoff_BatchLifecycle(t *testing.T) {
	ctx := context.Background()
	_, _, handoff, _ := newHandoffFixture(t, 10, nil)

	t.Run("대기 배치가 없으면 에러", func(t *testing.T) {
		_, err := handoff.PendingBatches(ctx)
		assert.ErrorIs(t, err, ErrNoPendingBatches)
	})

	batch, err := handoff.MaybeFormBatch(ctx)
	require.NoError(t, err)
	require.NotNil(t, batch)

	t.Run("대기 배치 조회", func(t *testing.T) {
		batches, err := handoff.PendingBatches(ctx)
		require.NoError(t, err)
		require.Len(t, batches, 1)
		assert.Equal(t, batch.ID, batches[0].ID)
	})

	t.Run("레디 체크 요청", func(t *testing.T) {
		updated, err := handoff.RequestReadyCheck(ctx, batch.ID)
		require.NoError(t, err)
		assert.Equal(t, models.BatchStatusReadyRequested, updated.Status)

		_, err = handoff.PendingBatches(ctx)
		assert.ErrorIs(t, err, ErrNoPendingBatches)
	})

	t.Run("없는 배치", func(t *testing.T) {
		_, err := handoff.RequestReadyCheck(ctx, "missing")
		assert.ErrorIs(t, err, ErrBatchNotFound)
	})
}
