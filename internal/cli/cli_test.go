package cli

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Maquiado/queue-bot/internal/models"
	"github.com/Maquiado/queue-bot/internal/repository"
)

// sharedStore 명령마다 Close되어도 같은 메모리 Store를 계속 쓰도록 감싼다
type sharedStore struct {
	*repository.MemoryStore
}

func (sharedStore) Close() error { return nil }

func run(t *testing.T, store *repository.MemoryStore, args ...string) (string, error) {
	t.Helper()
	root := NewRoot(func(context.Context) (repository.Store, error) {
		return sharedStore{store}, nil
	}, "matchmaking")
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestEnqueueAndRemove(t *testing.T) {
	store := repository.NewMemoryStore()
	ctx := context.Background()

	t.Run("플래그로 큐 항목 등록", func(t *testing.T) {
		out, err := run(t, store, "enqueue", "--id", "q1", "--uid", "u1", "--elo", "Diamante", "--source", "manual", "--attr", "playerId=p1")
		require.NoError(t, err)
		assert.Contains(t, out, "enqueued: q1")

		entries, err := store.ListQueueSince(ctx, time.Time{}, 0)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "u1", entries[0].ParticipantID)
		assert.Equal(t, "Diamante", entries[0].Rank)
		assert.True(t, entries[0].IsManual())
		assert.Equal(t, "p1", entries[0].Attrs["playerId"])
	})

	t.Run("밴 기간 지정", func(t *testing.T) {
		_, err := run(t, store, "enqueue", "--id", "q2", "--uid", "u2", "--ban-for", "10m")
		require.NoError(t, err)

		entries, err := store.ListQueueSince(ctx, time.Time{}, 0)
		require.NoError(t, err)
		for _, e := range entries {
			if e.ID == "q2" {
				assert.True(t, e.IsBanned(time.Now()))
			}
		}
	})

	t.Run("uid 누락 시 에러", func(t *testing.T) {
		_, err := run(t, store, "enqueue", "--id", "q3")
		assert.Error(t, err)
	})

	t.Run("잘못된 source", func(t *testing.T) {
		_, err := run(t, store, "enqueue", "--uid", "u4", "--source", "bot")
		assert.Error(t, err)
	})

	t.Run("큐 목록 출력", func(t *testing.T) {
		out, err := run(t, store, "queue")
		require.NoError(t, err)
		assert.Contains(t, out, "q1")
		assert.Contains(t, out, "q2")
	})

	t.Run("항목 삭제", func(t *testing.T) {
		_, err := run(t, store, "remove", "q1")
		require.NoError(t, err)

		_, err = run(t, store, "remove", "q1")
		assert.ErrorIs(t, err, repository.ErrNotFound)
	})
}

func TestSettingsAuto(t *testing.T) {
	store := repository.NewMemoryStore()
	ctx := context.Background()

	_, err := run(t, store, "settings", "auto", "on")
	require.NoError(t, err)
	settings, err := store.GetSettings(ctx)
	require.NoError(t, err)
	assert.True(t, settings.AutomaticQueueEnabled)

	out, err := run(t, store, "settings")
	require.NoError(t, err)
	assert.Contains(t, out, "automaticQueueEnabled: true")

	_, err = run(t, store, "settings", "auto", "off")
	require.NoError(t, err)
	settings, err = store.GetSettings(ctx)
	require.NoError(t, err)
	assert.False(t, settings.AutomaticQueueEnabled)

	_, err = run(t, store, "settings", "auto", "maybe")
	assert.Error(t, err)
}

func TestLease(t *testing.T) {
	store := repository.NewMemoryStore()

	t.Run("보유자 없음", func(t *testing.T) {
		out, err := run(t, store, "lease")
		require.NoError(t, err)
		assert.Contains(t, out, "holder: none")
	})

	t.Run("보유자 표시", func(t *testing.T) {
		ok, err := store.TryAcquireOrRenewLease(context.Background(), "matchmaking", "worker-a", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		out, err := run(t, store, "lease")
		require.NoError(t, err)
		assert.Contains(t, out, "holder: worker-a")
	})
}

func TestBatchesAndCohorts(t *testing.T) {
	store := repository.NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Enqueue(ctx, &models.QueueEntry{ID: "q1", ParticipantID: "u1"}))
	batch := &models.Batch{ID: "b1", ParticipantIDs: []string{"u1"}, Status: models.BatchStatusPending}
	require.NoError(t, store.CreateBatch(ctx, batch, []string{"q1"}))

	out, err := run(t, store, "batches")
	require.NoError(t, err)
	assert.Contains(t, out, "b1")

	out, err = run(t, store, "batches", "ready-check", "b1")
	require.NoError(t, err)
	assert.Contains(t, out, "ready_requested")

	out, err = run(t, store, "batches")
	require.NoError(t, err)
	assert.NotContains(t, out, "b1")

	_, err = run(t, store, "batches", "ready-check", "missing")
	assert.Error(t, err)

	out, err = run(t, store, "cohorts")
	require.NoError(t, err)
	assert.Contains(t, out, "TEAM_A")
}
