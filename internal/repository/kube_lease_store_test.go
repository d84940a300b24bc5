package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	k8sschema "k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"
)

func newKubeLeaseFixture(t *testing.T) (*fake.Clientset, *KubeLeaseStore, *time.Time) {
	t.Helper()

	client := fake.NewSimpleClientset()
	store := NewKubeLeaseStore(client, "queue", zap.NewNop())
	now := testBase
	store.SetClock(func() time.Time { return now })
	return client, store, &now
}

func TestKubeLeaseStore(t *testing.T) {
	ctx := context.Background()
	client, store, now := newKubeLeaseFixture(t)

	t.Run("없는 리스는 ErrNotFound", func(t *testing.T) {
		_, err := store.GetLease(ctx, "matchmaking")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("빈 리스는 생성하며 획득", func(t *testing.T) {
		ok, err := store.TryAcquireOrRenewLease(ctx, "matchmaking", "worker-a", 15*time.Second)
		require.NoError(t, err)
		assert.True(t, ok)

		lease, err := client.CoordinationV1().Leases("queue").Get(ctx, "matchmaking", metav1.GetOptions{})
		require.NoError(t, err)
		assert.Equal(t, "worker-a", *lease.Spec.HolderIdentity)
		assert.Equal(t, int32(15), *lease.Spec.LeaseDurationSeconds)
	})

	t.Run("다른 워커가 보유 중이면 거부", func(t *testing.T) {
		ok, err := store.TryAcquireOrRenewLease(ctx, "matchmaking", "worker-b", 15*time.Second)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("보유자는 갱신 가능", func(t *testing.T) {
		*now = now.Add(10 * time.Second)
		ok, err := store.TryAcquireOrRenewLease(ctx, "matchmaking", "worker-a", 15*time.Second)
		require.NoError(t, err)
		assert.True(t, ok)

		lease, err := store.GetLease(ctx, "matchmaking")
		require.NoError(t, err)
		assert.Equal(t, "worker-a", lease.OwnerID)
		assert.True(t, lease.ExpiresAt.Equal(now.Add(15*time.Second)))
	})

	t.Run("만료 후 다른 워커가 인수", func(t *testing.T) {
		*now = now.Add(16 * time.Second)
		ok, err := store.TryAcquireOrRenewLease(ctx, "matchmaking", "worker-b", 15*time.Second)
		require.NoError(t, err)
		assert.True(t, ok)

		lease, err := client.CoordinationV1().Leases("queue").Get(ctx, "matchmaking", metav1.GetOptions{})
		require.NoError(t, err)
		assert.Equal(t, "worker-b", *lease.Spec.HolderIdentity)
		assert.Equal(t, int32(1), *lease.Spec.LeaseTransitions)
	})

	t.Run("보유자가 아니면 해제해도 그대로", func(t *testing.T) {
		require.NoError(t, store.ReleaseLease(ctx, "matchmaking", "worker-a"))

		lease, err := store.GetLease(ctx, "matchmaking")
		require.NoError(t, err)
		assert.Equal(t, "worker-b", lease.OwnerID)
	})

	t.Run("해제하면 바로 다른 워커가 획득", func(t *testing.T) {
		require.NoError(t, store.ReleaseLease(ctx, "matchmaking", "worker-b"))

		lease, err := store.GetLease(ctx, "matchmaking")
		require.NoError(t, err)
		assert.Equal(t, "", lease.OwnerID)

		ok, err := store.TryAcquireOrRenewLease(ctx, "matchmaking", "worker-a", 15*time.Second)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestKubeLeaseStore_UpdateConflictIsDenied(t *testing.T) {
	ctx := context.Background()
	client, store, now := newKubeLeaseFixture(t)

	ok, err := store.TryAcquireOrRenewLease(ctx, "matchmaking", "worker-a", 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	// 같은 resourceVersion으로 다른 워커가 먼저 갱신한 상황
	client.PrependReactor("update", "leases", func(action k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, apierrors.NewConflict(k8sschema.GroupResource{Group: "coordination.k8s.io", Resource: "leases"}, "matchmaking", nil)
	})

	*now = now.Add(10 * time.Second)
	ok, err = store.TryAcquireOrRenewLease(ctx, "matchmaking", "worker-b", 5*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLeaseSeconds(t *testing.T) {
	assert.Equal(t, int32(1), leaseSeconds(200*time.Millisecond))
	assert.Equal(t, int32(2), leaseSeconds(1500*time.Millisecond))
	assert.Equal(t, int32(15), leaseSeconds(15*time.Second))
}

func TestWithLeaseStore(t *testing.T) {
	ctx := context.Background()
	_, leases, _ := newKubeLeaseFixture(t)
	memory := NewMemoryStore()
	store := WithLeaseStore(memory, leases)

	ok, err := store.TryAcquireOrRenewLease(ctx, "matchmaking", "worker-a", 15*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	// 리스는 쿠버네티스 쪽에만 기록된다
	_, err = memory.GetLease(ctx, "matchmaking")
	assert.ErrorIs(t, err, ErrNotFound)

	lease, err := store.GetLease(ctx, "matchmaking")
	require.NoError(t, err)
	assert.Equal(t, "worker-a", lease.OwnerID)

	// 나머지 연산은 원래 저장소로
	settings, err := store.GetSettings(ctx)
	require.NoError(t, err)
	assert.False(t, settings.AutomaticQueueEnabled)
}
