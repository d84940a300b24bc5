package repository

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	coordinationv1 "k8s.io/api/coordination/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/Maquiado/queue-bot/internal/models"
)

// KubeLeaseStore coordination.k8s.io/v1 Lease 기반 리스 저장소
// 갱신은 resourceVersion 낙관적 동시성으로 처리하므로 동시에 둘이 획득할 수 없다
type KubeLeaseStore struct {
	client    kubernetes.Interface
	namespace string
	logger    *zap.Logger
	now       func() time.Time
}

// NewKubeLeaseStore KubeLeaseStore 생성
func NewKubeLeaseStore(client kubernetes.Interface, namespace string, logger *zap.Logger) *KubeLeaseStore {
	return &KubeLeaseStore{
		client:    client,
		namespace: namespace,
		logger:    logger,
		now:       time.Now,
	}
}

// OpenKubeLeaseStore 클러스터 내부 설정(또는 kubeconfig)으로 연결
func OpenKubeLeaseStore(namespace, kubeconfigPath string, logger *zap.Logger) (*KubeLeaseStore, error) {
	var (
		config *rest.Config
		err    error
	)
	if kubeconfigPath != "" {
		config, err = clientcmd.BuildConfigFromFlags("", kubeconfigPath)
	} else {
		config, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load kubernetes config: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}

	logger.Info("Kubernetes lease backend ready", zap.String("namespace", namespace))
	return NewKubeLeaseStore(clientset, namespace, logger), nil
}

// SetClock 테스트용 시계 주입
func (s *KubeLeaseStore) SetClock(now func() time.Time) {
	s.now = now
}

func (s *KubeLeaseStore) TryAcquireOrRenewLease(ctx context.Context, name, ownerID string, ttl time.Duration) (bool, error) {
	leases := s.client.CoordinationV1().Leases(s.namespace)
	now := metav1.NewMicroTime(s.now())
	duration := leaseSeconds(ttl)

	current, err := leases.Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		lease := &coordinationv1.Lease{
			ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: s.namespace},
			Spec: coordinationv1.LeaseSpec{
				HolderIdentity:       &ownerID,
				LeaseDurationSeconds: &duration,
				AcquireTime:          &now,
				RenewTime:            &now,
			},
		}
		if _, err := leases.Create(ctx, lease, metav1.CreateOptions{}); err != nil {
			if apierrors.IsAlreadyExists(err) {
				return false, nil
			}
			return false, fmt.Errorf("failed to create lease: %w", err)
		}
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get lease: %w", err)
	}

	holder := holderOf(current)
	if holder != "" && holder != ownerID && expiresAt(current).After(now.Time) {
		return false, nil
	}

	updated := current.DeepCopy()
	if holder != ownerID {
		transitions := int32(0)
		if current.Spec.LeaseTransitions != nil {
			transitions = *current.Spec.LeaseTransitions
		}
		transitions++
		updated.Spec.LeaseTransitions = &transitions
		updated.Spec.AcquireTime = &now
	}
	updated.Spec.HolderIdentity = &ownerID
	updated.Spec.LeaseDurationSeconds = &duration
	updated.Spec.RenewTime = &now

	if _, err := leases.Update(ctx, updated, metav1.UpdateOptions{}); err != nil {
		if apierrors.IsConflict(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to update lease: %w", err)
	}
	return true, nil
}

func (s *KubeLeaseStore) GetLease(ctx context.Context, name string) (*models.Lease, error) {
	current, err := s.client.CoordinationV1().Leases(s.namespace).Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lease: %w", err)
	}
	return &models.Lease{
		Name:      name,
		OwnerID:   holderOf(current),
		ExpiresAt: expiresAt(current),
	}, nil
}

func (s *KubeLeaseStore) ReleaseLease(ctx context.Context, name, ownerID string) error {
	leases := s.client.CoordinationV1().Leases(s.namespace)

	current, err := leases.Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get lease: %w", err)
	}
	if holderOf(current) != ownerID {
		return nil
	}

	// client-go leaderelection과 같이 보유자를 비우고 즉시 만료시킨다
	updated := current.DeepCopy()
	empty := ""
	expired := int32(1)
	now := metav1.NewMicroTime(s.now().Add(-time.Second))
	updated.Spec.HolderIdentity = &empty
	updated.Spec.LeaseDurationSeconds = &expired
	updated.Spec.RenewTime = &now

	if _, err := leases.Update(ctx, updated, metav1.UpdateOptions{}); err != nil {
		if apierrors.IsConflict(err) {
			s.logger.Warn("Lease changed during release", zap.String("lease", name))
			return nil
		}
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

func holderOf(lease *coordinationv1.Lease) string {
	if lease.Spec.HolderIdentity == nil {
		return ""
	}
	return *lease.Spec.HolderIdentity
}

func expiresAt(lease *coordinationv1.Lease) time.Time {
	if lease.Spec.RenewTime == nil || lease.Spec.LeaseDurationSeconds == nil {
		return time.Time{}
	}
	return lease.Spec.RenewTime.Add(time.Duration(*lease.Spec.LeaseDurationSeconds) * time.Second)
}

// leaseSeconds Lease는 초 단위이므로 올림 (최소 1초)
func leaseSeconds(ttl time.Duration) int32 {
	seconds := int32(math.Ceil(ttl.Seconds()))
	if seconds < 1 {
		return 1
	}
	return seconds
}
