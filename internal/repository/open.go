package repository

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Maquiado/queue-bot/internal/config"
	"github.com/Maquiado/queue-bot/internal/models"
)

// Open STORE_DRIVER에 맞는 Store 생성 (서버와 queuectl 공용)
func Open(cfg *config.Config, logger *zap.Logger) (Store, error) {
	switch cfg.StoreDriver {
	case config.StoreRedis:
		return NewRedisStore(cfg.RedisURL, cfg.RedisPrefix, logger)
	case config.StorePostgres:
		return OpenPostgresStore(cfg.DatabaseURL, logger)
	case config.StoreMemory, "":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// OpenLeaseStore LEASE_BACKEND에 맞는 리스 저장소 (기본은 store 자체)
func OpenLeaseStore(cfg *config.Config, store Store, logger *zap.Logger) (LeaseStore, error) {
	if cfg.LeaseBackend != config.LeaseBackendKubernetes {
		return store, nil
	}
	leases, err := OpenKubeLeaseStore(cfg.KubeNamespace, cfg.KubeconfigPath, logger)
	if err != nil {
		return nil, err
	}
	return leases, nil
}

// WithLeaseStore 리스 연산만 다른 백엔드로 보내는 Store
func WithLeaseStore(store Store, leases LeaseStore) Store {
	if leases == nil {
		return store
	}
	return &leaseRoutedStore{Store: store, leases: leases}
}

type leaseRoutedStore struct {
	Store
	leases LeaseStore
}

func (s *leaseRoutedStore) TryAcquireOrRenewLease(ctx context.Context, name, ownerID string, ttl time.Duration) (bool, error) {
	return s.leases.TryAcquireOrRenewLease(ctx, name, ownerID, ttl)
}

func (s *leaseRoutedStore) GetLease(ctx context.Context, name string) (*models.Lease, error) {
	return s.leases.GetLease(ctx, name)
}

func (s *leaseRoutedStore) ReleaseLease(ctx context.Context, name, ownerID string) error {
	return s.leases.ReleaseLease(ctx, name, ownerID)
}
