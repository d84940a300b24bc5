package service

import (
	"context"
	"errors"
	"time"

	"github.com/Maquiado/queue-bot/internal/metrics"
	"github.com/Maquiado/queue-bot/internal/repository"
	"go.uber.org/zap"
)

// LeaseLock 활성 워커 선출용 리스
type LeaseLock struct {
	store  repository.LeaseStore
	name   string
	selfID string
	ttl    time.Duration
	logger *zap.Logger
}

// NewLeaseLock 리스 락 생성
func NewLeaseLock(store repository.LeaseStore, name, selfID string, ttl time.Duration, logger *zap.Logger) *LeaseLock {
	return &LeaseLock{
		store:  store,
		name:   name,
		selfID: selfID,
		ttl:    ttl,
		logger: logger,
	}
}

// TryAcquireOrRenew 리스 획득 또는 갱신
// 저장소 오류는 일시적인 것으로 보고 미보유로 처리한다
func (l *LeaseLock) TryAcquireOrRenew(ctx context.Context) (bool, error) {
	held, err := l.store.TryAcquireOrRenewLease(ctx, l.name, l.selfID, l.ttl)
	if err != nil {
		l.logger.Warn("Lease acquisition failed",
			zap.String("lease", l.name),
			zap.Error(err))
		held = false
	}

	gauge := 0.0
	if held {
		gauge = 1
	}
	metrics.LeaseHeld.WithLabelValues(l.name, l.selfID).Set(gauge)

	return held, err
}

// Holder 현재 리스 보유자 (없으면 빈 문자열)
func (l *LeaseLock) Holder(ctx context.Context) (string, error) {
	lease, err := l.store.GetLease(ctx, l.name)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	return lease.OwnerID, nil
}

// SelfID 이 워커의 식별자
func (l *LeaseLock) SelfID() string {
	return l.selfID
}

// Name 리스 이름
func (l *LeaseLock) Name() string {
	return l.name
}

// Release 보유 중인 리스 해제 (종료 시 다른 워커가 바로 인수하도록)
func (l *LeaseLock) Release(ctx context.Context) error {
	if err := l.store.ReleaseLease(ctx, l.name, l.selfID); err != nil {
		return err
	}
	metrics.LeaseHeld.WithLabelValues(l.name, l.selfID).Set(0)
	return nil
}
