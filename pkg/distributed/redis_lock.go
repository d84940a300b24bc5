package distributed

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrLeaseNotHeld = errors.New("lease not held")
)

// acquireOrRenewScript 비어 있거나 만료됐거나(키 TTL 소멸) 내 소유면 갱신
var acquireOrRenewScript = redis.NewScript(`
	local owner = redis.call("GET", KEYS[1])
	if owner == false or owner == ARGV[1] then
		redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
		return 1
	end
	return 0
`)

// releaseScript 자신이 보유한 리스만 해제
var releaseScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	end
	return 0
`)

// RedisLease Redis 기반 리스 락 (활성 워커 선출)
type RedisLease struct {
	client *redis.Client
	prefix string
}

// LeaseInfo 현재 리스 보유자와 만료 시각
type LeaseInfo struct {
	OwnerID   string
	ExpiresAt time.Time
}

// NewRedisLease RedisLease 생성
func NewRedisLease(client *redis.Client, prefix string) *RedisLease {
	if prefix == "" {
		prefix = "locks:"
	}
	return &RedisLease{
		client: client,
		prefix: prefix,
	}
}

// TryAcquireOrRenew 리스 획득 또는 갱신 (Lua 스크립트로 원자적 처리)
func (l *RedisLease) TryAcquireOrRenew(ctx context.Context, name, ownerID string, ttl time.Duration) (bool, error) {
	result, err := acquireOrRenewScript.Run(ctx, l.client, []string{l.prefix + name}, ownerID, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return result == 1, nil
}

// Get 리스 조회
func (l *RedisLease) Get(ctx context.Context, name string) (*LeaseInfo, error) {
	key := l.prefix + name

	pipe := l.client.Pipeline()
	getCmd := pipe.Get(ctx, key)
	ttlCmd := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	owner, err := getCmd.Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	ttl := ttlCmd.Val()
	if ttl < 0 {
		ttl = 0
	}
	return &LeaseInfo{OwnerID: owner, ExpiresAt: time.Now().Add(ttl)}, nil
}

// Release 리스 해제 (종료 시 다른 워커가 바로 가져갈 수 있도록)
func (l *RedisLease) Release(ctx context.Context, name, ownerID string) error {
	result, err := releaseScript.Run(ctx, l.client, []string{l.prefix + name}, ownerID).Int()
	if err != nil {
		return err
	}
	if result == 0 {
		return ErrLeaseNotHeld
	}
	return nil
}
