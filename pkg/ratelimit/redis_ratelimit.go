package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// fixedWindowScript 윈도우 카운터 증가 (첫 요청에서 만료 설정)
// 반환: {count, pttl}
var fixedWindowScript = redis.NewScript(`
	local count = redis.call('INCR', KEYS[1])
	if count == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	local ttl = redis.call('PTTL', KEYS[1])
	return {count, ttl}
`)

// RedisLimiter 워커 간에 공유되는 고정 윈도우 리미터
type RedisLimiter struct {
	client    redis.UniversalClient
	keyPrefix string
	limit     int
	window    time.Duration
}

// NewRedisLimiter Redis 리미터 생성 (저장소와 같은 클라이언트를 재사용)
func NewRedisLimiter(client redis.UniversalClient, keyPrefix string, limit int, window time.Duration) *RedisLimiter {
	if keyPrefix == "" {
		keyPrefix = "ratelimit:"
	}
	if limit <= 0 {
		limit = 60
	}
	if window <= 0 {
		window = time.Minute
	}

	return &RedisLimiter{
		client:    client,
		keyPrefix: keyPrefix,
		limit:     limit,
		window:    window,
	}
}

func (r *RedisLimiter) Allow(ctx context.Context, key string) (bool, Info, error) {
	result, err := fixedWindowScript.Run(ctx, r.client, []string{r.keyPrefix + key}, r.window.Milliseconds()).Int64Slice()
	if err != nil {
		return false, Info{}, fmt.Errorf("redis script execution failed: %w", err)
	}
	if len(result) < 2 {
		return false, Info{}, fmt.Errorf("invalid script result")
	}

	count, ttl := int(result[0]), time.Duration(result[1])*time.Millisecond
	if ttl < 0 {
		ttl = r.window
	}

	remaining := r.limit - count
	if remaining < 0 {
		remaining = 0
	}

	info := Info{
		Limit:     r.limit,
		Remaining: remaining,
		ResetTime: time.Now().Add(ttl),
	}
	return count <= r.limit, info, nil
}

// Reset 특정 키의 카운터 초기화
func (r *RedisLimiter) Reset(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("failed to reset rate limit: %w", err)
	}
	return nil
}
