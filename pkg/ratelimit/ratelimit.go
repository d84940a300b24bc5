package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Info 한도 상세 정보 (응답 헤더용)
type Info struct {
	Limit     int
	Remaining int
	ResetTime time.Time
}

// Limiter 키별 요청 허용 여부 판단
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, Info, error)
}

// TokenBucket 토큰 버킷 (초 단위 소수 토큰까지 리필)
type TokenBucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	now        func() time.Time
}

// NewTokenBucket 토큰 버킷 생성
func NewTokenBucket(capacity int, refillRate float64) *TokenBucket {
	return &TokenBucket{
		capacity:   float64(capacity),
		tokens:     float64(capacity),
		refillRate: refillRate,
		lastRefill: time.Now(),
		now:        time.Now,
	}
}

// Take 토큰 하나 소비, 남은 토큰 수 반환
func (tb *TokenBucket) Take() (bool, int) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()

	if tb.tokens >= 1 {
		tb.tokens--
		return true, int(tb.tokens)
	}
	return false, 0
}

func (tb *TokenBucket) refill() {
	now := tb.now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}

	tb.tokens += elapsed * tb.refillRate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now
}

// idle 가득 찬 상태로 오래 쓰이지 않았는지
func (tb *TokenBucket) idle(now time.Time, after time.Duration) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.tokens >= tb.capacity && now.Sub(tb.lastRefill) > after
}

// MemoryLimiter 프로세스 내 키별 토큰 버킷 (분당 perMinute 요청)
type MemoryLimiter struct {
	mu        sync.Mutex
	buckets   map[string]*TokenBucket
	perMinute int

	cleanupInterval time.Duration
	stopOnce        sync.Once
	stopChan        chan struct{}
}

// NewMemoryLimiter 메모리 리미터 생성 (Stop으로 정리 루프 종료)
func NewMemoryLimiter(perMinute int) *MemoryLimiter {
	l := &MemoryLimiter{
		buckets:         make(map[string]*TokenBucket),
		perMinute:       perMinute,
		cleanupInterval: 10 * time.Minute,
		stopChan:        make(chan struct{}),
	}

	go l.cleanupLoop()

	return l
}

func (l *MemoryLimiter) Allow(ctx context.Context, key string) (bool, Info, error) {
	allowed, remaining := l.bucket(key).Take()

	info := Info{Limit: l.perMinute, Remaining: remaining}
	if allowed {
		info.ResetTime = time.Now().Add(time.Minute)
	} else {
		info.ResetTime = time.Now().Add(time.Minute / time.Duration(l.perMinute))
	}
	return allowed, info, nil
}

func (l *MemoryLimiter) bucket(key string) *TokenBucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = NewTokenBucket(l.perMinute, float64(l.perMinute)/60)
		l.buckets[key] = b
	}
	return b
}

// cleanupLoop 오래 쓰이지 않은 버킷 제거
func (l *MemoryLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanup(time.Now())
		case <-l.stopChan:
			return
		}
	}
}

func (l *MemoryLimiter) cleanup(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for key, b := range l.buckets {
		if b.idle(now, l.cleanupInterval) {
			delete(l.buckets, key)
		}
	}
}

// Size 활성 버킷 수
func (l *MemoryLimiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Stop 정리 루프 종료
func (l *MemoryLimiter) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopChan)
	})
}
