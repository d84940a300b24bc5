package service

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/Maquiado/queue-bot/internal/metrics"
	"github.com/Maquiado/queue-bot/internal/models"
	"github.com/Maquiado/queue-bot/internal/repository"
	"go.uber.org/zap"
)

// FrameUpdate /queue/frame 요청으로 들어온 꾸미기 필드
type FrameUpdate struct {
	ID         string
	PlayerID   string
	FrameColor *string
	FrameStyle *string
}

type frameOverride struct {
	color *string
	style *string
}

// alternateIdentityKeys 참가자 식별에 쓰이는 보조 속성 이름
var alternateIdentityKeys = []string{"playerId", "userId", "uid"}

// QueueCache 공유 큐의 로컬 뷰 (high-water-mark 증분 동기화)
type QueueCache struct {
	store    repository.Store
	pageSize int
	logger   *zap.Logger

	mu         sync.RWMutex
	entries    map[string]models.QueueEntry
	overrides  map[string]frameOverride
	lastSeenTs time.Time
	onChange   func()
}

// NewQueueCache 큐 캐시 생성
func NewQueueCache(store repository.Store, pageSize int, logger *zap.Logger) *QueueCache {
	return &QueueCache{
		store:     store,
		pageSize:  pageSize,
		logger:    logger,
		entries:   make(map[string]models.QueueEntry),
		overrides: make(map[string]frameOverride),
	}
}

// OnChange 캐시가 바뀔 때마다 호출할 콜백 등록
func (c *QueueCache) OnChange(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = fn
}

// Sync lastSeenTs 이후(포함) 항목을 한 페이지 읽어 upsert 한다
// 반환값은 새로 캐시된 항목 수
func (c *QueueCache) Sync(ctx context.Context) (int, error) {
	c.mu.RLock()
	since := c.lastSeenTs
	c.mu.RUnlock()

	page, err := c.store.ListQueueSince(ctx, since, c.pageSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list queue: %w", err)
	}

	fresh, changed := c.upsert(page)
	if fresh > 0 {
		metrics.SyncedEntriesTotal.Add(float64(fresh))
	}
	if changed {
		c.notify()
	}
	return fresh, nil
}

// Reconcile 부팅 시 전체 큐를 처음부터 읽어 캐시를 채운다
func (c *QueueCache) Reconcile(ctx context.Context) (int, error) {
	var (
		total   int
		changed bool
		since   time.Time
	)

	for {
		page, err := c.store.ListQueueSince(ctx, since, c.pageSize)
		if err != nil {
			return total, fmt.Errorf("failed to reconcile queue: %w", err)
		}

		fresh, pageChanged := c.upsert(page)
		total += fresh
		changed = changed || pageChanged

		if len(page) < c.pageSize {
			break
		}
		last := page[len(page)-1].EnqueuedAt
		if !last.After(since) {
			// 한 페이지 전체가 같은 타임스탬프: 더 진행할 수 없음
			c.logger.Warn("Queue page shares a single timestamp, reconciliation truncated",
				zap.Time("timestamp", last),
				zap.Int("pageSize", c.pageSize))
			break
		}
		since = last
	}

	if total > 0 {
		metrics.SyncedEntriesTotal.Add(float64(total))
	}
	if changed {
		c.notify()
	}

	c.logger.Info("Queue cache reconciled", zap.Int("entries", c.Size()))
	return total, nil
}

// upsert 항목 반영, 새 항목 수와 변경 여부 반환
func (c *QueueCache) upsert(page []models.QueueEntry) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fresh := 0
	changed := false
	for _, entry := range page {
		entry = entry.Clone()
		c.applyOverrideLocked(&entry)

		existing, ok := c.entries[entry.ID]
		if !ok {
			fresh++
			changed = true
		} else if !reflect.DeepEqual(existing, entry) {
			changed = true
		}
		c.entries[entry.ID] = entry

		if entry.EnqueuedAt.After(c.lastSeenTs) {
			c.lastSeenTs = entry.EnqueuedAt
		}
	}
	metrics.CacheSize.Set(float64(len(c.entries)))
	return fresh, changed
}

func (c *QueueCache) applyOverrideLocked(entry *models.QueueEntry) {
	o, ok := c.overrides[entry.ID]
	if !ok {
		return
	}
	if o.color != nil {
		entry.FrameColor = *o.color
	}
	if o.style != nil {
		entry.FrameStyle = *o.style
	}
}

// Evict 소비된 항목 제거
func (c *QueueCache) Evict(ids ...string) {
	if len(ids) == 0 {
		return
	}

	c.mu.Lock()
	removed := 0
	for _, id := range ids {
		if _, ok := c.entries[id]; ok {
			delete(c.entries, id)
			removed++
		}
		delete(c.overrides, id)
	}
	metrics.CacheSize.Set(float64(len(c.entries)))
	c.mu.Unlock()

	if removed > 0 {
		c.notify()
	}
}

// ApplyFrame 캐시된 항목에 꾸미기 필드 반영 (id 또는 보조 식별자로 매칭)
func (c *QueueCache) ApplyFrame(update FrameUpdate) (*models.QueueEntry, error) {
	if update.ID == "" && update.PlayerID == "" {
		return nil, ErrMissingIdentity
	}

	c.mu.Lock()
	id, ok := c.findLocked(update)
	if !ok {
		c.mu.Unlock()
		return nil, ErrEntryNotFound
	}

	o := c.overrides[id]
	if update.FrameColor != nil {
		color := *update.FrameColor
		o.color = &color
	}
	if update.FrameStyle != nil {
		style := *update.FrameStyle
		o.style = &style
	}
	c.overrides[id] = o

	entry := c.entries[id]
	c.applyOverrideLocked(&entry)
	c.entries[id] = entry
	result := entry.Clone()
	c.mu.Unlock()

	c.notify()
	return &result, nil
}

func (c *QueueCache) findLocked(update FrameUpdate) (string, bool) {
	if update.ID != "" {
		if _, ok := c.entries[update.ID]; ok {
			return update.ID, true
		}
	}

	identity := update.PlayerID
	if identity == "" {
		identity = update.ID
	}
	for id, entry := range c.entries {
		if entry.ParticipantID == identity {
			return id, true
		}
		for _, key := range alternateIdentityKeys {
			if entry.Attrs[key] == identity {
				return id, true
			}
		}
	}
	return "", false
}

// Snapshot enqueuedAt 오름차순 복사본
func (c *QueueCache) Snapshot() []models.QueueEntry {
	c.mu.RLock()
	entries := make([]models.QueueEntry, 0, len(c.entries))
	for _, entry := range c.entries {
		entries = append(entries, entry.Clone())
	}
	c.mu.RUnlock()

	repository.SortEntries(entries)
	return entries
}

// Summary 필드별 값 히스토그램 (값이 없으면 "unknown")
func (c *QueueCache) Summary(fields []string) map[string]map[string]int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	summary := make(map[string]map[string]int, len(fields))
	for _, field := range fields {
		counts := make(map[string]int)
		for _, entry := range c.entries {
			value, ok := entry.Field(field)
			if !ok {
				value = "unknown"
			}
			counts[value]++
		}
		summary[field] = counts
	}
	return summary
}

// Size 캐시 항목 수
func (c *QueueCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// LastSeenTs 지금까지 관측한 최대 enqueuedAt
func (c *QueueCache) LastSeenTs() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSeenTs
}

func (c *QueueCache) notify() {
	c.mu.RLock()
	fn := c.onChange
	c.mu.RUnlock()

	if fn != nil {
		fn()
	}
}

// QueueView /queue 응답 및 브로드캐스트 페이로드
type QueueView struct {
	Size    int                 `json:"size"`
	Players []models.QueueEntry `json:"players"`
}

// View 현재 스냅샷 뷰
func (c *QueueCache) View() QueueView {
	players := c.Snapshot()
	return QueueView{Size: len(players), Players: players}
}
