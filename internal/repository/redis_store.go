package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/Maquiado/queue-bot/internal/models"
	"github.com/Maquiado/queue-bot/pkg/distributed"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	redisQueueKey       = "queue"
	redisEntriesKey     = "queue:entries"
	redisBatchesKey     = "matchmaking_batches"
	redisAssignmentsKey = "assignments:active"
	redisCohortsKey     = "ready_check_cohorts"
	redisSettingsKey    = "config:matchmakingSettings"
	redisChangesChannel = "queue:changes"
)

// hashReader *redis.Client와 *redis.Tx 공통 읽기 연산
type hashReader interface {
	HMGet(ctx context.Context, key string, fields ...string) *redis.SliceCmd
}

// RedisStore Redis 기반 Store 구현
// 다중 키 트랜잭션은 WATCH/MULTI/EXEC 낙관적 트랜잭션으로 처리한다
type RedisStore struct {
	client *redis.Client
	prefix string
	lease  *distributed.RedisLease
	feed   *distributed.ChangeFeed
	logger *zap.Logger
}

// NewRedisStore REDIS_URL로 연결
func NewRedisStore(redisURL, prefix string, logger *zap.Logger) (*RedisStore, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("redis URL is empty")
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return NewRedisStoreWithClient(client, prefix, logger), nil
}

// NewRedisStoreWithClient 기존 클라이언트로 생성 (테스트, 커넥션 공유)
func NewRedisStoreWithClient(client *redis.Client, prefix string, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = "queuebot:"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		lease:  distributed.NewRedisLease(client, prefix+"locks:"),
		feed:   distributed.NewChangeFeed(client, prefix+redisChangesChannel, logger),
		logger: logger,
	}
}

// Client 내부 Redis 클라이언트 (Rate Limiter 등과 공유)
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

func (s *RedisStore) key(name string) string {
	return s.prefix + name
}

func (s *RedisStore) TryAcquireOrRenewLease(ctx context.Context, name, ownerID string, ttl time.Duration) (bool, error) {
	ok, err := s.lease.TryAcquireOrRenew(ctx, name, ownerID, ttl)
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease: %w", err)
	}
	return ok, nil
}

func (s *RedisStore) GetLease(ctx context.Context, name string) (*models.Lease, error) {
	info, err := s.lease.Get(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to get lease: %w", err)
	}
	if info == nil {
		return nil, ErrNotFound
	}
	return &models.Lease{Name: name, OwnerID: info.OwnerID, ExpiresAt: info.ExpiresAt}, nil
}

func (s *RedisStore) ReleaseLease(ctx context.Context, name, ownerID string) error {
	err := s.lease.Release(ctx, name, ownerID)
	if err != nil && !errors.Is(err, distributed.ErrLeaseNotHeld) {
		return err
	}
	return nil
}

func (s *RedisStore) Remove(ctx context.Context, id string) error {
	txf := func(tx *redis.Tx) error {
		found, err := s.readEntries(ctx, tx, []string{id})
		if err != nil {
			return err
		}
		if _, ok := found[id]; !ok {
			return ErrNotFound
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return s.removeEntriesTx(ctx, pipe, []string{id}, found)
		})
		return err
	}

	if err := s.client.Watch(ctx, txf, s.key(redisEntriesKey)); err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			return &ConflictError{Reason: "queue modified during remove"}
		}
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("failed to remove queue entry: %w", err)
	}
	return nil
}

func (s *RedisStore) Enqueue(ctx context.Context, entry *models.QueueEntry) error {
	if err := validateEntry(entry); err != nil {
		return err
	}
	if entry.EnqueuedAt.IsZero() {
		entry.EnqueuedAt = time.Now()
	}
	// ZSET 점수와 같은 정밀도로 저장
	entry.EnqueuedAt = entry.EnqueuedAt.Truncate(time.Millisecond)

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	entriesKey := s.key(redisEntriesKey)
	txf := func(tx *redis.Tx) error {
		exists, err := tx.HExists(ctx, entriesKey, entry.ID).Result()
		if err != nil {
			return err
		}
		change := models.QueueChange{Type: models.QueueChangeAdded, Entry: *entry}
		if exists {
			change.Type = models.QueueChangeModified
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZAdd(ctx, s.key(redisQueueKey), redis.Z{
				Score:  float64(entry.EnqueuedAt.UnixMilli()),
				Member: entry.ID,
			})
			pipe.HSet(ctx, entriesKey, entry.ID, data)
			return s.feed.PublishTx(ctx, pipe, change)
		})
		return err
	}

	if err := s.client.Watch(ctx, txf, entriesKey); err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			return &ConflictError{Reason: "queue modified during enqueue"}
		}
		return fmt.Errorf("failed to enqueue: %w", err)
	}
	return nil
}

func (s *RedisStore) ListQueueSince(ctx context.Context, since time.Time, limit int) ([]models.QueueEntry, error) {
	// 점수가 밀리초 단위이므로 같은 밀리초의 항목은 모두 포함한다
	since = since.Truncate(time.Millisecond)
	min := "-inf"
	if !since.IsZero() {
		min = strconv.FormatInt(since.UnixMilli(), 10)
	}

	rangeBy := &redis.ZRangeBy{Min: min, Max: "+inf"}
	if limit > 0 {
		rangeBy.Count = int64(limit)
	}
	ids, err := s.client.ZRangeByScore(ctx, s.key(redisQueueKey), rangeBy).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list queue: %w", err)
	}
	if len(ids) == 0 {
		return []models.QueueEntry{}, nil
	}

	found, err := s.readEntries(ctx, s.client, ids)
	if err != nil {
		return nil, err
	}

	entries := make([]models.QueueEntry, 0, len(found))
	for _, id := range ids {
		if entry, ok := found[id]; ok && !entry.EnqueuedAt.Before(since) {
			entries = append(entries, entry)
		}
	}
	SortEntries(entries)
	return entries, nil
}

// readEntries HMGET으로 큐 항목 조회 (없는 id는 결과에서 빠진다)
func (s *RedisStore) readEntries(ctx context.Context, c hashReader, ids []string) (map[string]models.QueueEntry, error) {
	values, err := c.HMGet(ctx, s.key(redisEntriesKey), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read queue entries: %w", err)
	}

	found := make(map[string]models.QueueEntry, len(ids))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var entry models.QueueEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			s.logger.Warn("Skipping malformed queue entry", zap.String("id", ids[i]), zap.Error(err))
			continue
		}
		found[ids[i]] = entry
	}
	return found, nil
}

func (s *RedisStore) CreateBatch(ctx context.Context, batch *models.Batch, entryIDs []string) error {
	entriesKey := s.key(redisEntriesKey)
	assignmentsKey := s.key(redisAssignmentsKey)

	txf := func(tx *redis.Tx) error {
		found, err := s.readEntries(ctx, tx, entryIDs)
		if err != nil {
			return err
		}
		if missing := missingIDs(entryIDs, found); len(missing) > 0 {
			return &ConflictError{Reason: "queue entries vanished", MissingIDs: missing}
		}

		active, err := tx.HMGet(ctx, assignmentsKey, batch.ParticipantIDs...).Result()
		if err != nil {
			return fmt.Errorf("failed to read assignments: %w", err)
		}
		var assigned []string
		for i, v := range active {
			if v != nil {
				assigned = append(assigned, batch.ParticipantIDs[i])
			}
		}
		if len(assigned) > 0 {
			return &ConflictError{Reason: "participants already assigned", AssignedIDs: assigned}
		}

		if batch.CreatedAt.IsZero() {
			batch.CreatedAt = time.Now()
		}
		batch.Players = orderedByIDs(entryIDs, found)
		batchData, err := json.Marshal(batch)
		if err != nil {
			return fmt.Errorf("failed to marshal batch: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, s.key(redisBatchesKey), batch.ID, batchData)
			for _, pid := range batch.ParticipantIDs {
				assignment, _ := json.Marshal(models.Assignment{
					ParticipantID: pid,
					BatchID:       batch.ID,
					CreatedAt:     batch.CreatedAt,
					Active:        true,
				})
				pipe.HSet(ctx, assignmentsKey, pid, assignment)
			}
			return s.removeEntriesTx(ctx, pipe, entryIDs, found)
		})
		return err
	}

	if err := s.client.Watch(ctx, txf, entriesKey, assignmentsKey); err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			return &ConflictError{Reason: "concurrent modification"}
		}
		var conflict *ConflictError
		if errors.As(err, &conflict) {
			return err
		}
		return fmt.Errorf("failed to create batch: %w", err)
	}
	return nil
}

func (s *RedisStore) removeEntriesTx(ctx context.Context, pipe redis.Pipeliner, ids []string, found map[string]models.QueueEntry) error {
	members := make([]interface{}, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	pipe.ZRem(ctx, s.key(redisQueueKey), members...)
	pipe.HDel(ctx, s.key(redisEntriesKey), ids...)
	for _, id := range ids {
		change := models.QueueChange{Type: models.QueueChangeRemoved, Entry: found[id]}
		if err := s.feed.PublishTx(ctx, pipe, change); err != nil {
			return err
		}
	}
	return nil
}

func (s *RedisStore) ListBatches(ctx context.Context, status models.BatchStatus) ([]models.Batch, error) {
	values, err := s.client.HVals(ctx, s.key(redisBatchesKey)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}

	var batches []models.Batch
	for _, raw := range values {
		var b models.Batch
		if err := json.Unmarshal([]byte(raw), &b); err != nil {
			continue
		}
		if status == "" || b.Status == status {
			batches = append(batches, b)
		}
	}
	sortBatchesLatestFirst(batches)
	return batches, nil
}

func (s *RedisStore) UpdateBatchStatus(ctx context.Context, id string, status models.BatchStatus) (*models.Batch, error) {
	batchesKey := s.key(redisBatchesKey)
	var updated models.Batch

	txf := func(tx *redis.Tx) error {
		raw, err := tx.HGet(ctx, batchesKey, id).Result()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if err := json.Unmarshal([]byte(raw), &updated); err != nil {
			return fmt.Errorf("failed to unmarshal batch: %w", err)
		}
		updated.Status = status
		data, err := json.Marshal(updated)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, batchesKey, id, data)
			return nil
		})
		return err
	}

	if err := s.client.Watch(ctx, txf, batchesKey); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		if errors.Is(err, redis.TxFailedErr) {
			return nil, &ConflictError{Reason: "batch modified concurrently"}
		}
		return nil, fmt.Errorf("failed to update batch status: %w", err)
	}
	return &updated, nil
}

func (s *RedisStore) CreateCohort(ctx context.Context, entryIDs []string, build CohortBuilder) (*models.ReadyCheckCohort, error) {
	entriesKey := s.key(redisEntriesKey)
	var cohort *models.ReadyCheckCohort

	txf := func(tx *redis.Tx) error {
		found, err := s.readEntries(ctx, tx, entryIDs)
		if err != nil {
			return err
		}
		if missing := missingIDs(entryIDs, found); len(missing) > 0 {
			return &ConflictError{Reason: "queue changed: players missing", MissingIDs: missing}
		}

		cohort, err = build(orderedByIDs(entryIDs, found))
		if err != nil {
			return err
		}
		data, err := json.Marshal(cohort)
		if err != nil {
			return fmt.Errorf("failed to marshal cohort: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, s.key(redisCohortsKey), cohort.ID, data)
			return s.removeEntriesTx(ctx, pipe, entryIDs, found)
		})
		return err
	}

	if err := s.client.Watch(ctx, txf, entriesKey); err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			return nil, &ConflictError{Reason: "concurrent modification"}
		}
		var conflict *ConflictError
		if errors.As(err, &conflict) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to create cohort: %w", err)
	}
	return cohort, nil
}

func (s *RedisStore) ListCohorts(ctx context.Context, status models.CohortStatus) ([]models.ReadyCheckCohort, error) {
	values, err := s.client.HVals(ctx, s.key(redisCohortsKey)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list cohorts: %w", err)
	}

	var cohorts []models.ReadyCheckCohort
	for _, raw := range values {
		var c models.ReadyCheckCohort
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			continue
		}
		if status == "" || c.Status == status {
			cohorts = append(cohorts, c)
		}
	}
	sortCohortsLatestFirst(cohorts)
	return cohorts, nil
}

func (s *RedisStore) WatchQueue(ctx context.Context) (<-chan models.QueueChange, error) {
	// 구독을 먼저 확인한 뒤 스냅샷을 읽어야 사이에 발생한 변경을 놓치지 않는다
	payloads, err := s.feed.Subscribe(ctx)
	if err != nil {
		return nil, err
	}

	snapshot, err := s.ListQueueSince(ctx, time.Time{}, watchWindow)
	if err != nil {
		return nil, err
	}

	out := make(chan models.QueueChange, changeBuffer)
	go func() {
		defer close(out)

		for _, entry := range snapshot {
			select {
			case out <- models.QueueChange{Type: models.QueueChangeAdded, Entry: entry}:
			case <-ctx.Done():
				return
			}
		}

		for payload := range payloads {
			var change models.QueueChange
			if err := json.Unmarshal(payload, &change); err != nil {
				s.logger.Error("Failed to unmarshal queue change", zap.Error(err))
				continue
			}
			select {
			case out <- change:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

func (s *RedisStore) GetSettings(ctx context.Context) (*models.MatchmakingSettings, error) {
	raw, err := s.client.HGet(ctx, s.key(redisSettingsKey), "automaticQueueEnabled").Result()
	if errors.Is(err, redis.Nil) {
		return &models.MatchmakingSettings{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get settings: %w", err)
	}

	enabled, _ := strconv.ParseBool(raw)
	return &models.MatchmakingSettings{AutomaticQueueEnabled: enabled}, nil
}

func (s *RedisStore) SaveSettings(ctx context.Context, settings *models.MatchmakingSettings) error {
	err := s.client.HSet(ctx, s.key(redisSettingsKey), "automaticQueueEnabled", strconv.FormatBool(settings.AutomaticQueueEnabled)).Err()
	if err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
