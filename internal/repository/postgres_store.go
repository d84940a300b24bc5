package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Maquiado/queue-bot/internal/models"
	"github.com/Maquiado/queue-bot/pkg/database"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

const queueColumns = `id, participant_id, enqueued_at, rank, region, source, banned_until, attrs`

// PostgresStore PostgreSQL 기반 Store 구현
// 트랜잭션은 SELECT ... FOR UPDATE로 원본 행을 잠그고 처리한다
type PostgresStore struct {
	db     *database.DB
	logger *zap.Logger
}

func NewPostgresStore(db *database.DB, logger *zap.Logger) *PostgresStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresStore{db: db, logger: logger}
}

// OpenPostgresStore 연결 후 스키마 부트스트랩까지 수행
func OpenPostgresStore(databaseURL string, logger *zap.Logger) (*PostgresStore, error) {
	db, err := database.Connect(databaseURL)
	if err != nil {
		return nil, err
	}

	store := NewPostgresStore(db, logger)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := store.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (models.QueueEntry, error) {
	var entry models.QueueEntry
	var source string
	var bannedUntil sql.NullTime
	var attrs []byte

	if err := row.Scan(
		&entry.ID,
		&entry.ParticipantID,
		&entry.EnqueuedAt,
		&entry.Rank,
		&entry.Region,
		&source,
		&bannedUntil,
		&attrs,
	); err != nil {
		return entry, err
	}

	entry.Source = models.QueueSource(source)
	if bannedUntil.Valid {
		t := bannedUntil.Time
		entry.BannedUntil = &t
	}
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &entry.Attrs); err != nil {
			return entry, fmt.Errorf("failed to decode attrs: %w", err)
		}
		if len(entry.Attrs) == 0 {
			entry.Attrs = nil
		}
	}
	return entry, nil
}

// isConflict 유니크 제약 위반(23505), 직렬화 실패(40001)는 조정 충돌로 본다
func isConflict(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505" || pqErr.Code == "40001"
	}
	return false
}

func (s *PostgresStore) TryAcquireOrRenewLease(ctx context.Context, name, ownerID string, ttl time.Duration) (bool, error) {
	query := `
		INSERT INTO locks (name, owner_id, expires_at)
		VALUES ($1, $2, NOW() + $3::bigint * INTERVAL '1 millisecond')
		ON CONFLICT (name) DO UPDATE SET
			owner_id = EXCLUDED.owner_id,
			expires_at = EXCLUDED.expires_at
		WHERE locks.expires_at <= NOW() OR locks.owner_id = EXCLUDED.owner_id
		RETURNING owner_id
	`
	var owner string
	err := s.db.QueryRowContext(ctx, query, name, ownerID, ttl.Milliseconds()).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		if isConflict(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to acquire lease: %w", err)
	}
	return owner == ownerID, nil
}

func (s *PostgresStore) GetLease(ctx context.Context, name string) (*models.Lease, error) {
	lease := &models.Lease{}
	err := s.db.QueryRowContext(ctx,
		`SELECT name, owner_id, expires_at FROM locks WHERE name = $1`, name,
	).Scan(&lease.Name, &lease.OwnerID, &lease.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lease: %w", err)
	}
	return lease, nil
}

func (s *PostgresStore) ReleaseLease(ctx context.Context, name, ownerID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM locks WHERE name = $1 AND owner_id = $2`, name, ownerID)
	if err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

func (s *PostgresStore) Remove(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM queue WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to remove queue entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Enqueue(ctx context.Context, entry *models.QueueEntry) error {
	if err := validateEntry(entry); err != nil {
		return err
	}
	if entry.EnqueuedAt.IsZero() {
		entry.EnqueuedAt = time.Now()
	}
	if entry.Source == "" {
		entry.Source = models.QueueSourceAuto
	}

	attrs, err := json.Marshal(entry.Attrs)
	if err != nil {
		return fmt.Errorf("failed to encode attrs: %w", err)
	}

	query := `
		INSERT INTO queue (` + queueColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			participant_id = EXCLUDED.participant_id,
			rank = EXCLUDED.rank,
			region = EXCLUDED.region,
			source = EXCLUDED.source,
			banned_until = EXCLUDED.banned_until,
			attrs = EXCLUDED.attrs
	`
	_, err = s.db.ExecContext(ctx, query,
		entry.ID,
		entry.ParticipantID,
		entry.EnqueuedAt,
		entry.Rank,
		entry.Region,
		string(entry.Source),
		entry.BannedUntil,
		attrs,
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListQueueSince(ctx context.Context, since time.Time, limit int) ([]models.QueueEntry, error) {
	if limit <= 0 {
		limit = 1000
	}

	query := `
		SELECT ` + queueColumns + `
		FROM queue
		WHERE enqueued_at >= $1
		ORDER BY enqueued_at ASC, id ASC
		LIMIT $2
	`
	rows, err := s.db.QueryContext(ctx, query, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue: %w", err)
	}
	defer rows.Close()

	entries := []models.QueueEntry{}
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// lockEntries 트랜잭션 안에서 큐 항목을 잠그고 다시 읽는다
func lockEntries(ctx context.Context, tx *sql.Tx, ids []string) (map[string]models.QueueEntry, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT `+queueColumns+` FROM queue WHERE id = ANY($1) FOR UPDATE`,
		pq.Array(ids),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to lock queue entries: %w", err)
	}
	defer rows.Close()

	found := make(map[string]models.QueueEntry, len(ids))
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		found[entry.ID] = entry
	}
	return found, rows.Err()
}

func (s *PostgresStore) CreateBatch(ctx context.Context, batch *models.Batch, entryIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	found, err := lockEntries(ctx, tx, entryIDs)
	if err != nil {
		return err
	}
	if missing := missingIDs(entryIDs, found); len(missing) > 0 {
		return &ConflictError{Reason: "queue entries vanished", MissingIDs: missing}
	}

	var assigned []string
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(array_agg(participant_id), '{}') FROM assignments WHERE participant_id = ANY($1) AND active`,
		pq.Array(batch.ParticipantIDs),
	).Scan(pq.Array(&assigned))
	if err != nil {
		return fmt.Errorf("failed to check assignments: %w", err)
	}
	if len(assigned) > 0 {
		return &ConflictError{Reason: "participants already assigned", AssignedIDs: assigned}
	}

	if batch.CreatedAt.IsZero() {
		batch.CreatedAt = time.Now()
	}
	batch.Players = orderedByIDs(entryIDs, found)
	players, err := json.Marshal(batch.Players)
	if err != nil {
		return fmt.Errorf("failed to encode players: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO matchmaking_batches (id, participant_ids, players, status, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		batch.ID, pq.Array(batch.ParticipantIDs), players, string(batch.Status), batch.CreatedAt,
	); err != nil {
		return fmt.Errorf("failed to insert batch: %w", err)
	}

	for _, pid := range batch.ParticipantIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO assignments (participant_id, batch_id, created_at, active)
			VALUES ($1, $2, $3, TRUE)`,
			pid, batch.ID, batch.CreatedAt,
		); err != nil {
			if isConflict(err) {
				return &ConflictError{Reason: "participants already assigned", AssignedIDs: []string{pid}}
			}
			return fmt.Errorf("failed to insert assignment: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM queue WHERE id = ANY($1)`, pq.Array(entryIDs)); err != nil {
		return fmt.Errorf("failed to consume queue entries: %w", err)
	}

	if err := tx.Commit(); err != nil {
		if isConflict(err) {
			return &ConflictError{Reason: "commit conflict"}
		}
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListBatches(ctx context.Context, status models.BatchStatus) ([]models.Batch, error) {
	query := `
		SELECT id, participant_ids, players, status, created_at
		FROM matchmaking_batches
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC
	`
	rows, err := s.db.QueryContext(ctx, query, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}
	defer rows.Close()

	var batches []models.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

func scanBatch(row rowScanner) (models.Batch, error) {
	var b models.Batch
	var status string
	var players []byte
	if err := row.Scan(&b.ID, pq.Array(&b.ParticipantIDs), &players, &status, &b.CreatedAt); err != nil {
		return b, fmt.Errorf("failed to scan batch: %w", err)
	}
	b.Status = models.BatchStatus(status)
	if err := json.Unmarshal(players, &b.Players); err != nil {
		return b, fmt.Errorf("failed to decode players: %w", err)
	}
	return b, nil
}

func (s *PostgresStore) UpdateBatchStatus(ctx context.Context, id string, status models.BatchStatus) (*models.Batch, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE matchmaking_batches SET status = $1
		WHERE id = $2
		RETURNING id, participant_ids, players, status, created_at`,
		string(status), id,
	)
	b, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *PostgresStore) CreateCohort(ctx context.Context, entryIDs []string, build CohortBuilder) (*models.ReadyCheckCohort, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	found, err := lockEntries(ctx, tx, entryIDs)
	if err != nil {
		return nil, err
	}
	if missing := missingIDs(entryIDs, found); len(missing) > 0 {
		return nil, &ConflictError{Reason: "queue changed: players missing", MissingIDs: missing}
	}

	cohort, err := build(orderedByIDs(entryIDs, found))
	if err != nil {
		return nil, err
	}

	participants, err := json.Marshal(cohort.Participants)
	if err != nil {
		return nil, fmt.Errorf("failed to encode participants: %w", err)
	}
	acceptances, err := json.Marshal(cohort.Acceptances)
	if err != nil {
		return nil, fmt.Errorf("failed to encode acceptances: %w", err)
	}
	teams, err := json.Marshal(cohort.Teams)
	if err != nil {
		return nil, fmt.Errorf("failed to encode teams: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO ready_check_cohorts (id, status, deadline, participants, participant_ids, acceptances, teams, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		cohort.ID,
		string(cohort.Status),
		cohort.Deadline,
		participants,
		pq.Array(cohort.ParticipantIDs),
		acceptances,
		teams,
		cohort.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("failed to insert cohort: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM queue WHERE id = ANY($1)`, pq.Array(entryIDs)); err != nil {
		return nil, fmt.Errorf("failed to consume queue entries: %w", err)
	}

	if err := tx.Commit(); err != nil {
		if isConflict(err) {
			return nil, &ConflictError{Reason: "commit conflict"}
		}
		return nil, fmt.Errorf("failed to commit cohort: %w", err)
	}
	return cohort, nil
}

func (s *PostgresStore) ListCohorts(ctx context.Context, status models.CohortStatus) ([]models.ReadyCheckCohort, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, status, deadline, participants, participant_ids, acceptances, teams, created_at
		FROM ready_check_cohorts
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC`,
		string(status),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list cohorts: %w", err)
	}
	defer rows.Close()

	var cohorts []models.ReadyCheckCohort
	for rows.Next() {
		var c models.ReadyCheckCohort
		var status string
		var participants, acceptances, teams []byte
		if err := rows.Scan(
			&c.ID,
			&status,
			&c.Deadline,
			&participants,
			pq.Array(&c.ParticipantIDs),
			&acceptances,
			&teams,
			&c.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan cohort: %w", err)
		}
		c.Status = models.CohortStatus(status)
		if err := json.Unmarshal(participants, &c.Participants); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(acceptances, &c.Acceptances); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(teams, &c.Teams); err != nil {
			return nil, err
		}
		cohorts = append(cohorts, c)
	}
	return cohorts, rows.Err()
}

// queueNotification notify_queue_change 트리거 페이로드
type queueNotification struct {
	Op  string `json:"op"`
	ID  string `json:"id"`
	UID string `json:"uid"`
}

func (s *PostgresStore) WatchQueue(ctx context.Context) (<-chan models.QueueChange, error) {
	listener := pq.NewListener(s.db.URL(), 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			s.logger.Warn("Queue listener event", zap.Int("event", int(ev)), zap.Error(err))
		}
	})
	if err := listener.Listen(queueChangesChannel); err != nil {
		listener.Close()
		return nil, fmt.Errorf("failed to listen: %w", err)
	}

	snapshot, err := s.ListQueueSince(ctx, time.Time{}, watchWindow)
	if err != nil {
		listener.Close()
		return nil, err
	}

	out := make(chan models.QueueChange, changeBuffer)
	go func() {
		defer close(out)
		defer listener.Close()

		keepalive := time.NewTicker(90 * time.Second)
		defer keepalive.Stop()

		send := func(change models.QueueChange) bool {
			select {
			case out <- change:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for _, entry := range snapshot {
			if !send(models.QueueChange{Type: models.QueueChangeAdded, Entry: entry}) {
				return
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case n, ok := <-listener.Notify:
				if !ok {
					return
				}
				if n == nil {
					// 재연결됨: 그 사이 변경은 다음 폴링/재구독에서 반영된다
					s.logger.Warn("Queue listener reconnected")
					continue
				}
				change, ok := s.resolveNotification(ctx, n.Extra)
				if ok && !send(change) {
					return
				}
			case <-keepalive.C:
				go listener.Ping()
			}
		}
	}()

	return out, nil
}

func (s *PostgresStore) resolveNotification(ctx context.Context, payload string) (models.QueueChange, bool) {
	var n queueNotification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		s.logger.Error("Failed to decode queue notification", zap.Error(err))
		return models.QueueChange{}, false
	}

	if n.Op == "DELETE" {
		return models.QueueChange{
			Type:  models.QueueChangeRemoved,
			Entry: models.QueueEntry{ID: n.ID, ParticipantID: n.UID},
		}, true
	}

	entry, err := scanEntry(s.db.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM queue WHERE id = $1`, n.ID))
	if errors.Is(err, sql.ErrNoRows) {
		// 알림 이후 이미 삭제됨 (DELETE 알림이 뒤따른다)
		return models.QueueChange{}, false
	}
	if err != nil {
		s.logger.Error("Failed to load changed queue entry", zap.String("id", n.ID), zap.Error(err))
		return models.QueueChange{}, false
	}

	changeType := models.QueueChangeModified
	if n.Op == "INSERT" {
		changeType = models.QueueChangeAdded
	}
	return models.QueueChange{Type: changeType, Entry: entry}, true
}

func (s *PostgresStore) GetSettings(ctx context.Context) (*models.MatchmakingSettings, error) {
	settings := &models.MatchmakingSettings{}
	err := s.db.QueryRowContext(ctx,
		`SELECT automatic_queue_enabled FROM config WHERE name = 'matchmakingSettings'`,
	).Scan(&settings.AutomaticQueueEnabled)
	if errors.Is(err, sql.ErrNoRows) {
		return settings, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get settings: %w", err)
	}
	return settings, nil
}

func (s *PostgresStore) SaveSettings(ctx context.Context, settings *models.MatchmakingSettings) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO config (name, automatic_queue_enabled)
		VALUES ('matchmakingSettings', $1)
		ON CONFLICT (name) DO UPDATE SET automatic_queue_enabled = EXCLUDED.automatic_queue_enabled`,
		settings.AutomaticQueueEnabled,
	)
	if err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
