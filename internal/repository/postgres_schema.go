package repository

import (
	"context"
	"fmt"
)

const queueChangesChannel = "queue_changes"

// schema 최초 기동 시 테이블 생성 (이미 있으면 건너뜀)
const schema = `
CREATE TABLE IF NOT EXISTS queue (
	id             TEXT PRIMARY KEY,
	participant_id TEXT NOT NULL,
	enqueued_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	rank           TEXT NOT NULL DEFAULT '',
	region         TEXT NOT NULL DEFAULT '',
	source         TEXT NOT NULL DEFAULT 'auto',
	banned_until   TIMESTAMPTZ,
	attrs          JSONB NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_queue_enqueued_at ON queue (enqueued_at, id);

CREATE TABLE IF NOT EXISTS locks (
	name       TEXT PRIMARY KEY,
	owner_id   TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS matchmaking_batches (
	id              TEXT PRIMARY KEY,
	participant_ids TEXT[] NOT NULL,
	players         JSONB NOT NULL,
	status          TEXT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS assignments (
	participant_id TEXT NOT NULL,
	batch_id       TEXT NOT NULL REFERENCES matchmaking_batches (id),
	created_at     TIMESTAMPTZ NOT NULL,
	active         BOOLEAN NOT NULL DEFAULT TRUE,
	PRIMARY KEY (participant_id, batch_id)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_assignments_active ON assignments (participant_id) WHERE active;

CREATE TABLE IF NOT EXISTS ready_check_cohorts (
	id              TEXT PRIMARY KEY,
	status          TEXT NOT NULL,
	deadline        TIMESTAMPTZ NOT NULL,
	participants    JSONB NOT NULL,
	participant_ids TEXT[] NOT NULL,
	acceptances     JSONB NOT NULL,
	teams           JSONB NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS config (
	name                    TEXT PRIMARY KEY,
	automatic_queue_enabled BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE OR REPLACE FUNCTION notify_queue_change() RETURNS trigger AS $$
BEGIN
	IF TG_OP = 'DELETE' THEN
		PERFORM pg_notify('queue_changes', json_build_object('op', TG_OP, 'id', OLD.id, 'uid', OLD.participant_id)::text);
		RETURN OLD;
	END IF;
	PERFORM pg_notify('queue_changes', json_build_object('op', TG_OP, 'id', NEW.id, 'uid', NEW.participant_id)::text);
	RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS queue_change_notify ON queue;
CREATE TRIGGER queue_change_notify
	AFTER INSERT OR UPDATE OR DELETE ON queue
	FOR EACH ROW EXECUTE FUNCTION notify_queue_change();
`

// Migrate 스키마 생성
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
