package store

import (
	"context"
	"fmt"
)

// The full schema-migration runner lives with the relational catalog service;
// this service only needs its two tables, so it ensures them idempotently at
// startup.
const schema = `
CREATE TABLE IF NOT EXISTS clients (
	id             BIGSERIAL PRIMARY KEY,
	public_id      UUID        NOT NULL UNIQUE,
	secret_key     TEXT        NOT NULL UNIQUE,
	owner_id       TEXT        NOT NULL,
	name           TEXT        NOT NULL DEFAULT '',
	version        TEXT        NOT NULL DEFAULT '',
	capabilities   JSONB       NOT NULL DEFAULT '[]',
	last_heartbeat TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS clients_owner_idx ON clients (owner_id);

CREATE TABLE IF NOT EXISTS tasks (
	id                    BIGSERIAL PRIMARY KEY,
	created_at            TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	data_object_id        BIGINT      NOT NULL,
	type                  TEXT        NOT NULL,
	required_capabilities JSONB       NOT NULL DEFAULT '[]',
	parameters            JSONB       NOT NULL DEFAULT '{}',
	status                TEXT        NOT NULL DEFAULT 'queued',
	client_id             BIGINT      NULL REFERENCES clients (id) ON DELETE SET NULL,
	result                TEXT        NOT NULL DEFAULT '',
	error_message         TEXT        NOT NULL DEFAULT '',
	started_at            TIMESTAMPTZ NULL,
	completed_at          TIMESTAMPTZ NULL,
	version               INT         NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS tasks_queued_fifo_idx ON tasks (created_at, id) WHERE status = 'queued';
CREATE INDEX IF NOT EXISTS tasks_client_idx ON tasks (client_id) WHERE client_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS tasks_data_object_idx ON tasks (data_object_id);
`

// EnsureSchema creates the clients and tasks tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
