package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const clientColumns = `id, public_id, secret_key, owner_id, name, version, capabilities, last_heartbeat, created_at`

func scanClient(row pgx.Row) (*Client, error) {
	var c Client
	var caps []byte
	err := row.Scan(&c.ID, &c.PublicID, &c.SecretKey, &c.OwnerID, &c.Name, &c.Version, &caps, &c.LastHeartbeat, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(caps, &c.Capabilities); err != nil {
		return nil, fmt.Errorf("decode capabilities: %w", err)
	}
	return &c, nil
}

func (s *Store) CreateClient(ctx context.Context, p CreateClientParams) (*Client, error) {
	caps, err := json.Marshal(p.Capabilities)
	if err != nil {
		return nil, fmt.Errorf("encode capabilities: %w", err)
	}

	q := `
INSERT INTO clients (public_id, secret_key, owner_id, name, version, capabilities)
VALUES ($1, $2, $3, $4, $5, $6::jsonb)
RETURNING ` + clientColumns + `;
`
	c, err := scanClient(s.db.QueryRow(ctx, q, p.PublicID, p.SecretKey, p.OwnerID, p.Name, p.Version, caps))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			if strings.Contains(pgErr.ConstraintName, "public_id") {
				return nil, ErrDuplicatePublicID
			}
			return nil, ErrDuplicateSecretKey
		}
		return nil, err
	}
	return c, nil
}

func (s *Store) GetClientByCredentials(ctx context.Context, secretKey string, publicID uuid.UUID) (*Client, error) {
	q := `SELECT ` + clientColumns + ` FROM clients WHERE secret_key = $1 AND public_id = $2;`
	return scanClient(s.db.QueryRow(ctx, q, secretKey, publicID))
}

func (s *Store) GetClientByPublicID(ctx context.Context, publicID uuid.UUID) (*Client, error) {
	q := `SELECT ` + clientColumns + ` FROM clients WHERE public_id = $1;`
	return scanClient(s.db.QueryRow(ctx, q, publicID))
}

func (s *Store) ListClients(ctx context.Context) ([]Client, error) {
	q := `SELECT ` + clientColumns + ` FROM clients ORDER BY id;`
	return s.queryClients(ctx, q)
}

func (s *Store) ListClientsForOwner(ctx context.Context, ownerID string) ([]Client, error) {
	q := `SELECT ` + clientColumns + ` FROM clients WHERE owner_id = $1 ORDER BY id;`
	return s.queryClients(ctx, q, ownerID)
}

func (s *Store) queryClients(ctx context.Context, q string, args ...any) ([]Client, error) {
	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) TouchHeartbeat(ctx context.Context, clientID int64, at time.Time) error {
	tag, err := s.db.Exec(ctx, `UPDATE clients SET last_heartbeat = $2 WHERE id = $1;`, clientID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) UpdateClient(ctx context.Context, clientID int64, upd ClientUpdate) (*Client, error) {
	var caps []byte
	if upd.Capabilities != nil {
		b, err := json.Marshal(upd.Capabilities)
		if err != nil {
			return nil, fmt.Errorf("encode capabilities: %w", err)
		}
		caps = b
	}

	// Empty string / nil means "leave unchanged"; COALESCE keeps that rule in
	// one statement.
	q := `
UPDATE clients
SET name         = COALESCE(NULLIF($2, ''), name),
    version      = COALESCE(NULLIF($3, ''), version),
    capabilities = COALESCE($4::jsonb, capabilities)
WHERE id = $1
RETURNING ` + clientColumns + `;
`
	return scanClient(s.db.QueryRow(ctx, q, clientID, upd.Name, upd.Version, caps))
}

// DeleteClient removes the client row. Tasks the client still holds go back to
// queued first so no assigned task is left without a holder; completed tasks
// keep their history with client_id nulled by the FK.
func (s *Store) DeleteClient(ctx context.Context, clientID int64) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) // no-op after commit

	_, err = tx.Exec(ctx, `
UPDATE tasks
SET status = 'queued',
    client_id = NULL,
    result = '',
    error_message = '',
    started_at = NULL,
    completed_at = NULL,
    version = version + 1
WHERE client_id = $1 AND status IN ('assigned', 'in_progress');
`, clientID)
	if err != nil {
		return err
	}

	tag, err := tx.Exec(ctx, `DELETE FROM clients WHERE id = $1;`, clientID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return tx.Commit(ctx)
}
