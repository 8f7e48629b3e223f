package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/gaseous-project/hasheous-sub000/internal/capability"
)

const taskColumns = `id, created_at, data_object_id, type, required_capabilities, parameters, status, client_id, result, error_message, started_at, completed_at, version`

func scanTask(row pgx.Row) (*Task, error) {
	var t Task
	var caps, params []byte
	err := row.Scan(
		&t.ID, &t.CreatedAt, &t.DataObjectID, &t.Type, &caps, &params,
		&t.Status, &t.ClientID, &t.Result, &t.ErrorMessage, &t.StartedAt, &t.CompletedAt, &t.Version,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(caps, &t.RequiredCapabilities); err != nil {
		return nil, fmt.Errorf("decode required_capabilities: %w", err)
	}
	if err := json.Unmarshal(params, &t.Parameters); err != nil {
		return nil, fmt.Errorf("decode parameters: %w", err)
	}
	return &t, nil
}

func (s *Store) CreateTask(ctx context.Context, p CreateTaskParams) (*Task, error) {
	caps, err := json.Marshal(p.RequiredCapabilities)
	if err != nil {
		return nil, fmt.Errorf("encode required_capabilities: %w", err)
	}
	if p.Parameters == nil {
		p.Parameters = map[string]string{}
	}
	params, err := json.Marshal(p.Parameters)
	if err != nil {
		return nil, fmt.Errorf("encode parameters: %w", err)
	}

	q := `
INSERT INTO tasks (data_object_id, type, required_capabilities, parameters, status)
VALUES ($1, $2, $3::jsonb, $4::jsonb, 'queued')
RETURNING ` + taskColumns + `;
`
	return scanTask(s.db.QueryRow(ctx, q, p.DataObjectID, string(p.Type), caps, params))
}

func (s *Store) GetTask(ctx context.Context, id int64) (*Task, error) {
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1;`
	return scanTask(s.db.QueryRow(ctx, q, id))
}

func (s *Store) ListTasks(ctx context.Context, p ListTasksParams) ([]Task, error) {
	limit := p.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset := p.Offset
	if offset < 0 {
		offset = 0
	}

	q := `
SELECT ` + taskColumns + `
FROM tasks
WHERE ($1::text IS NULL OR status = $1)
  AND ($2::text IS NULL OR type = $2)
ORDER BY created_at DESC, id DESC
LIMIT $3 OFFSET $4;
`
	var status, taskType *string
	if p.Status != nil {
		v := string(*p.Status)
		status = &v
	}
	if p.Type != nil {
		v := string(*p.Type)
		taskType = &v
	}
	return s.queryTasks(ctx, q, status, taskType, limit, offset)
}

func (s *Store) TasksForDataObject(ctx context.Context, dataObjectID int64) ([]Task, error) {
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE data_object_id = $1 ORDER BY created_at DESC, id DESC;`
	return s.queryTasks(ctx, q, dataObjectID)
}

func (s *Store) TaskHeldBy(ctx context.Context, clientID int64) (*Task, error) {
	q := `
SELECT ` + taskColumns + `
FROM tasks
WHERE client_id = $1 AND status IN ('assigned', 'in_progress')
ORDER BY id
LIMIT 1;
`
	return scanTask(s.db.QueryRow(ctx, q, clientID))
}

func (s *Store) QueuedMatching(ctx context.Context, offered capability.Set, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 10
	}
	caps, err := json.Marshal(offered)
	if err != nil {
		return nil, fmt.Errorf("encode offered capabilities: %w", err)
	}

	// jsonb containment: the task's requirement array must be contained in the
	// client's offer. FIFO by creation time so long-waiting tasks cannot
	// starve.
	q := `
SELECT ` + taskColumns + `
FROM tasks
WHERE status = 'queued' AND required_capabilities <@ $1::jsonb
ORDER BY created_at, id
LIMIT $2;
`
	return s.queryTasks(ctx, q, caps, limit)
}

func (s *Store) ClaimTask(ctx context.Context, taskID, clientID int64) (*Task, error) {
	// The status guard makes the claim a compare-and-swap: of N concurrent
	// claimers exactly one sees a queued row, everyone else matches zero rows.
	q := `
UPDATE tasks
SET status = 'assigned',
    client_id = $2,
    result = '',
    error_message = '',
    started_at = NULL,
    completed_at = NULL,
    version = version + 1
WHERE id = $1 AND status = 'queued'
RETURNING ` + taskColumns + `;
`
	t, err := scanTask(s.db.QueryRow(ctx, q, taskID, clientID))
	if errors.Is(err, ErrNotFound) {
		if _, getErr := s.GetTask(ctx, taskID); getErr != nil {
			return nil, getErr
		}
		return nil, ErrClaimConflict
	}
	return t, err
}

func (s *Store) ApplySubmission(ctx context.Context, taskID int64, version int, status TaskStatus, result, errorMessage string, startedAt, completedAt *time.Time) (*Task, error) {
	q := `
UPDATE tasks
SET status = $3,
    result = $4,
    error_message = $5,
    started_at = $6,
    completed_at = $7,
    version = version + 1
WHERE id = $1 AND version = $2
RETURNING ` + taskColumns + `;
`
	t, err := scanTask(s.db.QueryRow(ctx, q, taskID, version, string(status), result, errorMessage, startedAt, completedAt))
	if errors.Is(err, ErrNotFound) {
		if _, getErr := s.GetTask(ctx, taskID); getErr != nil {
			return nil, getErr
		}
		return nil, ErrVersionConflict
	}
	return t, err
}

func (s *Store) ResetTask(ctx context.Context, taskID int64) (*Task, error) {
	q := `
UPDATE tasks
SET status = 'queued',
    client_id = NULL,
    result = '',
    error_message = '',
    started_at = NULL,
    completed_at = NULL,
    version = version + 1
WHERE id = $1
RETURNING ` + taskColumns + `;
`
	return scanTask(s.db.QueryRow(ctx, q, taskID))
}

func (s *Store) TerminateTask(ctx context.Context, taskID int64) (*Task, error) {
	q := `
UPDATE tasks
SET status = 'terminated',
    version = version + 1
WHERE id = $1 AND status NOT IN ('submitted', 'failed', 'terminated')
RETURNING ` + taskColumns + `;
`
	t, err := scanTask(s.db.QueryRow(ctx, q, taskID))
	if errors.Is(err, ErrNotFound) {
		// Already terminal (or missing): report current state unchanged.
		return s.GetTask(ctx, taskID)
	}
	return t, err
}

func (s *Store) CountByTypeAndStatus(ctx context.Context) (map[TaskType]map[TaskStatus]int, error) {
	rows, err := s.db.Query(ctx, `SELECT type, status, COUNT(*) FROM tasks GROUP BY type, status;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[TaskType]map[TaskStatus]int)
	for rows.Next() {
		var taskType, status string
		var n int
		if err := rows.Scan(&taskType, &status, &n); err != nil {
			return nil, err
		}
		tt := TaskType(taskType)
		if out[tt] == nil {
			out[tt] = make(map[TaskStatus]int)
		}
		out[tt][TaskStatus(status)] = n
	}
	return out, rows.Err()
}

func (s *Store) queryTasks(ctx context.Context, q string, args ...any) ([]Task, error) {
	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
