// Package store defines the persistence contract for clients and tasks and
// provides the Postgres implementation. The interfaces exist so the
// orchestration layer can be exercised against the in-memory implementation in
// memstore; the claim operations are the only place cross-request correctness
// lives, so both implementations must make ClaimTask a single atomic
// conditional write.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gaseous-project/hasheous-sub000/internal/capability"
)

type CreateClientParams struct {
	PublicID     uuid.UUID
	SecretKey    string
	OwnerID      string
	Name         string
	Version      string
	Capabilities capability.Set
}

// ClientUpdate is a partial update; nil / empty fields are left untouched.
type ClientUpdate struct {
	Name         string
	Version      string
	Capabilities capability.Set
}

type ClientStore interface {
	CreateClient(ctx context.Context, p CreateClientParams) (*Client, error)
	// GetClientByCredentials resolves the (secretKey, publicID) pair to exactly
	// one client, or ErrNotFound.
	GetClientByCredentials(ctx context.Context, secretKey string, publicID uuid.UUID) (*Client, error)
	GetClientByPublicID(ctx context.Context, publicID uuid.UUID) (*Client, error)
	ListClients(ctx context.Context) ([]Client, error)
	ListClientsForOwner(ctx context.Context, ownerID string) ([]Client, error)
	TouchHeartbeat(ctx context.Context, clientID int64, at time.Time) error
	UpdateClient(ctx context.Context, clientID int64, upd ClientUpdate) (*Client, error)
	DeleteClient(ctx context.Context, clientID int64) error
}

type CreateTaskParams struct {
	DataObjectID         int64
	Type                 TaskType
	RequiredCapabilities capability.Set
	Parameters           map[string]string
}

type ListTasksParams struct {
	Status *TaskStatus
	Type   *TaskType
	Limit  int
	Offset int
}

type TaskStore interface {
	CreateTask(ctx context.Context, p CreateTaskParams) (*Task, error)
	GetTask(ctx context.Context, id int64) (*Task, error)
	ListTasks(ctx context.Context, p ListTasksParams) ([]Task, error)
	TasksForDataObject(ctx context.Context, dataObjectID int64) ([]Task, error)

	// TaskHeldBy returns the task the client currently holds (assigned or
	// in_progress), or ErrNotFound. A client holds at most one task.
	TaskHeldBy(ctx context.Context, clientID int64) (*Task, error)

	// QueuedMatching returns queued tasks whose required capabilities are a
	// subset of offered, oldest first.
	QueuedMatching(ctx context.Context, offered capability.Set, limit int) ([]Task, error)

	// ClaimTask atomically moves a queued task to assigned and binds it to the
	// client, clearing any stale result, error and timestamps. If the task is
	// no longer queued the claim fails with ErrClaimConflict and nothing is
	// written: this conditional write is what keeps two racing pollers from
	// both winning.
	ClaimTask(ctx context.Context, taskID, clientID int64) (*Task, error)

	// ApplySubmission writes a worker's status report, guarded by the task's
	// version token. ErrVersionConflict means the task changed underneath the
	// caller (e.g. an administrator reset or terminated it).
	ApplySubmission(ctx context.Context, taskID int64, version int, status TaskStatus, result, errorMessage string, startedAt, completedAt *time.Time) (*Task, error)

	// ResetTask forces the task back to queued, clearing holder and outputs
	// while preserving type, data object, parameters and requirements.
	ResetTask(ctx context.Context, taskID int64) (*Task, error)

	// TerminateTask forces any non-terminal task to terminated. Terminating an
	// already-terminal task is a no-op that returns the current row.
	TerminateTask(ctx context.Context, taskID int64) (*Task, error)

	CountByTypeAndStatus(ctx context.Context) (map[TaskType]map[TaskStatus]int, error)
}

// Store is the Postgres implementation of ClientStore and TaskStore.
type Store struct {
	db *pgxpool.Pool
}

var (
	_ ClientStore = (*Store)(nil)
	_ TaskStore   = (*Store)(nil)
)

func New(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}

	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnIdleTime = 5 * time.Minute
	cfg.MaxConnLifetime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &Store{db: pool}, nil
}

func (s *Store) Close() {
	if s.db != nil {
		s.db.Close()
	}
}
