// Package taskqueue orchestrates the capability-matched task queue: enqueue by
// the metadata engine, poll-and-claim and status submission by workers, and
// the administrative reset/terminate surface.
package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gaseous-project/hasheous-sub000/internal/capability"
	"github.com/gaseous-project/hasheous-sub000/internal/observability"
	"github.com/gaseous-project/hasheous-sub000/internal/registry"
	"github.com/gaseous-project/hasheous-sub000/internal/store"
)

var (
	// ErrNotHolder rejects a status submission from a client that does not
	// hold the task. Nothing is mutated.
	ErrNotHolder = errors.New("task not assigned to this client")

	// ErrTaskTerminal rejects writes to submitted, failed or terminated tasks.
	ErrTaskTerminal = errors.New("task is in a terminal state")

	ErrInvalidStatus = errors.New("status not allowed for worker submission")

	ErrInvalidTaskType = errors.New("unknown task type")
)

// submitRetries bounds re-reads when a submission races an administrative
// reset or terminate.
const submitRetries = 3

type Queue struct {
	tasks    store.TaskStore
	registry *registry.Registry
	logger   *zap.Logger

	// pollBatch is how many queued candidates a poll fetches per round before
	// falling back to empty-handed.
	pollBatch int
}

func New(tasks store.TaskStore, reg *registry.Registry, pollBatch int, logger *zap.Logger) *Queue {
	if pollBatch <= 0 {
		pollBatch = 10
	}
	return &Queue{tasks: tasks, registry: reg, pollBatch: pollBatch, logger: logger}
}

type EnqueueParams struct {
	DataObjectID         int64
	Type                 store.TaskType
	RequiredCapabilities []string
	Parameters           map[string]string
}

// Enqueue creates a new queued task. Duplicate enqueues are permitted; callers
// that care about dedup own that decision.
func (q *Queue) Enqueue(ctx context.Context, p EnqueueParams) (*store.Task, error) {
	if !p.Type.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTaskType, p.Type)
	}
	caps, err := parseCapabilities(p.RequiredCapabilities)
	if err != nil {
		return nil, err
	}

	task, err := q.tasks.CreateTask(ctx, store.CreateTaskParams{
		DataObjectID:         p.DataObjectID,
		Type:                 p.Type,
		RequiredCapabilities: caps,
		Parameters:           p.Parameters,
	})
	if err != nil {
		return nil, err
	}

	observability.TasksEnqueuedTotal.WithLabelValues(string(task.Type)).Inc()
	q.logger.Info("task enqueued",
		zap.Int64("task_id", task.ID),
		zap.String("type", string(task.Type)),
		zap.Int64("data_object_id", task.DataObjectID),
		zap.String("required_capabilities", task.RequiredCapabilities.String()),
	)
	return task, nil
}

// Poll authenticates the worker and hands it a task, or (nil, nil) when no
// eligible work exists.
//
// A worker that still holds an assigned or in_progress task gets that same
// task back untouched, so re-polling while working is idempotent. Otherwise
// the oldest queued task whose requirements the worker satisfies is claimed
// with a conditional write; losing the claim race to another poller is not an
// error, the next candidate is tried.
func (q *Queue) Poll(ctx context.Context, secretKey string, publicID uuid.UUID) (*store.Task, error) {
	client, err := q.registry.Authenticate(ctx, secretKey, publicID)
	if err != nil {
		return nil, err
	}

	held, err := q.tasks.TaskHeldBy(ctx, client.ID)
	if err == nil {
		return held, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	// Two rounds: if every candidate in the first batch is snatched by
	// concurrent pollers, look once more before reporting an empty queue.
	for round := 0; round < 2; round++ {
		candidates, err := q.tasks.QueuedMatching(ctx, client.Capabilities, q.pollBatch)
		if err != nil {
			return nil, err
		}
		if len(candidates) == 0 {
			return nil, nil
		}

		for _, candidate := range candidates {
			claimed, err := q.tasks.ClaimTask(ctx, candidate.ID, client.ID)
			if errors.Is(err, store.ErrClaimConflict) || errors.Is(err, store.ErrNotFound) {
				observability.ClaimConflictsTotal.Inc()
				continue
			}
			if err != nil {
				return nil, err
			}

			observability.TasksClaimedTotal.WithLabelValues(string(claimed.Type)).Inc()
			q.logger.Info("task claimed",
				zap.Int64("task_id", claimed.ID),
				zap.String("type", string(claimed.Type)),
				zap.String("client", client.PublicID.String()),
			)
			return claimed, nil
		}
	}
	return nil, nil
}

type SubmitParams struct {
	TaskID       int64
	Status       store.TaskStatus
	Result       string
	ErrorMessage string
}

// SubmitStatus records a worker's progress report for the task it holds.
// startedAt is set on the first transition into in_progress, completedAt on
// the transition into submitted or failed; neither is ever overwritten.
func (q *Queue) SubmitStatus(ctx context.Context, secretKey string, publicID uuid.UUID, p SubmitParams) (*store.Task, error) {
	client, err := q.registry.Authenticate(ctx, secretKey, publicID)
	if err != nil {
		return nil, err
	}

	switch p.Status {
	case store.StatusInProgress, store.StatusSubmitted, store.StatusFailed:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, p.Status)
	}

	for attempt := 0; attempt < submitRetries; attempt++ {
		task, err := q.tasks.GetTask(ctx, p.TaskID)
		if err != nil {
			return nil, err
		}
		if task.ClientID == nil || *task.ClientID != client.ID {
			return nil, ErrNotHolder
		}
		if task.Status.Terminal() {
			return nil, ErrTaskTerminal
		}

		now := time.Now().UTC()
		startedAt := task.StartedAt
		if p.Status == store.StatusInProgress && startedAt == nil {
			startedAt = &now
		}
		completedAt := task.CompletedAt
		if (p.Status == store.StatusSubmitted || p.Status == store.StatusFailed) && completedAt == nil {
			completedAt = &now
		}

		updated, err := q.tasks.ApplySubmission(ctx, task.ID, task.Version, p.Status, p.Result, p.ErrorMessage, startedAt, completedAt)
		if errors.Is(err, store.ErrVersionConflict) {
			// The task changed underneath us, most likely an administrative
			// reset or terminate; re-read and re-check rather than clobber.
			continue
		}
		if err != nil {
			return nil, err
		}

		observability.TasksSubmittedTotal.WithLabelValues(string(updated.Type), string(updated.Status)).Inc()
		return updated, nil
	}
	return nil, store.ErrVersionConflict
}

// Terminate forces a non-terminal task to terminated, regardless of holder.
// The holding worker is not notified; it observes the termination on its next
// submit or poll.
func (q *Queue) Terminate(ctx context.Context, taskID int64) (*store.Task, error) {
	task, err := q.tasks.TerminateTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	q.logger.Info("task terminated", zap.Int64("task_id", task.ID), zap.String("type", string(task.Type)))
	return task, nil
}

// Reset returns a task to queued, clearing holder and outputs while keeping
// its identity (type, data object, parameters, requirements). It is the
// administrative hook for reclaiming tasks from dead workers; no automatic
// heartbeat-based sweep exists.
func (q *Queue) Reset(ctx context.Context, taskID int64) (*store.Task, error) {
	task, err := q.tasks.ResetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	q.logger.Info("task reset", zap.Int64("task_id", task.ID), zap.String("type", string(task.Type)))
	return task, nil
}

func (q *Queue) Get(ctx context.Context, taskID int64) (*store.Task, error) {
	return q.tasks.GetTask(ctx, taskID)
}

func (q *Queue) List(ctx context.Context, p store.ListTasksParams) ([]store.Task, error) {
	return q.tasks.ListTasks(ctx, p)
}

func (q *Queue) ListForDataObject(ctx context.Context, dataObjectID int64) ([]store.Task, error) {
	return q.tasks.TasksForDataObject(ctx, dataObjectID)
}

// CurrentStatusForClient returns the status of the task the client holds, or
// false when it holds none.
func (q *Queue) CurrentStatusForClient(ctx context.Context, clientID int64) (store.TaskStatus, bool, error) {
	task, err := q.tasks.TaskHeldBy(ctx, clientID)
	if errors.Is(err, store.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return task.Status, true, nil
}

func parseCapabilities(raw []string) (capability.Set, error) {
	caps, err := capability.ParseSet(raw)
	if err != nil {
		return nil, fmt.Errorf("required capabilities: %w", err)
	}
	return caps, nil
}
