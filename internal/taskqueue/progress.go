package taskqueue

import (
	"context"

	"github.com/gaseous-project/hasheous-sub000/internal/store"
)

// ProgressReporter serves the operational dashboard: a cross-tabulation of
// task counts by type and status, recomputed from the store on every call
// rather than maintained incrementally.
type ProgressReporter struct {
	tasks store.TaskStore
}

func NewProgressReporter(tasks store.TaskStore) *ProgressReporter {
	return &ProgressReporter{tasks: tasks}
}

func (r *ProgressReporter) Summary(ctx context.Context) (map[store.TaskType]map[store.TaskStatus]int, error) {
	return r.tasks.CountByTypeAndStatus(ctx)
}
