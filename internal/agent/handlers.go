package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gaseous-project/hasheous-sub000/internal/store"
)

// Handler executes one task and returns its result payload.
type Handler func(ctx context.Context, task *store.Task) (string, error)

type HandlerRegistry struct {
	handlers map[store.TaskType]Handler
}

func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: map[store.TaskType]Handler{}}
}

func (r *HandlerRegistry) Register(taskType store.TaskType, h Handler) {
	r.handlers[taskType] = h
}

func (r *HandlerRegistry) Get(taskType store.TaskType) (Handler, bool) {
	h, ok := r.handlers[taskType]
	return h, ok
}

// PermanentError marks a failure that re-running cannot fix; the agent reports
// it as failed instead of leaving the task for a reset.
type PermanentError struct{ Err error }

func (e PermanentError) Error() string { return e.Err.Error() }
func (e PermanentError) Unwrap() error { return e.Err }

func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return PermanentError{Err: err}
}

func IsPermanent(err error) bool {
	var pe PermanentError
	return errors.As(err, &pe)
}

// DefaultHandlers wires the built-in enrichment handlers. They stand in for
// the real integrations; each simulates its work and produces a small JSON
// result.
func DefaultHandlers() *HandlerRegistry {
	r := NewHandlerRegistry()

	r.Register(store.TypeAITagging, func(ctx context.Context, task *store.Task) (string, error) {
		if err := sleepOrDone(ctx, 500*time.Millisecond); err != nil {
			return "", err
		}
		return fmt.Sprintf(`{"data_object_id":%d,"tags":["platformer","retro"]}`, task.DataObjectID), nil
	})

	r.Register(store.TypeArtworkFetch, func(ctx context.Context, task *store.Task) (string, error) {
		source := task.Parameters["source"]
		if source == "" {
			return "", Permanent(errors.New("artwork_fetch requires a source parameter"))
		}
		if err := sleepOrDone(ctx, 200*time.Millisecond); err != nil {
			return "", err
		}
		return fmt.Sprintf(`{"data_object_id":%d,"source":%q,"images":1}`, task.DataObjectID, source), nil
	})

	r.Register(store.TypeMetadataSearch, func(ctx context.Context, task *store.Task) (string, error) {
		if err := sleepOrDone(ctx, 300*time.Millisecond); err != nil {
			return "", err
		}
		return fmt.Sprintf(`{"data_object_id":%d,"matches":0}`, task.DataObjectID), nil
	})

	return r
}

func sleepOrDone(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
