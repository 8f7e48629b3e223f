// Package memstore is an in-memory implementation of the store contract. It
// backs unit tests (including the claim-race property) and the dev-mode server
// when no database is configured. All operations hold a single mutex, which
// gives the same one-winner claim semantics the Postgres conditional UPDATE
// provides.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gaseous-project/hasheous-sub000/internal/capability"
	"github.com/gaseous-project/hasheous-sub000/internal/store"
)

type Store struct {
	mu           sync.Mutex
	clients      map[int64]*store.Client
	tasks        map[int64]*store.Task
	nextClientID int64
	nextTaskID   int64
	now          func() time.Time
}

var (
	_ store.ClientStore = (*Store)(nil)
	_ store.TaskStore   = (*Store)(nil)
)

func New() *Store {
	return &Store{
		clients: make(map[int64]*store.Client),
		tasks:   make(map[int64]*store.Task),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func copyClient(c *store.Client) *store.Client {
	out := *c
	out.Capabilities = append(capability.Set(nil), c.Capabilities...)
	return &out
}

func copyTask(t *store.Task) *store.Task {
	out := *t
	out.RequiredCapabilities = append(capability.Set(nil), t.RequiredCapabilities...)
	out.Parameters = make(map[string]string, len(t.Parameters))
	for k, v := range t.Parameters {
		out.Parameters[k] = v
	}
	if t.ClientID != nil {
		v := *t.ClientID
		out.ClientID = &v
	}
	if t.StartedAt != nil {
		v := *t.StartedAt
		out.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		out.CompletedAt = &v
	}
	return &out
}

// ─── ClientStore ───

func (s *Store) CreateClient(_ context.Context, p store.CreateClientParams) (*store.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.clients {
		if c.SecretKey == p.SecretKey {
			return nil, store.ErrDuplicateSecretKey
		}
		if c.PublicID == p.PublicID {
			return nil, store.ErrDuplicatePublicID
		}
	}

	s.nextClientID++
	now := s.now()
	c := &store.Client{
		ID:            s.nextClientID,
		PublicID:      p.PublicID,
		SecretKey:     p.SecretKey,
		OwnerID:       p.OwnerID,
		Name:          p.Name,
		Version:       p.Version,
		Capabilities:  capability.NewSet(p.Capabilities...),
		LastHeartbeat: now,
		CreatedAt:     now,
	}
	s.clients[c.ID] = c
	return copyClient(c), nil
}

func (s *Store) GetClientByCredentials(_ context.Context, secretKey string, publicID uuid.UUID) (*store.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.clients {
		if c.SecretKey == secretKey && c.PublicID == publicID {
			return copyClient(c), nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) GetClientByPublicID(_ context.Context, publicID uuid.UUID) (*store.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.clients {
		if c.PublicID == publicID {
			return copyClient(c), nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListClients(_ context.Context) ([]store.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listClientsLocked(func(*store.Client) bool { return true }), nil
}

func (s *Store) ListClientsForOwner(_ context.Context, ownerID string) ([]store.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listClientsLocked(func(c *store.Client) bool { return c.OwnerID == ownerID }), nil
}

func (s *Store) listClientsLocked(keep func(*store.Client) bool) []store.Client {
	var out []store.Client
	for _, c := range s.clients {
		if keep(c) {
			out = append(out, *copyClient(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) TouchHeartbeat(_ context.Context, clientID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.clients[clientID]
	if !ok {
		return store.ErrNotFound
	}
	c.LastHeartbeat = at
	return nil
}

func (s *Store) UpdateClient(_ context.Context, clientID int64, upd store.ClientUpdate) (*store.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.clients[clientID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if upd.Name != "" {
		c.Name = upd.Name
	}
	if upd.Version != "" {
		c.Version = upd.Version
	}
	if upd.Capabilities != nil {
		c.Capabilities = capability.NewSet(upd.Capabilities...)
	}
	return copyClient(c), nil
}

func (s *Store) DeleteClient(_ context.Context, clientID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients[clientID]; !ok {
		return store.ErrNotFound
	}
	delete(s.clients, clientID)
	for _, t := range s.tasks {
		if t.ClientID == nil || *t.ClientID != clientID {
			continue
		}
		if t.Status == store.StatusAssigned || t.Status == store.StatusInProgress {
			t.Status = store.StatusQueued
			t.Result = ""
			t.ErrorMessage = ""
			t.StartedAt = nil
			t.CompletedAt = nil
			t.Version++
		}
		t.ClientID = nil
	}
	return nil
}

// ─── TaskStore ───

func (s *Store) CreateTask(_ context.Context, p store.CreateTaskParams) (*store.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextTaskID++
	params := p.Parameters
	if params == nil {
		params = map[string]string{}
	}
	t := &store.Task{
		ID:                   s.nextTaskID,
		CreatedAt:            s.now(),
		DataObjectID:         p.DataObjectID,
		Type:                 p.Type,
		RequiredCapabilities: capability.NewSet(p.RequiredCapabilities...),
		Parameters:           params,
		Status:               store.StatusQueued,
		Version:              1,
	}
	s.tasks[t.ID] = copyTask(t)
	return t, nil
}

func (s *Store) GetTask(_ context.Context, id int64) (*store.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyTask(t), nil
}

func (s *Store) ListTasks(_ context.Context, p store.ListTasksParams) ([]store.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit := p.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset := p.Offset
	if offset < 0 {
		offset = 0
	}

	all := s.sortedTasksLocked(func(t *store.Task) bool {
		if p.Status != nil && t.Status != *p.Status {
			return false
		}
		if p.Type != nil && t.Type != *p.Type {
			return false
		}
		return true
	}, true)

	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (s *Store) TasksForDataObject(_ context.Context, dataObjectID int64) ([]store.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedTasksLocked(func(t *store.Task) bool { return t.DataObjectID == dataObjectID }, true), nil
}

func (s *Store) TaskHeldBy(_ context.Context, clientID int64) (*store.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.sortedTasksLocked(func(t *store.Task) bool { return true }, false) {
		if t.ClientID != nil && *t.ClientID == clientID &&
			(t.Status == store.StatusAssigned || t.Status == store.StatusInProgress) {
			held := t
			return &held, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) QueuedMatching(_ context.Context, offered capability.Set, limit int) ([]store.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 10
	}
	matched := s.sortedTasksLocked(func(t *store.Task) bool {
		return t.Status == store.StatusQueued && capability.Satisfies(t.RequiredCapabilities, offered)
	}, false)
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (s *Store) ClaimTask(_ context.Context, taskID, clientID int64) (*store.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if t.Status != store.StatusQueued {
		return nil, store.ErrClaimConflict
	}
	t.Status = store.StatusAssigned
	t.ClientID = &clientID
	t.Result = ""
	t.ErrorMessage = ""
	t.StartedAt = nil
	t.CompletedAt = nil
	t.Version++
	return copyTask(t), nil
}

func (s *Store) ApplySubmission(_ context.Context, taskID int64, version int, status store.TaskStatus, result, errorMessage string, startedAt, completedAt *time.Time) (*store.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if t.Version != version {
		return nil, store.ErrVersionConflict
	}
	t.Status = status
	t.Result = result
	t.ErrorMessage = errorMessage
	t.StartedAt = startedAt
	t.CompletedAt = completedAt
	t.Version++
	return copyTask(t), nil
}

func (s *Store) ResetTask(_ context.Context, taskID int64) (*store.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return nil, store.ErrNotFound
	}
	t.Status = store.StatusQueued
	t.ClientID = nil
	t.Result = ""
	t.ErrorMessage = ""
	t.StartedAt = nil
	t.CompletedAt = nil
	t.Version++
	return copyTask(t), nil
}

func (s *Store) TerminateTask(_ context.Context, taskID int64) (*store.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if t.Status.Terminal() {
		return copyTask(t), nil
	}
	t.Status = store.StatusTerminated
	t.Version++
	return copyTask(t), nil
}

func (s *Store) CountByTypeAndStatus(_ context.Context) (map[store.TaskType]map[store.TaskStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[store.TaskType]map[store.TaskStatus]int)
	for _, t := range s.tasks {
		if out[t.Type] == nil {
			out[t.Type] = make(map[store.TaskStatus]int)
		}
		out[t.Type][t.Status]++
	}
	return out, nil
}

// sortedTasksLocked copies tasks passing keep, FIFO by creation time then id,
// or newest-first when desc is set.
func (s *Store) sortedTasksLocked(keep func(*store.Task) bool, desc bool) []store.Task {
	var out []store.Task
	for _, t := range s.tasks {
		if keep(t) {
			out = append(out, *copyTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if desc {
			a, b = b, a
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return out
}
