package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/gaseous-project/hasheous-sub000/internal/capability"
	"github.com/gaseous-project/hasheous-sub000/internal/observability"
	"github.com/gaseous-project/hasheous-sub000/internal/registry"
	"github.com/gaseous-project/hasheous-sub000/internal/store"
	"github.com/gaseous-project/hasheous-sub000/internal/taskqueue"
)

// Worker credential headers.
const (
	headerClientSecret = "X-Client-Secret"
	headerClientID     = "X-Client-Id"
)

// Operator identity headers, populated by the API gateway after session auth.
const (
	headerUserID    = "X-User-Id"
	headerUserRoles = "X-User-Roles"
)

const roleAdmin = "admin"

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type apiError struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, msg string, details string) {
	writeJSON(w, status, apiError{Error: msg, Details: details})
}

// writeDomainErr maps service errors onto HTTP statuses; anything unmapped is
// an internal error.
func writeDomainErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrInvalidCredentials):
		writeErr(w, http.StatusUnauthorized, "invalid_credentials", "")
	case errors.Is(err, registry.ErrPermissionDenied):
		writeErr(w, http.StatusForbidden, "permission_denied", "")
	case errors.Is(err, taskqueue.ErrNotHolder):
		writeErr(w, http.StatusForbidden, "not_task_holder", "task is assigned to a different client")
	case errors.Is(err, store.ErrNotFound):
		writeErr(w, http.StatusNotFound, "not_found", "")
	case errors.Is(err, taskqueue.ErrTaskTerminal):
		writeErr(w, http.StatusConflict, "task_terminal", "task is in a terminal state")
	case errors.Is(err, store.ErrDuplicatePublicID):
		writeErr(w, http.StatusConflict, "duplicate_client_id", "")
	case errors.Is(err, store.ErrVersionConflict):
		writeErr(w, http.StatusConflict, "conflict", "task changed concurrently, retry")
	case errors.Is(err, taskqueue.ErrInvalidStatus), errors.Is(err, taskqueue.ErrInvalidTaskType):
		writeErr(w, http.StatusBadRequest, "validation_error", err.Error())
	default:
		writeErr(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

type operator struct {
	UserID string
	Roles  []string
}

func operatorFrom(r *http.Request) (operator, bool) {
	id := r.Header.Get(headerUserID)
	if id == "" {
		return operator{}, false
	}
	var roles []string
	for _, role := range strings.Split(r.Header.Get(headerUserRoles), ",") {
		if role = strings.TrimSpace(role); role != "" {
			roles = append(roles, role)
		}
	}
	return operator{UserID: id, Roles: roles}, true
}

func (o operator) isAdmin() bool {
	for _, role := range o.Roles {
		if role == roleAdmin {
			return true
		}
	}
	return false
}

// requireAdmin resolves the operator identity and enforces the admin role.
// The administrative task surface (listings, summary, reset, terminate) is
// privileged; anonymous or non-admin callers are turned away before any state
// is touched.
func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	op, ok := operatorFrom(r)
	if !ok {
		writeErr(w, http.StatusUnauthorized, "unauthenticated", "missing user identity")
		return false
	}
	if !op.isAdmin() {
		writeErr(w, http.StatusForbidden, "permission_denied", "admin role required")
		return false
	}
	return true
}

func workerCredentials(r *http.Request) (secret string, publicID uuid.UUID, err error) {
	secret = r.Header.Get(headerClientSecret)
	publicID, err = uuid.Parse(r.Header.Get(headerClientID))
	if secret == "" || err != nil {
		return "", uuid.UUID{}, registry.ErrInvalidCredentials
	}
	return secret, publicID, nil
}

type registerClientRequest struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Capabilities []string `json:"capabilities"`
}

func (s *Server) handleRegisterClient(w http.ResponseWriter, r *http.Request) {
	op, ok := operatorFrom(r)
	if !ok {
		writeErr(w, http.StatusUnauthorized, "unauthenticated", "missing user identity")
		return
	}

	var req registerClientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	caps, err := capabilitySet(req.Capabilities)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	reg, err := s.registry.Register(r.Context(), registry.RegisterParams{
		OwnerID:      op.UserID,
		Roles:        op.Roles,
		Name:         req.Name,
		Version:      req.Version,
		Capabilities: caps,
	})
	if err != nil {
		writeDomainErr(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, reg)
}

type listClientsResponse struct {
	Items []store.Client `json:"items"`
}

func (s *Server) handleListClients(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}

	items, err := s.registry.ListAll(r.Context())
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listClientsResponse{Items: items})
}

func (s *Server) handleListOwnClients(w http.ResponseWriter, r *http.Request) {
	op, ok := operatorFrom(r)
	if !ok {
		writeErr(w, http.StatusUnauthorized, "unauthenticated", "missing user identity")
		return
	}

	items, err := s.registry.ListForOwner(r.Context(), op.UserID)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listClientsResponse{Items: items})
}

func (s *Server) handleUnregisterClient(w http.ResponseWriter, r *http.Request) {
	op, ok := operatorFrom(r)
	if !ok {
		writeErr(w, http.StatusUnauthorized, "unauthenticated", "missing user identity")
		return
	}

	publicID, err := uuid.Parse(mux.Vars(r)["publicId"])
	if err != nil {
		writeErr(w, http.StatusBadRequest, "validation_error", "invalid client id")
		return
	}

	if err := s.registry.Unregister(r.Context(), op.UserID, publicID); err != nil {
		writeDomainErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type heartbeatResponse struct {
	HasTask    bool   `json:"has_task"`
	TaskStatus string `json:"task_status,omitempty"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	secret, publicID, err := workerCredentials(r)
	if err != nil {
		writeDomainErr(w, err)
		return
	}

	client, err := s.registry.Heartbeat(r.Context(), secret, publicID)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	observability.HeartbeatsTotal.Inc()

	status, held, err := s.queue.CurrentStatusForClient(r.Context(), client.ID)
	if err != nil {
		writeDomainErr(w, err)
		return
	}

	resp := heartbeatResponse{HasTask: held}
	if held {
		resp.TaskStatus = string(status)
	}
	writeJSON(w, http.StatusOK, resp)
}

type taskResponse struct {
	Task store.Task `json:"task"`
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	secret, publicID, err := workerCredentials(r)
	if err != nil {
		writeDomainErr(w, err)
		return
	}

	task, err := s.queue.Poll(r.Context(), secret, publicID)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	if task == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, taskResponse{Task: *task})
}

type updateProfileRequest struct {
	Name         string   `json:"name,omitempty"`
	Version      string   `json:"version,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	secret, publicID, err := workerCredentials(r)
	if err != nil {
		writeDomainErr(w, err)
		return
	}

	var req updateProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	caps, err := capabilitySet(req.Capabilities)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	client, err := s.registry.Update(r.Context(), secret, publicID, registry.UpdateParams{
		Name:         req.Name,
		Version:      req.Version,
		Capabilities: caps,
	})
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, client)
}

type submitStatusRequest struct {
	Status       string `json:"status"`
	Result       string `json:"result,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

func (s *Server) handleSubmitStatus(w http.ResponseWriter, r *http.Request) {
	secret, publicID, err := workerCredentials(r)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	taskID, err := taskIDFrom(r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "validation_error", "invalid task id")
		return
	}

	var req submitStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	task, err := s.queue.SubmitStatus(r.Context(), secret, publicID, taskqueue.SubmitParams{
		TaskID:       taskID,
		Status:       store.TaskStatus(req.Status),
		Result:       req.Result,
		ErrorMessage: req.ErrorMessage,
	})
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, taskResponse{Task: *task})
}

type enqueueTaskRequest struct {
	DataObjectID         int64             `json:"data_object_id"`
	Type                 string            `json:"type"`
	RequiredCapabilities []string          `json:"required_capabilities"`
	Parameters           map[string]string `json:"parameters,omitempty"`
}

func (s *Server) handleEnqueueTask(w http.ResponseWriter, r *http.Request) {
	var req enqueueTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if req.DataObjectID <= 0 {
		writeErr(w, http.StatusBadRequest, "validation_error", "data_object_id is required")
		return
	}

	task, err := s.queue.Enqueue(r.Context(), taskqueue.EnqueueParams{
		DataObjectID:         req.DataObjectID,
		Type:                 store.TaskType(req.Type),
		RequiredCapabilities: req.RequiredCapabilities,
		Parameters:           req.Parameters,
	})
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, taskResponse{Task: *task})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	taskID, err := taskIDFrom(r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "validation_error", "invalid task id")
		return
	}

	task, err := s.queue.Get(r.Context(), taskID)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, taskResponse{Task: *task})
}

type listTasksResponse struct {
	Items  []store.Task `json:"items"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	qp := r.URL.Query()

	var status *store.TaskStatus
	if v := qp.Get("status"); v != "" {
		sv := store.TaskStatus(v)
		if !sv.Valid() {
			writeErr(w, http.StatusBadRequest, "validation_error", "invalid status")
			return
		}
		status = &sv
	}

	var taskType *store.TaskType
	if v := qp.Get("type"); v != "" {
		tv := store.TaskType(v)
		if !tv.Valid() {
			writeErr(w, http.StatusBadRequest, "validation_error", "invalid type")
			return
		}
		taskType = &tv
	}

	limit := 50
	if v := qp.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 200 {
			writeErr(w, http.StatusBadRequest, "validation_error", "limit must be 1..200")
			return
		}
		limit = n
	}

	offset := 0
	if v := qp.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeErr(w, http.StatusBadRequest, "validation_error", "offset must be >= 0")
			return
		}
		offset = n
	}

	items, err := s.queue.List(r.Context(), store.ListTasksParams{
		Status: status,
		Type:   taskType,
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		writeDomainErr(w, err)
		return
	}

	writeJSON(w, http.StatusOK, listTasksResponse{
		Items:  items,
		Limit:  limit,
		Offset: offset,
	})
}

func (s *Server) handleTasksSummary(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	summary, err := s.reporter.Summary(r.Context())
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleResetTask(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	taskID, err := taskIDFrom(r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "validation_error", "invalid task id")
		return
	}

	task, err := s.queue.Reset(r.Context(), taskID)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, taskResponse{Task: *task})
}

func (s *Server) handleTerminateTask(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	taskID, err := taskIDFrom(r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "validation_error", "invalid task id")
		return
	}

	task, err := s.queue.Terminate(r.Context(), taskID)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, taskResponse{Task: *task})
}

type dataObjectTasksResponse struct {
	Items []store.Task `json:"items"`
}

func (s *Server) handleTasksForDataObject(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		writeErr(w, http.StatusBadRequest, "validation_error", "invalid data object id")
		return
	}

	items, err := s.queue.ListForDataObject(r.Context(), id)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dataObjectTasksResponse{Items: items})
}

func capabilitySet(raw []string) (capability.Set, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	return capability.ParseSet(raw)
}

func taskIDFrom(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid task id")
	}
	return id, nil
}
