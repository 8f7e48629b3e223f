package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/gaseous-project/hasheous-sub000/internal/capability"
	"github.com/gaseous-project/hasheous-sub000/internal/registry"
	"github.com/gaseous-project/hasheous-sub000/internal/store/memstore"
	"github.com/gaseous-project/hasheous-sub000/internal/taskqueue"
)

type testEnv struct {
	baseURL string
	client  *http.Client
}

func startTestServer(t *testing.T) testEnv {
	t.Helper()

	st := memstore.New()
	logger := zap.NewNop()
	reg := registry.New(st, capability.BaselineConfig{ProbeAttempts: 1}, logger)
	q := taskqueue.New(st, reg, 10, logger)
	srv := NewServer(Config{Port: "0"}, logger, reg, q, taskqueue.NewProgressReporter(st))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		_ = srv.httpServer.Serve(ln)
	}()

	return testEnv{
		baseURL: fmt.Sprintf("http://%s", ln.Addr().String()),
		client:  &http.Client{Timeout: 3 * time.Second},
	}
}

func (e testEnv) do(t *testing.T, method, path string, headers map[string]string, body any) *http.Response {
	t.Helper()

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, e.baseURL+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decodeInto(t *testing.T, resp *http.Response, wantStatus int, v any) {
	t.Helper()
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected %d, got %d body=%s", wantStatus, resp.StatusCode, string(b))
	}
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
}

type registeredClient struct {
	PublicID  string `json:"public_id"`
	SecretKey string `json:"secret_key"`
}

func operatorHeaders(userID string, roles string) map[string]string {
	return map[string]string{
		"X-User-Id":    userID,
		"X-User-Roles": roles,
	}
}

func adminHeaders() map[string]string {
	return operatorHeaders("root", "admin")
}

func workerHeaders(c registeredClient) map[string]string {
	return map[string]string{
		"X-Client-Secret": c.SecretKey,
		"X-Client-Id":     c.PublicID,
	}
}

func registerWorker(t *testing.T, e testEnv, caps ...string) registeredClient {
	t.Helper()

	resp := e.do(t, http.MethodPost, "/api/v1/clients", operatorHeaders("op-1", "task-runner"), map[string]any{
		"name":         "test-worker",
		"version":      "1.0.0",
		"capabilities": caps,
	})
	var rc registeredClient
	decodeInto(t, resp, http.StatusCreated, &rc)
	if rc.PublicID == "" || rc.SecretKey == "" {
		t.Fatalf("registration missing credentials: %+v", rc)
	}
	return rc
}

func TestHealthEndpoint_Integration(t *testing.T) {
	e := startTestServer(t)

	resp, err := e.client.Get(e.baseURL + "/api/v1/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if string(body) != "ok" {
		t.Fatalf("expected body 'ok', got %q", string(body))
	}
}

func TestRegisterClient_RequiresRoleAndIdentity(t *testing.T) {
	e := startTestServer(t)

	// No identity headers at all.
	resp := e.do(t, http.MethodPost, "/api/v1/clients", nil, map[string]any{"name": "w"})
	decodeInto(t, resp, http.StatusUnauthorized, nil)

	// Identity without the task-runner role.
	resp = e.do(t, http.MethodPost, "/api/v1/clients", operatorHeaders("op-1", "viewer"), map[string]any{"name": "w"})
	decodeInto(t, resp, http.StatusForbidden, nil)

	// Unknown capability is rejected before registration.
	resp = e.do(t, http.MethodPost, "/api/v1/clients", operatorHeaders("op-1", "task-runner"), map[string]any{
		"name":         "w",
		"capabilities": []string{"time_travel"},
	})
	decodeInto(t, resp, http.StatusBadRequest, nil)
}

func TestRegisterClient_ReturnsBaseline(t *testing.T) {
	e := startTestServer(t)

	resp := e.do(t, http.MethodPost, "/api/v1/clients", operatorHeaders("op-1", "task-runner"), map[string]any{
		"name":         "w",
		"capabilities": []string{"internet", "ai"},
	})

	var body struct {
		PublicID  string `json:"public_id"`
		SecretKey string `json:"secret_key"`
		Baseline  struct {
			Internet  *json.RawMessage `json:"internet,omitempty"`
			DiskSpace *json.RawMessage `json:"disk_space,omitempty"`
			AI        *json.RawMessage `json:"ai,omitempty"`
		} `json:"capability_baseline"`
	}
	decodeInto(t, resp, http.StatusCreated, &body)

	if len(body.SecretKey) != 64 {
		t.Fatalf("expected 64-char hex secret, got %d chars", len(body.SecretKey))
	}
	if body.Baseline.Internet == nil || body.Baseline.AI == nil {
		t.Fatalf("baseline missing declared capabilities: %+v", body.Baseline)
	}
	if body.Baseline.DiskSpace != nil {
		t.Fatalf("baseline includes undeclared disk_space capability")
	}
}

func TestWorkerLifecycle_Integration(t *testing.T) {
	e := startTestServer(t)
	w := registerWorker(t, e, "internet", "disk_space")

	// Heartbeat before holding anything.
	var hb struct {
		HasTask    bool   `json:"has_task"`
		TaskStatus string `json:"task_status"`
	}
	resp := e.do(t, http.MethodPost, "/api/v1/worker/heartbeat", workerHeaders(w), nil)
	decodeInto(t, resp, http.StatusOK, &hb)
	if hb.HasTask {
		t.Fatalf("fresh worker should not hold a task: %+v", hb)
	}

	// Empty queue: poll is 204.
	resp = e.do(t, http.MethodPost, "/api/v1/worker/poll", workerHeaders(w), nil)
	decodeInto(t, resp, http.StatusNoContent, nil)

	// Enqueue a matching task.
	var created struct {
		Task struct {
			ID           int64  `json:"id"`
			Status       string `json:"status"`
			DataObjectID int64  `json:"data_object_id"`
		} `json:"task"`
	}
	resp = e.do(t, http.MethodPost, "/api/v1/tasks", nil, map[string]any{
		"data_object_id":        42,
		"type":                  "artwork_fetch",
		"required_capabilities": []string{"internet"},
		"parameters":            map[string]string{"source": "igdb"},
	})
	decodeInto(t, resp, http.StatusCreated, &created)
	if created.Task.Status != "queued" {
		t.Fatalf("expected queued, got %q", created.Task.Status)
	}

	// Poll claims it.
	var polled struct {
		Task struct {
			ID     int64  `json:"id"`
			Status string `json:"status"`
		} `json:"task"`
	}
	resp = e.do(t, http.MethodPost, "/api/v1/worker/poll", workerHeaders(w), nil)
	decodeInto(t, resp, http.StatusOK, &polled)
	if polled.Task.ID != created.Task.ID || polled.Task.Status != "assigned" {
		t.Fatalf("unexpected claim: %+v", polled)
	}

	// Heartbeat now reports the held task.
	resp = e.do(t, http.MethodPost, "/api/v1/worker/heartbeat", workerHeaders(w), nil)
	decodeInto(t, resp, http.StatusOK, &hb)
	if !hb.HasTask || hb.TaskStatus != "assigned" {
		t.Fatalf("heartbeat should report held task: %+v", hb)
	}

	// Progress, then completion.
	statusPath := fmt.Sprintf("/api/v1/worker/tasks/%d/status", created.Task.ID)
	resp = e.do(t, http.MethodPost, statusPath, workerHeaders(w), map[string]any{"status": "in_progress"})
	decodeInto(t, resp, http.StatusOK, nil)

	var final struct {
		Task struct {
			Status      string  `json:"status"`
			Result      string  `json:"result"`
			StartedAt   *string `json:"started_at"`
			CompletedAt *string `json:"completed_at"`
		} `json:"task"`
	}
	resp = e.do(t, http.MethodPost, statusPath, workerHeaders(w), map[string]any{"status": "submitted", "result": "ok"})
	decodeInto(t, resp, http.StatusOK, &final)
	if final.Task.Status != "submitted" || final.Task.Result != "ok" {
		t.Fatalf("unexpected final task: %+v", final.Task)
	}
	if final.Task.StartedAt == nil || final.Task.CompletedAt == nil {
		t.Fatalf("terminal task missing timestamps: %+v", final.Task)
	}

	// Writes after the terminal state are 409.
	resp = e.do(t, http.MethodPost, statusPath, workerHeaders(w), map[string]any{"status": "failed"})
	decodeInto(t, resp, http.StatusConflict, nil)
}

func TestSubmitStatus_ByNonHolderIsForbidden(t *testing.T) {
	e := startTestServer(t)
	holder := registerWorker(t, e, "internet")
	intruder := registerWorker(t, e, "internet")

	var created struct {
		Task struct {
			ID int64 `json:"id"`
		} `json:"task"`
	}
	resp := e.do(t, http.MethodPost, "/api/v1/tasks", nil, map[string]any{
		"data_object_id":        7,
		"type":                  "metadata_search",
		"required_capabilities": []string{"internet"},
	})
	decodeInto(t, resp, http.StatusCreated, &created)

	resp = e.do(t, http.MethodPost, "/api/v1/worker/poll", workerHeaders(holder), nil)
	decodeInto(t, resp, http.StatusOK, nil)

	statusPath := fmt.Sprintf("/api/v1/worker/tasks/%d/status", created.Task.ID)
	resp = e.do(t, http.MethodPost, statusPath, workerHeaders(intruder), map[string]any{"status": "submitted"})
	decodeInto(t, resp, http.StatusForbidden, nil)
}

func TestWorkerEndpoints_RejectBadCredentials(t *testing.T) {
	e := startTestServer(t)
	w := registerWorker(t, e, "internet")

	bogus := registeredClient{PublicID: w.PublicID, SecretKey: "not-the-secret"}
	resp := e.do(t, http.MethodPost, "/api/v1/worker/poll", workerHeaders(bogus), nil)
	decodeInto(t, resp, http.StatusUnauthorized, nil)

	resp = e.do(t, http.MethodPost, "/api/v1/worker/heartbeat", nil, nil)
	decodeInto(t, resp, http.StatusUnauthorized, nil)
}

func TestAdminTaskControls_Integration(t *testing.T) {
	e := startTestServer(t)
	w := registerWorker(t, e, "internet")

	var created struct {
		Task struct {
			ID int64 `json:"id"`
		} `json:"task"`
	}
	resp := e.do(t, http.MethodPost, "/api/v1/tasks", nil, map[string]any{
		"data_object_id":        9,
		"type":                  "ai_tagging",
		"required_capabilities": []string{"internet"},
	})
	decodeInto(t, resp, http.StatusCreated, &created)

	resp = e.do(t, http.MethodPost, "/api/v1/worker/poll", workerHeaders(w), nil)
	decodeInto(t, resp, http.StatusOK, nil)

	// Reset returns it to the queue.
	var afterReset struct {
		Task struct {
			Status string `json:"status"`
		} `json:"task"`
	}
	resetPath := fmt.Sprintf("/api/v1/tasks/%d/reset", created.Task.ID)
	resp = e.do(t, http.MethodPost, resetPath, adminHeaders(), nil)
	decodeInto(t, resp, http.StatusOK, &afterReset)
	if afterReset.Task.Status != "queued" {
		t.Fatalf("expected queued after reset, got %q", afterReset.Task.Status)
	}

	// Terminate is terminal and idempotent.
	termPath := fmt.Sprintf("/api/v1/tasks/%d/terminate", created.Task.ID)
	var afterTerm struct {
		Task struct {
			Status string `json:"status"`
		} `json:"task"`
	}
	resp = e.do(t, http.MethodPost, termPath, adminHeaders(), nil)
	decodeInto(t, resp, http.StatusOK, &afterTerm)
	if afterTerm.Task.Status != "terminated" {
		t.Fatalf("expected terminated, got %q", afterTerm.Task.Status)
	}
	resp = e.do(t, http.MethodPost, termPath, adminHeaders(), nil)
	decodeInto(t, resp, http.StatusOK, &afterTerm)
	if afterTerm.Task.Status != "terminated" {
		t.Fatalf("second terminate should be a no-op, got %q", afterTerm.Task.Status)
	}

	resp = e.do(t, http.MethodPost, "/api/v1/tasks/99999/terminate", adminHeaders(), nil)
	decodeInto(t, resp, http.StatusNotFound, nil)
}

func TestAdminEndpointsRequireAdminRole(t *testing.T) {
	e := startTestServer(t)

	var created struct {
		Task struct {
			ID int64 `json:"id"`
		} `json:"task"`
	}
	resp := e.do(t, http.MethodPost, "/api/v1/tasks", nil, map[string]any{
		"data_object_id":        5,
		"type":                  "artwork_fetch",
		"required_capabilities": []string{"internet"},
	})
	decodeInto(t, resp, http.StatusCreated, &created)

	termPath := fmt.Sprintf("/api/v1/tasks/%d/terminate", created.Task.ID)
	resetPath := fmt.Sprintf("/api/v1/tasks/%d/reset", created.Task.ID)
	taskPath := fmt.Sprintf("/api/v1/tasks/%d", created.Task.ID)

	// Without an operator identity the administrative surface is closed.
	anonymous := []struct {
		method, path string
	}{
		{http.MethodPost, termPath},
		{http.MethodPost, resetPath},
		{http.MethodGet, taskPath},
		{http.MethodGet, "/api/v1/tasks"},
		{http.MethodGet, "/api/v1/tasks/summary"},
		{http.MethodGet, "/api/v1/data-objects/5/tasks"},
	}
	for _, c := range anonymous {
		resp := e.do(t, c.method, c.path, nil, nil)
		decodeInto(t, resp, http.StatusUnauthorized, nil)
	}

	// An authenticated operator without the admin role gets the same door.
	runner := operatorHeaders("op-1", "task-runner")
	for _, c := range anonymous {
		resp := e.do(t, c.method, c.path, runner, nil)
		decodeInto(t, resp, http.StatusForbidden, nil)
	}

	// None of the rejected calls touched the task.
	var got struct {
		Task struct {
			Status string `json:"status"`
		} `json:"task"`
	}
	resp = e.do(t, http.MethodGet, taskPath, adminHeaders(), nil)
	decodeInto(t, resp, http.StatusOK, &got)
	if got.Task.Status != "queued" {
		t.Fatalf("expected task untouched in queued, got %q", got.Task.Status)
	}
}

func TestListAndSummaryEndpoints(t *testing.T) {
	e := startTestServer(t)

	for i := 1; i <= 3; i++ {
		resp := e.do(t, http.MethodPost, "/api/v1/tasks", nil, map[string]any{
			"data_object_id":        i,
			"type":                  "ai_tagging",
			"required_capabilities": []string{"ai"},
		})
		decodeInto(t, resp, http.StatusCreated, nil)
	}

	var list struct {
		Items []struct {
			ID     int64  `json:"id"`
			Status string `json:"status"`
		} `json:"items"`
	}
	resp := e.do(t, http.MethodGet, "/api/v1/tasks?status=queued&type=ai_tagging", adminHeaders(), nil)
	decodeInto(t, resp, http.StatusOK, &list)
	if len(list.Items) != 3 {
		t.Fatalf("expected 3 queued tasks, got %d", len(list.Items))
	}

	resp = e.do(t, http.MethodGet, "/api/v1/tasks?status=sideways", adminHeaders(), nil)
	decodeInto(t, resp, http.StatusBadRequest, nil)

	var summary map[string]map[string]int
	resp = e.do(t, http.MethodGet, "/api/v1/tasks/summary", adminHeaders(), nil)
	decodeInto(t, resp, http.StatusOK, &summary)
	if summary["ai_tagging"]["queued"] != 3 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	var objTasks struct {
		Items []struct {
			ID int64 `json:"id"`
		} `json:"items"`
	}
	resp = e.do(t, http.MethodGet, "/api/v1/data-objects/2/tasks", adminHeaders(), nil)
	decodeInto(t, resp, http.StatusOK, &objTasks)
	if len(objTasks.Items) != 1 {
		t.Fatalf("expected 1 task for data object 2, got %d", len(objTasks.Items))
	}
}

func TestClientFleetEndpoints(t *testing.T) {
	e := startTestServer(t)
	w := registerWorker(t, e, "internet")

	// Owner sees their clients; a different owner sees none.
	var clients struct {
		Items []struct {
			PublicID string `json:"public_id"`
			Name     string `json:"name"`
		} `json:"items"`
	}
	resp := e.do(t, http.MethodGet, "/api/v1/me/clients", operatorHeaders("op-1", "task-runner"), nil)
	decodeInto(t, resp, http.StatusOK, &clients)
	if len(clients.Items) != 1 || clients.Items[0].PublicID != w.PublicID {
		t.Fatalf("unexpected owned clients: %+v", clients.Items)
	}

	resp = e.do(t, http.MethodGet, "/api/v1/me/clients", operatorHeaders("op-2", "task-runner"), nil)
	decodeInto(t, resp, http.StatusOK, &clients)
	if len(clients.Items) != 0 {
		t.Fatalf("op-2 should own no clients: %+v", clients.Items)
	}

	// Full listing needs the admin role.
	resp = e.do(t, http.MethodGet, "/api/v1/clients", operatorHeaders("op-1", "task-runner"), nil)
	decodeInto(t, resp, http.StatusForbidden, nil)
	resp = e.do(t, http.MethodGet, "/api/v1/clients", operatorHeaders("root", "admin"), nil)
	decodeInto(t, resp, http.StatusOK, &clients)
	if len(clients.Items) != 1 {
		t.Fatalf("admin listing should show 1 client, got %d", len(clients.Items))
	}

	// Profile update through worker credentials.
	var updated struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	}
	resp = e.do(t, http.MethodPatch, "/api/v1/worker/profile", workerHeaders(w), map[string]any{"version": "1.1.0"})
	decodeInto(t, resp, http.StatusOK, &updated)
	if updated.Version != "1.1.0" || updated.Name != "test-worker" {
		t.Fatalf("partial update wrong: %+v", updated)
	}

	// Unregister is owner-scoped.
	resp = e.do(t, http.MethodDelete, "/api/v1/clients/"+w.PublicID, operatorHeaders("op-2", "task-runner"), nil)
	decodeInto(t, resp, http.StatusForbidden, nil)
	resp = e.do(t, http.MethodDelete, "/api/v1/clients/"+w.PublicID, operatorHeaders("op-1", "task-runner"), nil)
	decodeInto(t, resp, http.StatusNoContent, nil)

	resp = e.do(t, http.MethodPost, "/api/v1/worker/poll", workerHeaders(w), nil)
	decodeInto(t, resp, http.StatusUnauthorized, nil)
}
