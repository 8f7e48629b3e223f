// Package agent is the worker side of the task queue: an HTTP client that
// registers itself, heartbeats, polls for work and reports results. The
// server never pushes; everything here is outbound.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gaseous-project/hasheous-sub000/internal/store"
)

type Config struct {
	ServerURL string

	// Existing credentials; when SecretKey is empty the agent registers
	// itself on startup using OperatorID.
	SecretKey string
	PublicID  uuid.UUID

	OperatorID   string
	Name         string
	Version      string
	Capabilities []string

	PollInterval      time.Duration
	HeartbeatInterval time.Duration
}

type Agent struct {
	cfg      Config
	handlers *HandlerRegistry
	client   *http.Client
	logger   *zap.Logger

	secretKey string
	publicID  uuid.UUID
}

func New(cfg Config, handlers *HandlerRegistry, logger *zap.Logger) *Agent {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	return &Agent{
		cfg:       cfg,
		handlers:  handlers,
		client:    &http.Client{Timeout: 30 * time.Second},
		logger:    logger,
		secretKey: cfg.SecretKey,
		publicID:  cfg.PublicID,
	}
}

type apiError struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

type registration struct {
	PublicID  uuid.UUID `json:"public_id"`
	SecretKey string    `json:"secret_key"`
}

// Run registers if needed, then heartbeats and polls until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	if a.secretKey == "" {
		if err := a.register(ctx); err != nil {
			return fmt.Errorf("register: %w", err)
		}
	}

	heartbeat := time.NewTicker(a.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	poll := time.NewTicker(a.cfg.PollInterval)
	defer poll.Stop()

	if err := a.heartbeat(ctx); err != nil {
		a.logger.Warn("initial heartbeat failed", zap.Error(err))
	}

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("agent stopped")
			return nil
		case <-heartbeat.C:
			if err := a.heartbeat(ctx); err != nil {
				a.logger.Warn("heartbeat failed", zap.Error(err))
			}
		case <-poll.C:
			task, err := a.poll(ctx)
			if err != nil {
				a.logger.Warn("poll failed", zap.Error(err))
				continue
			}
			if task == nil {
				continue
			}
			a.runTask(ctx, task)
		}
	}
}

func (a *Agent) register(ctx context.Context) error {
	req := map[string]any{
		"name":         a.cfg.Name,
		"version":      a.cfg.Version,
		"capabilities": a.cfg.Capabilities,
	}

	var reg registration
	err := a.doJSON(ctx, http.MethodPost, "/api/v1/clients", req, http.StatusCreated, &reg, func(r *http.Request) {
		r.Header.Set("X-User-Id", a.cfg.OperatorID)
		r.Header.Set("X-User-Roles", "task-runner")
	})
	if err != nil {
		return err
	}

	a.secretKey = reg.SecretKey
	a.publicID = reg.PublicID
	a.logger.Info("agent registered",
		zap.String("public_id", a.publicID.String()),
		zap.Strings("capabilities", a.cfg.Capabilities),
	)
	return nil
}

func (a *Agent) heartbeat(ctx context.Context) error {
	return a.doJSON(ctx, http.MethodPost, "/api/v1/worker/heartbeat", nil, http.StatusOK, nil, a.workerAuth)
}

// poll asks for work; nil means an empty queue.
func (a *Agent) poll(ctx context.Context) (*store.Task, error) {
	req, err := a.newRequest(ctx, http.MethodPost, "/api/v1/worker/poll", nil)
	if err != nil {
		return nil, err
	}
	a.workerAuth(req)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil, nil
	case http.StatusOK:
		var body struct {
			Task store.Task `json:"task"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return nil, err
		}
		return &body.Task, nil
	default:
		return nil, responseError(resp)
	}
}

func (a *Agent) runTask(ctx context.Context, task *store.Task) {
	logger := a.logger.With(
		zap.Int64("task_id", task.ID),
		zap.String("type", string(task.Type)),
		zap.Int64("data_object_id", task.DataObjectID),
	)

	h, ok := a.handlers.Get(task.Type)
	if !ok {
		logger.Error("no handler for task type")
		_ = a.submitStatus(ctx, task.ID, store.StatusFailed, "", "no handler for task type")
		return
	}

	if err := a.submitStatus(ctx, task.ID, store.StatusInProgress, "", ""); err != nil {
		logger.Warn("could not report in_progress", zap.Error(err))
		return
	}

	logger.Info("task started")
	result, err := h(ctx, task)
	if err != nil {
		logger.Error("task failed", zap.Error(err), zap.Bool("permanent", IsPermanent(err)))
		if submitErr := a.submitStatus(ctx, task.ID, store.StatusFailed, "", err.Error()); submitErr != nil {
			logger.Warn("could not report failure", zap.Error(submitErr))
		}
		return
	}

	if err := a.submitStatus(ctx, task.ID, store.StatusSubmitted, result, ""); err != nil {
		logger.Warn("could not report result", zap.Error(err))
		return
	}
	logger.Info("task submitted")
}

func (a *Agent) submitStatus(ctx context.Context, taskID int64, status store.TaskStatus, result, errorMessage string) error {
	req := map[string]any{
		"status":        string(status),
		"result":        result,
		"error_message": errorMessage,
	}
	path := fmt.Sprintf("/api/v1/worker/tasks/%d/status", taskID)
	return a.doJSON(ctx, http.MethodPost, path, req, http.StatusOK, nil, a.workerAuth)
}

func (a *Agent) workerAuth(r *http.Request) {
	r.Header.Set("X-Client-Secret", a.secretKey)
	r.Header.Set("X-Client-Id", a.publicID.String())
}

func (a *Agent) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.cfg.ServerURL+path, rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (a *Agent) doJSON(ctx context.Context, method, path string, body any, wantStatus int, out any, decorate func(*http.Request)) error {
	req, err := a.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if decorate != nil {
		decorate(req)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		return responseError(resp)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func responseError(resp *http.Response) error {
	var apiErr apiError
	if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error != "" {
		return fmt.Errorf("server returned %d: %s %s", resp.StatusCode, apiErr.Error, apiErr.Details)
	}
	return fmt.Errorf("server returned %d", resp.StatusCode)
}
