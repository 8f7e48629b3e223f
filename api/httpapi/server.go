package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/gaseous-project/hasheous-sub000/internal/observability"
	"github.com/gaseous-project/hasheous-sub000/internal/registry"
	"github.com/gaseous-project/hasheous-sub000/internal/taskqueue"
)

type Server struct {
	httpServer *http.Server
	logger     *zap.Logger
	registry   *registry.Registry
	queue      *taskqueue.Queue
	reporter   *taskqueue.ProgressReporter
}

type Config struct {
	Port string
}

func NewServer(cfg Config, logger *zap.Logger, reg *registry.Registry, q *taskqueue.Queue, reporter *taskqueue.ProgressReporter) *Server {
	r := mux.NewRouter()

	routeName := func(r *http.Request) string {
		if rt := mux.CurrentRoute(r); rt != nil {
			if tpl, err := rt.GetPathTemplate(); err == nil && tpl != "" {
				return tpl
			}
		}
		return r.URL.Path
	}

	// Middlewares (order matters)
	r.Use(observability.RequestIDMiddleware)
	r.Use(observability.TracingMiddleware(routeName))
	r.Use(observability.HTTPMetricsMiddleware(routeName))
	r.Use(observability.AccessLogMiddleware(logger, routeName))

	srv := &Server{
		logger:   logger,
		registry: reg,
		queue:    q,
		reporter: reporter,
	}

	// Metrics
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	// Health
	r.HandleFunc("/api/v1/health", srv.handleHealth).Methods(http.MethodGet)

	// Client fleet (operator surface, identity via gateway headers)
	r.HandleFunc("/api/v1/clients", srv.handleRegisterClient).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/clients", srv.handleListClients).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/me/clients", srv.handleListOwnClients).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/clients/{publicId}", srv.handleUnregisterClient).Methods(http.MethodDelete)

	// Worker surface (identity via client credentials)
	r.HandleFunc("/api/v1/worker/heartbeat", srv.handleHeartbeat).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/worker/poll", srv.handlePoll).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/worker/profile", srv.handleUpdateProfile).Methods(http.MethodPatch)
	r.HandleFunc("/api/v1/worker/tasks/{id}/status", srv.handleSubmitStatus).Methods(http.MethodPost)

	// Task surface
	r.HandleFunc("/api/v1/tasks", srv.handleEnqueueTask).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/tasks", srv.handleListTasks).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/tasks/summary", srv.handleTasksSummary).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/tasks/{id}", srv.handleGetTask).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/tasks/{id}/reset", srv.handleResetTask).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/tasks/{id}/terminate", srv.handleTerminateTask).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/data-objects/{id}/tasks", srv.handleTasksForDataObject).Methods(http.MethodGet)

	s := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	srv.httpServer = s
	return srv
}

// Handler exposes the router for tests that bind their own listener.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Start() error {
	s.logger.Info("HTTP server starting", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("HTTP server shutting down")
	return s.httpServer.Shutdown(ctx)
}
