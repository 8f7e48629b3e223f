package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/gaseous-project/hasheous-sub000/internal/agent"
	"github.com/gaseous-project/hasheous-sub000/internal/config"
	"github.com/gaseous-project/hasheous-sub000/internal/logging"
	"github.com/gaseous-project/hasheous-sub000/internal/observability"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		panic(err)
	}

	logger, err := logging.New(logging.Config{Level: cfg.LogLevel, Dev: cfg.Env == "dev"})
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	observability.RegisterMetrics()

	shutdownTracing, err := observability.InitTracing(context.Background(), observability.OTelConfig{
		ServiceName: firstNonEmpty(cfg.OTELServiceName, "hasheous-enrichment-worker"),
		Endpoint:    cfg.OTELExporterOTLPEndpoint,
		Env:         cfg.Env,
	})
	if err != nil {
		logger.Fatal("otel init failed", zap.Error(err))
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	// Metrics endpoint
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		addr := fmt.Sprintf(":%d", cfg.WorkerMetricsPort)
		logger.Info("worker metrics server starting", zap.String("addr", addr))
		_ = http.ListenAndServe(addr, mux)
	}()

	agentCfg := agent.Config{
		ServerURL:         cfg.WorkerServerURL,
		SecretKey:         cfg.WorkerSecretKey,
		OperatorID:        cfg.WorkerOperatorID,
		Name:              cfg.WorkerName,
		Version:           cfg.WorkerVersion,
		Capabilities:      cfg.WorkerCapabilities,
		PollInterval:      cfg.WorkerPollInterval,
		HeartbeatInterval: cfg.WorkerHeartbeatInterval,
	}
	if cfg.WorkerPublicID != "" {
		id, err := uuid.Parse(cfg.WorkerPublicID)
		if err != nil {
			logger.Fatal("invalid WORKER_PUBLIC_ID", zap.Error(err))
		}
		agentCfg.PublicID = id
	}
	if agentCfg.SecretKey == "" && agentCfg.OperatorID == "" {
		logger.Fatal("either WORKER_SECRET_KEY or WORKER_OPERATOR_ID must be set")
	}

	a := agent.New(agentCfg, agent.DefaultHandlers(), logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		logger.Info("shutdown signal received")
		cancel()
	}()

	logger.Info("worker agent starting",
		zap.String("server", cfg.WorkerServerURL),
		zap.Strings("capabilities", cfg.WorkerCapabilities),
		zap.Duration("poll_interval", cfg.WorkerPollInterval),
	)
	if err := a.Run(ctx); err != nil {
		logger.Fatal("agent error", zap.Error(err))
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
