package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/gaseous-project/hasheous-sub000/api/httpapi"
	"github.com/gaseous-project/hasheous-sub000/internal/capability"
	"github.com/gaseous-project/hasheous-sub000/internal/config"
	"github.com/gaseous-project/hasheous-sub000/internal/ingest"
	"github.com/gaseous-project/hasheous-sub000/internal/logging"
	"github.com/gaseous-project/hasheous-sub000/internal/observability"
	"github.com/gaseous-project/hasheous-sub000/internal/registry"
	"github.com/gaseous-project/hasheous-sub000/internal/store"
	"github.com/gaseous-project/hasheous-sub000/internal/store/memstore"
	"github.com/gaseous-project/hasheous-sub000/internal/taskqueue"
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
		ServiceName: firstNonEmpty(cfg.OTELServiceName, "hasheous-enrichment"),
		Endpoint:    cfg.OTELExporterOTLPEndpoint,
		Env:         cfg.Env,
	})
	if err != nil {
		logger.Fatal("otel init failed", zap.Error(err))
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	var (
		clients store.ClientStore
		tasks   store.TaskStore
	)
	switch cfg.StoreDriver {
	case "postgres":
		st, err := store.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("db connection failed", zap.Error(err))
		}
		defer st.Close()
		if err := st.EnsureSchema(context.Background()); err != nil {
			logger.Fatal("schema init failed", zap.Error(err))
		}
		clients, tasks = st, st
	case "memory":
		logger.Warn("using in-memory store, all state is lost on restart")
		mem := memstore.New()
		clients, tasks = mem, mem
	}

	reg := registry.New(clients, capability.BaselineConfig{
		ProbeURLs:     cfg.ProbeURLs,
		ProbeAttempts: cfg.ProbeAttempts,
		MinFreeBytes:  cfg.MinFreeBytes,
		AIModelTier:   cfg.AIModelTier,
	}, logger)
	queue := taskqueue.New(tasks, reg, cfg.PollBatchSize, logger)
	reporter := taskqueue.NewProgressReporter(tasks)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// NATS ingest channel (optional)
	if cfg.NATSURL != "" {
		ch, err := ingest.New(context.Background(), ingest.Config{
			NATSURL:      cfg.NATSURL,
			StreamName:   cfg.NATSStreamName,
			ConsumerName: cfg.NATSConsumerName,
			AckWait:      30 * time.Second,
			MaxDeliver:   5,
		})
		if err != nil {
			logger.Fatal("nats connection failed", zap.Error(err))
		}
		defer ch.Close()

		go func() {
			if err := ch.Run(ctx, queue, logger); err != nil {
				logger.Error("ingest channel error", zap.Error(err))
			}
		}()
	}

	server := httpapi.NewServer(httpapi.Config{Port: cfg.HTTPPort}, logger, reg, queue, reporter)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := server.Start(); err != nil && err.Error() != "http: Server closed" {
			logger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-stop
	logger.Info("shutdown signal received")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
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
