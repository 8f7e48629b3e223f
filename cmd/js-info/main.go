package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/gaseous-project/hasheous-sub000/internal/config"
	"github.com/gaseous-project/hasheous-sub000/internal/ingest"
	"github.com/gaseous-project/hasheous-sub000/internal/logging"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		panic(err)
	}

	logger, err := logging.New(logging.Config{Level: cfg.LogLevel})
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	if cfg.NATSURL == "" {
		logger.Fatal("NATS_URL must be set")
	}

	ch, err := ingest.New(context.Background(), ingest.Config{
		NATSURL:      cfg.NATSURL,
		StreamName:   cfg.NATSStreamName,
		ConsumerName: "js-info",
		AckWait:      30 * time.Second,
		MaxDeliver:   5,
	})
	if err != nil {
		logger.Fatal("nats connection failed", zap.Error(err))
	}
	defer ch.Close()

	js := ch.JetStream()

	info, err := js.StreamInfo(cfg.NATSStreamName)
	if err != nil {
		logger.Fatal("StreamInfo failed", zap.Error(err))
	}

	fmt.Println("STREAM:", info.Config.Name)
	fmt.Println("SUBJECTS:")
	for _, s := range info.Config.Subjects {
		fmt.Println(" -", s)
	}
	fmt.Println("STATE:", "msgs=", info.State.Msgs, "bytes=", info.State.Bytes)
}
