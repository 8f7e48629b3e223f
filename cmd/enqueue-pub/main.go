package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/gaseous-project/hasheous-sub000/internal/config"
	"github.com/gaseous-project/hasheous-sub000/internal/ingest"
)

// Publishes an enqueue request to the ingest stream, standing in for the
// metadata engine during local development.
func main() {
	var (
		dataObjectID = flag.Int64("data-object-id", 0, "Data object to enrich")
		taskType     = flag.String("type", "metadata_search", "Task type (ai_tagging|artwork_fetch|metadata_search)")
		caps         = flag.String("capabilities", "internet", "Comma-separated required capabilities")
		params       = flag.String("parameters", "", "Task parameters as key=value pairs, comma separated")
		count        = flag.Int("count", 1, "How many times to publish the same message")
		interval     = flag.Duration("interval", 50*time.Millisecond, "Delay between publishes")
	)
	flag.Parse()

	if *dataObjectID <= 0 {
		panic("missing --data-object-id")
	}
	if *count <= 0 {
		panic("--count must be > 0")
	}

	cfg := config.Load()
	if cfg.NATSURL == "" {
		panic("NATS_URL must be set")
	}

	ch, err := ingest.New(context.Background(), ingest.Config{
		NATSURL:      cfg.NATSURL,
		StreamName:   cfg.NATSStreamName,
		ConsumerName: cfg.NATSConsumerName,
		AckWait:      30 * time.Second,
		MaxDeliver:   5,
	})
	if err != nil {
		panic(err)
	}
	defer ch.Close()

	req := ingest.EnqueueRequest{
		DataObjectID:         *dataObjectID,
		TaskType:             *taskType,
		RequiredCapabilities: splitList(*caps),
		Parameters:           parseParams(*params),
	}

	b, _ := json.Marshal(req)
	fmt.Printf("publishing %d time(s) to %s: %s\n", *count, ingest.SubjectEnqueue, string(b))

	for i := 0; i < *count; i++ {
		if err := ch.Publish(context.Background(), req); err != nil {
			panic(err)
		}
		time.Sleep(*interval)
	}

	fmt.Println("done")
}

func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func parseParams(s string) map[string]string {
	if s == "" {
		return nil
	}
	out := map[string]string{}
	for _, pair := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			panic(fmt.Sprintf("bad parameter %q, want key=value", pair))
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}
