// Package ingest consumes enqueue requests published by the metadata engine on
// NATS JetStream and turns them into queued tasks. Workers never see NATS;
// they only poll over HTTP.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/gaseous-project/hasheous-sub000/internal/observability"
	"github.com/gaseous-project/hasheous-sub000/internal/store"
	"github.com/gaseous-project/hasheous-sub000/internal/taskqueue"
)

// SubjectEnqueue carries enrichment enqueue requests.
const SubjectEnqueue = "enrichment.enqueue"

type Config struct {
	NATSURL      string
	StreamName   string
	ConsumerName string
	AckWait      time.Duration
	MaxDeliver   int
}

type Channel struct {
	nc  *nats.Conn
	js  nats.JetStreamContext
	cfg Config
}

// EnqueueRequest is the wire form the metadata engine publishes when a data
// object needs enrichment work.
type EnqueueRequest struct {
	DataObjectID         int64             `json:"data_object_id"`
	TaskType             string            `json:"task_type"`
	RequiredCapabilities []string          `json:"required_capabilities"`
	Parameters           map[string]string `json:"parameters,omitempty"`
}

func New(ctx context.Context, cfg Config) (*Channel, error) {
	if cfg.AckWait == 0 {
		cfg.AckWait = 30 * time.Second
	}
	if cfg.MaxDeliver == 0 {
		cfg.MaxDeliver = 5
	}

	nc, err := nats.Connect(cfg.NATSURL,
		nats.Timeout(5*time.Second),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, err
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, err
	}

	c := &Channel{nc: nc, js: js, cfg: cfg}
	if err := c.ensureStream(ctx); err != nil {
		nc.Close()
		return nil, err
	}
	return c, nil
}

func (c *Channel) Close() {
	if c.nc != nil {
		c.nc.Close()
	}
}

func (c *Channel) ensureStream(ctx context.Context) error {
	if info, err := c.js.StreamInfo(c.cfg.StreamName); err == nil && info != nil {
		for _, s := range info.Config.Subjects {
			if s == SubjectEnqueue {
				return nil
			}
		}

		sc := info.Config
		sc.Subjects = append(sc.Subjects, SubjectEnqueue)
		sc.Name = c.cfg.StreamName

		if _, err := c.js.UpdateStream(&sc); err != nil {
			return fmt.Errorf("update stream: %w", err)
		}
		return nil
	}

	sc := &nats.StreamConfig{
		Name:      c.cfg.StreamName,
		Subjects:  []string{SubjectEnqueue},
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
	}
	if _, err := c.js.AddStream(sc); err != nil {
		return fmt.Errorf("add stream: %w", err)
	}
	return nil
}

func (c *Channel) JetStream() nats.JetStreamContext {
	return c.js
}

// Publish sends an enqueue request, propagating the caller's trace context in
// the message headers.
func (c *Channel) Publish(ctx context.Context, req EnqueueRequest) error {
	b, err := json.Marshal(req)
	if err != nil {
		return err
	}

	hdr := nats.Header{}
	otel.GetTextMapPropagator().Inject(ctx, observability.NATSHeaderCarrier{H: hdr})

	msg := &nats.Msg{Subject: SubjectEnqueue, Data: b, Header: hdr}
	_, err = c.js.PublishMsg(msg)
	return err
}

// Run pulls enqueue requests until ctx is cancelled. Malformed messages are
// acked and counted rather than redelivered forever; enqueue failures are
// nak'd so JetStream retries them up to MaxDeliver.
func (c *Channel) Run(ctx context.Context, queue *taskqueue.Queue, logger *zap.Logger) error {
	sub, err := c.js.PullSubscribe(SubjectEnqueue, c.cfg.ConsumerName,
		nats.BindStream(c.cfg.StreamName),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(c.cfg.AckWait),
		nats.MaxDeliver(c.cfg.MaxDeliver),
	)
	if err != nil {
		return fmt.Errorf("pull subscribe: %w", err)
	}

	logger.Info("ingest channel ready",
		zap.String("stream", c.cfg.StreamName),
		zap.String("consumer", c.cfg.ConsumerName),
		zap.String("subject", SubjectEnqueue),
	)

	for {
		select {
		case <-ctx.Done():
			logger.Info("ingest channel stopped")
			return nil
		default:
		}

		msgs, err := sub.Fetch(10, nats.MaxWait(2*time.Second))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if errors.Is(err, context.Canceled) {
				return nil
			}
			logger.Warn("ingest fetch error", zap.Error(err))
			continue
		}

		for _, m := range msgs {
			c.handleMsg(ctx, queue, logger, m)
		}
	}
}

func (c *Channel) handleMsg(ctx context.Context, queue *taskqueue.Queue, logger *zap.Logger, m *nats.Msg) {
	if m.Header != nil {
		ctx = otel.GetTextMapPropagator().Extract(ctx, observability.NATSHeaderCarrier{H: m.Header})
	}
	tr := otel.Tracer("hasheous/ingest")
	ctx, span := tr.Start(ctx, "ingest.enqueue")
	defer span.End()

	var req EnqueueRequest
	if err := json.Unmarshal(m.Data, &req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "bad_message")
		observability.IngestMessagesTotal.WithLabelValues("malformed").Inc()
		logger.Warn("dropping malformed enqueue request", zap.Error(err))
		_ = m.Ack()
		return
	}

	span.SetAttributes(
		attribute.Int64("task.data_object_id", req.DataObjectID),
		attribute.String("task.type", req.TaskType),
	)

	task, err := queue.Enqueue(ctx, taskqueue.EnqueueParams{
		DataObjectID:         req.DataObjectID,
		Type:                 store.TaskType(req.TaskType),
		RequiredCapabilities: req.RequiredCapabilities,
		Parameters:           req.Parameters,
	})
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, taskqueue.ErrInvalidTaskType) {
			// Invalid forever; redelivery cannot fix it.
			span.SetStatus(codes.Error, "invalid_task_type")
			observability.IngestMessagesTotal.WithLabelValues("rejected").Inc()
			logger.Warn("rejecting enqueue request",
				zap.String("task_type", req.TaskType),
				zap.Error(err),
			)
			_ = m.Ack()
			return
		}
		span.SetStatus(codes.Error, "enqueue_failed")
		observability.IngestMessagesTotal.WithLabelValues("error").Inc()
		logger.Error("enqueue from ingest failed", zap.Error(err))
		_ = m.Nak()
		return
	}

	observability.IngestMessagesTotal.WithLabelValues("enqueued").Inc()
	logger.Info("task enqueued from ingest",
		zap.Int64("task_id", task.ID),
		zap.String("type", string(task.Type)),
		zap.Int64("data_object_id", task.DataObjectID),
	)
	_ = m.Ack()
}
