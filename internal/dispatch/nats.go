package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/replaynet/replaynet-ingest-go/internal/metrics"
)

// Subjects and streams used by the pipeline.
const (
	subjectRawReady    = "ingest.raw.ready"
	subjectUploadReady = "ingest.upload.ready"

	streamRaw     = "INGEST_RAW"
	streamUploads = "INGEST_UPLOADS"

	durableRawWorker    = "ingest-raw-worker"
	durableUploadWorker = "ingest-upload-worker"
)

// NATSDispatcher is the JetStream-backed Dispatcher used in production.
// JetStream gives at-least-once delivery: un-acked messages are
// redelivered after the ack wait elapses.
type NATSDispatcher struct {
	nc *nats.Conn
	js nats.JetStreamContext

	ackWait time.Duration
	metrics *metrics.Metrics
}

// NewNATS connects to a NATS server and ensures the pipeline streams
// exist.
func NewNATS(url string, ackWait time.Duration) (*NATSDispatcher, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}
	if err := initStreams(js); err != nil {
		nc.Close()
		return nil, err
	}
	if ackWait <= 0 {
		ackWait = 2 * time.Minute
	}
	return &NATSDispatcher{nc: nc, js: js, ackWait: ackWait, metrics: metrics.NewMetrics()}, nil
}

// initStreams creates the raw-upload and upload-event streams.
func initStreams(js nats.JetStreamContext) error {
	for _, cfg := range []*nats.StreamConfig{
		{
			Name:      streamRaw,
			Subjects:  []string{"ingest.raw.*"},
			Retention: nats.WorkQueuePolicy,
			Storage:   nats.FileStorage,
		},
		{
			Name:      streamUploads,
			Subjects:  []string{"ingest.upload.*"},
			Retention: nats.WorkQueuePolicy,
			Storage:   nats.FileStorage,
		},
	} {
		if _, err := js.AddStream(cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
	}
	return nil
}

// Close drains the connection.
func (d *NATSDispatcher) Close() error {
	if d.nc != nil {
		d.nc.Close()
	}
	return nil
}

func (d *NATSDispatcher) publish(subject, msgType string, payload any) error {
	envelope := Envelope{
		Type:          msgType,
		Version:       "1.0.0",
		OccurredAt:    time.Now().UTC(),
		CorrelationID: uuid.New().String(),
		Payload:       payload,
	}
	b, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msgType, err)
	}
	if _, err := d.js.Publish(subject, b); err != nil {
		d.metrics.EventPublishTotal.WithLabelValues(msgType, "error").Inc()
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	d.metrics.EventPublishTotal.WithLabelValues(msgType, "ok").Inc()
	return nil
}

// PublishRawUploadReady implements Publisher.
func (d *NATSDispatcher) PublishRawUploadReady(ctx context.Context, msg RawUploadReady) error {
	return d.publish(subjectRawReady, "ingest.raw.ready", msg)
}

// PublishUploadEventReady implements Publisher.
func (d *NATSDispatcher) PublishUploadEventReady(ctx context.Context, msg UploadEventReady) error {
	return d.publish(subjectUploadReady, "ingest.upload.ready", msg)
}

// decodeEnvelope extracts the typed payload from a wire message.
func decodeEnvelope(data []byte, payload any) error {
	var envelope struct {
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	if err := json.Unmarshal(envelope.Payload, payload); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

// SubscribeRawUploads implements Dispatcher. Handler failures Nak the
// message so JetStream redelivers it.
func (d *NATSDispatcher) SubscribeRawUploads(ctx context.Context, handler RawUploadHandler) error {
	_, err := d.js.QueueSubscribe(subjectRawReady, durableRawWorker, func(m *nats.Msg) {
		var msg RawUploadReady
		if err := decodeEnvelope(m.Data, &msg); err != nil {
			// Poison message: drop it rather than redeliver forever.
			slog.Error("dropping undecodable raw-upload message", "error", err)
			_ = m.Term()
			return
		}
		if err := handler(ctx, msg); err != nil {
			slog.Error("raw upload handler failed", "key", msg.RawKey, "error", err)
			_ = m.Nak()
			return
		}
		_ = m.Ack()
	}, nats.Durable(durableRawWorker), nats.ManualAck(), nats.AckWait(d.ackWait))
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subjectRawReady, err)
	}
	return nil
}

// SubscribeUploadEvents implements Dispatcher.
func (d *NATSDispatcher) SubscribeUploadEvents(ctx context.Context, handler UploadEventHandler) error {
	_, err := d.js.QueueSubscribe(subjectUploadReady, durableUploadWorker, func(m *nats.Msg) {
		var msg UploadEventReady
		if err := decodeEnvelope(m.Data, &msg); err != nil {
			slog.Error("dropping undecodable upload-event message", "error", err)
			_ = m.Term()
			return
		}
		if err := handler(ctx, msg); err != nil {
			slog.Error("upload event handler failed", "id", msg.ID, "error", err)
			_ = m.Nak()
			return
		}
		_ = m.Ack()
	}, nats.Durable(durableUploadWorker), nats.ManualAck(), nats.AckWait(d.ackWait))
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subjectUploadReady, err)
	}
	return nil
}
