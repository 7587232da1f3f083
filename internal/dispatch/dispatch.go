// Package dispatch provides the asynchronous hand-off between pipeline
// stages: raw-upload-ready and upload-event-ready notifications with
// at-least-once delivery. Handlers must tolerate duplicate delivery of
// the same logical message.
package dispatch

import (
	"context"
	"time"
)

// RawUploadReady notifies workers that a raw log is staged and ready
// for ingestion. Also used to re-queue an upload for reprocessing.
type RawUploadReady struct {
	RawBucket string `json:"raw_bucket"`
	RawKey    string `json:"raw_key"`
}

// UploadEventReady notifies workers that an accepted upload event is
// ready for processing. Token is a tracing identifier, not a
// credential.
type UploadEventReady struct {
	ID    string `json:"id"`
	Token string `json:"token"`
}

// Envelope wraps every dispatched message for consistency across
// subjects.
type Envelope struct {
	Type          string    `json:"type"`
	Version       string    `json:"version"`
	OccurredAt    time.Time `json:"occurredAt"`
	CorrelationID string    `json:"correlationId"`
	Payload       any       `json:"payload"`
}

// RawUploadHandler consumes a raw-upload-ready notification. A non-nil
// error requests redelivery.
type RawUploadHandler func(ctx context.Context, msg RawUploadReady) error

// UploadEventHandler consumes an upload-event-ready notification. A
// non-nil error requests redelivery.
type UploadEventHandler func(ctx context.Context, msg UploadEventReady) error

// Publisher is the producing half of the dispatcher.
type Publisher interface {
	PublishRawUploadReady(ctx context.Context, msg RawUploadReady) error
	PublishUploadEventReady(ctx context.Context, msg UploadEventReady) error
	Close() error
}

// Dispatcher is the full pub/sub contract between pipeline stages.
type Dispatcher interface {
	Publisher
	SubscribeRawUploads(ctx context.Context, handler RawUploadHandler) error
	SubscribeUploadEvents(ctx context.Context, handler UploadEventHandler) error
}

// Noop is a Publisher that drops everything. Used when the dispatcher
// is not configured, e.g. in local synchronous processing.
type Noop struct{}

// PublishRawUploadReady implements Publisher.
func (Noop) PublishRawUploadReady(ctx context.Context, msg RawUploadReady) error { return nil }

// PublishUploadEventReady implements Publisher.
func (Noop) PublishUploadEventReady(ctx context.Context, msg UploadEventReady) error { return nil }

// Close implements Publisher.
func (Noop) Close() error { return nil }
