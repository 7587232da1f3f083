// Package worker binds the dispatcher subscriptions to the pipeline
// stages. Each invocation runs under the configured processing budget;
// exceeding it cancels the attempt and surfaces as a server error on
// the next delivery.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/replaynet/replaynet-ingest-go/internal/dispatch"
	"github.com/replaynet/replaynet-ingest-go/internal/pipeline"
)

// Worker consumes dispatch notifications and drives the pipeline.
type Worker struct {
	pipeline   *pipeline.Pipeline
	dispatcher dispatch.Dispatcher
	timeout    time.Duration
	logger     *slog.Logger
}

// New constructs a Worker. timeout bounds one handler invocation and
// must be below the dispatcher's redelivery window.
func New(p *pipeline.Pipeline, d dispatch.Dispatcher, timeout time.Duration, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{pipeline: p, dispatcher: d, timeout: timeout, logger: logger}
}

// Start registers both subscriptions. Handlers run until the parent
// context is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	err := w.dispatcher.SubscribeRawUploads(ctx, func(msgCtx context.Context, msg dispatch.RawUploadReady) error {
		return w.invoke(msgCtx, func(c context.Context) error {
			return w.pipeline.ProcessRawUpload(c, msg)
		})
	})
	if err != nil {
		return fmt.Errorf("subscribe raw uploads: %w", err)
	}

	err = w.dispatcher.SubscribeUploadEvents(ctx, func(msgCtx context.Context, msg dispatch.UploadEventReady) error {
		return w.invoke(msgCtx, func(c context.Context) error {
			return w.pipeline.ProcessUploadEvent(c, msg)
		})
	})
	if err != nil {
		return fmt.Errorf("subscribe upload events: %w", err)
	}

	w.logger.Info("worker subscriptions active", "timeout", w.timeout)
	return nil
}

func (w *Worker) invoke(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	return fn(ctx)
}
