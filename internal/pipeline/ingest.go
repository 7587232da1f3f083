package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/replaynet/replaynet-ingest-go/internal/api"
	"github.com/replaynet/replaynet-ingest-go/internal/dispatch"
	"github.com/replaynet/replaynet-ingest-go/internal/model"
	"github.com/replaynet/replaynet-ingest-go/internal/objectstage"
	"github.com/replaynet/replaynet-ingest-go/internal/storage"
)

// ProcessRawUpload accepts a staged raw upload: copies its log to the
// durable uploads/ location, creates the upload event record and
// publishes the processing notification, then deletes the staged
// objects. On failure the upload is moved to the failed/ location with
// the failure reason recorded, and the error is returned so the
// dispatcher can apply its retry policy. Safe to invoke more than once
// for the same upload.
func (p *Pipeline) ProcessRawUpload(ctx context.Context, msg dispatch.RawUploadReady) error {
	ctx, span := otel.Tracer("ingest-service").Start(ctx, "ProcessRawUpload")
	defer span.End()
	span.SetAttributes(
		attribute.String("raw.bucket", msg.RawBucket),
		attribute.String("raw.key", msg.RawKey),
	)

	start := time.Now()
	result := "accepted"

	err := p.ingestRawUpload(ctx, msg)
	if err != nil {
		result = "failed"
		span.SetStatus(codes.Error, err.Error())
	}

	p.metrics.RawUploadsTotal.WithLabelValues(result).Inc()
	p.metrics.RawUploadsDuration.WithLabelValues(result).Observe(time.Since(start).Seconds())
	return err
}

func (p *Pipeline) ingestRawUpload(ctx context.Context, msg dispatch.RawUploadReady) error {
	raw, err := objectstage.NewRawUpload(msg.RawBucket, msg.RawKey)
	if err != nil {
		// Not a log key at all. There is nothing to move to the failed
		// location; reject permanently rather than retry forever.
		p.logger.Error("unrecognized raw upload key", "bucket", msg.RawBucket, "key", msg.RawKey, "error", err)
		return nil
	}

	logger := p.logger.With("shortid", raw.ShortID(), "key", raw.LogKey())

	desc, err := raw.Descriptor(ctx, p.objects)
	if err != nil {
		if errors.Is(err, objectstage.ErrNoSuchKey) {
			if _, logErr := raw.Log(ctx, p.objects); errors.Is(logErr, objectstage.ErrNoSuchKey) {
				// Both objects are gone: a previous delivery already
				// accepted or failed this upload. Acknowledge.
				logger.Info("raw upload already handled, dropping redelivery")
				return nil
			}
			// The log landed before its descriptor sidecar. Transient;
			// let the dispatcher redeliver once the sidecar arrives.
			logger.Warn("descriptor not staged yet, requesting redelivery")
			return fmt.Errorf("descriptor missing for %s", raw)
		}
		return p.failRawUpload(ctx, raw, err)
	}

	// A redelivery after acceptance but before staged-object cleanup
	// must not create a second event under a fresh shortid.
	if existing, err := p.store.GetUploadEventByShortID(ctx, raw.ShortID()); err == nil {
		logger.Info("upload event already exists, finishing cleanup", "event_id", existing.ID)
		if err := p.publisher.PublishUploadEventReady(ctx, dispatch.UploadEventReady{ID: existing.ID, Token: existing.ShortID}); err != nil {
			return fmt.Errorf("publish upload event ready: %w", err)
		}
		if err := raw.Delete(ctx, p.objects); err != nil {
			logger.Warn("failed to delete staged objects", "error", err)
		}
		return nil
	}

	fileKey := objectstage.UploadKey(raw.Timestamp(), raw.ShortID())
	if err := p.objects.Copy(ctx, raw.Bucket(), raw.LogKey(), p.bucket, fileKey); err != nil {
		return p.failRawUpload(ctx, raw, fmt.Errorf("copy log to durable location: %w", err))
	}

	metadata, err := json.Marshal(desc.UploadMetadata)
	if err != nil {
		return p.failRawUpload(ctx, raw, fmt.Errorf("encode metadata: %w", err))
	}

	event, err := p.creator.Create(ctx, api.CreateUploadRequest{
		Type:          model.UploadEventTypePowerLog,
		ShortID:       raw.ShortID(),
		UploadIP:      desc.SourceIP,
		Metadata:      metadata,
		Authorization: desc.GatewayHeaders.Authorization,
		APIKey:        desc.GatewayHeaders.XAPIKey,
		FileKey:       fileKey,
	})
	if errors.Is(err, storage.ErrConflict) {
		// A concurrent delivery won the shortid between the precheck and
		// the insert. Its event owns this upload; finish as a duplicate.
		existing, lookupErr := p.store.GetUploadEventByShortID(ctx, raw.ShortID())
		if lookupErr != nil {
			return fmt.Errorf("load conflicting upload event %s: %w", raw.ShortID(), lookupErr)
		}
		logger.Info("upload event created concurrently, finishing cleanup", "event_id", existing.ID)
		if err := p.publisher.PublishUploadEventReady(ctx, dispatch.UploadEventReady{ID: existing.ID, Token: existing.ShortID}); err != nil {
			return fmt.Errorf("publish upload event ready: %w", err)
		}
		if err := raw.Delete(ctx, p.objects); err != nil {
			logger.Warn("failed to delete staged objects", "error", err)
		}
		return nil
	}
	if err != nil {
		// Acceptance failed; the copied durable object must not outlive
		// the upload event that never existed.
		if cleanupErr := p.objects.Delete(ctx, p.bucket, fileKey); cleanupErr != nil {
			logger.Error("failed to clean up durable log copy", "error", cleanupErr)
		}
		return p.failRawUpload(ctx, raw, err)
	}

	if err := p.publisher.PublishUploadEventReady(ctx, dispatch.UploadEventReady{
		ID:    event.ID,
		Token: event.ShortID,
	}); err != nil {
		// The event exists; redelivery of the raw message will find the
		// shortid taken and must not fail the upload. Re-publish instead.
		logger.Error("failed to publish upload event ready", "error", err)
		return fmt.Errorf("publish upload event ready: %w", err)
	}

	if err := raw.Delete(ctx, p.objects); err != nil {
		// The upload is accepted; a leftover staged object is debris,
		// not a failure.
		logger.Warn("failed to delete staged objects", "error", err)
	}

	logger.Info("raw upload accepted", "event_id", event.ID)
	return nil
}

// failRawUpload records the failure reason in the failed location and
// re-raises. Validation failures are propagated verbatim so the client
// polling the error object can self-diagnose.
func (p *Pipeline) failRawUpload(ctx context.Context, raw *objectstage.RawUpload, cause error) error {
	reason := cause.Error()
	var failure *api.ValidationFailure
	if errors.As(cause, &failure) {
		if body, err := json.Marshal(failure); err == nil {
			reason = string(body)
		}
	}

	if raw.State() == objectstage.StateFailed {
		// A reprocessing attempt failed again; the upload already sits
		// in the failed location with its original error object.
		p.logger.Error("reprocessing of failed upload did not succeed", "shortid", raw.ShortID(), "error", cause)
		return cause
	}

	if err := raw.MarkFailed(ctx, p.objects, reason); err != nil {
		p.logger.Error("failed to move raw upload to failed location", "shortid", raw.ShortID(), "error", err)
		return fmt.Errorf("mark failed: %w (original failure: %s)", err, reason)
	}

	p.logger.Error("raw upload failed", "shortid", raw.ShortID(), "error", cause)
	return cause
}
