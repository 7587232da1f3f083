package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/replaynet/replaynet-ingest-go/internal/dispatch"
	"github.com/replaynet/replaynet-ingest-go/internal/objectstage"
)

// QueueAllRawUploads re-publishes a raw-upload-ready notification for
// every log still staged under raw/. Used to drain a backlog after an
// outage; handlers tolerate notifications for uploads that were already
// accepted in the meantime.
func (p *Pipeline) QueueAllRawUploads(ctx context.Context, bucket string) (int, error) {
	return p.queuePrefix(ctx, bucket, "raw/")
}

// QueueFailedUploads re-publishes every upload in the failed location
// for reprocessing. The storage location is unchanged; a successful
// reprocess accepts the upload from where it sits.
func (p *Pipeline) QueueFailedUploads(ctx context.Context, bucket string) (int, error) {
	return p.queuePrefix(ctx, bucket, "failed/")
}

func (p *Pipeline) queuePrefix(ctx context.Context, bucket, prefix string) (int, error) {
	keys, err := p.objects.List(ctx, bucket, prefix)
	if err != nil {
		return 0, fmt.Errorf("list %s: %w", prefix, err)
	}

	queued := 0
	for _, key := range keys {
		if !strings.HasSuffix(key, ".power.log") {
			continue
		}
		if _, err := objectstage.NewRawUpload(bucket, key); err != nil {
			p.logger.Warn("skipping unrecognized key during requeue", "key", key, "error", err)
			continue
		}
		msg := dispatch.RawUploadReady{RawBucket: bucket, RawKey: key}
		if err := p.publisher.PublishRawUploadReady(ctx, msg); err != nil {
			return queued, fmt.Errorf("publish raw upload ready for %s: %w", key, err)
		}
		queued++
	}

	p.logger.Info("requeued raw uploads", "prefix", prefix, "count", queued)
	return queued, nil
}
