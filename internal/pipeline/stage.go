package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/replaynet/replaynet-ingest-go/internal/objectstage"
	"github.com/replaynet/replaynet-ingest-go/internal/shortid"
	"github.com/replaynet/replaynet-ingest-go/internal/storage"
)

// stagingURLTTL bounds how long a client may take between requesting a
// staging target and finishing its uploads.
const stagingURLTTL = 15 * time.Minute

// StagingTarget tells an uploading client where to PUT its log and
// descriptor. The gateway hands this out before the pipeline ever sees
// the upload.
type StagingTarget struct {
	ShortID       string `json:"shortid"`
	LogKey        string `json:"log_key"`
	LogURL        string `json:"log_url"`
	DescriptorKey string `json:"descriptor_key"`
	DescriptorURL string `json:"descriptor_url"`
}

// PresignStaging allocates a fresh shortid and returns presigned PUT
// URLs for the raw log and its descriptor sidecar. Nothing is persisted
// until the staged objects trigger ingestion.
func (p *Pipeline) PresignStaging(ctx context.Context) (*StagingTarget, error) {
	sid := shortid.New()
	now := time.Now().UTC()
	logKey := objectstage.RawLogKey(now, sid)
	descKey := objectstage.RawDescriptorKey(now, sid)

	logURL, err := p.objects.PresignPut(ctx, p.bucket, logKey, stagingURLTTL)
	if err != nil {
		return nil, fmt.Errorf("presign log upload: %w", err)
	}
	descURL, err := p.objects.PresignPut(ctx, p.bucket, descKey, stagingURLTTL)
	if err != nil {
		return nil, fmt.Errorf("presign descriptor upload: %w", err)
	}

	return &StagingTarget{
		ShortID:       sid,
		LogKey:        logKey,
		LogURL:        logURL,
		DescriptorKey: descKey,
		DescriptorURL: descURL,
	}, nil
}

// DeleteUploadEvent removes an upload event together with its durable
// log object. The replay and global game records, if any, are left
// alone; they stand on their own once processed.
func (p *Pipeline) DeleteUploadEvent(ctx context.Context, id string) error {
	event, err := p.store.GetUploadEvent(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load upload event %s: %w", id, err)
	}

	if event.FileKey != "" {
		if err := p.objects.Delete(ctx, p.bucket, event.FileKey); err != nil {
			return fmt.Errorf("delete log object %s: %w", event.FileKey, err)
		}
	}
	if err := p.store.DeleteUploadEvent(ctx, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("delete upload event %s: %w", id, err)
	}

	p.logger.Info("upload event deleted", "event_id", id, "shortid", event.ShortID)
	return nil
}
