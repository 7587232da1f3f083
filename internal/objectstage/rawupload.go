package objectstage

import (
	"context"
	"fmt"
	"regexp"
	"time"

	json "github.com/goccy/go-json"

	"github.com/replaynet/replaynet-ingest-go/internal/model"
)

// RawUploadState is the lifecycle location of a raw upload.
type RawUploadState int

const (
	// StateNew - staged under raw/, awaiting acceptance.
	StateNew RawUploadState = 0
	// StateFailed - moved under failed/ after a processing failure.
	// Terminal except for operator-triggered reprocessing.
	StateFailed RawUploadState = 1
)

// Key layout constants. The key path encodes both state and timestamp;
// they must always agree.
const (
	rawTimestampFormat    = "2006/01/02/15/04"
	failedTimestampFormat = "2006-01-02-15-04"
)

var (
	rawLogKeyPattern    = regexp.MustCompile(`^raw/(\d{4}/\d{2}/\d{2}/\d{2}/\d{2})/(\w{22})\.power\.log$`)
	failedLogKeyPattern = regexp.MustCompile(`^failed/(\w{22})/(\d{4}-\d{2}-\d{2}-\d{2}-\d{2})\.power\.log$`)
)

// RawLogKey returns the staging key for a new raw log.
func RawLogKey(ts time.Time, shortid string) string {
	return fmt.Sprintf("raw/%s/%s.power.log", ts.UTC().Format(rawTimestampFormat), shortid)
}

// RawDescriptorKey returns the staging key for the descriptor sidecar.
func RawDescriptorKey(ts time.Time, shortid string) string {
	return fmt.Sprintf("raw/%s/%s.descriptor.json", ts.UTC().Format(rawTimestampFormat), shortid)
}

// UploadKey returns the durable location an accepted log is copied to.
func UploadKey(ts time.Time, shortid string) string {
	return fmt.Sprintf("uploads/%s/%s.power.log", ts.UTC().Format(rawTimestampFormat), shortid)
}

func failedLogKey(ts time.Time, shortid string) string {
	return fmt.Sprintf("failed/%s/%s.power.log", shortid, ts.UTC().Format(failedTimestampFormat))
}

func failedDescriptorKey(ts time.Time, shortid string) string {
	return fmt.Sprintf("failed/%s/%s.descriptor.json", shortid, ts.UTC().Format(failedTimestampFormat))
}

func failedErrorKey(ts time.Time, shortid string) string {
	return fmt.Sprintf("failed/%s/%s.error.json", shortid, ts.UTC().Format(failedTimestampFormat))
}

// RawUpload represents an upload still sitting in object storage, not
// yet accepted as an upload event. The shortid, timestamp and state are
// all derived from the log key.
type RawUpload struct {
	bucket        string
	logKey        string
	descriptorKey string
	errorKey      string // only set when failed
	shortid       string
	timestamp     time.Time
	state         RawUploadState

	descriptor *model.Descriptor // loaded lazily
}

// NewRawUpload builds a RawUpload from a bucket and a log key under
// either lifecycle prefix. Returns an error when the key does not match
// a known layout.
func NewRawUpload(bucket, key string) (*RawUpload, error) {
	if m := rawLogKeyPattern.FindStringSubmatch(key); m != nil {
		ts, err := time.Parse(rawTimestampFormat, m[1])
		if err != nil {
			return nil, fmt.Errorf("bad timestamp in raw key %q: %w", key, err)
		}
		return &RawUpload{
			bucket:        bucket,
			logKey:        key,
			descriptorKey: RawDescriptorKey(ts, m[2]),
			shortid:       m[2],
			timestamp:     ts,
			state:         StateNew,
		}, nil
	}
	if m := failedLogKeyPattern.FindStringSubmatch(key); m != nil {
		ts, err := time.Parse(failedTimestampFormat, m[2])
		if err != nil {
			return nil, fmt.Errorf("bad timestamp in failed key %q: %w", key, err)
		}
		return &RawUpload{
			bucket:        bucket,
			logKey:        key,
			descriptorKey: failedDescriptorKey(ts, m[1]),
			errorKey:      failedErrorKey(ts, m[1]),
			shortid:       m[1],
			timestamp:     ts,
			state:         StateFailed,
		}, nil
	}
	return nil, fmt.Errorf("unrecognized raw upload key: %q", key)
}

// Bucket returns the bucket holding the upload's objects.
func (r *RawUpload) Bucket() string { return r.bucket }

// LogKey returns the current key of the raw log object.
func (r *RawUpload) LogKey() string { return r.logKey }

// DescriptorKey returns the current key of the descriptor sidecar.
func (r *RawUpload) DescriptorKey() string { return r.descriptorKey }

// ErrorKey returns the error object key, empty unless failed.
func (r *RawUpload) ErrorKey() string { return r.errorKey }

// ShortID returns the upload's opaque identifier.
func (r *RawUpload) ShortID() string { return r.shortid }

// Timestamp returns the staging time encoded in the key path.
func (r *RawUpload) Timestamp() time.Time { return r.timestamp }

// State returns the current lifecycle state.
func (r *RawUpload) State() RawUploadState { return r.state }

// String identifies the upload in logs.
func (r *RawUpload) String() string {
	return fmt.Sprintf("%s:%s:%s", r.shortid, r.bucket, r.logKey)
}

// Descriptor loads and decodes the descriptor sidecar, caching it for
// subsequent calls.
func (r *RawUpload) Descriptor(ctx context.Context, store ObjectStore) (*model.Descriptor, error) {
	if r.descriptor != nil {
		return r.descriptor, nil
	}
	body, err := store.Get(ctx, r.bucket, r.descriptorKey)
	if err != nil {
		return nil, fmt.Errorf("load descriptor %s: %w", r.descriptorKey, err)
	}
	var desc model.Descriptor
	if err := json.Unmarshal(body, &desc); err != nil {
		return nil, fmt.Errorf("decode descriptor %s: %w", r.descriptorKey, err)
	}
	r.descriptor = &desc
	return r.descriptor, nil
}

// Log returns the raw log bytes.
func (r *RawUpload) Log(ctx context.Context, store ObjectStore) ([]byte, error) {
	return store.Get(ctx, r.bucket, r.logKey)
}

// Stage writes a raw log and its descriptor sidecar under the raw/
// prefix and returns the resulting RawUpload. There is no atomicity
// guarantee between the two writes; downstream stages tolerate a log
// without a descriptor until the sidecar lands.
func Stage(ctx context.Context, store ObjectStore, bucket string, ts time.Time, desc *model.Descriptor, log []byte) (*RawUpload, error) {
	logKey := RawLogKey(ts, desc.ShortID)
	descKey := RawDescriptorKey(ts, desc.ShortID)

	body, err := json.Marshal(desc)
	if err != nil {
		return nil, fmt.Errorf("encode descriptor: %w", err)
	}
	if err := store.Put(ctx, bucket, logKey, log); err != nil {
		return nil, fmt.Errorf("stage log %s: %w", logKey, err)
	}
	if err := store.Put(ctx, bucket, descKey, body); err != nil {
		return nil, fmt.Errorf("stage descriptor %s: %w", descKey, err)
	}
	return NewRawUpload(bucket, logKey)
}

// MarkFailed moves the upload into the failed location: copies the log
// and descriptor, writes an error object recording the reason and a
// timestamp, then deletes the originals from the raw/ prefix. The
// transition is irreversible. A partial copy still raises so the
// dispatcher's retry policy can take over.
func (r *RawUpload) MarkFailed(ctx context.Context, store ObjectStore, reason string) error {
	if r.state != StateNew {
		return fmt.Errorf("mark failed: upload %s already failed", r.shortid)
	}

	logKey := failedLogKey(r.timestamp, r.shortid)
	descKey := failedDescriptorKey(r.timestamp, r.shortid)
	errKey := failedErrorKey(r.timestamp, r.shortid)

	if err := store.Copy(ctx, r.bucket, r.logKey, r.bucket, logKey); err != nil {
		return fmt.Errorf("copy log to failed location: %w", err)
	}
	if err := store.Copy(ctx, r.bucket, r.descriptorKey, r.bucket, descKey); err != nil {
		return fmt.Errorf("copy descriptor to failed location: %w", err)
	}

	if err := store.Put(ctx, r.bucket, errKey, errorObject(reason)); err != nil {
		return fmt.Errorf("write error object: %w", err)
	}

	if err := store.Delete(ctx, r.bucket, r.logKey, r.descriptorKey); err != nil {
		return fmt.Errorf("delete raw objects: %w", err)
	}

	r.logKey = logKey
	r.descriptorKey = descKey
	r.errorKey = errKey
	r.state = StateFailed
	return nil
}

// errorObject builds the error sidecar body. Structured reasons (JSON)
// are preserved verbatim so an uploading client polling the failed
// location can self-diagnose; anything else is wrapped.
func errorObject(reason string) []byte {
	payload := map[string]any{}
	if err := json.Unmarshal([]byte(reason), &payload); err != nil {
		payload = map[string]any{"message": reason}
	}
	payload["made_failed_ts"] = time.Now().UTC().Format(time.RFC3339)
	body, err := json.MarshalIndent(payload, "", "    ")
	if err != nil {
		body = []byte(fmt.Sprintf(`{"message":%q}`, reason))
	}
	return body
}

// Delete removes the upload's objects at their current lifecycle
// location: two objects when new, three when failed.
func (r *RawUpload) Delete(ctx context.Context, store ObjectStore) error {
	keys := []string{r.logKey, r.descriptorKey}
	if r.state == StateFailed {
		keys = append(keys, r.errorKey)
	}
	return store.Delete(ctx, r.bucket, keys...)
}
