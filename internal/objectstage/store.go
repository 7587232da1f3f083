// Package objectstage implements the durable blob staging area for raw
// log uploads: predictable key layouts, the new/failed lifecycle, and
// the object store abstraction backing them.
package objectstage

import (
	"context"
	"errors"
	"time"
)

// ErrNoSuchKey is returned when an object does not exist.
var ErrNoSuchKey = errors.New("no such key")

// ObjectStore is the blob storage the staging area runs on. The S3
// implementation is used in production; the memory implementation
// backs tests.
type ObjectStore interface {
	// Get returns the full object body.
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	// Put writes an object, replacing any existing one.
	Put(ctx context.Context, bucket, key string, body []byte) error
	// Copy duplicates an object, possibly across buckets.
	Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error
	// Delete removes the given keys. Missing keys are not an error.
	Delete(ctx context.Context, bucket string, keys ...string) error
	// List returns all keys under prefix.
	List(ctx context.Context, bucket, prefix string) ([]string, error)
	// PresignPut returns a URL a client can PUT bytes to directly.
	PresignPut(ctx context.Context, bucket, key string, expires time.Duration) (string, error)
}
