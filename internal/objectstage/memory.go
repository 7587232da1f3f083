package objectstage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory ObjectStore for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte // "bucket/key" -> body
}

// NewMemoryStore returns an empty in-memory object store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

func objectKey(bucket, key string) string {
	return bucket + "/" + key
}

// Get implements ObjectStore.
func (m *MemoryStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	body, ok := m.objects[objectKey(bucket, key)]
	if !ok {
		return nil, ErrNoSuchKey
	}
	out := make([]byte, len(body))
	copy(out, body)
	return out, nil
}

// Put implements ObjectStore.
func (m *MemoryStore) Put(ctx context.Context, bucket, key string, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := make([]byte, len(body))
	copy(stored, body)
	m.objects[objectKey(bucket, key)] = stored
	return nil
}

// Copy implements ObjectStore.
func (m *MemoryStore) Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	body, ok := m.objects[objectKey(srcBucket, srcKey)]
	if !ok {
		return ErrNoSuchKey
	}
	stored := make([]byte, len(body))
	copy(stored, body)
	m.objects[objectKey(dstBucket, dstKey)] = stored
	return nil
}

// Delete implements ObjectStore. Missing keys are ignored, matching S3
// delete semantics.
func (m *MemoryStore) Delete(ctx context.Context, bucket string, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.objects, objectKey(bucket, key))
	}
	return nil
}

// List implements ObjectStore.
func (m *MemoryStore) List(ctx context.Context, bucket, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	full := objectKey(bucket, prefix)
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, full) {
			keys = append(keys, strings.TrimPrefix(k, bucket+"/"))
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// PresignPut implements ObjectStore with a fake URL.
func (m *MemoryStore) PresignPut(ctx context.Context, bucket, key string, expires time.Duration) (string, error) {
	return fmt.Sprintf("memory://%s/%s?expires=%d", bucket, key, int(expires.Seconds())), nil
}

// Exists reports whether an object is present. Test helper.
func (m *MemoryStore) Exists(bucket, key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[objectKey(bucket, key)]
	return ok
}
