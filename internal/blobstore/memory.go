package blobstore

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/btree"

	"dsgate/internal/gwerr"
	"dsgate/internal/models"
)

type memoryObject struct {
	data        []byte
	contentType string
	contentHash string
	metadata    map[string]string
	modified    time.Time
}

// MemoryStore keeps blobs in ordered in-process maps, one per bucket.
type MemoryStore struct {
	mu      sync.RWMutex
	buckets map[string]*btree.Map[string, *memoryObject]
	used    int64

	// QuotaBytes caps the total stored bytes. Zero means unlimited.
	QuotaBytes int64

	now func() time.Time
}

// NewMemoryStore creates an empty in-memory blob store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		buckets: make(map[string]*btree.Map[string, *memoryObject]),
		now:     time.Now,
	}
}

// SetClock overrides the time source used for modification times.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemoryStore) bucket(name string, create bool) *btree.Map[string, *memoryObject] {
	b, ok := m.buckets[name]
	if !ok && create {
		b = btree.NewMap[string, *memoryObject](0)
		m.buckets[name] = b
	}
	return b
}

// Put stores a copy of data under bucket/key, replacing any existing object.
func (m *MemoryStore) Put(ctx context.Context, bucket, key string, data []byte, opts PutOptions) (models.BlobRef, error) {
	ref := models.BlobRef{Bucket: bucket, Key: key}
	if err := validateRef(ref); err != nil {
		return models.BlobRef{}, err
	}
	if err := ctx.Err(); err != nil {
		return models.BlobRef{}, gwerr.FromContext("blob put", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.bucket(bucket, true)
	var replaced int64
	if prev, ok := b.Get(key); ok {
		replaced = int64(len(prev.data))
	}
	if m.QuotaBytes > 0 && m.used-replaced+int64(len(data)) > m.QuotaBytes {
		return models.BlobRef{}, quotaError(bucket, m.used-replaced, int64(len(data)), m.QuotaBytes)
	}

	obj := &memoryObject{
		data:        append([]byte(nil), data...),
		contentType: opts.ContentType,
		contentHash: ContentHash(data),
		metadata:    normalizeMetadata(opts.Metadata),
		modified:    m.now().UTC(),
	}
	b.Set(key, obj)
	m.used += int64(len(data)) - replaced
	return ref, nil
}

func (m *MemoryStore) lookup(ref models.BlobRef) (*memoryObject, error) {
	b := m.bucket(ref.Bucket, false)
	if b == nil {
		return nil, gwerr.NotFound("blob %s", ref)
	}
	obj, ok := b.Get(ref.Key)
	if !ok {
		return nil, gwerr.NotFound("blob %s", ref)
	}
	return obj, nil
}

// Get returns a copy of the stored bytes.
func (m *MemoryStore) Get(ctx context.Context, ref models.BlobRef) ([]byte, error) {
	if err := validateRef(ref); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, gwerr.FromContext("blob get", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, err := m.lookup(ref)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), obj.data...), nil
}

// Stat returns object attributes.
func (m *MemoryStore) Stat(ctx context.Context, ref models.BlobRef) (models.BlobInfo, error) {
	if err := validateRef(ref); err != nil {
		return models.BlobInfo{}, err
	}
	if err := ctx.Err(); err != nil {
		return models.BlobInfo{}, gwerr.FromContext("blob stat", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, err := m.lookup(ref)
	if err != nil {
		return models.BlobInfo{}, err
	}
	meta := make(map[string]string, len(obj.metadata))
	for k, v := range obj.metadata {
		meta[k] = v
	}
	return models.BlobInfo{
		Ref:          ref,
		SizeBytes:    uint64(len(obj.data)),
		ContentHash:  obj.contentHash,
		ContentType:  obj.contentType,
		Metadata:     meta,
		LastModified: obj.modified,
	}, nil
}

// Delete removes an object. Missing objects are ignored.
func (m *MemoryStore) Delete(ctx context.Context, ref models.BlobRef) error {
	if err := validateRef(ref); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return gwerr.FromContext("blob delete", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.bucket(ref.Bucket, false)
	if b == nil {
		return nil
	}
	if prev, ok := b.Delete(ref.Key); ok {
		m.used -= int64(len(prev.data))
	}
	return nil
}

// Presign returns a mem:// handle. It is only meaningful in-process.
func (m *MemoryStore) Presign(ctx context.Context, ref models.BlobRef, ttl time.Duration) (models.BlobHandle, error) {
	info, err := m.Stat(ctx, ref)
	if err != nil {
		return models.BlobHandle{}, err
	}
	if ttl <= 0 {
		ttl = DefaultPresignTTL
	}
	expires := m.now().UTC().Add(ttl)
	u := url.URL{
		Scheme:   "mem",
		Host:     ref.Bucket,
		Path:     "/" + ref.Key,
		RawQuery: url.Values{"expires": {fmt.Sprint(expires.Unix())}}.Encode(),
	}
	return models.BlobHandle{
		Ref:         ref,
		SizeBytes:   info.SizeBytes,
		ContentHash: info.ContentHash,
		AccessURL:   u.String(),
		ExpiresAt:   expires,
	}, nil
}

// List pages through bucket keys in lexical order.
func (m *MemoryStore) List(ctx context.Context, bucket string, opts ListOptions) (ListResult, error) {
	if err := validateBucket(bucket); err != nil {
		return ListResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return ListResult{}, gwerr.FromContext("blob list", err)
	}
	after, err := DecodePageToken(opts.PageToken)
	if err != nil {
		return ListResult{}, err
	}
	limit := normalizeLimit(opts.Limit)

	m.mu.RLock()
	defer m.mu.RUnlock()

	result := ListResult{Items: []models.BlobRef{}}
	b := m.bucket(bucket, false)
	if b == nil {
		return result, nil
	}
	pivot := opts.Prefix
	if after > pivot {
		pivot = after
	}
	more := false
	b.Ascend(pivot, func(key string, _ *memoryObject) bool {
		if key == after {
			return true
		}
		if !strings.HasPrefix(key, opts.Prefix) {
			return false
		}
		if len(result.Items) == limit {
			more = true
			return false
		}
		result.Items = append(result.Items, models.BlobRef{Bucket: bucket, Key: key})
		return true
	})
	if more {
		result.NextPageToken = EncodePageToken(result.Items[len(result.Items)-1].Key)
	}
	return result, nil
}

var _ BlobStore = (*MemoryStore)(nil)
