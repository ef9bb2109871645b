package blobstore

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"dsgate/internal/models"
)

const DefaultPresignCacheSize = 4096

// PresignCache is a read-through cache of presigned handles. A cached handle
// is served only while at least half of the requested TTL remains and the
// blob still exists in the wrapped store; only the signing step is saved.
// Any write or delete through the cache drops the entry.
type PresignCache struct {
	BlobStore
	cache *lru.Cache[models.BlobRef, models.BlobHandle]
	now   func() time.Time
}

// WithPresignCache wraps store with an LRU of size entries.
func WithPresignCache(store BlobStore, size int) (*PresignCache, error) {
	if size <= 0 {
		size = DefaultPresignCacheSize
	}
	cache, err := lru.New[models.BlobRef, models.BlobHandle](size)
	if err != nil {
		return nil, err
	}
	return &PresignCache{BlobStore: store, cache: cache, now: time.Now}, nil
}

// Presign serves from cache or asks the wrapped store.
func (c *PresignCache) Presign(ctx context.Context, ref models.BlobRef, ttl time.Duration) (models.BlobHandle, error) {
	if ttl <= 0 {
		ttl = DefaultPresignTTL
	}
	if handle, ok := c.cache.Get(ref); ok {
		if !handle.Expired(c.now(), ttl/2) {
			// The blob may have been removed by another process.
			if _, err := c.BlobStore.Stat(ctx, ref); err != nil {
				c.cache.Remove(ref)
				return models.BlobHandle{}, err
			}
			return handle, nil
		}
		c.cache.Remove(ref)
	}
	handle, err := c.BlobStore.Presign(ctx, ref, ttl)
	if err != nil {
		c.cache.Remove(ref)
		return models.BlobHandle{}, err
	}
	c.cache.Add(ref, handle)
	return handle, nil
}

// Put invalidates the cached handle before writing.
func (c *PresignCache) Put(ctx context.Context, bucket, key string, data []byte, opts PutOptions) (models.BlobRef, error) {
	c.cache.Remove(models.BlobRef{Bucket: bucket, Key: key})
	return c.BlobStore.Put(ctx, bucket, key, data, opts)
}

// Delete invalidates the cached handle before deleting.
func (c *PresignCache) Delete(ctx context.Context, ref models.BlobRef) error {
	c.cache.Remove(ref)
	return c.BlobStore.Delete(ctx, ref)
}

// Len reports the number of cached handles.
func (c *PresignCache) Len() int {
	return c.cache.Len()
}

var _ BlobStore = (*PresignCache)(nil)
