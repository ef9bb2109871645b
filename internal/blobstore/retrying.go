package blobstore

import (
	"context"
	"time"

	"dsgate/internal/models"
	"dsgate/internal/retry"
)

// RetryingStore retries transient failures of the wrapped store within a
// small fixed bound before surfacing ErrStoreUnavailable.
type RetryingStore struct {
	inner  BlobStore
	policy retry.Policy
}

// WithRetry wraps store with policy.
func WithRetry(store BlobStore, policy retry.Policy) *RetryingStore {
	return &RetryingStore{inner: store, policy: policy}
}

func (r *RetryingStore) Put(ctx context.Context, bucket, key string, data []byte, opts PutOptions) (models.BlobRef, error) {
	return retry.Value(ctx, r.policy, "blob put", func(ctx context.Context) (models.BlobRef, error) {
		return r.inner.Put(ctx, bucket, key, data, opts)
	})
}

func (r *RetryingStore) Get(ctx context.Context, ref models.BlobRef) ([]byte, error) {
	return retry.Value(ctx, r.policy, "blob get", func(ctx context.Context) ([]byte, error) {
		return r.inner.Get(ctx, ref)
	})
}

func (r *RetryingStore) Stat(ctx context.Context, ref models.BlobRef) (models.BlobInfo, error) {
	return retry.Value(ctx, r.policy, "blob stat", func(ctx context.Context) (models.BlobInfo, error) {
		return r.inner.Stat(ctx, ref)
	})
}

func (r *RetryingStore) Delete(ctx context.Context, ref models.BlobRef) error {
	return retry.Do(ctx, r.policy, "blob delete", func(ctx context.Context) error {
		return r.inner.Delete(ctx, ref)
	})
}

func (r *RetryingStore) Presign(ctx context.Context, ref models.BlobRef, ttl time.Duration) (models.BlobHandle, error) {
	return retry.Value(ctx, r.policy, "blob presign", func(ctx context.Context) (models.BlobHandle, error) {
		return r.inner.Presign(ctx, ref, ttl)
	})
}

func (r *RetryingStore) List(ctx context.Context, bucket string, opts ListOptions) (ListResult, error) {
	return retry.Value(ctx, r.policy, "blob list", func(ctx context.Context) (ListResult, error) {
		return r.inner.List(ctx, bucket, opts)
	})
}

var _ BlobStore = (*RetryingStore)(nil)
