package recordstore

import (
	"context"

	"dsgate/internal/models"
	"dsgate/internal/retry"
)

// RetryingStore retries transient failures of the wrapped store.
type RetryingStore struct {
	inner  RecordStore
	policy retry.Policy
}

// WithRetry wraps store with policy.
func WithRetry(store RecordStore, policy retry.Policy) *RetryingStore {
	return &RetryingStore{inner: store, policy: policy}
}

// Create pins the record id before the first attempt so a retried create can
// never produce two records.
func (r *RetryingStore) Create(ctx context.Context, class string, properties map[string]any, opts CreateOptions) (models.RecordRef, error) {
	if opts.ID == "" {
		id, err := resolveID(opts)
		if err != nil {
			return models.RecordRef{}, err
		}
		opts.ID = id
	}
	return retry.Value(ctx, r.policy, "record create", func(ctx context.Context) (models.RecordRef, error) {
		return r.inner.Create(ctx, class, properties, opts)
	})
}

func (r *RetryingStore) Get(ctx context.Context, ref models.RecordRef) (models.Record, error) {
	return retry.Value(ctx, r.policy, "record get", func(ctx context.Context) (models.Record, error) {
		return r.inner.Get(ctx, ref)
	})
}

func (r *RetryingStore) Update(ctx context.Context, ref models.RecordRef, properties map[string]any) (models.Record, error) {
	return retry.Value(ctx, r.policy, "record update", func(ctx context.Context) (models.Record, error) {
		return r.inner.Update(ctx, ref, properties)
	})
}

func (r *RetryingStore) Delete(ctx context.Context, ref models.RecordRef) error {
	return retry.Do(ctx, r.policy, "record delete", func(ctx context.Context) error {
		return r.inner.Delete(ctx, ref)
	})
}

func (r *RetryingStore) QueryByClass(ctx context.Context, class string, opts QueryOptions) (QueryResult, error) {
	return retry.Value(ctx, r.policy, "record query", func(ctx context.Context) (QueryResult, error) {
		return r.inner.QueryByClass(ctx, class, opts)
	})
}

func (r *RetryingStore) QueryByProperty(ctx context.Context, class, key, value string) ([]models.Record, error) {
	return retry.Value(ctx, r.policy, "record query", func(ctx context.Context) ([]models.Record, error) {
		return r.inner.QueryByProperty(ctx, class, key, value)
	})
}

var _ RecordStore = (*RetryingStore)(nil)
