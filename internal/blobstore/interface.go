package blobstore

import (
	"context"
	"time"

	"dsgate/internal/models"
)

// PutOptions carries the object attributes written alongside the bytes.
type PutOptions struct {
	ContentType string
	// Metadata is stored as retrievable object metadata. Keys are
	// lower-cased by every implementation.
	Metadata map[string]string
}

// ListOptions pages through one bucket in key order.
type ListOptions struct {
	Prefix    string
	PageToken string
	Limit     int
}

// ListResult is one page of blob refs. NextPageToken is empty on the last page.
type ListResult struct {
	Items         []models.BlobRef
	NextPageToken string
}

// BlobStore is the object-storage contract used by the coordinator.
//
// Implementations report failures with the gwerr taxonomy: ErrNotFound for
// missing objects, ErrStoreUnavailable for transient backend failures and
// ErrQuotaExceeded when a write is refused for capacity. Delete of an absent
// object is not an error. Implementations are safe for concurrent use.
type BlobStore interface {
	Put(ctx context.Context, bucket, key string, data []byte, opts PutOptions) (models.BlobRef, error)
	Get(ctx context.Context, ref models.BlobRef) ([]byte, error)
	Stat(ctx context.Context, ref models.BlobRef) (models.BlobInfo, error)
	Delete(ctx context.Context, ref models.BlobRef) error
	Presign(ctx context.Context, ref models.BlobRef, ttl time.Duration) (models.BlobHandle, error)
	List(ctx context.Context, bucket string, opts ListOptions) (ListResult, error)
}

const (
	DefaultListLimit  = 100
	MaxListLimit      = 1000
	DefaultPresignTTL = 15 * time.Minute
)

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}
