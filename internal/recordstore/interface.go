package recordstore

import (
	"context"

	"dsgate/internal/models"
)

// Filter matches records whose properties equal the given values. Values are
// compared in their text form, so {"year": "2024"} matches a numeric 2024.
type Filter map[string]string

// CreateOptions tunes record creation.
type CreateOptions struct {
	// ID is used instead of a store-assigned id when set.
	ID string
}

// QueryOptions pages through one class.
type QueryOptions struct {
	Filter    Filter
	PageToken string
	Limit     int
}

// QueryResult is one page of records in insertion order. NextPageToken is
// empty on the last page.
type QueryResult struct {
	Items         []models.Record
	NextPageToken string
}

// RecordStore is the indexed-record contract used by the coordinator and
// the pagination merger.
//
// Failures use the gwerr taxonomy: ErrNotFound for missing records,
// ErrValidation for bad classes, properties or duplicate ids,
// ErrStoreUnavailable for transient backend failures. Delete of an absent
// record is not an error. Pages are ordered by insertion and the page token
// is stable across calls as long as no records are added or removed.
type RecordStore interface {
	Create(ctx context.Context, class string, properties map[string]any, opts CreateOptions) (models.RecordRef, error)
	Get(ctx context.Context, ref models.RecordRef) (models.Record, error)
	Update(ctx context.Context, ref models.RecordRef, properties map[string]any) (models.Record, error)
	Delete(ctx context.Context, ref models.RecordRef) error
	QueryByClass(ctx context.Context, class string, opts QueryOptions) (QueryResult, error)
	QueryByProperty(ctx context.Context, class, key, value string) ([]models.Record, error)
}

const (
	DefaultQueryLimit = 50
	MaxQueryLimit     = 1000
	// maxPropertyMatches bounds QueryByProperty results.
	maxPropertyMatches = 100
)
