// Package pagination lists entities in one cursor-based sequence. The record
// store orders the sequence and owns the page token; blobs are joined per
// item, on demand.
package pagination

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"dsgate/internal/blobstore"
	"dsgate/internal/gwerr"
	"dsgate/internal/models"
	"dsgate/internal/recordstore"
)

// ClassResolver maps an optional class name onto a configured class.
type ClassResolver interface {
	ResolveClass(class string) (string, error)
}

// Request selects one page.
type Request struct {
	Class     string
	Filter    map[string]string
	PageToken string
	Limit     int
}

// Page is one page of entities. NextPageToken is the record store's own
// token and is empty on the last page.
type Page struct {
	Items         []*Item
	NextPageToken string
}

// Item is one listed entity. Its blob handle is presigned on first use and
// reused afterwards.
type Item struct {
	Entity models.Entity

	blobs   blobstore.BlobStore
	ttl     time.Duration
	timeout time.Duration

	mu       sync.Mutex
	resolved bool
	handle   models.BlobHandle
	err      error
}

// Handle presigns the entity's blob. A missing blob marks the item
// ORPHANED_RECORD and returns an error wrapping ErrConflictOrphan; that
// outcome is remembered, transient failures are not.
func (it *Item) Handle(ctx context.Context) (models.BlobHandle, error) {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.resolved {
		return it.handle, it.err
	}
	if it.Entity.Status == models.EntityDeleting {
		it.resolved = true
		it.err = gwerr.NotFound("entity %s is being deleted", it.Entity.EntityID)
		return models.BlobHandle{}, it.err
	}
	if it.Entity.Blob.IsZero() {
		it.markOrphan("record has no blob reference")
		return models.BlobHandle{}, it.err
	}

	callCtx, cancel := withCallTimeout(ctx, it.timeout)
	handle, err := it.blobs.Presign(callCtx, it.Entity.Blob, it.ttl)
	cancel()
	switch {
	case err == nil:
		it.resolved = true
		it.handle = handle
		it.Entity.Handle = &handle
		return handle, nil
	case errors.Is(err, gwerr.ErrNotFound):
		it.markOrphan("blob " + it.Entity.Blob.String() + " is missing")
		return models.BlobHandle{}, it.err
	default:
		return models.BlobHandle{}, gwerr.FromContext("blob presign", err)
	}
}

func (it *Item) markOrphan(detail string) {
	it.resolved = true
	it.Entity.Status = models.EntityOrphanedRecord
	it.err = fmt.Errorf("entity %s: %s: %w", it.Entity.EntityID, detail, gwerr.ErrConflictOrphan)
}

// Resolved reports whether Handle has settled for this item.
func (it *Item) Resolved() bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.resolved
}

// DefaultCallTimeout bounds one store call made by the Merger.
const DefaultCallTimeout = 30 * time.Second

// Config tunes a Merger. CallTimeout bounds each record query and each
// presign.
type Config struct {
	PresignTTL  time.Duration
	CallTimeout time.Duration
	Logger      *slog.Logger
}

// withCallTimeout applies timeout unless ctx already ends sooner.
func withCallTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= timeout {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// Merger composes record pages with lazily joined blobs.
type Merger struct {
	records recordstore.RecordStore
	blobs   blobstore.BlobStore
	classes ClassResolver
	ttl     time.Duration
	timeout time.Duration
	log     *slog.Logger
}

// NewMerger returns a Merger over the given stores.
func NewMerger(records recordstore.RecordStore, blobs blobstore.BlobStore, classes ClassResolver, cfg Config) *Merger {
	ttl := cfg.PresignTTL
	if ttl <= 0 {
		ttl = blobstore.DefaultPresignTTL
	}
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Merger{
		records: records,
		blobs:   blobs,
		classes: classes,
		ttl:     ttl,
		timeout: timeout,
		log:     logger.With("component", "pagination"),
	}
}

// List returns one page of entities in record-store order. Records that do
// not carry an entity id are not entities and are left out; the page may
// therefore hold fewer items than Limit while NextPageToken is still set.
func (m *Merger) List(ctx context.Context, req Request) (Page, error) {
	class, err := m.classes.ResolveClass(req.Class)
	if err != nil {
		return Page{}, err
	}
	callCtx, cancel := withCallTimeout(ctx, m.timeout)
	result, err := m.records.QueryByClass(callCtx, class, recordstore.QueryOptions{
		Filter:    req.Filter,
		PageToken: req.PageToken,
		Limit:     req.Limit,
	})
	cancel()
	if err != nil {
		return Page{}, gwerr.FromContext("record query", err)
	}

	page := Page{Items: make([]*Item, 0, len(result.Items)), NextPageToken: result.NextPageToken}
	for _, rec := range result.Items {
		entity, ok := models.EntityFromRecord(rec)
		if !ok {
			m.log.Debug("skipping record without entity id", "record", rec.Ref.String())
			continue
		}
		page.Items = append(page.Items, &Item{Entity: entity, blobs: m.blobs, ttl: m.ttl, timeout: m.timeout})
	}
	return page, nil
}

// ResolveAll presigns every item of page. Per-item failures stay on the
// item; only cancellation aborts the loop.
func (m *Merger) ResolveAll(ctx context.Context, page Page) error {
	for _, item := range page.Items {
		if err := ctx.Err(); err != nil {
			return gwerr.FromContext("resolve page", err)
		}
		if _, err := item.Handle(ctx); err != nil && !errors.Is(err, gwerr.ErrConflictOrphan) && !errors.Is(err, gwerr.ErrNotFound) {
			m.log.Warn("presign failed during listing", "entity_id", item.Entity.EntityID, "err", err)
		}
	}
	return nil
}
