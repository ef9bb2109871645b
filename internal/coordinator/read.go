package coordinator

import (
	"context"
	"errors"
	"fmt"

	"dsgate/internal/blobstore"
	"dsgate/internal/gwerr"
	"dsgate/internal/models"
)

// readAttempts covers one concurrent repoint between the record lookup and
// the blob access.
const readAttempts = 2

// Get resolves an entity and presigns its blob. When the record exists but
// its blob does not, the returned entity carries status ORPHANED_RECORD and
// the error wraps ErrConflictOrphan. Entities that are being deleted are
// returned with status DELETING and no handle.
func (c *Coordinator) Get(ctx context.Context, entityID string) (models.Entity, error) {
	var zero models.Entity
	entityID, err := validateEntityID(entityID)
	if err != nil {
		return zero, err
	}

	var lastKey string
	for attempt := 0; attempt < readAttempts; attempt++ {
		entity, err := c.lookupEntity(ctx, entityID)
		if err != nil {
			return zero, err
		}
		if entity.Status == models.EntityDeleting {
			return entity, nil
		}
		if entity.Blob.IsZero() {
			return orphanedRecord(entity, "record has no blob reference")
		}

		callCtx, cancel := c.call(ctx)
		handle, err := c.blobs.Presign(callCtx, entity.Blob, c.cfg.PresignTTL)
		cancel()
		switch {
		case err == nil:
			entity.Handle = &handle
			return entity, nil
		case errors.Is(err, gwerr.ErrNotFound):
			if entity.Blob.Key != lastKey && attempt+1 < readAttempts {
				lastKey = entity.Blob.Key
				continue
			}
			return orphanedRecord(entity, "blob "+entity.Blob.String()+" is missing")
		default:
			return zero, gwerr.FromContext("blob presign", err)
		}
	}
	return zero, gwerr.Unavailable("entity read", nil)
}

// Content returns the blob bytes of an entity, verified against the content
// hash stored on its record.
func (c *Coordinator) Content(ctx context.Context, entityID string) ([]byte, models.Entity, error) {
	var zero models.Entity
	entityID, err := validateEntityID(entityID)
	if err != nil {
		return nil, zero, err
	}

	var lastKey string
	for attempt := 0; attempt < readAttempts; attempt++ {
		entity, err := c.lookupEntity(ctx, entityID)
		if err != nil {
			return nil, zero, err
		}
		if entity.Status == models.EntityDeleting {
			return nil, zero, gwerr.NotFound("entity %s is being deleted", entityID)
		}
		if entity.Blob.IsZero() {
			entity, err = orphanedRecord(entity, "record has no blob reference")
			return nil, entity, err
		}

		callCtx, cancel := c.call(ctx)
		data, err := c.blobs.Get(callCtx, entity.Blob)
		cancel()
		switch {
		case err == nil:
			if entity.ContentHash != "" && blobstore.ContentHash(data) != entity.ContentHash {
				if entity.Blob.Key != lastKey && attempt+1 < readAttempts {
					lastKey = entity.Blob.Key
					continue
				}
				entity, err = orphanedRecord(entity, "content hash mismatch for blob "+entity.Blob.String())
				return nil, entity, err
			}
			return data, entity, nil
		case errors.Is(err, gwerr.ErrNotFound):
			if entity.Blob.Key != lastKey && attempt+1 < readAttempts {
				lastKey = entity.Blob.Key
				continue
			}
			entity, err = orphanedRecord(entity, "blob "+entity.Blob.String()+" is missing")
			return nil, entity, err
		default:
			return nil, zero, gwerr.FromContext("blob get", err)
		}
	}
	return nil, zero, gwerr.Unavailable("entity read", nil)
}

func (c *Coordinator) lookupEntity(ctx context.Context, entityID string) (models.Entity, error) {
	rec, err := c.findRecord(ctx, entityID)
	if err != nil {
		return models.Entity{}, err
	}
	entity, ok := models.EntityFromRecord(rec)
	if !ok {
		return models.Entity{}, gwerr.NotFound("entity %s", entityID)
	}
	return entity, nil
}

func orphanedRecord(entity models.Entity, detail string) (models.Entity, error) {
	entity.Status = models.EntityOrphanedRecord
	entity.Handle = nil
	return entity, fmt.Errorf("entity %s: %s: %w", entity.EntityID, detail, gwerr.ErrConflictOrphan)
}
