package coordinator

import (
	"context"
	"errors"

	"dsgate/internal/blobstore"
	"dsgate/internal/gwerr"
	"dsgate/internal/models"
)

// Delete removes an entity: the record is marked DELETING, then deleted,
// then every blob under the entity's key prefix is removed. Each step is
// idempotent, so a Delete interrupted at any point can be retried. A retry
// after the record is gone cleans up the remaining blobs; ErrNotFound is
// returned only when nothing of the entity is left.
func (c *Coordinator) Delete(ctx context.Context, entityID string) error {
	entityID, err := validateEntityID(entityID)
	if err != nil {
		return err
	}

	rec, err := c.findRecord(ctx, entityID)
	if errors.Is(err, gwerr.ErrNotFound) {
		removed, err := c.deleteEntityBlobs(ctx, entityID, models.BlobRef{})
		if err != nil {
			return err
		}
		if removed == 0 {
			return gwerr.NotFound("entity %s", entityID)
		}
		c.log.Info("finished interrupted delete", "entity_id", entityID, "blobs", removed)
		return nil
	}
	if err != nil {
		return err
	}

	entity, _ := models.EntityFromRecord(rec)
	if entity.Status != models.EntityDeleting {
		props := copyProperties(rec.Properties)
		props[models.PropEntityStatus] = string(models.EntityDeleting)
		callCtx, cancel := c.call(ctx)
		_, err := c.records.Update(callCtx, rec.Ref, props)
		cancel()
		if err != nil && !errors.Is(err, gwerr.ErrNotFound) {
			return gwerr.FromContext("mark deleting", err)
		}
	}

	callCtx, cancel := c.call(ctx)
	err = c.records.Delete(callCtx, rec.Ref)
	cancel()
	if err != nil {
		return gwerr.FromContext("record delete", err)
	}

	if _, err := c.deleteEntityBlobs(ctx, entityID, entity.Blob); err != nil {
		return err
	}
	return nil
}

// deleteEntityBlobs removes known (when set) and every blob under the
// entity's prefix. It returns how many blobs were found.
func (c *Coordinator) deleteEntityBlobs(ctx context.Context, entityID string, known models.BlobRef) (int, error) {
	refs, err := c.listEntityBlobs(ctx, entityID)
	if err != nil {
		return 0, err
	}
	if !known.IsZero() {
		found := false
		for _, ref := range refs {
			if ref == known {
				found = true
				break
			}
		}
		if !found {
			refs = append(refs, known)
		}
	}
	for _, ref := range refs {
		callCtx, cancel := c.call(ctx)
		err := c.blobs.Delete(callCtx, ref)
		cancel()
		if err != nil {
			return 0, gwerr.FromContext("blob delete", err)
		}
	}
	return len(refs), nil
}

// listEntityBlobs returns every revision stored for entityID.
func (c *Coordinator) listEntityBlobs(ctx context.Context, entityID string) ([]models.BlobRef, error) {
	var (
		out   []models.BlobRef
		token string
	)
	for {
		callCtx, cancel := c.call(ctx)
		page, err := c.blobs.List(callCtx, c.cfg.Bucket, blobstore.ListOptions{
			Prefix:    entityPrefix(entityID),
			PageToken: token,
			Limit:     blobstore.MaxListLimit,
		})
		cancel()
		if err != nil {
			return nil, gwerr.FromContext("blob list", err)
		}
		out = append(out, page.Items...)
		if page.NextPageToken == "" {
			return out, nil
		}
		token = page.NextPageToken
	}
}
