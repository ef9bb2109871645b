package coordinator

import (
	"context"
	"strings"

	"dsgate/internal/blobstore"
	"dsgate/internal/gwerr"
	"dsgate/internal/models"
)

// UpdateInput describes changes to an entity. Properties is a merge patch
// over the user properties: keys set to nil are removed, absent keys are
// kept. Property-only updates never touch the blob store.
type UpdateInput struct {
	ReplaceContent bool
	Content        []byte
	ContentType    string
	Properties     map[string]any
}

// Update applies in to an entity. New content is written under a fresh key
// and the record is repointed before the previous blob is removed, so the
// record never references a blob that does not exist. If the repoint fails
// the record is read back: when it already points at the new blob the
// update stands, otherwise the new blob is deleted and the previous content
// stays authoritative. If that read also fails the new blob is kept and
// reconciliation settles the entity.
func (c *Coordinator) Update(ctx context.Context, entityID string, in UpdateInput) (models.Entity, error) {
	var zero models.Entity
	entityID, err := validateEntityID(entityID)
	if err != nil {
		return zero, err
	}
	if !in.ReplaceContent && len(in.Properties) == 0 {
		return zero, gwerr.Validation("update requires content or properties")
	}
	if err := validateUserProperties(in.Properties); err != nil {
		return zero, err
	}

	rec, err := c.findRecord(ctx, entityID)
	if err != nil {
		return zero, err
	}
	current, ok := models.EntityFromRecord(rec)
	if !ok {
		return zero, gwerr.NotFound("entity %s", entityID)
	}
	if current.Status == models.EntityDeleting {
		return zero, gwerr.NotFound("entity %s is being deleted", entityID)
	}

	props := copyProperties(rec.Properties)
	for key, value := range in.Properties {
		if value == nil {
			delete(props, key)
			continue
		}
		props[key] = value
	}

	var newBlob models.BlobRef
	if in.ReplaceContent {
		contentType := strings.TrimSpace(in.ContentType)
		if contentType == "" {
			contentType = current.ContentType
		}
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		hash := blobstore.ContentHash(in.Content)

		putCtx, cancel := c.call(ctx)
		newBlob, err = c.blobs.Put(putCtx, c.cfg.Bucket, blobKeyFor(entityID), in.Content, blobstore.PutOptions{
			ContentType: contentType,
			Metadata: map[string]string{
				models.BlobMetaEntityID:    entityID,
				models.BlobMetaClass:       rec.Ref.Class,
				models.BlobMetaContentHash: hash,
			},
		})
		cancel()
		if err != nil {
			return zero, gwerr.FromContext("blob put", err)
		}

		props[models.PropBlobBucket] = newBlob.Bucket
		props[models.PropBlobKey] = newBlob.Key
		props[models.PropContentHash] = hash
		props[models.PropSizeBytes] = len(in.Content)
		props[models.PropContentType] = contentType
	}

	recCtx, cancel := c.call(ctx)
	updated, err := c.records.Update(recCtx, rec.Ref, props)
	cancel()
	if err != nil && in.ReplaceContent {
		committed, outcome := c.repointState(ctx, rec.Ref, newBlob)
		switch outcome {
		case repointApplied:
			c.log.Info("repoint committed despite error", "entity_id", entityID, "blob", newBlob.String(), "err", err)
			updated, err = committed, nil
		case repointRejected:
			c.log.Warn("repoint failed, removing new revision", "entity_id", entityID, "blob", newBlob.String(), "err", err)
			c.deleteBlobDetached(ctx, newBlob, "update compensation")
		default:
			c.log.Warn("repoint outcome unknown, leaving new revision for reconciliation", "entity_id", entityID, "blob", newBlob.String(), "err", err)
		}
	}
	if err != nil {
		return zero, gwerr.FromContext("record update", err)
	}

	if in.ReplaceContent && !current.Blob.IsZero() && current.Blob != newBlob {
		c.deleteBlobDetached(ctx, current.Blob, "superseded revision")
	}

	entity, ok := models.EntityFromRecord(updated)
	if !ok {
		return zero, gwerr.NotFound("entity %s", entityID)
	}
	return entity, nil
}

type repointOutcome int

const (
	repointUnknown repointOutcome = iota
	repointApplied
	repointRejected
)

// repointState re-reads ref after a failed update to learn whether the
// write landed anyway. The record is returned when it did.
func (c *Coordinator) repointState(ctx context.Context, ref models.RecordRef, blob models.BlobRef) (models.Record, repointOutcome) {
	dctx, cancel := c.detached(ctx)
	defer cancel()
	rec, err := c.records.Get(dctx, ref)
	if err != nil {
		return models.Record{}, repointUnknown
	}
	current, ok := models.EntityFromRecord(rec)
	if ok && current.Blob == blob {
		return rec, repointApplied
	}
	return models.Record{}, repointRejected
}
