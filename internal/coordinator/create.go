package coordinator

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"dsgate/internal/blobstore"
	"dsgate/internal/gwerr"
	"dsgate/internal/models"
	"dsgate/internal/recordstore"
)

const maxIdempotencyKeyLen = 256

// CreateInput describes a new entity.
type CreateInput struct {
	Class       string
	Content     []byte
	ContentType string
	Properties  map[string]any
	// IdempotencyKey makes a retried create return the entity produced by
	// the first successful attempt.
	IdempotencyKey string
}

// Create writes the blob, then the record. A failed record write deletes the
// blob again and reports ErrCreateFailed; if that delete fails too, the blob
// stays tagged with its entity id and Reconcile removes it.
func (c *Coordinator) Create(ctx context.Context, in CreateInput) (models.Entity, error) {
	var zero models.Entity
	class, err := c.ResolveClass(in.Class)
	if err != nil {
		return zero, err
	}
	if err := validateUserProperties(in.Properties); err != nil {
		return zero, err
	}
	idemKey := strings.TrimSpace(in.IdempotencyKey)
	if len(idemKey) > maxIdempotencyKeyLen {
		return zero, gwerr.Validation("idempotency key too long")
	}
	contentType := strings.TrimSpace(in.ContentType)
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	if idemKey != "" {
		existing, found, err := c.lookupIdempotent(ctx, class, idemKey)
		if err != nil {
			return zero, err
		}
		if found {
			return existing, nil
		}
	}

	entityID := uuid.NewString()
	hash := blobstore.ContentHash(in.Content)

	putCtx, cancel := c.call(ctx)
	ref, err := c.blobs.Put(putCtx, c.cfg.Bucket, blobKeyFor(entityID), in.Content, blobstore.PutOptions{
		ContentType: contentType,
		Metadata: map[string]string{
			models.BlobMetaEntityID:    entityID,
			models.BlobMetaClass:       class,
			models.BlobMetaContentHash: hash,
		},
	})
	cancel()
	if err != nil {
		return zero, gwerr.CreateFailed(gwerr.FromContext("blob put", err))
	}

	props := copyProperties(in.Properties)
	props[models.PropEntityID] = entityID
	props[models.PropBlobBucket] = ref.Bucket
	props[models.PropBlobKey] = ref.Key
	props[models.PropContentHash] = hash
	props[models.PropSizeBytes] = len(in.Content)
	props[models.PropContentType] = contentType
	props[models.PropEntityStatus] = string(models.EntityComplete)
	if idemKey != "" {
		props[models.PropIdempotencyKey] = idemKey
	}

	recCtx, cancel := c.call(ctx)
	recRef, err := c.records.Create(recCtx, class, props, recordstore.CreateOptions{})
	cancel()
	if err != nil {
		cause := gwerr.FromContext("record create", err)
		c.log.Warn("record write failed, compensating", "entity_id", entityID, "blob", ref.String(), "err", cause)
		c.deleteBlobDetached(ctx, ref, "create compensation")
		return zero, gwerr.CreateFailed(cause)
	}

	now := c.now().UTC()
	entity := models.Entity{
		EntityID:    entityID,
		Blob:        ref,
		Record:      recRef,
		Status:      models.EntityComplete,
		ContentHash: hash,
		SizeBytes:   uint64(len(in.Content)),
		ContentType: contentType,
		Properties:  copyProperties(in.Properties),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if idemKey != "" {
		return c.settleIdempotencyRace(ctx, class, idemKey, entity)
	}
	return entity, nil
}

// lookupIdempotent finds a completed entity created with key.
func (c *Coordinator) lookupIdempotent(ctx context.Context, class, key string) (models.Entity, bool, error) {
	callCtx, cancel := c.call(ctx)
	matches, err := c.records.QueryByProperty(callCtx, class, models.PropIdempotencyKey, key)
	cancel()
	if err != nil {
		return models.Entity{}, false, gwerr.FromContext("idempotency lookup", err)
	}
	for _, rec := range matches {
		entity, ok := models.EntityFromRecord(rec)
		if !ok || entity.Status == models.EntityDeleting {
			continue
		}
		return entity, true, nil
	}
	return models.Entity{}, false, nil
}

// settleIdempotencyRace handles two creates with one key that both missed the
// lookup. The earliest record wins; the loser removes its own halves and
// returns the winner.
func (c *Coordinator) settleIdempotencyRace(ctx context.Context, class, key string, mine models.Entity) (models.Entity, error) {
	callCtx, cancel := c.call(ctx)
	matches, err := c.records.QueryByProperty(callCtx, class, models.PropIdempotencyKey, key)
	cancel()
	if err != nil || len(matches) < 2 {
		return mine, nil
	}
	winner, ok := models.EntityFromRecord(matches[0])
	if !ok || winner.EntityID == mine.EntityID {
		return mine, nil
	}

	c.log.Info("idempotent create lost race", "entity_id", mine.EntityID, "winner", winner.EntityID, "idempotency_key", key)
	dctx, dcancel := c.detached(ctx)
	defer dcancel()
	if err := c.records.Delete(dctx, mine.Record); err != nil {
		c.log.Warn("duplicate record left for reconciliation", "record", mine.Record.String(), "err", err)
		return mine, nil
	}
	c.deleteBlobDetached(ctx, mine.Blob, "idempotency race")
	return winner, nil
}
