package coordinator

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"

	"dsgate/internal/blobstore"
	"dsgate/internal/gwerr"
	"dsgate/internal/models"
	"dsgate/internal/recordstore"
)

const DefaultScanLimit = 500

// ReconcileOptions tunes one sweep. ScanLimit bounds each side separately.
// Page tokens come from a previous report and resume that side.
type ReconcileOptions struct {
	ScanLimit       int
	BlobPageToken   string
	RecordPageToken string
	DryRun          bool
}

// Reconcile runs one sweep from the start of both stores.
func (c *Coordinator) Reconcile(ctx context.Context, scanLimit int) (models.ReconciliationReport, error) {
	return c.ReconcileWith(ctx, ReconcileOptions{ScanLimit: scanLimit})
}

// ReconcileWith scans up to ScanLimit records and ScanLimit blobs and repairs
// the orphans it finds:
//
//   - a record stuck in DELETING past the staleness window is deleted along
//     with its blobs;
//   - a record whose blob is missing is repointed at the newest revision
//     stored under its entity prefix, or deleted when there is none;
//   - a blob with no record is deleted;
//   - a blob whose record points at another, existing revision is deleted.
//
// Blobs and DELETING records younger than the staleness window belong to
// in-flight operations and are counted as pending. Records are swept before
// blobs so a revision that can still be repointed to is not removed first.
func (c *Coordinator) ReconcileWith(ctx context.Context, opts ReconcileOptions) (models.ReconciliationReport, error) {
	report := models.ReconciliationReport{DryRun: opts.DryRun}
	limit := opts.ScanLimit
	if limit <= 0 {
		limit = DefaultScanLimit
	}

	next, err := c.sweepRecords(ctx, &report, opts.RecordPageToken, limit, opts.DryRun)
	if err != nil {
		return report, err
	}
	report.NextRecordPageToken = next

	next, err = c.sweepBlobs(ctx, &report, opts.BlobPageToken, limit, opts.DryRun)
	if err != nil {
		return report, err
	}
	report.NextBlobPageToken = next

	c.log.Info("reconciliation finished",
		"records_scanned", report.RecordsScanned,
		"blobs_scanned", report.BlobsScanned,
		"orphans_found", report.OrphansFound,
		"orphans_resolved", report.OrphansResolved,
		"pending", report.PendingSkipped,
		"failed", report.Failed,
		"dry_run", report.DryRun,
	)
	return report, nil
}

func encodeSweepToken(class, inner string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(class + "\n" + inner))
}

func (c *Coordinator) decodeSweepToken(token string) (int, string, error) {
	if token == "" {
		return 0, "", nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return 0, "", gwerr.Validation("invalid record page token")
	}
	class, inner, ok := strings.Cut(string(raw), "\n")
	if !ok {
		return 0, "", gwerr.Validation("invalid record page token")
	}
	for i, configured := range c.cfg.Classes {
		if configured == class {
			return i, inner, nil
		}
	}
	return 0, "", gwerr.Validation("record page token names unknown class %q", class)
}

func (c *Coordinator) sweepRecords(ctx context.Context, report *models.ReconciliationReport, token string, limit int, dryRun bool) (string, error) {
	start, inner, err := c.decodeSweepToken(token)
	if err != nil {
		return "", err
	}
	classes := c.cfg.Classes
	for i := start; i < len(classes); i++ {
		class := classes[i]
		for {
			if report.RecordsScanned >= limit {
				return encodeSweepToken(class, inner), nil
			}
			callCtx, cancel := c.call(ctx)
			page, err := c.records.QueryByClass(callCtx, class, recordstore.QueryOptions{
				PageToken: inner,
				Limit:     min(limit-report.RecordsScanned, recordstore.MaxQueryLimit),
			})
			cancel()
			if err != nil {
				return "", gwerr.FromContext("record query", err)
			}
			for _, rec := range page.Items {
				report.RecordsScanned++
				c.inspectRecord(ctx, report, rec, dryRun)
			}
			inner = page.NextPageToken
			if inner == "" {
				break
			}
		}
	}
	return "", nil
}

func (c *Coordinator) sweepBlobs(ctx context.Context, report *models.ReconciliationReport, token string, limit int, dryRun bool) (string, error) {
	for report.BlobsScanned < limit {
		callCtx, cancel := c.call(ctx)
		page, err := c.blobs.List(callCtx, c.cfg.Bucket, blobstore.ListOptions{
			PageToken: token,
			Limit:     min(limit-report.BlobsScanned, blobstore.MaxListLimit),
		})
		cancel()
		if err != nil {
			return "", gwerr.FromContext("blob list", err)
		}
		for _, ref := range page.Items {
			report.BlobsScanned++
			c.inspectBlob(ctx, report, ref, dryRun)
		}
		token = page.NextPageToken
		if token == "" {
			return "", nil
		}
	}
	return token, nil
}

func (c *Coordinator) inspectRecord(ctx context.Context, report *models.ReconciliationReport, rec models.Record, dryRun bool) {
	entity, ok := models.EntityFromRecord(rec)
	if !ok {
		return
	}
	recRef := rec.Ref
	stale := c.now().Sub(rec.UpdatedAt) >= c.cfg.StalenessWindow

	if entity.Status == models.EntityDeleting {
		if !stale {
			report.PendingSkipped++
			return
		}
		c.resolve(ctx, report, dryRun, models.OrphanResolution{
			EntityID: entity.EntityID,
			Kind:     models.EntityDeleting,
			Record:   &recRef,
			Action:   models.ActionFinishedDelete,
		}, func(ctx context.Context) error {
			callCtx, cancel := c.call(ctx)
			err := c.records.Delete(callCtx, recRef)
			cancel()
			if err != nil {
				return err
			}
			_, err = c.deleteEntityBlobs(ctx, entity.EntityID, entity.Blob)
			return err
		})
		return
	}

	if !entity.Blob.IsZero() {
		callCtx, cancel := c.call(ctx)
		_, err := c.blobs.Stat(callCtx, entity.Blob)
		cancel()
		if err == nil {
			return
		}
		if !errors.Is(err, gwerr.ErrNotFound) {
			c.fail(report, entity.EntityID, err)
			return
		}
	}

	// Rule out a repoint that happened after the page was read.
	callCtx, cancel := c.call(ctx)
	fresh, err := c.records.Get(callCtx, recRef)
	cancel()
	if errors.Is(err, gwerr.ErrNotFound) {
		return
	}
	if err != nil {
		c.fail(report, entity.EntityID, err)
		return
	}
	if freshEntity, ok := models.EntityFromRecord(fresh); !ok || freshEntity.Blob != entity.Blob || freshEntity.Status != entity.Status {
		return
	}

	candidate, found, err := c.newestRevision(ctx, entity.EntityID)
	if err != nil {
		c.fail(report, entity.EntityID, err)
		return
	}
	if found {
		blobRef := candidate.Ref
		c.resolve(ctx, report, dryRun, models.OrphanResolution{
			EntityID: entity.EntityID,
			Kind:     models.EntityOrphanedRecord,
			Blob:     &blobRef,
			Record:   &recRef,
			Action:   models.ActionRepointed,
		}, func(ctx context.Context) error {
			props := copyProperties(fresh.Properties)
			props[models.PropBlobBucket] = candidate.Ref.Bucket
			props[models.PropBlobKey] = candidate.Ref.Key
			props[models.PropSizeBytes] = candidate.SizeBytes
			if hash := candidate.Metadata[models.BlobMetaContentHash]; hash != "" {
				props[models.PropContentHash] = hash
			} else if candidate.ContentHash != "" {
				props[models.PropContentHash] = candidate.ContentHash
			}
			if candidate.ContentType != "" {
				props[models.PropContentType] = candidate.ContentType
			}
			callCtx, cancel := c.call(ctx)
			defer cancel()
			_, err := c.records.Update(callCtx, recRef, props)
			return err
		})
		return
	}

	c.resolve(ctx, report, dryRun, models.OrphanResolution{
		EntityID: entity.EntityID,
		Kind:     models.EntityOrphanedRecord,
		Record:   &recRef,
		Action:   models.ActionDeletedRecord,
	}, func(ctx context.Context) error {
		callCtx, cancel := c.call(ctx)
		defer cancel()
		return c.records.Delete(callCtx, recRef)
	})
}

// newestRevision returns the most recently written blob stored for entityID.
func (c *Coordinator) newestRevision(ctx context.Context, entityID string) (models.BlobInfo, bool, error) {
	refs, err := c.listEntityBlobs(ctx, entityID)
	if err != nil {
		return models.BlobInfo{}, false, err
	}
	var (
		best  models.BlobInfo
		found bool
	)
	for _, ref := range refs {
		callCtx, cancel := c.call(ctx)
		info, err := c.blobs.Stat(callCtx, ref)
		cancel()
		if errors.Is(err, gwerr.ErrNotFound) {
			continue
		}
		if err != nil {
			return models.BlobInfo{}, false, gwerr.FromContext("blob stat", err)
		}
		if info.EntityID() != entityID {
			continue
		}
		if !found || info.LastModified.After(best.LastModified) {
			best, found = info, true
		}
	}
	return best, found, nil
}

func (c *Coordinator) inspectBlob(ctx context.Context, report *models.ReconciliationReport, ref models.BlobRef, dryRun bool) {
	callCtx, cancel := c.call(ctx)
	info, err := c.blobs.Stat(callCtx, ref)
	cancel()
	if errors.Is(err, gwerr.ErrNotFound) {
		return
	}
	if err != nil {
		c.fail(report, "", err)
		return
	}
	entityID := info.EntityID()
	if entityID == "" {
		c.log.Debug("skipping untagged blob", "blob", ref.String())
		return
	}
	if c.now().Sub(info.LastModified) < c.cfg.StalenessWindow {
		report.PendingSkipped++
		return
	}

	classes := c.cfg.Classes
	if class := info.Metadata[models.BlobMetaClass]; class != "" {
		if _, ok := c.classes[class]; ok {
			classes = append([]string{class}, classes...)
		}
	}
	rec, err := c.findRecordIn(ctx, entityID, classes)
	if err != nil && !errors.Is(err, gwerr.ErrNotFound) {
		c.fail(report, entityID, err)
		return
	}

	blobRef := ref
	if err == nil {
		entity, _ := models.EntityFromRecord(rec)
		if entity.Blob == ref || entity.Status == models.EntityDeleting {
			return
		}
		// Only a revision superseded by a readable one is stale; otherwise the
		// record sweep may still repoint to it.
		callCtx, cancel := c.call(ctx)
		_, statErr := c.blobs.Stat(callCtx, entity.Blob)
		cancel()
		if statErr != nil {
			if !errors.Is(statErr, gwerr.ErrNotFound) {
				c.fail(report, entityID, statErr)
			}
			return
		}
	}

	c.resolve(ctx, report, dryRun, models.OrphanResolution{
		EntityID: entityID,
		Kind:     models.EntityOrphanedBlob,
		Blob:     &blobRef,
		Action:   models.ActionDeletedBlob,
	}, func(ctx context.Context) error {
		callCtx, cancel := c.call(ctx)
		defer cancel()
		return c.blobs.Delete(callCtx, blobRef)
	})
}

// resolve records one orphan and, unless dryRun, applies the repair.
func (c *Coordinator) resolve(ctx context.Context, report *models.ReconciliationReport, dryRun bool, res models.OrphanResolution, apply func(context.Context) error) {
	report.OrphansFound++
	if dryRun {
		report.Resolutions = append(report.Resolutions, res)
		return
	}
	if err := apply(ctx); err != nil {
		err = gwerr.FromContext(res.Action, err)
		res.Error = err.Error()
		report.Failed++
		c.log.Warn("orphan repair failed", "entity_id", res.EntityID, "kind", res.Kind, "action", res.Action, "err", err)
	} else {
		report.OrphansResolved++
		c.log.Info("orphan repaired", "entity_id", res.EntityID, "kind", res.Kind, "action", res.Action)
	}
	report.Resolutions = append(report.Resolutions, res)
}

func (c *Coordinator) fail(report *models.ReconciliationReport, entityID string, err error) {
	report.Failed++
	c.log.Warn("reconciliation check failed", "entity_id", entityID, "err", err)
}
