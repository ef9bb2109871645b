package models

import (
	"fmt"
	"strings"
	"time"
)

// EntityStatus describes where a logical entity is in its lifecycle.
type EntityStatus string

const (
	EntityPending        EntityStatus = "PENDING"
	EntityComplete       EntityStatus = "COMPLETE"
	EntityOrphanedBlob   EntityStatus = "ORPHANED_BLOB"
	EntityOrphanedRecord EntityStatus = "ORPHANED_RECORD"
	EntityDeleting       EntityStatus = "DELETING"
	EntityDeleted        EntityStatus = "DELETED"
)

var validEntityStatuses = map[EntityStatus]struct{}{
	EntityPending:        {},
	EntityComplete:       {},
	EntityOrphanedBlob:   {},
	EntityOrphanedRecord: {},
	EntityDeleting:       {},
	EntityDeleted:        {},
}

// ParseEntityStatus parses a status name, case-insensitively.
func ParseEntityStatus(raw string) (EntityStatus, error) {
	status := EntityStatus(strings.ToUpper(strings.TrimSpace(raw)))
	if _, ok := validEntityStatuses[status]; !ok {
		return "", fmt.Errorf("invalid entity status %q", raw)
	}
	return status, nil
}

// Entity joins one blob and one record through EntityID.
type Entity struct {
	EntityID    string         `json:"entity_id"`
	Blob        BlobRef        `json:"blob"`
	Record      RecordRef      `json:"record"`
	Status      EntityStatus   `json:"status"`
	ContentHash string         `json:"content_hash,omitempty"`
	SizeBytes   uint64         `json:"size_bytes"`
	ContentType string         `json:"content_type,omitempty"`
	Properties  map[string]any `json:"properties,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`

	// Handle is set by reads that presign the blob.
	Handle *BlobHandle `json:"handle,omitempty"`
}

// EntityFromRecord rebuilds the entity view stored in a record's reserved
// properties. ok is false when the record carries no entityId.
func EntityFromRecord(rec Record) (Entity, bool) {
	id := rec.StringProperty(PropEntityID)
	if id == "" {
		return Entity{}, false
	}
	status := EntityComplete
	if raw := rec.StringProperty(PropEntityStatus); raw != "" {
		if parsed, err := ParseEntityStatus(raw); err == nil {
			status = parsed
		}
	}
	size := rec.Int64Property(PropSizeBytes)
	if size < 0 {
		size = 0
	}
	return Entity{
		EntityID: id,
		Blob: BlobRef{
			Bucket: rec.StringProperty(PropBlobBucket),
			Key:    rec.StringProperty(PropBlobKey),
		},
		Record:      rec.Ref,
		Status:      status,
		ContentHash: rec.StringProperty(PropContentHash),
		SizeBytes:   uint64(size),
		ContentType: rec.StringProperty(PropContentType),
		Properties:  UserProperties(rec.Properties),
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   rec.UpdatedAt,
	}, true
}

// ReconciliationReport summarizes one reconciliation sweep.
type ReconciliationReport struct {
	OrphansFound    int  `json:"orphans_found"`
	OrphansResolved int  `json:"orphans_resolved"`
	BlobsScanned    int  `json:"blobs_scanned"`
	RecordsScanned  int  `json:"records_scanned"`
	PendingSkipped  int  `json:"pending_skipped"`
	Failed          int  `json:"failed"`
	DryRun          bool `json:"dry_run"`

	// Next tokens resume the sweep where this one stopped. Empty means the
	// side was fully scanned.
	NextBlobPageToken   string `json:"next_blob_page_token,omitempty"`
	NextRecordPageToken string `json:"next_record_page_token,omitempty"`

	Resolutions []OrphanResolution `json:"resolutions,omitempty"`
}

// OrphanResolution describes one orphan and what the sweep did about it.
type OrphanResolution struct {
	EntityID string       `json:"entity_id,omitempty"`
	Kind     EntityStatus `json:"kind"`
	Blob     *BlobRef     `json:"blob,omitempty"`
	Record   *RecordRef   `json:"record,omitempty"`
	Action   string       `json:"action"`
	Error    string       `json:"error,omitempty"`
}

// Resolution actions.
const (
	ActionDeletedBlob    = "deleted_blob"
	ActionDeletedRecord  = "deleted_record"
	ActionRepointed      = "repointed_record"
	ActionFinishedDelete = "finished_delete"
	ActionNone           = "none"
)
