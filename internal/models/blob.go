package models

import (
	"fmt"
	"strings"
	"time"
)

// BlobRef identifies one stored object. The pair is the blob store's natural key.
type BlobRef struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

// String renders the ref as bucket/key.
func (r BlobRef) String() string {
	return r.Bucket + "/" + r.Key
}

// IsZero reports whether the ref is unset.
func (r BlobRef) IsZero() bool {
	return r.Bucket == "" && r.Key == ""
}

// Validate checks that both halves of the ref are present and well formed.
func (r BlobRef) Validate() error {
	if strings.TrimSpace(r.Bucket) == "" {
		return fmt.Errorf("blob bucket is required")
	}
	if strings.TrimSpace(r.Key) == "" {
		return fmt.Errorf("blob key is required")
	}
	if strings.HasPrefix(r.Key, "/") {
		return fmt.Errorf("blob key must be relative")
	}
	return nil
}

// BlobHandle is a presigned, time-limited read capability for one blob.
// It is recomputed on demand and never persisted beyond ExpiresAt.
type BlobHandle struct {
	Ref         BlobRef   `json:"ref"`
	SizeBytes   uint64    `json:"size_bytes"`
	ContentHash string    `json:"content_hash"`
	AccessURL   string    `json:"access_url"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Expired reports whether the handle is no longer usable at now, keeping
// margin of remaining validity in reserve.
func (h BlobHandle) Expired(now time.Time, margin time.Duration) bool {
	return !now.Add(margin).Before(h.ExpiresAt)
}

// BlobInfo describes a stored object without its bytes.
type BlobInfo struct {
	Ref          BlobRef           `json:"ref"`
	SizeBytes    uint64            `json:"size_bytes"`
	ContentHash  string            `json:"content_hash,omitempty"`
	ContentType  string            `json:"content_type,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	LastModified time.Time         `json:"last_modified"`
}

// EntityID returns the entityId tag stored on the blob, if any.
func (b BlobInfo) EntityID() string {
	return b.Metadata[BlobMetaEntityID]
}

// Blob metadata keys. Object stores lower-case user metadata keys, so the
// convention uses lower-case names throughout.
const (
	BlobMetaEntityID    = "entityid"
	BlobMetaClass       = "class"
	BlobMetaContentHash = "contenthash"
)
