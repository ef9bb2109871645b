package api

import "dsgate/internal/models"

// ErrorResponse is a generic JSON error wrapper.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	ErrorCode int    `json:"error_code,omitempty"`
}

// IdempotencyKeyHeader carries the idempotency key of a create request.
const IdempotencyKeyHeader = "Idempotency-Key"

// EntityCreateRequest is the payload for creating an entity. Content is
// base64 in JSON.
type EntityCreateRequest struct {
	Class          string         `json:"class,omitempty"`
	Content        []byte         `json:"content"`
	ContentType    string         `json:"content_type,omitempty"`
	Properties     map[string]any `json:"properties,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

// EntityUpdateRequest is the payload for updating an entity. A nil Content
// leaves the blob untouched. Properties is a merge patch: null removes a key.
type EntityUpdateRequest struct {
	Content     *[]byte        `json:"content,omitempty"`
	ContentType string         `json:"content_type,omitempty"`
	Properties  map[string]any `json:"properties,omitempty"`
}

// EntityResponse is one entity. Error explains a non-COMPLETE status in
// listings and conflict responses.
type EntityResponse struct {
	models.Entity
	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`
}

// EntityListResponse is one page of entities.
type EntityListResponse struct {
	Items         []EntityResponse `json:"items"`
	NextPageToken string           `json:"next_page_token,omitempty"`
}

// ReconcileRequest triggers one reconciliation sweep.
type ReconcileRequest struct {
	ScanLimit       int    `json:"scan_limit,omitempty"`
	BlobPageToken   string `json:"blob_page_token,omitempty"`
	RecordPageToken string `json:"record_page_token,omitempty"`
	DryRun          bool   `json:"dry_run,omitempty"`
}

// ReconcileResponse is the sweep report.
type ReconcileResponse = models.ReconciliationReport

// HealthResponse reports gateway liveness.
type HealthResponse struct {
	Status string `json:"status"`
}
