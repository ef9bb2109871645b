// Package gwerr defines the gateway error taxonomy shared by the adapters,
// the coordinator and the transport layer.
package gwerr

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrValidation       = errors.New("validation error")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrQuotaExceeded    = errors.New("quota exceeded")
	ErrCreateFailed     = errors.New("create failed")
	ErrConflictOrphan   = errors.New("conflict: orphaned entity")
)

// Stable string codes returned by Code.
const (
	CodeNotFound         = "not_found"
	CodeValidation       = "validation_error"
	CodeStoreUnavailable = "store_unavailable"
	CodeQuotaExceeded    = "quota_exceeded"
	CodeCreateFailed     = "create_failed"
	CodeConflictOrphan   = "conflict_orphan"
	CodeInternal         = "internal"
)

// Code classifies err into one taxonomy code. CreateFailed and
// ConflictOrphan are checked first since they describe entity-level outcomes.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCreateFailed):
		return CodeCreateFailed
	case errors.Is(err, ErrConflictOrphan):
		return CodeConflictOrphan
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrQuotaExceeded):
		return CodeQuotaExceeded
	case errors.Is(err, ErrStoreUnavailable):
		return CodeStoreUnavailable
	default:
		return CodeInternal
	}
}

// NotFound wraps a formatted message with ErrNotFound.
func NotFound(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrNotFound)
}

// Validation wraps a formatted message with ErrValidation.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrValidation)
}

// Unavailable wraps cause with ErrStoreUnavailable.
func Unavailable(op string, cause error) error {
	if cause == nil {
		return fmt.Errorf("%s: %w", op, ErrStoreUnavailable)
	}
	return fmt.Errorf("%s: %w: %v", op, ErrStoreUnavailable, cause)
}

// CreateFailed reports an aborted create. The cause is kept as text only so
// callers never see the backend error kind passed through.
func CreateFailed(cause error) error {
	if cause == nil {
		return ErrCreateFailed
	}
	return fmt.Errorf("%w: %v", ErrCreateFailed, cause)
}

// IsTransient reports whether err may succeed on retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}

// FromContext converts context expiry into StoreUnavailable so a blown
// deadline never surfaces as a hang or a raw context error.
func FromContext(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Unavailable(op, err)
	}
	return err
}
