package server

const (
	// Validation (1xxx)
	ErrCodeInvalidArgument  = 1000
	ErrCodeInvalidJSON      = 1001
	ErrCodeRequestTooLarge  = 1002
	ErrCodeInvalidQuery     = 1003
	ErrCodeInvalidID        = 1004
	ErrCodeInvalidPageToken = 1005
	ErrCodeMissingRequired  = 1009

	// Domain state (2xxx)
	ErrCodeEntityNotFound = 2001
	ErrCodeBlobNotFound   = 2002
	ErrCodeConflictOrphan = 2102

	// Access & limits (3xxx)
	ErrCodeForbidden         = 3002
	ErrCodeResourceExhausted = 3003
	ErrCodeQuotaExceeded     = 3004

	// Internal/system (4xxx)
	ErrCodeInternal         = 4001
	ErrCodeStoreUnavailable = 4002
	ErrCodeCreateFailed     = 4003
)

func defaultErrorCodeByStatus(status int) int {
	switch status {
	case 400:
		return ErrCodeInvalidArgument
	case 403:
		return ErrCodeForbidden
	case 404:
		return ErrCodeEntityNotFound
	case 409:
		return ErrCodeConflictOrphan
	case 429:
		return ErrCodeResourceExhausted
	case 500:
		return ErrCodeInternal
	case 502:
		return ErrCodeCreateFailed
	case 503:
		return ErrCodeStoreUnavailable
	case 507:
		return ErrCodeQuotaExceeded
	default:
		return 0
	}
}
