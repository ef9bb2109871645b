package blobstore

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"dsgate/internal/gwerr"
	"dsgate/internal/models"
)

// ContentHash returns the hex SHA-256 digest used as a blob's integrity hash.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// EncodePageToken wraps the last key of a page into an opaque token.
func EncodePageToken(lastKey string) string {
	if lastKey == "" {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString([]byte(lastKey))
}

// DecodePageToken returns the key a listing resumes after.
func DecodePageToken(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", gwerr.Validation("invalid page token")
	}
	return string(raw), nil
}

func normalizeMetadata(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" {
			continue
		}
		out[k] = v
	}
	return out
}

func validateRef(ref models.BlobRef) error {
	if err := ref.Validate(); err != nil {
		return gwerr.Validation("%v", err)
	}
	if strings.Contains(ref.Key, "..") {
		return gwerr.Validation("invalid blob key %q", ref.Key)
	}
	return nil
}

func validateBucket(bucket string) error {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return gwerr.Validation("blob bucket is required")
	}
	if strings.ContainsAny(bucket, `/\`) || bucket == "." || bucket == ".." {
		return gwerr.Validation("invalid bucket %q", bucket)
	}
	return nil
}

func quotaError(bucket string, used, add, quota int64) error {
	return fmt.Errorf("bucket %s: %d+%d bytes exceeds quota %d: %w", bucket, used, add, quota, gwerr.ErrQuotaExceeded)
}
