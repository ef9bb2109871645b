package models

import (
	"fmt"
	"strings"
	"time"
)

// RecordRef identifies one record in the record store.
type RecordRef struct {
	Class string `json:"class"`
	ID    string `json:"id"`
}

// String renders the ref as class/id.
func (r RecordRef) String() string {
	return r.Class + "/" + r.ID
}

// Record is one indexed record with free-form JSON properties.
type Record struct {
	Ref        RecordRef      `json:"ref"`
	Properties map[string]any `json:"properties"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// StringProperty returns a string-valued property or "".
func (r Record) StringProperty(key string) string {
	if r.Properties == nil {
		return ""
	}
	switch v := r.Properties[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// Int64Property returns a numeric property. JSON decoding yields float64,
// so every numeric representation is accepted.
func (r Record) Int64Property(key string) int64 {
	if r.Properties == nil {
		return 0
	}
	switch v := r.Properties[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case uint64:
		return int64(v)
	case float64:
		return int64(v)
	case jsonNumber:
		n, _ := v.Int64()
		return n
	default:
		return 0
	}
}

type jsonNumber interface {
	Int64() (int64, error)
}

// Reserved record property names written by the coordinator.
const (
	PropEntityID       = "entityId"
	PropBlobBucket     = "blobBucket"
	PropBlobKey        = "blobKey"
	PropContentHash    = "contentHash"
	PropSizeBytes      = "sizeBytes"
	PropContentType    = "contentType"
	PropEntityStatus   = "entityStatus"
	PropIdempotencyKey = "idempotencyKey"
)

var reservedProperties = map[string]struct{}{
	PropEntityID:       {},
	PropBlobBucket:     {},
	PropBlobKey:        {},
	PropContentHash:    {},
	PropSizeBytes:      {},
	PropContentType:    {},
	PropEntityStatus:   {},
	PropIdempotencyKey: {},
}

// IsReservedProperty reports whether name is owned by the coordinator.
func IsReservedProperty(name string) bool {
	_, ok := reservedProperties[name]
	return ok
}

// UserProperties returns a copy of props without reserved keys.
func UserProperties(props map[string]any) map[string]any {
	out := make(map[string]any, len(props))
	for k, v := range props {
		if IsReservedProperty(k) {
			continue
		}
		out[k] = v
	}
	return out
}

// ValidateClass checks a record class name.
func ValidateClass(class string) error {
	class = strings.TrimSpace(class)
	if class == "" {
		return fmt.Errorf("class is required")
	}
	for i, r := range class {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z':
		case (r >= '0' && r <= '9' || r == '_') && i > 0:
		default:
			return fmt.Errorf("invalid class %q", class)
		}
	}
	return nil
}
