package recordstore

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"dsgate/internal/gwerr"
	"dsgate/internal/models"
)

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultQueryLimit
	}
	if limit > MaxQueryLimit {
		return MaxQueryLimit
	}
	return limit
}

// encodePageToken turns the last returned sequence number into an opaque token.
func encodePageToken(seq int64) string {
	return base64.RawURLEncoding.EncodeToString([]byte("s:" + strconv.FormatInt(seq, 10)))
}

func decodePageToken(token string) (int64, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || !strings.HasPrefix(string(raw), "s:") {
		return 0, gwerr.Validation("invalid page token")
	}
	seq, err := strconv.ParseInt(strings.TrimPrefix(string(raw), "s:"), 10, 64)
	if err != nil || seq < 0 {
		return 0, gwerr.Validation("invalid page token")
	}
	return seq, nil
}

func validateClass(class string) error {
	if err := models.ValidateClass(class); err != nil {
		return gwerr.Validation("%v", err)
	}
	return nil
}

func validateRef(ref models.RecordRef) error {
	if err := validateClass(ref.Class); err != nil {
		return err
	}
	if strings.TrimSpace(ref.ID) == "" {
		return gwerr.Validation("record id is required")
	}
	return nil
}

func validatePropertyKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return gwerr.Validation("property name is required")
	}
	if strings.ContainsAny(key, "\"'\\") {
		return gwerr.Validation("invalid property name %q", key)
	}
	return nil
}

func validateFilter(filter Filter) error {
	for key := range filter {
		if err := validatePropertyKey(key); err != nil {
			return err
		}
	}
	return nil
}

// marshalProperties validates and serializes properties to a JSON object.
func marshalProperties(properties map[string]any) ([]byte, error) {
	if properties == nil {
		properties = map[string]any{}
	}
	for key := range properties {
		if err := validatePropertyKey(key); err != nil {
			return nil, err
		}
	}
	raw, err := json.Marshal(properties)
	if err != nil {
		return nil, gwerr.Validation("properties are not valid JSON: %v", err)
	}
	return raw, nil
}

func unmarshalProperties(raw []byte) (map[string]any, error) {
	props := map[string]any{}
	if len(raw) == 0 {
		return props, nil
	}
	if err := json.Unmarshal(raw, &props); err != nil {
		return nil, fmt.Errorf("decode properties: %w", err)
	}
	if props == nil {
		props = map[string]any{}
	}
	return props, nil
}

// resolveID returns the caller's id or a fresh UUID.
func resolveID(opts CreateOptions) (string, error) {
	id := strings.TrimSpace(opts.ID)
	if id == "" {
		return uuid.NewString(), nil
	}
	if len(id) > 128 {
		return "", gwerr.Validation("record id too long")
	}
	return id, nil
}

// propertyText renders a property value the way SQL backends compare it.
func propertyText(v any) (string, bool) {
	switch val := v.(type) {
	case nil:
		return "", false
	case string:
		return val, true
	case bool:
		return strconv.FormatBool(val), true
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	case int:
		return strconv.Itoa(val), true
	case int64:
		return strconv.FormatInt(val, 10), true
	case json.Number:
		return val.String(), true
	default:
		raw, err := json.Marshal(val)
		if err != nil {
			return "", false
		}
		return string(raw), true
	}
}

func matchesFilter(props map[string]any, filter Filter) bool {
	for key, want := range filter {
		got, ok := propertyText(props[key])
		if !ok || got != want {
			return false
		}
	}
	return true
}

func cloneProperties(in map[string]any) map[string]any {
	if len(in) == 0 {
		return map[string]any{}
	}
	raw, err := json.Marshal(in)
	if err != nil {
		out := make(map[string]any, len(in))
		for k, v := range in {
			out[k] = v
		}
		return out
	}
	out, _ := unmarshalProperties(raw)
	return out
}

func sortedKeys(filter Filter) []string {
	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
