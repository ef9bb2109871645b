package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// parseProperties merges a YAML/JSON properties file with repeated k=v
// flags. Flag values win over the file. A value that parses as JSON keeps
// its type, anything else is a string.
func parseProperties(kvPairs []string, propsFile string) (map[string]any, error) {
	props := map[string]any{}

	if propsFile != "" {
		data, err := os.ReadFile(propsFile)
		if err != nil {
			return nil, fmt.Errorf("read properties file: %w", err)
		}
		var fromFile map[string]any
		if err := yaml.Unmarshal(data, &fromFile); err != nil {
			return nil, fmt.Errorf("invalid properties file: %w", err)
		}
		for k, v := range fromFile {
			props[k] = v
		}
	}

	for _, pair := range kvPairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid property %q (expected key=value)", pair)
		}
		props[key] = parsePropertyValue(value)
	}

	if len(props) == 0 {
		return nil, nil
	}
	return props, nil
}

func parsePropertyValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil || v == nil {
		return raw
	}
	switch v.(type) {
	case bool, float64, string:
		return v
	}
	return raw
}

func parseFilters(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	filters := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid filter %q (expected key=value)", pair)
		}
		filters[key] = value
	}
	return filters, nil
}
