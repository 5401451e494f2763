package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// Decode parses a config file body. Files ending in .yaml or .yml are
// converted to JSON first so both formats go through the same strict decoder:
// unknown fields and trailing documents are rejected.
func Decode(name string, data []byte) (*Config, error) {
	if isYAML(name) {
		j, err := yamlToJSON(data)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", filepath.Base(name), err)
		}
		data = j
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(name), err)
	}
	switch err := dec.Decode(&struct{}{}); {
	case errors.Is(err, io.EOF):
		return &cfg, nil
	case err == nil:
		return nil, fmt.Errorf("decode %s: trailing data after config object", filepath.Base(name))
	default:
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(name), err)
	}
}

// canonical is the byte form used to detect no-op reloads.
func canonical(cfg *Config) []byte {
	if cfg == nil {
		return nil
	}
	b, _ := json.Marshal(cfg)
	return b
}

func isYAML(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func yamlToJSON(data []byte) ([]byte, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}
	return json.Marshal(stringKeys(doc))
}

// stringKeys rewrites map[any]any nodes (non-string YAML keys) so the tree
// can be marshaled as JSON.
func stringKeys(v any) any {
	switch x := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, vv := range x {
			out[fmt.Sprint(k)] = stringKeys(vv)
		}
		return out
	case map[string]any:
		for k, vv := range x {
			x[k] = stringKeys(vv)
		}
		return x
	case []any:
		for i, vv := range x {
			x[i] = stringKeys(vv)
		}
		return x
	}
	return v
}
