package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// configToJSON returns the file's contents as JSON. YAML files are decoded
// and re-marshaled so one strict JSON decoder (DisallowUnknownFields) serves
// both formats; anything without a yaml extension passes through untouched.
func configToJSON(path string, data []byte) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
	default:
		return data, nil
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("yaml unmarshal: %w", err)
	}
	out, err := json.Marshal(stringKeyed(doc))
	if err != nil {
		return nil, fmt.Errorf("yaml to json: %w", err)
	}
	return out, nil
}

// stringKeyed rewrites every map key to a string so the YAML document can be
// JSON-marshaled (yaml allows non-string keys, json does not).
func stringKeyed(in any) any {
	switch v := in.(type) {
	case map[any]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[fmt.Sprint(k)] = stringKeyed(val)
		}
		return out
	case map[string]any:
		for k, val := range v {
			v[k] = stringKeyed(val)
		}
		return v
	case []any:
		for i, val := range v {
			v[i] = stringKeyed(val)
		}
		return v
	default:
		return in
	}
}
