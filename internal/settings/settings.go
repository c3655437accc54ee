// Package settings manages per-user platform preferences, stored as
// one JSON blob per user. Unknown groups and keys round-trip
// untouched so older API builds never strip settings written by a
// newer frontend.
package settings

import (
	"encoding/json"
	"fmt"
)

// Settings is a two-level map: group name to key/value pairs.
type Settings map[string]map[string]any

// Defaults returns the full settings tree with factory values.
func Defaults() Settings {
	return Settings{
		"learningExperience": {
			"fontSize":             14,
			"wordWrap":             true,
			"showLineNumbers":      true,
			"highlightActiveLine":  true,
			"showMatchingBrackets": true,
		},
		"codeEditor": {
			"fontFamily":      "default",
			"tabSize":         4,
			"indentationType": "spaces",
			"fontLigatures":   false,
		},
		"advanced": {
			"experimentalFeatures": false,
			"performanceMode":      false,
			"errorMessageStyle":    "standard",
			"minimap":              false,
		},
	}
}

// Parse decodes a stored settings blob. An empty or blank blob is an
// empty tree, not an error.
func Parse(blob string) (Settings, error) {
	if blob == "" || blob == "{}" {
		return Settings{}, nil
	}
	var s Settings
	if err := json.Unmarshal([]byte(blob), &s); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	if s == nil {
		s = Settings{}
	}
	return s, nil
}

// Serialize encodes the tree for storage.
func (s Settings) Serialize() (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("encode settings: %w", err)
	}
	return string(data), nil
}

// Merge overlays stored user values on top of the defaults. Groups or
// keys the defaults don't know about are kept as-is.
func Merge(defaults, stored Settings) Settings {
	out := Settings{}
	for group, keys := range defaults {
		merged := make(map[string]any, len(keys))
		for k, v := range keys {
			merged[k] = v
		}
		out[group] = merged
	}
	for group, keys := range stored {
		if _, ok := out[group]; !ok {
			out[group] = map[string]any{}
		}
		for k, v := range keys {
			out[group][k] = v
		}
	}
	return out
}

// Apply merges a partial update into the stored tree, touching only
// the groups and keys present in the patch.
func Apply(stored, patch Settings) Settings {
	out := Settings{}
	for group, keys := range stored {
		copied := make(map[string]any, len(keys))
		for k, v := range keys {
			copied[k] = v
		}
		out[group] = copied
	}
	for group, keys := range patch {
		if _, ok := out[group]; !ok {
			out[group] = map[string]any{}
		}
		for k, v := range keys {
			out[group][k] = v
		}
	}
	return out
}
