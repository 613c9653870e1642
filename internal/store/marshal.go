package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/roach88/canon/internal/model"
)

// marshalSnapshot converts a field map to canonical JSON TEXT for storage.
// Canonical serialization makes stored snapshots byte-comparable: the same
// materialization always persists the same TEXT.
func marshalSnapshot(snapshot model.Map) (string, error) {
	if snapshot == nil {
		snapshot = model.Map{}
	}
	data, err := model.MarshalCanonical(snapshot)
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}
	return string(data), nil
}

// unmarshalSnapshot parses canonical JSON TEXT back to a field map.
// Large integers survive via json.Number handling in model.Map.
func unmarshalSnapshot(data string) (model.Map, error) {
	if data == "" || data == "{}" {
		return model.Map{}, nil
	}
	var m model.Map
	if err := m.UnmarshalJSON([]byte(data)); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return m, nil
}

// marshalPolicies converts a policy tag map to JSON TEXT. Go's json.Marshal
// sorts map keys, so output is deterministic; HTML escaping is disabled to
// match the snapshot serialization.
func marshalPolicies(policies map[string]string) (string, error) {
	if policies == nil {
		policies = map[string]string{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(policies); err != nil {
		return "", fmt.Errorf("marshal policies: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// unmarshalPolicies parses JSON TEXT back to a policy tag map.
func unmarshalPolicies(data string) (map[string]string, error) {
	if data == "" || data == "{}" {
		return map[string]string{}, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return nil, fmt.Errorf("unmarshal policies: %w", err)
	}
	return m, nil
}
