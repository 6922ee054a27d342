package offline

import (
	"encoding/json"
	"fmt"
)

// MergePayload shallow-merges patch into base: top-level keys of patch replace
// those of base. Both must be JSON objects; an empty base is treated as {}.
func MergePayload(base, patch json.RawMessage) (json.RawMessage, error) {
	merged := map[string]json.RawMessage{}
	if len(base) > 0 {
		if err := json.Unmarshal(base, &merged); err != nil {
			return nil, fmt.Errorf("base payload is not a JSON object: %w", err)
		}
	}
	if len(patch) > 0 {
		var p map[string]json.RawMessage
		if err := json.Unmarshal(patch, &p); err != nil {
			return nil, fmt.Errorf("patch payload is not a JSON object: %w", err)
		}
		for k, v := range p {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// ValidatePayload reports an error when p is not a JSON object.
func ValidatePayload(p json.RawMessage) error {
	if len(p) == 0 {
		return nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(p, &m); err != nil {
		return fmt.Errorf("payload must be a JSON object: %w", err)
	}
	return nil
}
