package store

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// SnapshotSchema returns the JSON schema of the snapshot format as a map,
// suitable for validating snapshots produced outside this process.
func SnapshotSchema() (map[string]interface{}, error) {
	reflector := jsonschema.Reflector{
		ExpandedStruct:            true,
		DoNotReference:            true,
		AllowAdditionalProperties: false,
	}
	schema := reflector.Reflect(&Snapshot{})

	data, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}
	if _, ok := out["type"]; !ok {
		out["type"] = "object"
	}
	return out, nil
}

// ValidateSnapshotBytes checks that data decodes as a snapshot of the
// current version without mutating any store.
func ValidateSnapshotBytes(data []byte) error {
	_, err := decodeSnapshot(data)
	return err
}
