package laws

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/turnstream/internal/events"
)

// wireSchema is the JSON Schema of one delivered event record.
const wireSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "required": ["schema_version", "session_id", "turn_id", "seq", "mono_ts_ms", "wall_ts", "event_type", "payload"],
  "properties": {
    "schema_version": {"const": "1.0"},
    "session_id": {"type": "string", "minLength": 1},
    "turn_id": {"type": "string", "minLength": 1},
    "seq": {"type": "integer", "minimum": 0},
    "mono_ts_ms": {"type": "integer", "minimum": 0},
    "wall_ts": {"type": ["string", "null"]},
    "event_type": {"enum": [%s]},
    "payload": {
      "type": "object",
      "properties": {
        "dropped_seq_ranges": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["start_seq", "end_seq"],
            "properties": {
              "start_seq": {"type": "integer", "minimum": 0},
              "end_seq": {"type": "integer", "minimum": 0}
            }
          }
        }
      }
    }
  },
  "if": {"properties": {"event_type": {"const": "commit_final"}}},
  "then": {
    "properties": {
      "payload": {
        "required": ["authoritative", "commit_digest", "commit_outcome", "issues", "artifact_refs", "commit_id"],
        "properties": {
          "authoritative": {"const": true},
          "commit_digest": {"type": "string"},
          "commit_outcome": {"enum": ["ok", "fail_closed"]},
          "issues": {"type": "array", "items": {"type": "string"}},
          "artifact_refs": {"type": "array", "items": {"type": "string"}},
          "commit_id": {"type": "string"}
        }
      }
    }
  }
}`

var compiledWireSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	kinds := make([]string, 0, len(events.AllKinds()))
	for _, k := range events.AllKinds() {
		kinds = append(kinds, fmt.Sprintf("%q", string(k)))
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(fmt.Sprintf(wireSchema, strings.Join(kinds, ", "))))
	if err != nil {
		return nil, fmt.Errorf("unmarshal wire schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("event.json", doc); err != nil {
		return nil, fmt.Errorf("add wire schema resource: %w", err)
	}
	return c.Compile("event.json")
})

// ValidateWire checks one raw wire event against the event record schema.
func ValidateWire(data []byte) error {
	schema, err := compiledWireSchema()
	if err != nil {
		return err
	}
	// UnmarshalJSON keeps numbers as json.Number, which the validator needs
	// to tell integers from floats.
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("wire schema validation failed: %w", err)
	}
	return nil
}

// ConsumeWire validates the raw record, decodes it and consumes it.
func (c *Checker) ConsumeWire(data []byte) error {
	if err := ValidateWire(data); err != nil {
		return err
	}
	ev, err := events.Decode(data)
	if err != nil {
		return err
	}
	return c.Consume(ev)
}
