package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// SchemaRegistry validates action payloads against per-scope JSON Schemas.
// A scope without a registered schema accepts any well-formed JSON object.
type SchemaRegistry struct {
	schemas map[string]*jsonschema.Schema
}

// NewSchemaRegistry compiles the given scope → schema-source map.
func NewSchemaRegistry(sources map[string]string) (*SchemaRegistry, error) {
	r := &SchemaRegistry{schemas: make(map[string]*jsonschema.Schema, len(sources))}
	for scope, src := range sources {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := fmt.Sprintf("https://actiongate.schemas.local/%s.schema.json", scope)
		if err := c.AddResource(url, bytes.NewReader([]byte(src))); err != nil {
			return nil, fmt.Errorf("gateway: schema for scope %s: %w", scope, err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("gateway: compile schema for scope %s: %w", scope, err)
		}
		r.schemas[scope] = compiled
	}
	return r, nil
}

// Validate checks the raw payload. It returns the decoded payload object so
// the caller evaluates exactly what was validated.
func (r *SchemaRegistry) Validate(scope string, raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("payload is required")
	}
	// Plain decoding: predicates see JSON numbers as doubles.
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("payload must be a JSON object: %w", err)
	}
	if r == nil {
		return payload, nil
	}
	if schema, ok := r.schemas[scope]; ok {
		// jsonschema validates the interface form; json.Number is accepted.
		var v any
		d := json.NewDecoder(bytes.NewReader(raw))
		d.UseNumber()
		if err := d.Decode(&v); err != nil {
			return nil, err
		}
		if err := schema.Validate(v); err != nil {
			return nil, fmt.Errorf("schema violation: %w", err)
		}
	}
	return payload, nil
}
