package tool

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// schemaValidator compiles tool argument schemas once and validates parsed
// argument objects against them.
type schemaValidator struct {
	mu       sync.Mutex
	compiled map[string]*jsonschema.Schema
}

func newSchemaValidator() *schemaValidator {
	return &schemaValidator{compiled: make(map[string]*jsonschema.Schema)}
}

// validate checks args against the tool's schema. The compiled schema is
// cached per tool name; schemas are static for a tool's lifetime.
func (v *schemaValidator) validate(name string, schema map[string]any, args map[string]any) error {
	sch, err := v.schemaFor(name, schema)
	if err != nil {
		return err
	}
	if sch == nil {
		return nil
	}
	// Round-trip through json.RawMessage types so validation sees exactly
	// what a JSON document would contain.
	return sch.Validate(normalize(args))
}

func (v *schemaValidator) schemaFor(name string, schema map[string]any) (*jsonschema.Schema, error) {
	if len(schema) == 0 {
		return nil, nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if sch, ok := v.compiled[name]; ok {
		return sch, nil
	}

	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal schema for %q: %w", name, err)
	}
	compiler := jsonschema.NewCompiler()
	url := fmt.Sprintf("tool://%s/schema.json", name)
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("add schema for %q: %w", name, err)
	}
	sch, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema for %q: %w", name, err)
	}
	v.compiled[name] = sch
	return sch, nil
}

// normalize converts args into the generic shapes jsonschema validates.
func normalize(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}
