package tools

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// schemaValidator compiles tool parameter schemas once and validates
// call arguments against them. Tool schemas do not change after
// registration, so compiled schemas are cached by tool name.
type schemaValidator struct {
	mu       sync.Mutex
	compiled map[string]*jsonschema.Schema
}

func newSchemaValidator() *schemaValidator {
	return &schemaValidator{compiled: make(map[string]*jsonschema.Schema)}
}

func (v *schemaValidator) validate(name string, schema, args json.RawMessage) error {
	if len(schema) == 0 {
		return nil
	}
	sch, err := v.schemaFor(name, schema)
	if err != nil {
		// Tools with schemas that fail to compile stay callable.
		return nil
	}
	var doc any
	if len(args) == 0 {
		doc = map[string]any{}
	} else if err := json.Unmarshal(args, &doc); err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	if err := sch.Validate(doc); err != nil {
		return fmt.Errorf("arguments do not match schema: %w", err)
	}
	return nil
}

func (v *schemaValidator) schemaFor(name string, schema json.RawMessage) (*jsonschema.Schema, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if sch, ok := v.compiled[name]; ok {
		return sch, nil
	}
	sch, err := jsonschema.CompileString(name+".json", string(schema))
	if err != nil {
		return nil, err
	}
	v.compiled[name] = sch
	return sch, nil
}
