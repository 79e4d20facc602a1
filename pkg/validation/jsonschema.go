package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Validator validates JSON documents against named schemas. Compiled schemas
// are cached by name, so per-step action validation does not recompile.
type Validator struct {
	mu       sync.Mutex
	compiled map[string]*jsonschema.Schema
}

// NewValidator returns an empty validator.
func NewValidator() *Validator {
	return &Validator{compiled: make(map[string]*jsonschema.Schema)}
}

// Validate checks data against schemaJSON. name keys the compiled-schema
// cache; callers must not reuse a name for a different schema. An empty
// schema accepts anything.
func (v *Validator) Validate(name, schemaJSON string, data []byte) error {
	if schemaJSON == "" {
		return nil
	}

	sch, err := v.schema(name, schemaJSON)
	if err != nil {
		return err
	}

	var doc interface{}
	if len(data) == 0 {
		data = []byte("{}")
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("invalid JSON document: %w", err)
	}

	if err := sch.Validate(doc); err != nil {
		return fmt.Errorf("document does not match schema %q: %v", name, err)
	}
	return nil
}

func (v *Validator) schema(name, schemaJSON string) (*jsonschema.Schema, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if sch, ok := v.compiled[name]; ok {
		return sch, nil
	}

	compiler := jsonschema.NewCompiler()
	resource := name + ".json"
	if err := compiler.AddResource(resource, strings.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("add schema %q: %w", name, err)
	}
	sch, err := compiler.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("compile schema %q: %w", name, err)
	}
	v.compiled[name] = sch
	return sch, nil
}

// ValidateJSONWithSchema validates a single document against an uncached
// schema string.
func ValidateJSONWithSchema(schemaJSON, dataJSON string) error {
	return NewValidator().Validate("inline", schemaJSON, []byte(dataJSON))
}
