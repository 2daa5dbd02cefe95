package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// SchemaValidator checks task input against a per-type JSON Schema
// (draft 2020-12). It is an allowlist: once installed, a type without a
// registered schema is rejected. Schemas are compiled at registration,
// never on the submit path.
type SchemaValidator struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

// NewSchemaValidator returns an empty validator.
func NewSchemaValidator() *SchemaValidator {
	return &SchemaValidator{schemas: make(map[string]*jsonschema.Schema)}
}

// SetSchema compiles and installs the schema for a task type,
// replacing any previous one.
func (v *SchemaValidator) SetSchema(taskType, schema string) error {
	if taskType == "" {
		return fmt.Errorf("executor: schema: empty task type")
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://warden.schemas.local/tasks/%s.schema.json", taskType)
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		return fmt.Errorf("executor: schema load %q: %w", taskType, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return fmt.Errorf("executor: schema compile %q: %w", taskType, err)
	}
	v.mu.Lock()
	v.schemas[taskType] = compiled
	v.mu.Unlock()
	return nil
}

// Types returns the task types with a registered schema.
func (v *SchemaValidator) Types() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]string, 0, len(v.schemas))
	for t := range v.schemas {
		out = append(out, t)
	}
	return out
}

// ValidateInput implements InputValidator.
func (v *SchemaValidator) ValidateInput(_ context.Context, req *SubmitRequest) error {
	v.mu.RLock()
	schema, ok := v.schemas[req.Type]
	v.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: no schema registered for type %q", ErrInvalidInput, req.Type)
	}

	var value any
	if err := json.Unmarshal(req.Input, &value); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := schema.Validate(value); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}
