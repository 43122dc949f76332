package relay

import (
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
)

// JSONSchema adapts a github.com/google/jsonschema-go schema to the
// Schema interface, for handlers whose payload shape is easier to
// express declaratively than as a predicate.
type JSONSchema struct {
	resolved *jsonschema.Resolved
}

// NewJSONSchema resolves schema once at registration time; Validate then
// reuses the resolved form for every message.
func NewJSONSchema(schema *jsonschema.Schema) (*JSONSchema, error) {
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("relay: resolve schema: %w", err)
	}
	return &JSONSchema{resolved: resolved}, nil
}

func (s *JSONSchema) Validate(p Payload) error {
	data, err := json.Marshal(p)
	if err != nil {
		return &ValidationError{Field: "<payload>"}
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return &ValidationError{Field: "<payload>"}
	}
	if err := s.resolved.Validate(v); err != nil {
		return &ValidationError{Field: err.Error()}
	}
	return nil
}

// RequireFields returns a predicate Schema rejecting any payload missing
// one of the named top-level keys. It is the common case and does not
// need the full jsonschema machinery.
func RequireFields(fields ...string) Schema {
	return SchemaFunc(func(p Payload) error {
		for _, f := range fields {
			if _, ok := p[f]; !ok {
				return &ValidationError{Field: f}
			}
		}
		return nil
	})
}
