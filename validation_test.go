package relay

import (
	"testing"

	"github.com/google/jsonschema-go/jsonschema"
)

func TestRequireFields_MissingField(t *testing.T) {
	schema := RequireFields("text", "room")
	err := schema.Validate(Payload{"text": "hi"})
	ve, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
	if ve.Field != "room" {
		t.Fatalf("expected field room, got %q", ve.Field)
	}
}

func TestRequireFields_AllPresent(t *testing.T) {
	schema := RequireFields("text")
	if err := schema.Validate(Payload{"text": "hi"}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestJSONSchema_RejectsInvalidPayload(t *testing.T) {
	s, err := NewJSONSchema(&jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"name": {Type: "string"},
		},
		Required: []string{"name"},
	})
	if err != nil {
		t.Fatalf("NewJSONSchema: %v", err)
	}
	if err := s.Validate(Payload{}); err == nil {
		t.Fatal("expected validation error for missing required field")
	}
}

func TestJSONSchema_AcceptsValidPayload(t *testing.T) {
	s, err := NewJSONSchema(&jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"name": {Type: "string"},
		},
		Required: []string{"name"},
	})
	if err != nil {
		t.Fatalf("NewJSONSchema: %v", err)
	}
	if err := s.Validate(Payload{"name": "ann"}); err != nil {
		t.Fatalf("expected valid payload to pass, got %v", err)
	}
}
