package schema

import (
	"testing"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/osakka/toolserver/pkg/logging"
)

func TestAdaptToolToHostStripsMetaKeys(t *testing.T) {
	a := New(logging.NewNop())

	tool := Tool{
		Name: "get_forecast",
		Structural: map[string]interface{}{
			"$schema": "http://json-schema.org/draft-07/schema#",
			"type":    "object",
			"properties": map[string]interface{}{
				"city": map[string]interface{}{"type": "string"},
			},
			"required": []interface{}{"city"},
		},
	}

	meta := a.AdaptToolToHost(tool)
	if _, present := meta.InputSchema["$schema"]; present {
		t.Fatalf("expected $schema to be stripped, got %+v", meta.InputSchema)
	}
	if meta.InputSchema["type"] != "object" {
		t.Fatalf("expected type object, got %+v", meta.InputSchema)
	}
}

func TestDeriveRawShapePreservesRequiredAndEnum(t *testing.T) {
	a := New(logging.NewNop())

	inputSchema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"unit": map[string]interface{}{
				"type": "string",
				"enum": []interface{}{"celsius", "fahrenheit"},
			},
			"city": map[string]interface{}{"type": "string"},
		},
		"required": []interface{}{"city"},
	}

	shape := a.DeriveRawShape(inputSchema)

	unit, ok := shape.Properties["unit"]
	if !ok {
		t.Fatalf("expected unit in raw shape")
	}
	if len(unit.Enum) != 2 {
		t.Fatalf("expected enum set preserved, got %v", unit.Enum)
	}

	if _, ok := shape.Properties["city"]; !ok {
		t.Fatalf("expected city in raw shape")
	}

	if len(shape.Required) != 1 || shape.Required[0] != "city" {
		t.Fatalf("expected required set to preserve city as required, got %v", shape.Required)
	}
	if len(shape.Required) > 0 {
		for _, name := range shape.Required {
			if name == "unit" {
				t.Fatalf("unit is not required by the input schema, got it in required set %v", shape.Required)
			}
		}
	}
}

func TestDeriveRawShapePreservesNestedObjectRequired(t *testing.T) {
	a := New(logging.NewNop())

	inputSchema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"location": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"lat": map[string]interface{}{"type": "number"},
					"lon": map[string]interface{}{"type": "number"},
				},
				"required": []interface{}{"lat", "lon"},
			},
		},
		"required": []interface{}{"location"},
	}

	shape := a.DeriveRawShape(inputSchema)

	location, ok := shape.Properties["location"]
	if !ok {
		t.Fatalf("expected location in raw shape")
	}
	if len(location.Required) != 2 {
		t.Fatalf("expected location's own required list to preserve lat and lon, got %v", location.Required)
	}
}

func TestCreateParameterValidatorRejectsMissingRequired(t *testing.T) {
	a := New(logging.NewNop())

	validator, err := a.CreateParameterValidator(map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"city": map[string]interface{}{"type": "string"},
		},
		"required": []interface{}{"city"},
	})
	if err != nil {
		t.Fatalf("unexpected error compiling validator: %v", err)
	}

	ok, _, err := validator(map[string]interface{}{})
	if ok || err == nil {
		t.Fatalf("expected validation failure for missing required property")
	}

	ok, data, err := validator(map[string]interface{}{"city": "Paris"})
	if !ok || err != nil {
		t.Fatalf("expected validation success, got ok=%v err=%v", ok, err)
	}
	if data["city"] != "Paris" {
		t.Fatalf("expected data to be echoed back")
	}
}

func TestTypedToStructuralRoundTripsObjectShape(t *testing.T) {
	a := New(logging.NewNop())

	tool := Tool{
		Name: "typed_tool",
		Typed: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"city": {Type: "string"},
			},
		},
	}

	meta := a.AdaptToolToHost(tool)
	if meta.InputSchema["type"] != "object" {
		t.Fatalf("expected object type, got %+v", meta.InputSchema)
	}
	if _, ok := meta.InputSchema["properties"]; !ok {
		t.Fatalf("expected properties to be present, got %+v", meta.InputSchema)
	}
}
