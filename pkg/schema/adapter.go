// Package schema bridges the two schema dialects tool authors use: a
// structural JSON-Schema dialect (plain map[string]interface{} objects,
// validated at runtime with github.com/xeipuuv/gojsonschema) and a typed
// dialect (*jsonschema.Schema from github.com/google/jsonschema-go, the
// representation the session host SDK builds argument parsers from). See
// SPEC_FULL.md §4.2.
package schema

import (
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/xeipuuv/gojsonschema"

	"github.com/osakka/toolserver/internal/hosting"
	"github.com/osakka/toolserver/pkg/logging"
)

// Tool is a tool definition as authored, before adaptation. Exactly one of
// Structural or Typed is populated; which one a plugin uses is its author's
// choice, not the registry's.
type Tool struct {
	Name        string
	Title       string
	Description string
	Annotations map[string]interface{}

	Structural map[string]interface{}
	Typed      *jsonschema.Schema
}

// Adapter performs the structural<->typed conversions. It carries a logger
// so an unrepresentable construct gets a warning, not a silent failure.
type Adapter struct {
	logger logging.Logger
}

// New creates an Adapter.
func New(logger logging.Logger) *Adapter {
	return &Adapter{logger: logger.WithComponent("schema_adapter")}
}

// metaKeys are JSON-Schema keys that describe the schema document itself
// rather than its shape, stripped before a schema is handed to the host.
var metaKeys = []string{"$schema", "$defs", "definitions", "$id", "$comment"}

// AdaptToolToHost converts tool into the metadata shape the session host
// registers with. inputSchema is always a structural object
// {type:"object", properties, required}.
func (a *Adapter) AdaptToolToHost(tool Tool) hosting.ToolMetadata {
	var inputSchema map[string]interface{}

	switch {
	case tool.Structural != nil:
		inputSchema = stripMeta(tool.Structural)
	case tool.Typed != nil:
		inputSchema = a.typedToStructural(tool.Typed)
	default:
		a.logger.Warn("tool_schema_missing_falling_back_permissive", "tool", tool.Name)
		inputSchema = permissiveObject()
	}

	if inputSchema["type"] == nil {
		inputSchema["type"] = "object"
	}

	return hosting.ToolMetadata{
		Title:       tool.Title,
		Description: tool.Description,
		InputSchema: inputSchema,
		Annotations: tool.Annotations,
	}
}

// RawShape is the typed dialect's per-property schemas plus the enclosing
// object's own required-property list. required-ness is a keyword of the
// object that owns the properties, not of each property's own schema, so a
// bare map[string]*jsonschema.Schema has nowhere to carry it.
type RawShape struct {
	Properties map[string]*jsonschema.Schema
	Required   []string
}

// DeriveRawShape produces the typed dialect's per-property typed schema
// ("raw shape") from a structural inputSchema, so the host SDK can parse and
// deliver validated arguments without a second structural pass.
func (a *Adapter) DeriveRawShape(inputSchema map[string]interface{}) RawShape {
	properties, _ := inputSchema["properties"].(map[string]interface{})

	shape := make(map[string]*jsonschema.Schema, len(properties))
	for name, raw := range properties {
		propSchema, ok := raw.(map[string]interface{})
		if !ok {
			a.logger.Warn("property_schema_not_an_object_falling_back_permissive", "property", name)
			shape[name] = &jsonschema.Schema{}
			continue
		}
		shape[name] = a.structuralToTyped(propSchema)
	}

	return RawShape{Properties: shape, Required: stringSlice(inputSchema["required"])}
}

// ParamValidator validates a set of tool-call arguments against the
// original schema the tool was authored with.
type ParamValidator func(params map[string]interface{}) (ok bool, data map[string]interface{}, validationErr error)

// CreateParameterValidator returns a validator closed over the compiled
// gojsonschema schema, so repeated calls don't recompile it.
func (a *Adapter) CreateParameterValidator(originalSchema map[string]interface{}) (ParamValidator, error) {
	loader := gojsonschema.NewGoLoader(stripMeta(originalSchema))
	compiled, err := gojsonschema.NewSchema(loader)
	if err != nil {
		return nil, fmt.Errorf("compile parameter schema: %w", err)
	}

	return func(params map[string]interface{}) (bool, map[string]interface{}, error) {
		result, err := compiled.Validate(gojsonschema.NewGoLoader(params))
		if err != nil {
			return false, nil, fmt.Errorf("validate parameters: %w", err)
		}
		if !result.Valid() {
			msgs := make([]string, 0, len(result.Errors()))
			for _, e := range result.Errors() {
				msgs = append(msgs, fmt.Sprintf("%s: %s", e.Field(), e.Description()))
			}
			return false, nil, fmt.Errorf("parameter validation failed: %v", msgs)
		}
		return true, params, nil
	}, nil
}

// structuralToTyped converts one JSON-Schema property object into the typed
// dialect. Unknown constructs fall back to a permissive any-schema with a
// logged warning rather than losing required-ness or enum sets silently.
func (a *Adapter) structuralToTyped(prop map[string]interface{}) *jsonschema.Schema {
	s := &jsonschema.Schema{}

	if desc, ok := prop["description"].(string); ok {
		s.Description = desc
	}

	switch t, _ := prop["type"].(string); t {
	case "string":
		s.Type = "string"
		if v, ok := numberPtr(prop["minLength"]); ok {
			n := uint64(v)
			s.MinLength = &n
		}
		if v, ok := numberPtr(prop["maxLength"]); ok {
			n := uint64(v)
			s.MaxLength = &n
		}
	case "number", "integer":
		s.Type = t
		if v, ok := numberPtr(prop["minimum"]); ok {
			s.Minimum = &v
		}
		if v, ok := numberPtr(prop["maximum"]); ok {
			s.Maximum = &v
		}
	case "boolean":
		s.Type = "boolean"
	case "array":
		s.Type = "array"
		if items, ok := prop["items"].(map[string]interface{}); ok {
			s.Items = a.structuralToTyped(items)
		}
	case "object":
		s.Type = "object"
		s.Required = stringSlice(prop["required"])
		if nestedProps, ok := prop["properties"].(map[string]interface{}); ok {
			s.Properties = make(map[string]*jsonschema.Schema, len(nestedProps))
			for name, raw := range nestedProps {
				if nested, ok := raw.(map[string]interface{}); ok {
					s.Properties[name] = a.structuralToTyped(nested)
				}
			}
		}
	default:
		a.logger.Warn("unrecognized_schema_type_falling_back_permissive", "declared_type", t)
	}

	if enumRaw, ok := prop["enum"].([]interface{}); ok {
		s.Enum = enumRaw
	}

	return s
}

// typedToStructural walks the typed graph emitting the structural object,
// inlining rather than referencing ($ref is dropped, per spec.md §4.2).
func (a *Adapter) typedToStructural(s *jsonschema.Schema) map[string]interface{} {
	out := map[string]interface{}{}
	if s == nil {
		return permissiveObject()
	}

	if s.Type != "" {
		out["type"] = s.Type
	}
	if s.Description != "" {
		out["description"] = s.Description
	}
	if s.Minimum != nil {
		out["minimum"] = *s.Minimum
	}
	if s.Maximum != nil {
		out["maximum"] = *s.Maximum
	}
	if s.MinLength != nil {
		out["minLength"] = *s.MinLength
	}
	if s.MaxLength != nil {
		out["maxLength"] = *s.MaxLength
	}
	if len(s.Enum) > 0 {
		out["enum"] = s.Enum
	}
	if s.Items != nil {
		out["items"] = a.typedToStructural(s.Items)
	}
	if len(s.Properties) > 0 {
		props := make(map[string]interface{}, len(s.Properties))
		for name, nested := range s.Properties {
			props[name] = a.typedToStructural(nested)
		}
		out["properties"] = props
	}
	if len(s.Required) > 0 {
		out["required"] = append([]string(nil), s.Required...)
	}

	return out
}

func stripMeta(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	for _, k := range metaKeys {
		delete(out, k)
	}
	return out
}

func permissiveObject() map[string]interface{} {
	return map[string]interface{}{"type": "object"}
}

func stringSlice(v interface{}) []string {
	arr, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, item := range arr {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func numberPtr(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}
