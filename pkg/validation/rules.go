package validation

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
)

var toolNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)

func validateName(tool ToolDefinition) []Issue {
	if tool.Name == "" {
		return []Issue{{Field: "name", Message: "tool name is required", Code: "NAME_REQUIRED", Severity: SeverityError}}
	}
	if !toolNamePattern.MatchString(tool.Name) {
		return []Issue{{
			Field:    "name",
			Message:  fmt.Sprintf("tool name %q does not match ^[A-Za-z][A-Za-z0-9_-]*$", tool.Name),
			Code:     "NAME_INVALID",
			Severity: SeverityError,
		}}
	}
	return nil
}

func validateDescription(tool ToolDefinition, cfg Config) []Issue {
	var issues []Issue

	desc := strings.TrimSpace(tool.Description)
	if desc == "" {
		issues = append(issues, Issue{Field: "description", Message: "description is missing", Code: "DESCRIPTION_MISSING", Severity: SeverityWarning})
		return issues
	}
	if len(desc) < cfg.MinDescriptionLength {
		issues = append(issues, Issue{Field: "description", Message: "description is very short", Code: "DESCRIPTION_TOO_SHORT", Severity: SeverityWarning})
	}
	if strings.EqualFold(desc, tool.Name) {
		issues = append(issues, Issue{Field: "description", Message: "description is identical to the tool name", Code: "DESCRIPTION_EQUALS_NAME", Severity: SeverityWarning})
	}
	if last := desc[len(desc)-1]; !strings.ContainsRune(".!?", rune(last)) {
		issues = append(issues, Issue{Field: "description", Message: "description is not terminated with punctuation", Code: "DESCRIPTION_NO_PUNCTUATION", Severity: SeverityInfo})
	}
	return issues
}

// validateSchema checks that InputSchema is one of the three forms spec.md
// §4.3 allows, then runs the parameter-quality checks (missing required,
// undocumented properties) against whichever structural shape it can
// derive.
func validateSchema(tool ToolDefinition) []Issue {
	switch schema := tool.InputSchema.(type) {
	case nil:
		return []Issue{{Field: "inputSchema", Message: "inputSchema is required", Code: "SCHEMA_REQUIRED", Severity: SeverityError}}
	case map[string]interface{}:
		return validateStructuralSchema(schema)
	case map[string]*jsonschema.Schema:
		return validateRawShape(schema)
	case *jsonschema.Schema:
		return nil
	default:
		return []Issue{{
			Field:    "inputSchema",
			Message:  fmt.Sprintf("inputSchema must be a typed schema, JSON-Schema object, or raw shape, got %T", schema),
			Code:     "SCHEMA_UNRECOGNIZED",
			Severity: SeverityError,
		}}
	}
}

func validateStructuralSchema(schema map[string]interface{}) []Issue {
	var issues []Issue

	properties, hasProperties := schema["properties"].(map[string]interface{})
	_, hasRequired := schema["required"]

	if hasProperties && len(properties) > 0 && !hasRequired {
		issues = append(issues, Issue{
			Field:    "inputSchema.required",
			Message:  "schema declares properties but no required list",
			Code:     "SCHEMA_NO_REQUIRED",
			Severity: SeverityWarning,
		})
	}

	for name, raw := range properties {
		prop, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		if _, hasDesc := prop["description"]; !hasDesc {
			issues = append(issues, Issue{
				Field:    fmt.Sprintf("inputSchema.properties.%s", name),
				Message:  "property has no description",
				Code:     "PROPERTY_NO_DESCRIPTION",
				Severity: SeverityInfo,
			})
		}
	}

	return issues
}

func validateRawShape(shape map[string]*jsonschema.Schema) []Issue {
	var issues []Issue
	for name, prop := range shape {
		if prop == nil || prop.Description == "" {
			issues = append(issues, Issue{
				Field:    fmt.Sprintf("inputSchema.%s", name),
				Message:  "property has no description",
				Code:     "PROPERTY_NO_DESCRIPTION",
				Severity: SeverityInfo,
			})
		}
	}
	return issues
}
