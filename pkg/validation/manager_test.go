package validation

import (
	"testing"

	"github.com/osakka/toolserver/pkg/logging"
	"github.com/osakka/toolserver/pkg/metrics"
)

func newTestManager(cfg Config) *Manager {
	return NewManager(cfg, logging.NewNop(), metrics.Noop())
}

func validTool(name string) ToolDefinition {
	return ToolDefinition{
		Name:        name,
		Description: "Fetches the current forecast.",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"city": map[string]interface{}{"type": "string", "description": "city name"},
			},
			"required": []interface{}{"city"},
		},
	}
}

func TestValidateToolBatchAllValid(t *testing.T) {
	m := newTestManager(DefaultConfig())
	result := m.ValidateToolBatch([]ToolDefinition{validTool("get_forecast")}, "weather")

	if result.ValidTools != 1 || result.InvalidTools != 0 {
		t.Fatalf("expected 1 valid tool, got %+v", result)
	}
}

func TestInvalidToolNameIsError(t *testing.T) {
	m := newTestManager(DefaultConfig())
	tool := validTool("1_bad_name")

	result := m.ValidateToolBatch([]ToolDefinition{tool}, "weather")
	tr := result.ToolResults["1_bad_name"]
	if tr.Valid {
		t.Fatalf("expected invalid tool name to fail validation")
	}
}

func TestDuplicateNameIsWarningInPermissiveModeErrorInStrict(t *testing.T) {
	permissive := newTestManager(DefaultConfig())
	permissive.ValidateToolBatch([]ToolDefinition{validTool("shared")}, "moduleA")
	result := permissive.ValidateToolBatch([]ToolDefinition{validTool("shared")}, "moduleB")
	tr := result.ToolResults["shared"]
	if !tr.Valid {
		t.Fatalf("expected permissive mode to only warn on duplicate, got errors=%v", tr.Errors)
	}
	if len(tr.Warnings) == 0 {
		t.Fatalf("expected a duplicate warning")
	}

	strictCfg := DefaultConfig()
	strictCfg.StrictMode = true
	strict := newTestManager(strictCfg)
	strict.ValidateToolBatch([]ToolDefinition{validTool("shared")}, "moduleA")
	result = strict.ValidateToolBatch([]ToolDefinition{validTool("shared")}, "moduleB")
	tr = result.ToolResults["shared"]
	if tr.Valid {
		t.Fatalf("expected strict mode to fail on duplicate tool name")
	}
}

func TestRemoveModulePurgesDuplicateTracker(t *testing.T) {
	m := newTestManager(DefaultConfig())
	m.ValidateToolBatch([]ToolDefinition{validTool("shared")}, "moduleA")
	m.RemoveModule("moduleA")

	result := m.ValidateToolBatch([]ToolDefinition{validTool("shared")}, "moduleB")
	tr := result.ToolResults["shared"]
	if len(tr.Warnings) != 0 {
		t.Fatalf("expected no duplicate warning after moduleA was removed, got %v", tr.Warnings)
	}
}

func TestMissingSchemaIsError(t *testing.T) {
	m := newTestManager(DefaultConfig())
	tool := validTool("no_schema")
	tool.InputSchema = nil

	result := m.ValidateToolBatch([]ToolDefinition{tool}, "weather")
	if result.ToolResults["no_schema"].Valid {
		t.Fatalf("expected missing schema to fail validation")
	}
}
