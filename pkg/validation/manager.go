package validation

import (
	"fmt"
	"sync"

	"github.com/osakka/toolserver/pkg/logging"
	"github.com/osakka/toolserver/pkg/metrics"
)

// Manager validates batches of tool definitions and tracks duplicate names
// across modules so reloads can detect collisions deterministically.
type Manager struct {
	mu sync.Mutex

	config  Config
	logger  logging.Logger
	metrics metrics.Metrics

	// duplicateTracker maps a tool name to every module that has attempted
	// to register it, in registration order.
	duplicateTracker map[string][]string
}

// NewManager creates a Manager.
func NewManager(cfg Config, logger logging.Logger, m metrics.Metrics) *Manager {
	return &Manager{
		config:            cfg,
		logger:            logger.WithComponent("validation_manager"),
		metrics:           m.WithPrefix("validation"),
		duplicateTracker:  make(map[string][]string),
	}
}

// ValidateToolBatch validates every tool a module is attempting to register.
// In strict mode, a duplicate name across modules is an error; in
// permissive mode it is a warning.
func (m *Manager) ValidateToolBatch(tools []ToolDefinition, moduleName string) BatchResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := BatchResult{
		TotalTools:  len(tools),
		ToolResults: make(map[string]ToolResult, len(tools)),
	}

	for _, tool := range tools {
		tr := m.validateToolLocked(tool, moduleName)
		result.ToolResults[tool.Name] = tr
		if tr.Valid {
			result.ValidTools++
		} else {
			result.InvalidTools++
		}
	}

	result.Summary = fmt.Sprintf("%d/%d tools valid for module %q", result.ValidTools, result.TotalTools, moduleName)

	m.metrics.Add("tools_validated_total", float64(result.TotalTools))
	m.metrics.Add("tools_invalid_total", float64(result.InvalidTools))
	m.logger.Info("tool_batch_validated",
		"module", moduleName,
		"total", result.TotalTools,
		"valid", result.ValidTools,
		"invalid", result.InvalidTools)

	return result
}

func (m *Manager) validateToolLocked(tool ToolDefinition, moduleName string) ToolResult {
	tr := ToolResult{ToolName: tool.Name, Valid: true}

	appendIssues := func(issues []Issue) {
		for _, issue := range issues {
			switch issue.Severity {
			case SeverityError:
				tr.Errors = append(tr.Errors, issue)
				tr.Valid = false
			case SeverityWarning:
				tr.Warnings = append(tr.Warnings, issue)
			default:
				tr.Info = append(tr.Info, issue)
			}
		}
	}

	appendIssues(validateName(tool))
	appendIssues(validateDescription(tool, m.config))
	appendIssues(validateSchema(tool))
	appendIssues(m.checkDuplicateLocked(tool.Name, moduleName))

	if !tr.Valid {
		m.logger.Warn("tool_validation_failed", "tool", tool.Name, "module", moduleName, "errors", len(tr.Errors))
	}

	return tr
}

func (m *Manager) checkDuplicateLocked(toolName, moduleName string) []Issue {
	if toolName == "" {
		return nil
	}

	owners := m.duplicateTracker[toolName]
	for _, owner := range owners {
		if owner == moduleName {
			return nil
		}
	}
	m.duplicateTracker[toolName] = append(owners, moduleName)

	if len(owners) == 0 {
		return nil
	}

	severity := SeverityWarning
	if m.config.StrictMode {
		severity = SeverityError
	}

	return []Issue{{
		Field:    "name",
		Message:  fmt.Sprintf("tool %q already registered by module %q", toolName, owners[0]),
		Code:     "DUPLICATE_TOOL_NAME",
		Severity: severity,
	}}
}

// RemoveModule purges every duplicate-tracker entry attributable to
// moduleName, required for clean reloads (spec.md §4.3).
func (m *Manager) RemoveModule(moduleName string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, owners := range m.duplicateTracker {
		filtered := owners[:0]
		for _, owner := range owners {
			if owner != moduleName {
				filtered = append(filtered, owner)
			}
		}
		if len(filtered) == 0 {
			delete(m.duplicateTracker, name)
		} else {
			m.duplicateTracker[name] = filtered
		}
	}

	m.logger.Debug("validation_records_purged", "module", moduleName)
}
