package plugin

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/osakka/toolserver/internal/capability"
	"github.com/osakka/toolserver/internal/hosting"
	"github.com/osakka/toolserver/pkg/errors"
	"github.com/osakka/toolserver/pkg/logging"
	"github.com/osakka/toolserver/pkg/schema"
	"github.com/osakka/toolserver/pkg/validation"
)

// LoadOptions tunes one Load call.
type LoadOptions struct {
	// DryRun runs every verification step but never forwards registrations
	// to the host, and terminates the captured runtime process immediately
	// (spec.md §4.5: "dry-run performs steps 1-6 only").
	DryRun bool

	// Interpreter is the executable used to run a plugin's entry file
	// ("node" if empty).
	Interpreter string

	// ImportTimeout bounds how long the capture phase may wait for the
	// plugin process to report "ready".
	ImportTimeout time.Duration
}

// LoadResult is what a successful (or dry-run) Load produces.
type LoadResult struct {
	Manifest   Manifest
	Snapshot   capability.Snapshot
	ToolIssues validation.BatchResult
}

// Loader ties the plugin verification pipeline together: manifest schema
// validation, dist-hash integrity, policy gates, out-of-process capture,
// capability preflight, tool quality validation, and forward registration
// to a live host (spec.md §4.5).
type Loader struct {
	schemaValidator   *SchemaValidator
	policy            Policy
	validationManager *validation.Manager
	adapter           *schema.Adapter
	registry          *capability.Registry
	logger            logging.Logger
}

// NewLoader constructs a Loader from its already-built collaborators.
func NewLoader(sv *SchemaValidator, policy Policy, vm *validation.Manager, adapter *schema.Adapter, registry *capability.Registry, logger logging.Logger) *Loader {
	return &Loader{
		schemaValidator:   sv,
		policy:            policy,
		validationManager: vm,
		adapter:           adapter,
		registry:          registry,
		logger:            logger.WithComponent("plugin_loader"),
	}
}

// Load runs the full verification-then-capture-then-register pipeline for
// one plugin directory (pluginDir must contain mcp-plugin.json and dist/).
// manifestRaw is the already-read manifest file's bytes.
func (l *Loader) Load(ctx context.Context, host hosting.Host, pluginDir string, manifestRaw []byte, opts LoadOptions) (*LoadResult, error) {
	// Step 1: manifest schema validation (spec.md §4.5 step 1).
	manifest, fieldErrors, err := l.schemaValidator.Validate(manifestRaw)
	if err != nil {
		if len(fieldErrors) > 0 {
			l.logger.Warn("manifest_schema_rejected", "plugin_dir", pluginDir, "field_errors", len(fieldErrors))
		}
		return nil, err
	}

	// Step 2: dist-hash integrity (spec.md §4.5 step 2).
	distDir := filepath.Join(pluginDir, "dist")
	if err := VerifyDistHash(distDir, *manifest, l.policy.StrictIntegrity); err != nil {
		return nil, errors.WithPlugin(err, manifest.Name)
	}

	// Step 3: policy gates (spec.md §4.5 step 3).
	usesNative, err := usesNativeAddon(distDir)
	if err != nil {
		return nil, errors.Wrap(errors.CategoryIO, "scan_native_addons", err).WithPlugin(manifest.Name)
	}
	if err := l.policy.EvaluateGates(*manifest, usesNative); err != nil {
		return nil, err
	}

	// Step 4: capture (exec the entry out-of-process, record registrations).
	importCtx := ctx
	if opts.ImportTimeout > 0 {
		var cancel context.CancelFunc
		importCtx, cancel = context.WithTimeout(ctx, opts.ImportTimeout)
		defer cancel()
	}
	entryPath := filepath.Join(pluginDir, manifest.Entry)
	capture, err := Import(importCtx, opts.Interpreter, entryPath, l.logger)
	if err != nil {
		return nil, errors.WithPlugin(err, manifest.Name)
	}

	// Step 5: capability preflight against the manifest's declared surface.
	snapshot := capturedSnapshot(capture)
	if err := l.checkCapabilityPreflight(*manifest, snapshot); err != nil {
		capture.Close()
		return nil, err
	}

	// Step 6: tool quality validation.
	toolDefs := make([]validation.ToolDefinition, 0, len(capture.Tools))
	for _, t := range capture.Tools {
		toolDefs = append(toolDefs, validation.ToolDefinition{
			Name:        t.Name,
			Description: t.Meta.Description,
			InputSchema: t.Meta.InputSchema,
		})
	}
	batchResult := l.validationManager.ValidateToolBatch(toolDefs, manifest.Name)
	if batchResult.InvalidTools > 0 && l.strictToolValidation() {
		capture.Close()
		return nil, errors.Validation("tool_validation", fmt.Sprintf("%d of %d tools failed validation", batchResult.InvalidTools, batchResult.TotalTools)).
			WithPlugin(manifest.Name)
	}

	result := &LoadResult{Manifest: *manifest, Snapshot: snapshot, ToolIssues: batchResult}

	if opts.DryRun {
		capture.Close()
		return result, nil
	}

	// Step 7: forward registration, in captured order (spec.md §5 Ordering
	// guarantees).
	if err := l.forwardRegister(host, manifest.Name, capture); err != nil {
		capture.Close()
		return nil, err
	}

	l.registry.RegisterPluginCapabilities(manifest.Name, snapshot)
	return result, nil
}

func (l *Loader) strictToolValidation() bool {
	return l.policy.StrictCapabilities
}

func capturedSnapshot(c *Capture) capability.Snapshot {
	snap := capability.Snapshot{}
	for _, t := range c.Tools {
		snap.Tools = append(snap.Tools, t.Name)
	}
	for _, r := range c.Resources {
		snap.Resources = append(snap.Resources, r.Name)
	}
	for _, p := range c.Prompts {
		snap.Prompts = append(snap.Prompts, p.Name)
	}
	return snap
}

// checkCapabilityPreflight compares what the plugin actually captured
// against what its manifest declared. Under STRICT_CAPABILITIES a mismatch
// in either direction is a hard PolicyError; otherwise it is only logged.
func (l *Loader) checkCapabilityPreflight(manifest Manifest, snapshot capability.Snapshot) error {
	declaredTools := namedCapabilitySet(manifest.Capabilities.Tools)
	declaredResources := namedCapabilitySet(manifest.Capabilities.Resources)
	declaredPrompts := namedCapabilitySet(manifest.Capabilities.Prompts)

	missing := missingNames(declaredTools, snapshot.Tools)
	missing = append(missing, missingNames(declaredResources, snapshot.Resources)...)
	missing = append(missing, missingNames(declaredPrompts, snapshot.Prompts)...)

	extra := extraNames(declaredTools, snapshot.Tools)
	extra = append(extra, extraNames(declaredResources, snapshot.Resources)...)
	extra = append(extra, extraNames(declaredPrompts, snapshot.Prompts)...)

	if len(missing) == 0 && len(extra) == 0 {
		return nil
	}

	l.logger.Warn("capability_preflight_mismatch",
		"plugin", manifest.Name,
		"missing", strings.Join(missing, ","),
		"undeclared", strings.Join(extra, ","))

	if l.policy.StrictCapabilities {
		return errors.Policy("capability_preflight", fmt.Sprintf("declared/captured capability mismatch: missing=%v undeclared=%v", missing, extra)).
			WithPlugin(manifest.Name)
	}
	return nil
}

func namedCapabilitySet(decls []NamedCapability) map[string]struct{} {
	set := make(map[string]struct{}, len(decls))
	for _, d := range decls {
		set[d.Name] = struct{}{}
	}
	return set
}

func missingNames(declared map[string]struct{}, captured []string) []string {
	have := make(map[string]struct{}, len(captured))
	for _, name := range captured {
		have[name] = struct{}{}
	}
	var out []string
	for name := range declared {
		if _, ok := have[name]; !ok {
			out = append(out, name)
		}
	}
	return out
}

func extraNames(declared map[string]struct{}, captured []string) []string {
	var out []string
	for _, name := range captured {
		if _, ok := declared[name]; !ok {
			out = append(out, name)
		}
	}
	return out
}

// forwardRegister registers every captured tool/resource/prompt against
// host, in capture order, and records each tool name in the capability
// registry's current batch for dedup/diffing.
func (l *Loader) forwardRegister(host hosting.Host, pluginName string, capture *Capture) (err error) {
	if err := l.registry.StartModule(pluginName, "plugin"); err != nil {
		return err
	}
	// Any early return below must abort the open batch instead of leaving it
	// wedged open — otherwise one plugin's registration failure would block
	// StartModule for every other load until the process restarts.
	defer func() {
		if err != nil {
			l.registry.AbortModule()
		}
	}()

	for _, t := range capture.Tools {
		if err = l.registry.RegisterTool(t.Name); err != nil {
			return err
		}
		if err = host.RegisterTool(t.Name, t.Meta, capture.ToolHandler(t.Name)); err != nil {
			return errors.Wrap(errors.CategoryIO, "register_tool", err).WithPlugin(pluginName)
		}
	}
	for _, r := range capture.Resources {
		if err = host.RegisterResource(r.Name, r.URI, r.Meta, capture.ResourceReader(r.Name)); err != nil {
			return errors.Wrap(errors.CategoryIO, "register_resource", err).WithPlugin(pluginName)
		}
	}
	for _, p := range capture.Prompts {
		if err = host.RegisterPrompt(p.Name, p.Meta, capture.PromptCallback(p.Name)); err != nil {
			return errors.Wrap(errors.CategoryIO, "register_prompt", err).WithPlugin(pluginName)
		}
	}

	return l.registry.CompleteModule()
}

// usesNativeAddon reports whether dist/ contains any .node file, the
// signal the PLUGIN_ALLOW_NATIVE gate guards (spec.md §4.5 step 3).
func usesNativeAddon(distDir string) (bool, error) {
	files, err := walkDist(distDir)
	if err != nil {
		return false, err
	}
	for _, f := range files {
		if strings.HasSuffix(f.RelPath, ".node") {
			return true, nil
		}
	}
	return false, nil
}
