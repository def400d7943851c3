// Package capability implements the Capability Registry: the single source
// of truth for which tools, resources, and prompts are currently registered,
// by which module or plugin, in which category. See SPEC_FULL.md §4.1.
package capability

import (
	"fmt"
	"sync"
	"time"

	"github.com/osakka/toolserver/internal/hosting"
	"github.com/osakka/toolserver/pkg/errors"
	"github.com/osakka/toolserver/pkg/logging"
	"github.com/osakka/toolserver/pkg/metrics"
)

// ModuleInfo tracks the tools registered by one module/plugin batch.
type ModuleInfo struct {
	Category     string
	Tools        []string
	Active       bool
	LoadedAt     time.Time
	LoadDuration time.Duration
}

// Snapshot is the exact set of capabilities a plugin registered during its
// load (spec.md §3, Capability Snapshot).
type Snapshot struct {
	Tools     []string
	Resources []string
	Prompts   []string
}

// SetDiff describes which names were added or removed between two
// snapshots for one capability kind.
type SetDiff struct {
	Added   []string
	Removed []string
}

// CapabilityDiff is the full diff applied on reload (spec.md §4.1,
// applyPluginCapabilityDiff).
type CapabilityDiff struct {
	Tools     SetDiff
	Resources SetDiff
	Prompts   SetDiff
}

// Stats summarizes registry state for the management surface.
type Stats struct {
	ModuleCount        int
	ToolCount          int
	PerCategoryCounts  map[string]int
	UniqueTools        int
	TotalRegistrations int
	DuplicateDetected  int
}

// Registry is the Capability Registry. It is safe for concurrent use; all
// mutation happens inside a single mutex, matching the single-logical-
// control-thread discipline of spec.md §5.
type Registry struct {
	mu sync.Mutex

	host hosting.Host

	categories         map[string]map[string]struct{} // category -> tool names
	modules            map[string]*ModuleInfo
	registeredTools    map[string]string // tool name -> owning module
	pluginCapabilities map[string]Snapshot

	totalRegistrations int
	duplicateDetected  int
	serverInstances    map[string]struct{}

	// batch state
	activeModule   string
	activeCategory string
	batchStart     time.Time
	batchTools     []string

	logger  logging.Logger
	metrics metrics.Metrics
}

// New creates a Registry bound to host, the session host whose
// RegisterTool/RegisterResource/RegisterPrompt and Unregister* methods the
// registry drives.
func New(host hosting.Host, logger logging.Logger, m metrics.Metrics) *Registry {
	return &Registry{
		host:               host,
		categories:         make(map[string]map[string]struct{}),
		modules:            make(map[string]*ModuleInfo),
		registeredTools:    make(map[string]string),
		pluginCapabilities: make(map[string]Snapshot),
		serverInstances:    make(map[string]struct{}),
		logger:             logger.WithComponent("capability_registry"),
		metrics:            m.WithPrefix("capability_registry"),
	}
}

// NoteServerInstance records a host instance identity for forensic
// diagnostics; more than one concurrent host indicates misconfiguration.
func (r *Registry) NoteServerInstance(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.serverInstances[id] = struct{}{}
	if len(r.serverInstances) > 1 {
		r.logger.Warn("multiple_host_instances_detected", "instance_count", len(r.serverInstances))
	}
}

// StartModule begins a registration batch for (name, category). Only one
// batch may be open at a time.
func (r *Registry) StartModule(name, category string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.activeModule != "" {
		return errors.State("start_module", fmt.Sprintf("batch already open for module %q", r.activeModule)).WithPlugin(name)
	}

	r.activeModule = name
	r.activeCategory = category
	r.batchStart = time.Now()
	r.batchTools = nil

	if r.categories[category] == nil {
		r.categories[category] = make(map[string]struct{})
	}

	r.logger.Debug("module_batch_started", "module", name, "category", category)
	return nil
}

// RegisterTool adds name to the current batch. Duplicates are silently
// skipped and logged, never treated as an error (spec.md §4.1).
func (r *Registry) RegisterTool(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.activeModule == "" {
		return errors.State("register_tool", "registerTool called without an open batch").WithContext("tool", name)
	}

	r.totalRegistrations++

	if owner, exists := r.registeredTools[name]; exists {
		r.duplicateDetected++
		r.logger.Warn("duplicate_tool_registration_skipped",
			"tool", name,
			"existing_owner", owner,
			"attempted_owner", r.activeModule)
		r.metrics.Inc("duplicate_tool_registrations_total")
		return nil
	}

	r.registeredTools[name] = r.activeModule
	r.categories[r.activeCategory][name] = struct{}{}
	r.batchTools = append(r.batchTools, name)

	r.metrics.Inc("tools_registered_total")
	return nil
}

// CompleteModule closes the current batch, recording the module's final
// tool set and load duration.
func (r *Registry) CompleteModule() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.activeModule == "" {
		return errors.State("complete_module", "completeModule called without an open batch")
	}

	r.modules[r.activeModule] = &ModuleInfo{
		Category:     r.activeCategory,
		Tools:        append([]string(nil), r.batchTools...),
		Active:       true,
		LoadedAt:     r.batchStart,
		LoadDuration: time.Since(r.batchStart),
	}

	r.logger.Info("module_batch_completed",
		"module", r.activeModule,
		"category", r.activeCategory,
		"tool_count", len(r.batchTools),
		"duration_ms", time.Since(r.batchStart).Milliseconds())

	r.activeModule = ""
	r.activeCategory = ""
	r.batchTools = nil
	return nil
}

// AbortModule discards the current batch without recording a ModuleInfo,
// rolling back any tools it registered so far. A failed load must not leave
// the registry's batch slot wedged open for every subsequent plugin.
func (r *Registry) AbortModule() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.activeModule == "" {
		return
	}

	for _, name := range r.batchTools {
		delete(r.registeredTools, name)
		delete(r.categories[r.activeCategory], name)
	}

	r.logger.Warn("module_batch_aborted", "module", r.activeModule, "category", r.activeCategory, "tool_count", len(r.batchTools))

	r.activeModule = ""
	r.activeCategory = ""
	r.batchTools = nil
}

// GetStats returns module/tool counts and deduplication diagnostics.
func (r *Registry) GetStats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	perCategory := make(map[string]int, len(r.categories))
	for cat, tools := range r.categories {
		perCategory[cat] = len(tools)
	}

	return Stats{
		ModuleCount:        len(r.modules),
		ToolCount:          len(r.registeredTools),
		PerCategoryCounts:  perCategory,
		UniqueTools:        len(r.registeredTools),
		TotalRegistrations: r.totalRegistrations,
		DuplicateDetected:  r.duplicateDetected,
	}
}

// RegisterPluginCapabilities records the capability snapshot captured for a
// plugin at load time.
func (r *Registry) RegisterPluginCapabilities(pluginID string, snapshot Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pluginCapabilities[pluginID] = snapshot
}

// PluginCapabilities returns the recorded snapshot for a plugin, if any.
func (r *Registry) PluginCapabilities(pluginID string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap, ok := r.pluginCapabilities[pluginID]
	return snap, ok
}

// UnregisterToolInternal removes a tool from internal bookkeeping without
// touching the host; used when the host has already been told to drop the
// name (e.g. via ApplyPluginCapabilityDiff) or cannot be reached.
func (r *Registry) UnregisterToolInternal(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unregisterToolLocked(name)
}

func (r *Registry) unregisterToolLocked(name string) {
	if _, ok := r.registeredTools[name]; !ok {
		return
	}
	delete(r.registeredTools, name)
	for _, tools := range r.categories {
		delete(tools, name)
	}
}

// UnregisterResourceInternal and UnregisterPromptInternal exist for parity
// with the tool path; resources/prompts are not deduplicated globally like
// tools (spec.md only mandates a global dedup set for tools), but plugin
// snapshots still need to drop them on unload.
func (r *Registry) UnregisterResourceInternal(pluginID, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeFromSnapshot(pluginID, func(s *Snapshot) { s.Resources = remove(s.Resources, name) })
}

func (r *Registry) UnregisterPromptInternal(pluginID, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeFromSnapshot(pluginID, func(s *Snapshot) { s.Prompts = remove(s.Prompts, name) })
}

func (r *Registry) removeFromSnapshot(pluginID string, mutate func(*Snapshot)) {
	snap, ok := r.pluginCapabilities[pluginID]
	if !ok {
		return
	}
	mutate(&snap)
	r.pluginCapabilities[pluginID] = snap
}

// RemoveModule purges a module's bookkeeping entirely (used by unload).
func (r *Registry) RemoveModule(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.modules[name]
	if !ok {
		return
	}
	for _, tool := range info.Tools {
		r.unregisterToolLocked(tool)
	}
	delete(r.modules, name)
}

// ApplyPluginCapabilityDiff drives host-side removals for capabilities that
// are retired between the previous and the new snapshot, strictly before any
// additions are forwarded by the caller (spec.md §4.1 and §5 ordering
// guarantee: "On reload, removals of retired capabilities strictly precede
// re-additions.").
func (r *Registry) ApplyPluginCapabilityDiff(pluginID string, diff CapabilityDiff) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, tool := range diff.Tools.Removed {
		if r.host != nil {
			if err := r.host.UnregisterTool(tool); err != nil {
				r.logger.Warn("host_unregister_tool_failed", "plugin", pluginID, "tool", tool, "error", err.Error())
			}
		}
		r.unregisterToolLocked(tool)
	}
	for _, resource := range diff.Resources.Removed {
		if r.host != nil {
			if err := r.host.UnregisterResource(resource); err != nil {
				r.logger.Warn("host_unregister_resource_failed", "plugin", pluginID, "resource", resource, "error", err.Error())
			}
		}
	}
	for _, prompt := range diff.Prompts.Removed {
		if r.host != nil {
			if err := r.host.UnregisterPrompt(prompt); err != nil {
				r.logger.Warn("host_unregister_prompt_failed", "plugin", pluginID, "prompt", prompt, "error", err.Error())
			}
		}
	}

	r.logger.Info("plugin_capability_diff_applied",
		"plugin", pluginID,
		"tools_removed", len(diff.Tools.Removed),
		"tools_added_pending", len(diff.Tools.Added),
		"resources_removed", len(diff.Resources.Removed),
		"prompts_removed", len(diff.Prompts.Removed))

	return nil
}

// Diff computes a CapabilityDiff between an old and a new snapshot.
func Diff(old, new Snapshot) CapabilityDiff {
	return CapabilityDiff{
		Tools:     diffSet(old.Tools, new.Tools),
		Resources: diffSet(old.Resources, new.Resources),
		Prompts:   diffSet(old.Prompts, new.Prompts),
	}
}

func diffSet(old, new []string) SetDiff {
	oldSet := toSet(old)
	newSet := toSet(new)

	var diff SetDiff
	for _, n := range new {
		if _, ok := oldSet[n]; !ok {
			diff.Added = append(diff.Added, n)
		}
	}
	for _, o := range old {
		if _, ok := newSet[o]; !ok {
			diff.Removed = append(diff.Removed, o)
		}
	}
	return diff
}

func toSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}

func remove(names []string, target string) []string {
	out := names[:0]
	for _, n := range names {
		if n != target {
			out = append(out, n)
		}
	}
	return out
}
