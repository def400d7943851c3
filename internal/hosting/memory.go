package hosting

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// toolEntry pairs a registered tool's metadata with its handler, mirroring
// the registered-capability shape other in-repo hosts key by name.
type toolEntry struct {
	meta    ToolMetadata
	handler ToolHandler
}

type resourceEntry struct {
	uri    string
	meta   ResourceMetadata
	reader ResourceReader
}

type promptEntry struct {
	meta PromptMetadata
	cb   PromptCallback
}

// MemoryHost is a minimal in-process Host: it keeps every registered
// tool/resource/prompt in memory and can invoke them directly, without a
// JSON-RPC transport in front. The wire transport (streamable HTTP, stdio,
// AMQP) is explicitly out of scope for this system; MemoryHost exists so
// `toolserverd serve` and the management surface's test-tool endpoint have
// something concrete to register against and call into.
type MemoryHost struct {
	mu        sync.RWMutex
	tools     map[string]toolEntry
	resources map[string]resourceEntry
	prompts   map[string]promptEntry
}

// NewMemoryHost constructs an empty MemoryHost.
func NewMemoryHost() *MemoryHost {
	return &MemoryHost{
		tools:     make(map[string]toolEntry),
		resources: make(map[string]resourceEntry),
		prompts:   make(map[string]promptEntry),
	}
}

func (h *MemoryHost) RegisterTool(name string, meta ToolMetadata, handler ToolHandler) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tools[name] = toolEntry{meta: meta, handler: handler}
	return nil
}

func (h *MemoryHost) RegisterResource(name, uri string, meta ResourceMetadata, reader ResourceReader) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.resources[name] = resourceEntry{uri: uri, meta: meta, reader: reader}
	return nil
}

func (h *MemoryHost) RegisterPrompt(name string, meta PromptMetadata, cb PromptCallback) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.prompts[name] = promptEntry{meta: meta, cb: cb}
	return nil
}

func (h *MemoryHost) UnregisterTool(name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.tools, name)
	return nil
}

func (h *MemoryHost) UnregisterResource(name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.resources, name)
	return nil
}

func (h *MemoryHost) UnregisterPrompt(name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.prompts, name)
	return nil
}

// CallTool invokes a registered tool's handler by name, the primitive the
// management surface's `POST /api/test-tool` endpoint drives (SPEC_FULL.md
// §4.8 / §6).
func (h *MemoryHost) CallTool(ctx context.Context, name string, args map[string]interface{}) (ToolResult, error) {
	h.mu.RLock()
	entry, ok := h.tools[name]
	h.mu.RUnlock()
	if !ok {
		return ToolResult{}, fmt.Errorf("no tool registered under name %q", name)
	}
	return entry.handler(ctx, args)
}

// ToolNames returns every registered tool name, sorted.
func (h *MemoryHost) ToolNames() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.tools))
	for name := range h.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ToolMeta returns the registration metadata for a tool, if registered.
func (h *MemoryHost) ToolMeta(name string) (ToolMetadata, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	entry, ok := h.tools[name]
	return entry.meta, ok
}
