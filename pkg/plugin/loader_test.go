package plugin

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/osakka/toolserver/internal/capability"
	"github.com/osakka/toolserver/internal/hosting"
	"github.com/osakka/toolserver/pkg/logging"
	"github.com/osakka/toolserver/pkg/metrics"
	"github.com/osakka/toolserver/pkg/schema"
	"github.com/osakka/toolserver/pkg/validation"
)

type fakeLoaderHost struct {
	tools map[string]hosting.ToolMetadata
}

func newFakeLoaderHost() *fakeLoaderHost {
	return &fakeLoaderHost{tools: make(map[string]hosting.ToolMetadata)}
}

func (h *fakeLoaderHost) RegisterTool(name string, meta hosting.ToolMetadata, handler hosting.ToolHandler) error {
	h.tools[name] = meta
	return nil
}
func (h *fakeLoaderHost) RegisterResource(name, uri string, meta hosting.ResourceMetadata, reader hosting.ResourceReader) error {
	return nil
}
func (h *fakeLoaderHost) RegisterPrompt(name string, meta hosting.PromptMetadata, cb hosting.PromptCallback) error {
	return nil
}
func (h *fakeLoaderHost) UnregisterTool(name string) error     { delete(h.tools, name); return nil }
func (h *fakeLoaderHost) UnregisterResource(name string) error { return nil }
func (h *fakeLoaderHost) UnregisterPrompt(name string) error   { return nil }

// buildTestPlugin writes a minimal plugin directory (dist/index.js plus a
// matching manifest) and returns the plugin directory and raw manifest
// bytes, with dist.hash computed from the actual written files so
// VerifyDistHash succeeds.
func buildTestPlugin(t *testing.T, toolName string) (string, []byte) {
	t.Helper()

	root := t.TempDir()
	distDir := filepath.Join(root, "dist")
	if err := os.MkdirAll(distDir, 0o755); err != nil {
		t.Fatalf("mkdir dist: %v", err)
	}

	script := `#!/bin/sh
echo '{"type":"register_tool","name":"` + toolName + `","description":"a test tool with enough description","inputSchema":{"type":"object"}}'
echo '{"type":"ready"}'
while IFS= read -r line; do
  echo '{"content":[{"type":"text","text":"ok"}],"isError":false}'
done
`
	if err := os.WriteFile(filepath.Join(distDir, "index.js"), []byte(script), 0o755); err != nil {
		t.Fatalf("write entry: %v", err)
	}

	hash, _, err := ComputeDistHash(distDir)
	if err != nil {
		t.Fatalf("compute dist hash: %v", err)
	}

	manifest := map[string]interface{}{
		"manifestVersion": "2",
		"name":            "test-plugin",
		"version":         "1.0.0",
		"entry":           "dist/index.js",
		"dist":            map[string]interface{}{"hash": hash},
		"capabilities": map[string]interface{}{
			"tools": []map[string]interface{}{{"name": toolName}},
		},
	}
	raw, err := json.Marshal(manifest)
	if err != nil {
		t.Fatalf("marshal manifest: %v", err)
	}

	return root, raw
}

func newTestLoader(t *testing.T, policy Policy) (*Loader, *capability.Registry, *fakeLoaderHost) {
	t.Helper()
	sv, err := NewSchemaValidator("")
	if err != nil {
		t.Fatalf("new schema validator: %v", err)
	}
	host := newFakeLoaderHost()
	registry := capability.New(host, logging.NewNop(), metrics.Noop())
	vm := validation.NewManager(validation.DefaultConfig(), logging.NewNop(), metrics.Noop())
	adapter := schema.New(logging.NewNop())
	loader := NewLoader(sv, policy, vm, adapter, registry, logging.NewNop())
	return loader, registry, host
}

func TestLoadRegistersCapturedToolOnHost(t *testing.T) {
	pluginDir, manifestRaw := buildTestPlugin(t, "echo_tool")
	loader, _, host := newTestLoader(t, Policy{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := loader.Load(ctx, host, pluginDir, manifestRaw, LoadOptions{Interpreter: "sh", ImportTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if _, ok := host.tools["echo_tool"]; !ok {
		t.Fatalf("expected echo_tool registered on host, got %+v", host.tools)
	}
	if len(result.Snapshot.Tools) != 1 || result.Snapshot.Tools[0] != "echo_tool" {
		t.Fatalf("unexpected snapshot: %+v", result.Snapshot)
	}
}

func TestLoadDryRunDoesNotRegisterOnHost(t *testing.T) {
	pluginDir, manifestRaw := buildTestPlugin(t, "dry_tool")
	loader, _, host := newTestLoader(t, Policy{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := loader.Load(ctx, host, pluginDir, manifestRaw, LoadOptions{Interpreter: "sh", ImportTimeout: 5 * time.Second, DryRun: true})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(host.tools) != 0 {
		t.Fatalf("expected no host registrations in dry-run, got %+v", host.tools)
	}
}

func TestLoadFailsOnDistHashMismatch(t *testing.T) {
	pluginDir, manifestRaw := buildTestPlugin(t, "tampered_tool")

	// Tamper with the dist file after the hash was computed.
	if err := os.WriteFile(filepath.Join(pluginDir, "dist", "index.js"), []byte("#!/bin/sh\necho tampered\n"), 0o755); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	loader, _, host := newTestLoader(t, Policy{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := loader.Load(ctx, host, pluginDir, manifestRaw, LoadOptions{Interpreter: "sh"})
	if err == nil {
		t.Fatalf("expected dist hash verification failure")
	}
}

func TestLoadStrictCapabilitiesRejectsUndeclaredTool(t *testing.T) {
	pluginDir, manifestRaw := buildTestPlugin(t, "undeclared_tool")

	// Rewrite the manifest to declare a different tool name than what the
	// fake entry actually registers.
	var m map[string]interface{}
	if err := json.Unmarshal(manifestRaw, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	m["capabilities"] = map[string]interface{}{
		"tools": []map[string]interface{}{{"name": "some_other_tool"}},
	}
	raw, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	loader, _, host := newTestLoader(t, Policy{StrictCapabilities: true})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = loader.Load(ctx, host, pluginDir, raw, LoadOptions{Interpreter: "sh"})
	if err == nil {
		t.Fatalf("expected capability preflight failure under strict capabilities")
	}
}
