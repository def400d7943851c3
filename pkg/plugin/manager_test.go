package plugin

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/osakka/toolserver/pkg/logging"
	"github.com/osakka/toolserver/pkg/metrics"
	"github.com/osakka/toolserver/pkg/validation"
)

func newTestManager(t *testing.T, policy Policy) (*Manager, *fakeLoaderHost) {
	t.Helper()
	loader, _, host := newTestLoader(t, policy)
	vm := validation.NewManager(validation.DefaultConfig(), logging.NewNop(), metrics.Noop())
	m := NewManager(t.TempDir(), loader, policy, nil, loader.registry, vm, logging.NewNop(), metrics.Noop())
	m.SetInterpreter("sh")
	return m, host
}

func installRecord(t *testing.T, m *Manager, toolName string) *Record {
	t.Helper()
	pluginDir, manifestRaw := buildTestPlugin(t, toolName)
	if err := os.WriteFile(filepath.Join(pluginDir, "mcp-plugin.json"), manifestRaw, 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	sv, err := NewSchemaValidator("")
	if err != nil {
		t.Fatalf("schema validator: %v", err)
	}
	manifest, _, err := sv.Validate(manifestRaw)
	if err != nil {
		t.Fatalf("validate manifest: %v", err)
	}

	record := &Record{ID: manifest.Name, Manifest: *manifest, Path: pluginDir, State: StateUnloaded}
	m.mu.Lock()
	m.records[manifest.Name] = record
	m.mu.Unlock()
	return record
}

func TestManagerLoadActivatesRecordAndWritesLockFile(t *testing.T) {
	m, host := newTestManager(t, Policy{})
	record := installRecord(t, m, "lockfile_tool")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := m.Load(ctx, host, record.ID); err != nil {
		t.Fatalf("load: %v", err)
	}

	if record.State != StateActive {
		t.Fatalf("expected state ACTIVE, got %s", record.State)
	}
	if _, ok := host.tools["lockfile_tool"]; !ok {
		t.Fatalf("expected tool registered on host")
	}
	if _, err := os.Stat(filepath.Join(record.Path, "install.lock.json")); err != nil {
		t.Fatalf("expected install.lock.json to be written: %v", err)
	}
}

func TestManagerUnloadPurgesHostAndRegistry(t *testing.T) {
	m, host := newTestManager(t, Policy{})
	record := installRecord(t, m, "unload_tool")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Load(ctx, host, record.ID); err != nil {
		t.Fatalf("load: %v", err)
	}

	if err := m.Unload(host, record.ID); err != nil {
		t.Fatalf("unload: %v", err)
	}

	if record.State != StateUnloaded {
		t.Fatalf("expected state UNLOADED, got %s", record.State)
	}
	if _, ok := host.tools["unload_tool"]; ok {
		t.Fatalf("expected tool unregistered from host")
	}
}

func TestManagerRemoveDeletesPluginDirectory(t *testing.T) {
	m, host := newTestManager(t, Policy{})
	record := installRecord(t, m, "remove_tool")
	path := record.Path

	if err := m.Remove(host, record.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected plugin directory to be removed")
	}
	if _, ok := m.Record(record.ID); ok {
		t.Fatalf("expected record to be purged from manager")
	}
}

func TestTopoLevelsDetectsCycle(t *testing.T) {
	m, _ := newTestManager(t, Policy{})
	a := &Record{ID: "a", Manifest: Manifest{Dependencies: []string{"b"}}}
	b := &Record{ID: "b", Manifest: Manifest{Dependencies: []string{"a"}}}
	m.mu.Lock()
	m.records["a"] = a
	m.records["b"] = b
	m.mu.Unlock()

	_, err := m.topoLevels([]string{"a", "b"})
	if err == nil {
		t.Fatalf("expected a cycle error")
	}
}

func TestTopoLevelsPlacesDependentInLaterLevel(t *testing.T) {
	m, _ := newTestManager(t, Policy{})
	base := &Record{ID: "base", Manifest: Manifest{}}
	dependent := &Record{ID: "dependent", Manifest: Manifest{Dependencies: []string{"base"}}}
	m.mu.Lock()
	m.records["base"] = base
	m.records["dependent"] = dependent
	m.mu.Unlock()

	levels, err := m.topoLevels([]string{"base", "dependent"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(levels) != 2 || levels[0][0] != "base" || levels[1][0] != "dependent" {
		t.Fatalf("expected [[base] [dependent]], got %+v", levels)
	}
}
