package capability

import (
	"testing"

	"github.com/osakka/toolserver/internal/hosting"
	"github.com/osakka/toolserver/pkg/errors"
	"github.com/osakka/toolserver/pkg/logging"
	"github.com/osakka/toolserver/pkg/metrics"
)

type fakeHost struct {
	unregisteredTools     []string
	unregisteredResources []string
	unregisteredPrompts   []string
}

func (f *fakeHost) RegisterTool(string, hosting.ToolMetadata, hosting.ToolHandler) error { return nil }
func (f *fakeHost) RegisterResource(string, string, hosting.ResourceMetadata, hosting.ResourceReader) error {
	return nil
}
func (f *fakeHost) RegisterPrompt(string, hosting.PromptMetadata, hosting.PromptCallback) error {
	return nil
}
func (f *fakeHost) UnregisterTool(name string) error {
	f.unregisteredTools = append(f.unregisteredTools, name)
	return nil
}
func (f *fakeHost) UnregisterResource(name string) error {
	f.unregisteredResources = append(f.unregisteredResources, name)
	return nil
}
func (f *fakeHost) UnregisterPrompt(name string) error {
	f.unregisteredPrompts = append(f.unregisteredPrompts, name)
	return nil
}

func newTestRegistry(host hosting.Host) *Registry {
	return New(host, logging.NewNop(), metrics.Noop())
}

func TestStartRegisterCompleteModule(t *testing.T) {
	r := newTestRegistry(&fakeHost{})

	if err := r.StartModule("weather", "domain"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := r.RegisterTool("get_forecast"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := r.RegisterTool("get_alerts"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := r.CompleteModule(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stats := r.GetStats()
	if stats.ModuleCount != 1 || stats.ToolCount != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestSecondStartModuleWithoutCompleteFails(t *testing.T) {
	r := newTestRegistry(&fakeHost{})

	if err := r.StartModule("a", "domain"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := r.StartModule("b", "domain")
	if err == nil {
		t.Fatalf("expected error on nested batch")
	}
	if !errors.Is(err, errors.CategoryState) {
		t.Fatalf("expected CategoryState, got %v", err)
	}
}

func TestDuplicateToolRegistrationIsSkippedNotError(t *testing.T) {
	r := newTestRegistry(&fakeHost{})

	_ = r.StartModule("a", "domain")
	_ = r.RegisterTool("shared_tool")
	_ = r.CompleteModule()

	_ = r.StartModule("b", "domain")
	if err := r.RegisterTool("shared_tool"); err != nil {
		t.Fatalf("duplicate registration should not error: %v", err)
	}
	_ = r.CompleteModule()

	stats := r.GetStats()
	if stats.UniqueTools != 1 {
		t.Fatalf("expected 1 unique tool, got %d", stats.UniqueTools)
	}
	if stats.DuplicateDetected != 1 {
		t.Fatalf("expected 1 duplicate detected, got %d", stats.DuplicateDetected)
	}
	if stats.TotalRegistrations != 2 {
		t.Fatalf("expected 2 total registrations, got %d", stats.TotalRegistrations)
	}
}

func TestApplyPluginCapabilityDiffRemovesBeforeHostAndInternal(t *testing.T) {
	host := &fakeHost{}
	r := newTestRegistry(host)

	_ = r.StartModule("weatherplugin", "plugin")
	_ = r.RegisterTool("old_tool")
	_ = r.CompleteModule()
	r.RegisterPluginCapabilities("weatherplugin", Snapshot{Tools: []string{"old_tool"}})

	diff := Diff(Snapshot{Tools: []string{"old_tool"}}, Snapshot{Tools: []string{"new_tool"}})
	if err := r.ApplyPluginCapabilityDiff("weatherplugin", diff); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(host.unregisteredTools) != 1 || host.unregisteredTools[0] != "old_tool" {
		t.Fatalf("expected host.UnregisterTool(old_tool), got %v", host.unregisteredTools)
	}

	stats := r.GetStats()
	if stats.UniqueTools != 0 {
		t.Fatalf("expected old_tool purged from internal bookkeeping, stats=%+v", stats)
	}
}

func TestRegisterToolWithoutOpenBatchFails(t *testing.T) {
	r := newTestRegistry(&fakeHost{})
	if err := r.RegisterTool("orphan"); err == nil {
		t.Fatalf("expected error registering without an open batch")
	}
}
