package plugin

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/osakka/toolserver/pkg/logging"
)

const samplePluginManifest = `{
  "manifestVersion": "2",
  "name": "p1",
  "version": "1.0.0",
  "entry": "dist/index.mjs",
  "dist": {"hash": "sha256:0000000000000000000000000000000000000000000000000000000000000"},
  "capabilities": {"tools": [{"name": "t1"}]}
}`

func writePlugin(t *testing.T, root, name, manifest string) {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "mcp-plugin.json"), []byte(manifest), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
}

func TestDiscoverFindsV2Manifest(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, "p1", samplePluginManifest)

	d := NewDiscoverer([]string{root}, logging.NewNop())
	catalog, err := d.Discover()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := catalog["p1"]; !ok {
		t.Fatalf("expected p1 in catalog, got %+v", catalog)
	}
}

func TestDiscoverSkipsNonV2Manifest(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, "legacy", `{"manifestVersion": "1", "name": "legacy"}`)

	d := NewDiscoverer([]string{root}, logging.NewNop())
	catalog, err := d.Discover()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := catalog["legacy"]; ok {
		t.Fatalf("expected legacy manifest to be skipped")
	}
}

func TestDiscoverSkipsDisabledPlugin(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, "p1", samplePluginManifest)
	if err := os.WriteFile(filepath.Join(root, "p1", ".disabled"), []byte{}, 0o644); err != nil {
		t.Fatalf("write sentinel: %v", err)
	}

	d := NewDiscoverer([]string{root}, logging.NewNop())
	catalog, err := d.Discover()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := catalog["p1"]; ok {
		t.Fatalf("expected disabled plugin to be skipped")
	}
}

func TestDiscoverIsIdempotent(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, "p1", samplePluginManifest)

	d := NewDiscoverer([]string{root}, logging.NewNop())
	first, err := d.Discover()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := d.Discover()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(first) != len(second) {
		t.Fatalf("expected identical catalogs across scans, got %d vs %d", len(first), len(second))
	}
}
