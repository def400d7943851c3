package plugin

import (
	"os"
	"path/filepath"
	"testing"
)

func TestQuarantineMovesPluginDirectory(t *testing.T) {
	root := t.TempDir()
	pluginPath := filepath.Join(root, "plugins", "bad-plugin")
	if err := os.MkdirAll(pluginPath, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(pluginPath, "mcp-plugin.json"), []byte("{}"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	dest, err := Quarantine(root, "bad-plugin", pluginPath, "20260730120000")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := os.Stat(pluginPath); !os.IsNotExist(err) {
		t.Fatalf("expected original path to no longer exist")
	}
	if _, err := os.Stat(filepath.Join(dest, "mcp-plugin.json")); err != nil {
		t.Fatalf("expected manifest to exist at quarantined path: %v", err)
	}
}
