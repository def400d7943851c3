package plugin

import (
	"os"
	"path/filepath"
	"testing"
)

func writeDist(t *testing.T, root string, files map[string]string) string {
	t.Helper()
	distDir := filepath.Join(root, "dist")
	for rel, content := range files {
		full := filepath.Join(distDir, rel)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	return distDir
}

func TestComputeDistHashIsDeterministic(t *testing.T) {
	root := t.TempDir()
	distDir := writeDist(t, root, map[string]string{
		"index.mjs":       "console.log('hi')",
		"lib/helper.mjs":  "export const x = 1",
	})

	h1, _, err := ComputeDistHash(distDir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h2, _, err := ComputeDistHash(distDir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("expected deterministic hash, got %s vs %s", h1, h2)
	}
}

func TestComputeDistHashRejectsEmptyDir(t *testing.T) {
	root := t.TempDir()
	distDir := filepath.Join(root, "dist")
	if err := os.MkdirAll(distDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	_, _, err := ComputeDistHash(distDir)
	if err == nil {
		t.Fatalf("expected error for empty dist directory")
	}
}

func TestVerifyDistHashDetectsMismatch(t *testing.T) {
	root := t.TempDir()
	distDir := writeDist(t, root, map[string]string{"index.mjs": "a"})

	manifest := Manifest{Dist: DistInfo{Hash: "sha256:deadbeef"}}
	if err := VerifyDistHash(distDir, manifest, false); err == nil {
		t.Fatalf("expected mismatch error")
	}
}

func TestVerifyDistHashAcceptsMatchingHash(t *testing.T) {
	root := t.TempDir()
	distDir := writeDist(t, root, map[string]string{"index.mjs": "a"})

	hash, _, err := ComputeDistHash(distDir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	manifest := Manifest{Dist: DistInfo{Hash: hash}}
	if err := VerifyDistHash(distDir, manifest, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
