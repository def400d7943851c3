package keystore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestOpenSeedsFromFallbackFile(t *testing.T) {
	dir := t.TempDir()
	fallback := filepath.Join(dir, "trusted_keys.json")
	seed := fileFormat{Keys: []fileEntry{{KeyID: "key-1", PublicKey: "PEM-DATA"}}}
	raw, err := json.Marshal(seed)
	if err != nil {
		t.Fatalf("marshal seed: %v", err)
	}
	if err := os.WriteFile(fallback, raw, 0o644); err != nil {
		t.Fatalf("write seed: %v", err)
	}

	s, err := Open(filepath.Join(dir, "keystore.db"), fallback)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	key, ok, err := s.TrustedKey("key-1")
	if err != nil {
		t.Fatalf("trusted key: %v", err)
	}
	if !ok || string(key) != "PEM-DATA" {
		t.Fatalf("expected seeded key, got %q ok=%v", key, ok)
	}
}

func TestPutTrustedKeyPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "keystore.db")

	s, err := Open(dbPath, "")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.PutTrustedKey("key-2", []byte("MATERIAL")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(dbPath, "")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	key, ok, err := reopened.TrustedKey("key-2")
	if err != nil {
		t.Fatalf("trusted key: %v", err)
	}
	if !ok || string(key) != "MATERIAL" {
		t.Fatalf("expected persisted key, got %q ok=%v", key, ok)
	}
}

func TestResetClearsCacheAndDB(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "keystore.db"), "")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	if err := s.PutTrustedKey("key-3", []byte("X")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}

	_, ok, err := s.TrustedKey("key-3")
	if err != nil {
		t.Fatalf("trusted key: %v", err)
	}
	if ok {
		t.Fatalf("expected key-3 gone after reset")
	}
}
