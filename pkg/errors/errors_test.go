package errors

import (
	"fmt"
	"testing"
)

func TestWithPluginAndContext(t *testing.T) {
	err := Policy("load", "sandbox required").WithPlugin("p1").WithContext("sandbox_available", false)
	if err.Plugin != "p1" {
		t.Fatalf("expected plugin to be set")
	}
	if err.Context["sandbox_available"] != false {
		t.Fatalf("expected context to carry sandbox_available=false")
	}
	if err.Error() == "" {
		t.Fatalf("expected non-empty error string")
	}
}

func TestIsUnwraps(t *testing.T) {
	cause := Integrity("hash", "mismatch")
	wrapped := fmt.Errorf("install failed: %w", cause)
	if !Is(wrapped, CategoryIntegrity) {
		t.Fatalf("expected Is to see through fmt.Errorf wrapping")
	}
	if Is(wrapped, CategoryPolicy) {
		t.Fatalf("expected category mismatch to report false")
	}
}

func TestIOWrapsCause(t *testing.T) {
	cause := fmt.Errorf("disk full")
	err := IO("write_lockfile", cause)
	if err.Cause != cause {
		t.Fatalf("expected cause to be preserved")
	}
	if err.Category != CategoryIO {
		t.Fatalf("expected CategoryIO")
	}
}
