package plugin

import (
	"crypto/ed25519"
	"encoding/base64"
	"path/filepath"
	"testing"

	"github.com/osakka/toolserver/pkg/keystore"
)

func newTestKeystore(t *testing.T) *keystore.Store {
	t.Helper()
	dir := t.TempDir()
	ks, err := keystore.Open(filepath.Join(dir, "keys.db"), "")
	if err != nil {
		t.Fatalf("open keystore: %v", err)
	}
	t.Cleanup(func() { ks.Close() })
	return ks
}

func TestSignatureVerifyEd25519Succeeds(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	ks := newTestKeystore(t)
	if err := ks.PutTrustedKey("signer-1", pub); err != nil {
		t.Fatalf("put trusted key: %v", err)
	}

	manifest := Manifest{
		Name: "p1",
		Dist: DistInfo{Hash: "sha256:abc123"},
	}
	sig := ed25519.Sign(priv, []byte(manifest.Dist.Hash))
	manifest.Signatures = []SignatureEntry{{
		KeyID:     "signer-1",
		Alg:       "ed25519",
		Signature: base64.StdEncoding.EncodeToString(sig),
	}}

	verifier := NewSignatureVerifier(ks)
	result, err := verifier.Verify(t.TempDir(), manifest, []string{"signer-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Verified || result.KeyID != "signer-1" {
		t.Fatalf("expected verified result, got %+v", result)
	}
}

func TestSignatureVerifyFailsWithNoTrustedKeys(t *testing.T) {
	ks := newTestKeystore(t)
	manifest := Manifest{Name: "p1", Dist: DistInfo{Hash: "sha256:abc123"}}

	verifier := NewSignatureVerifier(ks)
	_, err := verifier.Verify(t.TempDir(), manifest, nil)
	if err == nil {
		t.Fatalf("expected signature error when no trusted keys are configured")
	}
}

func TestSignatureVerifyRejectsTamperedPayload(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	ks := newTestKeystore(t)
	ks.PutTrustedKey("signer-1", pub)

	sig := ed25519.Sign(priv, []byte("sha256:original"))
	manifest := Manifest{
		Name: "p1",
		Dist: DistInfo{Hash: "sha256:tampered"},
		Signatures: []SignatureEntry{{
			KeyID:     "signer-1",
			Signature: base64.StdEncoding.EncodeToString(sig),
		}},
	}

	verifier := NewSignatureVerifier(ks)
	_, err := verifier.Verify(t.TempDir(), manifest, []string{"signer-1"})
	if err == nil {
		t.Fatalf("expected verification failure for tampered payload")
	}
}
