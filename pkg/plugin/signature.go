package plugin

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"os"
	"path/filepath"

	"github.com/osakka/toolserver/pkg/errors"
	"github.com/osakka/toolserver/pkg/keystore"
)

// sigCandidate is one signature value to try, optionally scoped to a
// specific key id.
type sigCandidate struct {
	KeyID     string
	Alg       string
	Signature string // base64
}

// sigFile is the shape of a sibling mcp-plugin.sig file when it's JSON
// rather than a raw base64 blob.
type sigFile struct {
	Signature string `json:"signature"`
	Alg       string `json:"alg"`
	KeyID     string `json:"keyId,omitempty"`
}

// SignatureResult is the outcome of a successful verification.
type SignatureResult struct {
	Verified bool
	KeyID    string
}

// SignatureVerifier verifies a plugin's dist-hash signature against a set
// of trusted keys (spec.md §4.6).
type SignatureVerifier struct {
	keystore *keystore.Store
}

// NewSignatureVerifier creates a SignatureVerifier.
func NewSignatureVerifier(ks *keystore.Store) *SignatureVerifier {
	return &SignatureVerifier{keystore: ks}
}

// Verify tries, in order, every entry in manifest.Signatures and then a
// sibling mcp-plugin.sig file, against every key id in trustedKeyIDs (or,
// for signatures naming a keyId, that key specifically). The canonical
// signed payload is the ASCII bytes of manifest.Dist.Hash.
func (v *SignatureVerifier) Verify(pluginDir string, manifest Manifest, trustedKeyIDs []string) (SignatureResult, error) {
	payload := []byte(manifest.Dist.Hash)

	var candidates []sigCandidate
	for _, s := range manifest.Signatures {
		candidates = append(candidates, sigCandidate{KeyID: s.KeyID, Alg: s.Alg, Signature: s.Signature})
	}
	if sibling, ok := v.readSiblingSigFile(pluginDir); ok {
		candidates = append(candidates, sibling)
	}

	for _, candidate := range candidates {
		keyIDs := trustedKeyIDs
		if candidate.KeyID != "" {
			keyIDs = []string{candidate.KeyID}
		}

		for _, keyID := range keyIDs {
			keyMaterial, found, err := v.keystore.TrustedKey(keyID)
			if err != nil {
				return SignatureResult{}, errors.Wrap(errors.CategorySignature, "load_trusted_key", err)
			}
			if !found {
				continue
			}

			sigBytes, err := decodeSignature(candidate.Signature)
			if err != nil {
				continue
			}

			if verifySignature(keyMaterial, payload, sigBytes) {
				return SignatureResult{Verified: true, KeyID: keyID}, nil
			}
		}
	}

	return SignatureResult{Verified: false}, errors.Signature("verify", "no trusted key verified the plugin's signature").
		WithPlugin(manifest.Name)
}

func (v *SignatureVerifier) readSiblingSigFile(pluginDir string) (sigCandidate, bool) {
	raw, err := os.ReadFile(filepath.Join(pluginDir, "mcp-plugin.sig"))
	if err != nil {
		return sigCandidate{}, false
	}

	var parsed sigFile
	if err := json.Unmarshal(raw, &parsed); err == nil && parsed.Signature != "" {
		return sigCandidate{KeyID: parsed.KeyID, Alg: parsed.Alg, Signature: parsed.Signature}, true
	}

	return sigCandidate{Signature: string(raw)}, true
}

func decodeSignature(encoded string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(trimTrailingWhitespace(encoded))
}

func trimTrailingWhitespace(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r' || s[len(s)-1] == ' ') {
		s = s[:len(s)-1]
	}
	return s
}

// verifySignature detects the key's algorithm from its material (PEM =>
// RSA/ECDSA; raw/base64 32-byte key => Ed25519) and verifies sig over
// payload.
func verifySignature(keyMaterial, payload, sig []byte) bool {
	if block, _ := pem.Decode(keyMaterial); block != nil {
		pub, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return false
		}
		switch key := pub.(type) {
		case *rsa.PublicKey:
			digest := sha256.Sum256(payload)
			return rsa.VerifyPKCS1v15(key, crypto.SHA256, digest[:], sig) == nil
		case *ecdsa.PublicKey:
			digest := sha256.Sum256(payload)
			return ecdsa.VerifyASN1(key, digest[:], sig)
		case ed25519.PublicKey:
			return ed25519.Verify(key, payload, sig)
		default:
			return false
		}
	}

	rawKey := keyMaterial
	if len(rawKey) != ed25519.PublicKeySize {
		if decoded, err := base64.StdEncoding.DecodeString(string(keyMaterial)); err == nil {
			rawKey = decoded
		}
	}
	if len(rawKey) == ed25519.PublicKeySize {
		return ed25519.Verify(ed25519.PublicKey(rawKey), payload, sig)
	}

	return false
}
