// Package plugin implements the manifest-driven plugin lifecycle: discovery,
// schema/integrity/policy verification, out-of-process capture-then-forward
// loading, hot reload, and the install/unload/reload/remove orchestration of
// the Plugin Manager. See SPEC_FULL.md §§4.4-4.7.
package plugin

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"

	"github.com/xeipuuv/gojsonschema"

	"github.com/osakka/toolserver/pkg/errors"
)

// DependenciesPolicy is the declared stance on runtime dependencies.
type DependenciesPolicy string

const (
	DependenciesBundledOnly        DependenciesPolicy = "bundled-only"
	DependenciesExternalAllowlist  DependenciesPolicy = "external-allowlist"
	DependenciesSandboxRequired    DependenciesPolicy = "sandbox-required"
)

// Integrity pairs a hash algorithm with its hex/base64 value.
type Integrity struct {
	Alg   string `json:"alg"`
	Value string `json:"value"`
}

// FileChecksum is one entry in dist.checksums.files.
type FileChecksum struct {
	Path  string `json:"path"`
	Alg   string `json:"alg"`
	Value string `json:"value"`
}

// ChecksumManifest is the optional per-file checksum list, required under
// STRICT_INTEGRITY when Coverage == "all".
type ChecksumManifest struct {
	Files []FileChecksum `json:"files"`
}

// DistInfo describes the content-addressed dist/ directory.
type DistInfo struct {
	Hash       string            `json:"hash"`
	FileCount  int               `json:"fileCount,omitempty"`
	TotalBytes int64             `json:"totalBytes,omitempty"`
	Coverage   string            `json:"coverage,omitempty"`
	Checksums  *ChecksumManifest `json:"checksums,omitempty"`
}

// ExternalDependency is one entry in externalDependencies.
type ExternalDependency struct {
	Name        string      `json:"name"`
	Version     string      `json:"version"`
	Integrities []Integrity `json:"integrities,omitempty"`
}

// NamedCapability is one declared tool/resource/prompt name.
type NamedCapability struct {
	Name string `json:"name"`
}

// CapabilitiesDecl is the declared capability surface.
type CapabilitiesDecl struct {
	Tools     []NamedCapability `json:"tools,omitempty"`
	Resources []NamedCapability `json:"resources,omitempty"`
	Prompts   []NamedCapability `json:"prompts,omitempty"`
}

// SignatureEntry is one detached signature over the manifest's dist hash.
type SignatureEntry struct {
	KeyID     string `json:"keyId,omitempty"`
	Alg       string `json:"alg"`
	Signature string `json:"signature"`
}

// Manifest is the v2 plugin descriptor (mcp-plugin.json).
type Manifest struct {
	ManifestVersion      string               `json:"manifestVersion"`
	Name                 string               `json:"name"`
	Version              string               `json:"version"`
	Entry                string               `json:"entry"`
	Dist                 DistInfo             `json:"dist"`
	Dependencies         []string             `json:"dependencies,omitempty"`
	DependenciesPolicy   DependenciesPolicy   `json:"dependenciesPolicy,omitempty"`
	ExternalDependencies []ExternalDependency `json:"externalDependencies,omitempty"`
	Permissions          []string             `json:"permissions,omitempty"`
	Capabilities         CapabilitiesDecl     `json:"capabilities"`
	Signatures           []SignatureEntry     `json:"signatures,omitempty"`
}

// EffectiveDependenciesPolicy returns DependenciesBundledOnly when unset, the
// manifest's declared default.
func (m Manifest) EffectiveDependenciesPolicy() DependenciesPolicy {
	if m.DependenciesPolicy == "" {
		return DependenciesBundledOnly
	}
	return m.DependenciesPolicy
}

var entryPattern = regexp.MustCompile(`^dist/.+\.m?js$`)

// manifestSchemaJSON is the JSON-Schema (draft-07 shaped) manifests are
// validated against. Kept minimal but exhaustive of every field this
// package reads; SCHEMA_PATH lets an operator override it with a stricter
// organization-specific schema.
const manifestSchemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["manifestVersion", "name", "version", "entry", "dist", "capabilities"],
  "properties": {
    "manifestVersion": {"type": "string"},
    "name": {"type": "string", "minLength": 1},
    "version": {"type": "string", "minLength": 1},
    "entry": {"type": "string", "minLength": 1},
    "dist": {
      "type": "object",
      "required": ["hash"],
      "properties": {
        "hash": {"type": "string", "pattern": "^sha256:[0-9a-f]{64}$"},
        "fileCount": {"type": "integer"},
        "totalBytes": {"type": "integer"},
        "coverage": {"type": "string", "enum": ["all", "partial"]},
        "checksums": {
          "type": "object",
          "required": ["files"],
          "properties": {
            "files": {
              "type": "array",
              "items": {
                "type": "object",
                "required": ["path", "alg", "value"],
                "properties": {
                  "path": {"type": "string"},
                  "alg": {"type": "string"},
                  "value": {"type": "string"}
                }
              }
            }
          }
        }
      }
    },
    "dependencies": {"type": "array", "items": {"type": "string"}},
    "dependenciesPolicy": {"type": "string", "enum": ["bundled-only", "external-allowlist", "sandbox-required"]},
    "externalDependencies": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "version"],
        "properties": {
          "name": {"type": "string"},
          "version": {"type": "string"},
          "integrities": {
            "type": "array",
            "items": {
              "type": "object",
              "properties": {"alg": {"type": "string"}, "value": {"type": "string"}}
            }
          }
        }
      }
    },
    "permissions": {"type": "array", "items": {"type": "string"}},
    "capabilities": {
      "type": "object",
      "properties": {
        "tools": {"type": "array", "items": {"type": "object", "required": ["name"], "properties": {"name": {"type": "string"}}}},
        "resources": {"type": "array", "items": {"type": "object", "required": ["name"], "properties": {"name": {"type": "string"}}}},
        "prompts": {"type": "array", "items": {"type": "object", "required": ["name"], "properties": {"name": {"type": "string"}}}}
      }
    },
    "signatures": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["alg", "signature"],
        "properties": {
          "keyId": {"type": "string"},
          "alg": {"type": "string"},
          "signature": {"type": "string"}
        }
      }
    }
  }
}`

// SchemaValidator validates raw manifest JSON against the compiled v2
// schema, reporting each error with its field path (spec.md
// §4.5 step 1). It is compiled once and reused (spec.md §5, Shared
// Resources).
type SchemaValidator struct {
	compiled *gojsonschema.Schema
}

// NewSchemaValidator compiles the manifest schema. schemaPath, if non-empty,
// overrides the embedded schema (the SCHEMA_PATH environment variable named
// in spec.md §6).
func NewSchemaValidator(schemaPath string) (*SchemaValidator, error) {
	schemaJSON := manifestSchemaJSON
	if schemaPath != "" {
		raw, err := os.ReadFile(schemaPath)
		if err != nil {
			return nil, fmt.Errorf("read manifest schema %s: %w", schemaPath, err)
		}
		schemaJSON = string(raw)
	}
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("compile manifest schema: %w", err)
	}
	return &SchemaValidator{compiled: compiled}, nil
}

// SchemaFieldError is one field-level manifest schema violation.
type SchemaFieldError struct {
	Field       string
	Description string
}

// Validate checks raw manifest bytes against the compiled schema and, if
// structurally valid, decodes them into a Manifest.
func (v *SchemaValidator) Validate(raw []byte) (*Manifest, []SchemaFieldError, error) {
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, nil, errors.Manifest("parse", err.Error())
	}

	result, err := v.compiled.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return nil, nil, errors.Wrap(errors.CategoryManifest, "schema_validate", err)
	}

	if !result.Valid() {
		fieldErrors := make([]SchemaFieldError, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			fieldErrors = append(fieldErrors, SchemaFieldError{Field: e.Field(), Description: e.Description()})
		}
		return nil, fieldErrors, errors.Manifest("schema_validate", "manifest failed schema validation")
	}

	var manifest Manifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return nil, nil, errors.Manifest("decode", err.Error())
	}

	if manifest.ManifestVersion != "2" {
		return nil, nil, errors.Manifest("version_check", fmt.Sprintf("manifestVersion %q is not \"2\"", manifest.ManifestVersion))
	}
	if !entryPattern.MatchString(manifest.Entry) {
		return nil, nil, errors.Manifest("entry_check", fmt.Sprintf("entry %q does not match ^dist/.+\\.m?js$", manifest.Entry))
	}

	return &manifest, nil, nil
}
