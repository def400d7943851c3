package plugin

import (
	"fmt"
	"os"
	"strings"

	"github.com/osakka/toolserver/pkg/errors"
)

// Policy materializes the environment-flag policy surface named in spec.md
// §4.6 and §6. Constructed once at startup and passed down to the loader
// and manager.
type Policy struct {
	StrictCapabilities   bool
	StrictIntegrity      bool
	StrictSBOM           bool
	RequireSignatures    bool
	AllowRuntimeDeps     bool
	AllowNative          bool
	SandboxAvailable     bool
	SchemaPath           string
	TrustedKeyIDs        []string
	GlobalAllowlist      map[string]bool
	DebugRegistry        bool
	DebugAdapter         bool
	UseDiscovery         bool
}

// PolicyFromEnv reads the recognized environment variables (spec.md §6).
// REQUIRE_SIGNATURES and PLUGIN_REQUIRE_SIGNED are synonyms; either truthy
// value sets RequireSignatures.
func PolicyFromEnv() Policy {
	return Policy{
		StrictCapabilities: truthy(os.Getenv("STRICT_CAPABILITIES")),
		StrictIntegrity:    truthy(os.Getenv("STRICT_INTEGRITY")),
		StrictSBOM:         truthy(os.Getenv("STRICT_SBOM")),
		RequireSignatures:  truthy(os.Getenv("REQUIRE_SIGNATURES")) || truthy(os.Getenv("PLUGIN_REQUIRE_SIGNED")),
		AllowRuntimeDeps:   truthy(os.Getenv("PLUGIN_ALLOW_RUNTIME_DEPS")),
		AllowNative:        truthy(os.Getenv("PLUGIN_ALLOW_NATIVE")),
		SandboxAvailable:   truthy(os.Getenv("SANDBOX_AVAILABLE")),
		SchemaPath:         os.Getenv("SCHEMA_PATH"),
		TrustedKeyIDs:      splitNonEmpty(os.Getenv("PLUGIN_TRUSTED_KEY_IDS")),
		DebugRegistry:      truthy(os.Getenv("DEBUG_REGISTRY")),
		DebugAdapter:       truthy(os.Getenv("DEBUG_ADAPTER")),
		UseDiscovery:       truthy(os.Getenv("REGISTRY_USE_DISCOVERY")),
	}
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func splitNonEmpty(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// EvaluateGates runs the ordered policy gates of spec.md §4.5 step 3
// against manifest, returning the first failure.
func (p Policy) EvaluateGates(manifest Manifest, usesNativeAddon bool) error {
	if manifest.EffectiveDependenciesPolicy() == DependenciesSandboxRequired && !p.SandboxAvailable {
		return errors.Policy("policy_gate", "dependenciesPolicy=sandbox-required but sandbox is not available").
			WithContext("plugin", manifest.Name)
	}

	if usesNativeAddon && !p.AllowNative {
		return errors.Policy("policy_gate", "native addon (.node) load attempted but PLUGIN_ALLOW_NATIVE is not set").
			WithContext("plugin", manifest.Name)
	}

	if manifest.EffectiveDependenciesPolicy() == DependenciesExternalAllowlist {
		if err := p.checkExternalAllowlist(manifest); err != nil {
			return err
		}
	}

	return nil
}

// checkExternalAllowlist enforces that every external dependency the
// manifest declares is pre-approved. Declaring a dependency in
// externalDependencies is itself the manifest's own allowlist assertion;
// when the operator has configured a global allowlist, each declared
// dependency must additionally appear there.
func (p Policy) checkExternalAllowlist(manifest Manifest) error {
	if len(p.GlobalAllowlist) == 0 {
		return nil
	}

	for _, dep := range manifest.ExternalDependencies {
		if !p.GlobalAllowlist[dep.Name] {
			return errors.Policy("policy_gate", fmt.Sprintf("dependency %q is not in the global allowlist", dep.Name)).
				WithContext("plugin", manifest.Name)
		}
	}

	return nil
}
