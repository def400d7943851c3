package plugin

import "testing"

func TestEvaluateGatesSandboxRequiredUnavailable(t *testing.T) {
	p := Policy{SandboxAvailable: false}
	manifest := Manifest{Name: "p1", DependenciesPolicy: DependenciesSandboxRequired}

	err := p.EvaluateGates(manifest, false)
	if err == nil {
		t.Fatalf("expected policy error for unavailable sandbox")
	}
}

func TestEvaluateGatesNativeAddonDenied(t *testing.T) {
	p := Policy{AllowNative: false}
	manifest := Manifest{Name: "p1"}

	err := p.EvaluateGates(manifest, true)
	if err == nil {
		t.Fatalf("expected policy error for native addon")
	}
}

func TestEvaluateGatesAllowsWhenPoliciesSatisfied(t *testing.T) {
	p := Policy{SandboxAvailable: true, AllowNative: true}
	manifest := Manifest{Name: "p1", DependenciesPolicy: DependenciesSandboxRequired}

	if err := p.EvaluateGates(manifest, true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestEvaluateGatesGlobalAllowlistRejectsUnlistedDependency(t *testing.T) {
	p := Policy{GlobalAllowlist: map[string]bool{"lodash": true}}
	manifest := Manifest{
		Name:               "p1",
		DependenciesPolicy: DependenciesExternalAllowlist,
		ExternalDependencies: []ExternalDependency{
			{Name: "left-pad", Version: "1.0.0"},
		},
	}

	if err := p.EvaluateGates(manifest, false); err == nil {
		t.Fatalf("expected policy error for dependency absent from global allowlist")
	}
}

func TestPolicyFromEnvParsesTruthyValues(t *testing.T) {
	t.Setenv("STRICT_CAPABILITIES", "1")
	t.Setenv("PLUGIN_TRUSTED_KEY_IDS", "key-a, key-b")

	p := PolicyFromEnv()
	if !p.StrictCapabilities {
		t.Fatalf("expected StrictCapabilities to be true")
	}
	if len(p.TrustedKeyIDs) != 2 || p.TrustedKeyIDs[0] != "key-a" {
		t.Fatalf("expected trusted key ids parsed, got %v", p.TrustedKeyIDs)
	}
}
