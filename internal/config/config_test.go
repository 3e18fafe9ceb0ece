package config

import (
	"strings"
	"testing"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := Default("proj-1")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.TotalPhases() != 7 {
		t.Fatalf("expected 7 phases, got %d", cfg.TotalPhases())
	}
	nums := cfg.PhaseNumbers()
	for i, n := range nums {
		if n != i+1 {
			t.Fatalf("phase numbers not contiguous: %v", nums)
		}
	}
	one, ok := cfg.Schema(1)
	if !ok || one.Name != "Requirements" {
		t.Fatalf("unexpected phase 1: %+v", one)
	}
	if !one.RequiresStakeholder {
		t.Fatalf("phase 1 should gate on stakeholders")
	}
	if !one.IsVersioned("prd") || one.IsVersioned("stakeholders") {
		t.Fatalf("unexpected versioned set: %v", one.Versioned)
	}
}

func TestPersistGenerationDefaultsTrue(t *testing.T) {
	cfg := Default("proj-1")
	if !cfg.PersistGeneration("prd") {
		t.Fatalf("expected prd generations persisted")
	}
	if cfg.PersistGeneration("component_wise_lld") {
		t.Fatalf("expected component_wise_lld generations unpersisted")
	}
}

func TestFallbackConfidence(t *testing.T) {
	cfg := Default("proj-1")
	if cfg.FallbackConfidence() != 88 {
		t.Fatalf("expected 88, got %d", cfg.FallbackConfidence())
	}
	var zero Config
	if zero.FallbackConfidence() != 88 {
		t.Fatalf("expected zero-value fallback 88")
	}
}

func TestValidateRejectsBrokenCatalogs(t *testing.T) {
	cases := []struct {
		name  string
		yaml  string
		wants string
	}{
		{
			name:  "missing kind",
			yaml:  "project:\n  id: p\n",
			wants: "kind",
		},
		{
			name: "non-contiguous phases",
			yaml: `project:
  id: p
  kind: delivery-workflow
phases:
  catalog:
    1:
      name: One
      artifacts: [a]
    3:
      name: Three
      artifacts: [b]
`,
			wants: "contiguous",
		},
		{
			name: "requires unknown artifact",
			yaml: `project:
  id: p
  kind: delivery-workflow
phases:
  catalog:
    1:
      name: One
      artifacts: [a]
      requires: [b]
`,
			wants: "unknown artifact",
		},
		{
			name: "context references unknown source",
			yaml: `project:
  id: p
  kind: delivery-workflow
phases:
  catalog:
    1:
      name: One
      artifacts: [a]
generation:
  context:
    a: [ghost]
`,
			wants: "unknown source",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := FromYAML([]byte(tc.yaml))
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.wants) {
				t.Fatalf("expected error mentioning %q, got %v", tc.wants, err)
			}
		})
	}
}

func TestFromYAMLRoundTrip(t *testing.T) {
	raw := GenerateDefault("proj-x")
	cfg, err := FromYAML([]byte(raw))
	if err != nil {
		t.Fatalf("parse default yaml: %v", err)
	}
	if cfg.Project.ID != "proj-x" || cfg.Project.Kind != "delivery-workflow" {
		t.Fatalf("unexpected project block: %+v", cfg.Project)
	}
}
