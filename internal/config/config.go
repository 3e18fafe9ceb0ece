package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// Config models phaseline.yml: the per-project phase catalog plus generation
// settings. Each phase number maps to a schema describing the artifact keys
// that phase recognizes, which of them are version-tracked, and what it must
// contain before it can be submitted for approval.
type Config struct {
	Project struct {
		ID   string `yaml:"id"`
		Kind string `yaml:"kind"`
	} `yaml:"project"`
	Phases struct {
		Catalog map[int]PhaseSchema `yaml:"catalog"`
	} `yaml:"phases"`
	Generation struct {
		// FallbackConfidence is stored when the collaborator omits a score.
		FallbackConfidence int `yaml:"fallback_confidence"`
		// Context names the upstream artifacts gathered (live values) when
		// generating a given artifact type.
		Context map[string][]string `yaml:"context"`
		// PersistEachGeneration defaults to true; artifact types set to false
		// replace the current value without appending a version entry.
		PersistEachGeneration map[string]bool `yaml:"persist_each_generation"`
	} `yaml:"generation"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty"`
}

type PhaseSchema struct {
	Name string `yaml:"name"`
	// Artifacts lists every artifact key the phase recognizes.
	Artifacts []string `yaml:"artifacts"`
	// Requires lists the artifact keys that must be non-empty before the
	// phase may be submitted for approval.
	Requires []string `yaml:"requires"`
	// Versioned lists the artifact keys whose mutations append version
	// history; the rest are tracked by current value only.
	Versioned []string `yaml:"versioned"`
	// RequiresStakeholder gates submission on at least one stakeholder.
	RequiresStakeholder bool `yaml:"requires_stakeholder"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
}

// TotalPhases returns the catalog size.
func (c *Config) TotalPhases() int {
	return len(c.Phases.Catalog)
}

// PhaseNumbers returns the catalog's phase numbers in order.
func (c *Config) PhaseNumbers() []int {
	nums := make([]int, 0, len(c.Phases.Catalog))
	for n := range c.Phases.Catalog {
		nums = append(nums, n)
	}
	sort.Ints(nums)
	return nums
}

// Schema returns the catalog entry for a phase number.
func (c *Config) Schema(phaseNumber int) (PhaseSchema, bool) {
	s, ok := c.Phases.Catalog[phaseNumber]
	return s, ok
}

// IsVersioned reports whether an artifact type of a phase is version-tracked.
func (s PhaseSchema) IsVersioned(artifactType string) bool {
	for _, v := range s.Versioned {
		if v == artifactType {
			return true
		}
	}
	return false
}

// Knows reports whether the phase recognizes an artifact key.
func (s PhaseSchema) Knows(artifactType string) bool {
	for _, a := range s.Artifacts {
		if a == artifactType {
			return true
		}
	}
	return false
}

// PersistGeneration reports whether AI generations of the artifact type
// append version history (default true).
func (c *Config) PersistGeneration(artifactType string) bool {
	if c.Generation.PersistEachGeneration == nil {
		return true
	}
	persist, ok := c.Generation.PersistEachGeneration[artifactType]
	if !ok {
		return true
	}
	return persist
}

// FallbackConfidence returns the score stored when the generation
// collaborator omits one.
func (c *Config) FallbackConfidence() int {
	if c.Generation.FallbackConfidence == 0 {
		return 88
	}
	return c.Generation.FallbackConfidence
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.Project.Kind != "delivery-workflow" {
		return fmt.Errorf("config.project.kind must be 'delivery-workflow'")
	}
	if len(c.Phases.Catalog) == 0 {
		return fmt.Errorf("config.phases.catalog is required")
	}
	for i, n := range c.PhaseNumbers() {
		if n != i+1 {
			return fmt.Errorf("phase numbers must be contiguous from 1; got %v", c.PhaseNumbers())
		}
	}
	for n, schema := range c.Phases.Catalog {
		if schema.Name == "" {
			return fmt.Errorf("phase %d has no name", n)
		}
		if len(schema.Artifacts) == 0 {
			return fmt.Errorf("phase %d (%s) declares no artifacts", n, schema.Name)
		}
		for _, req := range schema.Requires {
			if !schema.Knows(req) {
				return fmt.Errorf("phase %d requires unknown artifact %s", n, req)
			}
		}
		for _, v := range schema.Versioned {
			if !schema.Knows(v) {
				return fmt.Errorf("phase %d versions unknown artifact %s", n, v)
			}
		}
	}
	known := map[string]bool{}
	for _, schema := range c.Phases.Catalog {
		for _, a := range schema.Artifacts {
			known[a] = true
		}
	}
	for art, sources := range c.Generation.Context {
		if !known[art] {
			return fmt.Errorf("generation.context references unknown artifact %s", art)
		}
		for _, src := range sources {
			if !known[src] {
				return fmt.Errorf("generation.context for %s references unknown source %s", art, src)
			}
		}
	}
	for art := range c.Generation.PersistEachGeneration {
		if !known[art] {
			return fmt.Errorf("generation.persist_each_generation references unknown artifact %s", art)
		}
	}
	for i, wh := range c.Webhooks {
		if wh.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with pl project config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "phaseline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	cfg.Project.ID = projectID
	cfg.Project.Kind = "delivery-workflow"
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, projectID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `project:
  id: %s
  kind: delivery-workflow

phases:
  catalog:
    1:
      name: Requirements
      artifacts: [prd, brd, requirements, stakeholders, resource_allocation]
      requires: [prd, brd]
      versioned: [prd, brd, requirements]
      requires_stakeholder: true
    2:
      name: Planning
      artifacts: [epics, user_stories, timeline]
      requires: [epics, user_stories]
      versioned: [epics, user_stories]
    3:
      name: Architecture
      artifacts: [architecture, tech_stack, api_contracts]
      requires: [architecture]
      versioned: [architecture, api_contracts]
    4:
      name: Detailed Design
      artifacts: [component_wise_lld, data_model]
      requires: [component_wise_lld]
      versioned: [component_wise_lld]
    5:
      name: Development
      artifacts: [user_story_development, code_deliverables]
      requires: [user_story_development]
      versioned: [user_story_development, code_deliverables]
    6:
      name: Testing
      artifacts: [test_plan, test_results]
      requires: [test_plan]
      versioned: [test_plan]
    7:
      name: Deployment
      artifacts: [deployment_plan, release_notes]
      requires: [deployment_plan]
      versioned: [deployment_plan, release_notes]

generation:
  fallback_confidence: 88
  context:
    brd: [prd]
    requirements: [prd, brd]
    epics: [prd, requirements]
    user_stories: [epics, requirements]
    architecture: [epics, user_stories, requirements]
    api_contracts: [architecture]
    component_wise_lld: [architecture, api_contracts, user_stories]
    user_story_development: [component_wise_lld, user_stories]
    test_plan: [user_stories, component_wise_lld]
    deployment_plan: [architecture, test_plan]
  persist_each_generation:
    component_wise_lld: false
`
