// Package harness runs declarative ingest scenarios for conformance
// testing. A scenario registers models, feeds records through the full
// pipeline, and snapshots the resulting canonical state for golden file
// comparison.
package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Scenario defines one conformance scenario.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Models declares the registry contents for the run.
	Models []ModelDecl `yaml:"models"`

	// Records is the ordered ingest sequence.
	Records []RecordStep `yaml:"records"`
}

// ModelDecl declares one model for the scenario registry. It mirrors the
// CUE model shape so scenarios stay self-contained.
type ModelDecl struct {
	Name             string               `yaml:"name"`
	DefaultView      string               `yaml:"default_view"`
	ExternalID       string               `yaml:"external_id,omitempty"`
	IdentityProperty string               `yaml:"identity_property,omitempty"`
	KeyProperty      string               `yaml:"key_property,omitempty"`
	DefaultPolicy    string               `yaml:"default_policy,omitempty"`
	Fields           map[string]FieldDecl `yaml:"fields,omitempty"`
}

// FieldDecl declares per-field policy and standardization.
type FieldDecl struct {
	Policy      string   `yaml:"policy,omitempty"`
	Standardize []string `yaml:"standardize,omitempty"`
}

// RecordStep is one ingested record. ExpectError names the error code the
// step must fail with; a step without it must succeed.
type RecordStep struct {
	Source      string         `yaml:"source"`
	Model       string         `yaml:"model"`
	ReferenceID string         `yaml:"reference_id,omitempty"`
	Fields      map[string]any `yaml:"fields"`
	ExpectError string         `yaml:"expect_error,omitempty"`
}

// LoadScenario reads and parses a scenario YAML file. Unknown fields are
// rejected to catch typos.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario file: %w", err)
	}

	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("parse scenario YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Models) == 0 {
		return fmt.Errorf("models list is required and must be non-empty")
	}
	if len(s.Records) == 0 {
		return fmt.Errorf("records list is required and must be non-empty")
	}

	for i, m := range s.Models {
		if m.Name == "" {
			return fmt.Errorf("models[%d]: name is required", i)
		}
		if m.DefaultView == "" {
			return fmt.Errorf("models[%d]: default_view is required", i)
		}
	}
	for i, r := range s.Records {
		if r.Source == "" {
			return fmt.Errorf("records[%d]: source is required", i)
		}
		if r.Model == "" {
			return fmt.Errorf("records[%d]: model is required", i)
		}
		if len(r.Fields) == 0 {
			return fmt.Errorf("records[%d]: fields is required and must be non-empty", i)
		}
	}
	return nil
}
