package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/cropledger-labs/cropledger/pkg/settlement"
)

// PolicyFile is the on-disk decision policy: the fixed oracle query template
// plus the full, versioned history of decision rules. The highest version is
// active.
type PolicyFile struct {
	Query    settlement.Query    `yaml:"query"`
	Policies []settlement.Policy `yaml:"policies"`
}

// LoadPolicyFile reads and validates the decision-policy YAML at path.
func LoadPolicyFile(path string) (*PolicyFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load decision policy %q: %w", path, err)
	}

	var pf PolicyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parse decision policy %q: %w", path, err)
	}
	if len(pf.Policies) == 0 {
		return nil, fmt.Errorf("decision policy %q: no policies defined", path)
	}
	if pf.Query.Region == "" || pf.Query.Metric == "" {
		return nil, fmt.Errorf("decision policy %q: query template incomplete", path)
	}
	return &pf, nil
}
