package repository

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"returnflow/pkg/models"
)

type seedFile struct {
	Policies []models.Policy `yaml:"policies"`
}

// LoadPoliciesYAML reads a seed file of the form
//
//	policies:
//	  - id: pol-1
//	    business_id: biz-1
//	    version: "1"
//	    active: true
//	    rules: {return_window_days: 30, ...}
func LoadPoliciesYAML(path string) ([]models.Policy, error) {
	// #nosec G304 -- seed path comes from operator configuration.
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy seed: %w", err)
	}
	return ParsePoliciesYAML(raw)
}

func ParsePoliciesYAML(raw []byte) ([]models.Policy, error) {
	var f seedFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse policy seed: %w", err)
	}
	for i, p := range f.Policies {
		if err := validatePolicy(p); err != nil {
			return nil, fmt.Errorf("policy #%d: %w", i, err)
		}
	}
	return f.Policies, nil
}

// SeedPolicies saves every policy in order, so a later active policy of the
// same business wins.
func SeedPolicies(ctx context.Context, s Store, policies []models.Policy) error {
	for _, p := range policies {
		if _, err := s.SavePolicy(ctx, p); err != nil {
			return fmt.Errorf("seed policy %s: %w", p.ID, err)
		}
	}
	return nil
}
