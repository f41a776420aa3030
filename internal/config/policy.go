package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// PolicyFile is the YAML document named by policy_file. Present fields
// override the INI values.
type PolicyFile struct {
	AnonymousAllowance  *int64           `yaml:"anonymous_allowance"`
	RegisteredAllowance *int64           `yaml:"registered_allowance"`
	AnonymousRetention  string           `yaml:"anonymous_retention"`
	Actions             map[string]int64 `yaml:"actions"`
}

// LoadPolicyFile parses the YAML policy at path.
func LoadPolicyFile(path string) (PolicyFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return PolicyFile{}, fmt.Errorf("read policy file: %w", err)
	}
	var pf PolicyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return PolicyFile{}, fmt.Errorf("parse policy file %s: %w", path, err)
	}
	return pf, nil
}

// Apply overlays the file onto cfg.
func (pf PolicyFile) Apply(cfg *CreditsConfig) error {
	if pf.AnonymousAllowance != nil {
		cfg.Policy.AnonymousAllowance = *pf.AnonymousAllowance
	}
	if pf.RegisteredAllowance != nil {
		cfg.Policy.RegisteredAllowance = *pf.RegisteredAllowance
	}
	if pf.AnonymousRetention != "" {
		d, err := time.ParseDuration(pf.AnonymousRetention)
		if err != nil {
			return fmt.Errorf("invalid anonymous_retention %q: %w", pf.AnonymousRetention, err)
		}
		cfg.Policy.AnonymousRetention = d
	}
	if len(pf.Actions) > 0 {
		cfg.ActionPrices = make(map[string]int64, len(pf.Actions))
		for action, price := range pf.Actions {
			cfg.ActionPrices[action] = price
		}
	}
	return nil
}
