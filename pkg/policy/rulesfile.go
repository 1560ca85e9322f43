package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// rulesFile is the on-disk shape of the operator rules document.
type rulesFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadRulesFile reads and compiles the operator rules from a YAML file.
// An empty path yields a nil RuleSet, which the pipeline treats as "no
// configured expressions".
func LoadRulesFile(path string) (*RuleSet, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: read rules file: %w", err)
	}
	var doc rulesFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("policy: parse rules file: %w", err)
	}
	if len(doc.Rules) == 0 {
		return nil, nil
	}
	return CompileRules(doc.Rules)
}
