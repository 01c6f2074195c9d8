package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// ruleFile is the YAML shape of an access-policy file.
type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadDir reads every *.yaml file in dir (sorted by name, so file order is
// deterministic declaration order) and returns the concatenated rule list.
// A missing directory yields an empty list, not an error.
func LoadDir(dir string) ([]Rule, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("policy: read dir %s: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if ext := filepath.Ext(e.Name()); ext == ".yaml" || ext == ".yml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var rules []Rule
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name)) //nolint:gosec // G304: admin-controlled policy dir
		if err != nil {
			return nil, fmt.Errorf("policy: read %s: %w", name, err)
		}
		var f ruleFile
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("policy: parse %s: %w", name, err)
		}
		rules = append(rules, f.Rules...)
	}

	if err := Validate(rules); err != nil {
		return nil, err
	}
	return rules, nil
}
