package policy

import "fmt"

// Validate checks that a rule list is well-formed.
func Validate(rules []Rule) error {
	for i := range rules {
		if err := rules[i].Validate(); err != nil {
			return fmt.Errorf("policy: rule[%d]: %w", i, err)
		}
	}
	return nil
}

// Validate checks that a single rule is well-formed.
func (r *Rule) Validate() error {
	if r.Selector.Workspace == "" && r.Selector.PathPattern == "" && r.Selector.Source == "" {
		return fmt.Errorf("selector must set at least one of workspace, path_pattern, source")
	}
	if !isValidDecision(r.Decision) {
		return fmt.Errorf("invalid decision %q", r.Decision)
	}
	return nil
}

func isValidDecision(d Decision) bool {
	switch d {
	case DecisionAuto, DecisionRequireApproval, DecisionDeny:
		return true
	}
	return false
}
