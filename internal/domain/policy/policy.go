// Package policy defines access-policy rules and the decision engine that
// gates every mediated tool call. A rule maps a scope selector (workspace,
// tool-path pattern, credential source) to a forced decision; the engine
// picks the most specific match, with deny always winning ties.
package policy

// Decision is the outcome of evaluating a tool call against the rules.
type Decision string

const (
	DecisionAuto            Decision = "auto"
	DecisionRequireApproval Decision = "require_approval"
	DecisionDeny            Decision = "deny"
)

// restrictiveness orders decisions for composite-tool resolution:
// deny > require_approval > auto.
func restrictiveness(d Decision) int {
	switch d {
	case DecisionDeny:
		return 2
	case DecisionRequireApproval:
		return 1
	default:
		return 0
	}
}

// MoreRestrictive returns the stricter of two decisions.
func MoreRestrictive(a, b Decision) Decision {
	if restrictiveness(b) > restrictiveness(a) {
		return b
	}
	return a
}

// Selector scopes a rule. Empty fields match everything; each set field
// must match for the rule to apply.
type Selector struct {
	Workspace   string `json:"workspace,omitempty" yaml:"workspace,omitempty"`
	PathPattern string `json:"path_pattern,omitempty" yaml:"path_pattern,omitempty"`
	Source      string `json:"source,omitempty" yaml:"source,omitempty"`
}

// Rule forces a decision for calls matching its selector. Rules are
// evaluated as an ordered list; declaration order breaks specificity ties.
type Rule struct {
	Selector Selector `json:"selector" yaml:"selector"`
	Decision Decision `json:"decision" yaml:"decision"`
}

// Context is the invocation context a call is evaluated under.
type Context struct {
	Workspace    string `json:"workspace"`
	Organization string `json:"organization,omitempty"`
	Caller       string `json:"caller,omitempty"`

	// SourceHints narrows composite-tool evaluation to the backends a
	// federated call will actually touch, when the caller knows them.
	SourceHints []string `json:"source_hints,omitempty"`
}

// Evaluation captures a decision and why it was made, for audit logging.
type Evaluation struct {
	Decision  Decision `json:"decision"`
	RuleIndex int      `json:"rule_index"` // -1 when no rule matched (tool default)
	Reason    string   `json:"reason"`
}
