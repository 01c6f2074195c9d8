package policy

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/toolgate/toolgate/internal/domain/tool"
)

// Decide evaluates a tool call against the ordered rule list.
//
// Selection: among matching rules, the most specific selector wins.
// Specificity is the sum of set selector fields, with an exact (wildcard
// free) path pattern counting double. Ties go to deny if any tied rule
// denies, then to declaration order. With no match, the tool's own
// approval mode applies: auto tools are auto, everything else requires
// approval.
//
// Composite tools (non-empty FanOut) resolve to the most restrictive
// decision among the effective sub-paths actually touched. Source hints in
// the context narrow the fan-out when present.
//
// Decide is side-effect free and safe to call repeatedly for the same
// call, both at first evaluation and at replay/poll time.
func Decide(d tool.Descriptor, ctx Context, rules []Rule) Evaluation {
	paths := effectivePaths(d, ctx)
	if len(paths) == 1 {
		return decidePath(d, paths[0], ctx, rules)
	}

	// Composite: strictest sub-decision wins.
	out := Evaluation{Decision: DecisionAuto, RuleIndex: -1, Reason: "composite: all sub-paths auto"}
	first := true
	for _, p := range paths {
		ev := decidePath(d, p, ctx, rules)
		if first || restrictiveness(ev.Decision) > restrictiveness(out.Decision) {
			out = ev
			out.Reason = fmt.Sprintf("composite sub-path %s: %s", p, ev.Reason)
		}
		first = false
	}
	return out
}

// effectivePaths returns the sub-paths a call actually touches. Source
// hints intersect the declared fan-out; hints that name undeclared
// sub-paths are ignored rather than widening the evaluation.
func effectivePaths(d tool.Descriptor, ctx Context) []string {
	if len(d.FanOut) == 0 {
		return []string{d.Path}
	}
	if len(ctx.SourceHints) == 0 {
		return d.FanOut
	}
	declared := make(map[string]bool, len(d.FanOut))
	for _, p := range d.FanOut {
		declared[p] = true
	}
	var out []string
	for _, h := range ctx.SourceHints {
		if declared[h] {
			out = append(out, h)
		}
	}
	if len(out) == 0 {
		return d.FanOut
	}
	return out
}

func decidePath(d tool.Descriptor, path string, ctx Context, rules []Rule) Evaluation {
	bestIdx := -1
	bestScore := -1
	denySeen := false
	denyIdx := -1
	denyScore := -1

	for i := range rules {
		r := &rules[i]
		score, ok := matchScore(r.Selector, d, path, ctx)
		if !ok {
			continue
		}
		if r.Decision == DecisionDeny && score >= denyScore {
			// Track the best deny separately: deny wins specificity ties.
			if score > denyScore {
				denyScore, denyIdx = score, i
			}
			denySeen = true
		}
		if score > bestScore {
			bestScore, bestIdx = score, i
		}
	}

	if bestIdx == -1 {
		return defaultEvaluation(d)
	}
	if denySeen && denyScore >= bestScore {
		return Evaluation{
			Decision:  DecisionDeny,
			RuleIndex: denyIdx,
			Reason:    fmt.Sprintf("rule[%d] denies %s", denyIdx, path),
		}
	}
	return Evaluation{
		Decision:  rules[bestIdx].Decision,
		RuleIndex: bestIdx,
		Reason:    fmt.Sprintf("rule[%d] matched %s", bestIdx, path),
	}
}

func defaultEvaluation(d tool.Descriptor) Evaluation {
	if d.Approval == tool.ApprovalAuto {
		return Evaluation{Decision: DecisionAuto, RuleIndex: -1, Reason: "no matching rule; tool default auto"}
	}
	return Evaluation{Decision: DecisionRequireApproval, RuleIndex: -1, Reason: "no matching rule; tool default requires approval"}
}

// matchScore reports whether the selector matches and how specific the
// match is. Each set field scores 1; an exact path pattern scores 2.
func matchScore(s Selector, d tool.Descriptor, path string, ctx Context) (int, bool) {
	score := 0
	if s.Workspace != "" {
		if s.Workspace != ctx.Workspace {
			return 0, false
		}
		score++
	}
	if s.Source != "" {
		if d.Credential == nil || s.Source != d.Credential.Source {
			return 0, false
		}
		score++
	}
	if s.PathPattern != "" {
		if !matchPath(s.PathPattern, path) {
			return 0, false
		}
		if strings.ContainsAny(s.PathPattern, "*?[") {
			score++
		} else {
			score += 2
		}
	}
	return score, true
}

// matchPath checks a dotted path against a pattern. Exact match, glob via
// filepath.Match ("calendar.*" matches "calendar.delete"), and a trailing
// ".*" also matches deeper paths ("calendar.*" matches
// "calendar.events.create").
func matchPath(pattern, path string) bool {
	if pattern == path {
		return true
	}
	if matched, err := filepath.Match(pattern, path); err == nil && matched {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return strings.HasPrefix(path, prefix+".")
	}
	return false
}
