// Package typecheck implements the pre-execution static validation gate.
// Before any generated code runs, its source is checked against a
// declaration of the tools currently visible to the caller: undeclared
// tool paths and structurally invalid argument literals are rejected with
// the offending identifier named, so an agent can self-correct.
package typecheck

import (
	"sort"

	"github.com/toolgate/toolgate/internal/domain/tool"
)

// Declaration is the structural view of a visible catalog snapshot used
// for validation. Building one walks every descriptor, so declarations are
// cached by the catalog's content signature (see service wiring).
type Declaration struct {
	Signature string                  `json:"signature"`
	Tools     map[string]DeclaredTool `json:"tools"`
}

// DeclaredTool is the validated shape of one tool.
type DeclaredTool struct {
	Path   string       `json:"path"`
	Args   *tool.Schema `json:"args,omitempty"`
	Result *tool.Schema `json:"result,omitempty"`
}

// BuildDeclaration derives a declaration from a visible catalog snapshot.
func BuildDeclaration(cat *tool.Catalog) *Declaration {
	d := &Declaration{
		Signature: cat.Signature(),
		Tools:     make(map[string]DeclaredTool, cat.Len()),
	}
	for _, p := range cat.Paths() {
		desc, _ := cat.Resolve(p)
		d.Tools[p] = DeclaredTool{Path: p, Args: desc.Args, Result: desc.Result}
	}
	return d
}

// nearestPaths returns up to three declared paths sharing the longest
// prefix with the given path, for error guidance.
func (d *Declaration) nearestPaths(path string) []string {
	type scored struct {
		path  string
		score int
	}
	var candidates []scored
	for p := range d.Tools {
		candidates = append(candidates, scored{p, commonPrefixLen(p, path)})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].path < candidates[j].path
	})
	var out []string
	for i := 0; i < len(candidates) && i < 3; i++ {
		if candidates[i].score == 0 {
			break
		}
		out = append(out, candidates[i].path)
	}
	return out
}

func commonPrefixLen(a, b string) int {
	n := 0
	for n < len(a) && n < len(b) && a[n] == b[n] {
		n++
	}
	return n
}
