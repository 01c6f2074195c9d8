package tool

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Catalog is an immutable snapshot of tool descriptors, resolved once at
// run start. The same snapshot serves both validation and execution for
// the whole run; mid-run catalog swaps are not possible by construction.
type Catalog struct {
	tools map[string]Descriptor
	paths []string // sorted
	sig   string
}

// NewCatalog builds a catalog from descriptors, normalizing nothing:
// paths are validated, duplicates rejected.
func NewCatalog(descriptors []Descriptor) (*Catalog, error) {
	c := &Catalog{tools: make(map[string]Descriptor, len(descriptors))}
	for i := range descriptors {
		d := descriptors[i]
		if err := d.Validate(); err != nil {
			return nil, fmt.Errorf("catalog: %w", err)
		}
		if _, dup := c.tools[d.Path]; dup {
			return nil, fmt.Errorf("catalog: duplicate tool path %q", d.Path)
		}
		c.tools[d.Path] = d
		c.paths = append(c.paths, d.Path)
	}
	sort.Strings(c.paths)
	c.sig = computeSignature(c)
	return c, nil
}

// Resolve returns the descriptor for a dotted path.
func (c *Catalog) Resolve(path string) (Descriptor, bool) {
	d, ok := c.tools[path]
	return d, ok
}

// Paths returns all tool paths in sorted order.
func (c *Catalog) Paths() []string {
	out := make([]string, len(c.paths))
	copy(out, c.paths)
	return out
}

// Len returns the number of tools in the snapshot.
func (c *Catalog) Len() int { return len(c.tools) }

// Filter returns a new snapshot containing only descriptors the predicate
// keeps. Used to derive the caller-visible catalog after deny filtering.
func (c *Catalog) Filter(keep func(Descriptor) bool) *Catalog {
	out := &Catalog{tools: make(map[string]Descriptor)}
	for _, p := range c.paths {
		d := c.tools[p]
		if keep(d) {
			out.tools[p] = d
			out.paths = append(out.paths, p)
		}
	}
	out.sig = computeSignature(out)
	return out
}

// Signature is a deterministic content digest of the snapshot: sorted over
// every tool's path, source, schemas, and gating attributes. Two catalogs
// with the same signature produce identical validation declarations, which
// makes the signature a safe cache key.
func (c *Catalog) Signature() string { return c.sig }

func computeSignature(c *Catalog) string {
	h := sha256.New()
	for _, p := range c.paths {
		d := c.tools[p]
		// Schemas are small; JSON is a stable enough encoding since map
		// keys are sorted by encoding/json.
		args, _ := json.Marshal(d.Args)
		result, _ := json.Marshal(d.Result)
		fmt.Fprintf(h, "%s\x00%s\x00%s\x00%s\x00%s\x00%s\x00", p, d.Source, d.Effect, d.Approval, args, result)
	}
	return hex.EncodeToString(h.Sum(nil))
}
