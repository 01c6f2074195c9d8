package policy

import "sync"

// Source provides the rules in force at a given moment. The gateway reads
// through a Source at decision time, per call, so rule changes apply to
// future calls even mid-run; only validation and dispatch manifests work
// from a per-run snapshot.
type Source interface {
	Rules() []Rule
}

// Static is a fixed rule list satisfying Source.
type Static []Rule

// Rules returns the list itself.
func (s Static) Rules() []Rule { return s }

// Ruleset is a reloadable Source backed by a loader. Reload swaps the
// rule list atomically; a loader or validation error keeps the current
// rules in force.
type Ruleset struct {
	mu    sync.RWMutex
	rules []Rule
	load  func() ([]Rule, error)
}

// NewRuleset creates a Ruleset, calling the loader once for the initial rules.
func NewRuleset(load func() ([]Rule, error)) (*Ruleset, error) {
	rules, err := load()
	if err != nil {
		return nil, err
	}
	if err := Validate(rules); err != nil {
		return nil, err
	}
	return &Ruleset{rules: rules, load: load}, nil
}

// Rules returns the rules currently in force.
func (r *Ruleset) Rules() []Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rules
}

// Reload re-runs the loader and swaps in the new rules.
func (r *Ruleset) Reload() error {
	rules, err := r.load()
	if err != nil {
		return err
	}
	if err := Validate(rules); err != nil {
		return err
	}
	r.mu.Lock()
	r.rules = rules
	r.mu.Unlock()
	return nil
}
