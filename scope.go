// Copyright 2026 The Forge Authors
// SPDX-License-Identifier: Apache-2.0

package forge

import (
	"strings"

	"github.com/samber/lo"
)

// Scope is one node of the hierarchical directory-scope tree: every
// directory named by a buildfile ScopeBlock (see ast.go) gets its own
// Scope, chained to its parent so variable lookup and rule matching can
// walk up toward the root. An include does not create a Scope.
type Scope struct {
	mu mutex

	Dir    string
	Parent *Scope

	children map[string]*Scope
	vars     map[string]Value
	rules    []*EngineRule

	// overrides holds at most one override per variable name in this
	// scope, of one of three kinds: plain, prefix or suffix. A later
	// SetOverride for the same name replaces the earlier one whatever
	// its kind, so one scope does not carry a prefix and a suffix (or
	// two suffixes) for the same name at once. A prefix/suffix override
	// concatenates instead of replacing when resolved, matching buildfile `+=`-at-a-distance
	// semantics applied from the command line or an enclosing scope.
	overrides map[string]overrideChain
}

type overrideKind int

const (
	overridePlain overrideKind = iota
	overridePrefix
	overrideSuffix
)

type overrideChain struct {
	kind overrideKind
	val  Value
}

// NewRootScope creates the root of a scope tree for directory dir (the
// buildfile's own directory, conventionally ".").
func NewRootScope(dir string) *Scope {
	return &Scope{
		Dir:      dir,
		children: map[string]*Scope{},
		vars:     map[string]Value{},
		overrides: map[string]overrideChain{},
	}
}

// Sub returns the child scope for subdir, creating it (and any
// intermediate scopes implied by nested path components) if necessary.
func (s *Scope) Sub(subdir string) *Scope {
	s.mu.Lock()
	defer s.mu.Unlock()

	subdir = strings.Trim(subdir, "/")
	if subdir == "" {
		return s
	}
	if c, ok := s.children[subdir]; ok {
		return c
	}
	c := &Scope{
		Dir:       CleanPath(s.Dir + "/" + subdir),
		Parent:    s,
		children:  map[string]*Scope{},
		vars:      map[string]Value{},
		overrides: map[string]overrideChain{},
	}
	s.children[subdir] = c
	return c
}

// Set assigns name directly in this scope, shadowing any value visible
// from a parent.
func (s *Scope) Set(name string, v Value) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vars[name] = v
}

// SetOverride installs a prefix/suffix/plain override for name. Plain
// overrides behave like Set; prefix/suffix overrides are applied by
// Lookup on top of whatever value the scope chain would otherwise
// produce, mirroring the `.__prefix`/`.__suffix` mechanism buildfiles use
// to extend (rather than replace) an inherited list variable.
func (s *Scope) SetOverride(name string, kind overrideKind, v Value) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides[name] = overrideChain{kind: kind, val: v}
}

// Lookup resolves name by walking from this scope up to the root,
// applying any override chain found along the way. The first scope that
// defines a plain value (or the override itself, for prefix/suffix)
// establishes the base; ancestors' overrides of the same name are then
// folded in from the root down so that a prefix/suffix applied high in
// the tree still wraps a value set lower.
func (s *Scope) Lookup(name string) (Value, bool) {
	chain := s.collectOverrides(name)

	base, found := s.findBase(name)
	if !found && len(chain) == 0 {
		return Value{}, false
	}

	result := base
	for i := len(chain) - 1; i >= 0; i-- {
		oc := chain[i]
		switch oc.kind {
		case overridePlain:
			result = oc.val
		case overridePrefix:
			result, _ = oc.val.Append(result)
		case overrideSuffix:
			result, _ = result.Append(oc.val)
		}
	}
	return result, true
}

// collectOverrides walks from this scope to the root collecting any
// override registered for name, nearest scope first.
func (s *Scope) collectOverrides(name string) []overrideChain {
	var chain []overrideChain
	for cur := s; cur != nil; cur = cur.Parent {
		cur.mu.RLock()
		oc, ok := cur.overrides[name]
		cur.mu.RUnlock()
		if ok {
			chain = append(chain, oc)
		}
	}
	return chain
}

// findBase returns the nearest plain (non-override) value for name,
// walking from this scope toward the root.
func (s *Scope) findBase(name string) (Value, bool) {
	for cur := s; cur != nil; cur = cur.Parent {
		cur.mu.RLock()
		v, ok := cur.vars[name]
		cur.mu.RUnlock()
		if ok {
			return v, true
		}
	}
	return Value{}, false
}

// AddRule registers r in this scope's rule set. Order of registration is
// preserved and is the order Registry.Resolve (rule.go) tries rules in;
// it does not break ties: two rules that both match a target are an
// ambiguity error.
func (s *Scope) AddRule(r *EngineRule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = append(s.rules, r)
}

// Rules returns this scope's own rules, innermost scope first, then each
// ancestor's, outermost last — the order Match walks when resolving a
// target.
func (s *Scope) Rules() []*EngineRule {
	var all []*EngineRule
	for cur := s; cur != nil; cur = cur.Parent {
		cur.mu.RLock()
		all = append(all, cur.rules...)
		cur.mu.RUnlock()
	}
	return all
}

// VarNames returns the sorted names of variables visible in this scope's
// own map (not ancestors), for diagnostics/--graph dumps.
func (s *Scope) VarNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return SortedKeys(s.vars)
}

// Children returns this scope's direct child scopes, sorted by name, via
// a small samber/lo pipeline over the raw map, so a caller can walk the
// tree deterministically.
func (s *Scope) Children() []*Scope {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lo.Map(SortedKeys(s.children), func(n string, _ int) *Scope {
		return s.children[n]
	})
}
