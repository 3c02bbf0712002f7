// Copyright 2026 The Forge Authors
// SPDX-License-Identifier: Apache-2.0

package forge

import (
	"context"
	"fmt"
	"strings"
)

// MatchResult is what a rule's Match returns when it recognizes a
// target: enough information for Apply to later produce a Recipe without
// re-deriving it.
type MatchResult struct {
	Rule    *EngineRule
	Target  string
	Capture map[string]string
}

// Recipe is the thing a matched rule hands back to execute a target:
// either a shell command line (the common case, inherited from the
// teacher's recipe model) or an arbitrary Go closure for rules that do
// their work in-process (e.g. the built-in file rule, filerule.go).
type Recipe struct {
	Command string
	Run     func(ctx context.Context) error
}

// EngineRule pairs a Matcher and an Applier under a name and a dot-word
// hint, following the hint-prefix matching scheme: a requested hint is
// matched against a rule's hint by whole `.`-separated word, so a
// request for "cxx" matches rules hinted "cxx" or "cxx.compile" but not
// "cxxy".
type EngineRule struct {
	Name string
	Hint string

	Match func(target string, scope *Scope) (MatchResult, bool)
	Apply func(ctx context.Context, m MatchResult, scope *Scope) (Recipe, error)
}

// HintMatches reports whether requested hint-prefixes r (dot-separated)
// is satisfied by this rule's own hint, word-boundary-wise: every
// `.`-separated word of r's hint must appear, in order, as a prefix
// sequence of the rule's hint words.
func (r *EngineRule) HintMatches(requested string) bool {
	if requested == "" {
		return true
	}
	ruleWords := strings.Split(r.Hint, ".")
	reqWords := strings.Split(requested, ".")
	if len(reqWords) > len(ruleWords) {
		return false
	}
	for i, w := range reqWords {
		if ruleWords[i] != w {
			return false
		}
	}
	return true
}

// Registry resolves a target name against an ordered list of Rules
// drawn from a Scope chain, generalizing the teacher's
// Graph.Resolve explicit-then-pattern lookup into: try every
// registered rule's Match in registration order (innermost scope
// first), and fail on ambiguity when more than one rule matches.
type Registry struct {
	rules []*EngineRule
}

// NewRegistry builds a Registry from a scope's visible rule chain (see
// Scope.Rules).
func NewRegistry(rules []*EngineRule) *Registry {
	return &Registry{rules: rules}
}

// Resolve finds the rule(s) matching target, optionally restricted to
// those whose hint satisfies hintFilter (empty string accepts any). It
// is an error to have zero matches (no rule found) or more than one
// match (ambiguous), mirroring the teacher's "multiple recipes" fatal
// check in Graph.Resolve, generalized from pattern-rule merging to
// arbitrary EngineRule implementations.
func (reg *Registry) Resolve(target string, scope *Scope, hintFilter string) (MatchResult, error) {
	var matches []MatchResult
	var names []string

	for _, r := range reg.rules {
		if !r.HintMatches(hintFilter) {
			continue
		}
		if m, ok := r.Match(target, scope); ok {
			m.Rule = r // Match only identifies a target, not itself
			matches = append(matches, m)
			names = append(names, r.Name)
		}
	}

	switch len(matches) {
	case 0:
		return MatchResult{}, fmt.Errorf("no rule to make target %q", target)
	case 1:
		return matches[0], nil
	default:
		return MatchResult{}, fmt.Errorf("ambiguous match for target %q: rules %s", target, strings.Join(names, ", "))
	}
}
