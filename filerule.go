// Copyright 2026 The Forge Authors
// SPDX-License-Identifier: Apache-2.0

package forge

import "context"

// NewFileRule builds the fallback rule Graph.resolveViaScope (graph.go)
// tries only when no scope rule matches a target: a
// target that names an existing, non-generated file on disk needs no
// recipe at all, it is simply up to date by virtue of existing. This
// generalizes the teacher's fileExists check (graph.go) from "skip
// missing prerequisites that happen to exist" into a real last-resort
// rule any target can fall through to when no buildfile rule claims it.
func NewFileRule() *EngineRule {
	return &EngineRule{
		Name: "file",
		Hint: "file",
		Match: func(target string, _ *Scope) (MatchResult, bool) {
			if !fileExists(target) {
				return MatchResult{}, false
			}
			return MatchResult{Target: target}, true
		},
		Apply: func(_ context.Context, _ MatchResult, _ *Scope) (Recipe, error) {
			return Recipe{Run: func(context.Context) error { return nil }}, nil
		},
	}
}
