// Copyright 2026 The Forge Authors
// SPDX-License-Identifier: Apache-2.0

package forge

import (
	"os"
	"strings"
	"testing"
)

// TestUsingCModuleReadsBuildfileCC exercises the live path comment 1
// flagged as dead: a `using c` directive registers its rule against the
// scope tree (modules.go), and Graph.resolveViaScope (graph.go) is what
// actually asks that scope's Registry to resolve an unmatched target
// through Engine.Perform, rather than the module only ever being driven
// directly in a unit test. A buildfile CC override must reach the
// module's Apply closure through Scope.Lookup, not the module's own
// hardcoded default.
func TestUsingCModuleReadsBuildfileCC(t *testing.T) {
	dir := t.TempDir()
	oldDir, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(oldDir)

	buildfile := "CC = true\nusing c\n"

	eng := NewEngine(RunOptions{Jobs: 1})
	state := &BuildState{Targets: make(map[string]*TargetState)}
	if err := eng.Perform(strings.NewReader(buildfile), state, nil, []string{"foo.o"}); err != nil {
		t.Fatalf("Perform failed: %v", err)
	}

	ts := state.GetTarget("foo.o")
	if ts == nil {
		t.Fatal("expected foo.o to have a recorded build")
	}
	// RecipeHash is a content hash, so assert indirectly by re-deriving
	// the hash of the command we expect the c module to have produced.
	wantRecipe := "true -c -o foo.o foo.c"
	if got := hashString(wantRecipe); ts.RecipeHash != got {
		t.Errorf("recipe hash = %q, want hash of %q (%q) — buildfile's CC override did not reach the c module", ts.RecipeHash, wantRecipe, got)
	}
}

// TestUsingCModuleFoldsCFLAGSOverride exercises scope.go's suffix-override
// chain (SetOverride/Lookup) through the same live path: a `CFLAGS +=`
// assignment must fold into the c module's compile command rather than
// only being reachable from scope_test.go's unit-level coverage.
func TestUsingCModuleFoldsCFLAGSOverride(t *testing.T) {
	dir := t.TempDir()
	oldDir, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(oldDir)

	buildfile := "CC = true\nusing c\nCFLAGS += -Wall -O2\n"

	eng := NewEngine(RunOptions{Jobs: 1})
	state := &BuildState{Targets: make(map[string]*TargetState)}
	if err := eng.Perform(strings.NewReader(buildfile), state, nil, []string{"foo.o"}); err != nil {
		t.Fatalf("Perform failed: %v", err)
	}

	ts := state.GetTarget("foo.o")
	if ts == nil {
		t.Fatal("expected foo.o to have a recorded build")
	}
	wantRecipe := "true -Wall -O2 -c -o foo.o foo.c"
	if got := hashString(wantRecipe); ts.RecipeHash != got {
		t.Errorf("recipe hash = %q, want hash of %q — CFLAGS += override did not fold into the c module's command", ts.RecipeHash, wantRecipe)
	}
}
