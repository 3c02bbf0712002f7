// Copyright 2026 The Forge Authors
// SPDX-License-Identifier: Apache-2.0

package forge

import "testing"

func TestScopeLookupWalksToParent(t *testing.T) {
	root := NewRootScope(".")
	root.Set("CFLAGS", StringsValue([]string{"-O2"}))

	child := root.Sub("lib")
	v, ok := child.Lookup("CFLAGS")
	if !ok {
		t.Fatal("expected child scope to see parent's CFLAGS")
	}
	got, _ := v.Strings()
	if len(got) != 1 || got[0] != "-O2" {
		t.Errorf("CFLAGS = %v, want [-O2]", got)
	}
}

func TestScopeChildShadowsParent(t *testing.T) {
	root := NewRootScope(".")
	root.Set("CC", StringValue("gcc"))
	child := root.Sub("lib")
	child.Set("CC", StringValue("clang"))

	v, _ := child.Lookup("CC")
	got, _ := v.String()
	if got != "clang" {
		t.Errorf("child CC = %q, want clang", got)
	}

	v2, _ := root.Lookup("CC")
	got2, _ := v2.String()
	if got2 != "gcc" {
		t.Errorf("root CC = %q, want gcc (should be unaffected by child override)", got2)
	}
}

func TestScopeSuffixOverrideExtendsInheritedList(t *testing.T) {
	root := NewRootScope(".")
	root.Set("CFLAGS", StringsValue([]string{"-O2"}))

	child := root.Sub("lib")
	child.SetOverride("CFLAGS", overrideSuffix, StringsValue([]string{"-Wall"}))

	v, ok := child.Lookup("CFLAGS")
	if !ok {
		t.Fatal("expected CFLAGS to resolve")
	}
	got, _ := v.Strings()
	want := []string{"-O2", "-Wall"}
	if len(got) != len(want) {
		t.Fatalf("CFLAGS = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("CFLAGS[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestScopePrefixOverride(t *testing.T) {
	root := NewRootScope(".")
	root.Set("LIBS", StringsValue([]string{"-lc"}))
	root.SetOverride("LIBS", overridePrefix, StringsValue([]string{"-lm"}))

	v, _ := root.Lookup("LIBS")
	got, _ := v.Strings()
	want := []string{"-lm", "-lc"}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("LIBS = %v, want %v", got, want)
	}
}

func TestScopeSubIsIdempotent(t *testing.T) {
	root := NewRootScope(".")
	a := root.Sub("lib")
	b := root.Sub("lib")
	if a != b {
		t.Error("expected repeated Sub calls for the same subdir to return the same *Scope")
	}
}

func TestScopeRulesOrderedInnermostFirst(t *testing.T) {
	root := NewRootScope(".")
	outer := &EngineRule{Name: "outer"}
	root.AddRule(outer)

	child := root.Sub("lib")
	inner := &EngineRule{Name: "inner"}
	child.AddRule(inner)

	rules := child.Rules()
	if len(rules) != 2 || rules[0].Name != "inner" || rules[1].Name != "outer" {
		t.Errorf("Rules() = %v, want [inner outer]", rules)
	}
}
