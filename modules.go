// Copyright 2026 The Forge Authors
// SPDX-License-Identifier: Apache-2.0

package forge

import (
	"context"
	"fmt"
	"strings"
)

// Module is a pluggable unit of built-in rules and variables a
// buildfile opts into with a `using NAME[@VERSION]` directive (see
// UsingDirective in ast.go). Register is called each time a `using`
// directive naming the module is evaluated, with the scope the directive
// appeared in — typically the root scope — so the module can install its rules
// (via scope.AddRule) and default variables (via scope.Set).
type Module struct {
	Name    string
	Version string
	Register func(scope *Scope) error
}

// ModuleRegistry is the table of modules a buildfile can name in a
// `using` directive; BuildGraph creates one per Graph. It is deliberately
// not thread-safe beyond its own mutex-free construction: modules are
// registered when the registry is created, before the buildfile is
// evaluated.
type ModuleRegistry struct {
	byName map[string]*Module
}

// NewModuleRegistry creates a registry seeded with the built-in modules.
func NewModuleRegistry() *ModuleRegistry {
	r := &ModuleRegistry{byName: map[string]*Module{}}
	r.Add(builtinCModule())
	r.Add(builtinTestModule())
	return r
}

// Add registers m, overwriting any previous module of the same name.
func (r *ModuleRegistry) Add(m *Module) { r.byName[m.Name] = m }

// Use looks up name and runs its Register against scope, enforcing that
// version (if non-empty) matches the module's own Version exactly — the
// engine does not attempt semver ranges, only exact pins.
func (r *ModuleRegistry) Use(name, version string, scope *Scope) error {
	m, ok := r.byName[name]
	if !ok {
		return fmt.Errorf("unknown module %q", name)
	}
	if version != "" && version != m.Version {
		return fmt.Errorf("module %q: requested version %q, have %q", name, version, m.Version)
	}
	return m.Register(scope)
}

// builtinCModule installs a minimal C/C++ compile rule, grounded on the
// kind of rule a cxx.compile module would register in the original
// system: a pattern rule from .c to .o driven by the CC/CFLAGS
// variables, falling back to sane defaults.
func builtinCModule() *Module {
	return &Module{
		Name:    "c",
		Version: "1",
		Register: func(scope *Scope) error {
			cc := StringValue("cc")
			if v, ok := scope.Lookup("CC"); ok {
				cc = v
			}
			scope.Set("CC", cc)
			if _, ok := scope.Lookup("CFLAGS"); !ok {
				scope.Set("CFLAGS", StringsValue(nil))
			}
			scope.AddRule(&EngineRule{
				Name: "c.compile",
				Hint: "c.compile",
				Match: func(target string, s *Scope) (MatchResult, bool) {
					pat, ok, _ := ParsePattern("{name}.o")
					if !ok {
						return MatchResult{}, false
					}
					caps, ok := pat.Match(target)
					if !ok {
						return MatchResult{}, false
					}
					return MatchResult{Target: target, Capture: caps}, true
				},
				Apply: func(_ context.Context, m MatchResult, s *Scope) (Recipe, error) {
					ccVal, _ := s.Lookup("CC")
					ccStr := ccVal.Untypify()
					flagsVal, _ := s.Lookup("CFLAGS")
					flags := flagsVal.Untypify()
					src := m.Capture["name"] + ".c"
					parts := []string{ccStr}
					if flags != "" {
						parts = append(parts, flags)
					}
					parts = append(parts, "-c", "-o", m.Target, src)
					return Recipe{Command: strings.Join(parts, " ")}, nil
				},
			})
			return nil
		},
	}
}

// builtinTestModule sets a FORGE_TEST_MODULE variable and installs no
// rules, so registering it does not depend on a real toolchain being
// present on the machine.
func builtinTestModule() *Module {
	return &Module{
		Name:    "test",
		Version: "1",
		Register: func(scope *Scope) error {
			scope.Set("FORGE_TEST_MODULE", BoolValue(true))
			return nil
		},
	}
}
