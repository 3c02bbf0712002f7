// Copyright 2026 The Forge Authors
// SPDX-License-Identifier: Apache-2.0

package forge

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Phase is one of the three stages every meta-operation run passes
// through in order: Load (parse buildfiles, build the scope tree),
// Match (resolve targets to rules and recipes), Execute (run recipes).
// Multiple goroutines may be in the same phase concurrently; moving to
// the next phase requires exclusive access so that, e.g., no Match work
// starts while Load is still mutating the scope tree.
type Phase int

const (
	PhaseLoad Phase = iota
	PhaseMatch
	PhaseExecute
)

func (p Phase) String() string {
	switch p {
	case PhaseLoad:
		return "load"
	case PhaseMatch:
		return "match"
	case PhaseExecute:
		return "execute"
	default:
		return "unknown"
	}
}

// Context is one engine run: its phase lock, target identity table,
// scheduler, and diagnostics sink. It is the thing SPEC_FULL.md's
// engine.go Perform function builds once per invocation and threads
// through every component.
type Context struct {
	RunID string

	phaseMu sync.RWMutex
	phase   Phase

	Targets   *TargetSet
	Scheduler *Scheduler
	Diag      *Diag
	Root      *Scope
}

// NewContext creates a fresh run context rooted at root, with up to
// maxActive concurrently-active goroutines and diagnostics at the given
// verbosity.
func NewContext(root *Scope, maxActive int, verbosity int) *Context {
	return &Context{
		RunID:     uuid.NewString(),
		phase:     PhaseLoad,
		Targets:   NewTargetSet(),
		Scheduler: NewScheduler(maxActive),
		Diag:      NewDiag(nil, verbosity),
		Root:      root,
	}
}

// Phase returns the context's current phase.
func (c *Context) Phase() Phase {
	c.phaseMu.RLock()
	defer c.phaseMu.RUnlock()
	return c.phase
}

// Advance moves the context from the expected phase to next, failing if
// another goroutine has already moved it past expected — phase
// transitions happen exactly once per run and only forward.
func (c *Context) Advance(expected, next Phase) error {
	c.phaseMu.Lock()
	defer c.phaseMu.Unlock()
	if c.phase != expected {
		return fmt.Errorf("phase transition %v->%v invalid: currently in %v", expected, next, c.phase)
	}
	c.phase = next
	return nil
}

// RequirePhase fails (via WrapErr) unless the context is currently in
// phase p, the way build2 asserts the calling phase at the top of
// phase-specific operations.
func (c *Context) RequirePhase(p Phase) error {
	if c.Phase() != p {
		return WrapErr(ErrLogic, "", fmt.Errorf("expected phase %v, in %v", p, c.Phase()))
	}
	return nil
}
