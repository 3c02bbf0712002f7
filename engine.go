// Copyright 2026 The Forge Authors
// SPDX-License-Identifier: Apache-2.0

package forge

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// shutdownGrace bounds how long Perform waits for the scheduler to drain
// after every target has finished building, satisfying the
// bounded-time-shutdown property a long-running recipe leaking a slot
// must not be allowed to hang a run forever.
const shutdownGrace = 10 * time.Second

// RunOptions configures one Perform invocation: the ambient flags the
// teacher's cmd/forge/main.go collects from the command line.
type RunOptions struct {
	Verbose   bool
	Force     bool
	DryRun    bool
	Jobs      int
	Verbosity int
	Output    io.Writer
}

// Engine is the top-level meta-operation driver: it owns one Context
// (phase lock, interned targets, scheduler, diagnostics) per Perform
// call and threads it through buildfile loading, graph construction, and
// recipe execution — the three phases SPEC_FULL.md's engine component
// names: load, match, execute.
type Engine struct {
	opts RunOptions
}

// NewEngine creates an Engine with the given run options.
func NewEngine(opts RunOptions) *Engine {
	return &Engine{opts: opts}
}

// Perform loads the buildfile read from r, applies activeConfigs, and
// builds every target in targets concurrently (bounded by opts.Jobs),
// returning the first error encountered. It is the meta-operation
// boundary: any fail() panic (diag.go) that escapes load or match is
// recovered here and turned into a normal returned error via Promote.
func (eng *Engine) Perform(r io.Reader, state *BuildState, activeConfigs []string, targets []string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			f, ok := r.(*Failure)
			if !ok {
				panic(r)
			}
			err = Promote(f)
		}
	}()

	diag := NewDiag(eng.opts.Output, eng.opts.Verbosity)
	root := NewRootScope(".")
	ctx := NewContext(root, eng.opts.Jobs, eng.opts.Verbosity)
	ctx.Diag = diag

	diag.Trace(context.Background(), 1, Location{}, "phase %v: parsing buildfile", ctx.Phase())

	file, perr := Parse(r)
	if perr != nil {
		return WrapErr(ErrIO, "", perr)
	}

	vars := NewVars()
	graph, gerr := BuildGraph(file, vars, state, activeConfigs)
	if gerr != nil {
		return WrapErr(ErrBuild, "", gerr)
	}
	// Graph built its own scope tree while evaluating the buildfile
	// (ScopeBlocks, `using` directives); thread that one through the
	// Context rather than the empty one NewContext started with, so
	// ctx.Root actually reflects what got loaded.
	ctx.Root = graph.scope

	if err := ctx.Advance(PhaseLoad, PhaseMatch); err != nil {
		return WrapErr(ErrLogic, "", err)
	}

	diag.Trace(context.Background(), 1, Location{}, "phase %v: resolving %d target(s)", ctx.Phase(), len(targets))

	if err := ctx.Advance(PhaseMatch, PhaseExecute); err != nil {
		return WrapErr(ErrLogic, "", err)
	}

	executor := NewExecutor(graph, state, vars, eng.opts.Verbose, eng.opts.Force, eng.opts.DryRun, eng.opts.Jobs).
		WithDiag(diag).
		WithScheduler(ctx.Scheduler).
		WithTargets(ctx.Targets)

	var g errgroup.Group
	for _, t := range targets {
		t := t
		g.Go(func() error {
			return executor.Build(t)
		})
	}
	buildErr := g.Wait()

	// Stop admitting new recipe work and wait for whatever's still active
	// to drain, bounded by shutdownGrace rather than indefinitely (see
	// Scheduler.Shutdown).
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := ctx.Scheduler.Shutdown(shutdownCtx); err != nil {
		diag.Trace(context.Background(), 1, Location{}, "scheduler shutdown: %v", err)
	}

	if buildErr != nil {
		return WrapErr(ErrBuild, "", buildErr)
	}

	if err := state.Save(""); err != nil {
		return WrapErr(ErrIO, "", err)
	}
	return nil
}

// Explain reports why the named target is considered out of date,
// without building it — the engine-level counterpart of the teacher's
// --why flag, now routed through Diag rather than raw stdout.
func (eng *Engine) Explain(r io.Reader, state *BuildState, activeConfigs []string, target string) (string, error) {
	file, err := Parse(r)
	if err != nil {
		return "", WrapErr(ErrIO, "", err)
	}
	vars := NewVars()
	graph, err := BuildGraph(file, vars, state, activeConfigs)
	if err != nil {
		return "", WrapErr(ErrBuild, "", err)
	}
	reasons, err := graph.WhyRebuild(target)
	if err != nil {
		return "", WrapErr(ErrBuild, target, err)
	}
	if len(reasons) == 0 {
		return fmt.Sprintf("%s is up to date", target), nil
	}
	return fmt.Sprintf("%s needs rebuilding: %s", target, strings.Join(reasons, "; ")), nil
}
