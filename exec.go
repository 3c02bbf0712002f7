package forge

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
)

// Executor runs build recipes.
type Executor struct {
	graph   *Graph
	state   *BuildState
	vars    *Vars
	verbose bool
	force   bool // -B: unconditional rebuild
	dryRun  bool // -n: print commands without executing
	jobs    int  // max concurrent recipes (0 = unlimited)

	mu       sync.Mutex   // guards rule-resolution + group registration in Build
	targets  *TargetSet   // interned target identities driving build dedup (target.go)
	sem      chan struct{} // recipe concurrency limiter; nil = unlimited
	outputMu sync.Mutex    // serializes buffered output flushes
	cache    *HashCache    // file content hash cache

	// diag and sched are optional: when set (via WithDiag/WithScheduler,
	// as engine.go's Perform does), banner/status text goes through the
	// shared diagnostics sink and recipe concurrency is bounded by the
	// Scheduler's active-slot accounting instead of the bare channel
	// above, enabling Suspend/Resume helper promotion around a recipe
	// wait. Left nil, the executor behaves exactly as before.
	diag  *Diag
	sched *Scheduler
}

// WithDiag attaches a diagnostics sink; banner and status lines are then
// emitted through it instead of directly to os.Stderr.
func (e *Executor) WithDiag(d *Diag) *Executor {
	e.diag = d
	return e
}

// WithScheduler attaches a Scheduler whose active-slot accounting
// governs recipe concurrency in place of the constructor's own jobs
// semaphore.
func (e *Executor) WithScheduler(s *Scheduler) *Executor {
	e.sched = s
	return e
}

// WithTargets attaches a TargetSet (normally a Context's, see context.go)
// so target identity and completion state are shared with the rest of
// the run instead of living only inside this Executor.
func (e *Executor) WithTargets(ts *TargetSet) *Executor {
	e.targets = ts
	return e
}

// log emits msg through the attached Diag if any, else writes it to
// stderr directly (the original behavior).
func (e *Executor) log(msg string) {
	if e.diag != nil {
		e.diag.Text(context.Background(), strings.TrimRight(msg, "\n"))
		return
	}
	fmt.Fprint(os.Stderr, msg)
}

func NewExecutor(graph *Graph, state *BuildState, vars *Vars, verbose, force, dryRun bool, jobs int) *Executor {
	if jobs < 0 {
		jobs = runtime.NumCPU()
	}

	var sem chan struct{}
	if jobs > 0 {
		sem = make(chan struct{}, jobs)
	}
	// jobs == 0: sem stays nil â†’ unlimited concurrency

	return &Executor{
		graph:   graph,
		state:   state,
		vars:    vars,
		verbose: verbose,
		force:   force,
		dryRun:  dryRun,
		jobs:    jobs,
		targets: NewTargetSet(),
		sem:     sem,
		cache:   NewHashCache(),
	}
}

// Build builds the given target and all its dependencies.
// Safe to call concurrently from multiple goroutines.
//
// Target identity and completion are tracked through target.go's
// TargetSet/Target rather than a private map+channel: Build interns
// target, resolves it to whichever Target actually owns the build (its
// own identity, or a group's primary if a prior multi-output rule
// already claimed it — see group.go), and either starts the build or
// waits on whoever else did.
func (e *Executor) Build(target string) error {
	e.mu.Lock()
	t := e.targets.Get(target)
	owner := ResolveMember(t)

	if owner.State() != ActionUnstarted {
		e.mu.Unlock()
		return owner.Wait()
	}

	// Resolve rule under lock to discover co-targets for multi-output
	// dedup. Graph.Resolve is read-only and safe to call here.
	rule, err := e.graph.Resolve(owner.Name)
	if err != nil {
		e.mu.Unlock()
		owner.MarkDone(err)
		return err
	}

	// Register a Group for multi-output rules before releasing the lock,
	// so a concurrent Build call for a sibling output sees the group (via
	// ResolveMember) and waits on owner instead of racing to start its
	// own, independent build of the same recipe.
	var grp *Group
	if len(rule.targets) > 1 {
		var members []*Target
		for _, rt := range rule.targets {
			if rt == owner.Name {
				continue
			}
			members = append(members, e.targets.Get(rt))
		}
		grp = NewGroup(owner, members...)
	}
	owner.TryStart() // always wins: we hold e.mu and just checked Unstarted
	e.mu.Unlock()

	err = e.doBuild(owner.Name, rule)
	if grp != nil {
		grp.Complete(err)
	} else {
		owner.MarkDone(err)
	}
	return err
}

func (e *Executor) doBuild(target string, rule *resolvedRule) error {
	// Build all prerequisites concurrently
	allPrereqs := make([]string, 0, len(rule.prereqs)+len(rule.orderOnlyPrereqs))
	allPrereqs = append(allPrereqs, rule.prereqs...)
	allPrereqs = append(allPrereqs, rule.orderOnlyPrereqs...)

	errs := make([]error, len(allPrereqs))
	var wg sync.WaitGroup
	for i, p := range allPrereqs {
		wg.Add(1)
		go func(idx int, prereq string) {
			defer wg.Done()
			errs[idx] = e.Build(prereq)
		}(i, p)
	}
	wg.Wait()

	// Check for prereq errors
	for i, err := range errs {
		if err != nil {
			return fmt.Errorf("building %q for %q: %w", allPrereqs[i], target, err)
		}
	}

	// No recipe = leaf node or prerequisite-only rule
	if len(rule.recipe) == 0 {
		return nil
	}

	// Check staleness (only normal prereqs affect staleness)
	recipeText := e.expandRecipe(rule)
	fingerprint := e.expandFingerprint(rule)
	if !rule.isTask && !e.force && !e.state.IsStale(rule.targets, rule.prereqs, recipeText, fingerprint, e.cache) {
		if e.verbose {
			e.outputMu.Lock()
			e.log(fmt.Sprintf("mk: %q is up to date\n", rule.target))
			e.outputMu.Unlock()
		}
		return nil
	}

	// Acquire a concurrency slot to limit concurrent recipes: prefer the
	// attached Scheduler (bounded-active-goroutine accounting shared
	// across the whole run) when present, otherwise fall back to the
	// constructor's own fixed-size channel.
	if e.sched != nil {
		if err := e.sched.Acquire(context.Background()); err != nil {
			return err
		}
		defer e.sched.Release()
	} else if e.sem != nil {
		e.sem <- struct{}{}
		defer func() { <-e.sem }()
	}

	return e.executeRecipe(rule, recipeText, fingerprint)
}

func (e *Executor) executeRecipe(rule *resolvedRule, recipeText, fingerprint string) error {
	// Auto-create parent directories for all targets
	if !rule.isTask {
		for _, t := range rule.targets {
			dir := filepath.Dir(t)
			if dir != "." && dir != "" {
				if !e.dryRun {
					if err := os.MkdirAll(dir, 0o755); err != nil {
						return fmt.Errorf("creating directory %q: %w", dir, err)
					}
				}
			}
		}
	}

	// Build banner
	var banner strings.Builder
	fmt.Fprintf(&banner, "mk: building %q\n", rule.target)
	if e.verbose || e.dryRun {
		for _, line := range strings.Split(recipeText, "\n") {
			fmt.Fprintf(&banner, "  %s\n", line)
		}
	}

	if e.dryRun {
		e.outputMu.Lock()
		e.log(banner.String())
		e.outputMu.Unlock()
		return nil
	}

	// Determine output mode: serial streams directly, parallel buffers
	serial := e.sem != nil && cap(e.sem) == 1
	var stdout, stderr io.Writer
	var outBuf, errBuf bytes.Buffer

	if serial {
		// Serial mode: stream banner and output directly
		e.outputMu.Lock()
		e.log(banner.String())
		e.outputMu.Unlock()
		stdout = os.Stdout
		stderr = os.Stderr
	} else {
		// Parallel mode: buffer output, flush atomically on completion
		stdout = &outBuf
		stderr = &errBuf
	}

	// Execute recipe
	fullScript := "set -e\n" + recipeText
	cmd := exec.Command("sh", "-c", fullScript)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = e.vars.Environ()

	err := cmd.Run()

	if !serial {
		// Flush buffered output atomically
		e.outputMu.Lock()
		e.log(banner.String())
		outBuf.WriteTo(os.Stdout)
		errBuf.WriteTo(os.Stderr)
		e.outputMu.Unlock()
	}

	if err != nil {
		// Delete partial output on failure (for file targets), unless [keep]
		if !rule.isTask && !rule.keep {
			for _, t := range rule.targets {
				os.Remove(t)
			}
		}
		return fmt.Errorf("recipe for %q failed: %w", rule.target, err)
	}

	// Record successful build for all outputs, and persist each one's
	// depdb immediately (state.go's SaveTarget) rather than waiting for
	// one bulk write at the very end of the whole build.
	if !rule.isTask {
		e.state.Record(rule.targets, rule.prereqs, recipeText, fingerprint, e.cache)
		for _, t := range rule.targets {
			if err := e.state.SaveTarget("", t); err != nil {
				return fmt.Errorf("persisting state for %q: %w", t, err)
			}
		}
	}

	return nil
}

func (e *Executor) expandFingerprint(rule *resolvedRule) string {
	if rule.fingerprint == "" {
		return ""
	}
	vars := e.vars.Clone()
	vars.Set("target", rule.target)
	if len(rule.prereqs) > 0 {
		vars.Set("input", rule.prereqs[0])
	}
	vars.Set("inputs", strings.Join(rule.prereqs, " "))
	if rule.stem != "" {
		vars.Set("stem", rule.stem)
	}
	return vars.Expand(rule.fingerprint)
}

func (e *Executor) expandRecipe(rule *resolvedRule) string {
	vars := e.vars.Clone()
	vars.Set("target", rule.target)
	if len(rule.prereqs) > 0 {
		vars.Set("input", rule.prereqs[0])
	}
	vars.Set("inputs", strings.Join(rule.prereqs, " "))

	// Set stem if available from pattern match
	if rule.stem != "" {
		vars.Set("stem", rule.stem)
	}

	// Find changed prerequisites (only normal prereqs)
	var changed []string
	ts := e.state.GetTarget(rule.target)
	for _, p := range rule.prereqs {
		if ts == nil {
			changed = append(changed, p)
			continue
		}
		h, err := e.cache.Hash(p)
		if err != nil || ts.InputHashes[p] != h {
			changed = append(changed, p)
		}
	}
	vars.Set("changed", strings.Join(changed, " "))

	var lines []string
	for _, line := range rule.recipe {
		ignoreErr := false
		l := line
		for len(l) > 0 && (l[0] == '@' || l[0] == '-') {
			if l[0] == '-' {
				ignoreErr = true
			}
			l = l[1:]
		}

		expanded := vars.Expand(l)
		if ignoreErr {
			expanded += " || true"
		}
		lines = append(lines, expanded)
	}

	return strings.Join(lines, "\n")
}
