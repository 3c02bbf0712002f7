// Copyright 2026 The Forge Authors
// SPDX-License-Identifier: Apache-2.0

package forge

import "sync"

// ActionState is the per-(target, operation) execution state tracked
// during a single engine run: not yet touched, currently being built by
// some goroutine, or finished (successfully or not).
type ActionState int32

const (
	ActionUnstarted ActionState = iota
	ActionBusy
	ActionDone
	ActionFailed
)

// Target is the interned, unique identity for one build target name.
// Every distinct name maps to exactly one *Target for the lifetime of a
// Context (context.go), so group membership, dependents, and per-action
// state can all be tracked by pointer rather than by repeated string
// comparison — the identity tuple the teacher's map[string]*TargetState
// already approximates for persisted state, generalized here to the
// in-memory graph node itself.
type Target struct {
	Name string

	mu       sync.Mutex
	state    ActionState
	err      error
	done     chan struct{}
	doneOnce sync.Once

	// Group/AdHocMembers implement group.go's real and see-through
	// group semantics: a group target's members share its recipe and
	// are individually addressable but collectively built together.
	Group       *Target
	AdHocMembers []*Target
}

// newTarget constructs an unstarted Target named name with its
// completion channel ready to be closed exactly once by MarkDone.
func newTarget(name string) *Target {
	return &Target{Name: name, done: make(chan struct{})}
}

// TargetSet interns Target identities: Get returns the same *Target for
// the same name every time, creating it on first request. This is the
// identity-tuple invariant SPEC_FULL.md calls out under target identity:
// two requests for the same name during one run must observe the same
// state transitions.
type TargetSet struct {
	mu      sync.Mutex
	targets map[string]*Target
}

// NewTargetSet creates an empty, ready-to-use TargetSet.
func NewTargetSet() *TargetSet {
	return &TargetSet{targets: map[string]*Target{}}
}

// Get returns the interned *Target for name, creating it if this is the
// first request for that name in this set's lifetime.
func (ts *TargetSet) Get(name string) *Target {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if t, ok := ts.targets[name]; ok {
		return t
	}
	t := newTarget(name)
	ts.targets[name] = t
	return t
}

// TryStart attempts to transition the target from Unstarted to Busy.
// The boolean return reports whether this call won the race: only the
// winner should actually run the recipe, every other concurrent caller
// should instead Wait(). This directly generalizes the teacher's
// Executor.building map + channel dedup (exec.go) from a package-level
// map keyed by name to a method on the interned Target itself.
func (t *Target) TryStart() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != ActionUnstarted {
		return false
	}
	t.state = ActionBusy
	return true
}

// MarkDone transitions the target to Done or Failed depending on err,
// records err for later Wait()ers, and releases anyone blocked in Wait.
func (t *Target) MarkDone(err error) {
	t.mu.Lock()
	if err != nil {
		t.state = ActionFailed
		t.err = err
	} else {
		t.state = ActionDone
	}
	t.mu.Unlock()
	t.doneOnce.Do(func() { close(t.done) })
}

// Wait blocks until some goroutine has called MarkDone for this target,
// then returns the error it recorded (nil on success).
func (t *Target) Wait() error {
	<-t.done
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// State returns the target's current action state.
func (t *Target) State() ActionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// IsGroupMember reports whether t is an ad hoc member of a real group
// target, per group.go's see-through group model.
func (t *Target) IsGroupMember() bool { return t.Group != nil }
