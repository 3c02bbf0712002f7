// Copyright 2026 The Forge Authors
// SPDX-License-Identifier: Apache-2.0

package forge

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

// errSchedulerShutdown is returned by Acquire once Shutdown has been
// called: build2's scheduler::shutdown stops admitting new work rather
// than forcibly cancelling work already in flight, and this mirrors that.
var errSchedulerShutdown = errors.New("scheduler: shut down")

// Scheduler bounds the number of simultaneously "active" goroutines
// (those actually doing CPU/recipe work, as opposed to blocked waiting
// on a sibling) to MaxActive, the way build2's scheduler bounds active
// OS threads. A goroutine that is about to block waiting for another
// target's result should call Suspend before waiting and Resume after:
// Suspend releases this goroutine's active slot so a queued task can
// make progress in its place (helper promotion), and Resume reacquires
// one before continuing — without this, N goroutines all waiting on
// each other inside a pool bounded to N would deadlock.
type Scheduler struct {
	MaxActive int64

	mu   sync.Mutex // guards sem during Tune; swapped only while active == 0
	sem  *semaphore.Weighted
	orig int64 // MaxActive as constructed, restored by Tune(0)

	active int64 // atomic: currently-active (non-suspended) goroutines

	group singleflight.Group // dedups concurrent requests for the same key

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// NewScheduler creates a Scheduler allowing up to maxActive goroutines
// to be active (not suspended) at once. maxActive <= 0 means unbounded,
// matching the teacher's -j0 "unlimited parallelism" flag.
func NewScheduler(maxActive int) *Scheduler {
	if maxActive <= 0 {
		maxActive = 1 << 20 // effectively unbounded
	}
	return &Scheduler{
		MaxActive:  int64(maxActive),
		orig:       int64(maxActive),
		sem:        semaphore.NewWeighted(int64(maxActive)),
		shutdownCh: make(chan struct{}),
	}
}

// currentSem returns the semaphore currently in effect, guarding against
// a concurrent Tune swapping it out.
func (s *Scheduler) currentSem() *semaphore.Weighted {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sem
}

// Acquire blocks until an active slot is available, then occupies it.
// Every call must be balanced by exactly one Release. Acquire fails
// immediately once Shutdown has been called.
func (s *Scheduler) Acquire(ctx context.Context) error {
	select {
	case <-s.shutdownCh:
		return WrapErr(ErrCancellation, "", errSchedulerShutdown)
	default:
	}
	if err := s.currentSem().Acquire(ctx, 1); err != nil {
		return WrapErr(ErrCancellation, "", err)
	}
	atomic.AddInt64(&s.active, 1)
	return nil
}

// Release gives back an active slot acquired with Acquire.
func (s *Scheduler) Release() {
	atomic.AddInt64(&s.active, -1)
	s.currentSem().Release(1)
}

// Tune changes the active-slot ceiling, the way build2's scheduler::tune
// adjusts max_active for a region of work that needs a different
// concurrency level (e.g. running serially inside an already-parallel
// build). maxActive == 0 restores the ceiling this Scheduler was
// constructed with. The caller must ensure the scheduler is otherwise
// idle; Tune busy-waits for the active count to drain to zero before
// swapping in the new semaphore, same as the original.
func (s *Scheduler) Tune(maxActive int64) {
	if maxActive <= 0 {
		maxActive = s.orig
	}
	for atomic.LoadInt64(&s.active) != 0 {
		runtime.Gosched()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.MaxActive = maxActive
	s.sem = semaphore.NewWeighted(maxActive)
}

// Shutdown signals the scheduler to stop admitting new work (Acquire
// calls fail from this point on) and blocks until every already-active
// goroutine has released its slot, or ctx is done first. Like build2's
// scheduler::shutdown, it does not try to cancel work in flight — it
// just stops handing out new slots and waits for the pool to drain, so
// shutdown is bounded by the longest-running recipe still executing, not
// by how quickly everything can be torn down.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() { close(s.shutdownCh) })
	for {
		if atomic.LoadInt64(&s.active) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return WrapErr(ErrCancellation, "", ctx.Err())
		case <-time.After(time.Millisecond):
		}
	}
}

// Suspend releases the calling goroutine's active slot without
// recording it as idle work finishing — used when a goroutine is about
// to block on something other than the scheduler itself (a channel
// receive on a sibling target's completion, see target.go's Wait). Must
// be paired with Resume once the wait is over. This is the "helper
// promotion" mechanism: by releasing the slot before blocking, another
// queued goroutine is allowed to become active in its place, so a
// MaxActive-bounded pool never wedges just because every active
// goroutine happens to be waiting on a sibling.
func (s *Scheduler) Suspend() {
	s.Release()
}

// Resume reacquires an active slot after a Suspend, blocking if
// necessary until one is free.
func (s *Scheduler) Resume(ctx context.Context) error {
	return s.Acquire(ctx)
}

// Active returns the current count of active (non-suspended) goroutines.
func (s *Scheduler) Active() int64 { return atomic.LoadInt64(&s.active) }

// Do runs fn, deduplicating concurrent calls that share the same key:
// if a call for key is already in flight, later callers block and
// receive the same result rather than re-running fn, via
// golang.org/x/sync/singleflight. Executor does not call Do: it
// deduplicates concurrent builds of a target through Target.TryStart and
// Target.Wait (target.go).
func (s *Scheduler) Do(key string, fn func() (any, error)) (any, error, bool) {
	return s.group.Do(key, fn)
}

// Pool is a convenience wrapper pairing a Scheduler with a WaitGroup for
// fire-and-forget task spawning, the shape Executor.doBuild's prerequisite
// fan-out uses.
type Pool struct {
	sched *Scheduler
	wg    sync.WaitGroup

	mu   sync.Mutex
	errs []error
}

// NewPool creates a Pool bound to sched.
func NewPool(sched *Scheduler) *Pool { return &Pool{sched: sched} }

// Go spawns fn as a new task: it waits for an active slot, runs fn, then
// releases the slot. Errors are collected and available via Wait.
func (p *Pool) Go(ctx context.Context, fn func(ctx context.Context) error) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.sched.Acquire(ctx); err != nil {
			p.addErr(err)
			return
		}
		defer p.sched.Release()
		if err := fn(ctx); err != nil {
			p.addErr(err)
		}
	}()
}

func (p *Pool) addErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errs = append(p.errs, err)
}

// Wait blocks until every spawned task has finished and returns the
// first recorded error, if any.
func (p *Pool) Wait() error {
	p.wg.Wait()
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.errs) == 0 {
		return nil
	}
	return p.errs[0]
}
