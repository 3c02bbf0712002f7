// Copyright 2026 The Forge Authors
// SPDX-License-Identifier: Apache-2.0

package forge

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func TestSchedulerBoundsActiveCount(t *testing.T) {
	s := NewScheduler(2)
	ctx := context.Background()

	var active, maxActive int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Acquire(ctx); err != nil {
				t.Error(err)
				return
			}
			defer s.Release()
			n := atomic.AddInt64(&active, 1)
			for {
				m := atomic.LoadInt64(&maxActive)
				if n <= m || atomic.CompareAndSwapInt64(&maxActive, m, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt64(&active, -1)
		}()
	}
	wg.Wait()

	if maxActive > 2 {
		t.Errorf("observed %d simultaneously active goroutines, want <= 2", maxActive)
	}
}

func TestSchedulerSuspendResumeAvoidsDeadlock(t *testing.T) {
	// Two goroutines, MaxActive 1: the first suspends before waiting on
	// the second's signal, so without helper promotion this would deadlock.
	s := NewScheduler(1)
	ctx := context.Background()

	sigA := make(chan struct{})
	sigB := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		s.Acquire(ctx)
		close(sigA)
		s.Suspend()
		<-sigB
		s.Resume(ctx)
		s.Release()
	}()

	go func() {
		defer wg.Done()
		<-sigA
		s.Acquire(ctx)
		close(sigB)
		s.Release()
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("deadlocked: suspend/resume did not free up the active slot")
	}
}

func TestSchedulerDoDedupsConcurrentCalls(t *testing.T) {
	s := NewScheduler(4)
	var calls int64

	var wg sync.WaitGroup
	results := make([]any, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err, _ := s.Do("key", func() (any, error) {
				atomic.AddInt64(&calls, 1)
				time.Sleep(10 * time.Millisecond)
				return 42, nil
			})
			if err != nil {
				t.Error(err)
			}
			results[i] = v
		}(i)
	}
	wg.Wait()

	if calls != 1 {
		t.Errorf("fn called %d times, want exactly 1 (singleflight dedup)", calls)
	}
	for i, v := range results {
		if v != 42 {
			t.Errorf("results[%d] = %v, want 42", i, v)
		}
	}
}

func TestSchedulerTuneChangesCeiling(t *testing.T) {
	s := NewScheduler(4)
	ctx := context.Background()

	s.Tune(1)
	if s.MaxActive != 1 {
		t.Fatalf("MaxActive after Tune(1) = %d, want 1", s.MaxActive)
	}

	var active, maxActive int64
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Acquire(ctx); err != nil {
				t.Error(err)
				return
			}
			defer s.Release()
			n := atomic.AddInt64(&active, 1)
			for {
				m := atomic.LoadInt64(&maxActive)
				if n <= m || atomic.CompareAndSwapInt64(&maxActive, m, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt64(&active, -1)
		}()
	}
	wg.Wait()

	if maxActive > 1 {
		t.Errorf("observed %d simultaneously active goroutines after Tune(1), want <= 1", maxActive)
	}

	// Tune(0) restores the original ceiling.
	s.Tune(0)
	if s.MaxActive != 4 {
		t.Fatalf("MaxActive after Tune(0) = %d, want 4 (original)", s.MaxActive)
	}
}

func TestSchedulerShutdownDrainsThenBlocksAcquire(t *testing.T) {
	s := NewScheduler(2)
	ctx := context.Background()

	if err := s.Acquire(ctx); err != nil {
		t.Fatal(err)
	}

	shutdownDone := make(chan error, 1)
	go func() {
		shutdownDone <- s.Shutdown(ctx)
	}()

	select {
	case err := <-shutdownDone:
		t.Fatalf("Shutdown returned early (err=%v) before the active slot was released", err)
	case <-time.After(20 * time.Millisecond):
	}

	s.Release()

	select {
	case err := <-shutdownDone:
		if err != nil {
			t.Fatalf("Shutdown() = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown did not return after the active slot drained")
	}

	if err := s.Acquire(ctx); err == nil {
		t.Fatal("expected Acquire to fail once the scheduler has shut down")
	}
}

func TestSchedulerShutdownBoundedByContext(t *testing.T) {
	s := NewScheduler(1)
	if err := s.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := s.Shutdown(ctx); err == nil {
		t.Fatal("expected Shutdown to return an error once its context expires with work still active")
	}
}

func TestPoolCollectsErrors(t *testing.T) {
	s := NewScheduler(2)
	p := NewPool(s)
	ctx := context.Background()

	p.Go(ctx, func(context.Context) error { return nil })
	p.Go(ctx, func(context.Context) error { return errBoom })

	if err := p.Wait(); err != errBoom {
		t.Errorf("Wait() = %v, want %v", err, errBoom)
	}
}
