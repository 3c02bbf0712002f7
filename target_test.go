// Copyright 2026 The Forge Authors
// SPDX-License-Identifier: Apache-2.0

package forge

import (
	"errors"
	"sync"
	"testing"
)

func TestTargetSetInterningIsStable(t *testing.T) {
	ts := NewTargetSet()
	a := ts.Get("foo.o")
	b := ts.Get("foo.o")
	if a != b {
		t.Error("expected repeated Get calls for the same name to return the identical *Target")
	}
	c := ts.Get("bar.o")
	if a == c {
		t.Error("expected distinct names to produce distinct targets")
	}
}

func TestTargetTryStartOnlyOneWinner(t *testing.T) {
	ts := NewTargetSet()
	tgt := ts.Get("foo.o")

	const n = 20
	var wg sync.WaitGroup
	wins := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			wins[i] = tgt.TryStart()
		}(i)
	}
	wg.Wait()

	count := 0
	for _, w := range wins {
		if w {
			count++
		}
	}
	if count != 1 {
		t.Errorf("expected exactly one TryStart winner, got %d", count)
	}
}

func TestTargetWaitBlocksUntilMarkDone(t *testing.T) {
	ts := NewTargetSet()
	tgt := ts.Get("foo.o")
	tgt.TryStart()

	done := make(chan error, 1)
	go func() {
		done <- tgt.Wait()
	}()

	select {
	case <-done:
		t.Fatal("Wait returned before MarkDone was called")
	default:
	}

	sentinel := errors.New("build failed")
	tgt.MarkDone(sentinel)

	if err := <-done; err != sentinel {
		t.Errorf("Wait() = %v, want %v", err, sentinel)
	}
	if tgt.State() != ActionFailed {
		t.Errorf("State() = %v, want ActionFailed", tgt.State())
	}
}

func TestTargetMarkDoneIsIdempotent(t *testing.T) {
	ts := NewTargetSet()
	tgt := ts.Get("foo.o")
	tgt.MarkDone(nil)
	tgt.MarkDone(nil) // must not panic on double-close
	if tgt.State() != ActionDone {
		t.Errorf("State() = %v, want ActionDone", tgt.State())
	}
}

func TestGroupCompleteMarksAllMembers(t *testing.T) {
	ts := NewTargetSet()
	primary := ts.Get("parser.c")
	header := ts.Get("parser.h")

	g := NewGroup(primary, header)
	if !header.IsGroupMember() {
		t.Fatal("expected header to be recognized as a group member")
	}
	if ResolveMember(header) != primary {
		t.Error("expected ResolveMember(header) to return the group's primary target")
	}

	g.Complete(nil)
	if primary.State() != ActionDone || header.State() != ActionDone {
		t.Error("expected both primary and member to be marked done")
	}
}
