// Copyright 2026 The Forge Authors
// SPDX-License-Identifier: Apache-2.0

package forge

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestEnginePerformBuildsTarget(t *testing.T) {
	dir := t.TempDir()
	cwd, _ := os.Getwd()
	defer os.Chdir(cwd)
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile("in.txt", []byte("hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	buildfile := "out.txt: in.txt\n  cp in.txt out.txt\n"
	state := &BuildState{Targets: make(map[string]*TargetState)}

	eng := NewEngine(RunOptions{Jobs: 2})
	if err := eng.Perform(strings.NewReader(buildfile), state, nil, []string{"out.txt"}); err != nil {
		t.Fatalf("Perform failed: %v", err)
	}

	data, err := os.ReadFile("out.txt")
	if err != nil {
		t.Fatalf("expected out.txt to be produced: %v", err)
	}
	if string(data) != "hello\n" {
		t.Errorf("out.txt content = %q, want %q", data, "hello\n")
	}

	if _, err := os.Stat(filepath.Join(dir, "out.txt")); err != nil {
		t.Fatal(err)
	}
}

func TestEnginePerformFailsOnUnknownTarget(t *testing.T) {
	dir := t.TempDir()
	cwd, _ := os.Getwd()
	defer os.Chdir(cwd)
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}

	buildfile := "out.txt: in.txt\n  cp in.txt out.txt\n"
	state := &BuildState{Targets: make(map[string]*TargetState)}

	eng := NewEngine(RunOptions{Jobs: 1})
	err := eng.Perform(strings.NewReader(buildfile), state, nil, []string{"out.txt"})
	if err == nil {
		t.Fatal("expected an error when the prerequisite in.txt does not exist and no rule makes it")
	}
}

func TestEngineExplainReportsUpToDate(t *testing.T) {
	dir := t.TempDir()
	cwd, _ := os.Getwd()
	defer os.Chdir(cwd)
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile("in.txt", []byte("hi\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	buildfile := "out.txt: in.txt\n  cp in.txt out.txt\n"
	state := &BuildState{Targets: make(map[string]*TargetState)}

	eng := NewEngine(RunOptions{Jobs: 1})
	if err := eng.Perform(strings.NewReader(buildfile), state, nil, []string{"out.txt"}); err != nil {
		t.Fatal(err)
	}

	explanation, err := eng.Explain(strings.NewReader(buildfile), state, nil, "out.txt")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(explanation, "up to date") {
		t.Errorf("Explain() = %q, want it to report up to date after a successful build", explanation)
	}
}
